package transport_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bidreach/internal/config"
	"bidreach/internal/domain"
	"bidreach/internal/transport"
)

func TestTwilioSMSSend(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC123/Messages.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("basic auth = %s/%s/%v", user, pass, ok)
		}
		r.ParseForm()
		gotForm = map[string]string{
			"To":   r.PostForm.Get("To"),
			"From": r.PostForm.Get("From"),
			"Body": r.PostForm.Get("Body"),
		}
		fmt.Fprint(w, `{"sid":"SM900","status":"queued"}`)
	}))
	defer srv.Close()

	tr := &transport.TwilioSMS{Twilio: transport.Twilio{
		BaseURL: srv.URL, AccountSID: "AC123", AuthToken: "secret", From: "+15550009999",
	}}
	ref, err := tr.Send(context.Background(), transport.Message{
		Channel: domain.ChannelSMS,
		To:      "(310) 555-0101",
		Body:    "Bid details inside",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ref != "SM900" {
		t.Fatalf("ref = %q", ref)
	}
	if gotForm["To"] != "+13105550101" {
		t.Fatalf("To = %q, want normalized +13105550101", gotForm["To"])
	}
	if gotForm["From"] != "+15550009999" || gotForm["Body"] != "Bid details inside" {
		t.Fatalf("form = %+v", gotForm)
	}
}

func TestTwilioErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":21211,"message":"invalid To number","status":400}`)
	}))
	defer srv.Close()

	tr := &transport.TwilioSMS{Twilio: transport.Twilio{BaseURL: srv.URL, AccountSID: "AC123", AuthToken: "secret", From: "+15550009999"}}
	_, err := tr.Send(context.Background(), transport.Message{To: "+13105550101", Body: "x"})
	var perm domain.PermanentTransportError
	if !errors.As(err, &perm) {
		t.Fatalf("want permanent error for code 21211, got %v", err)
	}

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"code":20429,"message":"too many requests","status":503}`)
	}))
	defer srv2.Close()
	tr2 := &transport.TwilioSMS{Twilio: transport.Twilio{BaseURL: srv2.URL, AccountSID: "AC123", AuthToken: "secret", From: "+15550009999"}}
	_, err = tr2.Send(context.Background(), transport.Message{To: "+13105550101", Body: "x"})
	var transient domain.TransportError
	if !errors.As(err, &transient) {
		t.Fatalf("want transient error for 503, got %v", err)
	}
}

func TestTwilioRejectsUnusableNumber(t *testing.T) {
	tr := &transport.TwilioSMS{Twilio: transport.Twilio{BaseURL: "http://unused", AccountSID: "AC123", AuthToken: "secret"}}
	_, err := tr.Send(context.Background(), transport.Message{To: "555", Body: "x"})
	var perm domain.PermanentTransportError
	if !errors.As(err, &perm) {
		t.Fatalf("want permanent error for short number, got %v", err)
	}
}

func TestTwilioVoiceForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/Calls.json") {
			t.Errorf("path = %s", r.URL.Path)
		}
		r.ParseForm()
		if r.PostForm.Get("Url") != "https://scripts.example/bid.xml" {
			t.Errorf("Url = %q", r.PostForm.Get("Url"))
		}
		if r.PostForm.Get("MachineDetection") != "Enable" {
			t.Errorf("MachineDetection = %q", r.PostForm.Get("MachineDetection"))
		}
		fmt.Fprint(w, `{"sid":"CA100","status":"queued"}`)
	}))
	defer srv.Close()

	tr := &transport.TwilioVoice{
		Twilio:    transport.Twilio{BaseURL: srv.URL, AccountSID: "AC123", AuthToken: "secret", From: "+15550009999"},
		ScriptURL: "https://scripts.example/bid.xml",
	}
	ref, err := tr.Send(context.Background(), transport.Message{To: "+13105550101"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ref != "CA100" {
		t.Fatalf("ref = %q", ref)
	}
}

func TestDryRunAlwaysSucceeds(t *testing.T) {
	d := &transport.DryRun{Channel: domain.ChannelSMS}
	ref, err := d.Send(context.Background(), transport.Message{To: "+13105550101", Body: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(ref, "dry-") {
		t.Fatalf("ref = %q, want dry- prefix", ref)
	}
}

func TestFromConfigDryRun(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.DryRun = true
	transports, err := transport.FromConfig(cfg)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	for ch := range transports {
		if _, ok := transports[ch].(*transport.DryRun); !ok {
			t.Fatalf("channel %s: want dry-run transport, got %T", ch, transports[ch])
		}
	}
}

func TestFromConfigMissingCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.DryRun = false
	if _, err := transport.FromConfig(cfg); err == nil {
		t.Fatal("expected error for enabled channels without credentials")
	}
}
