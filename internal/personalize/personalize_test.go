package personalize_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bidreach/internal/config"
	"bidreach/internal/domain"
	"bidreach/internal/personalize"
)

var sampleInput = personalize.Input{
	ContractorName: "Blue Pools",
	ProjectType:    "pool installation",
	ProjectDetails: "In-ground pool, 30x15, with heating",
	BidLink:        "https://bids.example/p/123",
}

func newRenderer(t *testing.T) *personalize.Renderer {
	t.Helper()
	r, err := personalize.New(config.Default())
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	return r
}

func TestTemplateMessage(t *testing.T) {
	r := newRenderer(t)
	msg := r.Message(context.Background(), sampleInput)
	if !strings.Contains(msg, "Hello Blue Pools") {
		t.Fatalf("missing greeting: %q", msg)
	}
	if !strings.Contains(msg, "pool installation") || !strings.Contains(msg, "30x15") {
		t.Fatalf("missing project fields: %q", msg)
	}
}

func TestEmailSubject(t *testing.T) {
	r := newRenderer(t)
	if got := r.EmailSubject(sampleInput); got != "Bid Request: pool installation" {
		t.Fatalf("subject = %q", got)
	}
}

func TestRemoteGeneratorPreferred(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer svc-key" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, `{"message":"Custom message for Blue Pools"}`)
	}))
	defer srv.Close()

	r := newRenderer(t)
	r.ServiceURL = srv.URL
	r.APIKey = "svc-key"
	msg := r.Message(context.Background(), sampleInput)
	if msg != "Custom message for Blue Pools" {
		t.Fatalf("msg = %q", msg)
	}
}

func TestRemoteFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := newRenderer(t)
	r.ServiceURL = srv.URL
	msg := r.Message(context.Background(), sampleInput)
	if !strings.Contains(msg, "Hello Blue Pools") {
		t.Fatalf("expected template fallback, got %q", msg)
	}
}

func TestComposePerChannel(t *testing.T) {
	email := personalize.Compose(domain.ChannelEmail, "base text", sampleInput)
	if !strings.HasSuffix(email, "Submit your bid here: https://bids.example/p/123") {
		t.Fatalf("email body = %q", email)
	}

	long := strings.Repeat("x", 200)
	sms := personalize.Compose(domain.ChannelSMS, long, sampleInput)
	if !strings.HasPrefix(sms, strings.Repeat("x", 140)+"... Bid details: ") {
		t.Fatalf("sms body = %q", sms)
	}
	if strings.Contains(sms, strings.Repeat("x", 141)) {
		t.Fatalf("sms body not truncated: %q", sms)
	}

	voice := personalize.Compose(domain.ChannelVoice, "script text", sampleInput)
	if voice != "script text" {
		t.Fatalf("voice body = %q", voice)
	}
}
