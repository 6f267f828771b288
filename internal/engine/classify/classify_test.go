package classify_test

import (
	"testing"

	"bidreach/internal/domain"
	"bidreach/internal/engine/classify"
)

func TestDefaultsCoverAllChannels(t *testing.T) {
	reg := classify.Defaults()
	for _, ch := range domain.ChannelPriority {
		if reg[ch] == nil {
			t.Fatalf("no classifier for %s", ch)
		}
	}
}

func TestSMSStopKeywords(t *testing.T) {
	for _, word := range []string{"STOP", "stop", " Stop ", "UNSUBSCRIBE", "quit"} {
		out := classify.SMS(classify.Payload{Body: word})
		if out.Kind != classify.OptOut {
			t.Fatalf("body %q: got %s, want opt_out", word, out.Kind)
		}
	}
}

func TestSMSReplyBeatsStatus(t *testing.T) {
	out := classify.SMS(classify.Payload{Body: "Sure, send over the details", Status: "delivered"})
	if out.Kind != classify.Reply {
		t.Fatalf("got %s, want reply", out.Kind)
	}
}

func TestSMSDeliveryFailures(t *testing.T) {
	out := classify.SMS(classify.Payload{Status: "undelivered", Fields: map[string]string{"error_code": "30003"}})
	if out.Kind != classify.Failure {
		t.Fatalf("transient code: got %s, want failure", out.Kind)
	}
	out = classify.SMS(classify.Payload{Status: "failed", Fields: map[string]string{"error_code": "21211"}})
	if out.Kind != classify.Bounce {
		t.Fatalf("invalid number: got %s, want bounce", out.Kind)
	}
	out = classify.SMS(classify.Payload{Status: "undelivered", Fields: map[string]string{"error_code": "21610"}})
	if out.Kind != classify.OptOut {
		t.Fatalf("provider opt-out list: got %s, want opt_out", out.Kind)
	}
}

func TestEmailBounceClassification(t *testing.T) {
	out := classify.Email(classify.Payload{Status: "bounced"})
	if out.Kind != classify.Bounce {
		t.Fatalf("hard bounce: got %s, want bounce", out.Kind)
	}
	out = classify.Email(classify.Payload{Status: "bounced", Fields: map[string]string{"bounce_type": "soft"}})
	if out.Kind != classify.Failure {
		t.Fatalf("soft bounce: got %s, want failure", out.Kind)
	}
}

func TestEmailUnsubscribePhrase(t *testing.T) {
	out := classify.Email(classify.Payload{Body: "Please remove me from your list."})
	if out.Kind != classify.OptOut {
		t.Fatalf("got %s, want opt_out", out.Kind)
	}
	out = classify.Email(classify.Payload{Body: "Happy to bid on this, call me tomorrow."})
	if out.Kind != classify.Reply {
		t.Fatalf("got %s, want reply", out.Kind)
	}
}

func TestVoiceAnswerHeuristic(t *testing.T) {
	out := classify.Voice(classify.Payload{Status: "completed", Fields: map[string]string{"answered_by": "human"}, Body: "yes I'm interested"})
	if out.Kind != classify.Reply {
		t.Fatalf("human with transcript: got %s, want reply", out.Kind)
	}
	out = classify.Voice(classify.Payload{Status: "completed", Fields: map[string]string{"answered_by": "machine_start"}})
	if out.Kind != classify.Delivery {
		t.Fatalf("voicemail: got %s, want delivery", out.Kind)
	}
	out = classify.Voice(classify.Payload{Status: "busy"})
	if out.Kind != classify.Failure || out.Detail != "busy" {
		t.Fatalf("busy: got %s/%s", out.Kind, out.Detail)
	}
	out = classify.Voice(classify.Payload{Status: "no-answer"})
	if out.Kind != classify.Failure || out.Detail != "no-answer" {
		t.Fatalf("no-answer: got %s/%s", out.Kind, out.Detail)
	}
}

func TestVoiceDigitsOverrideTranscript(t *testing.T) {
	out := classify.Voice(classify.Payload{Fields: map[string]string{"digits": "9", "answered_by": "human"}, Body: "sounds great"})
	if out.Kind != classify.OptOut {
		t.Fatalf("pressed 9: got %s, want opt_out", out.Kind)
	}
	out = classify.Voice(classify.Payload{Fields: map[string]string{"digits": "1"}})
	if out.Kind != classify.Reply {
		t.Fatalf("pressed 1: got %s, want reply", out.Kind)
	}
}

func TestVoiceTranscriptOptOut(t *testing.T) {
	out := classify.Voice(classify.Payload{Body: "please stop calling this number"})
	if out.Kind != classify.OptOut {
		t.Fatalf("got %s, want opt_out", out.Kind)
	}
}
