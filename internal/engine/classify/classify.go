// Package classify turns raw channel-provider callbacks into outreach outcomes.
//
// One classifier function is registered per channel at startup. The state
// machine only sees the resulting Outcome, so adding a channel means adding
// one classifier, not touching campaign transitions.
package classify

import (
	"strings"

	"bidreach/internal/domain"
)

// Kind is the normalized verdict for an inbound payload.
type Kind string

const (
	// Reply is a genuine response from the contractor.
	Reply Kind = "reply"
	// OptOut is a request to stop all contact.
	OptOut Kind = "opt_out"
	// Delivery confirms the message reached the contractor without a response.
	Delivery Kind = "delivery"
	// Bounce is a permanent delivery failure; the channel is not retried.
	Bounce Kind = "bounce"
	// Failure is a transient delivery failure; the attempt may be retried.
	Failure Kind = "failure"
)

// Payload carries the provider-neutral fields extracted from a callback body.
type Payload struct {
	ProviderRef string
	From        string
	Body        string
	Status      string
	Fields      map[string]string
}

// Outcome is the classification of one inbound payload.
type Outcome struct {
	Kind   Kind
	Detail string
}

// Func classifies one inbound payload for a single channel.
type Func func(Payload) Outcome

// Registry maps each channel to its classifier.
type Registry map[domain.Channel]Func

// Defaults returns the built-in classifiers for email, sms and voice.
func Defaults() Registry {
	return Registry{
		domain.ChannelEmail: Email,
		domain.ChannelSMS:   SMS,
		domain.ChannelVoice: Voice,
	}
}

// smsStopWords is the standard carrier opt-out keyword list. A message
// consisting of exactly one of these words unsubscribes the sender.
var smsStopWords = map[string]bool{
	"STOP":        true,
	"STOPALL":     true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
	"END":         true,
	"QUIT":        true,
}

// smsPermanentCodes are Twilio error codes for destinations that will never
// accept a message.
var smsPermanentCodes = map[string]string{
	"21211": "invalid destination number",
	"30005": "unknown destination handset",
	"30006": "landline or unreachable carrier",
}

// SMS classifies Twilio message callbacks. Body keywords take precedence
// over delivery status: a reply and a status callback can arrive in either
// order and the reply must win.
func SMS(p Payload) Outcome {
	if body := strings.ToUpper(strings.TrimSpace(p.Body)); body != "" {
		if smsStopWords[body] {
			return Outcome{Kind: OptOut, Detail: "keyword " + body}
		}
		return Outcome{Kind: Reply}
	}
	switch p.Status {
	case "delivered":
		return Outcome{Kind: Delivery}
	case "undelivered", "failed":
		code := p.Fields["error_code"]
		if code == "21610" {
			// Twilio rejects sends to numbers on its own opt-out list.
			return Outcome{Kind: OptOut, Detail: "provider opt-out list"}
		}
		if reason, ok := smsPermanentCodes[code]; ok {
			return Outcome{Kind: Bounce, Detail: reason}
		}
		return Outcome{Kind: Failure, Detail: "undelivered"}
	}
	return Outcome{Kind: Delivery, Detail: p.Status}
}

// emailOptOutPhrases mark a reply as an unsubscribe request rather than
// interest in the project.
var emailOptOutPhrases = []string{"unsubscribe", "remove me", "stop emailing", "opt out", "opt-out"}

// Email classifies SMTP reply and bounce notifications.
func Email(p Payload) Outcome {
	if body := strings.ToLower(strings.TrimSpace(p.Body)); body != "" {
		for _, phrase := range emailOptOutPhrases {
			if strings.Contains(body, phrase) {
				return Outcome{Kind: OptOut, Detail: "phrase " + strings.ReplaceAll(phrase, " ", "-")}
			}
		}
		return Outcome{Kind: Reply}
	}
	switch p.Status {
	case "bounced", "bounce":
		if p.Fields["bounce_type"] == "soft" {
			return Outcome{Kind: Failure, Detail: "soft bounce"}
		}
		return Outcome{Kind: Bounce, Detail: "hard bounce"}
	case "deferred", "delayed":
		return Outcome{Kind: Failure, Detail: p.Status}
	case "delivered", "opened":
		return Outcome{Kind: Delivery, Detail: p.Status}
	}
	return Outcome{Kind: Delivery, Detail: p.Status}
}

// voiceOptOutPhrases in a call transcript mean the contractor asked not to
// be contacted again.
var voiceOptOutPhrases = []string{"do not call", "don't call", "stop calling", "remove me", "take me off"}

// Voice classifies call-status callbacks.
//
// Heuristic for the response-versus-voicemail ambiguity: a call answered by
// a human with a transcript is a reply, a call answered by a machine counts
// as a delivery (the script played to voicemail), and IVR digits override
// both (1 = interested, 9 = opt out). Busy and no-answer stay distinct so
// retry reporting can tell them apart.
func Voice(p Payload) Outcome {
	if digits := p.Fields["digits"]; digits != "" {
		switch digits {
		case "9":
			return Outcome{Kind: OptOut, Detail: "pressed 9"}
		default:
			return Outcome{Kind: Reply, Detail: "pressed " + digits}
		}
	}
	answeredBy := p.Fields["answered_by"]
	if strings.HasPrefix(answeredBy, "machine") {
		return Outcome{Kind: Delivery, Detail: "voicemail"}
	}
	if transcript := strings.ToLower(strings.TrimSpace(p.Body)); transcript != "" {
		for _, phrase := range voiceOptOutPhrases {
			if strings.Contains(transcript, phrase) {
				return Outcome{Kind: OptOut, Detail: "transcript"}
			}
		}
		return Outcome{Kind: Reply, Detail: "transcript"}
	}
	switch p.Status {
	case "busy":
		return Outcome{Kind: Failure, Detail: "busy"}
	case "no-answer":
		return Outcome{Kind: Failure, Detail: "no-answer"}
	case "failed", "canceled":
		return Outcome{Kind: Failure, Detail: p.Status}
	case "completed":
		if answeredBy == "human" {
			return Outcome{Kind: Reply, Detail: "answered"}
		}
		return Outcome{Kind: Delivery, Detail: "completed"}
	}
	return Outcome{Kind: Delivery, Detail: p.Status}
}
