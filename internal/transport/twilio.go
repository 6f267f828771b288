package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bidreach/internal/domain"
)

const twilioDefaultBaseURL = "https://api.twilio.com/2010-04-01"

// Twilio holds the shared REST plumbing for the SMS and voice transports.
type Twilio struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type twilioCreateResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// permanentSendCodes are request rejections that retrying cannot fix.
var permanentSendCodes = map[int]bool{
	21211: true, // invalid To number
	21610: true, // recipient has unsubscribed
	21614: true, // not a mobile number
}

func (t *Twilio) post(ctx context.Context, ch domain.Channel, resource string, form url.Values) (string, error) {
	if t.HTTPClient == nil {
		timeout := t.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		t.HTTPClient = &http.Client{Timeout: timeout}
	}
	base := t.BaseURL
	if base == "" {
		base = twilioDefaultBaseURL
	}
	u := fmt.Sprintf("%s/Accounts/%s/%s.json", strings.TrimRight(base, "/"), url.PathEscape(t.AccountSID), resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return "", domain.TransportError{Channel: ch, Detail: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var out twilioCreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", domain.TransportError{Channel: ch, Detail: fmt.Sprintf("status=%d body=%s", resp.StatusCode, body)}
	}
	if resp.StatusCode >= 300 {
		detail := fmt.Sprintf("code=%d %s", out.Code, out.Message)
		if permanentSendCodes[out.Code] {
			return "", domain.PermanentTransportError{Channel: ch, Detail: detail}
		}
		return "", domain.TransportError{Channel: ch, Detail: detail}
	}
	return out.SID, nil
}

// TwilioSMS sends text messages through the Messages resource.
type TwilioSMS struct {
	Twilio
}

func (t *TwilioSMS) Send(ctx context.Context, m Message) (string, error) {
	if !domain.ValidPhone(m.To) {
		return "", domain.PermanentTransportError{Channel: domain.ChannelSMS, Detail: "invalid destination number"}
	}
	form := url.Values{
		"To":   {domain.NormalizePhone(m.To)},
		"From": {t.From},
		"Body": {m.Body},
	}
	return t.post(ctx, domain.ChannelSMS, "Messages", form)
}

// TwilioVoice places calls through the Calls resource. The call plays the
// TwiML script at ScriptURL; machine detection distinguishes voicemail from
// a live answer in the status callback.
type TwilioVoice struct {
	Twilio
	ScriptURL string
}

func (t *TwilioVoice) Send(ctx context.Context, m Message) (string, error) {
	if !domain.ValidPhone(m.To) {
		return "", domain.PermanentTransportError{Channel: domain.ChannelVoice, Detail: "invalid destination number"}
	}
	form := url.Values{
		"To":               {domain.NormalizePhone(m.To)},
		"From":             {t.From},
		"Url":              {t.ScriptURL},
		"MachineDetection": {"Enable"},
	}
	return t.post(ctx, domain.ChannelVoice, "Calls", form)
}
