// Package personalize builds the outreach message sent to each contractor.
package personalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"text/template"
	"time"

	"bidreach/internal/config"
	"bidreach/internal/domain"
)

// Input carries the fields available to message templates and the remote
// generator service.
type Input struct {
	ContractorName string
	ProjectType    string
	ProjectDetails string
	BidLink        string
}

// Renderer produces the base outreach text. When a service URL is configured
// the text comes from the remote generator; the local template is the
// fallback, so outreach never blocks on that service being up.
type Renderer struct {
	ServiceURL string
	APIKey     string
	Template   *template.Template
	Subject    *template.Template
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New parses the configured templates and wires the optional generator.
func New(cfg *config.Config) (*Renderer, error) {
	tmpl, err := template.New("message").Parse(cfg.Personalize.Template)
	if err != nil {
		return nil, fmt.Errorf("personalize template: %w", err)
	}
	subjectSrc := cfg.Channels.Email.Subject
	if subjectSrc == "" {
		subjectSrc = "Bid Request: {{.ProjectType}}"
	}
	subject, err := template.New("subject").Parse(subjectSrc)
	if err != nil {
		return nil, fmt.Errorf("email subject template: %w", err)
	}
	return &Renderer{
		ServiceURL: cfg.Personalize.ServiceURL,
		APIKey:     cfg.Personalize.APIKey,
		Template:   tmpl,
		Subject:    subject,
		Timeout:    10 * time.Second,
	}, nil
}

// Message returns the base outreach text for one contractor.
func (r *Renderer) Message(ctx context.Context, in Input) string {
	if r.ServiceURL != "" {
		msg, err := r.remote(ctx, in)
		if err == nil && strings.TrimSpace(msg) != "" {
			return msg
		}
		if err != nil {
			log.Printf("personalize service failed, using template: %v", err)
		}
	}
	return r.render(r.Template, in)
}

// EmailSubject renders the configured subject line.
func (r *Renderer) EmailSubject(in Input) string {
	return strings.TrimSpace(r.render(r.Subject, in))
}

func (r *Renderer) render(t *template.Template, in Input) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, in); err != nil {
		// Parse succeeded at startup, so only a broken field ref lands here.
		return fmt.Sprintf("Hello %s, we're looking for bids on a %s project. Details: %s",
			in.ContractorName, in.ProjectType, in.ProjectDetails)
	}
	return strings.TrimSpace(buf.String())
}

func (r *Renderer) remote(ctx context.Context, in Input) (string, error) {
	if r.HTTPClient == nil {
		r.HTTPClient = &http.Client{Timeout: r.Timeout}
	}
	body, err := json.Marshal(map[string]string{
		"contractor_name": in.ContractorName,
		"project_type":    in.ProjectType,
		"project_details": in.ProjectDetails,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.ServiceURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	var out struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// smsBodyLimit is how much of the base message an SMS keeps before the bid
// link is appended.
const smsBodyLimit = 140

// Compose shapes the base message into the channel's body. Email carries the
// full text plus the bid link, SMS truncates to fit, voice uses the text as
// the call script.
func Compose(ch domain.Channel, base string, in Input) string {
	switch ch {
	case domain.ChannelEmail:
		return base + "\n\nSubmit your bid here: " + in.BidLink
	case domain.ChannelSMS:
		return truncateRunes(base, smsBodyLimit) + "... Bid details: " + in.BidLink
	case domain.ChannelVoice:
		return base
	}
	return base
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
