package server

import (
	"encoding/json"

	"bidreach/internal/domain"
	"bidreach/internal/engine"
)

// Request payloads

// BidRequestBody keeps every field schema-optional so the engine's own
// validation answers for missing and blank fields alike, naming the field
// in the error envelope.
type BidRequestBody struct {
	ProjectID      string `json:"project_id,omitempty"`
	ZipCode        string `json:"zip_code,omitempty"`
	ProjectType    string `json:"project_type,omitempty"`
	ProjectDetails string `json:"project_details,omitempty"`
	BidLink        string `json:"bid_link,omitempty"`
}

// InboundBody is the JSON shape for provider callbacks. Twilio-style
// form-encoded callbacks are translated into it by the inbound handler.
type InboundBody struct {
	ProviderRef string            `json:"provider_ref,omitempty"`
	From        string            `json:"from,omitempty"`
	Body        string            `json:"body,omitempty"`
	Status      string            `json:"status,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type BidRequestResponse struct {
	ProjectID        string                   `json:"project_id"`
	ContractorsFound int                      `json:"contractors_found"`
	Campaigns        []engine.CampaignSummary `json:"campaigns"`
	Message          string                   `json:"message,omitempty"`
}

type StatusResponse struct {
	ProjectID   string         `json:"project_id"`
	Campaigns   int            `json:"campaigns"`
	States      map[string]int `json:"states"`
	Outcomes    map[string]int `json:"outcomes"`
	Responded   []string       `json:"responded_contractors"`
	Complete    bool           `json:"complete"`
	GeneratedAt string         `json:"generated_at" format:"date-time"`
}

type ContractorResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Address      string  `json:"address,omitempty"`
	ZipCode      string  `json:"zip_code,omitempty"`
	Phone        string  `json:"phone,omitempty"`
	Email        string  `json:"email,omitempty"`
	Website      string  `json:"website,omitempty"`
	Source       string  `json:"source"`
	Relevance    float64 `json:"relevance"`
	DiscoveredAt string  `json:"discovered_at" format:"date-time"`
	OptedOutAt   *string `json:"opted_out_at,omitempty" format:"date-time"`
	ArchivedAt   *string `json:"archived_at,omitempty" format:"date-time"`
}

type AttemptResponse struct {
	ID          string  `json:"id"`
	Channel     string  `json:"channel" enum:"email,sms,voice"`
	Seq         int     `json:"seq"`
	Status      string  `json:"status" enum:"queued,sent,delivered,failed,responded"`
	ProviderRef *string `json:"provider_ref,omitempty"`
	Detail      *string `json:"detail,omitempty"`
	QueuedAt    string  `json:"queued_at" format:"date-time"`
	SentAt      *string `json:"sent_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	AckDeadline *string `json:"ack_deadline,omitempty" format:"date-time"`
}

type CampaignResponse struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"project_id"`
	ContractorID     string            `json:"contractor_id"`
	ContractorName   string            `json:"contractor_name,omitempty"`
	State            string            `json:"state" enum:"pending,in_progress,responded,exhausted,opted_out"`
	Outcome          *string           `json:"outcome,omitempty"`
	NextAttemptAt    *string           `json:"next_attempt_at,omitempty" format:"date-time"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	LastTransitionAt string            `json:"last_transition_at" format:"date-time"`
	Attempts         []AttemptResponse `json:"attempts"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func statusResponse(s domain.ProjectStatus) StatusResponse {
	out := StatusResponse(s)
	out.Responded = nonNilSlice(out.Responded)
	return out
}

func contractorResponse(c domain.ContractorRecord) ContractorResponse {
	return ContractorResponse(c)
}

func attemptResponse(a domain.Attempt) AttemptResponse {
	return AttemptResponse{
		ID:          a.ID,
		Channel:     string(a.Channel),
		Seq:         a.Seq,
		Status:      a.Status,
		ProviderRef: a.ProviderRef,
		Detail:      a.Detail,
		QueuedAt:    a.QueuedAt,
		SentAt:      a.SentAt,
		CompletedAt: a.CompletedAt,
		AckDeadline: a.AckDeadline,
	}
}

func campaignResponse(c domain.Campaign, contractorName string) CampaignResponse {
	attempts := make([]AttemptResponse, 0, len(c.Attempts))
	for _, a := range c.Attempts {
		attempts = append(attempts, attemptResponse(a))
	}
	return CampaignResponse{
		ID:               c.ID,
		ProjectID:        c.ProjectID,
		ContractorID:     c.ContractorID,
		ContractorName:   contractorName,
		State:            c.State,
		Outcome:          c.Outcome,
		NextAttemptAt:    c.NextAttemptAt,
		CreatedAt:        c.CreatedAt,
		LastTransitionAt: c.LastTransitionAt,
		Attempts:         attempts,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
