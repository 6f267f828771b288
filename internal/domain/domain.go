package domain

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// ChannelPriority is the dispatch order for campaigns.
var ChannelPriority = []Channel{ChannelEmail, ChannelSMS, ChannelVoice}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelVoice:
		return true
	}
	return false
}

const (
	CampaignPending    = "pending"
	CampaignInProgress = "in_progress"
	CampaignResponded  = "responded"
	CampaignExhausted  = "exhausted"
	CampaignOptedOut   = "opted_out"
)

// TerminalState reports whether a campaign state admits no further transitions.
func TerminalState(state string) bool {
	switch state {
	case CampaignResponded, CampaignExhausted, CampaignOptedOut:
		return true
	}
	return false
}

const (
	AttemptQueued    = "queued"
	AttemptSent      = "sent"
	AttemptDelivered = "delivered"
	AttemptFailed    = "failed"
	AttemptResponded = "responded"
)

type ContractorRecord struct {
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

type BidRequest struct {
	ProjectID      string `json:"project_id"`
	ZipCode        string `json:"zip_code"`
	ProjectType    string `json:"project_type"`
	ProjectDetails string `json:"project_details"`
	BidLink        string `json:"bid_link"`
	AcceptedAt     string `json:"accepted_at" format:"date-time"`
}

type Campaign struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	ContractorID     string    `json:"contractor_id"`
	State            string    `json:"state" enum:"pending,in_progress,responded,exhausted,opted_out"`
	Outcome          *string   `json:"outcome,omitempty"`
	NextAttemptAt    *string   `json:"next_attempt_at,omitempty" format:"date-time"`
	CreatedAt        string    `json:"created_at" format:"date-time"`
	LastTransitionAt string    `json:"last_transition_at" format:"date-time"`
	Attempts         []Attempt `json:"attempts,omitempty"`
}

type Attempt struct {
	ID          string  `json:"id"`
	CampaignID  string  `json:"campaign_id"`
	Channel     Channel `json:"channel" enum:"email,sms,voice"`
	Seq         int     `json:"seq"`
	Status      string  `json:"status" enum:"queued,sent,delivered,failed,responded"`
	ProviderRef *string `json:"provider_ref,omitempty"`
	Detail      *string `json:"detail,omitempty"`
	QueuedAt    string  `json:"queued_at" format:"date-time"`
	SentAt      *string `json:"sent_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	AckDeadline *string `json:"ack_deadline,omitempty" format:"date-time"`
}

// ProjectStatus is derived from campaign rows on demand, never cached.
type ProjectStatus struct {
	ProjectID   string         `json:"project_id"`
	Campaigns   int            `json:"campaigns"`
	States      map[string]int `json:"states"`
	Outcomes    map[string]int `json:"outcomes"`
	Responded   []string       `json:"responded_contractors"`
	Complete    bool           `json:"complete"`
	GeneratedAt string         `json:"generated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
