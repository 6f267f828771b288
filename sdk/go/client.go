package bidreachsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bidreach HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// BidRequest is the webhook submission payload.
type BidRequest struct {
	ProjectID      string `json:"project_id"`
	ZipCode        string `json:"zip_code"`
	ProjectType    string `json:"project_type"`
	ProjectDetails string `json:"project_details"`
	BidLink        string `json:"bid_link"`
}

// CampaignSummary is one campaign line in a bid request response.
type CampaignSummary struct {
	CampaignID   string `json:"campaign_id"`
	ContractorID string `json:"contractor_id"`
	Contractor   string `json:"contractor_name"`
	State        string `json:"state"`
}

// BidRequestResult summarizes what a submission produced.
type BidRequestResult struct {
	ProjectID        string            `json:"project_id"`
	ContractorsFound int               `json:"contractors_found"`
	Campaigns        []CampaignSummary `json:"campaigns"`
	Message          string            `json:"message,omitempty"`
}

// ProjectStatus is the aggregate outreach picture for one project.
type ProjectStatus struct {
	ProjectID   string         `json:"project_id"`
	Campaigns   int            `json:"campaigns"`
	States      map[string]int `json:"states"`
	Outcomes    map[string]int `json:"outcomes"`
	Responded   []string       `json:"responded_contractors"`
	Complete    bool           `json:"complete"`
	GeneratedAt string         `json:"generated_at"`
}

// Contractor is one registry entry.
type Contractor struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Address      string  `json:"address,omitempty"`
	ZipCode      string  `json:"zip_code,omitempty"`
	Phone        string  `json:"phone,omitempty"`
	Email        string  `json:"email,omitempty"`
	Website      string  `json:"website,omitempty"`
	Source       string  `json:"source"`
	Relevance    float64 `json:"relevance"`
	DiscoveredAt string  `json:"discovered_at"`
	OptedOutAt   *string `json:"opted_out_at,omitempty"`
	ArchivedAt   *string `json:"archived_at,omitempty"`
}

// Attempt is one outreach attempt on a campaign.
type Attempt struct {
	ID          string  `json:"id"`
	Channel     string  `json:"channel"`
	Seq         int     `json:"seq"`
	Status      string  `json:"status"`
	ProviderRef *string `json:"provider_ref,omitempty"`
	Detail      *string `json:"detail,omitempty"`
	QueuedAt    string  `json:"queued_at"`
	SentAt      *string `json:"sent_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	AckDeadline *string `json:"ack_deadline,omitempty"`
}

// Campaign is one contractor's outreach effort for a project.
type Campaign struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	ContractorID     string    `json:"contractor_id"`
	ContractorName   string    `json:"contractor_name,omitempty"`
	State            string    `json:"state"`
	Outcome          *string   `json:"outcome,omitempty"`
	NextAttemptAt    *string   `json:"next_attempt_at,omitempty"`
	CreatedAt        string    `json:"created_at"`
	LastTransitionAt string    `json:"last_transition_at"`
	Attempts         []Attempt `json:"attempts"`
}

// InboundMessage mirrors a provider callback body.
type InboundMessage struct {
	ProviderRef string            `json:"provider_ref,omitempty"`
	From        string            `json:"from,omitempty"`
	Body        string            `json:"body,omitempty"`
	Status      string            `json:"status,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// InboundResult reports how an inbound message was applied.
type InboundResult struct {
	Status        string `json:"status"`
	Kind          string `json:"kind,omitempty"`
	CampaignID    string `json:"campaign_id,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	CampaignState string `json:"campaign_state,omitempty"`
}

// Event is a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitBidRequest posts a bid request; resubmitting a known project id is
// safe and returns the existing campaigns.
func (c *Client) SubmitBidRequest(ctx context.Context, r BidRequest) (BidRequestResult, error) {
	var resp BidRequestResult
	err := c.do(ctx, http.MethodPost, "webhook/bid-request", r, &resp)
	return resp, err
}

// Status returns the aggregate outreach status for a project.
func (c *Client) Status(ctx context.Context, projectID string) (ProjectStatus, error) {
	var resp ProjectStatus
	endpoint := "outreach/status/" + url.PathEscape(projectID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Inbound applies a provider-style callback for a channel.
func (c *Client) Inbound(ctx context.Context, channel string, m InboundMessage) (InboundResult, error) {
	var resp InboundResult
	endpoint := "webhook/inbound/" + url.PathEscape(channel)
	err := c.do(ctx, http.MethodPost, endpoint, m, &resp)
	return resp, err
}

// Contractors lists the registry, optionally filtered by zip code.
func (c *Client) Contractors(ctx context.Context, zip string) ([]Contractor, error) {
	endpoint := "v0/contractors"
	if zip != "" {
		endpoint += "?zip=" + url.QueryEscape(zip)
	}
	var resp []Contractor
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Campaigns lists campaigns for a project.
func (c *Client) Campaigns(ctx context.Context, projectID string) ([]Campaign, error) {
	endpoint := "v0/campaigns"
	if projectID != "" {
		endpoint += "?project_id=" + url.QueryEscape(projectID)
	}
	var resp []Campaign
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Campaign fetches one campaign with its attempt history.
func (c *Client) Campaign(ctx context.Context, id string) (Campaign, error) {
	var resp Campaign
	endpoint := "v0/campaigns/" + url.PathEscape(id)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events for a project.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	params := url.Values{}
	if projectID != "" {
		params.Set("project_id", projectID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DevLogin mints a bearer token on servers with dev login enabled and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]string{"actor_id": actorID}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
