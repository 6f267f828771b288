package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"bidreach/internal/config"
	"bidreach/internal/discovery"
	"bidreach/internal/domain"
	"bidreach/internal/engine/classify"
	"bidreach/internal/events"
	"bidreach/internal/personalize"
	"bidreach/internal/repo"
	"bidreach/internal/transport"
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Now         func() time.Time
	Discoverer  discovery.Provider
	Transports  map[domain.Channel]transport.Transport
	Classifiers classify.Registry
	Renderer    *personalize.Renderer
	locks       *campaignLocks
}

// New wires an engine from config: discovery provider, channel transports,
// default classifiers and the message renderer. Fields stay exported so
// callers and tests can swap parts after construction.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	provider, err := discovery.FromConfig(cfg)
	if err != nil {
		return Engine{}, err
	}
	transports, err := transport.FromConfig(cfg)
	if err != nil {
		return Engine{}, err
	}
	renderer, err := personalize.New(cfg)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Events:      events.Writer{DB: db},
		Config:      cfg,
		Now:         time.Now,
		Discoverer:  provider,
		Transports:  transports,
		Classifiers: classify.Defaults(),
		Renderer:    renderer,
		locks:       newCampaignLocks(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowTS() string {
	return e.now().UTC().Format(time.RFC3339)
}

// BidRequestOptions are the parameters of one accepted bid request.
type BidRequestOptions struct {
	ProjectID      string
	ZipCode        string
	ProjectType    string
	ProjectDetails string
	BidLink        string
	ActorID        string
}

// CampaignSummary is one campaign line in a bid request response.
type CampaignSummary struct {
	CampaignID   string `json:"campaign_id"`
	ContractorID string `json:"contractor_id"`
	Contractor   string `json:"contractor_name"`
	State        string `json:"state"`
}

// BidRequestResult summarizes what a bid request produced.
type BidRequestResult struct {
	ProjectID string            `json:"project_id"`
	Campaigns []CampaignSummary `json:"campaigns"`
	Message   string            `json:"message,omitempty"`
}

// ProcessBidRequest accepts a bid-request event: discovers contractors for
// the location, registers them, and opens one campaign per contractor.
// Re-submitting a known project_id changes nothing and returns the current
// summary.
func (e Engine) ProcessBidRequest(ctx context.Context, opts BidRequestOptions) (BidRequestResult, error) {
	for _, field := range []struct {
		name, value string
	}{
		{"project_id", opts.ProjectID},
		{"zip_code", opts.ZipCode},
		{"project_type", opts.ProjectType},
		{"project_details", opts.ProjectDetails},
		{"bid_link", opts.BidLink},
	} {
		if strings.TrimSpace(field.value) == "" {
			return BidRequestResult{}, domain.InvalidRequestError{Field: field.name}
		}
	}
	if opts.ActorID == "" {
		opts.ActorID = "system"
	}

	if _, err := e.Repo.GetBidRequest(ctx, opts.ProjectID); err == nil {
		res, err := e.campaignSummaries(ctx, opts.ProjectID)
		if err != nil {
			return BidRequestResult{}, err
		}
		res.Message = "bid request already accepted"
		return res, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return BidRequestResult{}, err
	}

	// External search runs before the transaction. A provider outage yields
	// an empty batch rather than failing the bid request.
	found, err := e.Discoverer.Discover(ctx, opts.ZipCode, opts.ProjectType)
	if err != nil {
		log.Printf("discovery for %s (%s): %v", opts.ProjectID, opts.ZipCode, err)
		found = nil
	}
	found = discovery.Dedupe(found)
	if max := e.Config.Discovery.MaxResults; max > 0 && len(found) > max {
		found = found[:max]
	}

	nowTS := e.nowTS()
	bid := domain.BidRequest{
		ProjectID:      opts.ProjectID,
		ZipCode:        opts.ZipCode,
		ProjectType:    opts.ProjectType,
		ProjectDetails: opts.ProjectDetails,
		BidLink:        opts.BidLink,
		AcceptedAt:     nowTS,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return BidRequestResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertBidRequest(ctx, tx, bid); err != nil {
		return BidRequestResult{}, fmt.Errorf("insert bid request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "bid_request.accepted", bid.ProjectID, "bid_request", bid.ProjectID, opts.ActorID, events.EventPayload{
		"zip_code":     bid.ZipCode,
		"project_type": bid.ProjectType,
		"contractors":  len(found),
	}); err != nil {
		return BidRequestResult{}, err
	}

	res := BidRequestResult{ProjectID: bid.ProjectID}
	for _, r := range found {
		contractor, err := e.registerContractor(ctx, tx, r, nowTS, opts.ActorID)
		if err != nil {
			var bad domain.InvalidRecordError
			if errors.As(err, &bad) {
				log.Printf("dropping discovery result %q: %v", r.Name, err)
				continue
			}
			return BidRequestResult{}, err
		}
		if contractor.OptedOutAt != nil || contractor.ArchivedAt != nil {
			continue
		}
		summary, err := e.openCampaign(ctx, tx, bid, contractor, nowTS, opts.ActorID)
		if err != nil {
			return BidRequestResult{}, err
		}
		res.Campaigns = append(res.Campaigns, summary)
	}
	if len(res.Campaigns) == 0 {
		res.Message = "no contractors available for outreach"
	}
	if err := tx.Commit(); err != nil {
		return BidRequestResult{}, err
	}
	return res, nil
}

// registerContractor inserts a discovery result or merges it into the record
// it matches. Merging is additive: empty fields fill in, existing values are
// never overwritten.
func (e Engine) registerContractor(ctx context.Context, tx *sql.Tx, r discovery.Result, nowTS, actorID string) (domain.ContractorRecord, error) {
	id, err := domain.ContractorIdentity(r.Name, r.Phone, r.Address)
	if err != nil {
		return domain.ContractorRecord{}, err
	}
	existing, err := e.Repo.MatchContractor(ctx, tx, id, domain.PhoneDigits(r.Phone), r.Email)
	if errors.Is(err, repo.ErrNotFound) {
		c := domain.ContractorRecord{
			ID:           id,
			Name:         r.Name,
			Address:      r.Address,
			ZipCode:      r.ZipCode,
			Phone:        r.Phone,
			Email:        r.Email,
			Website:      r.Website,
			Source:       r.Source,
			Relevance:    r.Relevance,
			DiscoveredAt: nowTS,
		}
		if err := e.Repo.InsertContractor(ctx, tx, c); err != nil {
			return domain.ContractorRecord{}, fmt.Errorf("insert contractor: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "contractor.discovered", "", "contractor", c.ID, actorID, events.EventPayload{
			"name":   c.Name,
			"source": c.Source,
		}); err != nil {
			return domain.ContractorRecord{}, err
		}
		return c, nil
	}
	if err != nil {
		return domain.ContractorRecord{}, err
	}

	var merged []string
	if existing.Address == "" && r.Address != "" {
		existing.Address = r.Address
		merged = append(merged, "address")
	}
	if existing.ZipCode == "" && r.ZipCode != "" {
		existing.ZipCode = r.ZipCode
		merged = append(merged, "zip_code")
	}
	if existing.Phone == "" && r.Phone != "" {
		existing.Phone = r.Phone
		merged = append(merged, "phone")
	}
	if existing.Email == "" && r.Email != "" {
		existing.Email = r.Email
		merged = append(merged, "email")
	}
	if existing.Website == "" && r.Website != "" {
		existing.Website = r.Website
		merged = append(merged, "website")
	}
	if r.Relevance > existing.Relevance {
		existing.Relevance = r.Relevance
		merged = append(merged, "relevance")
	}
	if len(merged) == 0 {
		return existing, nil
	}
	if err := e.Repo.UpdateContractor(ctx, tx, existing); err != nil {
		return domain.ContractorRecord{}, fmt.Errorf("merge contractor: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "contractor.merged", "", "contractor", existing.ID, actorID, events.EventPayload{
		"source": r.Source,
		"fields": merged,
	}); err != nil {
		return domain.ContractorRecord{}, err
	}
	return existing, nil
}

// openCampaign creates the (project, contractor) campaign if it does not
// already exist. The deterministic campaign ID makes the operation a no-op
// on replay.
func (e Engine) openCampaign(ctx context.Context, tx *sql.Tx, bid domain.BidRequest, contractor domain.ContractorRecord, nowTS, actorID string) (CampaignSummary, error) {
	id := domain.CampaignID(bid.ProjectID, contractor.ID)
	if existing, err := e.Repo.GetCampaignTx(ctx, tx, id); err == nil {
		return CampaignSummary{CampaignID: existing.ID, ContractorID: contractor.ID, Contractor: contractor.Name, State: existing.State}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return CampaignSummary{}, err
	}
	c := domain.Campaign{
		ID:               id,
		ProjectID:        bid.ProjectID,
		ContractorID:     contractor.ID,
		State:            domain.CampaignPending,
		NextAttemptAt:    &nowTS,
		CreatedAt:        nowTS,
		LastTransitionAt: nowTS,
	}
	if err := e.Repo.InsertCampaign(ctx, tx, c); err != nil {
		return CampaignSummary{}, fmt.Errorf("insert campaign: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "campaign.created", bid.ProjectID, "campaign", c.ID, actorID, events.EventPayload{
		"contractor_id": contractor.ID,
	}); err != nil {
		return CampaignSummary{}, err
	}
	return CampaignSummary{CampaignID: c.ID, ContractorID: contractor.ID, Contractor: contractor.Name, State: c.State}, nil
}

func (e Engine) campaignSummaries(ctx context.Context, projectID string) (BidRequestResult, error) {
	campaigns, err := e.Repo.ListCampaigns(ctx, repo.CampaignFilters{ProjectID: projectID})
	if err != nil {
		return BidRequestResult{}, err
	}
	res := BidRequestResult{ProjectID: projectID}
	for _, c := range campaigns {
		name := ""
		if contractor, err := e.Repo.GetContractor(ctx, c.ContractorID); err == nil {
			name = contractor.Name
		}
		res.Campaigns = append(res.Campaigns, CampaignSummary{
			CampaignID:   c.ID,
			ContractorID: c.ContractorID,
			Contractor:   name,
			State:        c.State,
		})
	}
	return res, nil
}

// Status aggregates a project's campaigns into the reportable rollup.
// Computed from rows on every call, never cached.
func (e Engine) Status(ctx context.Context, projectID string) (domain.ProjectStatus, error) {
	if _, err := e.Repo.GetBidRequest(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ProjectStatus{}, domain.UnknownCampaignError{Ref: projectID}
		}
		return domain.ProjectStatus{}, err
	}
	states, err := e.Repo.CountCampaignsByState(ctx, projectID)
	if err != nil {
		return domain.ProjectStatus{}, err
	}
	outcomes, err := e.Repo.CountCampaignOutcomes(ctx, projectID)
	if err != nil {
		return domain.ProjectStatus{}, err
	}
	responded, err := e.Repo.RespondedContractors(ctx, projectID)
	if err != nil {
		return domain.ProjectStatus{}, err
	}
	total := 0
	complete := true
	for state, n := range states {
		total += n
		if !domain.TerminalState(state) && n > 0 {
			complete = false
		}
	}
	return domain.ProjectStatus{
		ProjectID:   projectID,
		Campaigns:   total,
		States:      states,
		Outcomes:    outcomes,
		Responded:   responded,
		Complete:    complete,
		GeneratedAt: e.nowTS(),
	}, nil
}

// ensureCampaignTransition is the single source of legal state moves.
func ensureCampaignTransition(from, to string) error {
	switch from {
	case domain.CampaignPending:
		if to == domain.CampaignInProgress {
			return nil
		}
	case domain.CampaignInProgress:
		if to == domain.CampaignResponded || to == domain.CampaignExhausted || to == domain.CampaignOptedOut {
			return nil
		}
	}
	return fmt.Errorf("invalid campaign transition %s -> %s", from, to)
}

// transition applies a guarded state change and updates c in place. A false
// compare-and-swap means another process moved the campaign first.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, c *domain.Campaign, to string, outcome *string) error {
	if err := ensureCampaignTransition(c.State, to); err != nil {
		return err
	}
	ts := e.nowTS()
	ok, err := e.Repo.TransitionCampaign(ctx, tx, c.ID, c.State, to, outcome, ts)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("campaign %s moved concurrently from %s", c.ID, c.State)
	}
	c.State = to
	c.Outcome = outcome
	c.LastTransitionAt = ts
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
