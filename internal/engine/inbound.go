package engine

import (
	"context"
	"errors"

	"bidreach/internal/domain"
	"bidreach/internal/engine/classify"
	"bidreach/internal/events"
	"bidreach/internal/repo"
)

const (
	InboundRecorded = "recorded"
	InboundIgnored  = "ignored"
)

// InboundResult reports how an inbound message was applied.
type InboundResult struct {
	Status        string `json:"status"`
	Kind          string `json:"kind,omitempty"`
	CampaignID    string `json:"campaign_id,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	CampaignState string `json:"campaign_state,omitempty"`
}

// RecordInbound applies a provider callback or contractor reply to its
// campaign. Messages that cannot be tied to an attempt are logged and
// dropped rather than rejected, because providers retry on non-2xx and an
// unknown reference will never become known.
func (e Engine) RecordInbound(ctx context.Context, ch domain.Channel, p classify.Payload, actorID string) (InboundResult, error) {
	classifier, ok := e.Classifiers[ch]
	if !ch.Valid() || !ok {
		return InboundResult{}, domain.InvalidRequestError{Field: "channel"}
	}
	if actorID == "" {
		actorID = "webhook"
	}
	outcome := classifier(p)

	trigger, err := e.resolveAttempt(ctx, ch, p)
	if errors.Is(err, repo.ErrNotFound) {
		if err := e.Events.AppendDirect(ctx, "inbound.ignored", "", "inbound", p.ProviderRef, actorID, events.EventPayload{
			"channel": string(ch),
			"kind":    string(outcome.Kind),
			"from":    p.From,
			"reason":  "no matching attempt",
		}); err != nil {
			return InboundResult{}, err
		}
		return InboundResult{Status: InboundIgnored, Kind: string(outcome.Kind)}, nil
	}
	if err != nil {
		return InboundResult{}, err
	}

	unlock := e.locks.lock(trigger.CampaignID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return InboundResult{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCampaignTx(ctx, tx, trigger.CampaignID)
	if err != nil {
		return InboundResult{}, err
	}
	res := InboundResult{
		Status:     InboundRecorded,
		Kind:       string(outcome.Kind),
		CampaignID: c.ID,
		ProjectID:  c.ProjectID,
	}

	if domain.TerminalState(c.State) {
		if err := e.Events.Append(ctx, tx, "inbound.ignored", c.ProjectID, "campaign", c.ID, actorID, events.EventPayload{
			"channel": string(ch),
			"kind":    string(outcome.Kind),
			"reason":  "campaign closed",
		}); err != nil {
			return InboundResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return InboundResult{}, err
		}
		res.Status = InboundIgnored
		res.CampaignState = c.State
		return res, nil
	}

	if err := e.Events.Append(ctx, tx, "inbound.received", c.ProjectID, "attempt", trigger.ID, actorID, events.EventPayload{
		"campaign_id": c.ID,
		"channel":     string(ch),
		"kind":        string(outcome.Kind),
	}); err != nil {
		return InboundResult{}, err
	}

	nowTS := e.nowTS()
	switch outcome.Kind {
	case classify.Reply:
		detail := outcome.Detail
		if detail == "" {
			detail = "responded"
		}
		// The trigger may already be closed (late reply after its deadline);
		// the response still ends the campaign.
		if _, err := e.Repo.MarkAttemptResult(ctx, tx, trigger.ID, domain.AttemptResponded, &detail, nowTS); err != nil {
			return InboundResult{}, err
		}
		if _, err := e.Repo.CancelOpenAttempts(ctx, tx, c.ID, "canceled: contractor responded", nowTS); err != nil {
			return InboundResult{}, err
		}
		if err := e.Repo.SetCampaignSchedule(ctx, tx, c.ID, nil); err != nil {
			return InboundResult{}, err
		}
		if err := e.transition(ctx, tx, &c, domain.CampaignResponded, optionalString("responded via "+string(ch))); err != nil {
			return InboundResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "campaign.responded", c.ProjectID, "campaign", c.ID, actorID, events.EventPayload{
			"channel": string(ch),
		}); err != nil {
			return InboundResult{}, err
		}

	case classify.OptOut:
		detail := outcome.Detail
		if detail == "" {
			detail = "opted out"
		}
		if _, err := e.Repo.MarkAttemptResult(ctx, tx, trigger.ID, domain.AttemptResponded, &detail, nowTS); err != nil {
			return InboundResult{}, err
		}
		if _, err := e.Repo.CancelOpenAttempts(ctx, tx, c.ID, "canceled: contractor opted out", nowTS); err != nil {
			return InboundResult{}, err
		}
		if err := e.Repo.SetCampaignSchedule(ctx, tx, c.ID, nil); err != nil {
			return InboundResult{}, err
		}
		if err := e.Repo.MarkContractorOptedOut(ctx, tx, c.ContractorID, nowTS); err != nil {
			return InboundResult{}, err
		}
		if err := e.transition(ctx, tx, &c, domain.CampaignOptedOut, optionalString("opted out via "+string(ch))); err != nil {
			return InboundResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "contractor.opted_out", c.ProjectID, "contractor", c.ContractorID, actorID, events.EventPayload{
			"channel": string(ch),
		}); err != nil {
			return InboundResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "campaign.opted_out", c.ProjectID, "campaign", c.ID, actorID, events.EventPayload{
			"channel": string(ch),
		}); err != nil {
			return InboundResult{}, err
		}

	case classify.Delivery:
		marked, err := e.Repo.MarkAttemptDelivered(ctx, tx, trigger.ID)
		if err != nil {
			return InboundResult{}, err
		}
		if marked {
			if err := e.Events.Append(ctx, tx, "attempt.delivered", c.ProjectID, "attempt", trigger.ID, actorID, events.EventPayload{
				"campaign_id": c.ID,
				"channel":     string(ch),
			}); err != nil {
				return InboundResult{}, err
			}
		}

	case classify.Bounce, classify.Failure:
		detail := outcome.Detail
		if detail == "" {
			detail = "delivery failed"
		}
		if outcome.Kind == classify.Bounce {
			detail = permanentDetail(detail)
		}
		marked, err := e.Repo.MarkAttemptResult(ctx, tx, trigger.ID, domain.AttemptFailed, &detail, nowTS)
		if err != nil {
			return InboundResult{}, err
		}
		if marked {
			if err := e.Events.Append(ctx, tx, "attempt.failed", c.ProjectID, "attempt", trigger.ID, actorID, events.EventPayload{
				"campaign_id": c.ID,
				"channel":     string(ch),
				"detail":      detail,
			}); err != nil {
				return InboundResult{}, err
			}
			if err := e.scheduleNext(ctx, tx, &c); err != nil {
				return InboundResult{}, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return InboundResult{}, err
	}
	res.CampaignState = c.State
	return res, nil
}

func (e Engine) resolveAttempt(ctx context.Context, ch domain.Channel, p classify.Payload) (domain.Attempt, error) {
	if p.ProviderRef != "" {
		a, err := e.Repo.GetAttemptByProviderRef(ctx, p.ProviderRef)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Attempt{}, err
		}
	}
	if p.From == "" {
		return domain.Attempt{}, repo.ErrNotFound
	}
	return e.Repo.LatestAttemptForSender(ctx, ch, p.From)
}
