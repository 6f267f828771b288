package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"bidreach/internal/domain"
	"bidreach/internal/events"
	"bidreach/internal/personalize"
	"bidreach/internal/repo"
	"bidreach/internal/transport"
)

const dispatchActor = "dispatcher"

// RunDue advances everything whose clock has come due: open attempts past
// their acknowledgment deadline first, then campaigns scheduled for a
// dispatch. Returns how many items were processed.
func (e Engine) RunDue(ctx context.Context) (int, error) {
	nowTS := e.nowTS()
	processed := 0

	expired, err := e.Repo.ExpiredAttempts(ctx, nowTS, 100)
	if err != nil {
		return 0, err
	}
	for _, a := range expired {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := e.expireAttempt(ctx, a); err != nil {
			log.Printf("expire attempt %s: %v", a.ID, err)
			continue
		}
		processed++
	}

	due, err := e.Repo.DueCampaigns(ctx, nowTS, 50)
	if err != nil {
		return processed, err
	}
	for _, c := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := e.dispatchCampaign(ctx, c.ID); err != nil {
			log.Printf("dispatch campaign %s: %v", c.ID, err)
			continue
		}
		processed++
	}
	return processed, nil
}

// dispatchCampaign runs one due campaign through a single attempt. The
// attempt row is claimed and committed before the external send, and the
// send result lands in a second transaction, so a crash mid-send leaves a
// queued attempt the deadline sweep will fail and reschedule.
func (e Engine) dispatchCampaign(ctx context.Context, id string) error {
	unlock := e.locks.lock(id)
	defer unlock()

	nowTS := e.nowTS()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCampaignTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if domain.TerminalState(c.State) || c.NextAttemptAt == nil || *c.NextAttemptAt > nowTS {
		return nil
	}
	contractor, err := e.Repo.GetContractorTx(ctx, tx, c.ContractorID)
	if err != nil {
		return err
	}
	bid, err := e.Repo.GetBidRequestTx(ctx, tx, c.ProjectID)
	if err != nil {
		return err
	}

	if c.State == domain.CampaignPending {
		if err := e.transition(ctx, tx, &c, domain.CampaignInProgress, nil); err != nil {
			return err
		}
	}

	if contractor.OptedOutAt != nil {
		// Opted out through another campaign since this one was scheduled.
		if err := e.transition(ctx, tx, &c, domain.CampaignOptedOut, optionalString("opted out")); err != nil {
			return err
		}
		if err := e.Repo.SetCampaignSchedule(ctx, tx, c.ID, nil); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "campaign.opted_out", c.ProjectID, "campaign", c.ID, dispatchActor, events.EventPayload{
			"reason": "contractor opted out",
		}); err != nil {
			return err
		}
		return tx.Commit()
	}

	if _, err := e.Repo.OpenAttemptTx(ctx, tx, c.ID); err == nil {
		// An attempt is still in flight; its callback or deadline drives the
		// next move, not the schedule.
		if err := e.Repo.SetCampaignSchedule(ctx, tx, c.ID, nil); err != nil {
			return err
		}
		return tx.Commit()
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	plan, contact, ok := e.planNext(contractor, c.Attempts)
	if !ok {
		if err := e.exhaust(ctx, tx, &c, len(c.Attempts)); err != nil {
			return err
		}
		return tx.Commit()
	}

	seq := len(c.Attempts) + 1
	deadline := e.now().Add(plan.AckDeadline).UTC().Format(time.RFC3339)
	attempt := domain.Attempt{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte("attempt|"+c.ID+"|"+strconv.Itoa(seq))).String(),
		CampaignID:  c.ID,
		Channel:     plan.Channel,
		Seq:         seq,
		Status:      domain.AttemptQueued,
		QueuedAt:    nowTS,
		AckDeadline: &deadline,
	}
	if err := e.Repo.InsertAttempt(ctx, tx, attempt); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if err := e.Repo.SetCampaignSchedule(ctx, tx, c.ID, nil); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "attempt.queued", c.ProjectID, "attempt", attempt.ID, dispatchActor, events.EventPayload{
		"campaign_id": c.ID,
		"channel":     string(plan.Channel),
		"seq":         seq,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	msg := e.buildMessage(ctx, plan.Channel, contractor, bid, contact)
	ref, sendErr := e.send(ctx, plan.Channel, msg)
	return e.recordSendResult(ctx, c.ProjectID, c.ID, attempt.ID, plan, ref, sendErr)
}

func (e Engine) buildMessage(ctx context.Context, ch domain.Channel, contractor domain.ContractorRecord, bid domain.BidRequest, contact string) transport.Message {
	in := personalize.Input{
		ContractorName: contractor.Name,
		ProjectType:    bid.ProjectType,
		ProjectDetails: bid.ProjectDetails,
		BidLink:        bid.BidLink,
	}
	base := e.Renderer.Message(ctx, in)
	m := transport.Message{Channel: ch, To: contact, Body: personalize.Compose(ch, base, in)}
	if ch == domain.ChannelEmail {
		m.Subject = e.Renderer.EmailSubject(in)
	}
	return m
}

func (e Engine) send(ctx context.Context, ch domain.Channel, m transport.Message) (string, error) {
	t := e.Transports[ch]
	if t == nil {
		return "", domain.TransportError{Channel: ch, Detail: "no transport configured"}
	}
	return t.Send(ctx, m)
}

// recordSendResult finalizes the attempt claimed by dispatchCampaign. Caller
// still holds the campaign lock.
func (e Engine) recordSendResult(ctx context.Context, projectID, campaignID, attemptID string, plan ChannelPolicy, ref string, sendErr error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if sendErr == nil {
		sentAt := e.nowTS()
		deadline := e.now().Add(plan.AckDeadline).UTC().Format(time.RFC3339)
		if err := e.Repo.MarkAttemptSent(ctx, tx, attemptID, ref, sentAt, deadline); err != nil {
			return fmt.Errorf("mark attempt sent: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "attempt.sent", projectID, "attempt", attemptID, dispatchActor, events.EventPayload{
			"campaign_id":  campaignID,
			"channel":      string(plan.Channel),
			"provider_ref": ref,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}

	detail := sendErr.Error()
	var perm domain.PermanentTransportError
	var transient domain.TransportError
	switch {
	case errors.As(sendErr, &perm):
		detail = permanentDetail(perm.Detail)
	case errors.As(sendErr, &transient):
		detail = transient.Detail
	}
	if _, err := e.Repo.MarkAttemptResult(ctx, tx, attemptID, domain.AttemptFailed, &detail, e.nowTS()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "attempt.failed", projectID, "attempt", attemptID, dispatchActor, events.EventPayload{
		"campaign_id": campaignID,
		"channel":     string(plan.Channel),
		"detail":      detail,
	}); err != nil {
		return err
	}
	c, err := e.Repo.GetCampaignTx(ctx, tx, campaignID)
	if err != nil {
		return err
	}
	if err := e.scheduleNext(ctx, tx, &c); err != nil {
		return err
	}
	return tx.Commit()
}

// scheduleNext books the campaign's next dispatch, or exhausts it when no
// channel has budget left. No-op while an attempt is still in flight.
func (e Engine) scheduleNext(ctx context.Context, tx *sql.Tx, c *domain.Campaign) error {
	if domain.TerminalState(c.State) {
		return nil
	}
	contractor, err := e.Repo.GetContractorTx(ctx, tx, c.ContractorID)
	if err != nil {
		return err
	}
	attempts, err := e.Repo.ListAttemptsTx(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		switch a.Status {
		case domain.AttemptQueued, domain.AttemptSent, domain.AttemptDelivered:
			return e.Repo.SetCampaignSchedule(ctx, tx, c.ID, nil)
		}
	}
	plan, _, ok := e.planNext(contractor, attempts)
	if !ok {
		return e.exhaust(ctx, tx, c, len(attempts))
	}
	made := 0
	for _, a := range attempts {
		if a.Channel == plan.Channel {
			made++
		}
	}
	nextTS := e.nowTS()
	if made > 0 {
		nextTS = e.now().Add(plan.RetryDelay(made)).UTC().Format(time.RFC3339)
	}
	return e.Repo.SetCampaignSchedule(ctx, tx, c.ID, &nextTS)
}

func (e Engine) exhaust(ctx context.Context, tx *sql.Tx, c *domain.Campaign, attempts int) error {
	if c.State == domain.CampaignPending {
		if err := e.transition(ctx, tx, c, domain.CampaignInProgress, nil); err != nil {
			return err
		}
	}
	if err := e.transition(ctx, tx, c, domain.CampaignExhausted, optionalString("exhausted")); err != nil {
		return err
	}
	if err := e.Repo.SetCampaignSchedule(ctx, tx, c.ID, nil); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "campaign.exhausted", c.ProjectID, "campaign", c.ID, dispatchActor, events.EventPayload{
		"attempts": attempts,
	})
}

// expireAttempt fails an open attempt whose acknowledgment deadline passed
// and reschedules its campaign.
func (e Engine) expireAttempt(ctx context.Context, stale domain.Attempt) error {
	unlock := e.locks.lock(stale.CampaignID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAttemptTx(ctx, tx, stale.ID)
	if err != nil {
		return err
	}
	open := a.Status == domain.AttemptQueued || a.Status == domain.AttemptSent || a.Status == domain.AttemptDelivered
	if !open || a.AckDeadline == nil || *a.AckDeadline > e.nowTS() {
		return nil
	}
	c, err := e.Repo.GetCampaignTx(ctx, tx, a.CampaignID)
	if err != nil {
		return err
	}
	detail := "no response before deadline"
	if a.Status == domain.AttemptQueued {
		detail = "send timed out"
	}
	if _, err := e.Repo.MarkAttemptResult(ctx, tx, a.ID, domain.AttemptFailed, &detail, e.nowTS()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "attempt.failed", c.ProjectID, "attempt", a.ID, dispatchActor, events.EventPayload{
		"campaign_id": c.ID,
		"channel":     string(a.Channel),
		"detail":      detail,
	}); err != nil {
		return err
	}
	if !domain.TerminalState(c.State) {
		if err := e.scheduleNext(ctx, tx, &c); err != nil {
			return err
		}
	}
	return tx.Commit()
}
