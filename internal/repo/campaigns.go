package repo

import (
	"context"
	"database/sql"
	"strings"

	"bidreach/internal/domain"
)

const campaignColumns = `id,project_id,contractor_id,state,outcome,next_attempt_at,created_at,last_transition_at`

func scanCampaign(scan func(dest ...any) error) (domain.Campaign, error) {
	var c domain.Campaign
	var outcome, next sql.NullString
	err := scan(&c.ID, &c.ProjectID, &c.ContractorID, &c.State, &outcome, &next, &c.CreatedAt, &c.LastTransitionAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if outcome.Valid {
		c.Outcome = &outcome.String
	}
	if next.Valid {
		c.NextAttemptAt = &next.String
	}
	return c, nil
}

func (r Repo) InsertCampaign(ctx context.Context, tx *sql.Tx, c domain.Campaign) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO campaigns(id,project_id,contractor_id,state,outcome,next_attempt_at,created_at,last_transition_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.ContractorID, c.State, nullableStringPtr(c.Outcome), nullableStringPtr(c.NextAttemptAt), c.CreatedAt, c.LastTransitionAt)
	return err
}

func (r Repo) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=?`, id)
	c, err := scanCampaign(row.Scan)
	if err != nil {
		return c, err
	}
	c.Attempts, err = r.ListAttempts(ctx, c.ID)
	return c, err
}

func (r Repo) GetCampaignTx(ctx context.Context, tx *sql.Tx, id string) (domain.Campaign, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=?`, id)
	c, err := scanCampaign(row.Scan)
	if err != nil {
		return c, err
	}
	c.Attempts, err = r.listAttempts(ctx, tx, nil, c.ID)
	return c, err
}

type CampaignFilters struct {
	ProjectID string
	State     string
	Limit     int
}

func (r Repo) ListCampaigns(ctx context.Context, f CampaignFilters) ([]domain.Campaign, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// TransitionCampaign applies a guarded state change. The WHERE state=? check
// makes the transition a compare-and-swap: false means another writer moved
// the campaign first and the caller must re-read.
func (r Repo) TransitionCampaign(ctx context.Context, tx *sql.Tx, id, from, to string, outcome *string, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE campaigns SET state=?, outcome=?, last_transition_at=? WHERE id=? AND state=?`,
		to, nullableStringPtr(outcome), ts, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) SetCampaignSchedule(ctx context.Context, tx *sql.Tx, id string, next *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE campaigns SET next_attempt_at=? WHERE id=?`, nullableStringPtr(next), id)
	return err
}

// DueCampaigns returns non-terminal campaigns whose next attempt is due.
func (r Repo) DueCampaigns(ctx context.Context, now string, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
WHERE next_attempt_at IS NOT NULL AND next_attempt_at<=? AND state IN (?,?)
ORDER BY next_attempt_at ASC, id ASC LIMIT ?`,
		now, domain.CampaignPending, domain.CampaignInProgress, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountCampaignsByState(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM campaigns WHERE project_id=? GROUP BY state`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

func (r Repo) CountCampaignOutcomes(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT outcome, count(*) FROM campaigns WHERE project_id=? AND outcome IS NOT NULL GROUP BY outcome`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		res[outcome] = count
	}
	return res, rows.Err()
}

// RespondedContractors lists the names of contractors whose campaigns closed
// with a response, in the order they responded.
func (r Repo) RespondedContractors(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT k.name FROM campaigns c JOIN contractors k ON k.id=c.contractor_id
WHERE c.project_id=? AND c.state=? ORDER BY c.last_transition_at ASC, c.id ASC`,
		projectID, domain.CampaignResponded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

const attemptColumns = `id,campaign_id,channel,seq,status,provider_ref,detail,queued_at,sent_at,completed_at,ack_deadline`

func scanAttempt(scan func(dest ...any) error) (domain.Attempt, error) {
	var a domain.Attempt
	var channel string
	var ref, detail, sentAt, completedAt, ackDeadline sql.NullString
	err := scan(&a.ID, &a.CampaignID, &channel, &a.Seq, &a.Status, &ref, &detail, &a.QueuedAt, &sentAt, &completedAt, &ackDeadline)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Channel = domain.Channel(channel)
	if ref.Valid {
		a.ProviderRef = &ref.String
	}
	if detail.Valid {
		a.Detail = &detail.String
	}
	if sentAt.Valid {
		a.SentAt = &sentAt.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	if ackDeadline.Valid {
		a.AckDeadline = &ackDeadline.String
	}
	return a, nil
}

func (r Repo) InsertAttempt(ctx context.Context, tx *sql.Tx, a domain.Attempt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attempts(id,campaign_id,channel,seq,status,provider_ref,detail,queued_at,sent_at,completed_at,ack_deadline) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CampaignID, string(a.Channel), a.Seq, a.Status, nullableStringPtr(a.ProviderRef), nullableStringPtr(a.Detail),
		a.QueuedAt, nullableStringPtr(a.SentAt), nullableStringPtr(a.CompletedAt), nullableStringPtr(a.AckDeadline))
	return err
}

func (r Repo) ListAttempts(ctx context.Context, campaignID string) ([]domain.Attempt, error) {
	return r.listAttempts(ctx, nil, r.DB, campaignID)
}

func (r Repo) ListAttemptsTx(ctx context.Context, tx *sql.Tx, campaignID string) ([]domain.Attempt, error) {
	return r.listAttempts(ctx, tx, nil, campaignID)
}

func (r Repo) listAttempts(ctx context.Context, tx *sql.Tx, db *sql.DB, campaignID string) ([]domain.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE campaign_id=? ORDER BY seq ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, campaignID)
	} else {
		rows, err = db.QueryContext(ctx, query, campaignID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountAttemptsByChannelTx tallies attempts that consumed channel budget.
func (r Repo) CountAttemptsByChannelTx(ctx context.Context, tx *sql.Tx, campaignID string) (map[domain.Channel]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT channel, count(*) FROM attempts WHERE campaign_id=? GROUP BY channel`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Channel]int{}
	for rows.Next() {
		var channel string
		var count int
		if err := rows.Scan(&channel, &count); err != nil {
			return nil, err
		}
		res[domain.Channel(channel)] = count
	}
	return res, rows.Err()
}

// OpenAttemptTx returns the campaign's in-flight attempt, if any. Delivered
// attempts count as in flight until their ack deadline passes.
func (r Repo) OpenAttemptTx(ctx context.Context, tx *sql.Tx, campaignID string) (domain.Attempt, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE campaign_id=? AND status IN (?,?,?) ORDER BY seq DESC LIMIT 1`,
		campaignID, domain.AttemptQueued, domain.AttemptSent, domain.AttemptDelivered)
	return scanAttempt(row.Scan)
}

func (r Repo) GetAttemptByProviderRef(ctx context.Context, ref string) (domain.Attempt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE provider_ref=?`, ref)
	return scanAttempt(row.Scan)
}

// LatestAttemptForSender resolves an inbound message without a provider
// reference: the newest attempt on the channel whose open campaign targets
// the contractor matching the sender address.
func (r Repo) LatestAttemptForSender(ctx context.Context, channel domain.Channel, from string) (domain.Attempt, error) {
	match := domain.PhoneDigits(from)
	col := "phone_digits"
	if channel == domain.ChannelEmail {
		match = strings.ToLower(strings.TrimSpace(from))
		col = "email"
	}
	if match == "" {
		return domain.Attempt{}, ErrNotFound
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts
WHERE channel=? AND campaign_id IN (
	SELECT c.id FROM campaigns c JOIN contractors k ON k.id=c.contractor_id
	WHERE c.state IN (?,?) AND k.`+col+`=?
)
ORDER BY queued_at DESC, seq DESC LIMIT 1`,
		channel, domain.CampaignPending, domain.CampaignInProgress, match)
	return scanAttempt(row.Scan)
}

func (r Repo) GetAttemptTx(ctx context.Context, tx *sql.Tx, id string) (domain.Attempt, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id=?`, id)
	return scanAttempt(row.Scan)
}

func (r Repo) MarkAttemptSent(ctx context.Context, tx *sql.Tx, id, providerRef, sentAt, ackDeadline string) error {
	res, err := tx.ExecContext(ctx, `UPDATE attempts SET status=?, provider_ref=?, sent_at=?, ack_deadline=? WHERE id=? AND status=?`,
		domain.AttemptSent, providerRef, sentAt, ackDeadline, id, domain.AttemptQueued)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAttemptResult finalizes an attempt. Only open attempts move; a second
// result for the same attempt is a no-op reported via the bool.
func (r Repo) MarkAttemptResult(ctx context.Context, tx *sql.Tx, id, status string, detail *string, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE attempts SET status=?, detail=?, completed_at=? WHERE id=? AND status IN (?,?,?)`,
		status, nullableStringPtr(detail), completedAt, id, domain.AttemptQueued, domain.AttemptSent, domain.AttemptDelivered)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAttemptDelivered records a delivery confirmation without closing the attempt.
func (r Repo) MarkAttemptDelivered(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE attempts SET status=? WHERE id=? AND status=?`,
		domain.AttemptDelivered, id, domain.AttemptSent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelOpenAttempts fails every open attempt for a campaign. Used when a
// response or opt-out makes the in-flight channels moot.
func (r Repo) CancelOpenAttempts(ctx context.Context, tx *sql.Tx, campaignID, detail, ts string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE attempts SET status=?, detail=?, completed_at=? WHERE campaign_id=? AND status IN (?,?,?)`,
		domain.AttemptFailed, detail, ts, campaignID, domain.AttemptQueued, domain.AttemptSent, domain.AttemptDelivered)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpiredAttempts returns open attempts whose ack deadline has passed.
func (r Repo) ExpiredAttempts(ctx context.Context, now string, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM attempts
WHERE status IN (?,?,?) AND ack_deadline IS NOT NULL AND ack_deadline<=?
ORDER BY ack_deadline ASC LIMIT ?`,
		domain.AttemptQueued, domain.AttemptSent, domain.AttemptDelivered, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
