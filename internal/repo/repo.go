package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"bidreach/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const contractorColumns = `id,name,address,zip_code,phone,email,website,source,relevance,discovered_at,opted_out_at,archived_at`

func scanContractor(scan func(dest ...any) error) (domain.ContractorRecord, error) {
	var c domain.ContractorRecord
	var address, zip, phone, email, website, optedOut, archived sql.NullString
	err := scan(&c.ID, &c.Name, &address, &zip, &phone, &email, &website, &c.Source, &c.Relevance, &c.DiscoveredAt, &optedOut, &archived)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if address.Valid {
		c.Address = address.String
	}
	if zip.Valid {
		c.ZipCode = zip.String
	}
	if phone.Valid {
		c.Phone = phone.String
	}
	if email.Valid {
		c.Email = email.String
	}
	if website.Valid {
		c.Website = website.String
	}
	if optedOut.Valid {
		c.OptedOutAt = &optedOut.String
	}
	if archived.Valid {
		c.ArchivedAt = &archived.String
	}
	return c, nil
}

func (r Repo) InsertContractor(ctx context.Context, tx *sql.Tx, c domain.ContractorRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contractors(id,name,normalized_name,address,zip_code,phone,phone_digits,email,website,source,relevance,discovered_at,opted_out_at,archived_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, domain.NormalizeName(c.Name), nullable(c.Address), nullable(c.ZipCode), nullable(c.Phone), nullable(domain.PhoneDigits(c.Phone)),
		nullable(strings.ToLower(c.Email)), nullable(c.Website), c.Source, c.Relevance, c.DiscoveredAt, nullableStringPtr(c.OptedOutAt), nullableStringPtr(c.ArchivedAt))
	return err
}

func (r Repo) UpdateContractor(ctx context.Context, tx *sql.Tx, c domain.ContractorRecord) error {
	res, err := tx.ExecContext(ctx, `UPDATE contractors SET name=?, normalized_name=?, address=?, zip_code=?, phone=?, phone_digits=?, email=?, website=?, source=?, relevance=?, opted_out_at=?, archived_at=? WHERE id=?`,
		c.Name, domain.NormalizeName(c.Name), nullable(c.Address), nullable(c.ZipCode), nullable(c.Phone), nullable(domain.PhoneDigits(c.Phone)),
		nullable(strings.ToLower(c.Email)), nullable(c.Website), c.Source, c.Relevance, nullableStringPtr(c.OptedOutAt), nullableStringPtr(c.ArchivedAt), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetContractor(ctx context.Context, id string) (domain.ContractorRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contractorColumns+` FROM contractors WHERE id=?`, id)
	return scanContractor(row.Scan)
}

func (r Repo) GetContractorTx(ctx context.Context, tx *sql.Tx, id string) (domain.ContractorRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contractorColumns+` FROM contractors WHERE id=?`, id)
	return scanContractor(row.Scan)
}

// MatchContractor resolves a duplicate in identity-key, phone, email order.
func (r Repo) MatchContractor(ctx context.Context, tx *sql.Tx, id, phoneDigits, email string) (domain.ContractorRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contractorColumns+` FROM contractors WHERE id=?`, id)
	if c, err := scanContractor(row.Scan); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrNotFound) {
		return domain.ContractorRecord{}, err
	}
	if phoneDigits != "" {
		row := tx.QueryRowContext(ctx, `SELECT `+contractorColumns+` FROM contractors WHERE phone_digits=? LIMIT 1`, phoneDigits)
		if c, err := scanContractor(row.Scan); err == nil {
			return c, nil
		} else if !errors.Is(err, ErrNotFound) {
			return domain.ContractorRecord{}, err
		}
	}
	if email != "" {
		row := tx.QueryRowContext(ctx, `SELECT `+contractorColumns+` FROM contractors WHERE email=? LIMIT 1`, strings.ToLower(email))
		if c, err := scanContractor(row.Scan); err == nil {
			return c, nil
		} else if !errors.Is(err, ErrNotFound) {
			return domain.ContractorRecord{}, err
		}
	}
	return domain.ContractorRecord{}, ErrNotFound
}

type ContractorFilters struct {
	ZipCode         string
	IncludeArchived bool
	IncludeOptedOut bool
	Limit           int
}

// ListContractors orders by discovery relevance descending, ties broken by
// discovered_at ascending, so dispatch order is stable across calls.
func (r Repo) ListContractors(ctx context.Context, f ContractorFilters) ([]domain.ContractorRecord, error) {
	var clauses []string
	var args []any
	if f.ZipCode != "" {
		clauses = append(clauses, "zip_code=?")
		args = append(args, f.ZipCode)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	if !f.IncludeOptedOut {
		clauses = append(clauses, "opted_out_at IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + contractorColumns + ` FROM contractors ` + where + ` ORDER BY relevance DESC, discovered_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContractorRecord
	for rows.Next() {
		c, err := scanContractor(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) MarkContractorOptedOut(ctx context.Context, tx *sql.Tx, id, ts string) error {
	_, err := tx.ExecContext(ctx, `UPDATE contractors SET opted_out_at=? WHERE id=? AND opted_out_at IS NULL`, ts, id)
	return err
}

// ArchiveContractor soft-archives a record a source reported invalid.
func (r Repo) ArchiveContractor(ctx context.Context, id, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE contractors SET archived_at=? WHERE id=? AND archived_at IS NULL`, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertBidRequest(ctx context.Context, tx *sql.Tx, b domain.BidRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bid_requests(project_id,zip_code,project_type,project_details,bid_link,accepted_at) VALUES (?,?,?,?,?,?)`,
		b.ProjectID, b.ZipCode, b.ProjectType, b.ProjectDetails, b.BidLink, b.AcceptedAt)
	return err
}

func scanBidRequest(row *sql.Row) (domain.BidRequest, error) {
	var b domain.BidRequest
	err := row.Scan(&b.ProjectID, &b.ZipCode, &b.ProjectType, &b.ProjectDetails, &b.BidLink, &b.AcceptedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) GetBidRequest(ctx context.Context, projectID string) (domain.BidRequest, error) {
	return scanBidRequest(r.DB.QueryRowContext(ctx, `SELECT project_id,zip_code,project_type,project_details,bid_link,accepted_at FROM bid_requests WHERE project_id=?`, projectID))
}

func (r Repo) GetBidRequestTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.BidRequest, error) {
	return scanBidRequest(tx.QueryRowContext(ctx, `SELECT project_id,zip_code,project_type,project_details,bid_link,accepted_at FROM bid_requests WHERE project_id=?`, projectID))
}

func (r Repo) ListBidRequests(ctx context.Context) ([]domain.BidRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,zip_code,project_type,project_details,bid_link,accepted_at FROM bid_requests ORDER BY accepted_at DESC, project_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BidRequest
	for rows.Next() {
		var b domain.BidRequest
		if err := rows.Scan(&b.ProjectID, &b.ZipCode, &b.ProjectType, &b.ProjectDetails, &b.BidLink, &b.AcceptedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
