package leads

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store reads and records leads in SQLite
type Store struct {
	db *sql.DB
}

// NewStore creates a lead store on an open database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const leadColumns = `id, COALESCE(email, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),
	COALESCE(full_name, ''), COALESCE(company_name, ''), COALESCE(industry, ''), COALESCE(city, ''),
	COALESCE(country, ''), COALESCE(source, ''), COALESCE(run_id, ''), COALESCE(status, 'new'),
	do_not_contact, created_at, updated_at`

// Add inserts a lead, generating an ID when empty
func (s *Store) Add(ctx context.Context, l *Lead) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Status == "" {
		l.Status = StatusNew
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	l.UpdatedAt = l.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, email, first_name, last_name, full_name, company_name, industry, city,
			country, source, run_id, status, do_not_contact, created_at, updated_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Email, l.FirstName, l.LastName, l.FullName, l.CompanyName, l.Industry, l.City,
		l.Country, l.Source, l.RunID, l.Status, l.DoNotContact, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add lead: %w", err)
	}
	return nil
}

// Lead returns a lead by ID, or nil when it does not exist
func (s *Store) Lead(ctx context.Context, id string) (*Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)

	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead %s: %w", id, err)
	}
	return l, nil
}

// Match returns IDs of contactable leads matching the filter, newest first.
// RunID "latest" selects the most recent scrape run.
func (s *Store) Match(ctx context.Context, filter Filter) ([]string, error) {
	if filter.RunID == RunLatest {
		run, err := s.LatestRun(ctx)
		if err != nil {
			return nil, err
		}
		if run == "" {
			return nil, nil
		}
		filter.RunID = run
	}

	query := "SELECT id FROM leads WHERE do_not_contact = 0"
	args := []any{}

	if filter.Country != "" {
		query += " AND country = ?"
		args = append(args, filter.Country)
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.Industry != "" {
		query += " AND industry = ?"
		args = append(args, filter.Industry)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}

	query += " ORDER BY created_at DESC, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to match leads: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OptedOut reports whether the lead asked not to be contacted again.
// Unknown leads count as opted out.
func (s *Store) OptedOut(ctx context.Context, id string) (bool, error) {
	var dnc bool
	err := s.db.QueryRowContext(ctx, `SELECT do_not_contact FROM leads WHERE id = ?`, id).Scan(&dnc)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check opt-out for %s: %w", id, err)
	}
	return dnc, nil
}

// SetDoNotContact records or clears the opt-out signal for a lead
func (s *Store) SetDoNotContact(ctx context.Context, id string, dnc bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads SET do_not_contact = ?, updated_at = ? WHERE id = ?`,
		dnc, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update lead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lead not found: %s", id)
	}
	return nil
}

// MarkContacted moves a new lead to the contacted status
func (s *Store) MarkContacted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leads SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusContacted, time.Now(), id, StatusNew,
	)
	if err != nil {
		return fmt.Errorf("failed to mark lead contacted: %w", err)
	}
	return nil
}

// LatestRun returns the run ID of the most recently created lead
func (s *Store) LatestRun(ctx context.Context) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM leads WHERE run_id IS NOT NULL AND run_id != ''
		ORDER BY created_at DESC LIMIT 1`,
	).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find latest run: %w", err)
	}
	return runID, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLead(row scanner) (*Lead, error) {
	var l Lead
	err := row.Scan(&l.ID, &l.Email, &l.FirstName, &l.LastName, &l.FullName, &l.CompanyName,
		&l.Industry, &l.City, &l.Country, &l.Source, &l.RunID, &l.Status,
		&l.DoNotContact, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
