package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"presence/internal/presence"
	"presence/internal/store"
)

// StoredRecord is a persisted presence row. Each presence window of an
// identity gets its own row, so history survives a tracker reset.
type StoredRecord struct {
	ID               string          `json:"id"`
	Identity         string          `json:"identity"`
	EntryTime        time.Time       `json:"entry_time"`
	LastSeenTime     time.Time       `json:"last_seen_time"`
	DisciplineStatus presence.Status `json:"discipline_status"`
	WorkingHours     float64         `json:"working_hours"`
	EntrySnapshotURL string          `json:"entry_snapshot_url,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	Identity string
	Status   *presence.Status
	Limit    int
	Offset   int
}

// Repository persists attendance data in SQL. It is the direct Sink.
type Repository struct {
	db      *sql.DB
	dialect store.Dialect
	now     func() time.Time
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db.Client, dialect: db.Dialect, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Repository) q(query string) string { return r.dialect.Rebind(query) }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id, identity, entry_time, last_seen_time, discipline_status, working_hours, entry_snapshot_url, updated_at`

// Apply issues the statement matching change.Kind. Created opens a new window
// row; the other kinds update the identity's latest window.
func (r *Repository) Apply(ctx context.Context, change presence.Change) error {
	rec := change.Record
	rec.Identity = change.Identity
	if rec.Identity == "" {
		return presence.ErrInvalidIdentity
	}

	switch change.Kind {
	case presence.Created:
		return r.insertWindow(ctx, r.db, rec)
	case presence.DisciplineChanged, presence.HoursUpdated:
	default:
		return fmt.Errorf("unknown change kind %q", change.Kind)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := r.latestWindow(ctx, tx, rec.Identity)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// the row can be missing after a store-only purge; rewrite it whole
		err = r.insertWindow(ctx, tx, rec)
	case err != nil:
	case change.Kind == presence.DisciplineChanged:
		_, err = tx.ExecContext(ctx, r.q(`
			UPDATE attendance
			SET discipline_status = ?, entry_time = ?, last_seen_time = ?, updated_at = ?
			WHERE id = ?
		`), int(rec.DisciplineStatus), rec.EntryTime.UTC(), rec.LastSeenTime.UTC(), r.now(), id)
	default:
		_, err = tx.ExecContext(ctx, r.q(`
			UPDATE attendance
			SET discipline_status = ?, working_hours = ?, last_seen_time = ?, updated_at = ?
			WHERE id = ?
		`), int(rec.DisciplineStatus), rec.WorkingHours, rec.LastSeenTime.UTC(), r.now(), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) insertWindow(ctx context.Context, db querier, rec presence.Record) error {
	_, err := db.ExecContext(ctx, r.q(`
		INSERT INTO attendance (id, identity, window_start, entry_time, last_seen_time, discipline_status, working_hours, updated_at)
		VALUES (`+store.Placeholders(8)+`)
	`), uuid.NewString(), rec.Identity, rec.EntryTime.UTC(), rec.EntryTime.UTC(), rec.LastSeenTime.UTC(),
		int(rec.DisciplineStatus), rec.WorkingHours, r.now())
	return err
}

func (r *Repository) latestWindow(ctx context.Context, db querier, identity string) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, r.q(`
		SELECT id FROM attendance WHERE identity = ?
		ORDER BY window_start DESC, updated_at DESC LIMIT 1
	`), identity).Scan(&id)
	return id, err
}

// Clear deletes every persisted presence row.
func (r *Repository) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM attendance`)
	return err
}

// SetEntrySnapshot stores the archived frame URL on the identity's latest window.
func (r *Repository) SetEntrySnapshot(ctx context.Context, identity, url string) error {
	id, err := r.latestWindow(ctx, r.db, identity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.q(`UPDATE attendance SET entry_snapshot_url = ?, updated_at = ? WHERE id = ?`),
		url, r.now(), id)
	return err
}

// GetRecord returns the identity's latest window, nil when absent.
func (r *Repository) GetRecord(ctx context.Context, identity string) (*StoredRecord, error) {
	row := r.db.QueryRowContext(ctx, r.q(`
		SELECT `+recordColumns+`
		FROM attendance WHERE identity = ?
		ORDER BY window_start DESC, updated_at DESC LIMIT 1
	`), identity)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns persisted rows, most recently seen first.
func (r *Repository) ListRecords(ctx context.Context, f RecordFilter) ([]StoredRecord, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT ` + recordColumns + ` FROM attendance`
	var (
		clauses []string
		args    []any
	)
	if f.Identity != "" {
		clauses = append(clauses, "identity = ?")
		args = append(args, f.Identity)
	}
	if f.Status != nil {
		clauses = append(clauses, "discipline_status = ?")
		args = append(args, int(*f.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY last_seen_time DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []StoredRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (StoredRecord, error) {
	var (
		rec    StoredRecord
		status int
	)
	if err := s.Scan(&rec.ID, &rec.Identity, &rec.EntryTime, &rec.LastSeenTime, &status, &rec.WorkingHours, &rec.EntrySnapshotURL, &rec.UpdatedAt); err != nil {
		return StoredRecord{}, err
	}
	rec.DisciplineStatus = presence.Status(status)
	return rec, nil
}

// UpsertDevice ensures a device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO devices (device_id, created_at) VALUES (?, ?)
		`+r.dialect.Upsert("device_id", "device_id")), deviceID, r.now())
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, subject, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO refresh_tokens (token, subject, expires_at, revoked)
		VALUES (?, ?, ?, ?)
	`), token, subject, expiresAt.UTC(), false)
	return err
}

// RefreshTokenActive reports whether token is stored, unexpired and not revoked.
func (r *Repository) RefreshTokenActive(ctx context.Context, token string) (bool, error) {
	var (
		expiresAt time.Time
		revoked   bool
	)
	err := r.db.QueryRowContext(ctx, r.q(`SELECT expires_at, revoked FROM refresh_tokens WHERE token = ?`), token).
		Scan(&expiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !revoked && r.now().Before(expiresAt), nil
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, r.q(`UPDATE refresh_tokens SET revoked = ? WHERE token = ?`), true, token)
	return err
}
