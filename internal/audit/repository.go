// Package audit persists configuration push reports in the push_log table
// so operators can see what was sent, where and when.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/nmfleet/internal/push"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Filter controls which push reports to return.
type Filter struct {
	Target    string // optional: exact target (host:port)
	Broadcast *bool  // optional: only broadcast or only unicast pushes
	Limit     int    // default 50, max 200
	Offset    int    // pagination offset
}

// ListResult contains the paginated push log.
type ListResult struct {
	Pushes []push.Report `json:"pushes"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// Repository defines the interface for push log operations.
type Repository interface {
	Record(ctx context.Context, r push.Report) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores push reports in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new push log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

var _ push.Recorder = (*SQLiteRepository)(nil)

// Record inserts a push report. A missing ID or timestamp is filled in.
func (r *SQLiteRepository) Record(ctx context.Context, rep push.Report) error {
	if rep.ID == "" {
		rep.ID = "push-" + uuid.NewString()
	}
	if rep.StartedAt.IsZero() {
		rep.StartedAt = time.Now().UTC()
	}
	if rep.FinishedAt.IsZero() {
		rep.FinishedAt = rep.StartedAt
	}
	if rep.Source == "" {
		rep.Source = push.SourceAPI
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO push_log (id, target, broadcast, source, wifi_ssid, attempts, sent, message, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.ID, rep.Target, rep.Broadcast, rep.Source, rep.WiFiSSID,
		rep.Attempts, rep.Sent, rep.Message, nullableString(rep.Error),
		rep.StartedAt.UTC().Format(timeLayout), rep.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting push log: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns push reports matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for push log queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.Target != "" {
		conditions = append(conditions, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.Broadcast != nil {
		conditions = append(conditions, "broadcast = ?")
		args = append(args, *filter.Broadcast)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM push_log %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting push log: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, target, broadcast, source, wifi_ssid, attempts, sent, message, error, started_at, finished_at
		 FROM push_log %s ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying push log: %w", err)
	}
	defer rows.Close()

	pushes := []push.Report{}
	for rows.Next() {
		var rep push.Report
		var errText sql.NullString
		var startedAt, finishedAt string

		if err := rows.Scan(&rep.ID, &rep.Target, &rep.Broadcast, &rep.Source, &rep.WiFiSSID,
			&rep.Attempts, &rep.Sent, &rep.Message, &errText, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning push log: %w", err)
		}
		if errText.Valid {
			rep.Error = errText.String
		}

		if rep.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rep.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}

		pushes = append(pushes, rep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating push log: %w", err)
	}

	return &ListResult{
		Pushes: pushes,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing push log timestamp %q: %w", s, err)
		}
	}
	return t, nil
}
