package catalogue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository is the catalogue's persistence contract.
type Repository interface {
	UpsertSensor(ctx context.Context, s *Sensor) error
	MarkRemoved(ctx context.Context, id string, at time.Time) error
	GetSensor(ctx context.Context, id string) (*Sensor, error)
	ListSensors(ctx context.Context, includeRemoved bool) ([]Sensor, error)
	AppendEvent(ctx context.Context, e *HealthEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]HealthEvent, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository implements Repository on the sensors and health_events
// tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// UpsertSensor inserts or refreshes a sensor record and clears removed_at.
func (r *SQLiteRepository) UpsertSensor(ctx context.Context, s *Sensor) error {
	if s.ID == "" || s.Kind == "" || s.Capacity <= 0 {
		return fmt.Errorf("%w: id, kind and capacity are required", ErrInvalidSensor)
	}
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = time.Now().UTC()
	}
	s.RemovedAt = nil

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sensors (id, kind, description, parent_id, capacity, registered_at, removed_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			description = excluded.description,
			parent_id = excluded.parent_id,
			capacity = excluded.capacity,
			registered_at = excluded.registered_at,
			removed_at = NULL`,
		s.ID, s.Kind, s.Description, nullableString(s.ParentID), s.Capacity,
		s.RegisteredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upserting sensor %s: %w", s.ID, err)
	}
	return nil
}

// MarkRemoved stamps removed_at. Unknown ids return ErrSensorNotFound.
func (r *SQLiteRepository) MarkRemoved(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sensors SET removed_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("marking sensor %s removed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSensorNotFound, id)
	}
	return nil
}

// GetSensor returns one sensor record.
func (r *SQLiteRepository) GetSensor(ctx context.Context, id string) (*Sensor, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, kind, description, parent_id, capacity, registered_at, removed_at
		FROM sensors WHERE id = ?`, id)

	s, err := scanSensor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSensorNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSensors returns sensors ordered by id.
func (r *SQLiteRepository) ListSensors(ctx context.Context, includeRemoved bool) ([]Sensor, error) {
	query := `SELECT id, kind, description, parent_id, capacity, registered_at, removed_at FROM sensors`
	if !includeRemoved {
		query += ` WHERE removed_at IS NULL`
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying sensors: %w", err)
	}
	defer rows.Close()

	var out []Sensor
	for rows.Next() {
		s, err := scanSensor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sensors: %w", err)
	}
	return out, nil
}

// AppendEvent records a transition and sets e.ID.
func (r *SQLiteRepository) AppendEvent(ctx context.Context, e *HealthEvent) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO health_events (sensor_id, from_state, to_state, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.SensorID, e.From, e.To, e.Reason, e.OccurredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting health event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading health event id: %w", err)
	}
	e.ID = id
	return nil
}

// ListEvents returns matching events, newest first.
func (r *SQLiteRepository) ListEvents(ctx context.Context, filter EventFilter) ([]HealthEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultEventLimit
	}
	if filter.Limit > maxEventLimit {
		filter.Limit = maxEventLimit
	}

	query := `SELECT id, sensor_id, from_state, to_state, reason, occurred_at FROM health_events`
	var args []any
	if filter.SensorID != "" {
		query += ` WHERE sensor_id = ?`
		args = append(args, filter.SensorID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying health events: %w", err)
	}
	defer rows.Close()

	events := make([]HealthEvent, 0, filter.Limit)
	for rows.Next() {
		var e HealthEvent
		var at string
		if err := rows.Scan(&e.ID, &e.SensorID, &e.From, &e.To, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("scanning health event: %w", err)
		}
		e.OccurredAt = parseTime(at)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating health events: %w", err)
	}
	return events, nil
}

// PruneEvents deletes events older than before and returns how many went.
func (r *SQLiteRepository) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM health_events WHERE occurred_at < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning health events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type scanner interface {
	Scan(dest ...any) error
}

func scanSensor(row scanner) (*Sensor, error) {
	var s Sensor
	var parent, removed sql.NullString
	var registered string
	if err := row.Scan(&s.ID, &s.Kind, &s.Description, &parent, &s.Capacity, &registered, &removed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning sensor: %w", err)
	}
	s.ParentID = parent.String
	s.RegisteredAt = parseTime(registered)
	if removed.Valid {
		t := parseTime(removed.String)
		s.RemovedAt = &t
	}
	return &s, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) //nolint:errcheck // Format is controlled
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
