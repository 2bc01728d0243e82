package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trainsync/internal/strava"
)

// Upsert inserts or updates a single activity. The detail payload is
// stored without its streams; streams land in their own column so a
// record without time-series stays distinguishable from one with.
func (db *DB) Upsert(a *strava.Activity) error {
	detail, streams, err := encodeActivity(a)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO activities (id, name, type, start_date, detail, streams, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			start_date = excluded.start_date,
			detail = excluded.detail,
			streams = excluded.streams,
			updated_at = CURRENT_TIMESTAMP
	`, a.ID, a.Name, a.Type, a.StartDate.Format(time.RFC3339), detail, streams)
	return err
}

// ReplaceAll atomically replaces the whole corpus with activities. Used
// after a merge so readers only ever observe a complete, deduplicated set.
func (db *DB) ReplaceAll(activities []strava.Activity) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM activities`); err != nil {
		return fmt.Errorf("clearing activities: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO activities (id, name, type, start_date, detail, streams, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for i := range activities {
		a := &activities[i]
		detail, streams, err := encodeActivity(a)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(a.ID, a.Name, a.Type, a.StartDate.Format(time.RFC3339), detail, streams); err != nil {
			return fmt.Errorf("inserting activity %d: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListIDs returns the identities of all persisted activities.
func (db *DB) ListIDs() ([]int64, error) {
	rows, err := db.Query(`SELECT id FROM activities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the total number of activities
func (db *DB) Count() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM activities`).Scan(&count)
	return count, err
}

// LoadAll reconstructs every activity with its streams re-attached,
// newest first. A row that fails to decode is logged and skipped rather
// than failing the whole load.
func (db *DB) LoadAll() ([]strava.Activity, error) {
	rows, err := db.Query(`
		SELECT id, detail, streams
		FROM activities
		ORDER BY start_date DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []strava.Activity
	for rows.Next() {
		var id int64
		var detail string
		var streams sql.NullString
		if err := rows.Scan(&id, &detail, &streams); err != nil {
			return nil, err
		}

		a, err := decodeActivity(detail, streams)
		if err != nil {
			slog.Warn("skipping unreadable activity record", "id", id, "error", err)
			continue
		}
		activities = append(activities, *a)
	}
	return activities, rows.Err()
}

// Get retrieves a single activity by ID with streams attached.
func (db *DB) Get(id int64) (*strava.Activity, error) {
	var detail string
	var streams sql.NullString
	err := db.QueryRow(`
		SELECT detail, streams FROM activities WHERE id = ?
	`, id).Scan(&detail, &streams)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActivityNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeActivity(detail, streams)
}

// Summary is the lightweight listing row for consumers that don't need
// full detail payloads.
type Summary struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	StartDate  time.Time `json:"start_date"`
	HasStreams bool      `json:"has_streams"`
}

// ListSummaries returns activity summaries ordered by start date descending.
func (db *DB) ListSummaries(limit, offset int) ([]Summary, error) {
	rows, err := db.Query(`
		SELECT id, name, type, start_date, streams IS NOT NULL
		FROM activities
		ORDER BY start_date DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		var startDate string
		var hasStreams int
		if err := rows.Scan(&s.ID, &s.Name, &s.Type, &startDate, &hasStreams); err != nil {
			return nil, err
		}
		s.StartDate, err = time.Parse(time.RFC3339, startDate)
		if err != nil {
			return nil, fmt.Errorf("parsing start_date %q: %w", startDate, err)
		}
		s.HasStreams = hasStreams == 1
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// encodeActivity splits an activity into its detail and streams JSON
// payloads. The streams value is NULL when the activity has none.
func encodeActivity(a *strava.Activity) (detail string, streams interface{}, err error) {
	bare := *a
	bare.Streams = nil

	detailBytes, err := json.Marshal(&bare)
	if err != nil {
		return "", nil, fmt.Errorf("encoding activity %d: %w", a.ID, err)
	}

	if a.Streams == nil {
		return string(detailBytes), nil, nil
	}

	streamBytes, err := json.Marshal(a.Streams)
	if err != nil {
		return "", nil, fmt.Errorf("encoding streams for %d: %w", a.ID, err)
	}
	return string(detailBytes), string(streamBytes), nil
}

// decodeActivity rebuilds an activity from its persisted payloads.
func decodeActivity(detail string, streams sql.NullString) (*strava.Activity, error) {
	var a strava.Activity
	if err := json.Unmarshal([]byte(detail), &a); err != nil {
		return nil, fmt.Errorf("decoding detail: %w", err)
	}
	if streams.Valid {
		var s strava.Streams
		if err := json.Unmarshal([]byte(streams.String), &s); err != nil {
			return nil, fmt.Errorf("decoding streams: %w", err)
		}
		a.Streams = &s
	}
	return &a, nil
}
