// Package inventory persists what the daemon learns from DUT traffic: which
// devices exist, what they uploaded, and which configs were deployed. The
// daemon runs fine without a database; a nil Recorder turns every call into a
// no-op.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"umpired/pkg/db"
	"umpired/services/umpired/internal/selector"
)

// Recorder writes inventory rows through the shared pgx pool.
type Recorder struct {
	pool *pgxpool.Pool
}

// New returns a Recorder over the pool. A nil pool yields a nil Recorder.
func New(pool *pgxpool.Pool) *Recorder {
	if pool == nil {
		return nil
	}
	return &Recorder{pool: pool}
}

// RecordDUT upserts the device row keyed by MAC from a GetUpdate descriptor.
// Descriptors without any MAC are not recorded.
func (r *Recorder) RecordDUT(ctx context.Context, desc selector.Descriptor, components map[string]string) error {
	if r == nil {
		return nil
	}
	macs := desc.MACs()
	if len(macs) == 0 {
		return nil
	}
	sort.Strings(macs)

	payload, err := json.Marshal(components)
	if err != nil {
		return fmt.Errorf("marshal components: %w", err)
	}

	_, err = db.Exec(ctx, r.pool, `
		INSERT INTO duts (id, mac, serial, mlb_serial, last_stage, components, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (mac) DO UPDATE SET
			serial = EXCLUDED.serial,
			mlb_serial = EXCLUDED.mlb_serial,
			last_stage = EXCLUDED.last_stage,
			components = EXCLUDED.components,
			updated_at = now()`,
		uuid.New(), macs[0], desc.SN(), desc.MLBSN(), desc.Stage(), payload)
	if err != nil {
		return fmt.Errorf("upsert dut: %w", err)
	}
	return nil
}

// ReportRecord describes one uploaded DUT report on disk.
type ReportRecord struct {
	ID     uuid.UUID
	Serial string
	Stage  string
	Name   string
	Path   string
	SHA256 string
	Size   int64
}

// RecordReport inserts a row for an uploaded report.
func (r *Recorder) RecordReport(ctx context.Context, rec ReportRecord) error {
	if r == nil {
		return nil
	}
	_, err := db.Exec(ctx, r.pool, `
		INSERT INTO reports (id, serial, stage, name, path, sha256, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		rec.ID, rec.Serial, rec.Stage, rec.Name, rec.Path, rec.SHA256, rec.Size)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// RecordEvent inserts one uploaded event.
func (r *Recorder) RecordEvent(ctx context.Context, name string, payload map[string]any) error {
	if r == nil {
		return nil
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = db.Exec(ctx, r.pool, `
		INSERT INTO events (name, payload, created_at) VALUES ($1, $2, now())`,
		name, blob)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecordDeployment logs a finished config deployment for audit.
func (r *Recorder) RecordDeployment(ctx context.Context, configID string, diff []string) error {
	if r == nil {
		return nil
	}
	blob, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	_, err = db.Exec(ctx, r.pool, `
		INSERT INTO deployments (config_id, diff, deployed_at) VALUES ($1, $2, now())`,
		configID, string(blob))
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// ReportRow is one row of the recent-reports admin listing.
type ReportRow struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Serial    string    `db:"serial" json:"serial"`
	Stage     string    `db:"stage" json:"stage"`
	Name      string    `db:"name" json:"name"`
	Path      string    `db:"path" json:"path"`
	SHA256    string    `db:"sha256" json:"sha256"`
	Size      int64     `db:"size" json:"size"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RecentReports lists the newest uploaded reports, most recent first.
func (r *Recorder) RecentReports(ctx context.Context, limit int) ([]ReportRow, error) {
	if r == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []ReportRow
	err := db.Select(ctx, r.pool, &rows, `
		SELECT id, serial, stage, name, path, sha256, size, created_at
		FROM reports ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select reports: %w", err)
	}
	return rows, nil
}
