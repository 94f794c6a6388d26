// Package catalog keeps the on-disk record of which test files have
// been processed: uuid → location, device, project, time range and
// hardware tags. The merge stage consults it to tell new files from
// already-merged ones.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one catalog row.
type Record struct {
	UUID         uuid.UUID
	DeviceID     string
	Project      string
	Location     string
	StartTimeMS  int64
	LastDPTimeMS int64
	Tags         []string
}

// ErrNotFound reports a uuid absent from the catalog.
var ErrNotFound = errors.New("record not found in catalog")

// Catalog is a sqlite-backed record store.
type Catalog struct {
	db *sql.DB
}

// Open creates or opens the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS test_records (
	uuid            TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	project         TEXT NOT NULL,
	location        TEXT NOT NULL,
	start_time_ms   INTEGER NOT NULL,
	last_dp_time_ms INTEGER NOT NULL,
	tags            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_records_device ON test_records(device_id);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// Append inserts one record, replacing any prior row with the same
// uuid (a re-uploaded file supersedes its older entry).
func (c *Catalog) Append(r Record) error {
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO test_records
		 (uuid, device_id, project, location, start_time_ms, last_dp_time_ms, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.UUID.String(), r.DeviceID, r.Project, r.Location,
		r.StartTimeMS, r.LastDPTimeMS, strings.Join(r.Tags, ","),
	)
	if err != nil {
		return fmt.Errorf("append catalog record %s: %w", r.UUID, err)
	}
	return nil
}

// DeleteByUUID removes one record. Deleting an absent uuid is not an
// error.
func (c *Catalog) DeleteByUUID(id uuid.UUID) error {
	if _, err := c.db.Exec(`DELETE FROM test_records WHERE uuid = ?`, id.String()); err != nil {
		return fmt.Errorf("delete catalog record %s: %w", id, err)
	}
	return nil
}

// ListByDevice returns all records for a device, oldest first.
func (c *Catalog) ListByDevice(deviceID string) ([]Record, error) {
	rows, err := c.db.Query(
		`SELECT uuid, device_id, project, location, start_time_ms, last_dp_time_ms, tags
		 FROM test_records WHERE device_id = ? ORDER BY start_time_ms`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list catalog records for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var id, tags string
		if err := rows.Scan(&id, &r.DeviceID, &r.Project, &r.Location, &r.StartTimeMS, &r.LastDPTimeMS, &tags); err != nil {
			return nil, fmt.Errorf("scan catalog record: %w", err)
		}
		r.UUID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("catalog record has bad uuid %q: %w", id, err)
		}
		if tags != "" {
			r.Tags = strings.Split(tags, ",")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastDatapointTime returns the last-datapoint timestamp of one record.
func (c *Catalog) LastDatapointTime(id uuid.UUID) (int64, error) {
	var t int64
	err := c.db.QueryRow(
		`SELECT last_dp_time_ms FROM test_records WHERE uuid = ?`, id.String()).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("look up catalog record %s: %w", id, err)
	}
	return t, nil
}
