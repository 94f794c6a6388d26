// Package fetch defines the interface to the external data-fetch
// client. The pipeline consumes test records as opaque metadata plus a
// time-series reader; it never depends on fetch-client internals.
package fetch

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Acquisition hardware tags the fetch client attaches to records.
const (
	TagNeware   = "neware_xls_4000"
	TagArbin    = "arbin"
	TagBiologic = "biologic"
	TagVDF      = "vdf"
)

// TimeSeriesReader returns the requested trace columns of one test
// file. All values are float64; timestamps are epoch milliseconds.
// Every returned column has the same length.
type TimeSeriesReader interface {
	ReadTraces(keys []string) (map[string][]float64, error)
}

// TestRecord is the per-file metadata supplied by the fetch client.
type TestRecord struct {
	UUID            uuid.UUID
	DeviceID        string
	Name            string
	Tags            []string
	StartTimeMS     int64
	LastDPTimeMS    int64
	CycleEndTimesMS []int64

	Reader TimeSeriesReader
}

// HasTag reports whether the record carries the given hardware tag.
func (r TestRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsCycler reports whether the record came from one of the supported
// battery cyclers (as opposed to the expansion sensor stream).
func (r TestRecord) IsCycler() bool {
	return r.HasTag(TagNeware) || r.HasTag(TagArbin) || r.HasTag(TagBiologic)
}

// NameContains does a case-insensitive substring match against the test
// name, which encodes the test-type tokens used for classification.
func (r TestRecord) NameContains(token string) bool {
	return strings.Contains(strings.ToLower(r.Name), strings.ToLower(token))
}

// SortRecords orders records by start time, oldest first.
func SortRecords(recs []TestRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].StartTimeMS < recs[j].StartTimeMS
	})
}

// FilterByTag returns the records of one device carrying the tag,
// preserving order.
func FilterByTag(recs []TestRecord, tag string) []TestRecord {
	var out []TestRecord
	for _, r := range recs {
		if r.HasTag(tag) {
			out = append(out, r)
		}
	}
	return out
}

// MapReader is an in-memory TimeSeriesReader backed by a column map.
// The fetch client uses it for already-materialized data; tests use it
// to build synthetic files.
type MapReader map[string][]float64

func (m MapReader) ReadTraces(keys []string) (map[string][]float64, error) {
	out := make(map[string][]float64, len(keys))
	for _, k := range keys {
		col, ok := m[k]
		if !ok {
			continue
		}
		out[k] = col
	}
	return out, nil
}
