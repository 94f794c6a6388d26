// Package trace converts raw vendor records into the canonical sample
// and expansion tables. All per-vendor column-key differences and known
// sensor artifacts are isolated here; downstream packages only ever see
// the fixed schema.
package trace

import (
	"errors"
	"fmt"
	"math"

	"github.com/batterydata/cellpipe/fetch"
	"github.com/batterydata/cellpipe/timeseries"
)

// Semantic trace keys requested from the normalizer.
type Key string

const (
	KeyTime         Key = "time"
	KeyCurrent      Key = "current"
	KeyVoltage      Key = "voltage"
	KeyTemperature  Key = "temperature"
	KeyAhThroughput Key = "ah_throughput"
	KeyStepIndex    Key = "step_index"
	KeyCycleIndex   Key = "cycle_index"

	KeyExpansion    Key = "expansion"
	KeyExpansionRef Key = "expansion_ref"
)

// CyclerKeys is the canonical request for cycler files.
var CyclerKeys = []Key{KeyTime, KeyCurrent, KeyVoltage, KeyTemperature, KeyAhThroughput, KeyStepIndex, KeyCycleIndex}

// Vendor-native trace keys per tag set.
var (
	newareKeys = map[Key]string{
		KeyTime:         "h_datapoint_time",
		KeyCurrent:      "h_current",
		KeyVoltage:      "h_potential",
		KeyTemperature:  "aux_neware_xls_t1_none_0",
		KeyAhThroughput: "c_cumulative_capacity",
		KeyStepIndex:    "h_step_index",
		KeyCycleIndex:   "h_cycle_index",
	}
	arbinKeys = map[Key]string{
		KeyTime:         "h_datapoint_time",
		KeyCurrent:      "h_current",
		KeyVoltage:      "h_potential",
		KeyAhThroughput: "c_cumulative_capacity",
		KeyStepIndex:    "h_step_index",
		KeyCycleIndex:   "h_cycle_index",
	}
	vdfKeys = map[Key]string{
		KeyTime:         "aux_vdf_timestamp_datetime_0",
		KeyExpansion:    "aux_vdf_ldcsensor_none_0",
		KeyExpansionRef: "aux_vdf_ldcref_none_0",
		KeyTemperature:  "aux_vdf_ambienttemperature_celsius_0",
	}
)

// Options tune the artifact repairs. Zero values select the defaults.
type Options struct {
	// MilliScaleThreshold: biologic current/throughput arriving in
	// milli-units is rescaled by 1000 when the peak magnitude exceeds
	// this (a cell current above 20 A is not plausible on these
	// testers). Heuristic, not a protocol guarantee.
	MilliScaleThreshold float64
	// TempBandLow/High: temperature readings inside this band come
	// from an unplugged thermocouple and are invalidated to NaN.
	TempBandLow, TempBandHigh float64
}

func (o Options) withDefaults() Options {
	if o.MilliScaleThreshold == 0 {
		o.MilliScaleThreshold = 20
	}
	if o.TempBandLow == 0 && o.TempBandHigh == 0 {
		o.TempBandLow, o.TempBandHigh = 200, 250
	}
	return o
}

// MissingTraceKeyError reports a required trace absent from the source
// file. The caller logs it and skips the file; it never aborts a batch.
type MissingTraceKeyError struct {
	Key    Key
	Vendor string
	Record string
}

func (e *MissingTraceKeyError) Error() string {
	return fmt.Sprintf("record %s: missing trace key %q (%s)", e.Record, e.Key, e.Vendor)
}

// IsMissingTraceKey reports whether err wraps a MissingTraceKeyError.
func IsMissingTraceKey(err error) bool {
	var m *MissingTraceKeyError
	return errors.As(err, &m)
}

// vendorMap picks the key map for the record's tag set.
func vendorMap(rec fetch.TestRecord) (map[Key]string, string, error) {
	switch {
	case rec.HasTag(fetch.TagNeware):
		return newareKeys, fetch.TagNeware, nil
	case rec.HasTag(fetch.TagArbin):
		return arbinKeys, fetch.TagArbin, nil
	case rec.HasTag(fetch.TagBiologic):
		return arbinKeys, fetch.TagBiologic, nil
	case rec.HasTag(fetch.TagVDF):
		return vdfKeys, fetch.TagVDF, nil
	}
	return nil, "", fmt.Errorf("record %s: no recognised hardware tag in %v", rec.Name, rec.Tags)
}

// Normalize converts one raw cycler record into a canonical sample
// table with the requested semantic columns. Optional columns
// (temperature, cycle index) are filled with NaN / -1 when the vendor
// does not report them; required columns missing from the source yield
// a MissingTraceKeyError.
func Normalize(rec fetch.TestRecord, keys []Key, opts Options) (*timeseries.SampleTable, error) {
	opts = opts.withDefaults()
	km, vendor, err := vendorMap(rec)
	if err != nil {
		return nil, err
	}

	var native []string
	for _, k := range keys {
		if nk, ok := km[k]; ok {
			native = append(native, nk)
		}
	}
	cols, err := rec.Reader.ReadTraces(native)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.Name, err)
	}

	// Temperature and cycle index are optional: some cyclers simply do
	// not report them. Everything else must be present.
	optional := map[Key]bool{KeyTemperature: true, KeyCycleIndex: true}
	col := func(k Key) ([]float64, error) {
		nk, ok := km[k]
		if !ok {
			return nil, nil
		}
		c, ok := cols[nk]
		if !ok {
			if optional[k] {
				return nil, nil
			}
			return nil, &MissingTraceKeyError{Key: k, Vendor: vendor, Record: rec.Name}
		}
		return c, nil
	}

	ts, err := col(KeyTime)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, &MissingTraceKeyError{Key: KeyTime, Vendor: vendor, Record: rec.Name}
	}
	n := len(ts)

	tbl := timeseries.NewSampleTable(n)
	for i, v := range ts {
		tbl.TimeMS[i] = int64(v)
	}

	for _, k := range keys {
		c, err := col(k)
		if err != nil {
			return nil, err
		}
		if c != nil && len(c) != n {
			return nil, fmt.Errorf("record %s: trace %q has %d rows, want %d", rec.Name, k, len(c), n)
		}
		switch k {
		case KeyTime:
		case KeyCurrent:
			if c == nil {
				return nil, &MissingTraceKeyError{Key: k, Vendor: vendor, Record: rec.Name}
			}
			copy(tbl.Current, c)
		case KeyVoltage:
			if c == nil {
				return nil, &MissingTraceKeyError{Key: k, Vendor: vendor, Record: rec.Name}
			}
			copy(tbl.Voltage, c)
		case KeyAhThroughput:
			if c == nil {
				return nil, &MissingTraceKeyError{Key: k, Vendor: vendor, Record: rec.Name}
			}
			copy(tbl.AhThroughput, c)
		case KeyTemperature:
			if c == nil {
				for i := range tbl.Temperature {
					tbl.Temperature[i] = math.NaN()
				}
			} else {
				for i, v := range c {
					if v >= opts.TempBandLow && v < opts.TempBandHigh {
						tbl.Temperature[i] = math.NaN()
					} else {
						tbl.Temperature[i] = v
					}
				}
			}
		case KeyStepIndex:
			if c != nil {
				for i, v := range c {
					tbl.StepIndex[i] = int(v)
				}
			}
		case KeyCycleIndex:
			if c == nil {
				for i := range tbl.CycleIndex {
					tbl.CycleIndex[i] = -1
				}
			} else {
				for i, v := range c {
					tbl.CycleIndex[i] = int(v)
				}
			}
		}
	}

	if rec.HasTag(fetch.TagBiologic) {
		rescaleMilliUnits(tbl, opts.MilliScaleThreshold)
	}
	return tbl, nil
}

// rescaleMilliUnits divides current and Ah-throughput by 1000 when the
// peak current magnitude exceeds the sanity threshold, repairing mA
// misreported as A.
func rescaleMilliUnits(tbl *timeseries.SampleTable, threshold float64) {
	peak := 0.0
	for _, v := range tbl.Current {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak <= threshold {
		return
	}
	for i := range tbl.Current {
		tbl.Current[i] /= 1000
		tbl.AhThroughput[i] /= 1000
	}
}

// NormalizeExpansion converts one raw expansion-sensor (vdf) record to
// an expansion table, discarding rows whose raw counts fall outside the
// good-signal band [minCounts, maxCounts].
func NormalizeExpansion(rec fetch.TestRecord, opts Options) (*timeseries.ExpansionTable, error) {
	opts = opts.withDefaults()
	if !rec.HasTag(fetch.TagVDF) {
		return nil, fmt.Errorf("record %s: not an expansion record", rec.Name)
	}
	native := []string{vdfKeys[KeyTime], vdfKeys[KeyExpansion], vdfKeys[KeyExpansionRef], vdfKeys[KeyTemperature]}
	cols, err := rec.Reader.ReadTraces(native)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.Name, err)
	}
	for k, key := range map[string]Key{
		vdfKeys[KeyTime]:         KeyTime,
		vdfKeys[KeyExpansion]:    KeyExpansion,
		vdfKeys[KeyExpansionRef]: KeyExpansionRef,
	} {
		if _, ok := cols[k]; !ok {
			return nil, &MissingTraceKeyError{Key: key, Vendor: fetch.TagVDF, Record: rec.Name}
		}
	}

	ts := cols[vdfKeys[KeyTime]]
	raw := cols[vdfKeys[KeyExpansion]]
	ref := cols[vdfKeys[KeyExpansionRef]]
	temp := cols[vdfKeys[KeyTemperature]] // optional

	const minCounts, maxCounts = 1e1, 1e7

	out := timeseries.NewExpansionTable(0)
	for i := range ts {
		if raw[i] <= minCounts || raw[i] >= maxCounts {
			continue
		}
		out.TimeMS = append(out.TimeMS, int64(ts[i]))
		out.RawCounts = append(out.RawCounts, raw[i])
		out.RefCounts = append(out.RefCounts, ref[i])
		t := math.NaN()
		if temp != nil && i < len(temp) {
			t = temp[i]
			if t >= opts.TempBandLow && t < opts.TempBandHigh {
				t = math.NaN()
			}
		}
		out.Temperature = append(out.Temperature, t)
		out.ExpansionUM = append(out.ExpansionUM, math.NaN())
		out.CycleIndicator = append(out.CycleIndicator, false)
	}
	return out, nil
}
