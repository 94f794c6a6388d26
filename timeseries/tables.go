// Package timeseries holds the canonical tables produced by the cell
// processing pipeline: one sample table per cell (cycler data), one
// cycle-metrics table (one row per accepted charge/discharge boundary)
// and one expansion table (strain gauge samples).
package timeseries

import "math"

// Protocol identifies the sub-cycle protocol detected between two
// boundary rows.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolHPPC
	ProtocolSlowCharge
	ProtocolSlowDischarge
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHPPC:
		return "HPPC"
	case ProtocolSlowCharge:
		return "C/20 charge"
	case ProtocolSlowDischarge:
		return "C/20 discharge"
	}
	return ""
}

// SampleTable is the canonical per-cell cycler table. Columns are
// parallel slices, one entry per acquired data point. Temperature uses
// NaN for invalidated sensor readings. CycleIndex is the cycler-native
// counter, -1 where the vendor did not report one.
type SampleTable struct {
	TimeMS       []int64
	Current      []float64
	Voltage      []float64
	Temperature  []float64
	AhThroughput []float64
	StepIndex    []int
	CycleIndex   []int

	DischargeStart []bool
	ChargeStart    []bool
	CapacityCheck  []bool
	TestType       []string
	Protocol       []Protocol
	TestName       []string
}

// NewSampleTable returns a table with all columns allocated to n rows.
func NewSampleTable(n int) *SampleTable {
	return &SampleTable{
		TimeMS:         make([]int64, n),
		Current:        make([]float64, n),
		Voltage:        make([]float64, n),
		Temperature:    make([]float64, n),
		AhThroughput:   make([]float64, n),
		StepIndex:      make([]int, n),
		CycleIndex:     make([]int, n),
		DischargeStart: make([]bool, n),
		ChargeStart:    make([]bool, n),
		CapacityCheck:  make([]bool, n),
		TestType:       make([]string, n),
		Protocol:       make([]Protocol, n),
		TestName:       make([]string, n),
	}
}

func (t *SampleTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.TimeMS)
}

// Append copies all rows of other onto the end of t.
func (t *SampleTable) Append(other *SampleTable) {
	t.TimeMS = append(t.TimeMS, other.TimeMS...)
	t.Current = append(t.Current, other.Current...)
	t.Voltage = append(t.Voltage, other.Voltage...)
	t.Temperature = append(t.Temperature, other.Temperature...)
	t.AhThroughput = append(t.AhThroughput, other.AhThroughput...)
	t.StepIndex = append(t.StepIndex, other.StepIndex...)
	t.CycleIndex = append(t.CycleIndex, other.CycleIndex...)
	t.DischargeStart = append(t.DischargeStart, other.DischargeStart...)
	t.ChargeStart = append(t.ChargeStart, other.ChargeStart...)
	t.CapacityCheck = append(t.CapacityCheck, other.CapacityCheck...)
	t.TestType = append(t.TestType, other.TestType...)
	t.Protocol = append(t.Protocol, other.Protocol...)
	t.TestName = append(t.TestName, other.TestName...)
}

// Slice returns a deep copy of rows [i, j).
func (t *SampleTable) Slice(i, j int) *SampleTable {
	out := NewSampleTable(j - i)
	copy(out.TimeMS, t.TimeMS[i:j])
	copy(out.Current, t.Current[i:j])
	copy(out.Voltage, t.Voltage[i:j])
	copy(out.Temperature, t.Temperature[i:j])
	copy(out.AhThroughput, t.AhThroughput[i:j])
	copy(out.StepIndex, t.StepIndex[i:j])
	copy(out.CycleIndex, t.CycleIndex[i:j])
	copy(out.DischargeStart, t.DischargeStart[i:j])
	copy(out.ChargeStart, t.ChargeStart[i:j])
	copy(out.CapacityCheck, t.CapacityCheck[i:j])
	copy(out.TestType, t.TestType[i:j])
	copy(out.Protocol, t.Protocol[i:j])
	copy(out.TestName, t.TestName[i:j])
	return out
}

// BoundaryIndices returns the row indices carrying a charge-start or
// discharge-start flag, in row order.
func (t *SampleTable) BoundaryIndices() []int {
	var idx []int
	for i := 0; i < t.Len(); i++ {
		if t.ChargeStart[i] || t.DischargeStart[i] {
			idx = append(idx, i)
		}
	}
	return idx
}

// ESOHParams carries a fitted two-electrode model. Valid is false when
// the fit's voltage RMS error exceeded the acceptance threshold; the
// parameters are then NaN and only the capacity and error fields stay
// populated for visibility.
type ESOHParams struct {
	Cn, X0, X100    float64
	Cp, Y0, Y100    float64
	FullCapacity    float64
	RMSVoltageError float64
	RMSDVDQError    float64
	Valid           bool
}

// CycleMetric is one row of the cycle-metrics table. Exactly one of
// ChargeCapacity/DischargeCapacity is populated (the other is NaN).
type CycleMetric struct {
	TimeMS         int64
	AhThroughput   float64
	ChargeStart    bool
	DischargeStart bool
	CapacityCheck  bool
	TestType       string
	Protocol       Protocol
	TestName       string

	ChargeCapacity      float64
	DischargeCapacity   float64
	AvgChargeCurrent    float64
	AvgDischargeCurrent float64
	MinVoltage          float64
	MaxVoltage          float64
	MinTemperature      float64
	MaxTemperature      float64

	// Pulse fields, one entry per detected pulse within an HPPC
	// sub-cycle.
	PulseQ         []float64
	PulseDurationS []float64
	PulseCurrent   []float64
	RShort         []float64
	RLong          []float64

	R10s  float64
	R480s float64

	ExpansionTimeMS     float64
	MinExpansion        float64
	MaxExpansion        float64
	ReversibleExpansion float64

	ESOH *ESOHParams
}

// NewCycleMetric returns a metric row with all numeric fields set to
// NaN so "not computed" is distinguishable from zero.
func NewCycleMetric() CycleMetric {
	nan := math.NaN()
	return CycleMetric{
		ChargeCapacity:      nan,
		DischargeCapacity:   nan,
		AvgChargeCurrent:    nan,
		AvgDischargeCurrent: nan,
		MinVoltage:          nan,
		MaxVoltage:          nan,
		MinTemperature:      nan,
		MaxTemperature:      nan,
		R10s:                nan,
		R480s:               nan,
		ExpansionTimeMS:     nan,
		MinExpansion:        nan,
		MaxExpansion:        nan,
		ReversibleExpansion: nan,
	}
}

// CycleMetricsTable is ordered by time; row count equals the number of
// accepted boundaries in the sample table.
type CycleMetricsTable []CycleMetric

// ExpansionTable holds the separately sampled strain/expansion stream.
type ExpansionTable struct {
	TimeMS         []int64
	RawCounts      []float64
	RefCounts      []float64
	Temperature    []float64
	ExpansionUM    []float64
	CycleIndicator []bool
}

func NewExpansionTable(n int) *ExpansionTable {
	return &ExpansionTable{
		TimeMS:         make([]int64, n),
		RawCounts:      make([]float64, n),
		RefCounts:      make([]float64, n),
		Temperature:    make([]float64, n),
		ExpansionUM:    make([]float64, n),
		CycleIndicator: make([]bool, n),
	}
}

func (t *ExpansionTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.TimeMS)
}

func (t *ExpansionTable) Append(other *ExpansionTable) {
	t.TimeMS = append(t.TimeMS, other.TimeMS...)
	t.RawCounts = append(t.RawCounts, other.RawCounts...)
	t.RefCounts = append(t.RefCounts, other.RefCounts...)
	t.Temperature = append(t.Temperature, other.Temperature...)
	t.ExpansionUM = append(t.ExpansionUM, other.ExpansionUM...)
	t.CycleIndicator = append(t.CycleIndicator, other.CycleIndicator...)
}
