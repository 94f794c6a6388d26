// Package projconfig resolves per-project cell parameters and the
// expansion-sensor calibration table. Built-in defaults cover the known
// projects; a YAML file can override or extend them.
package projconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/batterydata/cellpipe/expansion"
)

var log = logrus.New()

// SetLogger routes this package's logging to a shared logger.
func SetLogger(l *logrus.Logger) { log = l }

// DefaultProject is the fallback for unrecognized project names.
const DefaultProject = "DEFAULT"

// Project holds the cell parameters the metrics and electrode-fit
// stages need.
type Project struct {
	PulseCurrents   []float64 `yaml:"pulse_currents"`
	NominalCapacity float64   `yaml:"nominal_capacity"` // A·h
	QMax            float64   `yaml:"q_max"`            // A·h, capacity sanity bound
	IC20            float64   `yaml:"i_c20"`            // A, slow-rate magnitude
}

// Registry maps project names to their parameters.
type Registry struct {
	projects map[string]Project
}

// Builtin returns the registry of known projects.
func Builtin() *Registry {
	return &Registry{projects: map[string]Project{
		DefaultProject: {
			PulseCurrents:   []float64{2.0, 1.5, 1.0, 0.5, -0.5, -1.0, -1.5, -2.0, -2.5, -3.0},
			NominalCapacity: 3.5,
			QMax:            3.8,
			IC20:            0.177,
		},
		"GMJULY2022": {
			PulseCurrents:   []float64{2.0, 1.5, 1.0, 0.5, -0.5, -1.0, -1.5, -2.0, -2.5, -3.0},
			NominalCapacity: 3.5,
			QMax:            3.8,
			IC20:            0.177,
		},
		"GMFEB23": {
			PulseCurrents:   []float64{1.75, -1.75, -3.5, -5.25, -7.0},
			NominalCapacity: 3.5,
			QMax:            3.8,
			IC20:            0.177,
		},
		"UMBL2022FEB": {
			PulseCurrents:   []float64{1.25, -1.25, -2.5, -3.75, -5.0},
			NominalCapacity: 2.5,
			QMax:            2.8,
			IC20:            0.125,
		},
	}}
}

// LoadYAML merges project definitions from a YAML file over the
// built-in table.
func (r *Registry) LoadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read project config: %w", err)
	}
	var loaded map[string]Project
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("parse project config %s: %w", path, err)
	}
	for name, p := range loaded {
		r.projects[strings.ToUpper(name)] = p
	}
	return nil
}

// Lookup resolves a project by name, falling back to the default entry
// with a warning. Never fails.
func (r *Registry) Lookup(name string) Project {
	if p, ok := r.projects[strings.ToUpper(name)]; ok {
		return p
	}
	log.WithField("project", name).Warn("unknown project, using default cell parameters")
	return r.projects[DefaultProject]
}

// calibrationEntry is one YAML row of the externally maintained
// expansion calibration table.
type calibrationEntry struct {
	StartDate string  `yaml:"start_date"`
	EndDate   string  `yaml:"end_date"`
	X1        float64 `yaml:"x1"`
	X2        float64 `yaml:"x2"`
	C         float64 `yaml:"c"`
}

// LoadCalibration reads the per-cell calibration windows, keyed by
// "<project>,<cell-number>". Dates are RFC 3339 or bare dates.
func LoadCalibration(path string) (map[string][]expansion.Window, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration table: %w", err)
	}
	var loaded map[string][]calibrationEntry
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("parse calibration table %s: %w", path, err)
	}
	out := make(map[string][]expansion.Window, len(loaded))
	for key, entries := range loaded {
		for _, e := range entries {
			start, err := parseDate(e.StartDate)
			if err != nil {
				return nil, fmt.Errorf("calibration %s: %w", key, err)
			}
			end, err := parseDate(e.EndDate)
			if err != nil {
				return nil, fmt.Errorf("calibration %s: %w", key, err)
			}
			out[key] = append(out[key], expansion.Window{
				StartMS: start.UnixMilli(),
				EndMS:   end.UnixMilli(),
				Cal:     expansion.Calibration{X1: e.X1, X2: e.X2, C: e.C},
			})
		}
	}
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
