package projconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKnownProject(t *testing.T) {
	r := Builtin()
	p := r.Lookup("UMBL2022FEB")
	assert.InDelta(t, 2.5, p.NominalCapacity, 1e-12)
	assert.InDelta(t, 2.8, p.QMax, 1e-12)
	assert.InDelta(t, 0.125, p.IC20, 1e-12)
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	r := Builtin()
	assert.Equal(t, r.Lookup("GMJULY2022"), r.Lookup("gmjuly2022"))
}

func TestLookupUnknownFallsBackToDefault(t *testing.T) {
	r := Builtin()
	p := r.Lookup("NOT_A_PROJECT")
	assert.Equal(t, r.Lookup(DefaultProject), p)
	assert.InDelta(t, 3.5, p.NominalCapacity, 1e-12)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.yaml")
	content := `
NEWPROJ:
  pulse_currents: [1.0, -1.0]
  nominal_capacity: 5.0
  q_max: 5.4
  i_c20: 0.25
gmjuly2022:
  nominal_capacity: 3.6
  q_max: 3.9
  i_c20: 0.18
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r := Builtin()
	require.NoError(t, r.LoadYAML(path))

	p := r.Lookup("NEWPROJ")
	assert.InDelta(t, 5.0, p.NominalCapacity, 1e-12)
	assert.Equal(t, []float64{1.0, -1.0}, p.PulseCurrents)

	// override replaces the built-in entry
	assert.InDelta(t, 3.6, r.Lookup("GMJULY2022").NominalCapacity, 1e-12)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	r := Builtin()
	assert.Error(t, r.LoadYAML(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadCalibration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.yaml")
	content := `
"GMJULY2022,cell01":
  - start_date: "2023-01-01"
    end_date: "2023-06-01"
    x1: 0.0002
    x2: 1.0e-9
    c: -0.5
  - start_date: "2023-06-01T00:00:00Z"
    end_date: "2024-01-01T00:00:00Z"
    x1: 0.00021
    x2: 0
    c: -0.4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	windows, err := LoadCalibration(path)
	require.NoError(t, err)
	require.Len(t, windows["GMJULY2022,cell01"], 2)

	w := windows["GMJULY2022,cell01"][0]
	assert.InDelta(t, 0.0002, w.Cal.X1, 1e-15)
	assert.InDelta(t, -0.5, w.Cal.C, 1e-15)
	assert.Less(t, w.StartMS, w.EndMS)
}

func TestLoadCalibrationBadDate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.yaml")
	content := `
"P,c":
  - start_date: "junk"
    end_date: "2024-01-01"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := LoadCalibration(path)
	assert.Error(t, err)
}
