package catalog

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAppendAndListByDevice(t *testing.T) {
	c := openTestCatalog(t)

	r1 := Record{
		UUID:         uuid.New(),
		DeviceID:     "cell01",
		Project:      "GMJULY2022",
		Location:     "cell01_rpt1.csv",
		StartTimeMS:  2000,
		LastDPTimeMS: 9000,
		Tags:         []string{"neware_xls_4000"},
	}
	r2 := Record{
		UUID:         uuid.New(),
		DeviceID:     "cell01",
		Project:      "GMJULY2022",
		Location:     "cell01_cyc1.csv",
		StartTimeMS:  1000,
		LastDPTimeMS: 1900,
		Tags:         []string{"neware_xls_4000", "vdf"},
	}
	assert.NoError(t, c.Append(r1))
	assert.NoError(t, c.Append(r2))
	assert.NoError(t, c.Append(Record{UUID: uuid.New(), DeviceID: "cell02", Project: "P", Location: "x"}))

	got, err := c.ListByDevice("cell01")
	assert.NoError(t, err)
	require.Len(t, got, 2)
	// oldest first
	assert.Equal(t, r2.UUID, got[0].UUID)
	assert.Equal(t, r1.UUID, got[1].UUID)
	assert.Equal(t, []string{"neware_xls_4000", "vdf"}, got[0].Tags)
}

func TestAppendReplacesSameUUID(t *testing.T) {
	c := openTestCatalog(t)
	id := uuid.New()

	assert.NoError(t, c.Append(Record{UUID: id, DeviceID: "cell01", LastDPTimeMS: 5000}))
	assert.NoError(t, c.Append(Record{UUID: id, DeviceID: "cell01", LastDPTimeMS: 8000}))

	ts, err := c.LastDatapointTime(id)
	assert.NoError(t, err)
	assert.Equal(t, int64(8000), ts)

	got, err := c.ListByDevice("cell01")
	assert.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDeleteByUUID(t *testing.T) {
	c := openTestCatalog(t)
	id := uuid.New()
	assert.NoError(t, c.Append(Record{UUID: id, DeviceID: "cell01"}))
	assert.NoError(t, c.DeleteByUUID(id))

	_, err := c.LastDatapointTime(id)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting again is harmless
	assert.NoError(t, c.DeleteByUUID(id))
}

func TestLastDatapointTimeUnknown(t *testing.T) {
	c := openTestCatalog(t)
	_, err := c.LastDatapointTime(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
