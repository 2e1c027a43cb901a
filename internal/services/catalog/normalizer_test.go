package catalog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AstroSeis/internal/domain/models"
)

func f(v float64) *float64 { return &v }

func rec(id, ts string, lat, lon, mag float64, typ string) models.RawEventRecord {
	return models.RawEventRecord{ID: id, Time: ts, Latitude: f(lat), Longitude: f(lon), Magnitude: f(mag), MagnitudeType: typ}
}

func TestNormalizeRejectsMalformedAndContinues(t *testing.T) {
	n := NewNormalizer(DefaultOptions(), nil)

	missingMag := rec("m", "2001-01-01T00:00:00Z", 10, 10, 5, "mw")
	missingMag.Magnitude = nil

	raw := []models.RawEventRecord{
		rec("ok1", "2001-01-02T00:00:00Z", 10, 10, 5, "mw"),
		rec("lat", "2001-01-03T00:00:00Z", 91, 10, 5, "mw"),
		rec("lon", "2001-01-03T00:00:00Z", 10, -180.5, 5, "mw"),
		rec("mag", "2001-01-03T00:00:00Z", 10, 10, 10.2, "mw"),
		missingMag,
		rec("time", "yesterday", 10, 10, 5, "mw"),
		rec("type", "2001-01-03T00:00:00Z", 10, 10, 5, "mx"),
		rec("ok2", "2001-01-01T00:00:00Z", -10, 100, 4, "ml"),
	}

	cat, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, 8, cat.Report.Raw)
	assert.Equal(t, 6, cat.Report.Rejected)
	assert.Equal(t, 2, cat.Report.Normalized)
	assert.Equal(t, 1, cat.Report.RejectedByReason["latitude:out of range"])
	assert.Equal(t, 1, cat.Report.RejectedByReason["magnitude:missing"])
	assert.Equal(t, 1, cat.Report.RejectedByReason["time:unparseable"])
	assert.Equal(t, 1, cat.Report.RejectedByReason["magnitude_type:unknown"])

	require.Len(t, cat.Events, 2)
	assert.Equal(t, "ok2", cat.Events[0].ID, "sorted by time")
	assert.Equal(t, "ok1", cat.Events[1].ID)
}

func TestNormalizeRecordReturnsMalformedRecordError(t *testing.T) {
	n := NewNormalizer(DefaultOptions(), nil)
	r := rec("x", "2001-01-01T00:00:00Z", 95, 0, 5, "mw")
	_, err := n.normalizeRecord(&r)
	var mre *models.MalformedRecordError
	require.True(t, errors.As(err, &mre))
	assert.Equal(t, "latitude", mre.Field)
}

func TestNormalizeConvertsToMoment(t *testing.T) {
	n := NewNormalizer(DefaultOptions(), nil)
	cat, err := n.Normalize([]models.RawEventRecord{
		rec("a", "2001-01-01T00:00:00Z", 0, 0, 6.5, "mb"),
		rec("b", "2002-01-01T00:00:00Z", 0, 0, 5.0, "Ms"),
		rec("c", "2003-01-01T00:00:00Z", 0, 0, 6.5, "Mww"),
	})
	require.NoError(t, err)
	require.Len(t, cat.Events, 3)
	assert.InDelta(t, 0.85*6.5+1.03, cat.Events[0].Magnitude, 0.01)
	assert.InDelta(t, 0.67*5.0+2.07, cat.Events[1].Magnitude, 0.01)
	assert.InDelta(t, 6.5, cat.Events[2].Magnitude, 1e-9)
	assert.Equal(t, models.MagnitudeMoment, cat.Events[2].MagnitudeType)
}

func TestNormalizeDeduplicatesKeepingHighestConfidence(t *testing.T) {
	n := NewNormalizer(DefaultOptions(), nil)
	body := rec("agency-mb", "2010-02-27T06:34:11Z", -36.12, -72.90, 6.9, "mb")
	moment := rec("agency-mw", "2010-02-27T06:34:14Z", -36.10, -72.93, 7.0, "mww")
	surface := rec("agency-ms", "2010-02-27T06:34:20Z", -36.20, -72.80, 6.9, "ms")
	far := rec("other", "2010-02-27T06:34:15Z", 35, 139, 7.0, "mw")

	cat, err := n.Normalize([]models.RawEventRecord{body, moment, surface, far})
	require.NoError(t, err)
	assert.Equal(t, 2, cat.Report.Duplicates)
	require.Len(t, cat.Events, 2)

	ids := []string{cat.Events[0].ID, cat.Events[1].ID}
	assert.Contains(t, ids, "agency-mw")
	assert.Contains(t, ids, "other")
}

func TestNormalizeDoesNotChainDuplicates(t *testing.T) {
	n := NewNormalizer(DefaultOptions(), nil)
	// a~b and b~c are within 30 s and 0.3 Mw, a and c are not
	a := rec("a", "2015-04-25T06:11:00Z", 28.2, 84.7, 5.0, "mw")
	b := rec("b", "2015-04-25T06:11:25Z", 28.2, 84.7, 5.25, "mw")
	c := rec("c", "2015-04-25T06:11:50Z", 28.2, 84.7, 5.5, "mw")

	cat, err := n.Normalize([]models.RawEventRecord{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, 1, cat.Report.Duplicates)
	require.Len(t, cat.Events, 2)
	assert.Equal(t, "b", cat.Events[0].ID)
	assert.Equal(t, "c", cat.Events[1].ID)
}

func TestNormalizeAppliesCompletenessFloors(t *testing.T) {
	opts := DefaultOptions()
	opts.Floors = []Floor{
		{FromYear: 1900, ToYear: 1963, MinMw: 6.0},
		{FromYear: 1964, ToYear: 1999, MinMw: 4.5},
	}
	n := NewNormalizer(opts, nil)
	cat, err := n.Normalize([]models.RawEventRecord{
		rec("old-small", "1950-05-01T00:00:00Z", 0, 0, 5.5, "mw"),
		rec("old-big", "1950-06-01T00:00:00Z", 0, 50, 6.4, "mw"),
		rec("mid-small", "1980-01-01T00:00:00Z", 0, 0, 4.0, "mw"),
		rec("modern-small", "2005-01-01T00:00:00Z", 0, 0, 3.0, "mw"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cat.Report.BelowCompleteness)
	require.Len(t, cat.Events, 2)
	assert.Equal(t, "old-big", cat.Events[0].ID)
	assert.Equal(t, "modern-small", cat.Events[1].ID)
}

func TestNormalizeGeneratesStableIDs(t *testing.T) {
	n := NewNormalizer(DefaultOptions(), nil)
	r := rec("", "2001-01-01T00:00:00Z", 1.5, 2.5, 5, "mw")
	cat, err := n.Normalize([]models.RawEventRecord{r})
	require.NoError(t, err)
	require.Len(t, cat.Events, 1)
	assert.Equal(t, "20010101T000000.000_1.500_2.500", cat.Events[0].ID)
	assert.Equal(t, time.UTC, cat.Events[0].Timestamp.Location())
}
