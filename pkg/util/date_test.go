package util

import (
	"strconv"
	"testing"
	"time"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Format(time.RFC3339) != s {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeOffsetNormalizedToUTC(t *testing.T) {
	got, ok := ParseTime("2011-03-11T14:46:24+09:00")
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Location() != time.UTC || got.Hour() != 5 {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeZoneless(t *testing.T) {
	got, ok := ParseTime("1906-04-18 13:12:21.5")
	if !ok {
		t.Fatalf("expected ok")
	}
	want := time.Date(1906, 4, 18, 13, 12, 21, 500_000_000, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestParseTimeUnix(t *testing.T) {
	ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).Unix()
	got, ok := ParseTime(strconv.FormatInt(ts, 10))
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Unix() != ts {
		t.Fatalf("unexpected unix %v", got.Unix())
	}
}

func TestDateRangeInclusive(t *testing.T) {
	from := time.Date(2020, 2, 27, 18, 0, 0, 0, time.UTC)
	to := time.Date(2020, 3, 1, 1, 0, 0, 0, time.UTC)
	got := DateRange(from, to)
	if len(got) != 4 {
		t.Fatalf("expected 4 dates across leap day, got %d", len(got))
	}
	if !got[2].Equal(time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected leap day %v", got[2])
	}
	if DaysBetween(from, to) != 3 {
		t.Fatalf("unexpected days between")
	}
}
