package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// WireTimeLayout is the "YYYY-MM-DD HH:MM:SS" form the server emits.
const WireTimeLayout = "2006-01-02 15:04:05"

var ErrMalformedTimestamp = errors.New("malformed timestamp")

// Zone-less ISO forms, tried after the space separator became a "T".
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Forms carrying their own zone, tried on the raw input.
var zonedLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
}

// ParseTimestamp parses s as an ISO 8601 timestamp, reading the
// "YYYY-MM-DD HH:MM:SS" form as if its space were a "T". Zone-less values
// are interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrMalformedTimestamp)
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	iso := strings.Replace(s, " ", "T", 1)
	if t, err := time.Parse(time.RFC3339Nano, iso); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, iso, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
}

// NormalizeTimestamp converts a raw created_at value (string or epoch
// milliseconds) to a time. A missing value yields now. An unparseable value
// yields now together with an error wrapping ErrMalformedTimestamp, so the
// caller can log it and carry on.
func NormalizeTimestamp(raw json.RawMessage, loc *time.Location, now time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return now, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
		}
		t, err := ParseTimestamp(s, loc)
		if err != nil {
			return now, err
		}
		return t, nil
	}

	ms, ok := epochMillis(string(raw))
	if !ok {
		return now, fmt.Errorf("%w: %s", ErrMalformedTimestamp, raw)
	}
	return time.UnixMilli(ms), nil
}

// maxEpochMillis bounds numeric timestamps to ±100,000,000 days around the
// epoch, the range a browser Date can hold.
const maxEpochMillis = 8_640_000_000_000_000

func epochMillis(s string) (int64, bool) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || math.IsNaN(f) || math.Abs(f) > maxEpochMillis {
			return 0, false
		}
		ms = int64(f)
	}
	if ms > maxEpochMillis || ms < -maxEpochMillis {
		return 0, false
	}
	return ms, true
}
