package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// FlexTime accepts either an RFC 3339 string or epoch milliseconds on input.
// Collectors send both: event timestamps as ISO strings, span and usage
// timestamps as Date.now() numbers. A null or absent value is the zero time.
type FlexTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return fmt.Errorf("invalid timestamp %s", data)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// MarshalJSON writes the zero time as null and anything else as RFC 3339.
func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Millis returns the instant as epoch milliseconds, or fallback when unset.
func (t FlexTime) Millis(fallback int64) int64 {
	if t.IsZero() {
		return fallback
	}
	return t.UnixMilli()
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
