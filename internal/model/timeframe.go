package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownTimeframe is returned when a timeframe label is not supported.
var ErrUnknownTimeframe = errors.New("unknown timeframe")

// Timeframe is a candle interval label.
type Timeframe string

const (
	Timeframe1s  Timeframe = "1s"
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1s:  time.Second,
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// AllTimeframes lists every supported timeframe from shortest to longest.
var AllTimeframes = []Timeframe{
	Timeframe1s, Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d,
}

// ParseTimeframe converts a label such as "5m" into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.TrimSpace(s))
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// ParseTimeframes parses a list of labels, failing on the first unknown one.
func ParseTimeframes(labels []string) ([]Timeframe, error) {
	out := make([]Timeframe, 0, len(labels))
	for _, l := range labels {
		tf, err := ParseTimeframe(l)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

// Valid reports whether tf is a supported timeframe.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the bucket length, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

func (tf Timeframe) String() string {
	return string(tf)
}

// BucketStart returns the start of the bucket containing t.
//
// Buckets are aligned to the Unix epoch in UTC, so a 1h bucket always starts
// on the hour and a 1d bucket at UTC midnight.
func (tf Timeframe) BucketStart(t time.Time) time.Time {
	period := tf.Duration().Milliseconds()
	if period <= 0 {
		return t
	}
	ms := t.UnixMilli()
	rem := ms % period
	if rem < 0 {
		rem += period
	}
	return time.UnixMilli(ms - rem).UTC()
}

// BucketEnd returns the exclusive end of the bucket containing t.
func (tf Timeframe) BucketEnd(t time.Time) time.Time {
	return tf.BucketStart(t).Add(tf.Duration())
}
