// Package utctime provides a time.Time wrapper serialized
// in the UTC timezone and a fixed format with millisecond precision,
// so persisted timestamps are stable across hosts and backends.
package utctime

import (
	"time"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
)

const TimeFormat = "2006-01-02T15:04:05.000Z"

type UTCTime time.Time

func From(t time.Time) UTCTime {
	return UTCTime(t.UTC().Truncate(time.Millisecond))
}

func MustParse(s string) UTCTime {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func Parse(s string) (UTCTime, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return UTCTime{}, errors.Errorf(`cannot parse UTC time "%s": %w`, s, err)
	}
	return From(t), nil
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func (v UTCTime) IsZero() bool {
	return v.Time().IsZero()
}

func (v UTCTime) Time() time.Time {
	return time.Time(v)
}

func (v UTCTime) After(target UTCTime) bool {
	return v.Time().After(target.Time())
}

func (v UTCTime) Add(d time.Duration) UTCTime {
	return From(v.Time().Add(d))
}

func (v UTCTime) Sub(target UTCTime) time.Duration {
	return v.Time().Sub(target.Time())
}

func (v UTCTime) String() string {
	return FormatTime(v.Time())
}

func (v UTCTime) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *UTCTime) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
