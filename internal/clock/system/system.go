// Package system provides the wall clock used for page, ban and submission timestamps.
package system

import "time"

// Clock implements crawler.Clock using time.Now truncated to microseconds,
// the precision Postgres keeps for timestamptz.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
