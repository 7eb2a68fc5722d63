// Package system provides the wall clock used for lock stamps and archive times.
package system

import "time"

// Clock implements archiver.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, truncated to milliseconds so values
// survive the unix-ms encoding used in Redis scores and lock stamps.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
