// Package clock provides the time and identifier seam every component
// takes instead of calling time.Now/uuid.New directly, so tests can freeze
// time and assert on deterministic sequences.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the narrow interface components depend on.
type Clock interface {
	Now() time.Time
	NewID() string
}

// System is the production Clock backed by the wall clock and uuid v4.
type System struct{}

// New returns the production Clock.
func New() System { return System{} }

func (System) Now() time.Time { return time.Now().UTC() }

func (System) NewID() string { return uuid.New().String() }

// Fixed is a deterministic Clock for tests: Now() advances by Step on every
// call starting from Start, and NewID() returns successive IDs from a
// caller-supplied list (or a counter-derived UUID if the list is exhausted).
type Fixed struct {
	Start time.Time
	Step  time.Duration
	IDs   []string

	calls int
	idx   int
}

func (f *Fixed) Now() time.Time {
	t := f.Start.Add(time.Duration(f.calls) * f.Step)
	f.calls++
	return t
}

func (f *Fixed) NewID() string {
	if f.idx < len(f.IDs) {
		id := f.IDs[f.idx]
		f.idx++
		return id
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(f.idx)}).String()
	f.idx++
	return id
}
