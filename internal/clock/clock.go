package clock

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source used for leases, run_at and audit timestamps.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set pins the clock at t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

// IDGenerator produces job identifiers.
type IDGenerator interface {
	NewID() string
}

// UUIDs generates random (v4) UUID strings.
type UUIDs struct{}

func (UUIDs) NewID() string { return uuid.New().String() }

// Sequence is a deterministic generator for tests: prefix-1, prefix-2, ...
type Sequence struct {
	mu     sync.Mutex
	Prefix string
	n      int
}

func (s *Sequence) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.Prefix + "-" + strconv.Itoa(s.n)
}
