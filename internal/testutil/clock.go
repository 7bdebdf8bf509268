package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FixedTime is the starting point of every fake clock: 2024-01-15 10:30:00 UTC.
var FixedTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// FixedClock returns a fake clock set to FixedTime.
func FixedClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(FixedTime)
}

// StubIDGenerator returns sequential IDs: "id-1", "id-2", etc.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("id-%d", g.counter)
}
