package metrics

import (
	"sync"
	"sync/atomic"
)

// Recorder counts engine outcomes. One instance is constructed per process
// and passed to the components that need it; there is no package-level
// singleton.
type Recorder interface {
	IncReceived(eventType string)
	IncProcessed()
	IncSkipped()
	IncFailed()
	IncDeadLettered(eventType string)
	IncDealsCreated()
}

// Counters is the in-memory Recorder used in production and tests.
// Kept simple/thread-safe for use from the consumer loop and exposition.
type Counters struct {
	processed    uint64
	skipped      uint64
	failed       uint64
	dealsCreated uint64

	mu           sync.Mutex
	receivedBy   map[string]uint64
	deadLetterBy map[string]uint64
}

func NewCounters() *Counters {
	return &Counters{
		receivedBy:   make(map[string]uint64),
		deadLetterBy: make(map[string]uint64),
	}
}

func (c *Counters) IncReceived(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	c.mu.Lock()
	c.receivedBy[eventType]++
	c.mu.Unlock()
}

func (c *Counters) IncProcessed() { atomic.AddUint64(&c.processed, 1) }
func (c *Counters) IncSkipped()   { atomic.AddUint64(&c.skipped, 1) }
func (c *Counters) IncFailed()    { atomic.AddUint64(&c.failed, 1) }

func (c *Counters) IncDeadLettered(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	c.mu.Lock()
	c.deadLetterBy[eventType]++
	c.mu.Unlock()
}

func (c *Counters) IncDealsCreated() { atomic.AddUint64(&c.dealsCreated, 1) }

// Snapshot is a point-in-time copy of all counters for exposition.
type Snapshot struct {
	ReceivedByType map[string]uint64 `json:"received_by_type"`
	Processed      uint64            `json:"processed"`
	Skipped        uint64            `json:"skipped"`
	Failed         uint64            `json:"failed"`
	DeadLetteredBy map[string]uint64 `json:"dead_lettered_by_type"`
	DealsCreated   uint64            `json:"deals_created"`
}

func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Processed:    atomic.LoadUint64(&c.processed),
		Skipped:      atomic.LoadUint64(&c.skipped),
		Failed:       atomic.LoadUint64(&c.failed),
		DealsCreated: atomic.LoadUint64(&c.dealsCreated),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s.ReceivedByType = make(map[string]uint64, len(c.receivedBy))
	for k, v := range c.receivedBy {
		s.ReceivedByType[k] = v
	}
	s.DeadLetteredBy = make(map[string]uint64, len(c.deadLetterBy))
	for k, v := range c.deadLetterBy {
		s.DeadLetteredBy[k] = v
	}
	return s
}
