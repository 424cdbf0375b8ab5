// Package vdevqueue schedules I/O against a single leaf device.
//
// Requests are ordered by deadline. When a request is dispatched, queued
// requests in the same direction that are byte-contiguous with it are merged
// into one physical I/O, as long as the merged span stays within the
// aggregation limit. The number of requests allowed in flight ramps between
// a floor and a ceiling based on observed completion latency.
package vdevqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/deploymenttheory/go-zpool/internal/zio"
)

// Config holds scheduler tunables.
type Config struct {
	MinPending    int           `mapstructure:"min_pending"`
	MaxPending    int           `mapstructure:"max_pending"`
	AggLimit      uint64        `mapstructure:"agg_limit"`
	ReadShift     time.Duration `mapstructure:"read_shift"`
	WriteShift    time.Duration `mapstructure:"write_shift"`
	RampRate      int           `mapstructure:"ramp_rate"`
	TargetLatency time.Duration `mapstructure:"target_latency"`
}

// DefaultConfig returns recommended scheduler tunables.
func DefaultConfig() Config {
	return Config{
		MinPending:    4,
		MaxPending:    35,
		AggLimit:      128 << 10,
		ReadShift:     10 * time.Millisecond,
		WriteShift:    40 * time.Millisecond,
		RampRate:      2,
		TargetLatency: 20 * time.Millisecond,
	}
}

// Validate checks the tunables for consistency.
func (c Config) Validate() error {
	if c.MinPending <= 0 {
		return fmt.Errorf("min_pending must be positive, got %d", c.MinPending)
	}
	if c.MaxPending < c.MinPending {
		return fmt.Errorf("max_pending (%d) is below min_pending (%d)", c.MaxPending, c.MinPending)
	}
	if c.AggLimit == 0 {
		return fmt.Errorf("agg_limit must be positive")
	}
	if c.ReadShift > c.WriteShift {
		return fmt.Errorf("read_shift (%v) must not exceed write_shift (%v)", c.ReadShift, c.WriteShift)
	}
	return nil
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Queued     int
	Pending    int
	MaxPending int
	Enqueued   uint64
	Dispatched uint64
	Aggregated uint64
	Completed  uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is a per-leaf deadline scheduler. All index mutations happen under
// the queue's own lock; there is no lock shared between devices.
type Queue struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	deadline   *btree.BTreeG[*zio.Zio]
	read       *btree.BTreeG[*zio.Zio]
	write      *btree.BTreeG[*zio.Zio]
	pending    *btree.BTreeG[*zio.Zio]
	maxPending int
	seq        uint64
	stats      Stats
}

func deadlineLess(a, b *zio.Zio) bool {
	if !a.Deadline.Equal(b.Deadline) {
		return a.Deadline.Before(b.Deadline)
	}
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.Seq < b.Seq
}

func offsetLess(a, b *zio.Zio) bool {
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.Seq < b.Seq
}

// New returns an empty queue. Zero-valued fields of cfg take defaults.
func New(cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MinPending <= 0 {
		cfg.MinPending = def.MinPending
	}
	if cfg.MaxPending < cfg.MinPending {
		cfg.MaxPending = max(def.MaxPending, cfg.MinPending)
	}
	if cfg.AggLimit == 0 {
		cfg.AggLimit = def.AggLimit
	}
	if cfg.RampRate <= 0 {
		cfg.RampRate = def.RampRate
	}
	if cfg.TargetLatency <= 0 {
		cfg.TargetLatency = def.TargetLatency
	}

	q := &Queue{
		cfg:        cfg,
		now:        time.Now,
		deadline:   btree.NewG[*zio.Zio](16, deadlineLess),
		read:       btree.NewG[*zio.Zio](16, offsetLess),
		write:      btree.NewG[*zio.Zio](16, offsetLess),
		pending:    btree.NewG[*zio.Zio](16, offsetLess),
		maxPending: cfg.MinPending,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) typeTree(t zio.Type) *btree.BTreeG[*zio.Zio] {
	if t == zio.Read {
		return q.read
	}
	return q.write
}

func (q *Queue) shift(t zio.Type) time.Duration {
	if t == zio.Read {
		return q.cfg.ReadShift
	}
	return q.cfg.WriteShift
}

// Enqueue admits z, stamping its deadline from the admission time.
func (q *Queue) Enqueue(z *zio.Zio) {
	if z.Type != zio.Read && z.Type != zio.Write {
		panic(fmt.Sprintf("vdevqueue: cannot queue %s", z))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	z.Seq = q.seq
	z.Timestamp = q.now()
	z.Deadline = z.Timestamp.Add(q.shift(z.Type))

	q.deadline.ReplaceOrInsert(z)
	q.typeTree(z.Type).ReplaceOrInsert(z)
	q.stats.Enqueued++
}

// DispatchNext returns the next I/O to issue, or nil when the queue is empty
// or the in-flight window is full. The returned I/O is either a queued
// request or an aggregate built from several; in both cases the requests it
// covers move to the pending index.
func (q *Queue) DispatchNext() *zio.Zio {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() >= q.maxPending {
		return nil
	}
	fio, ok := q.deadline.Min()
	if !ok {
		return nil
	}

	tree := q.typeTree(fio.Type)
	first, last := fio, fio

	// Walk backwards over contiguous predecessors.
	tree.DescendLessOrEqual(fio, func(z *zio.Zio) bool {
		if z == first {
			return true
		}
		if z.End() != first.Offset || last.End()-z.Offset > q.cfg.AggLimit {
			return false
		}
		first = z
		return true
	})
	// Then forwards over contiguous successors.
	tree.AscendGreaterOrEqual(fio, func(z *zio.Zio) bool {
		if z == last {
			return true
		}
		if z.Offset != last.End() || z.End()-first.Offset > q.cfg.AggLimit {
			return false
		}
		last = z
		return true
	})

	now := q.now()
	if first == last {
		q.moveToPending(fio, now)
		q.stats.Dispatched++
		return fio
	}

	var children []*zio.Zio
	tree.AscendRange(first, nextAfter(last), func(z *zio.Zio) bool {
		children = append(children, z)
		return true
	})

	agg := zio.New(fio.Type, first.Offset, make([]byte, last.End()-first.Offset), zio.FlagAggregate)
	agg.Txg = fio.Txg
	agg.Deadline = fio.Deadline
	agg.Timestamp = fio.Timestamp
	agg.Dispatched = now
	agg.Children = children
	for _, c := range children {
		if c.Type == zio.Write {
			copy(agg.Data[c.Offset-first.Offset:], c.Data)
		}
		q.moveToPending(c, now)
	}
	q.stats.Dispatched++
	q.stats.Aggregated += uint64(len(children))
	return agg
}

// nextAfter returns a probe that sorts immediately after z in offset order.
func nextAfter(z *zio.Zio) *zio.Zio {
	return &zio.Zio{Offset: z.Offset, Seq: z.Seq + 1}
}

func (q *Queue) moveToPending(z *zio.Zio, now time.Time) {
	q.deadline.Delete(z)
	q.typeTree(z.Type).Delete(z)
	z.Dispatched = now
	q.pending.ReplaceOrInsert(z)
}

// Complete retires a dispatched I/O (or every request of an aggregate) from
// the pending index and adjusts the in-flight window from its latency.
func (q *Queue) Complete(z *zio.Zio) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if z.Has(zio.FlagAggregate) {
		for _, c := range z.Children {
			q.pending.Delete(c)
		}
	} else {
		q.pending.Delete(z)
	}
	q.stats.Completed++

	latency := q.now().Sub(z.Dispatched)
	if latency <= q.cfg.TargetLatency {
		q.maxPending = min(q.maxPending+q.cfg.RampRate, q.cfg.MaxPending)
	} else {
		q.maxPending = max(q.maxPending-q.cfg.RampRate, q.cfg.MinPending)
	}
}

// Distribute completes the requests covered by a finished aggregate,
// copying read data back into each one.
func Distribute(agg *zio.Zio, err error) {
	for _, c := range agg.Children {
		if err == nil && c.Type == zio.Read {
			copy(c.Data, agg.Data[c.Offset-agg.Offset:])
		}
		c.Done(err)
	}
}

// Len returns the number of queued, not yet dispatched, requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deadline.Len()
}

// Pending returns the number of dispatched, not yet completed, requests.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// MaxPending returns the current in-flight window.
func (q *Queue) MaxPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxPending
}

// Stats returns a snapshot of the scheduler counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Queued = q.deadline.Len()
	s.Pending = q.pending.Len()
	s.MaxPending = q.maxPending
	return s
}
