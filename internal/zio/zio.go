// Package zio defines the I/O request that travels through the vdev tree.
package zio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Type is the direction of an I/O.
type Type int

const (
	// Read fills Data from the device.
	Read Type = iota
	// Write stores Data on the device.
	Write
	// Flush asks the device to make earlier writes durable.
	Flush
)

// String returns the short name of the I/O type.
func (t Type) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	case Flush:
		return "flush"
	}
	return "unknown"
}

// Flags modify how an I/O is routed.
type Flags uint32

const (
	// FlagPhysical marks an offset that is absolute on the leaf device,
	// used for label I/O. Other offsets skip the front label region.
	FlagPhysical Flags = 1 << iota
	// FlagDontCache bypasses the leaf read cache.
	FlagDontCache
	// FlagDontQueue bypasses the leaf scheduler.
	FlagDontQueue
	// FlagAggregate marks an I/O built by the scheduler from several
	// adjacent requests.
	FlagAggregate
	// FlagCacheFill marks a read issued by the cache to fill an entry.
	FlagCacheFill
)

// Zio is a single I/O against a vdev. It completes exactly once.
type Zio struct {
	Type   Type
	Offset uint64
	Data   []byte
	Flags  Flags
	Txg    uint64

	// Verify, when set, checks the data of a completed read. Redundant
	// vdevs treat a verify failure like an I/O error on that child and
	// try another copy.
	Verify func([]byte) error

	// Scheduler bookkeeping, owned by the leaf queue.
	Timestamp  time.Time
	Deadline   time.Time
	Dispatched time.Time
	Seq        uint64

	// Children are the requests merged into an aggregate I/O.
	Children []*Zio

	mu        sync.Mutex
	err       error
	finished  bool
	done      chan struct{}
	callbacks []func(*Zio)
}

// New returns an I/O of type t covering data at offset.
func New(t Type, offset uint64, data []byte, flags Flags) *Zio {
	return &Zio{
		Type:   t,
		Offset: offset,
		Data:   data,
		Flags:  flags,
		done:   make(chan struct{}),
	}
}

// Size returns the length of the I/O in bytes.
func (z *Zio) Size() uint64 {
	return uint64(len(z.Data))
}

// End returns the first offset past the I/O.
func (z *Zio) End() uint64 {
	return z.Offset + z.Size()
}

// Has reports whether all of f is set.
func (z *Zio) Has(f Flags) bool {
	return z.Flags&f == f
}

// OnDone registers fn to run when the I/O completes. If it already has,
// fn runs immediately on the calling goroutine.
func (z *Zio) OnDone(fn func(*Zio)) {
	z.mu.Lock()
	if z.finished {
		z.mu.Unlock()
		fn(z)
		return
	}
	z.callbacks = append(z.callbacks, fn)
	z.mu.Unlock()
}

// Done completes the I/O with err, runs the registered callbacks in order
// and wakes waiters. Completing an I/O twice panics.
func (z *Zio) Done(err error) {
	z.mu.Lock()
	if z.finished {
		z.mu.Unlock()
		panic(fmt.Sprintf("zio: %s completed twice", z))
	}
	z.finished = true
	z.err = err
	cbs := z.callbacks
	z.callbacks = nil
	z.mu.Unlock()

	for _, fn := range cbs {
		fn(z)
	}
	close(z.done)
}

// Err returns the completion error, or nil while the I/O is in flight.
func (z *Zio) Err() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.err
}

// Finished reports whether the I/O has completed.
func (z *Zio) Finished() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.finished
}

// Wait blocks until the I/O completes or ctx is cancelled. Cancelling the
// wait does not cancel the I/O.
func (z *Zio) Wait(ctx context.Context) error {
	select {
	case <-z.done:
		return z.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoneCh is closed once the I/O completes.
func (z *Zio) DoneCh() <-chan struct{} {
	return z.done
}

// String renders the I/O for logs.
func (z *Zio) String() string {
	return fmt.Sprintf("%s off=%#x size=%#x", z.Type, z.Offset, z.Size())
}

// Clone returns a fresh child I/O with the same type, flags and txg,
// addressed at offset and covering data.
func (z *Zio) Clone(offset uint64, data []byte) *Zio {
	c := New(z.Type, offset, data, z.Flags&^(FlagAggregate|FlagCacheFill))
	c.Txg = z.Txg
	return c
}
