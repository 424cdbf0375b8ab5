package vdev

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/vdevcache"
	"github.com/deploymenttheory/go-zpool/internal/vdevqueue"
	"github.com/deploymenttheory/go-zpool/internal/zio"
)

// defaultAshift is used for leaves whose configuration names none.
const defaultAshift = 9

// blockStore is the backing of a disk or file leaf.
type blockStore interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// openStore opens the backing of a leaf and returns its physical size.
// Block devices report no size through stat, so disks are sized by seeking
// to their end.
func openStore(kind Kind, path string) (blockStore, uint64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, 0, err
	}
	var size int64
	switch kind {
	case KindFile:
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		if !fi.Mode().IsRegular() {
			f.Close()
			return nil, 0, fmt.Errorf("%s is not a regular file", path)
		}
		size = fi.Size()
	default:
		size, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, 0, err
		}
	}
	return f, uint64(size), nil
}

// usableSize is the part of a leaf left for data after the label regions.
func usableSize(psize uint64) uint64 {
	if psize < types.LabelStartSize+types.LabelEndSize {
		return 0
	}
	return psize - types.LabelStartSize - types.LabelEndSize
}

// leafOpen opens the backing device and sets up its scheduler and cache.
func (vd *Vdev) leafOpen() (uint64, uint64, error) {
	if vd.Kind == KindMissing {
		return vd.Asize, vd.Ashift, fmt.Errorf("%w: %s is missing", ErrCantOpen, vd)
	}
	if vd.IsOffline() {
		return 0, 0, fmt.Errorf("%w: %s is offline", ErrCantOpen, vd)
	}
	store, psize, err := openStore(vd.Kind, vd.Path)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrCantOpen, err)
	}
	if psize < types.SpaMinDevSize {
		store.Close()
		return 0, 0, fmt.Errorf("%w: %s is %d bytes, minimum is %d", ErrCantOpen, vd, psize, types.SpaMinDevSize)
	}

	vd.store = store
	vd.Psize = psize
	vd.queue = vdevqueue.New(vd.tree.queueCfg)
	vd.cache = vdevcache.New(vd.tree.cacheCfg, psize, vd.enqueue)

	ashift := vd.Ashift
	if ashift == 0 {
		ashift = defaultAshift
	}
	return usableSize(psize), ashift, nil
}

func (vd *Vdev) leafClose() {
	if vd.store == nil {
		return
	}
	vd.Drain()
	vd.cache.Purge()
	if err := vd.store.Close(); err != nil {
		vd.log.WithError(err).Warn("close device")
	}
	vd.store = nil
}

// faulted reports whether injection fails z, disarming one-shot faults.
func (vd *Vdev) faulted(z *zio.Zio) bool {
	vd.faultMu.Lock()
	defer vd.faultMu.Unlock()
	f := &vd.fault
	if f.Mode == FaultNone || f.Mask&(1<<z.Type) == 0 || z.Offset < f.Arg {
		return false
	}
	if f.Mode == FaultOnce {
		f.Mode = FaultNone
	}
	return true
}

// leafStart issues z against the device. Logical offsets are shifted past
// the front labels; physical ones are used as is.
func (vd *Vdev) leafStart(z *zio.Zio) {
	if vd.store == nil || vd.State() < types.VdevStateDegraded {
		err := fmt.Errorf("%w: %s is %s", ErrCantOpen, vd, vd.State())
		vd.async(func() { z.Done(err) })
		return
	}
	if z.Type == zio.Flush {
		if vd.faulted(z) {
			err := fmt.Errorf("%w: %s on %s", ErrInjected, z, vd)
			vd.async(func() { z.Done(err) })
			return
		}
		vd.async(func() { z.Done(vd.store.Sync()) })
		return
	}

	limit, off := vd.Psize, z.Offset
	if !z.Has(zio.FlagPhysical) {
		limit -= types.LabelEndSize
		off += types.LabelStartSize
	}
	if off+z.Size() > limit {
		err := fmt.Errorf("%w: %s beyond end of %s", ErrCorrupt, z, vd)
		vd.async(func() { z.Done(err) })
		return
	}
	pz := z
	if !z.Has(zio.FlagPhysical) {
		pz = z.Clone(off, z.Data)
		pz.Flags |= zio.FlagPhysical
		pz.OnDone(vd.leafDone)
		pz.OnDone(func(pz *zio.Zio) { z.Done(pz.Err()) })
	} else {
		pz.OnDone(vd.leafDone)
	}

	if vd.faulted(pz) {
		err := fmt.Errorf("%w: %s on %s", ErrInjected, pz, vd)
		vd.async(func() { pz.Done(err) })
		return
	}
	if pz.Type == zio.Read && vd.cache.Read(pz) {
		return
	}
	if pz.Has(zio.FlagDontQueue) {
		vd.async(func() { pz.Done(vd.physio(pz)) })
		return
	}
	vd.enqueue(pz)
}

// leafDone keeps the cache coherent with a finished physical I/O and
// accounts it.
func (vd *Vdev) leafDone(pz *zio.Zio) {
	err := pz.Err()
	switch pz.Type {
	case zio.Read:
		vd.Stats.ReadOps.Add(1)
		vd.Stats.ReadBytes.Add(pz.Size())
		if err != nil {
			vd.Stats.ReadErrors.Add(1)
		}
	case zio.Write:
		vd.Stats.WriteOps.Add(1)
		vd.Stats.WriteBytes.Add(pz.Size())
		if err != nil {
			vd.Stats.WriteErrors.Add(1)
			vd.cache.Invalidate(pz.Offset, pz.Size())
		} else {
			vd.cache.Write(pz)
		}
	}
}

func (vd *Vdev) enqueue(pz *zio.Zio) {
	vd.queue.Enqueue(pz)
	vd.pump()
}

// pump dispatches queued I/O until the scheduler's window is full.
func (vd *Vdev) pump() {
	for {
		z := vd.queue.DispatchNext()
		if z == nil {
			return
		}
		vd.async(func() {
			err := vd.physio(z)
			vd.queue.Complete(z)
			if z.Has(zio.FlagAggregate) {
				vdevqueue.Distribute(z, err)
			} else {
				z.Done(err)
			}
			vd.pump()
		})
	}
}

// async runs fn on its own goroutine, counted as I/O in flight so that
// Drain, and a reopen after it, wait for the completion work that follows
// z.Done.
func (vd *Vdev) async(fn func()) {
	vd.ioEnter()
	go func() {
		defer vd.ioExit()
		fn()
	}()
}

// physio performs the transfer.
func (vd *Vdev) physio(z *zio.Zio) error {
	var err error
	switch z.Type {
	case zio.Read:
		_, err = vd.store.ReadAt(z.Data, int64(z.Offset))
	case zio.Write:
		_, err = vd.store.WriteAt(z.Data, int64(z.Offset))
	}
	if err != nil {
		err = fmt.Errorf("%s on %s: %w", z, vd, err)
	}
	return err
}

// Offline takes a leaf out of service. It fails if the pool would lose
// access to data.
func (vd *Vdev) Offline(ctx context.Context) error {
	if !vd.IsLeaf() {
		return ErrNotLeaf
	}
	top := vd.Top()
	vd.offline.Store(true)
	vd.Close()
	vd.setState(types.VdevStateOffline)
	vd.PropagateState()
	if top.State() < types.VdevStateDegraded {
		vd.offline.Store(false)
		_ = vd.Reopen(ctx)
		return fmt.Errorf("%w: offlining %s", ErrNoReplicas, vd)
	}
	return nil
}

// Online brings an offline leaf back.
func (vd *Vdev) Online(ctx context.Context) error {
	if !vd.IsLeaf() {
		return ErrNotLeaf
	}
	vd.offline.Store(false)
	return vd.Reopen(ctx)
}

// Reopen closes and reopens vd and propagates its new state.
func (vd *Vdev) Reopen(ctx context.Context) error {
	vd.Close()
	err := vd.Open(ctx)
	vd.PropagateState()
	return err
}
