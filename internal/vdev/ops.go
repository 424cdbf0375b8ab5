package vdev

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/zio"
)

// Open opens the subtree rooted at vd. Interior vdevs open their children
// concurrently and derive their state from them; an error is returned only
// when vd cannot serve I/O at all.
func (vd *Vdev) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var (
		osize, ashift uint64
		err           error
	)
	if vd.IsLeaf() {
		osize, ashift, err = vd.leafOpen()
	} else {
		osize, ashift, err = vd.interiorOpen(ctx)
	}
	if err != nil {
		if vd.IsOffline() {
			vd.setState(types.VdevStateOffline)
		} else {
			vd.setState(types.VdevStateCantOpen)
		}
		if vd.IsLeaf() {
			vd.log.WithError(err).Warn("open failed")
		}
		return err
	}
	if vd.IsLeaf() {
		vd.setState(types.VdevStateHealthy)
	}
	if vd.Ashift < ashift {
		vd.Ashift = ashift
	}
	if vd.IsRoot() {
		return nil
	}

	osize &^= (1 << vd.Ashift) - 1
	if !vd.IsTop() {
		vd.Asize = osize
		return nil
	}
	switch {
	case vd.Asize == 0:
		vd.Asize = osize
	case osize < vd.Asize:
		vd.setState(types.VdevStateCantOpen)
		return fmt.Errorf("%w: %s shrank from %d to %d bytes", ErrCantOpen, vd, vd.Asize, osize)
	}
	if vd.MetaslabShift == 0 {
		vd.MetaslabShift, vd.MetaslabCount = metaslabGeometry(vd.Asize)
	} else {
		vd.MetaslabCount = vd.Asize >> vd.MetaslabShift
	}
	return nil
}

// interiorOpen opens every child and sizes vd from the ones that opened.
func (vd *Vdev) interiorOpen(ctx context.Context) (uint64, uint64, error) {
	kids := vd.Children()
	errs := make([]error, len(kids))
	var g errgroup.Group
	for i, c := range kids {
		g.Go(func() error {
			errs[i] = c.Open(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var (
		minAsize uint64 = math.MaxUint64
		ashift   uint64
		opened   int
		lastErr  error
	)
	for i, c := range kids {
		if errs[i] != nil {
			lastErr = errs[i]
			continue
		}
		opened++
		minAsize = min(minAsize, c.Asize)
		ashift = max(ashift, c.Ashift)
	}
	vd.childStateChange()

	if vd.State() < types.VdevStateDegraded {
		if lastErr == nil {
			lastErr = fmt.Errorf("no children")
		}
		return 0, 0, fmt.Errorf("%w: %s: %v", ErrNoReplicas, vd, lastErr)
	}
	if opened == 0 {
		return 0, 0, nil
	}
	switch vd.Kind {
	case KindRaidz:
		return minAsize * uint64(len(kids)), ashift, nil
	case KindRoot:
		return 0, 0, nil
	}
	return minAsize, ashift, nil
}

// Close closes the subtree rooted at vd.
func (vd *Vdev) Close() {
	for _, c := range vd.Children() {
		c.Close()
	}
	if vd.IsLeaf() {
		vd.leafClose()
	}
	vd.setState(types.VdevStateClosed)
}

// AllocatableSize returns the bytes a block of psize occupies on vd once
// redundancy and alignment are accounted for.
func (vd *Vdev) AllocatableSize(psize uint64) uint64 {
	sector := uint64(1) << vd.Ashift
	if vd.Kind != KindRaidz {
		return (psize + sector - 1) &^ (sector - 1)
	}
	n := uint64(len(vd.children))
	sectors := (psize + sector - 1) >> vd.Ashift
	rows := (sectors + n - 2) / (n - 1)
	return rows * n << vd.Ashift
}

// stateChange sets an interior vdev's state from the number of faulted and
// degraded children.
func (vd *Vdev) stateChange(faulted, degraded int) {
	n := len(vd.Children())
	var s types.VdevState
	switch vd.Kind {
	case KindMirror, KindReplacing:
		switch {
		case faulted == n:
			s = types.VdevStateCantOpen
		case faulted+degraded > 0:
			s = types.VdevStateDegraded
		default:
			s = types.VdevStateHealthy
		}
	case KindRaidz:
		switch {
		case faulted > 1:
			s = types.VdevStateCantOpen
		case faulted+degraded > 0:
			s = types.VdevStateDegraded
		default:
			s = types.VdevStateHealthy
		}
	case KindRoot:
		switch {
		case faulted > 0 || n == 0:
			s = types.VdevStateCantOpen
		case degraded > 0:
			s = types.VdevStateDegraded
		default:
			s = types.VdevStateHealthy
		}
	default:
		return
	}
	vd.setState(s)
}

// childStateChange recounts the children of vd and updates its state.
func (vd *Vdev) childStateChange() {
	var faulted, degraded int
	for _, c := range vd.Children() {
		switch s := c.State(); {
		case s < types.VdevStateDegraded:
			faulted++
		case s == types.VdevStateDegraded:
			degraded++
		}
	}
	vd.stateChange(faulted, degraded)
}

// PropagateState pushes a change of vd's state up to the root.
func (vd *Vdev) PropagateState() {
	for p := vd.Parent(); p != nil; p = p.Parent() {
		p.childStateChange()
	}
}

// IOStart issues z against vd. Completion is signalled through z.
func (vd *Vdev) IOStart(z *zio.Zio) {
	vd.ioEnter()
	z.OnDone(func(*zio.Zio) { vd.ioExit() })

	switch vd.Kind {
	case KindDisk, KindFile:
		vd.leafStart(z)
	case KindMissing:
		go z.Done(fmt.Errorf("%w: %s is missing", ErrCantOpen, vd))
	case KindMirror, KindReplacing:
		vd.mirrorStart(z)
	case KindRaidz:
		vd.raidzStart(z)
	case KindRoot:
		vd.rootStart(z)
	}
}

// ioMap tracks the child I/Os an interior vdev fanned a request out to.
type ioMap struct {
	z       *zio.Zio
	targets []*Vdev
	kids    []*zio.Zio
	errs    []error

	mu      sync.Mutex
	pending int

	// raidz geometry
	parity  int
	colSize uint64
}

// fanOut issues kids[i] to targets[i] and calls ioDone once all complete.
func (vd *Vdev) fanOut(m *ioMap) {
	m.errs = make([]error, len(m.kids))
	m.pending = len(m.kids)
	if m.pending == 0 {
		vd.ioDone(m)
		return
	}
	for i, kz := range m.kids {
		kz.OnDone(func(kz *zio.Zio) {
			m.mu.Lock()
			m.errs[i] = kz.Err()
			m.pending--
			last := m.pending == 0
			m.mu.Unlock()
			if last {
				vd.ioDone(m)
			}
		})
	}
	for i, kz := range m.kids {
		m.targets[i].IOStart(kz)
	}
}

// ioDone completes a fanned-out request once all its children have.
func (vd *Vdev) ioDone(m *ioMap) {
	switch vd.Kind {
	case KindRaidz:
		vd.raidzDone(m)
	default:
		vd.anyDone(m)
	}
}

// anyDone succeeds if any child succeeded. Leaves that missed a write are
// recorded in their DTL.
func (vd *Vdev) anyDone(m *ioMap) {
	var firstErr error
	ok := false
	for i, err := range m.errs {
		if err == nil {
			ok = true
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if m.z.Type == zio.Write && m.z.Txg != 0 {
			m.targets[i].missedWrite(m.z.Txg)
		}
	}
	if ok || len(m.errs) == 0 {
		m.z.Done(nil)
		return
	}
	m.z.Done(fmt.Errorf("%w: %s: %v", ErrNoReplicas, vd, firstErr))
}

// missedWrite records txg t as missing on every leaf under vd.
func (vd *Vdev) missedWrite(t uint64) {
	for _, leaf := range vd.Leaves() {
		leaf.DTLAdd(t, t+1, t)
	}
}

// rootStart handles I/O addressed to the whole pool. Only flushes are
// meaningful; they go to every top-level vdev.
func (vd *Vdev) rootStart(z *zio.Zio) {
	if z.Type != zio.Flush {
		go z.Done(fmt.Errorf("vdev: %s addressed to the root", z))
		return
	}
	m := &ioMap{z: z}
	for _, c := range vd.Children() {
		m.targets = append(m.targets, c)
		m.kids = append(m.kids, z.Clone(0, nil))
	}
	vd.fanOut(m)
}
