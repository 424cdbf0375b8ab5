package spa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-zpool/internal/dsl"
	"github.com/deploymenttheory/go-zpool/internal/objset"
	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/vdev"
	"github.com/deploymenttheory/go-zpool/internal/zio"
)

// OpenTxg returns the txg currently accepting changes.
func (p *Pool) OpenTxg() uint64 {
	p.holds.RLock()
	defer p.holds.RUnlock()
	return p.openTxg
}

// SyncedTxg returns the last txg that was synced.
func (p *Pool) SyncedTxg() uint64 { return p.syncedTxg.Load() }

// Assign returns the open txg and keeps it from closing until release is
// called. Changes made under one assignment all land in the same txg.
func (p *Pool) Assign() (tx uint64, release func()) {
	p.holds.RLock()
	return p.openTxg, p.holds.RUnlock
}

// SyncTxg closes the open txg, waits for its holders and syncs it. A txg
// that changed nothing publishes no uberblock.
func (p *Pool) SyncTxg(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	if p.suspended != nil {
		return fmt.Errorf("%w: %v", ErrSuspended, p.suspended)
	}
	return p.quiesceAndSync(ctx)
}

// SyncUntil syncs txgs until tx is synced.
func (p *Pool) SyncUntil(ctx context.Context, tx uint64) error {
	for p.SyncedTxg() < tx {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.SyncTxg(ctx); err != nil {
			return err
		}
	}
	return nil
}

// quiesceAndSync closes the open txg and syncs it. Caller holds syncMu.
func (p *Pool) quiesceAndSync(ctx context.Context) error {
	p.holds.Lock()
	tx := p.openTxg
	p.openTxg++
	p.holds.Unlock()

	if err := p.syncTxg(ctx, tx); err != nil {
		p.suspended = err
		p.log.WithError(err).WithField("txg", tx).Error("txg sync failed, pool suspended")
		return err
	}
	return nil
}

// syncTxg writes out everything dirtied in tx and, if anything changed,
// publishes a new uberblock: all data and the MOS are flushed first, then
// the labels when the topology changed, then the uberblock.
func (p *Pool) syncTxg(ctx context.Context, tx uint64) error {
	log := p.log.WithField("txg", tx)
	start := time.Now()

	if err := p.dsl.Sync(ctx, tx, p.syncSpaceAndConfig); err != nil {
		return err
	}
	configDirty, tops := p.tree.SyncTxg(tx)
	defer func() {
		for _, top := range tops {
			top.SyncDone(tx)
		}
	}()
	configDirty = configDirty || p.configDirty

	p.rootMu.Lock()
	root, changed := p.pending, p.havePending
	if !changed {
		root = p.root
	}
	p.havePending = false
	p.rootMu.Unlock()

	if !changed && !configDirty {
		p.syncedTxg.Store(tx)
		p.dsl.PostSyncCleanup()
		return nil
	}

	if err := p.flush(ctx); err != nil {
		return fmt.Errorf("flush txg %d: %w", tx, err)
	}
	// The new config goes to the even labels only. The odd ones keep the
	// previous config until the uberblock that matches the new one is out.
	if configDirty {
		if err := p.tree.WriteLabelPair(ctx, p.name, tx, vdev.EvenLabels...); err != nil {
			return fmt.Errorf("write labels for txg %d: %w", tx, err)
		}
		log.Debug("even labels written")
	}

	ub := types.Uberblock{
		Magic:     types.UberblockMagic,
		Version:   types.UberblockVersion,
		Txg:       tx,
		GuidSum:   p.tree.Root().GuidSum,
		Timestamp: uint64(time.Now().Unix()),
		RootBP:    root,
	}
	if p.publish != nil {
		if err := p.publish(ctx, ub); err != nil {
			return fmt.Errorf("publish txg %d: %w", tx, err)
		}
	}
	if err := p.tree.WriteUberblock(ctx, ub); err != nil {
		return fmt.Errorf("write uberblock for txg %d: %w", tx, err)
	}

	p.rootMu.Lock()
	p.root, p.ub = root, ub
	p.rootMu.Unlock()
	p.configDirty = false
	if configDirty {
		if err := p.tree.WriteLabelPair(ctx, p.name, tx, vdev.OddLabels...); err != nil {
			log.WithError(err).Warn("odd labels not written, retrying next txg")
			p.configDirty = true
		}
	}
	p.syncedTxg.Store(tx)
	p.dsl.PostSyncCleanup()

	log.WithFields(logrus.Fields{
		"root":     root.String(),
		"elapsed":  time.Since(start),
		"topology": configDirty,
	}).Debug("txg published")
	return nil
}

// flush makes every write issued so far durable.
func (p *Pool) flush(ctx context.Context) error {
	z := zio.New(zio.Flush, 0, nil, 0)
	p.tree.Root().IOStart(z)
	return z.Wait(ctx)
}

func spaceKeys(id uint64) (frontier, allocated string) {
	return fmt.Sprintf("top.%d.frontier", id), fmt.Sprintf("top.%d.allocated", id)
}

// syncSpaceAndConfig records top-level space accounting and, when the
// topology changed, the vdev configuration in the MOS. Txgs that touched
// no vdev leave the MOS alone so an idle pool stays idle.
func (p *Pool) syncSpaceAndConfig(sc *dsl.SyncContext) error {
	tx := sc.Txg
	topology := p.configDirty
	for _, top := range p.tree.Root().Children() {
		f := top.DirtyFlags(tx)
		if f.Has(types.DirtyAdd) || f.Has(types.DirtyDTL) {
			topology = true
		}
	}
	if !p.tree.DirtyTxg(tx) && !topology {
		return nil
	}

	mos := p.dsl.MOS()
	spaceObj, err := lookupOrCreate(mos, objset.KeySpace, objset.TypeSpace, tx)
	if err != nil {
		return err
	}
	for _, top := range p.tree.Root().Children() {
		st := top.Space()
		alloc, free := top.PendingSpace(tx)
		fk, ak := spaceKeys(top.ID)
		if err := mos.Update(spaceObj, fk, st.Frontier, tx); err != nil {
			return err
		}
		if err := mos.Update(spaceObj, ak, st.Allocated+alloc-free, tx); err != nil {
			return err
		}
	}

	if !topology {
		return nil
	}
	doc, err := p.tree.Root().Config().Marshal()
	if err != nil {
		return err
	}
	cfgObj, err := lookupOrCreate(mos, objset.KeyConfig, objset.TypeConfig, tx)
	if err != nil {
		return err
	}
	return mos.SetData(cfgObj, doc, tx)
}

func lookupOrCreate(mos *objset.Objset, key string, t objset.ObjectType, tx uint64) (uint64, error) {
	obj, err := mos.Lookup(objset.PoolDirectoryObject, key)
	if err == nil {
		return obj, nil
	}
	if !errors.Is(err, objset.ErrNotFound) {
		return 0, err
	}
	obj = mos.Create(t, tx)
	return obj, mos.Update(objset.PoolDirectoryObject, key, obj, tx)
}

// restoreSpace reloads the top-level allocators from the MOS. The MOS
// block itself is written after the accounting is recorded, so the
// frontier is also pushed past the root block.
func (p *Pool) restoreSpace() error {
	mos := p.dsl.MOS()
	spaceObj, err := mos.Lookup(objset.PoolDirectoryObject, objset.KeySpace)
	if err != nil && !errors.Is(err, objset.ErrNotFound) {
		return err
	}
	root := p.RootBlockPtr()
	for _, top := range p.tree.Root().Children() {
		var frontier, allocated uint64
		if spaceObj != 0 {
			fk, ak := spaceKeys(top.ID)
			frontier, _ = mos.Lookup(spaceObj, fk)
			allocated, _ = mos.Lookup(spaceObj, ak)
		}
		if !root.IsHole() && root.Vdev == top.ID {
			frontier = max(frontier, root.Offset+root.Asize)
		}
		top.SetSpace(frontier, allocated)
	}
	return nil
}

// StoredConfig returns the vdev configuration recorded in the MOS.
func (p *Pool) StoredConfig() (*vdev.Config, error) {
	mos := p.dsl.MOS()
	obj, err := mos.Lookup(objset.PoolDirectoryObject, objset.KeyConfig)
	if err != nil {
		return nil, err
	}
	doc, err := mos.Data(obj)
	if err != nil {
		return nil, err
	}
	return vdev.ParseConfig(doc)
}
