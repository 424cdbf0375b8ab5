// Package dsl is the transaction group sync engine. It tracks the datasets
// and directories dirtied in each in-flight txg and, when the driver closes
// a txg, syncs them to convergence, folds the metadata object set in and
// publishes the new root block pointer.
package dsl

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-zpool/internal/objset"
	"github.com/deploymenttheory/go-zpool/internal/txg"
	"github.com/deploymenttheory/go-zpool/internal/types"
)

var (
	ErrNoSpace  = errors.New("dsl: out of space")
	ErrExists   = errors.New("dsl: dataset exists")
	ErrNotFound = errors.New("dsl: dataset not found")
)

// Storage is what the sync engine needs from the pool underneath it.
type Storage interface {
	objset.BlockWriter
	objset.BlockReader

	// RootBlockPtr returns the current durable root; a hole for a pool
	// that has never synced.
	RootBlockPtr() types.BlockPtr
	// SetRootBlockPtr installs bp as the root to be published for the
	// txg being synced.
	SetRootBlockPtr(bp types.BlockPtr)
	// Space returns the pool's allocatable bytes.
	Space() uint64
	// FlushCache drops any shared block cache.
	FlushCache()
}

// SyncContext is held only by code running inside a txg sync. Operations
// that behave differently in syncing context take it explicitly.
type SyncContext struct {
	ctx  context.Context
	pool *Pool
	Txg  uint64
}

// Context returns the context the sync was started with.
func (sc *SyncContext) Context() context.Context { return sc.ctx }

// SyncTask runs inside the sync of a txg, after the datasets and
// directories have converged and before the MOS is written.
type SyncTask func(sc *SyncContext) error

// Pool is the dsl state of an open pool.
type Pool struct {
	storage Storage
	log     logrus.FieldLogger

	mos     *objset.Objset
	rootDir *Directory
	mosDir  *Directory

	dirtyDatasets *txg.List[*Dataset]
	dirtyDirs     *txg.List[*Directory]

	syncedMu sync.Mutex
	synced   *list.List

	syncMu     sync.Mutex
	current    atomic.Pointer[SyncContext]
	lastSynced atomic.Uint64

	nsMu     sync.RWMutex
	datasets map[string]*Dataset

	pending atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pool) { p.log = l }
}

func newPool(storage Storage, opts ...Option) *Pool {
	p := &Pool{
		storage:       storage,
		log:           logrus.StandardLogger(),
		dirtyDatasets: txg.NewList[*Dataset](),
		dirtyDirs:     txg.NewList[*Directory](),
		synced:        list.New(),
		datasets:      make(map[string]*Dataset),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Create initializes a brand-new pool named name. The MOS, the pool
// directory object, the root directory with its head dataset and the
// internal $MOS directory are all created in txg tx, which the caller then
// syncs.
func Create(storage Storage, name string, tx uint64, opts ...Option) *Pool {
	p := newPool(storage, opts...)
	p.mos = objset.New()

	if err := p.mos.Claim(objset.PoolDirectoryObject, objset.TypeObjectDirectory, tx); err != nil {
		panic(fmt.Sprintf("dsl: claim pool directory: %v", err))
	}
	p.rootDir = p.createDir(nil, name, tx)
	p.mustUpdate(objset.PoolDirectoryObject, objset.KeyRootDataset, p.rootDir.Object, tx)
	p.createHead(p.rootDir, tx)
	p.mosDir = p.createDir(p.rootDir, objset.KeyMOSDir, tx)

	p.log.WithFields(logrus.Fields{"pool": name, "txg": tx}).Debug("created dsl pool")
	return p
}

// Open loads the dsl state from the storage's current root. A MOS missing
// its well-known keys is a broken invariant and panics.
func Open(ctx context.Context, storage Storage, name string, tx uint64, opts ...Option) (*Pool, error) {
	p := newPool(storage, opts...)
	mos, err := objset.Open(ctx, storage.RootBlockPtr(), storage)
	if err != nil {
		return nil, err
	}
	p.mos = mos
	p.lastSynced.Store(tx)

	rootObj, err := mos.Lookup(objset.PoolDirectoryObject, objset.KeyRootDataset)
	if err != nil {
		panic(fmt.Sprintf("dsl: pool directory has no root dataset: %v", err))
	}
	p.rootDir, err = p.openDir(ctx, nil, name, rootObj)
	if err != nil {
		return nil, err
	}
	p.mosDir = p.rootDir.children[objset.KeyMOSDir]
	if p.mosDir == nil {
		panic(fmt.Sprintf("dsl: root directory %d has no %s child", rootObj, objset.KeyMOSDir))
	}
	return p, nil
}

// Close releases the pool's structures and flushes the shared block
// cache. Dirty state left unsynced is a caller bug and panics.
func (p *Pool) Close() {
	p.dirtyDatasets.Destroy()
	p.dirtyDirs.Destroy()

	p.nsMu.Lock()
	p.datasets = nil
	p.nsMu.Unlock()
	p.rootDir, p.mosDir = nil, nil

	p.storage.FlushCache()
}

// MOS returns the metadata object set.
func (p *Pool) MOS() *objset.Objset { return p.mos }

// RootDir returns the root directory.
func (p *Pool) RootDir() *Directory { return p.rootDir }

// MOSDir returns the internal $MOS directory.
func (p *Pool) MOSDir() *Directory { return p.mosDir }

// LastSynced returns the last txg synced.
func (p *Pool) LastSynced() uint64 { return p.lastSynced.Load() }

// AdjustedSize is the space available to datasets: total space minus a
// slop reservation of max(space/128, SpaMinDevSize/4). Operations that
// free space are held to half the reservation so deletes keep working on
// a full pool.
func (p *Pool) AdjustedSize(netFree bool) int64 {
	return AdjustedSize(p.storage.Space(), netFree)
}

// AdjustedSize computes the adjusted size of a pool with space bytes.
func AdjustedSize(space uint64, netFree bool) int64 {
	resv := max(space>>7, types.SpaMinDevSize>>2)
	if netFree {
		resv /= 2
	}
	return int64(space) - int64(resv)
}

// Used returns the bytes referenced by all datasets as of the last sync.
func (p *Pool) Used() uint64 { return p.rootDir.Used() }

// IsSyncContext reports whether sc is the context of the sync in progress,
// or whether the pool has no durable root yet.
func (p *Pool) IsSyncContext(sc *SyncContext) bool {
	if p.storage.RootBlockPtr().IsHole() {
		return true
	}
	return sc != nil && sc == p.current.Load()
}

// MarkDirty registers ds as dirty in txg tx. It is a no-op if ds is
// already dirty in tx.
func (p *Pool) MarkDirty(ds *Dataset, tx uint64) bool {
	return p.dirtyDatasets.Add(ds, tx)
}

// MarkDirtyDir registers dir as dirty in txg tx.
func (p *Pool) MarkDirtyDir(dir *Directory, tx uint64) bool {
	return p.dirtyDirs.Add(dir, tx)
}

// IsDirty reports whether ds is dirty in tx.
func (p *Pool) IsDirty(ds *Dataset, tx uint64) bool {
	return p.dirtyDatasets.Member(ds, tx)
}

// Dirty reports whether anything is pending for tx.
func (p *Pool) Dirty(tx uint64) bool {
	return !p.dirtyDatasets.Empty(tx) || !p.dirtyDirs.Empty(tx) || p.mos.Dirty(tx)
}

// Sync syncs txg tx. Dirty datasets are synced, then dirty directories,
// repeatedly until neither has anything left for tx, since syncing a
// directory may dirty datasets and syncing a dataset may dirty its
// directory. tasks then run, and if the MOS changed it is written and its
// block pointer installed as the new root.
//
// Re-syncing a txg that has nothing dirty is a no-op. Two syncs of one pool
// at the same time is a broken invariant and panics. An error leaves the
// previous root authoritative.
func (p *Pool) Sync(ctx context.Context, tx uint64, tasks ...SyncTask) error {
	if !p.syncMu.TryLock() {
		panic(fmt.Sprintf("dsl: sync of txg %d while another sync is in progress", tx))
	}
	defer p.syncMu.Unlock()

	if tx <= p.lastSynced.Load() && !p.Dirty(tx) {
		return nil
	}

	sc := &SyncContext{ctx: ctx, pool: p, Txg: tx}
	p.current.Store(sc)
	defer p.current.Store(nil)

	passes := 0
	for {
		passes++
		for {
			ds, ok := p.dirtyDatasets.Remove(tx)
			if !ok {
				break
			}
			if err := ds.sync(sc); err != nil {
				return fmt.Errorf("sync dataset %s in txg %d: %w", ds.Name, tx, err)
			}
			p.addSynced(ds)
		}
		for {
			dir, ok := p.dirtyDirs.Remove(tx)
			if !ok {
				break
			}
			dir.sync(sc)
		}
		if p.dirtyDatasets.Empty(tx) && p.dirtyDirs.Empty(tx) {
			break
		}
	}

	for _, task := range tasks {
		if err := task(sc); err != nil {
			return fmt.Errorf("sync task in txg %d: %w", tx, err)
		}
	}

	if p.mos.Dirty(tx) {
		bp, err := p.mos.Sync(ctx, tx, p.storage)
		if err != nil {
			return fmt.Errorf("sync MOS in txg %d: %w", tx, err)
		}
		p.storage.SetRootBlockPtr(bp)
	}
	p.lastSynced.Store(tx)
	p.log.WithFields(logrus.Fields{"txg": tx, "passes": passes}).Debug("txg synced")
	return nil
}

// addSynced puts ds on the synced list unless it is already there.
func (p *Pool) addSynced(ds *Dataset) {
	p.syncedMu.Lock()
	defer p.syncedMu.Unlock()
	if ds.syncedElem == nil {
		ds.syncedElem = p.synced.PushBack(ds)
	}
}

// Synced returns the datasets waiting for post-sync cleanup.
func (p *Pool) Synced() []*Dataset {
	p.syncedMu.Lock()
	defer p.syncedMu.Unlock()
	out := make([]*Dataset, 0, p.synced.Len())
	for e := p.synced.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Dataset))
	}
	return out
}

// PostSyncCleanup takes every dataset off the synced list and discards its
// intent log records made durable by the last sync. It runs after Sync
// returns, outside the sync.
func (p *Pool) PostSyncCleanup() {
	tx := p.lastSynced.Load()
	for {
		p.syncedMu.Lock()
		e := p.synced.Front()
		if e == nil {
			p.syncedMu.Unlock()
			return
		}
		ds := p.synced.Remove(e).(*Dataset)
		ds.syncedElem = nil
		p.syncedMu.Unlock()

		ds.zil.Clean(tx)
	}
}

func (p *Pool) mustUpdate(obj uint64, key string, val, tx uint64) {
	if err := p.mos.Update(obj, key, val, tx); err != nil {
		panic(fmt.Sprintf("dsl: update %q of object %d: %v", key, obj, err))
	}
}
