// Package spa drives a storage pool: it assembles the vdev tree from a
// configuration or from device labels, moves blocks between the sync
// engine and the tree, and runs the txg open, quiesce and sync cycle that
// ends in uberblock publication.
package spa

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-zpool/internal/config"
	"github.com/deploymenttheory/go-zpool/internal/dsl"
	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/vdev"
)

var (
	ErrNoValidUberblock = errors.New("spa: no valid uberblock")
	ErrPoolClosed       = errors.New("spa: pool is closed")
	ErrSuspended        = errors.New("spa: pool is suspended")
	ErrInUse            = errors.New("spa: device is in use by a pool")
	ErrPoolMismatch     = errors.New("spa: devices belong to different pools")
	ErrChecksum         = errors.New("spa: checksum mismatch")
)

// InitialTxg is the txg a new pool is created in.
const InitialTxg = 4

// PublishHook runs after every write of a txg is durable and before its
// uberblock is written. An error abandons the txg.
type PublishHook func(ctx context.Context, ub types.Uberblock) error

type options struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	publish PublishHook
	force   bool
}

// Option configures Create and Open.
type Option func(*options)

// WithConfig sets the tunables.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithPublishHook installs fn to run before each uberblock write.
func WithPublishHook(fn PublishHook) Option {
	return func(o *options) { o.publish = fn }
}

// WithForce lets Create overwrite devices that carry a valid label.
func WithForce(force bool) Option {
	return func(o *options) { o.force = force }
}

// blockKey identifies a block in the shared cache.
type blockKey struct {
	vdev, offset, birth uint64
}

// Pool is an open storage pool.
type Pool struct {
	name    string
	cfg     *config.Config
	log     logrus.FieldLogger
	publish PublishHook

	tree *vdev.Tree
	dsl  *dsl.Pool
	arc  *lru.TwoQueueCache[blockKey, []byte]

	// holds is read-held while a caller has a txg assigned; SyncTxg takes
	// it exclusively to quiesce the open txg.
	holds   sync.RWMutex
	openTxg uint64

	// syncMu serializes syncs with each other and with topology changes.
	syncMu      sync.Mutex
	configDirty bool
	suspended   error
	syncedTxg   atomic.Uint64

	rootMu      sync.RWMutex
	root        types.BlockPtr
	pending     types.BlockPtr
	havePending bool
	ub          types.Uberblock

	rotor  atomic.Uint64
	closed atomic.Bool
}

func newPool(name string, opts []Option) (*Pool, error) {
	o := &options{cfg: config.Default(), log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	arc, err := lru.New2Q[blockKey, []byte](o.cfg.ARC.Entries)
	if err != nil {
		return nil, err
	}
	log := o.log.WithField("pool", name)
	return &Pool{
		name:    name,
		cfg:     o.cfg,
		log:     log,
		publish: o.publish,
		arc:     arc,
		tree: vdev.NewTree(
			vdev.WithQueueConfig(o.cfg.Queue),
			vdev.WithCacheConfig(o.cfg.Cache),
			vdev.WithLogger(log),
		),
	}, nil
}

func optionsOf(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create builds a new pool named name over the devices in cfg and syncs
// its first txg. cfg may be a root or a single top-level vdev. Every device
// must open, and none may carry a valid label unless WithForce is set.
func Create(ctx context.Context, name string, cfg *vdev.Config, opts ...Option) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no vdev configuration", vdev.ErrCorrupt)
	}
	if cfg.Type != vdev.KindRoot.String() {
		cfg = &vdev.Config{Type: vdev.KindRoot.String(), Children: []*vdev.Config{cfg}}
	}
	p, err := newPool(name, opts)
	if err != nil {
		return nil, err
	}

	p.tree.PoolGuid = vdev.NewGuid()
	root, err := p.tree.Build(cfg, vdev.AllocAdd)
	if err != nil {
		return nil, err
	}
	if len(root.Children()) == 0 {
		return nil, fmt.Errorf("%w: pool needs at least one top-level vdev", vdev.ErrCorrupt)
	}
	if err := root.Open(ctx); err != nil {
		root.Close()
		return nil, err
	}
	if root.State() != types.VdevStateHealthy {
		root.Close()
		return nil, fmt.Errorf("%w: every device must open to create a pool", vdev.ErrCantOpen)
	}
	if !optionsOf(opts).force {
		for _, leaf := range root.Leaves() {
			if lc, err := leaf.ReadLabel(ctx); err == nil {
				root.Close()
				return nil, fmt.Errorf("%w: %s belongs to pool %q", ErrInUse, leaf.Path, lc.Name)
			}
		}
	}

	for _, top := range root.Children() {
		top.Dirty(types.DirtyAdd, InitialTxg)
	}
	p.configDirty = true
	p.openTxg = InitialTxg
	p.dsl = dsl.Create(p.storage(), name, InitialTxg, dsl.WithLogger(p.log))

	if err := p.SyncTxg(ctx); err != nil {
		p.abort()
		return nil, fmt.Errorf("sync initial txg: %w", err)
	}
	p.log.WithField("guid", fmt.Sprintf("%016x", p.tree.PoolGuid)).Info("pool created")
	return p, nil
}

// Open assembles the pool whose devices include paths. Every valid label
// on them is a candidate configuration; the newest one that assembles and
// has a matching uberblock wins, so a topology change whose uberblock never
// landed opens at the previous config. Devices that moved are matched by
// guid. The root is the highest-txg uberblock that verifies and whose
// guid-sum matches the assembled tree.
func Open(ctx context.Context, paths []string, opts ...Option) (*Pool, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no devices given", vdev.ErrCantOpen)
	}
	o := optionsOf(opts)
	plog := o.log
	if plog == nil {
		plog = logrus.StandardLogger()
	}

	cands, moved, err := labelConfigs(ctx, paths, plog)
	if err != nil {
		return nil, err
	}
	var firstErr error
	for i, lc := range cands {
		p, err := assemble(ctx, lc, moved, opts)
		if err == nil {
			if i > 0 {
				p.configDirty = true
				p.log.WithFields(logrus.Fields{
					"label_txg":  cands[0].Txg,
					"config_txg": lc.Txg,
				}).Warn("newest label config was never published, using an older one")
			}
			return p, nil
		}
		plog.WithError(err).WithField("txg", lc.Txg).Debug("label config did not assemble")
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// labelConfigs reads every label on paths. It returns each distinct config
// newest first, and the path each device guid was found on.
func labelConfigs(ctx context.Context, paths []string, log logrus.FieldLogger) ([]*vdev.LabelConfig, map[uint64]string, error) {
	var (
		cands []*vdev.LabelConfig
		first *vdev.LabelConfig
	)
	type key struct{ txg, guidSum uint64 }
	seen := make(map[key]bool)
	moved := make(map[uint64]string)
	for _, path := range paths {
		labels, err := vdev.ProbeLabels(ctx, path, vdev.WithLogger(log))
		if err != nil {
			return nil, nil, fmt.Errorf("probe %s: %w", path, err)
		}
		if vdev.FirstValid(labels) == nil {
			return nil, nil, fmt.Errorf("%w: %s has no valid label", vdev.ErrCorrupt, path)
		}
		for _, st := range labels {
			if !st.Valid {
				continue
			}
			lc := st.Config
			if first == nil {
				first = lc
			} else if lc.PoolGuid != first.PoolGuid {
				return nil, nil, fmt.Errorf("%w: %s is in pool %q", ErrPoolMismatch, path, lc.Name)
			}
			moved[lc.Guid] = path
			if lc.Tree == nil {
				continue
			}
			k := key{lc.Txg, configGuidSum(lc.Tree)}
			if seen[k] {
				continue
			}
			seen[k] = true
			cands = append(cands, lc)
		}
	}
	if len(cands) == 0 {
		return nil, nil, fmt.Errorf("%w: label carries no vdev tree", vdev.ErrCorrupt)
	}
	slices.SortStableFunc(cands, func(a, b *vdev.LabelConfig) int { return cmp.Compare(b.Txg, a.Txg) })
	return cands, moved, nil
}

func configGuidSum(c *vdev.Config) uint64 {
	sum := c.Guid
	for _, cc := range c.Children {
		sum += configGuidSum(cc)
	}
	return sum
}

// assemble builds, opens and loads the pool described by lc.
func assemble(ctx context.Context, lc *vdev.LabelConfig, moved map[uint64]string, opts []Option) (*Pool, error) {
	relocate(lc.Tree, moved)

	p, err := newPool(lc.Name, opts)
	if err != nil {
		return nil, err
	}
	p.tree.PoolGuid = lc.PoolGuid
	root, err := p.tree.Build(lc.Tree, vdev.AllocLoad)
	if err != nil {
		return nil, err
	}
	if err := root.Open(ctx); err != nil {
		root.Close()
		return nil, err
	}
	if err := root.Load(ctx); err != nil {
		root.Close()
		return nil, err
	}

	ub, err := p.selectUberblock(ctx)
	if err != nil {
		root.Close()
		return nil, err
	}
	p.root, p.ub = ub.RootBP, ub
	p.syncedTxg.Store(ub.Txg)
	p.openTxg = ub.Txg + 1

	p.dsl, err = dsl.Open(ctx, p.storage(), lc.Name, ub.Txg, dsl.WithLogger(p.log))
	if err != nil {
		root.Close()
		return nil, err
	}
	if err := p.restoreSpace(); err != nil {
		p.abort()
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"txg": ub.Txg, "state": root.State()}).Info("pool opened")
	return p, nil
}

// relocate points leaf configs at the paths their labels were found on.
func relocate(c *vdev.Config, moved map[uint64]string) {
	if path, ok := moved[c.Guid]; ok && len(c.Children) == 0 {
		c.Path = path
	}
	for _, cc := range c.Children {
		relocate(cc, moved)
	}
}

// selectUberblock picks the best uberblock found on the healthy leaves.
func (p *Pool) selectUberblock(ctx context.Context) (types.Uberblock, error) {
	root := p.tree.Root()
	var (
		best  types.Uberblock
		found bool
	)
	for _, leaf := range root.Leaves() {
		if !healthy(leaf.State()) {
			continue
		}
		ubs, err := leaf.ReadUberblocks(ctx)
		if err != nil {
			continue
		}
		for _, ub := range ubs {
			if ub.GuidSum != root.GuidSum {
				continue
			}
			if !found || ub.Compare(best) > 0 {
				best, found = ub, true
			}
		}
	}
	if !found {
		return types.Uberblock{}, fmt.Errorf("%w: guid sum %#x", ErrNoValidUberblock, root.GuidSum)
	}
	return best, nil
}

// Close syncs the open txg, waits for outstanding I/O and closes every
// device. A suspended pool is closed without syncing.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.syncMu.Lock()
	err := p.suspended
	if err == nil {
		err = p.quiesceAndSync(context.Background())
	}
	p.syncMu.Unlock()

	if err != nil {
		p.abort()
		return err
	}
	p.dsl.Close()
	root := p.tree.Root()
	root.Drain()
	root.Close()
	p.log.Info("pool closed")
	return nil
}

// abort tears the pool down without touching the sync engine, whose
// in-memory state may be inconsistent.
func (p *Pool) abort() {
	p.closed.Store(true)
	p.arc.Purge()
	root := p.tree.Root()
	root.Drain()
	root.Close()
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Guid returns the pool guid.
func (p *Pool) Guid() uint64 { return p.tree.PoolGuid }

// Tree returns the vdev tree.
func (p *Pool) Tree() *vdev.Tree { return p.tree }

// DSL returns the sync engine's view of the pool.
func (p *Pool) DSL() *dsl.Pool { return p.dsl }

// Uberblock returns the last uberblock published or loaded.
func (p *Pool) Uberblock() types.Uberblock {
	p.rootMu.RLock()
	defer p.rootMu.RUnlock()
	return p.ub
}

// RootBlockPtr returns the durable root of the MOS.
func (p *Pool) RootBlockPtr() types.BlockPtr {
	p.rootMu.RLock()
	defer p.rootMu.RUnlock()
	return p.root
}

// Space returns the allocatable bytes of every top-level vdev.
func (p *Pool) Space() uint64 {
	var n uint64
	for _, top := range p.tree.Root().Children() {
		n += top.Asize
	}
	return n
}

// Dataset looks up a dataset by name.
func (p *Pool) Dataset(name string) (*dsl.Dataset, error) {
	return p.dsl.Dataset(name)
}

// CreateDataset creates a dataset in the open txg.
func (p *Pool) CreateDataset(name string) (*dsl.Dataset, error) {
	tx, release := p.Assign()
	defer release()
	return p.dsl.CreateDataset(name, tx)
}
