// Package vdev implements the virtual device tree that all pool I/O is
// routed through.
//
// Nodes live in an arena owned by a Tree and refer to each other by index:
// parent, top-level ancestor and children are Refs into the arena. Every
// node is one of a closed set of kinds; the operation set (open, close,
// allocatable size, I/O start and completion, state change) dispatches on
// the kind.
package vdev

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-zpool/internal/txg"
	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/vdevcache"
	"github.com/deploymenttheory/go-zpool/internal/vdevqueue"
)

var (
	// ErrCorrupt reports a structurally invalid tree: guid-sum mismatch,
	// unreadable labels, or a malformed configuration.
	ErrCorrupt = errors.New("vdev: corrupt vdev tree")
	// ErrCantOpen reports a device that could not be opened.
	ErrCantOpen = errors.New("vdev: cannot open device")
	// ErrNoReplicas reports that redundancy is exhausted.
	ErrNoReplicas = errors.New("vdev: insufficient replicas")
	// ErrNoSpace reports that a top-level vdev is full.
	ErrNoSpace = errors.New("vdev: out of space")
	// ErrInjected is returned by I/O failed through fault injection.
	ErrInjected = errors.New("vdev: injected fault")
	// ErrNotLeaf is returned by leaf-only operations on interior nodes.
	ErrNotLeaf = errors.New("vdev: not a leaf vdev")
)

// Kind is the variant of a vdev node.
type Kind int

// The closed set of vdev kinds.
const (
	KindRoot Kind = iota
	KindMirror
	KindRaidz
	KindReplacing
	KindDisk
	KindFile
	KindMissing
)

var kindNames = map[Kind]string{
	KindRoot:      "root",
	KindMirror:    "mirror",
	KindRaidz:     "raidz",
	KindReplacing: "replacing",
	KindDisk:      "disk",
	KindFile:      "file",
	KindMissing:   "missing",
}

// String returns the type tag used in configuration documents.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsLeaf reports whether vdevs of this kind have no children.
func (k Kind) IsLeaf() bool {
	return k == KindDisk || k == KindFile || k == KindMissing
}

// ParseKind maps a configuration type tag to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown vdev type %q", ErrCorrupt, s)
}

// Ref is the arena index of a vdev.
type Ref int32

// NoRef is the Ref of an absent vdev.
const NoRef Ref = -1

// AllocMode selects which configuration fields Alloc requires.
type AllocMode int

const (
	// AllocLoad builds a node of an existing pool; every node needs its
	// guid and ids must match positions.
	AllocLoad AllocMode = iota
	// AllocAdd builds a node being added to a pool; guids are generated
	// and leaves need a path.
	AllocAdd
)

// Fault injection modes.
type FaultMode int

const (
	FaultNone FaultMode = iota
	// FaultOnce fails the next matching I/O, then disarms.
	FaultOnce
	// FaultAlways fails every matching I/O.
	FaultAlways
)

// Fault describes injected failures on a leaf.
type Fault struct {
	Mode FaultMode
	// Mask selects I/O types by bit (1 << zio.Type).
	Mask int
	// Arg is the lowest device offset that is faulted.
	Arg uint64
}

// IOStats are per-vdev I/O counters.
type IOStats struct {
	ReadOps        atomic.Uint64
	WriteOps       atomic.Uint64
	ReadBytes      atomic.Uint64
	WriteBytes     atomic.Uint64
	ReadErrors     atomic.Uint64
	WriteErrors    atomic.Uint64
	ChecksumErrors atomic.Uint64
}

// Vdev is one node of the device tree.
type Vdev struct {
	tree *Tree
	self Ref

	Kind    Kind
	ID      uint64 // child number in parent
	Guid    uint64 // unique id for this vdev
	GuidSum uint64 // own guid plus all descendants' guids
	Asize   uint64 // allocatable capacity
	Ashift  uint64 // block alignment shift

	state  atomic.Int32
	parent Ref
	top    Ref

	children []Ref

	// configuredGuidSum is the guid-sum recorded in the configuration the
	// node was loaded from, checked by Load.
	configuredGuidSum uint64

	// Top-level state.
	MetaslabArray uint64
	MetaslabShift uint64
	MetaslabCount uint64
	space         spaceMap
	dirtyMu       sync.Mutex
	dirty         [txg.Size]types.DirtyFlags
	dtlList       *txg.List[*Vdev]

	// Leaf state.
	Psize     uint64
	Path      string
	DevID     string
	WholeDisk bool
	offline   atomic.Bool
	dtl       dtlMap
	faultMu   sync.Mutex
	fault     Fault
	store     blockStore
	queue     *vdevqueue.Queue
	cache     *vdevcache.Cache

	ioMu    sync.Mutex
	ioCond  *sync.Cond
	ioCount int

	Stats IOStats

	log logrus.FieldLogger
}

func newVdev(t *Tree, kind Kind) *Vdev {
	vd := &Vdev{
		tree:   t,
		Kind:   kind,
		parent: NoRef,
		top:    NoRef,
	}
	vd.ioCond = sync.NewCond(&vd.ioMu)
	vd.dtlList = txg.NewList[*Vdev]()
	vd.state.Store(int32(types.VdevStateClosed))
	return vd
}

// Tree returns the tree owning vd.
func (vd *Vdev) Tree() *Tree { return vd.tree }

// Ref returns the arena index of vd.
func (vd *Vdev) Ref() Ref { return vd.self }

// IsLeaf reports whether vd is a leaf.
func (vd *Vdev) IsLeaf() bool { return vd.Kind.IsLeaf() }

// IsRoot reports whether vd is the root of its tree.
func (vd *Vdev) IsRoot() bool { return vd.Kind == KindRoot }

// IsTop reports whether vd is a top-level vdev.
func (vd *Vdev) IsTop() bool { return vd.top == vd.self && !vd.IsRoot() }

// Parent returns the parent vdev, or nil for the root.
func (vd *Vdev) Parent() *Vdev { return vd.tree.Get(vd.parent) }

// Top returns the top-level ancestor, or nil for the root.
func (vd *Vdev) Top() *Vdev { return vd.tree.Get(vd.top) }

// Children returns the child vdevs in id order, skipping holes.
func (vd *Vdev) Children() []*Vdev {
	out := make([]*Vdev, 0, len(vd.children))
	for _, r := range vd.children {
		if c := vd.tree.Get(r); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Child returns child id, or nil.
func (vd *Vdev) Child(id int) *Vdev {
	if id < 0 || id >= len(vd.children) {
		return nil
	}
	return vd.tree.Get(vd.children[id])
}

// NumChildren returns the length of the children array, holes included.
func (vd *Vdev) NumChildren() int { return len(vd.children) }

// State returns the current health state.
func (vd *Vdev) State() types.VdevState {
	return types.VdevState(vd.state.Load())
}

func (vd *Vdev) setState(s types.VdevState) {
	old := types.VdevState(vd.state.Swap(int32(s)))
	if old != s && s < types.VdevStateHealthy && s != types.VdevStateClosed {
		vd.log.WithFields(logrus.Fields{"from": old, "to": s}).Warn("vdev state change")
	}
}

// IsOffline reports whether a leaf was taken offline administratively.
func (vd *Vdev) IsOffline() bool { return vd.offline.Load() }

// InjectFault arms fault injection on a leaf.
func (vd *Vdev) InjectFault(f Fault) {
	vd.faultMu.Lock()
	defer vd.faultMu.Unlock()
	vd.fault = f
}

// Queue returns the leaf's I/O scheduler, or nil.
func (vd *Vdev) Queue() *vdevqueue.Queue { return vd.queue }

// Cache returns the leaf's read cache, or nil.
func (vd *Vdev) Cache() *vdevcache.Cache { return vd.cache }

// Leaves returns every leaf in the subtree rooted at vd.
func (vd *Vdev) Leaves() []*Vdev {
	if vd.IsLeaf() {
		return []*Vdev{vd}
	}
	var out []*Vdev
	for _, c := range vd.Children() {
		out = append(out, c.Leaves()...)
	}
	return out
}

// Walk calls fn for every vdev in the subtree rooted at vd, parents first.
func (vd *Vdev) Walk(fn func(*Vdev)) {
	fn(vd)
	for _, c := range vd.Children() {
		c.Walk(fn)
	}
}

// String names the vdev for logs.
func (vd *Vdev) String() string {
	if vd.Path != "" {
		return vd.Path
	}
	return fmt.Sprintf("%s-%d", vd.Kind, vd.ID)
}

// ioEnter counts an I/O in flight against vd.
func (vd *Vdev) ioEnter() {
	vd.ioMu.Lock()
	vd.ioCount++
	vd.ioMu.Unlock()
}

// ioExit retires an I/O and wakes drainers when none remain.
func (vd *Vdev) ioExit() {
	vd.ioMu.Lock()
	vd.ioCount--
	if vd.ioCount == 0 {
		vd.ioCond.Broadcast()
	}
	vd.ioMu.Unlock()
}

// Drain blocks until no I/O is in flight anywhere in the subtree.
func (vd *Vdev) Drain() {
	vd.ioMu.Lock()
	for vd.ioCount > 0 {
		vd.ioCond.Wait()
	}
	vd.ioMu.Unlock()
	for _, c := range vd.Children() {
		c.Drain()
	}
}

// Tree is the arena owning every vdev of a pool.
type Tree struct {
	mu    sync.RWMutex
	nodes []*Vdev
	root  Ref

	PoolGuid uint64

	queueCfg vdevqueue.Config
	cacheCfg vdevcache.Config
	log      logrus.FieldLogger

	dirtyTops *txg.List[*Vdev]
}

// TreeOption configures a Tree.
type TreeOption func(*Tree)

// WithQueueConfig sets the scheduler tunables of every leaf.
func WithQueueConfig(c vdevqueue.Config) TreeOption {
	return func(t *Tree) { t.queueCfg = c }
}

// WithCacheConfig sets the read cache tunables of every leaf.
func WithCacheConfig(c vdevcache.Config) TreeOption {
	return func(t *Tree) { t.cacheCfg = c }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) TreeOption {
	return func(t *Tree) { t.log = l }
}

// NewTree returns an empty tree.
func NewTree(opts ...TreeOption) *Tree {
	t := &Tree{
		root:      NoRef,
		queueCfg:  vdevqueue.DefaultConfig(),
		cacheCfg:  vdevcache.DefaultConfig(),
		log:       logrus.StandardLogger(),
		dirtyTops: txg.NewList[*Vdev](),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get resolves a Ref, returning nil for NoRef or a freed slot.
func (t *Tree) Get(r Ref) *Vdev {
	if r < 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(r) >= len(t.nodes) {
		return nil
	}
	return t.nodes[r]
}

// Root returns the root vdev, or nil before one is allocated.
func (t *Tree) Root() *Vdev { return t.Get(t.root) }

// Lookup finds a vdev by guid.
func (t *Tree) Lookup(guid uint64) *Vdev {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, vd := range t.nodes {
		if vd != nil && vd.Guid == guid {
			return vd
		}
	}
	return nil
}

// Len returns the number of live vdevs.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, vd := range t.nodes {
		if vd != nil {
			n++
		}
	}
	return n
}

func (t *Tree) insert(vd *Vdev) {
	t.mu.Lock()
	defer t.mu.Unlock()
	vd.self = Ref(len(t.nodes))
	t.nodes = append(t.nodes, vd)
}

func (t *Tree) release(vd *Vdev) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nodes[vd.self] == vd {
		t.nodes[vd.self] = nil
	}
	if t.root == vd.self {
		t.root = NoRef
	}
}
