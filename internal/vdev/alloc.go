package vdev

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewGuid returns a random non-zero 64-bit identifier.
func NewGuid() uint64 {
	for {
		u := uuid.New()
		if g := binary.BigEndian.Uint64(u[:8]); g != 0 {
			return g
		}
	}
}

// Build allocates the whole tree described by cfg. The root of cfg must be
// of type root.
func (t *Tree) Build(cfg *Config, mode AllocMode) (*Vdev, error) {
	if t.Root() != nil {
		return nil, fmt.Errorf("%w: tree already has a root", ErrCorrupt)
	}
	return t.AllocTree(cfg, nil, 0, mode)
}

// AllocTree allocates cfg and all of its children under parent.
func (t *Tree) AllocTree(cfg *Config, parent *Vdev, id uint64, mode AllocMode) (*Vdev, error) {
	vd, err := t.Alloc(cfg, parent, id, mode)
	if err != nil {
		return nil, err
	}
	for i, cc := range cfg.Children {
		if _, err := t.AllocTree(cc, vd, uint64(i), mode); err != nil {
			t.Free(vd)
			return nil, err
		}
	}
	switch vd.Kind {
	case KindMirror, KindReplacing:
		if mode == AllocAdd && len(vd.children) < 2 {
			t.Free(vd)
			return nil, fmt.Errorf("%w: %s needs at least two children", ErrCorrupt, vd.Kind)
		}
	case KindRaidz:
		if len(vd.children) < 2 {
			t.Free(vd)
			return nil, fmt.Errorf("%w: raidz needs at least two children", ErrCorrupt)
		}
	}
	if mode == AllocLoad && cfg.GuidSum != 0 {
		vd.configuredGuidSum = cfg.GuidSum
	}
	return vd, nil
}

// Alloc allocates a single vdev from cfg, without its children, and links
// it under parent at position id.
func (t *Tree) Alloc(cfg *Config, parent *Vdev, id uint64, mode AllocMode) (*Vdev, error) {
	kind, err := ParseKind(cfg.Type)
	if err != nil {
		return nil, err
	}
	if (parent == nil) != (kind == KindRoot) {
		return nil, fmt.Errorf("%w: %s vdev at wrong depth", ErrCorrupt, kind)
	}
	if parent != nil && parent.IsLeaf() {
		return nil, fmt.Errorf("%w: %s cannot have children", ErrCorrupt, parent.Kind)
	}
	if kind.IsLeaf() && len(cfg.Children) > 0 {
		return nil, fmt.Errorf("%w: leaf %s has children", ErrCorrupt, kind)
	}

	guid := cfg.Guid
	switch mode {
	case AllocLoad:
		if guid == 0 {
			return nil, fmt.Errorf("%w: %s vdev without guid", ErrCorrupt, kind)
		}
		if cfg.ID != id {
			return nil, fmt.Errorf("%w: vdev id %d at position %d", ErrCorrupt, cfg.ID, id)
		}
	case AllocAdd:
		if kind == KindMissing {
			return nil, fmt.Errorf("%w: cannot add a missing vdev", ErrCorrupt)
		}
		if (kind == KindDisk || kind == KindFile) && cfg.Path == "" {
			return nil, fmt.Errorf("%w: %s vdev without path", ErrCorrupt, kind)
		}
		if guid == 0 || t.Lookup(guid) != nil {
			guid = NewGuid()
		}
	}

	vd := newVdev(t, kind)
	vd.ID = id
	vd.Guid = guid
	vd.GuidSum = guid
	vd.Path = cfg.Path
	vd.DevID = cfg.DevID
	vd.WholeDisk = cfg.WholeDisk
	vd.Ashift = cfg.Ashift
	vd.offline.Store(cfg.Offline)
	vd.dtl.load(cfg.DTL)
	t.insert(vd)
	vd.log = t.log.WithFields(logrus.Fields{"vdev": vd.String(), "guid": fmt.Sprintf("%016x", guid)})

	if parent == nil {
		t.mu.Lock()
		t.root = vd.self
		t.mu.Unlock()
		return vd, nil
	}

	parent.AddChild(vd)
	if mode == AllocLoad {
		vd.Asize = cfg.Asize
	}
	if parent.IsRoot() {
		vd.top = vd.self
		if mode == AllocLoad {
			vd.MetaslabArray = cfg.MetaslabArray
			vd.MetaslabShift = cfg.MetaslabShift
		}
	} else {
		vd.top = parent.top
	}
	return vd, nil
}

// Free closes and releases vd and its subtree, unlinking it from its parent.
func (t *Tree) Free(vd *Vdev) {
	for _, c := range vd.Children() {
		t.Free(c)
	}
	vd.Close()
	if p := vd.Parent(); p != nil {
		p.RemoveChild(vd)
	}
	t.release(vd)
}

// adjustGuidSum adds delta to vd and every ancestor. Sums wrap modulo 2^64
// so removal is the additive inverse of insertion.
func (vd *Vdev) adjustGuidSum(delta uint64, add bool) {
	for p := vd; p != nil; p = p.Parent() {
		if add {
			p.GuidSum += delta
		} else {
			p.GuidSum -= delta
		}
	}
}

// AddChild links c under vd at position c.ID, growing the children array
// as needed. The slot must be free.
func (vd *Vdev) AddChild(c *Vdev) {
	if c.parent != NoRef {
		panic(fmt.Sprintf("vdev: %s already has a parent", c))
	}
	for uint64(len(vd.children)) <= c.ID {
		vd.children = append(vd.children, NoRef)
	}
	if vd.children[c.ID] != NoRef {
		panic(fmt.Sprintf("vdev: %s slot %d already occupied", vd, c.ID))
	}
	vd.children[c.ID] = c.self
	c.parent = vd.self
	vd.adjustGuidSum(c.GuidSum, true)
}

// RemoveChild unlinks c, leaving a hole at its position.
func (vd *Vdev) RemoveChild(c *Vdev) {
	if c.parent != vd.self || c.ID >= uint64(len(vd.children)) || vd.children[c.ID] != c.self {
		panic(fmt.Sprintf("vdev: %s is not a child of %s", c, vd))
	}
	vd.children[c.ID] = NoRef
	c.parent = NoRef
	vd.adjustGuidSum(c.GuidSum, false)

	for _, r := range vd.children {
		if r != NoRef {
			return
		}
	}
	vd.children = nil
}

// CompactChildren removes holes and renumbers the remaining children.
func (vd *Vdev) CompactChildren() {
	out := vd.children[:0]
	for _, r := range vd.children {
		if c := vd.tree.Get(r); c != nil {
			c.ID = uint64(len(out))
			out = append(out, r)
		}
	}
	vd.children = out
}

// AddParent interposes a new vdev of kind between c and its parent and
// returns it. c becomes child 0 of the new vdev, which takes over c's
// position, size and, if c was top-level, the top-level role.
func (vd *Vdev) AddParent(kind Kind) *Vdev {
	if kind != KindMirror && kind != KindReplacing {
		panic(fmt.Sprintf("vdev: cannot interpose %s", kind))
	}
	t := vd.tree
	pvd := vd.Parent()
	if pvd == nil {
		panic("vdev: cannot add a parent to the root")
	}

	mvd := newVdev(t, kind)
	mvd.ID = vd.ID
	mvd.Guid = NewGuid()
	mvd.GuidSum = mvd.Guid
	mvd.Asize = vd.Asize
	mvd.Ashift = vd.Ashift
	mvd.state.Store(vd.state.Load())
	t.insert(mvd)
	mvd.log = t.log.WithFields(logrus.Fields{"vdev": mvd.String(), "guid": fmt.Sprintf("%016x", mvd.Guid)})

	pvd.RemoveChild(vd)
	pvd.AddChild(mvd)
	vd.ID = 0
	mvd.AddChild(vd)

	if vd.IsTop() {
		mvd.MetaslabArray, vd.MetaslabArray = vd.MetaslabArray, 0
		mvd.MetaslabShift = vd.MetaslabShift
		mvd.MetaslabCount = vd.MetaslabCount
		mvd.space.takeFrom(&vd.space)
		mvd.setTop(mvd.self)
	} else {
		mvd.top = vd.top
	}
	return mvd
}

// RemoveParent removes the single-child mirror or replacing vdev above vd,
// putting vd in its place. It is the inverse of AddParent.
func (vd *Vdev) RemoveParent() {
	mvd := vd.Parent()
	if mvd == nil || (mvd.Kind != KindMirror && mvd.Kind != KindReplacing) {
		panic(fmt.Sprintf("vdev: %s has no removable parent", vd))
	}
	if len(mvd.Children()) != 1 {
		panic(fmt.Sprintf("vdev: %s still has %d children", mvd, len(mvd.Children())))
	}
	pvd := mvd.Parent()
	wasTop := mvd.IsTop()

	mvd.RemoveChild(vd)
	pvd.RemoveChild(mvd)
	vd.ID = mvd.ID
	pvd.AddChild(vd)

	if wasTop {
		vd.Asize = mvd.Asize
		vd.MetaslabArray = mvd.MetaslabArray
		vd.MetaslabShift = mvd.MetaslabShift
		vd.MetaslabCount = mvd.MetaslabCount
		vd.space.takeFrom(&mvd.space)
		vd.setTop(vd.self)
	}
	mvd.children = nil
	vd.tree.release(mvd)
}

func (vd *Vdev) setTop(top Ref) {
	vd.Walk(func(v *Vdev) { v.top = top })
}

// VerifyGuidSum checks that every node's guid-sum equals its guid plus its
// children's sums.
func (vd *Vdev) VerifyGuidSum() error {
	sum := vd.Guid
	for _, c := range vd.Children() {
		if err := c.VerifyGuidSum(); err != nil {
			return err
		}
		sum += c.GuidSum
	}
	if sum != vd.GuidSum {
		return fmt.Errorf("%w: %s guid sum %#x, expected %#x", ErrCorrupt, vd, vd.GuidSum, sum)
	}
	return nil
}
