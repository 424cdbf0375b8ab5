package dsl

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/deploymenttheory/go-zpool/internal/objset"
	"github.com/deploymenttheory/go-zpool/internal/txg"
)

// Directory attribute keys.
const (
	attrParent      = "parent"
	attrChildMap    = "child_map"
	attrHeadDataset = "head_dataset"
	attrUsed        = "used"
)

// Directory is a namespace node. It holds a head dataset and child
// directories and accumulates the space its subtree references.
type Directory struct {
	pool     *Pool
	Name     string
	Object   uint64
	childMap uint64
	parent   *Directory
	head     *Dataset

	mu          sync.Mutex
	children    map[string]*Directory
	used        uint64
	pendingUsed [txg.Size]int64
	newChildren [txg.Size][]*Directory
}

func (d *Directory) shortName() string {
	if i := strings.LastIndexByte(d.Name, '/'); i >= 0 {
		return d.Name[i+1:]
	}
	return d.Name
}

// Used returns the bytes referenced by the subtree as of the last sync.
func (d *Directory) Used() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// Head returns the directory's head dataset.
func (d *Directory) Head() *Dataset { return d.head }

// Children returns the materialised child directories in name order.
func (d *Directory) Children() []*Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.children))
	for n := range d.children {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Directory, 0, len(names))
	for _, n := range names {
		out = append(out, d.children[n])
	}
	return out
}

// addUsed records a change in referenced bytes for tx and dirties d.
func (d *Directory) addUsed(delta int64, tx uint64) {
	d.mu.Lock()
	d.pendingUsed[txg.Slot(tx)] += delta
	d.mu.Unlock()
	d.pool.MarkDirtyDir(d, tx)
}

// materialize gives d and its head dataset their MOS objects and links d
// into its parent's child map.
func (d *Directory) materialize(tx uint64) {
	p := d.pool
	mos := p.mos
	d.Object = mos.Create(objset.TypeDirectory, tx)
	d.childMap = mos.Create(objset.TypeChildMap, tx)
	p.mustUpdate(d.Object, attrChildMap, d.childMap, tx)
	if d.parent != nil {
		p.mustUpdate(d.Object, attrParent, d.parent.Object, tx)
		p.mustUpdate(d.parent.childMap, d.shortName(), d.Object, tx)
		d.parent.mu.Lock()
		d.parent.children[d.shortName()] = d
		d.parent.mu.Unlock()
	}
	if ds := d.head; ds != nil {
		ds.Object = mos.Create(objset.TypeDataset, tx)
		ds.blockList = mos.Create(objset.TypeBlockList, tx)
		p.mustUpdate(ds.Object, attrDir, d.Object, tx)
		p.mustUpdate(ds.Object, attrBlockList, ds.blockList, tx)
		p.mustUpdate(d.Object, attrHeadDataset, ds.Object, tx)
	}
}

// createDir builds and materialises a directory in tx.
func (p *Pool) createDir(parent *Directory, name string, tx uint64) *Directory {
	d := &Directory{pool: p, Name: name, parent: parent, children: map[string]*Directory{}}
	if parent != nil {
		d.Name = parent.Name + "/" + name
	}
	d.materialize(tx)
	p.MarkDirtyDir(d, tx)
	return d
}

// createHead gives an existing directory its head dataset.
func (p *Pool) createHead(d *Directory, tx uint64) *Dataset {
	ds := newDataset(p, d)
	ds.Object = p.mos.Create(objset.TypeDataset, tx)
	ds.blockList = p.mos.Create(objset.TypeBlockList, tx)
	p.mustUpdate(ds.Object, attrDir, d.Object, tx)
	p.mustUpdate(ds.Object, attrBlockList, ds.blockList, tx)
	p.mustUpdate(d.Object, attrHeadDataset, ds.Object, tx)
	d.head = ds

	p.nsMu.Lock()
	p.datasets[ds.Name] = ds
	p.nsMu.Unlock()
	p.MarkDirty(ds, tx)
	return ds
}

// sync materialises children created in this txg and folds the space
// change into the directory and its parent.
func (d *Directory) sync(sc *SyncContext) {
	tx := sc.Txg
	slot := txg.Slot(tx)
	p := d.pool
	if d.Object == 0 {
		// Not materialised yet; materialize dirties d again.
		return
	}

	d.mu.Lock()
	created := d.newChildren[slot]
	d.newChildren[slot] = nil
	delta := d.pendingUsed[slot]
	d.pendingUsed[slot] = 0
	d.used = uint64(int64(d.used) + delta)
	used := d.used
	d.mu.Unlock()

	for _, c := range created {
		c.materialize(tx)
		p.MarkDirtyDir(c, tx)
		p.MarkDirty(c.head, tx)
	}
	p.mustUpdate(d.Object, attrUsed, used, tx)
	if delta != 0 && d.parent != nil {
		d.parent.addUsed(delta, tx)
	}
}

// openDir loads directory obj and its subtree from the MOS.
func (p *Pool) openDir(ctx context.Context, parent *Directory, name string, obj uint64) (*Directory, error) {
	mos := p.mos
	d := &Directory{pool: p, Name: name, Object: obj, parent: parent, children: map[string]*Directory{}}
	var err error
	if d.childMap, err = mos.Lookup(obj, attrChildMap); err != nil {
		panic(fmt.Sprintf("dsl: directory %d: %v", obj, err))
	}
	if used, err := mos.Lookup(obj, attrUsed); err == nil {
		d.used = used
	}
	if headObj, err := mos.Lookup(obj, attrHeadDataset); err == nil {
		ds, err := p.openDataset(d, headObj)
		if err != nil {
			return nil, err
		}
		d.head = ds
	}

	names, err := mos.Keys(d.childMap)
	if err != nil {
		return nil, fmt.Errorf("directory %s: %w", name, err)
	}
	for _, n := range names {
		cobj, _ := mos.Lookup(d.childMap, n)
		c, err := p.openDir(ctx, d, name+"/"+n, cobj)
		if err != nil {
			return nil, err
		}
		d.children[n] = c
	}
	return d, nil
}

// CreateDataset creates dataset name in txg tx. name is a path below an
// existing dataset, such as "tank/home". The dataset is usable at once;
// its on-disk objects appear when its parent directory syncs.
func (p *Pool) CreateDataset(name string, tx uint64) (*Dataset, error) {
	i := strings.LastIndexByte(name, '/')
	if i <= 0 || i == len(name)-1 || strings.ContainsRune(name[i+1:], '$') {
		return nil, fmt.Errorf("dsl: invalid dataset name %q", name)
	}
	p.nsMu.Lock()
	defer p.nsMu.Unlock()
	if _, ok := p.datasets[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}
	parentDS, ok := p.datasets[name[:i]]
	if !ok {
		return nil, fmt.Errorf("%w: parent of %s", ErrNotFound, name)
	}
	parent := parentDS.dir

	d := &Directory{pool: p, Name: name, parent: parent, children: map[string]*Directory{}}
	d.head = newDataset(p, d)
	p.datasets[name] = d.head

	parent.mu.Lock()
	parent.newChildren[txg.Slot(tx)] = append(parent.newChildren[txg.Slot(tx)], d)
	parent.mu.Unlock()
	p.MarkDirtyDir(parent, tx)
	return d.head, nil
}

// Dataset returns the dataset called name.
func (p *Pool) Dataset(name string) (*Dataset, error) {
	p.nsMu.RLock()
	defer p.nsMu.RUnlock()
	ds, ok := p.datasets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return ds, nil
}

// Datasets returns every dataset in name order.
func (p *Pool) Datasets() []*Dataset {
	p.nsMu.RLock()
	defer p.nsMu.RUnlock()
	out := make([]*Dataset, 0, len(p.datasets))
	for _, ds := range p.datasets {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
