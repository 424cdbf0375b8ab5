// Package objset holds the pool's metadata object set (MOS): numbered
// objects carrying a type, a string to integer map and an optional opaque
// payload. The whole set is written as a single block at the end of every
// txg that touched it.
package objset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/deploymenttheory/go-zpool/internal/txg"
	"github.com/deploymenttheory/go-zpool/internal/types"
)

var (
	ErrNotFound = errors.New("objset: not found")
	ErrExists   = errors.New("objset: object exists")
	ErrCorrupt  = errors.New("objset: corrupt object set")
)

// ObjectType identifies what an object holds.
type ObjectType uint8

const (
	TypeNone ObjectType = iota
	TypeObjectDirectory
	TypeDirectory
	TypeChildMap
	TypeDataset
	TypeBlockList
	TypeConfig
	TypeSpace
)

var typeNames = [...]string{"none", "object directory", "dsl directory", "child map", "dataset", "block list", "config", "space"}

func (t ObjectType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", t)
}

// PoolDirectoryObject is the reserved object holding the pool's well-known
// keys.
const PoolDirectoryObject uint64 = 1

// Well-known keys.
const (
	KeyRootDataset = "root_dataset"
	KeyMOSDir      = "$MOS"
	KeyConfig      = "config"
	KeySpace       = "space"
)

// Object is one MOS object.
type Object struct {
	Type  ObjectType
	Attrs map[string]uint64
	Data  []byte
}

// BlockWriter stores an encoded object set for txg and returns its pointer.
type BlockWriter interface {
	WriteBlock(ctx context.Context, data []byte, txg uint64) (types.BlockPtr, error)
}

// BlockReader fetches the block bp points at.
type BlockReader interface {
	ReadBlock(ctx context.Context, bp types.BlockPtr) ([]byte, error)
}

// Objset is an in-core object set with per-txg dirty tracking. Objects are
// changed in syncing context, tagged with the txg being synced.
type Objset struct {
	mu      sync.RWMutex
	objects map[uint64]*Object
	next    uint64

	dirty *txg.List[uint64]
	freed *txg.List[uint64]
}

// New returns an empty object set.
func New() *Objset {
	return &Objset{
		objects: make(map[uint64]*Object),
		next:    PoolDirectoryObject + 1,
		dirty:   txg.NewList[uint64](),
		freed:   txg.NewList[uint64](),
	}
}

// Open reads the object set bp points at.
func Open(ctx context.Context, bp types.BlockPtr, r BlockReader) (*Objset, error) {
	s := New()
	if bp.IsHole() {
		return s, nil
	}
	data, err := r.ReadBlock(ctx, bp)
	if err != nil {
		return nil, fmt.Errorf("read object set %s: %w", bp, err)
	}
	if err := s.decode(data); err != nil {
		return nil, err
	}
	return s, nil
}

// Claim creates object id with type t. It fails if the id is in use.
func (s *Objset) Claim(id uint64, t ObjectType, tx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; ok {
		return fmt.Errorf("%w: %d", ErrExists, id)
	}
	s.objects[id] = &Object{Type: t, Attrs: map[string]uint64{}}
	if id >= s.next {
		s.next = id + 1
	}
	s.dirty.Add(id, tx)
	return nil
}

// Create allocates a new object of type t and returns its id.
func (s *Objset) Create(t ObjectType, tx uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.objects[id] = &Object{Type: t, Attrs: map[string]uint64{}}
	s.dirty.Add(id, tx)
	return id
}

// Free removes object id.
func (s *Objset) Free(id, tx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		return fmt.Errorf("%w: object %d", ErrNotFound, id)
	}
	delete(s.objects, id)
	s.freed.Add(id, tx)
	return nil
}

func (s *Objset) get(id uint64) (*Object, error) {
	o, ok := s.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: object %d", ErrNotFound, id)
	}
	return o, nil
}

// Type returns the type of object id.
func (s *Objset) Type(id uint64) (ObjectType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, err := s.get(id)
	if err != nil {
		return TypeNone, err
	}
	return o.Type, nil
}

// Lookup returns the value of key in object id.
func (s *Objset) Lookup(id uint64, key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, err := s.get(id)
	if err != nil {
		return 0, err
	}
	v, ok := o.Attrs[key]
	if !ok {
		return 0, fmt.Errorf("%w: key %q in object %d", ErrNotFound, key, id)
	}
	return v, nil
}

// Update sets key in object id.
func (s *Objset) Update(id uint64, key string, val, tx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	if cur, ok := o.Attrs[key]; ok && cur == val {
		return nil
	}
	o.Attrs[key] = val
	s.dirty.Add(id, tx)
	return nil
}

// Remove deletes key from object id.
func (s *Objset) Remove(id uint64, key string, tx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	if _, ok := o.Attrs[key]; !ok {
		return fmt.Errorf("%w: key %q in object %d", ErrNotFound, key, id)
	}
	delete(o.Attrs, key)
	s.dirty.Add(id, tx)
	return nil
}

// Keys returns the keys of object id in sorted order.
func (s *Objset) Keys(id uint64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, err := s.get(id)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(o.Attrs))
	for k := range o.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// SetData replaces the payload of object id.
func (s *Objset) SetData(id uint64, data []byte, tx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	o.Data = append([]byte(nil), data...)
	s.dirty.Add(id, tx)
	return nil
}

// Data returns a copy of the payload of object id.
func (s *Objset) Data(id uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), o.Data...), nil
}

// Len returns the number of objects.
func (s *Objset) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Dirty reports whether any object was changed or freed in tx.
func (s *Objset) Dirty(tx uint64) bool {
	return !s.dirty.Empty(tx) || !s.freed.Empty(tx)
}

// Sync writes the whole set through w and clears tx's dirty state. On a
// write error the dirty state is kept so the txg can be retried.
func (s *Objset) Sync(ctx context.Context, tx uint64, w BlockWriter) (types.BlockPtr, error) {
	s.mu.RLock()
	data := s.encode()
	s.mu.RUnlock()

	bp, err := w.WriteBlock(ctx, data, tx)
	if err != nil {
		return types.BlockPtr{}, err
	}
	for {
		if _, ok := s.dirty.Remove(tx); !ok {
			break
		}
	}
	for {
		if _, ok := s.freed.Remove(tx); !ok {
			break
		}
	}
	return bp, nil
}
