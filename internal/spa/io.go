package spa

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"

	"github.com/deploymenttheory/go-zpool/internal/dsl"
	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/vdev"
	"github.com/deploymenttheory/go-zpool/internal/zio"
)

// storage is the view of the pool handed to the sync engine. The root it
// installs is held back until the txg's uberblock is on disk.
type storage struct{ p *Pool }

var _ dsl.Storage = storage{}

func (p *Pool) storage() storage { return storage{p: p} }

func (s storage) WriteBlock(ctx context.Context, data []byte, tx uint64) (types.BlockPtr, error) {
	return s.p.WriteBlock(ctx, data, tx)
}

func (s storage) ReadBlock(ctx context.Context, bp types.BlockPtr) ([]byte, error) {
	return s.p.ReadBlock(ctx, bp)
}

func (s storage) RootBlockPtr() types.BlockPtr { return s.p.RootBlockPtr() }

func (s storage) SetRootBlockPtr(bp types.BlockPtr) {
	s.p.rootMu.Lock()
	defer s.p.rootMu.Unlock()
	s.p.pending, s.p.havePending = bp, true
}

func (s storage) Space() uint64 { return s.p.Space() }

func (s storage) FlushCache() { s.p.arc.Purge() }

// compress returns the payload to store for data and whether it is
// compressed. Compression is kept only when it saves at least an eighth.
func compress(data []byte) ([]byte, bool) {
	c := snappy.Encode(nil, data)
	if len(c) <= len(data)-len(data)/8 {
		return c, true
	}
	return data, false
}

// allocate reserves room for psize bytes on the next top-level vdev that
// can take them, rotating between top-levels.
func (p *Pool) allocate(psize, tx uint64) (*vdev.Vdev, uint64, uint64, error) {
	tops := p.tree.Root().Children()
	start := p.rotor.Add(1)
	lastErr := fmt.Errorf("%w: no writable top-level vdev", vdev.ErrNoSpace)
	for i := range tops {
		top := tops[(start+uint64(i))%uint64(len(tops))]
		if !healthy(top.State()) {
			continue
		}
		asize := top.AllocatableSize(psize)
		off, err := top.AllocSpace(asize, tx)
		if err != nil {
			lastErr = err
			continue
		}
		return top, off, asize, nil
	}
	return nil, 0, 0, lastErr
}

func sectorAlign(n uint64, ashift uint64) uint64 {
	sector := uint64(1) << ashift
	return (n + sector - 1) &^ (sector - 1)
}

// WriteBlock stores data as a new block born in txg tx and returns its
// block pointer once every copy the vdev requires has been written.
func (p *Pool) WriteBlock(ctx context.Context, data []byte, tx uint64) (types.BlockPtr, error) {
	payload, compressed := compress(data)
	psize := uint64(len(payload))

	top, off, asize, err := p.allocate(max(psize, 1), tx)
	if err != nil {
		return types.BlockPtr{}, err
	}
	buf := make([]byte, sectorAlign(max(psize, 1), top.Ashift))
	copy(buf, payload)

	z := zio.New(zio.Write, off, buf, 0)
	z.Txg = tx
	top.IOStart(z)
	if err := z.Wait(ctx); err != nil {
		return types.BlockPtr{}, fmt.Errorf("write block on %s: %w", top, err)
	}

	bp := types.BlockPtr{
		Vdev:     top.ID,
		Offset:   off,
		Asize:    asize,
		Psize:    psize,
		Lsize:    uint64(len(data)),
		Checksum: xxhash.Sum64(payload),
		Birth:    tx,
	}
	if compressed {
		bp.Flags |= types.BPCompressed
	}
	return bp, nil
}

// ReadBlock returns the logical contents of bp. Blocks are served from the
// shared cache when possible; otherwise they are read through the vdev
// tree, which retries other copies when the checksum does not match.
func (p *Pool) ReadBlock(ctx context.Context, bp types.BlockPtr) ([]byte, error) {
	if bp.IsHole() {
		return nil, fmt.Errorf("%w: read of a hole", vdev.ErrCorrupt)
	}
	key := blockKey{vdev: bp.Vdev, offset: bp.Offset, birth: bp.Birth}
	if data, ok := p.arc.Get(key); ok {
		return append([]byte(nil), data...), nil
	}

	top := p.tree.Root().Child(int(bp.Vdev))
	if top == nil {
		return nil, fmt.Errorf("%w: block on unknown vdev %d", vdev.ErrCorrupt, bp.Vdev)
	}
	verify := func(b []byte) error {
		if uint64(len(b)) < bp.Psize || xxhash.Sum64(b[:bp.Psize]) != bp.Checksum {
			return fmt.Errorf("%w: %s", ErrChecksum, bp)
		}
		return nil
	}

	z := zio.New(zio.Read, bp.Offset, make([]byte, sectorAlign(max(bp.Psize, 1), top.Ashift)), 0)
	z.Txg = bp.Birth
	z.Verify = verify
	top.IOStart(z)
	if err := z.Wait(ctx); err != nil {
		return nil, fmt.Errorf("read block %s: %w", bp, err)
	}
	// Single-device top-levels have no other copy to try, so the check
	// is repeated here.
	if err := verify(z.Data); err != nil {
		return nil, err
	}

	data := z.Data[:bp.Psize]
	if bp.IsCompressed() {
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress %s: %v", vdev.ErrCorrupt, bp, err)
		}
		if uint64(len(out)) != bp.Lsize {
			return nil, fmt.Errorf("%w: %s decompressed to %d bytes", vdev.ErrCorrupt, bp, len(out))
		}
		data = out
	} else {
		data = append([]byte(nil), data...)
	}
	p.arc.Add(key, data)
	return append([]byte(nil), data...), nil
}
