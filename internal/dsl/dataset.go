package dsl

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-zpool/internal/txg"
	"github.com/deploymenttheory/go-zpool/internal/types"
)

// Dataset attribute keys.
const (
	attrDir       = "dir"
	attrBlockList = "block_list"
	attrLastTxg   = "last_txg"
)

// freeOverhead is the metadata a free must be able to write, checked
// against the net-free reservation.
const freeOverhead = 4 << 10

// Dataset is a unit of data with its own intent log. Writes are buffered
// per txg and written out when the dataset syncs.
type Dataset struct {
	pool      *Pool
	Name      string
	Object    uint64
	blockList uint64
	dir       *Directory

	mu      sync.Mutex
	used    uint64
	lastTxg uint64
	pending [txg.Size]int64
	records [txg.Size][][]byte
	blocks  []types.BlockPtr

	zil *IntentLog

	// syncedElem is the dataset's place on the pool's synced list, nil
	// when it is not on it. Guarded by the pool's syncedMu.
	syncedElem *list.Element
}

func newDataset(p *Pool, d *Directory) *Dataset {
	return &Dataset{pool: p, Name: d.Name, dir: d, zil: &IntentLog{}}
}

// Dir returns the directory the dataset heads.
func (ds *Dataset) Dir() *Directory { return ds.dir }

// ZIL returns the dataset's intent log.
func (ds *Dataset) ZIL() *IntentLog { return ds.zil }

// Used returns the bytes referenced as of the last sync.
func (ds *Dataset) Used() uint64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.used
}

// LastTxg returns the last txg the dataset synced in.
func (ds *Dataset) LastTxg() uint64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.lastTxg
}

// Blocks returns the pointers of every block written by the dataset.
func (ds *Dataset) Blocks() []types.BlockPtr {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return append([]types.BlockPtr(nil), ds.blocks...)
}

// ReadBlock reads back block i of the dataset.
func (ds *Dataset) ReadBlock(ctx context.Context, i int) ([]byte, error) {
	blocks := ds.Blocks()
	if i < 0 || i >= len(blocks) {
		return nil, fmt.Errorf("%w: block %d of %s", ErrNotFound, i, ds.Name)
	}
	return ds.pool.storage.ReadBlock(ctx, blocks[i])
}

// Write buffers data for txg tx. It is refused if the pool's adjusted size
// cannot take it.
func (ds *Dataset) Write(data []byte, tx uint64) error {
	p := ds.pool
	n := int64(len(data))
	if int64(p.Used())+p.pending.Load()+n > p.AdjustedSize(false) {
		return fmt.Errorf("%w: writing %d bytes to %s", ErrNoSpace, n, ds.Name)
	}
	slot := txg.Slot(tx)
	ds.mu.Lock()
	ds.pending[slot] += n
	ds.records[slot] = append(ds.records[slot], append([]byte(nil), data...))
	ds.mu.Unlock()
	p.pending.Add(n)
	p.MarkDirty(ds, tx)
	return nil
}

// Free releases n referenced bytes in txg tx. Frees are admitted against
// the net-free reservation, so they still succeed on a pool that is too
// full for writes.
func (ds *Dataset) Free(n uint64, tx uint64) error {
	p := ds.pool
	if int64(p.Used())+p.pending.Load()+freeOverhead > p.AdjustedSize(true) {
		return fmt.Errorf("%w: freeing from %s", ErrNoSpace, ds.Name)
	}
	slot := txg.Slot(tx)
	ds.mu.Lock()
	held := int64(ds.used)
	for _, d := range ds.pending {
		held += d
	}
	if int64(n) > held {
		ds.mu.Unlock()
		return fmt.Errorf("dsl: free of %d bytes from %s which holds %d", n, ds.Name, held)
	}
	ds.pending[slot] -= int64(n)
	ds.mu.Unlock()
	p.pending.Add(-int64(n))
	p.MarkDirty(ds, tx)
	return nil
}

// Log appends an intent log record for txg tx. Records are discarded by
// the post-sync cleanup of the txg that made them durable.
func (ds *Dataset) Log(rec []byte, tx uint64) {
	ds.zil.Append(tx, rec)
	ds.pool.MarkDirty(ds, tx)
}

// sync writes the txg's buffered data and records the new space usage in
// the MOS and the directory.
func (ds *Dataset) sync(sc *SyncContext) error {
	if ds.Object == 0 {
		// Created this txg; the parent directory's sync materialises it and
		// dirties it again.
		return nil
	}
	p := ds.pool
	tx := sc.Txg
	slot := txg.Slot(tx)

	ds.mu.Lock()
	records := ds.records[slot]
	delta := ds.pending[slot]
	ds.records[slot] = nil
	ds.pending[slot] = 0
	ds.mu.Unlock()

	var bps []types.BlockPtr
	for i, rec := range records {
		bp, err := p.storage.WriteBlock(sc.Context(), rec, tx)
		if err != nil {
			ds.mu.Lock()
			ds.records[slot] = append(records[i:], ds.records[slot]...)
			ds.pending[slot] += delta
			ds.mu.Unlock()
			return err
		}
		bps = append(bps, bp)
	}

	ds.mu.Lock()
	ds.blocks = append(ds.blocks, bps...)
	ds.used = uint64(int64(ds.used) + delta)
	ds.lastTxg = tx
	used := ds.used
	enc := encodeBlockPtrs(ds.blocks)
	ds.mu.Unlock()
	p.pending.Add(-delta)

	if len(bps) > 0 {
		if err := p.mos.SetData(ds.blockList, enc, tx); err != nil {
			panic(fmt.Sprintf("dsl: block list of %s: %v", ds.Name, err))
		}
	}
	p.mustUpdate(ds.Object, attrUsed, used, tx)
	p.mustUpdate(ds.Object, attrLastTxg, tx, tx)
	if delta != 0 {
		ds.dir.addUsed(delta, tx)
	}
	return nil
}

func encodeBlockPtrs(bps []types.BlockPtr) []byte {
	buf := make([]byte, len(bps)*types.BlockPtrSize)
	for i, bp := range bps {
		bp.Encode(buf[i*types.BlockPtrSize:])
	}
	return buf
}

func decodeBlockPtrs(buf []byte) ([]types.BlockPtr, error) {
	if len(buf)%types.BlockPtrSize != 0 {
		return nil, fmt.Errorf("block list of %d bytes", len(buf))
	}
	out := make([]types.BlockPtr, 0, len(buf)/types.BlockPtrSize)
	for off := 0; off < len(buf); off += types.BlockPtrSize {
		bp, err := types.DecodeBlockPtr(buf[off : off+types.BlockPtrSize])
		if err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, nil
}

// openDataset loads dataset obj headed by d.
func (p *Pool) openDataset(d *Directory, obj uint64) (*Dataset, error) {
	ds := newDataset(p, d)
	ds.Object = obj
	mos := p.mos
	var err error
	if ds.blockList, err = mos.Lookup(obj, attrBlockList); err != nil {
		panic(fmt.Sprintf("dsl: dataset %d: %v", obj, err))
	}
	ds.used, _ = mos.Lookup(obj, attrUsed)
	ds.lastTxg, _ = mos.Lookup(obj, attrLastTxg)
	data, err := mos.Data(ds.blockList)
	if err != nil {
		return nil, err
	}
	if ds.blocks, err = decodeBlockPtrs(data); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", d.Name, err)
	}

	p.nsMu.Lock()
	p.datasets[ds.Name] = ds
	p.nsMu.Unlock()
	return ds, nil
}
