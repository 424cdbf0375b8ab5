package vdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/zio"
)

// LabelConfig is the configuration stored in the phys region of every
// label. It carries the whole tree so a pool can be assembled from any one
// of its devices.
type LabelConfig struct {
	Version  uint64  `yaml:"version"`
	Name     string  `yaml:"name"`
	PoolGuid uint64  `yaml:"pool_guid"`
	Txg      uint64  `yaml:"txg"`
	TopGuid  uint64  `yaml:"top_guid"`
	Guid     uint64  `yaml:"guid"`
	Tree     *Config `yaml:"vdev_tree"`
}

// LabelVersion is the label config version written here.
const LabelVersion = 1

// Label pairs. Each pair is written and flushed before the other is
// touched.
var (
	EvenLabels = []int{0, 2}
	OddLabels  = []int{1, 3}
)

// LabelStatus describes one label copy as found on disk.
type LabelStatus struct {
	Index      int
	Offset     uint64
	Valid      bool
	Err        error
	Config     *LabelConfig
	Uberblocks []types.Uberblock
}

func encodePhys(lc *LabelConfig) ([]byte, error) {
	doc, err := yaml.Marshal(lc)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, types.PhysSize)
	if len(doc) > len(buf)-8-types.BlockTailSize {
		return nil, fmt.Errorf("label config is %d bytes, region holds %d", len(doc), len(buf)-8-types.BlockTailSize)
	}
	binary.LittleEndian.PutUint64(buf, uint64(len(doc)))
	copy(buf[8:], doc)
	types.SealRegion(buf)
	return buf, nil
}

func decodePhys(buf []byte) (*LabelConfig, error) {
	if err := types.VerifyRegion(buf); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(buf)
	if n > uint64(len(buf)-8-types.BlockTailSize) {
		return nil, fmt.Errorf("label config length %d out of range", n)
	}
	var lc LabelConfig
	if err := yaml.Unmarshal(buf[8:8+n], &lc); err != nil {
		return nil, err
	}
	return &lc, nil
}

// physIO performs a synchronous, uncached I/O at an absolute leaf offset.
func (vd *Vdev) physIO(ctx context.Context, t zio.Type, off uint64, buf []byte) error {
	z := zio.New(t, off, buf, zio.FlagPhysical|zio.FlagDontCache)
	vd.IOStart(z)
	return z.Wait(ctx)
}

func (vd *Vdev) flush(ctx context.Context) error {
	z := zio.New(zio.Flush, 0, nil, 0)
	vd.IOStart(z)
	return z.Wait(ctx)
}

// WriteLabelConfigs writes the boot header and lc into the given labels of
// a leaf and flushes the device.
func (vd *Vdev) WriteLabelConfigs(ctx context.Context, lc *LabelConfig, labels ...int) error {
	if !vd.IsLeaf() {
		return ErrNotLeaf
	}
	phys, err := encodePhys(lc)
	if err != nil {
		return fmt.Errorf("encode label for %s: %w", vd, err)
	}
	boot, _ := types.NewBootHeader().MarshalBinary()
	for _, l := range labels {
		base := types.LabelOffset(vd.Psize, l)
		if err := vd.physIO(ctx, zio.Write, base+types.BootHeaderOffset, boot); err != nil {
			return fmt.Errorf("write label %d: %w", l, err)
		}
		if err := vd.physIO(ctx, zio.Write, base+types.PhysOffset, phys); err != nil {
			return fmt.Errorf("write label %d: %w", l, err)
		}
	}
	return vd.flush(ctx)
}

// WriteLabels writes lc into labels 0 and 2, flushes, then writes labels 1
// and 3, so that a crash leaves one pair holding a whole config.
func (vd *Vdev) WriteLabels(ctx context.Context, lc *LabelConfig) error {
	if err := vd.WriteLabelConfigs(ctx, lc, EvenLabels...); err != nil {
		return err
	}
	return vd.WriteLabelConfigs(ctx, lc, OddLabels...)
}

// ReadLabel returns the config of the first label whose checksum verifies.
func (vd *Vdev) ReadLabel(ctx context.Context) (*LabelConfig, error) {
	if !vd.IsLeaf() {
		return nil, ErrNotLeaf
	}
	var lastErr error
	buf := make([]byte, types.PhysSize)
	for l := 0; l < types.Labels; l++ {
		off := types.LabelOffset(vd.Psize, l) + types.PhysOffset
		if err := vd.physIO(ctx, zio.Read, off, buf); err != nil {
			lastErr = err
			continue
		}
		lc, err := decodePhys(buf)
		if err != nil {
			lastErr = fmt.Errorf("label %d: %w", l, err)
			continue
		}
		return lc, nil
	}
	return nil, fmt.Errorf("%w: no valid label on %s: %v", ErrCorrupt, vd, lastErr)
}

// writeUberblockLabels writes ub into its ring slot in the given labels.
func (vd *Vdev) writeUberblockLabels(ctx context.Context, ub types.Uberblock, labels ...int) error {
	buf, err := ub.MarshalBinary()
	if err != nil {
		return err
	}
	ok := 0
	var lastErr error
	for _, l := range labels {
		off := types.LabelOffset(vd.Psize, l) + types.UberblockSlotOffset(ub.Slot())
		if err := vd.physIO(ctx, zio.Write, off, buf); err != nil {
			lastErr = err
			continue
		}
		ok++
	}
	if ok == 0 {
		return lastErr
	}
	return vd.flush(ctx)
}

// WriteUberblock writes ub into labels 0 and 2, flushes, then writes
// labels 1 and 3, so that a crash leaves at least one pair intact.
func (vd *Vdev) WriteUberblock(ctx context.Context, ub types.Uberblock) error {
	if !vd.IsLeaf() {
		return ErrNotLeaf
	}
	if err := vd.writeUberblockLabels(ctx, ub, EvenLabels...); err != nil {
		return err
	}
	return vd.writeUberblockLabels(ctx, ub, OddLabels...)
}

// ReadUberblocks returns every valid uberblock in every label ring.
func (vd *Vdev) ReadUberblocks(ctx context.Context) ([]types.Uberblock, error) {
	var out []types.Uberblock
	for _, st := range vd.Labels(ctx) {
		out = append(out, st.Uberblocks...)
	}
	return out, nil
}

// Labels reads and validates all four label copies of a leaf.
func (vd *Vdev) Labels(ctx context.Context) []LabelStatus {
	out := make([]LabelStatus, 0, types.Labels)
	for l := 0; l < types.Labels; l++ {
		base := types.LabelOffset(vd.Psize, l)
		st := LabelStatus{Index: l, Offset: base}
		phys := make([]byte, types.PhysSize)
		if st.Err = vd.physIO(ctx, zio.Read, base+types.PhysOffset, phys); st.Err == nil {
			st.Config, st.Err = decodePhys(phys)
			st.Valid = st.Err == nil
		}
		ring := make([]byte, types.UberblockRingSize)
		if err := vd.physIO(ctx, zio.Read, base+types.UberblockOffset, ring); err == nil {
			for n := 0; n < types.Uberblocks; n++ {
				var ub types.Uberblock
				if ub.UnmarshalBinary(ring[n*types.UberblockSize:(n+1)*types.UberblockSize]) == nil {
					st.Uberblocks = append(st.Uberblocks, ub)
				}
			}
		}
		out = append(out, st)
	}
	return out
}

// LabelConfigFor builds the label contents for leaf vd.
func (t *Tree) LabelConfigFor(vd *Vdev, name string, tx uint64) *LabelConfig {
	lc := &LabelConfig{
		Version:  LabelVersion,
		Name:     name,
		PoolGuid: t.PoolGuid,
		Txg:      tx,
		Guid:     vd.Guid,
		Tree:     t.Root().Config(),
	}
	if top := vd.Top(); top != nil {
		lc.TopGuid = top.Guid
	}
	return lc
}

// healthyLeaves returns the leaves able to take I/O.
func (t *Tree) healthyLeaves() []*Vdev {
	var out []*Vdev
	for _, leaf := range t.Root().Leaves() {
		if leaf.store != nil && leaf.State() >= types.VdevStateDegraded {
			out = append(out, leaf)
		}
	}
	return out
}

// WriteLabels rewrites the labels of every healthy leaf for txg tx. It
// fails only if no leaf could be written.
func (t *Tree) WriteLabels(ctx context.Context, name string, tx uint64) error {
	if err := t.WriteLabelPair(ctx, name, tx, EvenLabels...); err != nil {
		return err
	}
	return t.WriteLabelPair(ctx, name, tx, OddLabels...)
}

// WriteLabelPair writes the config for txg tx into the given labels of
// every healthy leaf. It fails only if no leaf could be written.
func (t *Tree) WriteLabelPair(ctx context.Context, name string, tx uint64, labels ...int) error {
	return t.eachLeaf(ctx, func(ctx context.Context, leaf *Vdev) error {
		return leaf.WriteLabelConfigs(ctx, t.LabelConfigFor(leaf, name, tx), labels...)
	})
}

// WriteUberblock publishes ub on every healthy leaf. Even labels are
// written and flushed on all leaves before any odd label is touched.
func (t *Tree) WriteUberblock(ctx context.Context, ub types.Uberblock) error {
	if ub.Timestamp == 0 {
		ub.Timestamp = uint64(time.Now().Unix())
	}
	if err := t.eachLeaf(ctx, func(ctx context.Context, leaf *Vdev) error {
		return leaf.writeUberblockLabels(ctx, ub, EvenLabels...)
	}); err != nil {
		return err
	}
	return t.eachLeaf(ctx, func(ctx context.Context, leaf *Vdev) error {
		return leaf.writeUberblockLabels(ctx, ub, OddLabels...)
	})
}

func (t *Tree) eachLeaf(ctx context.Context, fn func(context.Context, *Vdev) error) error {
	leaves := t.healthyLeaves()
	if len(leaves) == 0 {
		return fmt.Errorf("%w: no writable devices", ErrNoReplicas)
	}
	errs := make([]error, len(leaves))
	g, gctx := errgroup.WithContext(ctx)
	for i, leaf := range leaves {
		g.Go(func() error {
			errs[i] = fn(gctx, leaf)
			if errs[i] != nil {
				leaf.log.WithError(errs[i]).Warn("label write failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrNoReplicas, errs[0])
}

// ProbeLabels opens the device at path outside any pool and returns its
// four labels. Regular files are opened as file vdevs, anything else as a
// disk.
func ProbeLabels(ctx context.Context, path string, opts ...TreeOption) ([]LabelStatus, error) {
	kind := KindDisk
	if fi, err := os.Stat(path); err != nil {
		return nil, err
	} else if fi.Mode().IsRegular() {
		kind = KindFile
	}

	t := NewTree(opts...)
	root, err := t.Build(&Config{Type: KindRoot.String(), Children: []*Config{{Type: kind.String(), Path: path}}}, AllocAdd)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	if err := root.Open(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return root.Leaves()[0].Labels(ctx), nil
}

// FirstValid returns the config of the first valid label in labels, or nil.
func FirstValid(labels []LabelStatus) *LabelConfig {
	for _, st := range labels {
		if st.Valid {
			return st.Config
		}
	}
	return nil
}
