package spa

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zpool/internal/logging"
	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/vdev"
)

const testDevSize = 96 << 20

func newDevice(t *testing.T, dir string, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err, "Failed to create backing file")
	require.NoError(t, f.Truncate(testDevSize), "Failed to size backing file")
	require.NoError(t, f.Close())
	return path
}

func devices(t *testing.T, n int) []string {
	dir := t.TempDir()
	out := make([]string, n)
	for i := range out {
		out[i] = newDevice(t, dir, string(rune('a'+i)))
	}
	return out
}

func quiet() Option { return WithLogger(logging.Discard()) }

func fileConfig(path string) *vdev.Config {
	return &vdev.Config{Type: "file", Path: path}
}

func mirrorConfig(paths ...string) *vdev.Config {
	c := &vdev.Config{Type: "mirror"}
	for _, p := range paths {
		c.Children = append(c.Children, fileConfig(p))
	}
	return c
}

func payload(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// writeTxg writes data into the named dataset and syncs the txg it landed
// in, returning that txg.
func writeTxg(t *testing.T, p *Pool, name string, data []byte) uint64 {
	t.Helper()
	ds, err := p.Dataset(name)
	require.NoError(t, err)
	tx, release := p.Assign()
	require.NoError(t, ds.Write(data, tx))
	release()
	require.NoError(t, p.SyncTxg(context.Background()))
	return tx
}

func createWithData(t *testing.T, cfg *vdev.Config, opts ...Option) *Pool {
	t.Helper()
	p, err := Create(context.Background(), "tank", cfg, append([]Option{quiet()}, opts...)...)
	require.NoError(t, err, "Failed to create pool")
	_, err = p.CreateDataset("tank/data")
	require.NoError(t, err)
	return p
}

func TestCreatePublishesInitialTxg(t *testing.T) {
	paths := devices(t, 2)
	p := createWithData(t, mirrorConfig(paths...))
	defer p.Close()

	ub := p.Uberblock()
	assert.Equal(t, uint64(InitialTxg), ub.Txg)
	assert.Equal(t, p.Tree().Root().GuidSum, ub.GuidSum)
	assert.False(t, ub.RootBP.IsHole())
	assert.Equal(t, uint64(InitialTxg+1), p.OpenTxg())

	for _, path := range paths {
		labels, err := vdev.ProbeLabels(context.Background(), path, vdev.WithLogger(logging.Discard()))
		require.NoError(t, err)
		lc := vdev.FirstValid(labels)
		require.NotNil(t, lc)
		assert.Equal(t, "tank", lc.Name)
		assert.Equal(t, p.Guid(), lc.PoolGuid)
		for _, st := range labels {
			assert.True(t, st.Valid, "label %d should be valid", st.Index)
		}
	}

	cfg, err := p.StoredConfig()
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.Type)
	require.Len(t, cfg.Children, 1)
	assert.Equal(t, "mirror", cfg.Children[0].Type)
}

func TestIdleTxgPublishesNothing(t *testing.T) {
	p := createWithData(t, fileConfig(devices(t, 1)[0]))
	defer p.Close()

	tx := writeTxg(t, p, "tank/data", []byte("hello"))
	before := p.Uberblock()
	assert.Equal(t, tx, before.Txg)

	require.NoError(t, p.SyncTxg(context.Background()))
	assert.Equal(t, before, p.Uberblock(), "a txg that changed nothing must not publish")
	assert.Equal(t, tx+1, p.SyncedTxg())
}

func TestReopenReadsData(t *testing.T) {
	paths := devices(t, 2)
	p := createWithData(t, mirrorConfig(paths...))
	first := payload(100<<10, 1)
	second := bytes.Repeat([]byte("compressible "), 8192)
	writeTxg(t, p, "tank/data", first)
	last := writeTxg(t, p, "tank/data", second)
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.SyncTxg(context.Background()), ErrPoolClosed)

	q, err := Open(context.Background(), paths, quiet())
	require.NoError(t, err, "Failed to reopen pool")
	defer q.Close()

	assert.Equal(t, "tank", q.Name())
	assert.Equal(t, last, q.Uberblock().Txg)
	assert.Equal(t, last+1, q.OpenTxg())

	ds, err := q.Dataset("tank/data")
	require.NoError(t, err)
	require.Len(t, ds.Blocks(), 2)
	assert.False(t, ds.Blocks()[0].IsCompressed())
	assert.True(t, ds.Blocks()[1].IsCompressed())

	got, err := ds.ReadBlock(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	got, err = ds.ReadBlock(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, second, got)
	assert.Equal(t, uint64(len(first)+len(second)), ds.Used())

	// New writes must land past everything that is already referenced.
	tx := writeTxg(t, q, "tank/data", []byte("third"))
	bps := ds.Blocks()
	require.Len(t, bps, 3)
	assert.Equal(t, tx, bps[2].Birth)
	assert.Greater(t, bps[2].Offset, bps[1].Offset)
}

func TestPublishFailureKeepsPreviousRoot(t *testing.T) {
	paths := devices(t, 1)
	failAt := uint64(0)
	hook := func(_ context.Context, ub types.Uberblock) error {
		if ub.Txg == failAt {
			return errors.New("power lost")
		}
		return nil
	}
	p := createWithData(t, fileConfig(paths[0]), WithPublishHook(hook))

	good := writeTxg(t, p, "tank/data", []byte("durable"))

	ds, err := p.Dataset("tank/data")
	require.NoError(t, err)
	tx, release := p.Assign()
	require.NoError(t, ds.Write([]byte("lost"), tx))
	release()
	failAt = tx

	err = p.SyncTxg(context.Background())
	require.Error(t, err)
	assert.Equal(t, good, p.Uberblock().Txg, "the root must not advance past a failed publication")
	assert.ErrorIs(t, p.SyncTxg(context.Background()), ErrSuspended)
	assert.Error(t, p.Close())

	q, err := Open(context.Background(), paths, quiet())
	require.NoError(t, err)
	defer q.Close()

	assert.Equal(t, good, q.Uberblock().Txg)
	ds, err = q.Dataset("tank/data")
	require.NoError(t, err)
	require.Len(t, ds.Blocks(), 1)
	got, err := ds.ReadBlock(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func TestLostTopologyChangeOpensPreviousConfig(t *testing.T) {
	paths := devices(t, 2)
	failAt := uint64(0)
	hook := func(_ context.Context, ub types.Uberblock) error {
		if ub.Txg == failAt {
			return errors.New("power lost")
		}
		return nil
	}
	p := createWithData(t, fileConfig(paths[0]), WithPublishHook(hook))
	good := writeTxg(t, p, "tank/data", []byte("durable"))

	_, err := p.Add(context.Background(), fileConfig(paths[1]))
	require.NoError(t, err)
	failAt = p.OpenTxg()
	require.Error(t, p.SyncTxg(context.Background()))
	assert.Error(t, p.Close())

	// The added device carries only the config that never got an uberblock.
	labels, err := vdev.ProbeLabels(context.Background(), paths[1], vdev.WithLogger(logging.Discard()))
	require.NoError(t, err)
	lc := vdev.FirstValid(labels)
	require.NotNil(t, lc)
	assert.Equal(t, failAt, lc.Txg)

	for _, set := range [][]string{paths[:1], paths} {
		q, err := Open(context.Background(), set, quiet())
		require.NoError(t, err, "open with %d devices", len(set))

		assert.GreaterOrEqual(t, q.Uberblock().Txg, good)
		assert.Len(t, q.Tree().Root().Children(), 1)
		ds, err := q.Dataset("tank/data")
		require.NoError(t, err)
		require.Len(t, ds.Blocks(), 1)
		got, err := ds.ReadBlock(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("durable"), got)
		require.NoError(t, q.Close())
	}

	// Closing the recovered pool rewrote every label with its config.
	labels, err = vdev.ProbeLabels(context.Background(), paths[0], vdev.WithLogger(logging.Discard()))
	require.NoError(t, err)
	for _, st := range labels {
		require.True(t, st.Valid, "label %d", st.Index)
		assert.Len(t, st.Config.Tree.Children, 1)
	}
}

func TestOpenFallsBackToOlderUberblock(t *testing.T) {
	paths := devices(t, 2)
	p := createWithData(t, mirrorConfig(paths...))
	older := writeTxg(t, p, "tank/data", []byte("one"))
	newest := writeTxg(t, p, "tank/data", []byte("two"))
	require.NoError(t, p.Close())

	// Destroy the newest uberblock in every label of every device.
	ub := types.Uberblock{Txg: newest}
	for _, path := range paths {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		require.NoError(t, err)
		for l := 0; l < types.Labels; l++ {
			off := types.LabelOffset(testDevSize, l) + types.UberblockSlotOffset(ub.Slot())
			_, err := f.WriteAt(make([]byte, types.UberblockSize), int64(off))
			require.NoError(t, err)
		}
		require.NoError(t, f.Close())
	}

	q, err := Open(context.Background(), paths, quiet())
	require.NoError(t, err)
	defer q.Close()

	assert.Equal(t, older, q.Uberblock().Txg)
	ds, err := q.Dataset("tank/data")
	require.NoError(t, err)
	assert.Len(t, ds.Blocks(), 1)
}

func TestOpenDegradedMirror(t *testing.T) {
	paths := devices(t, 2)
	p := createWithData(t, mirrorConfig(paths...))
	data := payload(64<<10, 2)
	writeTxg(t, p, "tank/data", data)
	require.NoError(t, p.Close())

	require.NoError(t, os.Remove(paths[1]))

	q, err := Open(context.Background(), paths[:1], quiet())
	require.NoError(t, err, "a mirror with one surviving side must open")
	defer q.Close()

	st := q.Status()
	assert.Equal(t, types.VdevStateDegraded.String(), st.State)
	ds, err := q.Dataset("tank/data")
	require.NoError(t, err)
	got, err := ds.ReadBlock(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	writeTxg(t, q, "tank/data", []byte("still writable"))
}

func TestOpenFindsMovedDevice(t *testing.T) {
	paths := devices(t, 1)
	p := createWithData(t, fileConfig(paths[0]))
	writeTxg(t, p, "tank/data", []byte("moved"))
	require.NoError(t, p.Close())

	moved := filepath.Join(t.TempDir(), "elsewhere")
	require.NoError(t, os.Rename(paths[0], moved))

	q, err := Open(context.Background(), []string{moved}, quiet())
	require.NoError(t, err)
	defer q.Close()
	assert.Equal(t, moved, q.Tree().Root().Leaves()[0].Path)
}

func TestMirrorRecoversFromCorruptCopy(t *testing.T) {
	paths := devices(t, 2)
	p := createWithData(t, mirrorConfig(paths...))
	data := payload(32<<10, 3)
	writeTxg(t, p, "tank/data", data)
	ds, err := p.Dataset("tank/data")
	require.NoError(t, err)
	bp := ds.Blocks()[0]
	require.NoError(t, p.Close())

	f, err := os.OpenFile(paths[0], os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0xde}, 512), int64(bp.Offset+types.LabelStartSize))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	q, err := Open(context.Background(), paths, quiet())
	require.NoError(t, err)
	defer q.Close()

	ds, err = q.Dataset("tank/data")
	require.NoError(t, err)
	got, err := ds.ReadBlock(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCreateRefusesDeviceInUse(t *testing.T) {
	paths := devices(t, 1)
	p := createWithData(t, fileConfig(paths[0]))
	require.NoError(t, p.Close())

	_, err := Create(context.Background(), "other", fileConfig(paths[0]), quiet())
	assert.ErrorIs(t, err, ErrInUse)

	q, err := Create(context.Background(), "other", fileConfig(paths[0]), quiet(), WithForce(true))
	require.NoError(t, err)
	defer q.Close()
	assert.Equal(t, "other", q.Name())
}

func TestCreateRejectsUnopenableDevice(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent")
	_, err := Create(context.Background(), "tank", fileConfig(missing), quiet())
	assert.Error(t, err)
}

func TestWriteBlockRotatesTopLevels(t *testing.T) {
	paths := devices(t, 2)
	cfg := &vdev.Config{Type: "root", Children: []*vdev.Config{fileConfig(paths[0]), fileConfig(paths[1])}}
	p, err := Create(context.Background(), "tank", cfg, quiet())
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	tx, release := p.Assign()
	a, err := p.WriteBlock(ctx, payload(8192, 4), tx)
	require.NoError(t, err)
	b, err := p.WriteBlock(ctx, bytes.Repeat([]byte{7}, 8192), tx)
	require.NoError(t, err)
	release()

	assert.NotEqual(t, a.Vdev, b.Vdev, "consecutive blocks should land on different top-levels")
	assert.False(t, a.IsCompressed())
	assert.True(t, b.IsCompressed())
	assert.Less(t, b.Psize, b.Lsize)

	got, err := p.ReadBlock(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{7}, 8192), got)

	// Cached copies are private to the caller.
	got[0] = 0
	again, err := p.ReadBlock(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, byte(7), again[0])

	bad := a
	bad.Checksum++
	p.storage().FlushCache()
	_, err = p.ReadBlock(ctx, bad)
	assert.ErrorIs(t, err, ErrChecksum)

	require.NoError(t, p.SyncTxg(ctx))
	assert.Greater(t, p.Status().Allocated, uint64(0))
}

func TestSyncUntil(t *testing.T) {
	p := createWithData(t, fileConfig(devices(t, 1)[0]))
	defer p.Close()

	target := p.OpenTxg() + 2
	require.NoError(t, p.SyncUntil(context.Background(), target))
	assert.GreaterOrEqual(t, p.SyncedTxg(), target)
	assert.Equal(t, target+1, p.OpenTxg())
}

func TestAttachDetach(t *testing.T) {
	paths := devices(t, 2)
	p := createWithData(t, fileConfig(paths[0]))
	writeTxg(t, p, "tank/data", []byte("before attach"))

	orig := p.Tree().Root().Leaves()[0]
	nvd, err := p.Attach(context.Background(), orig.Guid, fileConfig(paths[1]), false)
	require.NoError(t, err)
	require.NoError(t, p.SyncTxg(context.Background()))

	top := p.Tree().Root().Children()[0]
	assert.Equal(t, vdev.KindMirror, top.Kind)
	assert.Equal(t, p.Tree().Root().GuidSum, p.Uberblock().GuidSum)

	assert.ErrorIs(t, p.Detach(orig.Guid), vdev.ErrNoReplicas,
		"the new side has not seen the old txgs")
	require.NoError(t, p.Close())

	q, err := Open(context.Background(), paths, quiet())
	require.NoError(t, err, "reopen after attach")
	assert.Equal(t, vdev.KindMirror, q.Tree().Root().Children()[0].Kind)

	require.NoError(t, q.Detach(nvd.Guid))
	require.NoError(t, q.SyncTxg(context.Background()))
	assert.True(t, q.Tree().Root().Children()[0].IsLeaf())
	require.NoError(t, q.Close())

	r, err := Open(context.Background(), paths[:1], quiet())
	require.NoError(t, err, "reopen after detach")
	defer r.Close()
	ds, err := r.Dataset("tank/data")
	require.NoError(t, err)
	got, err := ds.ReadBlock(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("before attach"), got)
}

func TestOfflineOnline(t *testing.T) {
	paths := devices(t, 2)
	p := createWithData(t, mirrorConfig(paths...))
	defer p.Close()
	leaves := p.Tree().Root().Leaves()

	require.NoError(t, p.Offline(context.Background(), leaves[1].Guid))
	assert.Equal(t, types.VdevStateOffline, leaves[1].State())
	assert.Equal(t, types.VdevStateDegraded, p.Tree().Root().State())
	assert.ErrorIs(t, p.Offline(context.Background(), leaves[0].Guid), vdev.ErrNoReplicas)

	writeTxg(t, p, "tank/data", []byte("while offline"))

	require.NoError(t, p.Online(context.Background(), leaves[1].Guid))
	assert.Equal(t, types.VdevStateHealthy, p.Tree().Root().State())
	require.NoError(t, p.SyncTxg(context.Background()))
}

func TestAddTopLevel(t *testing.T) {
	paths := devices(t, 2)
	p := createWithData(t, fileConfig(paths[0]))
	space := p.Space()

	_, err := p.Add(context.Background(), fileConfig(paths[1]))
	require.NoError(t, err)
	require.NoError(t, p.SyncTxg(context.Background()))
	assert.Greater(t, p.Space(), space)
	require.NoError(t, p.Close())

	q, err := Open(context.Background(), paths, quiet())
	require.NoError(t, err)
	defer q.Close()
	assert.Len(t, q.Tree().Root().Children(), 2)

	_, err = q.Add(context.Background(), fileConfig(filepath.Join(t.TempDir(), "absent")))
	assert.Error(t, err)
	assert.Len(t, q.Tree().Root().Children(), 2)
}

func TestStatus(t *testing.T) {
	paths := devices(t, 2)
	p := createWithData(t, mirrorConfig(paths...))
	defer p.Close()
	writeTxg(t, p, "tank/data", payload(4096, 5))

	st := p.Status()
	assert.Equal(t, "tank", st.Name)
	assert.Equal(t, types.VdevStateHealthy.String(), st.State)
	assert.Equal(t, p.Space(), st.Space)
	assert.Equal(t, uint64(4096), st.Used)
	require.Len(t, st.Vdevs, 4)
	assert.Equal(t, 0, st.Vdevs[0].Depth)
	assert.Equal(t, "mirror", st.Vdevs[1].Kind)
	assert.Equal(t, paths[0], st.Vdevs[2].Name)
	assert.NotNil(t, st.Vdevs[2].Queue)
	assert.Greater(t, st.Vdevs[2].WriteOps+st.Vdevs[3].WriteOps, uint64(0))
}
