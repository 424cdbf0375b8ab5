package pool

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zpool/pkg/app"
)

const testDevSize = 96 << 20

// mirrorPool writes two backing files and a vdev config mirroring them.
func mirrorPool(t *testing.T) (cfgPath string, devices app.DeviceSet) {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"a", "b"} {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, f.Truncate(testDevSize))
		require.NoError(t, f.Close())
		devices = append(devices, path)
	}
	doc := fmt.Sprintf("type: mirror\nchildren:\n  - type: file\n    path: %s\n  - type: file\n    path: %s\n",
		devices[0], devices[1])
	cfgPath = filepath.Join(dir, "tree.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o644))
	return cfgPath, devices
}

func testContext() (*app.Context, *bytes.Buffer) {
	ctx := app.NewContext()
	var errOut bytes.Buffer
	ctx.Stdout, ctx.Stderr = &bytes.Buffer{}, &errOut
	return ctx, &errOut
}

func TestPoolLifecycle(t *testing.T) {
	cfgPath, devs := mirrorPool(t)
	ctx, _ := testContext()

	created, err := HandleCreate(ctx, &CreateRequest{Name: "tank", ConfigPath: cfgPath, Datasets: []string{"tank/data"}})
	require.NoError(t, err)
	assert.Equal(t, "tank", created.Name)
	assert.Equal(t, 1, created.TopLevels)
	assert.NotZero(t, created.Guid)
	assert.Greater(t, created.Space, uint64(0))

	var updates []app.ProgressUpdate
	ctx.SetProgress(func(u app.ProgressUpdate) { updates = append(updates, u) })
	synced, err := HandleSync(ctx, &SyncRequest{Devices: devs, Dataset: "tank/data", Bytes: "256KiB", Txgs: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, synced.Txgs)
	assert.Equal(t, uint64(3*256<<10), synced.BytesWritten)
	assert.Equal(t, synced.BytesWritten, synced.Used)
	assert.Equal(t, synced.FirstTxg+2, synced.LastTxg)
	require.Len(t, updates, 3)
	assert.Equal(t, 100, updates[2].Percent())

	status, err := HandleStatus(ctx, &StatusRequest{Devices: devs})
	require.NoError(t, err)
	assert.Equal(t, "tank", status.Name)
	assert.Equal(t, created.Guid, status.Guid)
	assert.Equal(t, "ONLINE", status.State)
	assert.Equal(t, synced.LastTxg, status.Uberblock.Txg)
	assert.Equal(t, synced.BytesWritten, status.Used)

	labels, err := HandleLabels(ctx, &LabelsRequest{Device: devs[0]})
	require.NoError(t, err)
	require.Len(t, labels.Labels, 4)
	for _, l := range labels.Labels {
		assert.True(t, l.Valid, "label %d", l.Index)
		assert.Equal(t, "tank", l.Pool)
	}
	assert.Equal(t, synced.LastTxg, labels.BestTxg())
}

func TestCreateRefusesUsedDevices(t *testing.T) {
	cfgPath, _ := mirrorPool(t)
	ctx, _ := testContext()

	_, err := HandleCreate(ctx, &CreateRequest{Name: "tank", ConfigPath: cfgPath})
	require.NoError(t, err)

	_, err = HandleCreate(ctx, &CreateRequest{Name: "other", ConfigPath: cfgPath})
	var ce *app.CommonError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, app.ErrCodeInUse, ce.Code)

	_, err = HandleCreate(ctx, &CreateRequest{Name: "other", ConfigPath: cfgPath, Force: true})
	assert.NoError(t, err)
}

func TestSyncServesMetrics(t *testing.T) {
	cfgPath, devs := mirrorPool(t)
	ctx, _ := testContext()
	_, err := HandleCreate(ctx, &CreateRequest{Name: "tank", ConfigPath: cfgPath})
	require.NoError(t, err)

	resp, err := HandleSync(ctx, &SyncRequest{
		Devices: devs, Dataset: "tank/new", Bytes: "64KiB", Txgs: 1, MetricsAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(64<<10), resp.Used)
}

func TestStatusOfBlankDevice(t *testing.T) {
	_, devs := mirrorPool(t)
	ctx, _ := testContext()

	_, err := HandleStatus(ctx, &StatusRequest{Devices: devs[:1]})
	var ce *app.CommonError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, app.ErrCodeCorrupt, ce.Code)
}

func TestLabelsOfBlankDevice(t *testing.T) {
	_, devs := mirrorPool(t)
	ctx, _ := testContext()

	resp, err := HandleLabels(ctx, &LabelsRequest{Device: devs[0]})
	require.NoError(t, err)
	require.Len(t, resp.Labels, 4)
	for _, l := range resp.Labels {
		assert.False(t, l.Valid)
		assert.NotEmpty(t, l.Error)
		assert.Empty(t, l.Uberblocks)
	}
	assert.Zero(t, resp.BestTxg())
}

func TestSyncStopsWhenCanceled(t *testing.T) {
	cfgPath, devs := mirrorPool(t)
	ctx, _ := testContext()
	_, err := HandleCreate(ctx, &CreateRequest{Name: "tank", ConfigPath: cfgPath, Datasets: []string{"tank/data"}})
	require.NoError(t, err)

	cctx, cancel := ctx.Bounded()
	defer cancel()
	cctx.SetProgress(func(u app.ProgressUpdate) {
		if u.Completed == 1 {
			cancel()
		}
	})
	_, err = HandleSync(cctx, &SyncRequest{Devices: devs, Dataset: "tank/data", Bytes: "64KiB", Txgs: 5})
	var ce *app.CommonError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, app.ErrCodeCanceled, ce.Code)

	status, err := HandleStatus(ctx, &StatusRequest{Devices: devs})
	require.NoError(t, err)
	assert.Equal(t, uint64(64<<10), status.Used, "only the first txg was written")
}
