package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zpool/pkg/app"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), "zpool %v", args)
	return out.String()
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	var devs []string
	for _, name := range []string{"a", "b", "c"} {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, f.Truncate(96<<20))
		require.NoError(t, f.Close())
		devs = append(devs, path)
	}
	doc := fmt.Sprintf("type: raidz\nchildren:\n  - {type: file, path: %s}\n  - {type: file, path: %s}\n  - {type: file, path: %s}\n",
		devs[0], devs[1], devs[2])
	cfgPath := filepath.Join(dir, "raidz.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o644))

	out := run(t, "create", "tank", "-c", cfgPath, "--dataset", "tank/data")
	assert.Contains(t, out, "Created pool tank")

	out = run(t, "sync", devs[0], devs[1], devs[2], "-d", "tank/data", "-b", "512KiB", "-n", "2", "-o", "json")
	var synced map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &synced))
	assert.EqualValues(t, 2, synced["txgs"])
	assert.EqualValues(t, 1<<20, synced["bytes_written"])

	out = run(t, "status", devs[2], devs[0], devs[1], "-o", "json")
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "tank", status["name"])
	assert.Equal(t, "ONLINE", status["state"])

	out = run(t, "labels", devs[1], "-o", "table")
	assert.Contains(t, out, "Newest uberblock: txg")
	assert.Contains(t, out, "tank")
}

func TestTimeoutFlag(t *testing.T) {
	t.Cleanup(func() { timeout = 0 })
	dev := filepath.Join(t.TempDir(), "blank")
	f, err := os.Create(dev)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(96<<20))
	require.NoError(t, f.Close())

	run(t, "labels", dev, "--timeout", "1m")
	assert.Equal(t, time.Minute, appCtx.Timeout)

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"sync", dev, "-d", "tank/data", "--timeout", "1ns"})
	assert.Error(t, rootCmd.Execute(), "an expired deadline fails the run")
}

func TestReportError(t *testing.T) {
	prev := appCtx
	t.Cleanup(func() { appCtx = prev })

	var errOut bytes.Buffer
	appCtx = app.NewContext()
	appCtx.Quiet = true
	appCtx.Stderr = &errOut
	reportError(errors.New("device gone"))
	assert.Equal(t, "Error: device gone\n", errOut.String())
}
