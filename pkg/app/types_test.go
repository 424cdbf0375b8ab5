package app

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zpool/internal/spa"
	"github.com/deploymenttheory/go-zpool/internal/vdev"
)

func TestDeviceSet(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, DeviceSet{}.Validate())
	assert.Error(t, DeviceSet{dir, dir + "/missing"}.Validate())
	assert.NoError(t, DeviceSet{dir}.Validate())
	assert.Equal(t, "no devices", DeviceSet{}.String())
	assert.Equal(t, "a, b", DeviceSet{"a", "b"}.String())
}

func TestProgressUpdate(t *testing.T) {
	p := ProgressUpdate{Message: "syncing", Txg: 7, Completed: 2, Total: 8, Bytes: 4 << 20, ElapsedTime: 2 * time.Second}
	assert.Equal(t, 25, p.Percent())
	assert.Equal(t, float64(2<<20), p.Rate())
	assert.Equal(t, 6*time.Second, p.ETA())
	assert.Equal(t, "syncing: txg 7 (2/8, 4.0 MiB at 2.0 MiB/s)", p.String())

	var zero ProgressUpdate
	assert.Zero(t, zero.Percent())
	assert.Zero(t, zero.Rate())
	assert.Zero(t, zero.ETA())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("create: %w", spa.ErrInUse), ErrCodeInUse},
		{spa.ErrSuspended, ErrCodeSuspended},
		{vdev.ErrNoSpace, ErrCodeNoSpace},
		{vdev.ErrNoReplicas, ErrCodeInvalidInput},
		{fmt.Errorf("open: %w", os.ErrNotExist), ErrCodeDeviceAccess},
		{spa.ErrNoValidUberblock, ErrCodeCorrupt},
		{context.DeadlineExceeded, ErrCodeTimeout},
		{fmt.Errorf("sync: %w", context.Canceled), ErrCodeCanceled},
		{fmt.Errorf("boom"), ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := Classify("op", tt.err)
			var ce *CommonError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.code, ce.Code)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, Classify("op", nil))
	orig := NewError(ErrCodeTimeout, "slow", nil)
	assert.Same(t, orig, Classify("op", orig))
}
