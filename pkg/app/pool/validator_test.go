package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zpool/pkg/app"
)

func TestCreateRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRequest
		wantErr bool
	}{
		{"valid", CreateRequest{Name: "tank", ConfigPath: "tree.yaml", Datasets: []string{"tank/a"}}, false},
		{"missing name", CreateRequest{ConfigPath: "tree.yaml"}, true},
		{"slash in name", CreateRequest{Name: "tank/a", ConfigPath: "tree.yaml"}, true},
		{"missing config", CreateRequest{Name: "tank"}, true},
		{"dataset outside pool", CreateRequest{Name: "tank", ConfigPath: "tree.yaml", Datasets: []string{"other/a"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var ce *app.CommonError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, app.ErrCodeInvalidInput, ce.Code)
		})
	}
}

func TestSyncRequestValidate(t *testing.T) {
	dev := t.TempDir()

	req := SyncRequest{Devices: app.DeviceSet{dev}, Dataset: "tank/data", Bytes: "1MiB", Txgs: 2}
	require.NoError(t, req.Validate())
	assert.Equal(t, uint64(1<<20), req.bytes)
	assert.Equal(t, uint64(128<<10), req.recordSize)

	tests := []struct {
		name string
		req  SyncRequest
	}{
		{"no devices", SyncRequest{Dataset: "tank/data", Bytes: "1", Txgs: 1}},
		{"missing device", SyncRequest{Devices: app.DeviceSet{dev + "/nope"}, Dataset: "tank/data", Bytes: "1", Txgs: 1}},
		{"bare pool name", SyncRequest{Devices: app.DeviceSet{dev}, Dataset: "tank", Bytes: "1", Txgs: 1}},
		{"no txgs", SyncRequest{Devices: app.DeviceSet{dev}, Dataset: "tank/data", Bytes: "1", Txgs: 0}},
		{"bad size", SyncRequest{Devices: app.DeviceSet{dev}, Dataset: "tank/data", Bytes: "lots", Txgs: 1}},
		{"huge records", SyncRequest{Devices: app.DeviceSet{dev}, Dataset: "tank/data", Bytes: "1", RecordSize: "1GiB", Txgs: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.req.Validate())
		})
	}
}

func TestLabelsRequestValidate(t *testing.T) {
	assert.Error(t, (&LabelsRequest{}).Validate())
	assert.Error(t, (&LabelsRequest{Device: "/no/such/device"}).Validate())
	assert.NoError(t, (&LabelsRequest{Device: t.TempDir()}).Validate())
}
