package pool

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/deploymenttheory/go-zpool/internal/spa"
)

func sampleStatus() *StatusResponse {
	return &StatusResponse{
		Status: spa.Status{
			Name:      "tank",
			Guid:      0xabc,
			State:     "ONLINE",
			SyncedTxg: 9,
			OpenTxg:   10,
			Space:     64 << 20,
			Allocated: 1 << 20,
			Vdevs: []spa.VdevStatus{
				{Depth: 0, Name: "root-0", Kind: "root", State: "ONLINE"},
				{Depth: 1, Name: "mirror-0", Kind: "mirror", State: "ONLINE", Asize: 64 << 20, Allocated: 1 << 20},
				{Depth: 2, Name: "/dev/a", Kind: "file", State: "ONLINE", Leaf: true, ChecksumErrors: 3},
			},
		},
		Uberblock: UberblockInfo{Txg: 9, Timestamp: time.Unix(0, 0).UTC()},
	}
}

func TestFormatStatus(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		validate func(*testing.T, []byte)
	}{
		{
			name:   "table format",
			format: "table",
			validate: func(t *testing.T, out []byte) {
				s := string(out)
				assert.Contains(t, s, "pool: tank")
				assert.Contains(t, s, "synced 9, open 10")
				assert.Contains(t, s, "    /dev/a")
				assert.Contains(t, s, "64 MiB")
			},
		},
		{
			name:   "json format",
			format: "json",
			validate: func(t *testing.T, out []byte) {
				var got map[string]any
				require.NoError(t, json.Unmarshal(out, &got))
				assert.Equal(t, "tank", got["name"])
				assert.Contains(t, got, "uberblock")
				assert.Len(t, got["vdevs"], 3)
			},
		},
		{
			name:   "yaml format",
			format: "yaml",
			validate: func(t *testing.T, out []byte) {
				var got map[string]any
				require.NoError(t, yaml.Unmarshal(out, &got))
				assert.Equal(t, "tank", got["name"])
				assert.Equal(t, 9, got["synced_txg"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, FormatStatus(&buf, sampleStatus(), tt.format))
			tt.validate(t, buf.Bytes())
		})
	}
}

func TestFormatRejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, FormatStatus(&buf, sampleStatus(), "xml"))
	assert.Error(t, FormatLabels(&buf, &LabelsResponse{}, "csv"))
}

func TestFormatLabels(t *testing.T) {
	resp := &LabelsResponse{
		Device: "/dev/a",
		Labels: []LabelInfo{
			{Index: 0, Valid: true, Pool: "tank", Txg: 4, Uberblocks: []uint64{4, 5, 6}},
			{Index: 1, Offset: 256 << 10, Valid: false, Error: "checksum mismatch", Uberblocks: []uint64{}},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, FormatLabels(&buf, resp, "table"))
	out := buf.String()
	assert.Contains(t, out, "3 (txg 4..6)")
	assert.Contains(t, out, "checksum mismatch")
	assert.Contains(t, out, "none")
	assert.Contains(t, out, "Newest uberblock: txg 6")
}

func TestFormatSync(t *testing.T) {
	resp := &SyncResponse{Dataset: "tank/data", FirstTxg: 5, LastTxg: 7, Txgs: 3, BytesWritten: 3 << 20, Used: 3 << 20, Elapsed: time.Second}
	var buf bytes.Buffer
	require.NoError(t, FormatSync(&buf, resp, "table"))
	assert.Contains(t, buf.String(), "Synced 3 txg(s) 5..7 into tank/data")
	assert.Contains(t, buf.String(), "3.0 MiB/s")
}

func TestTxgRange(t *testing.T) {
	assert.Equal(t, "none", txgRange(nil))
	assert.Equal(t, "1 (txg 8)", txgRange([]uint64{8}))
	assert.Equal(t, "3 (txg 2..9)", txgRange([]uint64{9, 2, 5}))
}
