package pool

import (
	"time"

	"github.com/deploymenttheory/go-zpool/internal/spa"
	"github.com/deploymenttheory/go-zpool/pkg/app"
)

// CreateRequest asks for a new pool over the devices in a vdev config
// document.
type CreateRequest struct {
	Name       string
	ConfigPath string
	Datasets   []string
	Force      bool
}

// CreateResponse describes a newly created pool.
type CreateResponse struct {
	Name      string   `json:"name" yaml:"name"`
	Guid      uint64   `json:"guid" yaml:"guid"`
	SyncedTxg uint64   `json:"synced_txg" yaml:"synced_txg"`
	Space     uint64   `json:"space" yaml:"space"`
	TopLevels int      `json:"top_levels" yaml:"top_levels"`
	Datasets  []string `json:"datasets,omitempty" yaml:"datasets,omitempty"`
}

// StatusRequest names the devices of the pool to report on.
type StatusRequest struct {
	Devices app.DeviceSet
}

// StatusResponse is the pool status plus the uberblock it was opened at.
type StatusResponse struct {
	spa.Status `yaml:",inline"`
	Uberblock  UberblockInfo `json:"uberblock" yaml:"uberblock"`
}

// UberblockInfo is the printable part of an uberblock.
type UberblockInfo struct {
	Txg       uint64    `json:"txg" yaml:"txg"`
	GuidSum   uint64    `json:"guid_sum" yaml:"guid_sum"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Root      string    `json:"root" yaml:"root"`
}

// SyncRequest writes into a dataset across a number of txgs.
type SyncRequest struct {
	Devices     app.DeviceSet
	Dataset     string
	Bytes       string
	RecordSize  string
	Txgs        int
	MetricsAddr string

	bytes      uint64
	recordSize uint64
}

// SyncResponse summarizes a sync run.
type SyncResponse struct {
	Dataset      string        `json:"dataset" yaml:"dataset"`
	FirstTxg     uint64        `json:"first_txg" yaml:"first_txg"`
	LastTxg      uint64        `json:"last_txg" yaml:"last_txg"`
	Txgs         int           `json:"txgs" yaml:"txgs"`
	BytesWritten uint64        `json:"bytes_written" yaml:"bytes_written"`
	Used         uint64        `json:"used" yaml:"used"`
	Elapsed      time.Duration `json:"elapsed" yaml:"elapsed"`
}

// LabelsRequest names one device whose labels are dumped.
type LabelsRequest struct {
	Device string
}

// LabelInfo describes one label copy.
type LabelInfo struct {
	Index      int      `json:"index" yaml:"index"`
	Offset     uint64   `json:"offset" yaml:"offset"`
	Valid      bool     `json:"valid" yaml:"valid"`
	Error      string   `json:"error,omitempty" yaml:"error,omitempty"`
	Pool       string   `json:"pool,omitempty" yaml:"pool,omitempty"`
	PoolGuid   uint64   `json:"pool_guid,omitempty" yaml:"pool_guid,omitempty"`
	Guid       uint64   `json:"guid,omitempty" yaml:"guid,omitempty"`
	Txg        uint64   `json:"txg,omitempty" yaml:"txg,omitempty"`
	Uberblocks []uint64 `json:"uberblock_txgs" yaml:"uberblock_txgs"`
}

// LabelsResponse lists the labels of a device.
type LabelsResponse struct {
	Device string      `json:"device" yaml:"device"`
	Labels []LabelInfo `json:"labels" yaml:"labels"`
}

// BestTxg returns the highest uberblock txg found in any label.
func (r *LabelsResponse) BestTxg() uint64 {
	var best uint64
	for _, l := range r.Labels {
		for _, tx := range l.Uberblocks {
			best = max(best, tx)
		}
	}
	return best
}
