package pool

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/deploymenttheory/go-zpool/pkg/app"
)

const (
	defaultRecordSize = "128KiB"
	maxRecordSize     = 16 << 20
)

// Validate validates a create request
func (r *CreateRequest) Validate() error {
	if err := validatePoolName(r.Name); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid pool name", err)
	}
	if r.ConfigPath == "" {
		return app.NewError(app.ErrCodeInvalidInput, "a vdev config file is required", nil)
	}
	for _, ds := range r.Datasets {
		if !strings.HasPrefix(ds, r.Name+"/") {
			return app.NewError(app.ErrCodeInvalidInput,
				fmt.Sprintf("dataset %q is not under pool %q", ds, r.Name), nil)
		}
	}
	return nil
}

// Validate validates a status request
func (r *StatusRequest) Validate() error {
	if err := r.Devices.Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid devices", err)
	}
	return nil
}

// Validate validates a sync request and parses its sizes.
func (r *SyncRequest) Validate() error {
	if err := r.Devices.Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid devices", err)
	}
	if r.Dataset == "" || !strings.Contains(r.Dataset, "/") {
		return app.NewError(app.ErrCodeInvalidInput, "dataset must be named pool/dataset", nil)
	}
	if r.Txgs <= 0 {
		return app.NewError(app.ErrCodeInvalidInput, "txgs must be positive", nil)
	}

	n, err := humanize.ParseBytes(r.Bytes)
	if err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid bytes", err)
	}
	r.bytes = n

	rs := r.RecordSize
	if rs == "" {
		rs = defaultRecordSize
	}
	if r.recordSize, err = humanize.ParseBytes(rs); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid record size", err)
	}
	if r.recordSize == 0 || r.recordSize > maxRecordSize {
		return app.NewError(app.ErrCodeInvalidInput,
			fmt.Sprintf("record size must be between 1 byte and %s", humanize.IBytes(maxRecordSize)), nil)
	}
	return nil
}

// Validate validates a labels request
func (r *LabelsRequest) Validate() error {
	if err := (app.DeviceSet{r.Device}).Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid device", err)
	}
	return nil
}

func validatePoolName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	if strings.ContainsAny(name, "/@ \t") {
		return fmt.Errorf("%q may not contain '/', '@' or whitespace", name)
	}
	return nil
}
