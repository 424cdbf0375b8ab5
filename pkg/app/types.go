package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/deploymenttheory/go-zpool/internal/spa"
	"github.com/deploymenttheory/go-zpool/internal/vdev"
)

// DeviceSet is the list of device paths a command opens a pool from.
type DeviceSet []string

// Validate checks that at least one device is named and that each exists.
func (d DeviceSet) Validate() error {
	if len(d) == 0 {
		return errors.New("at least one device is required")
	}
	for _, path := range d {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("device %s: %w", path, err)
		}
	}
	return nil
}

// String returns a string representation of the device set
func (d DeviceSet) String() string {
	if len(d) == 0 {
		return "no devices"
	}
	return strings.Join(d, ", ")
}

// ProgressUpdate reports how far a multi-txg operation has got.
type ProgressUpdate struct {
	Message     string
	Txg         uint64
	Completed   int64
	Total       int64
	Bytes       uint64
	StartedAt   time.Time
	ElapsedTime time.Duration
}

// Percent calculates completion percentage
func (p *ProgressUpdate) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return int((p.Completed * 100) / p.Total)
}

// Rate returns bytes written per second.
func (p *ProgressUpdate) Rate() float64 {
	if p.ElapsedTime == 0 {
		return 0
	}
	return float64(p.Bytes) / p.ElapsedTime.Seconds()
}

// ETA estimates time to completion from the per-step pace so far.
func (p *ProgressUpdate) ETA() time.Duration {
	if p.Completed == 0 || p.Total == 0 {
		return 0
	}
	perStep := p.ElapsedTime / time.Duration(p.Completed)
	return perStep * time.Duration(p.Total-p.Completed)
}

// String renders the update for a terminal.
func (p *ProgressUpdate) String() string {
	return fmt.Sprintf("%s: txg %d (%d/%d, %s at %s/s)", p.Message, p.Txg,
		p.Completed, p.Total, humanize.IBytes(p.Bytes), humanize.IBytes(uint64(p.Rate())))
}

// CommonError represents application-level errors
type CommonError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CommonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommonError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeDeviceAccess = "DEVICE_ACCESS"
	ErrCodeInUse        = "DEVICE_IN_USE"
	ErrCodeCorrupt      = "CORRUPT"
	ErrCodeNoSpace      = "NO_SPACE"
	ErrCodeSuspended    = "POOL_SUSPENDED"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeCanceled     = "CANCELED"
	ErrCodeInternal     = "INTERNAL"
)

// NewError creates a new CommonError
func NewError(code, message string, cause error) *CommonError {
	return &CommonError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Classify wraps a pool error in a CommonError whose code names its
// category. Errors that already carry a code are returned unchanged.
func Classify(message string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CommonError
	if errors.As(err, &ce) {
		return err
	}
	code := ErrCodeInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		code = ErrCodeCanceled
	case errors.Is(err, spa.ErrInUse):
		code = ErrCodeInUse
	case errors.Is(err, spa.ErrSuspended):
		code = ErrCodeSuspended
	case errors.Is(err, vdev.ErrNoSpace):
		code = ErrCodeNoSpace
	case errors.Is(err, vdev.ErrNoReplicas):
		code = ErrCodeInvalidInput
	case errors.Is(err, vdev.ErrCantOpen), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		code = ErrCodeDeviceAccess
	case errors.Is(err, vdev.ErrCorrupt), errors.Is(err, spa.ErrChecksum),
		errors.Is(err, spa.ErrNoValidUberblock), errors.Is(err, spa.ErrPoolMismatch):
		code = ErrCodeCorrupt
	}
	return NewError(code, message, err)
}
