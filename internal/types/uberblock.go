package types

import (
	"encoding/binary"
	"fmt"
)

const (
	// UberblockMagic identifies a valid uberblock.
	UberblockMagic = 0x00bab10c

	// UberblockVersion is the uberblock layout version written here.
	UberblockVersion = 1
)

// Uberblock is the root of trust written into the label ring at the end of
// every txg that changed the metadata object set.
type Uberblock struct {
	// Magic is UberblockMagic on a valid slot.
	Magic uint64
	// Version of the uberblock layout.
	Version uint64
	// Txg is the transaction group this uberblock commits.
	Txg uint64
	// GuidSum is the guid-sum of the vdev tree at commit time.
	GuidSum uint64
	// Timestamp is the commit time in unix seconds.
	Timestamp uint64
	// RootBP points at the metadata object set.
	RootBP BlockPtr
}

// Slot returns the ring slot this uberblock is written to.
func (ub Uberblock) Slot() int {
	return int(ub.Txg % Uberblocks)
}

// Compare orders uberblocks by txg, then timestamp.
func (ub Uberblock) Compare(other Uberblock) int {
	switch {
	case ub.Txg < other.Txg:
		return -1
	case ub.Txg > other.Txg:
		return 1
	case ub.Timestamp < other.Timestamp:
		return -1
	case ub.Timestamp > other.Timestamp:
		return 1
	}
	return 0
}

// MarshalBinary encodes the uberblock into a sealed UberblockSize slot.
func (ub Uberblock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, UberblockSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], ub.Magic)
	le.PutUint64(buf[8:16], ub.Version)
	le.PutUint64(buf[16:24], ub.Txg)
	le.PutUint64(buf[24:32], ub.GuidSum)
	le.PutUint64(buf[32:40], ub.Timestamp)
	ub.RootBP.Encode(buf[40 : 40+BlockPtrSize])
	SealRegion(buf)
	return buf, nil
}

// UnmarshalBinary decodes and verifies one uberblock slot.
func (ub *Uberblock) UnmarshalBinary(data []byte) error {
	if len(data) != UberblockSize {
		return fmt.Errorf("uberblock slot is %d bytes, want %d", len(data), UberblockSize)
	}
	if err := VerifyRegion(data); err != nil {
		return fmt.Errorf("invalid uberblock: %w", err)
	}
	le := binary.LittleEndian
	ub.Magic = le.Uint64(data[0:8])
	ub.Version = le.Uint64(data[8:16])
	ub.Txg = le.Uint64(data[16:24])
	ub.GuidSum = le.Uint64(data[24:32])
	ub.Timestamp = le.Uint64(data[32:40])
	bp, err := DecodeBlockPtr(data[40 : 40+BlockPtrSize])
	if err != nil {
		return err
	}
	ub.RootBP = bp
	if ub.Magic != UberblockMagic {
		return fmt.Errorf("bad uberblock magic 0x%x", ub.Magic)
	}
	if ub.Version > UberblockVersion {
		return fmt.Errorf("unsupported uberblock version %d", ub.Version)
	}
	return nil
}
