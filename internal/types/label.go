package types

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Label geometry.
// Every leaf device carries four identical labels, two at the front of the
// device and two at the end, so that a torn write of any one label leaves at
// least two intact copies.
const (
	// SkipSize is left untouched at the start of each label for partition
	// tables and disk labels written by other software.
	SkipSize = 8 << 10

	// BootHeaderSize is the size of the boot header record.
	BootHeaderSize = 8 << 10

	// PhysSize is the size of the embedded configuration region.
	PhysSize = 112 << 10

	// UberblockShift is log2 of the size of one uberblock slot.
	UberblockShift = 10

	// UberblockSize is the size of one uberblock slot.
	UberblockSize = 1 << UberblockShift

	// UberblockRingSize is the size of the uberblock ring in each label.
	UberblockRingSize = 128 << 10

	// Uberblocks is the number of slots in the uberblock ring.
	Uberblocks = UberblockRingSize >> UberblockShift

	// LabelSize is the total size of one label.
	LabelSize = SkipSize + BootHeaderSize + PhysSize + UberblockRingSize

	// Labels is the number of label copies on each leaf device.
	Labels = 4

	// BootOffset is where the embedded boot loader region starts.
	BootOffset = 2 * LabelSize

	// BootSize is the size of the embedded boot loader region.
	BootSize = 7 << 19

	// LabelStartSize is the reserved space at the start of each leaf.
	LabelStartSize = 2*LabelSize + BootSize

	// LabelEndSize is the reserved space at the end of each leaf.
	LabelEndSize = 2 * LabelSize

	// BootMagic identifies a valid boot header.
	BootMagic = 0x2f5b007b10c

	// BootVersion is the boot header version written by this package.
	BootVersion = 1

	// BlockTailMagic identifies a checksummed region tail.
	BlockTailMagic = 0x210da7ab10c7a11

	// BlockTailSize is the encoded size of a BlockTail.
	BlockTailSize = 16
)

// Offsets of each region relative to the start of a label.
const (
	BootHeaderOffset = SkipSize
	PhysOffset       = BootHeaderOffset + BootHeaderSize
	UberblockOffset  = PhysOffset + PhysSize
)

// LabelOffset returns the absolute device offset of label l on a device of
// physical size psize. Labels 0 and 1 sit at the front, 2 and 3 at the end.
func LabelOffset(psize uint64, l int) uint64 {
	off := uint64(l) * LabelSize
	if l >= 2 {
		off += psize - Labels*LabelSize
	}
	return off
}

// UberblockSlotOffset returns the offset of ring slot n within a label.
func UberblockSlotOffset(n int) uint64 {
	return UberblockOffset + uint64(n)*UberblockSize
}

// BootHeader is the fixed boot record stored in every label.
type BootHeader struct {
	// Magic is BootMagic on a valid label.
	Magic uint64
	// Version of the boot header layout.
	Version uint64
	// Offset of the boot loader region in bytes.
	Offset uint64
	// Size of the boot loader region in bytes.
	Size uint64
}

// NewBootHeader returns the boot header written on every new label.
func NewBootHeader() BootHeader {
	return BootHeader{
		Magic:   BootMagic,
		Version: BootVersion,
		Offset:  BootOffset,
		Size:    BootSize,
	}
}

// MarshalBinary encodes the boot header into a BootHeaderSize buffer.
func (bh BootHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BootHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], bh.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], bh.Version)
	binary.LittleEndian.PutUint64(buf[16:24], bh.Offset)
	binary.LittleEndian.PutUint64(buf[24:32], bh.Size)
	return buf, nil
}

// UnmarshalBinary decodes a boot header and validates its magic.
func (bh *BootHeader) UnmarshalBinary(data []byte) error {
	if len(data) < 32 {
		return fmt.Errorf("data too small for boot header: %d bytes, need at least 32", len(data))
	}
	bh.Magic = binary.LittleEndian.Uint64(data[0:8])
	bh.Version = binary.LittleEndian.Uint64(data[8:16])
	bh.Offset = binary.LittleEndian.Uint64(data[16:24])
	bh.Size = binary.LittleEndian.Uint64(data[24:32])
	if bh.Magic != BootMagic {
		return fmt.Errorf("bad boot header magic 0x%x", bh.Magic)
	}
	return nil
}

// BlockTail trails every checksummed on-disk region (label config region
// and uberblock slots).
type BlockTail struct {
	Magic    uint64
	Checksum uint64
}

// SealRegion writes a block tail over the last BlockTailSize bytes of buf,
// checksumming everything before it.
func SealRegion(buf []byte) {
	n := len(buf) - BlockTailSize
	binary.LittleEndian.PutUint64(buf[n:n+8], BlockTailMagic)
	binary.LittleEndian.PutUint64(buf[n+8:], xxhash.Sum64(buf[:n]))
}

// VerifyRegion checks the block tail written by SealRegion.
func VerifyRegion(buf []byte) error {
	if len(buf) <= BlockTailSize {
		return fmt.Errorf("region too small: %d bytes", len(buf))
	}
	n := len(buf) - BlockTailSize
	tail := BlockTail{
		Magic:    binary.LittleEndian.Uint64(buf[n : n+8]),
		Checksum: binary.LittleEndian.Uint64(buf[n+8:]),
	}
	if tail.Magic != BlockTailMagic {
		return fmt.Errorf("bad block tail magic 0x%x", tail.Magic)
	}
	if sum := xxhash.Sum64(buf[:n]); sum != tail.Checksum {
		return fmt.Errorf("checksum mismatch: computed 0x%x, stored 0x%x", sum, tail.Checksum)
	}
	return nil
}
