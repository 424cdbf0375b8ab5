package types

import (
	"encoding/binary"
	"fmt"
)

// BlockPtrSize is the encoded size of a BlockPtr.
const BlockPtrSize = 64

// Block pointer flags.
const (
	// BPCompressed is set when the block payload is snappy-compressed.
	BPCompressed = 1 << iota
)

// BlockPtr locates a block on a top-level vdev and carries what is needed
// to verify it after reading.
type BlockPtr struct {
	// Vdev is the id of the top-level vdev holding the block.
	Vdev uint64
	// Offset is the allocated offset within the top-level vdev.
	Offset uint64
	// Asize is the allocated size, including redundancy overhead.
	Asize uint64
	// Psize is the physical (possibly compressed) payload size.
	Psize uint64
	// Lsize is the logical size before compression.
	Lsize uint64
	// Checksum is the xxhash64 of the physical payload.
	Checksum uint64
	// Birth is the txg the block was written in.
	Birth uint64
	// Flags holds BP* flags.
	Flags uint64
}

// IsHole reports whether the pointer references nothing.
func (bp BlockPtr) IsHole() bool {
	return bp.Birth == 0 && bp.Asize == 0
}

// IsCompressed reports whether the payload is compressed.
func (bp BlockPtr) IsCompressed() bool {
	return bp.Flags&BPCompressed != 0
}

// String renders the pointer the way debug output prints it.
func (bp BlockPtr) String() string {
	if bp.IsHole() {
		return "<hole>"
	}
	return fmt.Sprintf("%d:%x:%x %dL/%dP birth=%d cksum=%016x",
		bp.Vdev, bp.Offset, bp.Asize, bp.Lsize, bp.Psize, bp.Birth, bp.Checksum)
}

// Encode writes the pointer into buf, which must hold BlockPtrSize bytes.
func (bp BlockPtr) Encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], bp.Vdev)
	le.PutUint64(buf[8:16], bp.Offset)
	le.PutUint64(buf[16:24], bp.Asize)
	le.PutUint64(buf[24:32], bp.Psize)
	le.PutUint64(buf[32:40], bp.Lsize)
	le.PutUint64(buf[40:48], bp.Checksum)
	le.PutUint64(buf[48:56], bp.Birth)
	le.PutUint64(buf[56:64], bp.Flags)
}

// DecodeBlockPtr reads a pointer written by Encode.
func DecodeBlockPtr(buf []byte) (BlockPtr, error) {
	if len(buf) < BlockPtrSize {
		return BlockPtr{}, fmt.Errorf("data too small for block pointer: %d bytes, need %d", len(buf), BlockPtrSize)
	}
	le := binary.LittleEndian
	return BlockPtr{
		Vdev:     le.Uint64(buf[0:8]),
		Offset:   le.Uint64(buf[8:16]),
		Asize:    le.Uint64(buf[16:24]),
		Psize:    le.Uint64(buf[24:32]),
		Lsize:    le.Uint64(buf[32:40]),
		Checksum: le.Uint64(buf[40:48]),
		Birth:    le.Uint64(buf[48:56]),
		Flags:    le.Uint64(buf[56:64]),
	}, nil
}
