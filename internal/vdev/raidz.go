package vdev

import (
	"fmt"

	"github.com/deploymenttheory/go-zpool/internal/zio"
)

// raidz stripes each block over all children with a single XOR parity
// column. A block of psize bytes is cut into rows of n-1 data sectors plus
// one parity sector; each child holds one column of colSize bytes at the
// block's offset divided by n. The parity child rotates with the offset.

func (vd *Vdev) raidzGeometry(z *zio.Zio) (n int, childOff, colSize uint64, parity int) {
	n = len(vd.children)
	sector := uint64(1) << vd.Ashift
	sectors := (z.Size() + sector - 1) >> vd.Ashift
	rows := (sectors + uint64(n) - 2) / uint64(n-1)
	colSize = rows << vd.Ashift
	childOff = z.Offset / uint64(n)
	parity = int((childOff >> vd.Ashift) % uint64(n))
	return n, childOff, colSize, parity
}

// dataChild returns the child holding data column j.
func dataChild(parity, j, n int) int { return (parity + 1 + j) % n }

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

func (vd *Vdev) raidzStart(z *zio.Zio) {
	kids := vd.Children()
	m := &ioMap{z: z, targets: kids}
	if z.Type == zio.Flush {
		for range kids {
			m.kids = append(m.kids, z.Clone(0, nil))
		}
		vd.fanOut(m)
		return
	}

	n, childOff, colSize, parity := vd.raidzGeometry(z)
	m.parity, m.colSize = parity, colSize
	cols := make([][]byte, n)
	if z.Type == zio.Write {
		padded := make([]byte, uint64(n-1)*colSize)
		copy(padded, z.Data)
		pcol := make([]byte, colSize)
		for j := 0; j < n-1; j++ {
			col := padded[uint64(j)*colSize : uint64(j+1)*colSize]
			cols[dataChild(parity, j, n)] = col
			xorInto(pcol, col)
		}
		cols[parity] = pcol
	} else {
		for i := range cols {
			cols[i] = make([]byte, colSize)
		}
	}
	for i := range kids {
		m.kids = append(m.kids, z.Clone(childOff, cols[i]))
	}
	vd.fanOut(m)
}

// raidzDone tolerates one failed column. Reads rebuild a failed column
// from the others; a read that fails verification with every column
// present is retried with each data column rebuilt in turn, which finds a
// single silently corrupted child.
func (vd *Vdev) raidzDone(m *ioMap) {
	z := m.z
	var failed []int
	for i, err := range m.errs {
		if err != nil {
			failed = append(failed, i)
		}
	}
	if len(failed) > 1 {
		z.Done(fmt.Errorf("%w: %s: %d columns failed: %v", ErrNoReplicas, vd, len(failed), m.errs[failed[0]]))
		return
	}
	if z.Type != zio.Read {
		if len(failed) == 1 && z.Type == zio.Write && z.Txg != 0 {
			m.targets[failed[0]].missedWrite(z.Txg)
		}
		if len(m.kids) > 0 && len(failed) == len(m.kids) {
			z.Done(fmt.Errorf("%w: %s: %v", ErrNoReplicas, vd, m.errs[failed[0]]))
			return
		}
		z.Done(nil)
		return
	}

	n := len(m.kids)
	cols := make([][]byte, n)
	for i, kz := range m.kids {
		cols[i] = kz.Data
	}
	if len(failed) == 1 {
		rebuild(cols, failed[0])
	}

	out := assemble(cols, m.parity, z.Size())
	if z.Verify == nil || z.Verify(out) == nil {
		copy(z.Data, out)
		z.Done(nil)
		return
	}
	if len(failed) == 0 {
		for j := 0; j < n-1; j++ {
			bad := dataChild(m.parity, j, n)
			saved := cols[bad]
			cols[bad] = make([]byte, m.colSize)
			rebuild(cols, bad)
			out = assemble(cols, m.parity, z.Size())
			if z.Verify(out) == nil {
				m.targets[bad].Stats.ChecksumErrors.Add(1)
				vd.log.WithField("child", m.targets[bad].String()).Warn("reconstructed corrupt column")
				copy(z.Data, out)
				z.Done(nil)
				return
			}
			cols[bad] = saved
		}
	}
	z.Done(fmt.Errorf("%w: %s: checksum mismatch at %#x", ErrNoReplicas, vd, z.Offset))
}

// rebuild recomputes column x as the XOR of every other column.
func rebuild(cols [][]byte, x int) {
	col := cols[x]
	clear(col)
	for i, c := range cols {
		if i != x {
			xorInto(col, c)
		}
	}
}

func assemble(cols [][]byte, parity int, size uint64) []byte {
	n := len(cols)
	out := make([]byte, 0, uint64(n-1)*uint64(len(cols[0])))
	for j := 0; j < n-1; j++ {
		out = append(out, cols[dataChild(parity, j, n)]...)
	}
	return out[:size]
}
