package objset

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const setMagic = 0x4d4f5301

var le = binary.LittleEndian

// encode serializes every object in id order. Caller holds mu.
func (s *Objset) encode() []byte {
	ids := make([]uint64, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := le.AppendUint32(nil, setMagic)
	buf = le.AppendUint64(buf, s.next)
	buf = le.AppendUint64(buf, uint64(len(ids)))
	for _, id := range ids {
		o := s.objects[id]
		buf = le.AppendUint64(buf, id)
		buf = append(buf, byte(o.Type))

		keys := make([]string, 0, len(o.Attrs))
		for k := range o.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = le.AppendUint32(buf, uint32(len(keys)))
		for _, k := range keys {
			buf = le.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			buf = le.AppendUint64(buf, o.Attrs[k])
		}
		buf = le.AppendUint32(buf, uint32(len(o.Data)))
		buf = append(buf, o.Data...)
	}
	return buf
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = fmt.Errorf("%w: truncated at %d bytes", ErrCorrupt, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return le.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return le.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return le.Uint64(b)
	}
	return 0
}

func (s *Objset) decode(data []byte) error {
	d := &decoder{buf: data}
	if m := d.u32(); d.err == nil && m != setMagic {
		return fmt.Errorf("%w: bad magic %#x", ErrCorrupt, m)
	}
	next := d.u64()
	count := d.u64()
	objects := make(map[uint64]*Object)
	for i := uint64(0); i < count && d.err == nil; i++ {
		id := d.u64()
		o := &Object{Type: ObjectType(d.u8()), Attrs: map[string]uint64{}}
		nattrs := d.u32()
		for j := uint32(0); j < nattrs && d.err == nil; j++ {
			k := string(d.take(int(d.u16())))
			o.Attrs[k] = d.u64()
		}
		if n := d.u32(); n > 0 {
			o.Data = append([]byte(nil), d.take(int(n))...)
		}
		objects[id] = o
	}
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(d.buf))
	}
	s.objects = objects
	s.next = next
	return nil
}
