package exchange

import (
	"encoding/binary"
)

// The exchange hashes actions over their msgpack encoding, with map keys in
// struct declaration order. Only the handful of shapes our actions use are
// needed (fixmap, fixarray, str, bool, uint), so the encoder is written out
// by hand rather than pulling in a full codec.
type msgpackWriter struct {
	buf []byte
}

func (w *msgpackWriter) bytes() []byte { return w.buf }

func (w *msgpackWriter) writeMapHeader(n int) {
	switch {
	case n < 16:
		w.buf = append(w.buf, 0x80|byte(n))
	case n < 1<<16:
		w.buf = append(w.buf, 0xde)
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
	default:
		w.buf = append(w.buf, 0xdf)
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(n))
	}
}

func (w *msgpackWriter) writeArrayHeader(n int) {
	switch {
	case n < 16:
		w.buf = append(w.buf, 0x90|byte(n))
	case n < 1<<16:
		w.buf = append(w.buf, 0xdc)
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
	default:
		w.buf = append(w.buf, 0xdd)
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(n))
	}
}

func (w *msgpackWriter) writeString(s string) {
	n := len(s)
	switch {
	case n < 32:
		w.buf = append(w.buf, 0xa0|byte(n))
	case n < 1<<8:
		w.buf = append(w.buf, 0xd9, byte(n))
	case n < 1<<16:
		w.buf = append(w.buf, 0xda)
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
	default:
		w.buf = append(w.buf, 0xdb)
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(n))
	}
	w.buf = append(w.buf, s...)
}

func (w *msgpackWriter) writeBool(b bool) {
	if b {
		w.buf = append(w.buf, 0xc3)
	} else {
		w.buf = append(w.buf, 0xc2)
	}
}

func (w *msgpackWriter) writeUint(v uint64) {
	switch {
	case v < 128:
		w.buf = append(w.buf, byte(v))
	case v < 1<<8:
		w.buf = append(w.buf, 0xcc, byte(v))
	case v < 1<<16:
		w.buf = append(w.buf, 0xcd)
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
	case v < 1<<32:
		w.buf = append(w.buf, 0xce)
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
	default:
		w.buf = append(w.buf, 0xcf)
		w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	}
}
