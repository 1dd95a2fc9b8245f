package mbo

import (
	"encoding/binary"
	"errors"
)

// Wire format constants. Every event travels as one RecordSize-byte record,
// big-endian, no framing. The stream is a bare concatenation of records, so
// its length is always a multiple of RecordSize.
const (
	offTsRecv  = 0  // 8 bytes
	offTsEvent = 8  // 8 bytes
	offOrderID = 16 // 8 bytes
	offPrice   = 24 // 8 bytes
	offSize    = 32 // 4 bytes
	offFlags   = 36 // 1 byte
	offSide    = 37 // 1 byte
	offAction  = 38 // 1 byte, followed by 1 reserved byte

	RecordSize = 40
)

var ErrShortRecord = errors.New("short record")

// Encode writes ev into buf, which must hold at least RecordSize bytes.
func Encode(buf []byte, ev *Event) {
	binary.BigEndian.PutUint64(buf[offTsRecv:], ev.TsRecv)
	binary.BigEndian.PutUint64(buf[offTsEvent:], ev.TsEvent)
	binary.BigEndian.PutUint64(buf[offOrderID:], ev.OrderID)
	binary.BigEndian.PutUint64(buf[offPrice:], uint64(ev.Price))
	binary.BigEndian.PutUint32(buf[offSize:], ev.Size)
	buf[offFlags] = byte(ev.Flags)
	buf[offSide] = byte(ev.Side)
	buf[offAction] = byte(ev.Action)
	buf[offAction+1] = 0
}

var zeroRecord [RecordSize]byte

// AppendEncode appends the encoded form of ev to dst and returns the
// extended slice. With a pre-sized dst this does not allocate, which keeps
// the streamer's batch loop off the heap.
func AppendEncode(dst []byte, ev *Event) []byte {
	n := len(dst)
	dst = append(dst, zeroRecord[:]...)
	Encode(dst[n:], ev)
	return dst
}

// Decode parses one record out of buf.
func Decode(buf []byte) (Event, error) {
	if len(buf) < RecordSize {
		return Event{}, ErrShortRecord
	}
	return Event{
		TsRecv:  binary.BigEndian.Uint64(buf[offTsRecv:]),
		TsEvent: binary.BigEndian.Uint64(buf[offTsEvent:]),
		OrderID: binary.BigEndian.Uint64(buf[offOrderID:]),
		Price:   int64(binary.BigEndian.Uint64(buf[offPrice:])),
		Size:    binary.BigEndian.Uint32(buf[offSize:]),
		Flags:   Flags(buf[offFlags]),
		Side:    Side(buf[offSide]),
		Action:  Action(buf[offAction]),
	}, nil
}
