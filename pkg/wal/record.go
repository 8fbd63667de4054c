package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Kind is the LogRecord discriminant of spec.md §3.
type Kind uint8

const (
	KindBegin Kind = iota + 1
	KindCommit
	KindAbort
	KindInsert
	KindUpdate
	KindDelete
	KindCompensate
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "Begin"
	case KindCommit:
		return "Commit"
	case KindAbort:
		return "Abort"
	case KindInsert:
		return "Insert"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	case KindCompensate:
		return "Compensate"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Tag selects which field of a Value is populated.
type Tag uint8

const (
	TagInt Tag = iota
	TagDouble
	TagString
)

// Value is the tagged union of spec.md §3: "Int | Double | String".
type Value struct {
	Tag    Tag
	Int    int64
	Double float64
	Str    string
}

func IntValue(n int64) Value      { return Value{Tag: TagInt, Int: n} }
func DoubleValue(f float64) Value { return Value{Tag: TagDouble, Double: f} }
func StringValue(s string) Value  { return Value{Tag: TagString, Str: s} }

func (v Value) String() string {
	switch v.Tag {
	case TagInt:
		return fmt.Sprintf("Int(%d)", v.Int)
	case TagDouble:
		return fmt.Sprintf("Double(%v)", v.Double)
	case TagString:
		return fmt.Sprintf("String(%q)", v.Str)
	default:
		return "Value(invalid)"
	}
}

// LogRecord is spec.md §3's LogRecord.
type LogRecord struct {
	LSN       uint64
	TxnID     uint64
	Kind      Kind
	Key       string
	OldValue  Value
	NewValue  Value
	Timestamp time.Time
}

func writeLenPrefixed(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func writeUint64(buf *bytes.Buffer, n uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, n int64) {
	writeUint64(buf, uint64(n))
}

func encodeValue(buf *bytes.Buffer, v Value) {
	buf.WriteByte(byte(v.Tag))
	switch v.Tag {
	case TagInt:
		writeInt64(buf, v.Int)
	case TagDouble:
		writeUint64(buf, math.Float64bits(v.Double))
	case TagString:
		writeLenPrefixed(buf, v.Str)
	}
}

// encodeRecord produces the payload described in spec.md §6:
// lsn:u64 | txn_id:u64 | kind:u8 | timestamp:i64 | key (len-prefixed) |
// old_value | new_value. It does not include the outer length prefix
// or trailing crc32 — those belong to the framing, not the record.
func encodeRecord(r LogRecord) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, r.LSN)
	writeUint64(&buf, r.TxnID)
	buf.WriteByte(byte(r.Kind))
	writeInt64(&buf, r.Timestamp.UnixNano())
	writeLenPrefixed(&buf, r.Key)
	encodeValue(&buf, r.OldValue)
	encodeValue(&buf, r.NewValue)
	return buf.Bytes()
}

// cursor is a small sequential reader over an in-memory payload,
// returning ErrTruncatedRecord instead of panicking on short buffers.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) need(n int) error {
	if c.pos+n > len(c.buf) {
		return ErrTruncatedRecord
	}
	return nil
}

func (c *cursor) readUint64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

func (c *cursor) readInt64() (int64, error) {
	v, err := c.readUint64()
	return int64(v), err
}

func (c *cursor) readByte() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) readString() (string, error) {
	if err := c.need(4); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	if err := c.need(int(n)); err != nil {
		return "", err
	}
	s := string(c.buf[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

func decodeValue(c *cursor) (Value, error) {
	tagByte, err := c.readByte()
	if err != nil {
		return Value{}, err
	}
	switch Tag(tagByte) {
	case TagInt:
		n, err := c.readInt64()
		return IntValue(n), err
	case TagDouble:
		bits, err := c.readUint64()
		return DoubleValue(math.Float64frombits(bits)), err
	case TagString:
		s, err := c.readString()
		return StringValue(s), err
	default:
		return Value{}, fmt.Errorf("wal: %w: tag %d", ErrTruncatedRecord, tagByte)
	}
}

func decodeRecord(payload []byte) (LogRecord, error) {
	c := &cursor{buf: payload}
	var r LogRecord
	var err error
	if r.LSN, err = c.readUint64(); err != nil {
		return r, err
	}
	if r.TxnID, err = c.readUint64(); err != nil {
		return r, err
	}
	kindByte, err := c.readByte()
	if err != nil {
		return r, err
	}
	r.Kind = Kind(kindByte)
	ts, err := c.readInt64()
	if err != nil {
		return r, err
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	if r.Key, err = c.readString(); err != nil {
		return r, err
	}
	if r.OldValue, err = decodeValue(c); err != nil {
		return r, err
	}
	if r.NewValue, err = decodeValue(c); err != nil {
		return r, err
	}
	return r, nil
}
