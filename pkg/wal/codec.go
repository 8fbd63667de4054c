package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// frameRecord wraps a payload in the wire framing of spec.md §6:
// u32 length | payload | u32 crc32.
func frameRecord(payload []byte) ([]byte, error) {
	out := make([]byte, 0, 8+len(payload))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	crc := crc32.ChecksumIEEE(payload)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)
	return out, nil
}

// unframeRecord parses one frame from the front of buf, returning the
// payload, the number of bytes consumed, and whether the frame was
// well-formed and checksum-valid.
func unframeRecord(buf []byte) ([]byte, int, bool) {
	if len(buf) < 8 {
		return nil, 0, false
	}
	length := binary.LittleEndian.Uint32(buf)
	if len(buf) < 4+int(length)+4 {
		return nil, 0, false
	}
	payload := buf[4 : 4+int(length)]
	storedCRC := binary.LittleEndian.Uint32(buf[4+int(length):])
	if crc32.ChecksumIEEE(payload) != storedCRC {
		return nil, 0, false
	}
	return payload, 4 + int(length) + 4, true
}

// scanResult is the outcome of walking a log file sequentially.
type scanResult struct {
	records       []LogRecord
	corruptOffset int64 // -1 if the file ended cleanly
}

// scanLog decodes every well-formed record from the start of r,
// stopping at the first length-prefix/crc mismatch or torn tail read
// (spec.md §4.5 "Corrupt or torn records at log tail... detected by
// verify_log_integrity"). It never returns an error for a clean EOF.
func scanLog(r io.Reader) (scanResult, error) {
	br := bufio.NewReader(r)
	res := scanResult{corruptOffset: -1}
	var offset int64

	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(br, lenBuf); err != nil {
			if err == io.EOF {
				return res, nil
			}
			res.corruptOffset = offset
			return res, nil
		}
		length := binary.LittleEndian.Uint32(lenBuf)

		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			res.corruptOffset = offset
			return res, nil
		}

		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(br, crcBuf); err != nil {
			res.corruptOffset = offset
			return res, nil
		}
		storedCRC := binary.LittleEndian.Uint32(crcBuf)
		if crc32.ChecksumIEEE(payload) != storedCRC {
			res.corruptOffset = offset
			return res, nil
		}

		rec, err := decodeRecord(payload)
		if err != nil {
			res.corruptOffset = offset
			return res, nil
		}

		res.records = append(res.records, rec)
		offset += 4 + int64(length) + 4
	}
}
