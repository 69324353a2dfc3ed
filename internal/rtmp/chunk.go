package rtmp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Chunk header formats (the 2-bit fmt field of the basic header).
const (
	fmtFull     uint8 = 0 // 11-byte message header
	fmtSameID   uint8 = 1 // 7 bytes: no stream ID
	fmtTSOnly   uint8 = 2 // 3 bytes: timestamp delta only
	fmtContinue uint8 = 3 // no message header
)

const (
	minChunkStreamID uint32 = 2
	maxChunkStreamID uint32 = 65599
)

// readBasicHeader reads the 1 to 3 byte basic header.
func readBasicHeader(r io.Reader, scratch []byte) (format uint8, csid uint32, err error) {
	if _, err = io.ReadFull(r, scratch[:1]); err != nil {
		return 0, 0, err
	}
	format = scratch[0] >> 6
	csid = uint32(scratch[0] & 0x3F)
	switch csid {
	case 0:
		if _, err = io.ReadFull(r, scratch[:1]); err != nil {
			return 0, 0, err
		}
		csid = 64 + uint32(scratch[0])
	case 1:
		if _, err = io.ReadFull(r, scratch[:2]); err != nil {
			return 0, 0, err
		}
		csid = 64 + uint32(scratch[0]) + uint32(scratch[1])*256
	}
	return format, csid, nil
}

// appendBasicHeader encodes the basic header using the shortest form.
func appendBasicHeader(dst []byte, format uint8, csid uint32) ([]byte, error) {
	switch {
	case csid < minChunkStreamID || csid > maxChunkStreamID:
		return dst, fmt.Errorf("rtmp: chunk stream id %d out of range", csid)
	case csid < 64:
		return append(dst, format<<6|byte(csid)), nil
	case csid < 64+256:
		return append(dst, format<<6, byte(csid-64)), nil
	default:
		v := csid - 64
		return append(dst, format<<6|1, byte(v), byte(v>>8)), nil
	}
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func appendUint24(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>16), byte(v>>8), byte(v))
}

// clampTimestamp returns the value to place in a 3-byte timestamp field and
// whether an extended timestamp must follow.
func clampTimestamp(v uint32) (uint32, bool) {
	if v >= extendedTimestamp {
		return extendedTimestamp, true
	}
	return v, false
}

func appendExtended(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}
