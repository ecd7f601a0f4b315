// Package wire implements the frame-header encode/decode and payload
// codec shared by every stream Channel variant.
//
// Wire format: <Header><Payload>. Header is 8 bytes: bytes 0-3 are the
// payload length as a little-endian uint32, bytes 4-7 are reserved and
// must be zero.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/status"
)

// HeaderSize is the fixed byte length of a frame header.
const HeaderSize = 8

// Header is the fixed-size prefix preceding every message on any
// stream channel.
type Header struct {
	// PayloadLen is the length in bytes of the payload that follows.
	PayloadLen uint32
	// Reserved must be zero; Frame always writes zero. DecodeHeader
	// returns the value as read, and Unframe rejects a non-zero value
	// as a corrupted header.
	Reserved uint32
}

// EncodeHeader writes h into the first HeaderSize bytes of dst, which
// must be at least HeaderSize bytes long.
func EncodeHeader(h Header, dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.PayloadLen)
	binary.LittleEndian.PutUint32(dst[4:8], h.Reserved)
}

// DecodeHeader reads a Header from the first HeaderSize bytes of src.
func DecodeHeader(src []byte) (Header, status.Status) {
	if len(src) < HeaderSize {
		return Header{}, status.WithTransport(codes.DataLoss, status.ErrCorruptedHeader,
			"short header: got %d bytes, need %d", len(src), HeaderSize)
	}
	return Header{
		PayloadLen: binary.LittleEndian.Uint32(src[0:4]),
		Reserved:   binary.LittleEndian.Uint32(src[4:8]),
	}, status.OK()
}

// Encoding selects the payload serialisation used for a message.
type Encoding int

const (
	// Binary transports the payload bytes as-is (schema known to both
	// endpoints by topic type name; the runtime never inspects it).
	Binary Encoding = iota
	// JSON renders the payload as a JSON document, opt-in per publisher
	// for debug/WS clients.
	JSON
)

// Frame encodes payload (according to enc) into dst prefixed with a
// Header, writing within len(dst) and never growing it. If dst is too
// small, Frame returns ERR_NOT_ENOUGH_BUFFER with the required size and
// does not write anything; the caller grows the buffer (when dynamic
// buffering is enabled) and retries.
func Frame(payload any, enc Encoding, maxFrame uint32, dst []byte) (n int, st status.Status) {
	body, err := serialize(payload, enc)
	if err != nil {
		return 0, status.WithTransport(codes.InvalidArgument, status.ErrFailedToSerialize, "%v", err)
	}
	if uint32(len(body)) > maxFrame {
		return 0, status.WithTransport(codes.ResourceExhausted, status.ErrCorruptedHeader,
			"payload %d bytes exceeds channel maximum %d", len(body), maxFrame)
	}
	need := HeaderSize + len(body)
	if len(dst) < need {
		return 0, status.NotEnoughBuffer(need)
	}
	EncodeHeader(Header{PayloadLen: uint32(len(body))}, dst)
	copy(dst[HeaderSize:need], body)
	return need, status.OK()
}

// Unframe decodes a Header-prefixed buffer and returns the payload
// bytes as a sub-slice of buf. maxFrame bounds the accepted payload length;
// a header declaring more is ERR_CORRUPTED_HEADER so a peer sending an
// oversized frame is disconnected rather than allowed to exhaust memory.
func Unframe(buf []byte, maxFrame uint32) (payload []byte, st status.Status) {
	h, st := DecodeHeader(buf)
	if !st.IsOK() {
		return nil, st
	}
	if h.PayloadLen > maxFrame {
		return nil, status.WithTransport(codes.ResourceExhausted, status.ErrCorruptedHeader,
			"declared length %d exceeds channel maximum %d", h.PayloadLen, maxFrame)
	}
	if h.Reserved != 0 {
		return nil, status.WithTransport(codes.DataLoss, status.ErrCorruptedHeader, "reserved bytes non-zero")
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(buf) < end {
		return nil, status.WithTransport(codes.DataLoss, status.ErrCorruptedHeader,
			"short frame: have %d bytes, need %d", len(buf), end)
	}
	return buf[HeaderSize:end], status.OK()
}

func serialize(payload any, enc Encoding) ([]byte, error) {
	switch enc {
	case Binary:
		b, ok := payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("binary encoding requires []byte payload, got %T", payload)
		}
		return b, nil
	case JSON:
		return json.Marshal(payload)
	default:
		return nil, fmt.Errorf("unknown encoding %d", enc)
	}
}

// Deserialize decodes raw payload bytes into out according to enc.
func Deserialize(raw []byte, enc Encoding, out any) status.Status {
	switch enc {
	case Binary:
		ptr, ok := out.(*[]byte)
		if !ok {
			return status.WithTransport(codes.InvalidArgument, status.ErrFailedToParse, "binary decode requires *[]byte, got %T", out)
		}
		*ptr = append((*ptr)[:0], raw...)
		return status.OK()
	case JSON:
		if err := json.Unmarshal(raw, out); err != nil {
			return status.WithTransport(codes.InvalidArgument, status.ErrFailedToParse, "%v", err)
		}
		return status.OK()
	default:
		return status.WithTransport(codes.InvalidArgument, status.ErrFailedToParse, "unknown encoding %d", enc)
	}
}
