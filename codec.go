package gateway

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingETF  Encoding = "etf"
)

// Compression selects whether the shard asks the gateway to compress payloads.
// Inbound frames are inspected individually either way.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZlib Compression = "zlib"
	CompressionZstd Compression = "zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// FrameCodec turns socket frames into envelopes and control payloads into
// socket frames. It is safe for concurrent use.
type FrameCodec struct {
	encoding    Encoding
	compression Compression
	zstd        *zstd.Decoder
}

func NewFrameCodec(encoding Encoding, compression Compression) (*FrameCodec, error) {
	switch encoding {
	case EncodingJSON, EncodingETF:
	case "":
		encoding = EncodingJSON
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}

	switch compression {
	case CompressionNone, CompressionZlib, CompressionZstd:
	case "":
		compression = CompressionNone
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &FrameCodec{encoding: encoding, compression: compression, zstd: dec}, nil
}

func (c *FrameCodec) Encoding() Encoding       { return c.encoding }
func (c *FrameCodec) Compression() Compression { return c.compression }

// Decode reads one frame. messageType is the websocket message type the frame
// arrived with.
func (c *FrameCodec) Decode(messageType int, raw []byte) (*Envelope, error) {
	data := raw

	if messageType == websocket.BinaryMessage {
		var err error
		if data, err = c.inflate(raw); err != nil {
			return nil, &DecodeError{Size: len(raw), Err: err}
		}
	}

	if len(data) == 0 {
		return nil, &DecodeError{Size: len(raw), Err: io.ErrUnexpectedEOF}
	}

	if data[0] == etfVersion {
		term, err := decodeETF(data)
		if err != nil {
			return nil, &DecodeError{Size: len(raw), Err: err}
		}
		if data, err = json.Marshal(term); err != nil {
			return nil, &DecodeError{Size: len(raw), Err: err}
		}
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &DecodeError{Size: len(raw), Err: err}
	}
	if bytes.Equal(e.Data, []byte("null")) {
		e.Data = nil
	}

	return &e, nil
}

func (c *FrameCodec) inflate(raw []byte) ([]byte, error) {
	switch {
	case len(raw) >= 4 && bytes.Equal(raw[:4], zstdMagic):
		return c.zstd.DecodeAll(raw, nil)

	case len(raw) >= 2 && raw[0] == 0x78:
		z, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer func() { z.Close() }()

		return io.ReadAll(z)
	}

	return raw, nil
}

// Encode builds an outbound frame and returns it with the websocket message
// type it must be written as.
func (c *FrameCodec) Encode(op Op, data any) (int, []byte, error) {
	payload, err := json.Marshal(outboundFrame{Op: op, Data: data})
	if err != nil {
		return 0, nil, fmt.Errorf("encode %s: %w", op, err)
	}

	if c.encoding == EncodingJSON {
		return websocket.TextMessage, payload, nil
	}

	var term any
	if err := json.Unmarshal(payload, &term); err != nil {
		return 0, nil, fmt.Errorf("encode %s: %w", op, err)
	}
	if payload, err = encodeETF(term); err != nil {
		return 0, nil, fmt.Errorf("encode %s: %w", op, err)
	}

	return websocket.BinaryMessage, payload, nil
}

func (c *FrameCodec) Close() {
	c.zstd.Close()
}
