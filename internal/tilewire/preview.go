package tilewire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Binary viewer messages carry a one-byte kind prefix so a single
// websocket channel can interleave frame types.
const (
	FrameBatch   byte = 0x01
	FramePreview byte = 0x02
)

// Preview is a thumbnail or medium raster delivery.
//
// Preview frame fields:
//
//	1 (bytes) content hash
//	2 (bytes) tier name ("thumbnail" or "medium")
//	3 (bytes) encoded raster
type Preview struct {
	ContentHash string
	Tier        string
	Pixels      []byte
}

// EncodePreview serializes a preview frame.
func EncodePreview(p Preview) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, p.ContentHash)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, p.Tier)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.Pixels)
	return buf
}

// DecodePreview parses a preview frame. Unknown fields are skipped.
func DecodePreview(data []byte) (Preview, error) {
	var p Preview
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Preview{}, fmt.Errorf("decode preview tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Preview{}, fmt.Errorf("decode content hash: %w", protowire.ParseError(n))
			}
			p.ContentHash = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Preview{}, fmt.Errorf("decode tier: %w", protowire.ParseError(n))
			}
			p.Tier = v
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Preview{}, fmt.Errorf("decode raster: %w", protowire.ParseError(n))
			}
			p.Pixels = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Preview{}, fmt.Errorf("skip preview field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return p, nil
}

// WrapFrame prefixes a frame payload with its kind byte.
func WrapFrame(kind byte, payload []byte) []byte {
	return append([]byte{kind}, payload...)
}

// SplitFrame returns the kind and payload of a wrapped frame.
func SplitFrame(data []byte) (byte, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	return data[0], data[1:], nil
}
