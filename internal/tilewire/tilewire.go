// Package tilewire frames tile batches for the binary viewer channel.
// Frames use protobuf wire encoding so any protobuf runtime can parse
// them; unknown fields are skipped, which leaves room to extend frames
// without breaking older viewers.
//
// Batch frame fields:
//
//	1 (bytes)  content hash
//	2 (varint) tile size in pixels
//	3 (bytes)  repeated encoded tiles
//
// Tile fields:
//
//	1 (varint) tile x
//	2 (varint) tile y
//	3 (bytes)  encoded pixels
package tilewire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"microtile/internal/tilestore"
)

// Batch is one tile delivery to a viewer.
type Batch struct {
	ContentHash string
	TileSize    int
	Tiles       []tilestore.Tile
}

// EncodeBatch serializes a batch frame.
func EncodeBatch(b Batch) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, b.ContentHash)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.TileSize))
	for _, t := range b.Tiles {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeTile(t))
	}
	return buf
}

func encodeTile(t tilestore.Tile) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(t.X))
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(t.Y))
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, t.Pixels)
	return buf
}

// DecodeBatch parses a batch frame. Unknown fields are skipped.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Batch{}, fmt.Errorf("decode batch tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Batch{}, fmt.Errorf("decode content hash: %w", protowire.ParseError(n))
			}
			b.ContentHash = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Batch{}, fmt.Errorf("decode tile size: %w", protowire.ParseError(n))
			}
			b.TileSize = int(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Batch{}, fmt.Errorf("decode tile: %w", protowire.ParseError(n))
			}
			tile, err := decodeTile(v)
			if err != nil {
				return Batch{}, err
			}
			b.Tiles = append(b.Tiles, tile)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Batch{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return b, nil
}

func decodeTile(data []byte) (tilestore.Tile, error) {
	var t tilestore.Tile
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return tilestore.Tile{}, fmt.Errorf("decode tile tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return tilestore.Tile{}, fmt.Errorf("decode tile x: %w", protowire.ParseError(n))
			}
			t.X = int(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return tilestore.Tile{}, fmt.Errorf("decode tile y: %w", protowire.ParseError(n))
			}
			t.Y = int(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return tilestore.Tile{}, fmt.Errorf("decode tile pixels: %w", protowire.ParseError(n))
			}
			t.Pixels = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return tilestore.Tile{}, fmt.Errorf("skip tile field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return t, nil
}
