// Package proto defines the VideoService wire contract.
//
// The service exposes a single bidirectional streaming call, ProcessVideo.
// Both directions carry opaque chunks of a media file in field 1 of the
// message, which keeps the encoding byte-compatible with the
// video.VideoService protobuf definition used by existing clients:
//
//	service VideoService {
//	  rpc ProcessVideo(stream VideoRequest) returns (stream VideoResponse);
//	}
//	message VideoRequest  { bytes chunk_data = 1; }
//	message VideoResponse { bytes chunk_data = 1; }
package proto

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	protov2 "google.golang.org/protobuf/proto"
)

// chunkDataField is the field number of chunk_data in both messages.
const chunkDataField protowire.Number = 1

// VideoRequest carries one inbound chunk of the source media file.
type VideoRequest struct {
	ChunkData []byte
}

// GetChunkData returns the chunk bytes, tolerating a nil receiver.
func (x *VideoRequest) GetChunkData() []byte {
	if x != nil {
		return x.ChunkData
	}
	return nil
}

// VideoResponse carries one outbound chunk of the processed media file.
type VideoResponse struct {
	ChunkData []byte
}

// GetChunkData returns the chunk bytes, tolerating a nil receiver.
func (x *VideoResponse) GetChunkData() []byte {
	if x != nil {
		return x.ChunkData
	}
	return nil
}

// chunkMessage is implemented by both VideoService messages.
type chunkMessage interface {
	chunkData() *[]byte
}

func (x *VideoRequest) chunkData() *[]byte  { return &x.ChunkData }
func (x *VideoResponse) chunkData() *[]byte { return &x.ChunkData }

// appendChunk encodes data as field 1. Empty chunks encode to zero bytes,
// matching proto3 default-value elision.
func appendChunk(b, data []byte) []byte {
	if len(data) == 0 {
		return b
	}
	b = protowire.AppendTag(b, chunkDataField, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

// consumeChunk decodes field 1 from b into dst. Unknown fields are skipped.
// The decoded bytes are copied because the transport may reuse b.
func consumeChunk(b []byte, dst *[]byte) error {
	*dst = nil
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if num == chunkDataField && typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			*dst = append([]byte(nil), v...)
			b = b[m:]
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

// Codec is a gRPC codec registered under the "proto" content subtype.
// It encodes the VideoService messages directly with protowire and defers
// to the protobuf runtime for every other message (health checks etc).
type Codec struct{}

var _ encoding.Codec = Codec{}

// Name implements encoding.Codec.
func (Codec) Name() string {
	return "proto"
}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case chunkMessage:
		data := *m.chunkData()
		size := 0
		if len(data) > 0 {
			size = protowire.SizeTag(chunkDataField) + protowire.SizeBytes(len(data))
		}
		return appendChunk(make([]byte, 0, size), data), nil
	case protov2.Message:
		return protov2.Marshal(m)
	default:
		return nil, fmt.Errorf("proto codec: cannot marshal %T", v)
	}
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case chunkMessage:
		if err := consumeChunk(data, m.chunkData()); err != nil {
			return fmt.Errorf("proto codec: decoding %T: %w", v, err)
		}
		return nil
	case protov2.Message:
		return protov2.Unmarshal(data, m)
	default:
		return fmt.Errorf("proto codec: cannot unmarshal into %T", v)
	}
}
