// Package encoding provides the fixed-width integer codec used by the mesh
// layer's PEER-SET payload (internal/topology): a little-endian uint64
// version stamp followed by a flat run of 16-byte ServerIDs.
package encoding

import (
	"encoding/binary"
)

const (
	INT_LEN = 8
)

type Int64 int64

func (this Int64) Size() uint32 {
	return uint32(INT_LEN)
}

func (this Int64) Encode() []byte {
	buffer := make([]byte, INT_LEN)
	this.EncodeToBuffer(buffer)
	return buffer
}

func (this Int64) EncodeToBuffer(buffer []byte) {
	binary.LittleEndian.PutUint64(buffer, uint64(this))
}

func (this Int64) Decode(buffer []byte) interface{} {
	return Int64(int64(binary.LittleEndian.Uint64(buffer)))
}
