package wal

import "fmt"

// OpType represents the type of record in the WAL
type OpType uint8

const (
	// OpCommit carries one committed store transaction
	OpCommit OpType = iota + 1
	// OpCheckpoint carries a full state image; records before it are obsolete
	OpCheckpoint
)

func (o OpType) String() string {
	switch o {
	case OpCommit:
		return "commit"
	case OpCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Entry represents a single WAL entry
type Entry struct {
	LSN       uint64 // Log Sequence Number
	OpType    OpType
	Data      []byte // always the uncompressed payload
	Checksum  uint32 // crc32 of the bytes as stored on disk
	Timestamp int64
}

// headerSize is LSN + OpType + DataLen; trailerSize is Checksum + Timestamp
const (
	headerSize  = 8 + 1 + 4
	trailerSize = 4 + 8
)

// Stats reports write volume
type Stats struct {
	Writes       uint64
	BytesLogical uint64
	BytesStored  uint64
}

// CompressionRatio is the fraction of bytes saved by compression
func (s Stats) CompressionRatio() float64 {
	if s.BytesLogical == 0 {
		return 0
	}
	return 1.0 - float64(s.BytesStored)/float64(s.BytesLogical)
}
