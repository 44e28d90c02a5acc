package wal

// Appender is the interface for appending entries to a WAL.
type Appender interface {
	// Append returns the LSN assigned to the entry.
	Append(opType OpType, data []byte) (uint64, error)
}

// Reader is the interface for reading entries from a WAL.
type Reader interface {
	// Replay calls handler for every intact entry in LSN order.
	Replay(handler func(*Entry) error) error
}

// Log is the complete interface the durable memory store depends on.
type Log interface {
	Appender
	Reader
	// Checkpoint atomically replaces the log with a single OpCheckpoint record.
	Checkpoint(image []byte) (uint64, error)
	GetCurrentLSN() uint64
	Close() error
}

var _ Log = (*WAL)(nil)
