package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-graphsync/pkg/logging"
)

var (
	ErrClosed       = errors.New("WAL is closed")
	ErrLSNExhausted = errors.New("WAL LSN space exhausted")
	errTornRecord   = errors.New("torn WAL record")
)

// Options configures a WAL
type Options struct {
	// Compressed stores record data snappy-encoded
	Compressed bool
	// NoSync skips the fsync after each append
	NoSync bool
	Logger logging.Logger
}

// WAL is an LSN-sequenced, checksummed, append-only record log
type WAL struct {
	mu         sync.Mutex
	rotator    *FileRotator
	path       string
	compressed bool
	noSync     bool
	currentLSN uint64
	stats      Stats
	logger     logging.Logger
	closed     bool
}

// Open opens or creates a WAL in dataDir. A torn record at the tail, left by
// a crash mid-append, is cut off so later appends stay readable.
func Open(dataDir string, opts Options) (*WAL, error) {
	if err := EnsureDir(dataDir); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	name := "wal.log"
	if opts.Compressed {
		name = "wal_compressed.log"
	}

	w := &WAL{
		path:       filepath.Join(dataDir, name),
		compressed: opts.Compressed,
		noSync:     opts.NoSync,
		logger:     logging.OrNop(opts.Logger).With(logging.Component("wal")),
	}
	w.rotator = NewFileRotator(w.path)
	if err := w.rotator.Open(); err != nil {
		return nil, err
	}

	entries, goodSize, err := w.scan()
	if err != nil {
		w.rotator.Close()
		return nil, fmt.Errorf("failed to recover LSN: %w", err)
	}
	if len(entries) > 0 {
		w.currentLSN = entries[len(entries)-1].LSN
	}
	if info, statErr := os.Stat(w.path); statErr == nil && info.Size() > goodSize {
		w.logger.Warn("dropping torn WAL tail",
			logging.Int("recovered", len(entries)),
			logging.Any("bytes", info.Size()-goodSize))
		if err := w.rotator.TruncateTo(goodSize); err != nil {
			w.rotator.Close()
			return nil, err
		}
	}

	return w, nil
}

// Append appends a new entry and makes it durable before returning
func (w *WAL) Append(opType OpType, data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if w.currentLSN == ^uint64(0) {
		return 0, ErrLSNExhausted
	}

	lsn := w.currentLSN + 1
	record := w.encode(lsn, opType, data)
	if _, err := w.rotator.Writer().Write(record); err != nil {
		return 0, fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.persist(); err != nil {
		return 0, err
	}

	w.currentLSN = lsn
	w.stats.Writes++
	w.stats.BytesLogical += uint64(len(data))
	w.stats.BytesStored += uint64(len(record) - headerSize - trailerSize)
	return lsn, nil
}

// Checkpoint replaces the whole log with a single checkpoint record holding
// image. LSNs keep increasing across checkpoints.
func (w *WAL) Checkpoint(image []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	lsn := w.currentLSN + 1
	if err := w.rotator.Rotate(w.encode(lsn, OpCheckpoint, image)); err != nil {
		return 0, fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	w.currentLSN = lsn
	return lsn, nil
}

// Replay calls handler for every intact entry. Replay starts at the most
// recent checkpoint.
func (w *WAL) Replay(handler func(*Entry) error) error {
	w.mu.Lock()
	entries, _, err := w.scan()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	start := 0
	for i, e := range entries {
		if e.OpType == OpCheckpoint {
			start = i
		}
	}
	for _, entry := range entries[start:] {
		if err := handler(entry); err != nil {
			return fmt.Errorf("failed to replay entry LSN=%d: %w", entry.LSN, err)
		}
	}
	return nil
}

// GetCurrentLSN returns the current LSN
func (w *WAL) GetCurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// Stats returns write statistics since open
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.rotator.Close()
}

func (w *WAL) persist() error {
	if w.noSync {
		return w.rotator.Flush()
	}
	if err := w.rotator.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// encode frames one record:
// [LSN:8][OpType:1][DataLen:4][Data:N][Checksum:4][Timestamp:8], big endian.
func (w *WAL) encode(lsn uint64, opType OpType, data []byte) []byte {
	stored := data
	if w.compressed {
		stored = snappy.Encode(nil, data)
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(stored)+trailerSize))
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], lsn)
	buf.Write(scratch[:8])
	buf.WriteByte(byte(opType))
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(stored)))
	buf.Write(scratch[:4])
	buf.Write(stored)
	binary.BigEndian.PutUint32(scratch[:4], crc32.ChecksumIEEE(stored))
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint64(scratch[:], uint64(time.Now().UnixNano()))
	buf.Write(scratch[:8])
	return buf.Bytes()
}

// scan reads every intact record from disk and returns them along with the
// byte length of the intact prefix.
func (w *WAL) scan() ([]*Entry, int64, error) {
	if err := w.rotator.Flush(); err != nil {
		return nil, 0, err
	}

	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	entries := make([]*Entry, 0)
	var offset int64

	for {
		entry, size, err := w.decode(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			w.logger.Warn("WAL recovery stopped",
				logging.Int("recovered", len(entries)),
				logging.Error(err))
			break
		}
		entries = append(entries, entry)
		offset += size
	}

	return entries, offset, nil
}

func (w *WAL) decode(reader *bufio.Reader) (*Entry, int64, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("%w: header: %v", errTornRecord, err)
	}

	entry := &Entry{
		LSN:    binary.BigEndian.Uint64(header[0:8]),
		OpType: OpType(header[8]),
	}
	dataLen := binary.BigEndian.Uint32(header[9:13])

	stored := make([]byte, dataLen)
	if _, err := io.ReadFull(reader, stored); err != nil {
		return nil, 0, fmt.Errorf("%w: data: %v", errTornRecord, err)
	}

	var trailer [trailerSize]byte
	if _, err := io.ReadFull(reader, trailer[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: trailer: %v", errTornRecord, err)
	}
	entry.Checksum = binary.BigEndian.Uint32(trailer[0:4])
	entry.Timestamp = int64(binary.BigEndian.Uint64(trailer[4:12]))

	if crc32.ChecksumIEEE(stored) != entry.Checksum {
		return nil, 0, fmt.Errorf("checksum mismatch at LSN %d", entry.LSN)
	}

	entry.Data = stored
	if w.compressed {
		data, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decompress WAL entry %d: %w", entry.LSN, err)
		}
		entry.Data = data
	}

	return entry, int64(headerSize) + int64(dataLen) + int64(trailerSize), nil
}
