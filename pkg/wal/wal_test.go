package wal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openTestWAL(t *testing.T, dir string, compressed bool) *WAL {
	t.Helper()
	w, err := Open(dir, Options{Compressed: compressed, NoSync: true})
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	return w
}

func replayAll(t *testing.T, w *WAL) []*Entry {
	t.Helper()
	var out []*Entry
	if err := w.Replay(func(e *Entry) error {
		out = append(out, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	return out
}

func TestWAL_AppendAndReplay(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		t.Run(fmt.Sprintf("compressed=%v", compressed), func(t *testing.T) {
			dir := t.TempDir()
			w := openTestWAL(t, dir, compressed)

			payloads := [][]byte{
				[]byte(`{"ops":[1]}`),
				bytes.Repeat([]byte("graph sync "), 200),
				{},
			}
			for i, p := range payloads {
				lsn, err := w.Append(OpCommit, p)
				if err != nil {
					t.Fatalf("Append %d failed: %v", i, err)
				}
				if lsn != uint64(i+1) {
					t.Errorf("LSN = %d, want %d", lsn, i+1)
				}
			}

			entries := replayAll(t, w)
			if len(entries) != len(payloads) {
				t.Fatalf("Replayed %d entries, want %d", len(entries), len(payloads))
			}
			for i, e := range entries {
				if !bytes.Equal(e.Data, payloads[i]) {
					t.Errorf("Entry %d data mismatch", i)
				}
				if e.OpType != OpCommit {
					t.Errorf("Entry %d op = %s", i, e.OpType)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			reopened := openTestWAL(t, dir, compressed)
			defer reopened.Close()
			if reopened.GetCurrentLSN() != 3 {
				t.Errorf("Recovered LSN = %d, want 3", reopened.GetCurrentLSN())
			}
			if len(replayAll(t, reopened)) != 3 {
				t.Error("Reopened WAL lost entries")
			}
		})
	}
}

func TestWAL_CompressionStats(t *testing.T) {
	w := openTestWAL(t, t.TempDir(), true)
	defer w.Close()

	if _, err := w.Append(OpCommit, bytes.Repeat([]byte("a"), 4096)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	stats := w.Stats()
	if stats.Writes != 1 || stats.BytesLogical != 4096 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.CompressionRatio() <= 0.5 {
		t.Errorf("Expected repetitive data to compress well, ratio %.2f", stats.CompressionRatio())
	}
}

func TestWAL_Checkpoint(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, false)

	for i := 0; i < 3; i++ {
		if _, err := w.Append(OpCommit, []byte{byte(i)}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	lsn, err := w.Checkpoint([]byte("image"))
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if lsn != 4 {
		t.Errorf("Checkpoint LSN = %d, want 4", lsn)
	}
	if _, err := w.Append(OpCommit, []byte("after")); err != nil {
		t.Fatalf("Append after checkpoint failed: %v", err)
	}
	w.Close()

	reopened := openTestWAL(t, dir, false)
	defer reopened.Close()

	entries := replayAll(t, reopened)
	if len(entries) != 2 {
		t.Fatalf("Replayed %d entries, want checkpoint + 1 commit", len(entries))
	}
	if entries[0].OpType != OpCheckpoint || string(entries[0].Data) != "image" {
		t.Errorf("First entry should be the checkpoint, got %+v", entries[0])
	}
	if entries[1].LSN != 5 {
		t.Errorf("LSN after checkpoint = %d, want 5", entries[1].LSN)
	}
}

func TestWAL_TornTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, false)
	if _, err := w.Append(OpCommit, []byte("first")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := w.Append(OpCommit, []byte("second")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	w.Close()

	path := filepath.Join(dir, "wal.log")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	// chop the last record in half
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	reopened := openTestWAL(t, dir, false)
	defer reopened.Close()

	entries := replayAll(t, reopened)
	if len(entries) != 1 || string(entries[0].Data) != "first" {
		t.Fatalf("Expected only the intact record, got %d entries", len(entries))
	}

	lsn, err := reopened.Append(OpCommit, []byte("third"))
	if err != nil {
		t.Fatalf("Append after recovery failed: %v", err)
	}
	if lsn != 2 {
		t.Errorf("LSN after recovery = %d, want 2", lsn)
	}
	if got := replayAll(t, reopened); len(got) != 2 || string(got[1].Data) != "third" {
		t.Errorf("Append after a torn tail is not readable")
	}
}

func TestWAL_CorruptChecksumStopsReplay(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, false)
	w.Append(OpCommit, []byte("good"))
	w.Append(OpCommit, []byte("flipped"))
	w.Close()

	path := filepath.Join(dir, "wal.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	first := headerSize + len("good") + trailerSize
	data[first+headerSize] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	reopened := openTestWAL(t, dir, false)
	defer reopened.Close()
	if entries := replayAll(t, reopened); len(entries) != 1 {
		t.Errorf("Replay should stop at the corrupt record, got %d entries", len(entries))
	}
}

func TestWAL_Closed(t *testing.T) {
	w := openTestWAL(t, t.TempDir(), false)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := w.Append(OpCommit, nil); err != ErrClosed {
		t.Errorf("Append after close = %v, want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}

func TestOpTypeString(t *testing.T) {
	if OpCommit.String() != "commit" || OpCheckpoint.String() != "checkpoint" || OpType(9).String() != "op(9)" {
		t.Error("Unexpected OpType names")
	}
}
