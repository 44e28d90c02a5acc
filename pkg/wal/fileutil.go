package wal

import (
	"bufio"
	"fmt"
	"os"
)

// FileRotator owns an append-only file and can atomically swap it for a
// fresh one.
type FileRotator struct {
	path   string
	file   *os.File
	writer *bufio.Writer
}

// NewFileRotator creates a new file rotator for the given path.
func NewFileRotator(path string) *FileRotator {
	return &FileRotator{path: path}
}

// Open opens or creates the file for appending.
func (fr *FileRotator) Open() error {
	file, err := os.OpenFile(fr.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", fr.path, err)
	}
	fr.file = file
	fr.writer = bufio.NewWriter(file)
	return nil
}

// Writer returns the buffered writer.
func (fr *FileRotator) Writer() *bufio.Writer {
	return fr.writer
}

// Flush flushes the buffered writer.
func (fr *FileRotator) Flush() error {
	if fr.writer == nil {
		return nil
	}
	return fr.writer.Flush()
}

// Sync flushes the buffer and syncs the file to disk.
func (fr *FileRotator) Sync() error {
	if err := fr.Flush(); err != nil {
		return err
	}
	if fr.file == nil {
		return nil
	}
	return fr.file.Sync()
}

// Close flushes, syncs, and closes the file.
func (fr *FileRotator) Close() error {
	if fr.file == nil {
		return nil
	}
	if err := fr.Sync(); err != nil {
		return err
	}
	err := fr.file.Close()
	fr.file, fr.writer = nil, nil
	return err
}

// TruncateTo cuts the file back to size bytes, dropping a torn tail.
func (fr *FileRotator) TruncateTo(size int64) error {
	if err := fr.Flush(); err != nil {
		return err
	}
	if err := fr.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate %s to %d bytes: %w", fr.path, size, err)
	}
	return fr.file.Sync()
}

// Rotate atomically replaces the current file with one holding only
// initial. On failure the rotator keeps pointing at the original file.
func (fr *FileRotator) Rotate(initial []byte) error {
	if fr.file == nil {
		return fmt.Errorf("no file to rotate")
	}
	if err := fr.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotate: %w", err)
	}

	newPath := fr.path + ".new"
	newFile, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create new file: %w", err)
	}
	if _, err := newFile.Write(initial); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return fmt.Errorf("failed to write new file: %w", err)
	}
	if err := newFile.Sync(); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return fmt.Errorf("failed to sync new file: %w", err)
	}

	// rename is atomic on POSIX
	if err := os.Rename(newPath, fr.path); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	closeErr := fr.file.Close()
	fr.file = newFile
	fr.writer = bufio.NewWriter(newFile)
	if closeErr != nil {
		return fmt.Errorf("rotated, but closing the old file failed: %w", closeErr)
	}
	return nil
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
