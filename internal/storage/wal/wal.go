// Package wal persists committed commands as an append-only log of JSON
// records. Together with periodic snapshots it is the only durability
// mechanism: on restart a node replays records after the last snapshot to
// reconstruct state.
package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	ErrChecksumMismatch = errors.New("wal record checksum mismatch")
	ErrClosed           = errors.New("wal is closed")
)

// WAL is an append-only command log. Appends happen at apply time, so
// every record in the file was committed by the cluster.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool

	// syncOnAppend forces an fsync per record. Off by default; the
	// snapshot on clean shutdown bounds what a crash can lose to the
	// entries since the last flush, which replay re-fetches from peers.
	syncOnAppend bool
}

// Open creates or opens the WAL at path, resuming the sequence number
// from the last record when the file already has content.
func Open(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	w := &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		syncOnAppend: syncOnAppend,
	}

	if stat, err := file.Stat(); err == nil && stat.Size() > 0 {
		if last, err := lastRecord(path); err == nil && last != nil {
			w.seq = last.Seq
		}
	}

	return w, nil
}

// Append writes one committed entry.
func (w *WAL) Append(index, term int64, command []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	w.seq++
	rec := Record{
		Seq:        w.seq,
		Index:      index,
		Term:       term,
		Command:    command,
		AppendedAt: time.Now().UnixMilli(),
	}
	rec.Checksum = checksum(rec.Seq, rec.Index, rec.Term, rec.Command)

	if err := w.encoder.Encode(rec); err != nil {
		return fmt.Errorf("append wal record: %w", err)
	}
	if w.syncOnAppend {
		return w.file.Sync()
	}
	return nil
}

// Replay reads the file from the start, verifying each record before
// handing it to the handler. Replay stops at the first error.
func (w *WAL) Replay(handler RecordHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			return err
		}
		if !rec.Verify() {
			return ErrChecksumMismatch
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

// Rotate backs up the current file and starts a fresh one. Called after
// each snapshot so the log only ever covers entries the newest snapshot
// does not.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	return nil
}

// Close flushes and closes the file. The instance is not reusable.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// LastSeq returns the current record sequence number.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// lastRecord scans for the final record in the file.
func lastRecord(path string) (*Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Record
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			break
		}
		last = &rec
	}
	return last, nil
}
