// Package diskwritequeue implements the durable commit log behind a keeldb
// file: an append-only file of CRC-framed records, fed through an in-memory
// buffer that a background flusher drains.
package diskwritequeue

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueClosed      = errors.New("disk write queue is closed")
	ErrCorruptRecord    = errors.New("commit log record failed checksum verification")
	ErrTruncatedRecord  = errors.New("commit log ends with a truncated record")
	ErrRecordTooLarge   = errors.New("record larger than the commit log buffer")
	ErrInvalidBufferLen = errors.New("commit log buffer size must be positive")
)

// RecordType identifies what a commit log record describes.
type RecordType byte

const (
	RecordSet RecordType = iota + 1
	RecordDelete
	RecordCommit
)

// Record is one entry in the commit log. Set/Delete records carry the
// mutation; a Commit record marks every preceding record of the same
// transaction durable as a unit.
type Record struct {
	Type  RecordType
	TxnID uint64
	Key   []byte
	Value []byte
}

// flushInterval is how often the background flusher drains the buffer even
// when no caller forces a flush.
const flushInterval = 50 * time.Millisecond

// Queue is the disk write queue for one file. Appends go to the in-memory
// buffer; the background flusher, a full buffer, or an explicit Sync moves
// them to the commit log file.
type Queue struct {
	log  *zap.Logger
	path string

	mu         sync.Mutex
	file       *os.File
	buf        *bytes.Buffer
	bufferSize int
	closed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open creates or appends to the commit log at path and starts the
// background flusher.
func Open(path string, bufferSize int, log *zap.Logger) (*Queue, error) {
	if bufferSize <= 0 {
		return nil, ErrInvalidBufferLen
	}
	if log == nil {
		log = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open commit log %s: %w", path, err)
	}

	q := &Queue{
		log:        log,
		path:       path,
		file:       file,
		buf:        bytes.NewBuffer(make([]byte, 0, bufferSize)),
		bufferSize: bufferSize,
		stopCh:     make(chan struct{}),
	}

	q.wg.Add(1)
	go q.flusher()

	log.Debug("disk write queue opened",
		zap.String("path", path),
		zap.Int("buffer_size", bufferSize))
	return q, nil
}

// Path returns the commit log file path.
func (q *Queue) Path() string { return q.path }

// Append encodes rec into the buffer. The record is not guaranteed durable
// until Sync returns, or the flusher plus the OS get it to disk.
func (q *Queue) Append(rec *Record) error {
	payload := encodeRecord(rec)
	framed := frame(payload)
	if len(framed) > q.bufferSize {
		return ErrRecordTooLarge
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.buf.Len()+len(framed) > q.bufferSize {
		if err := q.flushLocked(); err != nil {
			return fmt.Errorf("failed to flush commit log buffer before append: %w", err)
		}
	}
	q.buf.Write(framed)
	return nil
}

// Sync drains the buffer and fsyncs the commit log file. This is the
// durability point for a synchronous commit.
func (q *Queue) Sync() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if err := q.flushLocked(); err != nil {
		return err
	}
	if err := q.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync commit log %s: %w", q.path, err)
	}
	return nil
}

// Close stops the flusher, drains the buffer, syncs and closes the file.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.flushLocked(); err != nil {
		q.file.Close()
		return err
	}
	if err := q.file.Sync(); err != nil {
		q.file.Close()
		return fmt.Errorf("failed to sync commit log on close: %w", err)
	}
	return q.file.Close()
}

// flushLocked writes the buffered bytes to the file. Caller holds q.mu.
func (q *Queue) flushLocked() error {
	if q.buf.Len() == 0 {
		return nil
	}
	n, err := q.file.Write(q.buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write commit log %s: %w", q.path, err)
	}
	q.buf.Reset()
	q.log.Debug("commit log buffer flushed", zap.Int("bytes", n))
	return nil
}

// flusher periodically drains the buffer so async-durability commits reach
// the OS without waiting for an explicit Sync.
func (q *Queue) flusher() {
	defer q.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.mu.Lock()
			if !q.closed {
				if err := q.flushLocked(); err != nil {
					q.log.Error("background flush failed", zap.Error(err))
				}
			}
			q.mu.Unlock()
		}
	}
}

// frame prefixes payload with its length and CRC32 checksum.
func frame(payload []byte) []byte {
	framed := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(framed[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(framed[4:8], crc32.ChecksumIEEE(payload))
	copy(framed[8:], payload)
	return framed
}

func encodeRecord(rec *Record) []byte {
	buf := make([]byte, 0, 1+8+4+len(rec.Key)+4+len(rec.Value))
	buf = append(buf, byte(rec.Type))
	buf = binary.BigEndian.AppendUint64(buf, rec.TxnID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec.Key)))
	buf = append(buf, rec.Key...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec.Value)))
	buf = append(buf, rec.Value...)
	return buf
}

func decodeRecord(payload []byte) (Record, error) {
	var rec Record
	if len(payload) < 1+8+4 {
		return rec, ErrTruncatedRecord
	}
	rec.Type = RecordType(payload[0])
	rec.TxnID = binary.BigEndian.Uint64(payload[1:9])
	off := 9
	klen := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	if len(payload) < off+klen+4 {
		return rec, ErrTruncatedRecord
	}
	rec.Key = append([]byte(nil), payload[off:off+klen]...)
	off += klen
	vlen := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	if len(payload) < off+vlen {
		return rec, ErrTruncatedRecord
	}
	rec.Value = append([]byte(nil), payload[off:off+vlen]...)
	return rec, nil
}

// ReadRecords reads every record in the commit log at path, verifying each
// frame's checksum. Used by recovery and by tests.
func ReadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit log %s: %w", path, err)
	}
	var records []Record
	for off := 0; off < len(data); {
		if len(data)-off < 8 {
			return records, ErrTruncatedRecord
		}
		plen := int(binary.BigEndian.Uint32(data[off : off+4]))
		sum := binary.BigEndian.Uint32(data[off+4 : off+8])
		off += 8
		if len(data)-off < plen {
			return records, ErrTruncatedRecord
		}
		payload := data[off : off+plen]
		off += plen
		if crc32.ChecksumIEEE(payload) != sum {
			return records, ErrCorruptRecord
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}
