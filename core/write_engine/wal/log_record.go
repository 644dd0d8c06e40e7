package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// --- Write-Ahead Logging (WAL) Constants and Types ---

type LSN = pagemanager.LSN // Log Sequence Number

const InvalidLSN = pagemanager.InvalidLSN

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeBegin      LogRecordType = iota + 1 // Transaction begins writing records
	LogRecordTypePageWrite                           // Full before/after image of one page
	LogRecordTypeCommit                              // Transaction committed
	LogRecordTypeAbort                               // Transaction aborted after appending records
	LogRecordTypeCheckpoint                          // Checkpoint covering every record before it
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeBegin:
		return "BEGIN"
	case LogRecordTypePageWrite:
		return "PAGE_WRITE"
	case LogRecordTypeCommit:
		return "COMMIT"
	case LogRecordTypeAbort:
		return "ABORT"
	case LogRecordTypeCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Image kinds bound into sealed WAL images.
const (
	imageBefore byte = 0
	imageAfter  byte = 1
)

// LogRecord represents a single entry in the Write-Ahead Log.
type LogRecord struct {
	LSN     LSN
	TxnID   uint64
	Type    LogRecordType
	PageID  pagemanager.PageID // Page affected (page-write records only)
	OldData []byte             // Before image, for UNDO
	NewData []byte             // After image, for REDO
}

// frame: [body length u32][xxhash64(body) u64][body]
const frameHeaderSize = 4 + 8

// body fixed part: LSN u64, TxnID u64, Type u8, PageID u64
const bodyFixedSize = 8 + 8 + 1 + 8

// --- LogRecord Serialization/Deserialization ---

// serializeBody converts a LogRecord body into a byte slice. oldData and newData are the
// images as they should appear on disk (sealed when encryption is on).
func (lr *LogRecord) serializeBody(oldData, newData []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(bodyFixedSize + 8 + len(oldData) + len(newData))

	for _, v := range []any{uint64(lr.LSN), lr.TxnID, byte(lr.Type), uint64(lr.PageID)} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("%w: log record header: %v", flushmanager.ErrSerialization, err)
		}
	}
	for _, img := range [][]byte{oldData, newData} {
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(img))); err != nil {
			return nil, fmt.Errorf("%w: image length: %v", flushmanager.ErrSerialization, err)
		}
		buf.Write(img)
	}
	return buf.Bytes(), nil
}

// encodeFrame wraps a body with its length and checksum.
func encodeFrame(body []byte) []byte {
	out := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint64(out[4:12], xxhash.Sum64(body))
	copy(out[frameHeaderSize:], body)
	return out
}

// deserializeBody reads a record body. Images are returned as stored.
func (lr *LogRecord) deserializeBody(body []byte) error {
	if len(body) < bodyFixedSize+8 {
		return fmt.Errorf("%w: body too short (%d bytes)", flushmanager.ErrLogRecordInvalid, len(body))
	}
	lr.LSN = LSN(binary.LittleEndian.Uint64(body[0:8]))
	lr.TxnID = binary.LittleEndian.Uint64(body[8:16])
	lr.Type = LogRecordType(body[16])
	lr.PageID = pagemanager.PageID(binary.LittleEndian.Uint64(body[17:25]))
	if lr.Type < LogRecordTypeBegin || lr.Type > LogRecordTypeCheckpoint {
		return fmt.Errorf("%w: unknown record type %d", flushmanager.ErrLogRecordInvalid, body[16])
	}

	rest := body[bodyFixedSize:]
	var images [2][]byte
	for i := range images {
		if len(rest) < 4 {
			return fmt.Errorf("%w: truncated image length", flushmanager.ErrLogRecordInvalid)
		}
		n := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(n) > uint64(len(rest)) {
			return fmt.Errorf("%w: image length %d exceeds record", flushmanager.ErrLogRecordInvalid, n)
		}
		if n > 0 {
			images[i] = append([]byte(nil), rest[:n]...)
		}
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", flushmanager.ErrLogRecordInvalid, len(rest))
	}
	lr.OldData, lr.NewData = images[0], images[1]
	return nil
}

// Size returns the serialized size of the LogRecord without sealing overhead.
func (lr *LogRecord) Size() int {
	return frameHeaderSize + bodyFixedSize + 8 + len(lr.OldData) + len(lr.NewData)
}
