package vacuum

import (
	"encoding/binary"
	"os"
	"sync"
)

// recordKind distinguishes an "enqueued" entry from an "acknowledged"
// entry in the vacuum log.
type recordKind uint8

const (
	kindEnqueued     recordKind = 1
	kindAcknowledged recordKind = 2
)

// Log is the durable, append-only vacuum audit log. It is not a
// replay engine — crash recovery of in-flight vacuum work is out of
// scope — but every enqueue/acknowledge pair is written so an operator
// can grep data_root/vacuum.log for entries that were enqueued and
// never acknowledged.
//
// Record layout (little-endian), in the same fixed-header framing
// style as internal/wire:
//
//	kind      u8
//	file_id   u64
//	file_ver  i64
//	extra     u64 (block count for kindEnqueued, unused otherwise)
type Log struct {
	mu sync.Mutex
	f  *os.File
}

// OpenLog opens (creating if necessary) the vacuum log at path for
// appending.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Log{f: f}, nil
}

func (l *Log) write(kind recordKind, fileID uint64, fileVersion int64, extra uint64) {
	buf := make([]byte, 1+8+8+8)
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint64(buf[1:], fileID)
	binary.LittleEndian.PutUint64(buf[9:], uint64(fileVersion))
	binary.LittleEndian.PutUint64(buf[17:], extra)

	l.mu.Lock()
	defer l.mu.Unlock()
	// Best-effort: a failed vacuum-log write must never fail the
	// fsync path it is auditing, so errors are swallowed here rather
	// than propagated — the log is a diagnostic aid, not a durability
	// guarantee.
	_, _ = l.f.Write(buf)
}

func (l *Log) RecordEnqueued(fileID uint64, fileVersion int64, blockCount int) {
	l.write(kindEnqueued, fileID, fileVersion, uint64(blockCount))
}

func (l *Log) RecordAcknowledged(fileID uint64, fileVersion int64) {
	l.write(kindAcknowledged, fileID, fileVersion, 0)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
