package vacuum

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jcnelson/syndicate/internal/manifest"
	"github.com/jcnelson/syndicate/internal/syncpipeline"
	"github.com/stretchr/testify/require"
)

type fakeDeleter struct {
	mu       sync.Mutex
	deleted  []manifest.BlockID
	failFor  map[manifest.BlockID]int // number of times to fail before succeeding
}

func (d *fakeDeleter) DeleteBlock(ctx context.Context, fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if remaining, ok := d.failFor[blockID]; ok && remaining > 0 {
		d.failFor[blockID] = remaining - 1
		return context.DeadlineExceeded
	}
	d.deleted = append(d.deleted, blockID)
	return nil
}

func vacuumContext(fileID uint64, blocks ...manifest.BlockID) *syncpipeline.VacuumContext {
	m := manifest.New(1, 1, fileID, 4096)
	for _, id := range blocks {
		m.PutBlock(id, manifest.BlockInfo{Version: 1}, true)
	}
	return &syncpipeline.VacuumContext{FileID: fileID, FileVersion: 1, ReplacedManifest: m}
}

func TestVacuumerDeletesAllBlocks(t *testing.T) {
	d := &fakeDeleter{}
	v, err := New(d, RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond}, 2, nil)
	require.NoError(t, err)
	defer v.Close()

	var wg atomic.Int32
	wg.Add(1)
	require.NoError(t, v.Enqueue(context.Background(), vacuumContext(1, 0, 1, 2)))

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.deleted) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestVacuumerRetainsOnPersistentFailure(t *testing.T) {
	d := &fakeDeleter{failFor: map[manifest.BlockID]int{0: 100}}
	v, err := New(d, RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}, 1, nil)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.Enqueue(context.Background(), vacuumContext(1, 0)))

	require.Eventually(t, func() bool {
		return len(v.Retained()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestVacuumerRetryReSubmitsRetained(t *testing.T) {
	d := &fakeDeleter{failFor: map[manifest.BlockID]int{0: 1}}
	v, err := New(d, RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond}, 1, nil)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.Enqueue(context.Background(), vacuumContext(1, 0)))
	require.Eventually(t, func() bool { return len(v.Retained()) == 1 }, time.Second, 5*time.Millisecond)

	d.mu.Lock()
	d.failFor[0] = 0 // let it succeed this time
	d.mu.Unlock()

	v.Retry(context.Background())
	require.Eventually(t, func() bool { return len(v.Retained()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestLogRecordsEnqueueAndAck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vacuum.log")
	log, err := OpenLog(path)
	require.NoError(t, err)
	log.RecordEnqueued(1, 1, 3)
	log.RecordAcknowledged(1, 1)
	require.NoError(t, log.Close())
}
