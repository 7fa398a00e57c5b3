// Package vacuum implements the asynchronous reclamation of replaced
// replica blocks: a background worker consumes vacuum contexts and
// issues bounded-retry delete requests to the responsible RGs,
// tolerating per-block failure and retaining contexts that cannot be
// completed.
package vacuum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/jcnelson/syndicate/internal/manifest"
	"github.com/jcnelson/syndicate/internal/syncpipeline"
	"github.com/jcnelson/syndicate/internal/syndicateerr"
)

// Deleter issues a single block delete request to the RG(s)
// responsible for (file_id, file_version, block_id, block_version).
type Deleter interface {
	DeleteBlock(ctx context.Context, fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version) error
}

// RetryPolicy bounds the per-block retry attempts, tolerating
// transient per-block failures without giving up on the whole
// context.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Delay: 200 * time.Millisecond}
}

// Vacuumer is the background reclamation worker. It is fire-and-forget
// by design: a context that cannot be completed is retained in memory
// and logged, but there is no durable queue that survives a process
// restart beyond the append-only audit log this package keeps — that
// log narrows, but does not close, the resulting leak hazard.
type Vacuumer struct {
	deleter Deleter
	policy  RetryPolicy
	pool    *ants.Pool
	log     *Log

	mu       sync.Mutex
	retained []*syncpipeline.VacuumContext
}

// New constructs a Vacuumer backed by a bounded goroutine pool of the
// given size. log may be nil to disable the durable audit log.
func New(deleter Deleter, policy RetryPolicy, poolSize int, log *Log) (*Vacuumer, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("vacuum: creating pool: %w", err)
	}
	return &Vacuumer{deleter: deleter, policy: policy, pool: pool, log: log}, nil
}

// Enqueue implements syncpipeline.VacuumEnqueuer: it submits vc to the
// worker pool and returns immediately. Submission itself can fail
// under OutOfMemory-style backpressure (a full pool queue); Enqueue
// reports that case distinctly from a hard scheduling error so the
// pipeline knows to retry rather than surface EIO.
func (v *Vacuumer) Enqueue(ctx context.Context, vc *syncpipeline.VacuumContext) error {
	if v.log != nil {
		v.log.RecordEnqueued(vc.FileID, vc.FileVersion, vc.ReplacedManifest.Len())
	}
	err := v.pool.Submit(func() { v.run(vc) })
	if errors.Is(err, ants.ErrPoolOverload) {
		return syndicateerr.New(syndicateerr.OutOfMemory, "vacuum.enqueue", "", err)
	}
	if err != nil {
		return fmt.Errorf("vacuum: pool submit: %w", err)
	}
	return nil
}

func (v *Vacuumer) run(vc *syncpipeline.VacuumContext) {
	ctx := context.Background()
	failed := 0
	vc.ReplacedManifest.Iterate(func(id manifest.BlockID, info manifest.BlockInfo) {
		if err := v.deleteWithRetry(ctx, vc, id, info.Version); err != nil {
			failed++
		}
	})
	if failed > 0 {
		v.retain(vc)
		return
	}
	if v.log != nil {
		v.log.RecordAcknowledged(vc.FileID, vc.FileVersion)
	}
}

func (v *Vacuumer) deleteWithRetry(ctx context.Context, vc *syncpipeline.VacuumContext, id manifest.BlockID, version manifest.Version) error {
	var lastErr error
	for attempt := 0; attempt < v.policy.MaxAttempts; attempt++ {
		if err := v.deleter.DeleteBlock(ctx, vc.FileID, vc.FileVersion, id, version); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-time.After(v.policy.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// retain keeps a context that could not be fully vacuumed, in memory
// only. Retained exposes the list and Retry re-submits it; no other
// package in this module calls either, so a retained context is
// re-driven only by an explicit Retry call.
func (v *Vacuumer) retain(vc *syncpipeline.VacuumContext) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.retained = append(v.retained, vc)
}

// Retained returns the vacuum contexts that could not be completed.
func (v *Vacuumer) Retained() []*syncpipeline.VacuumContext {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*syncpipeline.VacuumContext, len(v.retained))
	copy(out, v.retained)
	return out
}

// Retry re-submits every retained context, clearing the retained list
// for contexts that are re-submitted successfully.
func (v *Vacuumer) Retry(ctx context.Context) {
	v.mu.Lock()
	pending := v.retained
	v.retained = nil
	v.mu.Unlock()
	for _, vc := range pending {
		if err := v.Enqueue(ctx, vc); err != nil {
			v.retain(vc)
		}
	}
}

// Close releases the worker pool.
func (v *Vacuumer) Close() {
	v.pool.Release()
}
