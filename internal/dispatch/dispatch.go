// Package dispatch implements the try-local-else-become-coordinator
// retry wrapper that every mutating filesystem operation runs through.
package dispatch

import (
	"context"

	"github.com/jcnelson/syndicate/internal/syndicateerr"
)

// CoordinatorState is the mutable, MS-mediated coordinator identity
// for one file, shared across dispatch calls on that file.
type CoordinatorState struct {
	get func() uint64
	set func(uint64)
}

// NewCoordinatorState wraps accessor/mutator functions supplied by the
// caller (typically closing over an inode's manifest coordinator
// field), so the dispatcher never needs to know about inode locking.
func NewCoordinatorState(get func() uint64, set func(uint64)) *CoordinatorState {
	return &CoordinatorState{get: get, set: set}
}

func (c *CoordinatorState) Current() uint64 { return c.get() }

// Set is called by a Chcoord implementation after a successful
// MS-side compare-and-swap to install the new coordinator id.
func (c *CoordinatorState) Set(id uint64) { c.set(id) }

// Chcoord performs an MS-side compare-and-swap on the coordinator
// field for path; on success it updates coord to selfID.
type Chcoord func(ctx context.Context, path string, coord *CoordinatorState, selfID uint64, capCoordinate bool) error

// Dispatcher wraps mutating filesystem operations in the
// try-local-else-remote-else-takeover retry loop.
type Dispatcher struct {
	SelfID        uint64
	CapCoordinate bool
	Chcoord       Chcoord
}

func New(selfID uint64, capCoordinate bool, chcoord Chcoord) *Dispatcher {
	return &Dispatcher{SelfID: selfID, CapCoordinate: capCoordinate, Chcoord: chcoord}
}

// Dispatch runs localOp when this gateway is the coordinator for path,
// otherwise attempts remoteOp against the current coordinator; on
// RemoteUnavailable it attempts a coordinator takeover via chcoord and
// loops. The loop terminates because each iteration either returns or
// strictly transitions coordinator state.
func (d *Dispatcher) Dispatch(ctx context.Context, path string, coord *CoordinatorState, localOp func(ctx context.Context) error, remoteOp func(ctx context.Context, coordinatorID uint64) error) error {
	for {
		if coord.Current() == d.SelfID {
			return localOp(ctx)
		}

		err := remoteOp(ctx, coord.Current())
		if err == nil {
			return nil
		}
		if syndicateerr.KindOf(err) != syndicateerr.RemoteUnavailable {
			return err
		}
		if !d.CapCoordinate {
			return err
		}

		if takeErr := d.Chcoord(ctx, path, coord, d.SelfID, d.CapCoordinate); takeErr != nil {
			return takeErr
		}
		// loop; if takeover succeeded, coord.Current() now equals d.SelfID.
	}
}
