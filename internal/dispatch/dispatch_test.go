package dispatch

import (
	"context"
	"testing"

	"github.com/jcnelson/syndicate/internal/syndicateerr"
	"github.com/stretchr/testify/require"
)

func newCoordState(initial uint64) *CoordinatorState {
	v := initial
	return NewCoordinatorState(func() uint64 { return v }, func(id uint64) { v = id })
}

func TestDispatchRunsLocalWhenSelfIsCoordinator(t *testing.T) {
	coord := newCoordState(1)
	d := New(1, true, nil)

	var ranLocal bool
	err := d.Dispatch(context.Background(), "/x", coord,
		func(ctx context.Context) error { ranLocal = true; return nil },
		func(ctx context.Context, coordinatorID uint64) error { t.Fatal("remoteOp should not run"); return nil },
	)
	require.NoError(t, err)
	require.True(t, ranLocal)
}

func TestDispatchRunsRemoteWhenOtherIsCoordinator(t *testing.T) {
	coord := newCoordState(2)
	d := New(1, true, nil)

	var ranRemote bool
	err := d.Dispatch(context.Background(), "/x", coord,
		func(ctx context.Context) error { t.Fatal("localOp should not run"); return nil },
		func(ctx context.Context, coordinatorID uint64) error {
			ranRemote = true
			require.Equal(t, uint64(2), coordinatorID)
			return nil
		},
	)
	require.NoError(t, err)
	require.True(t, ranRemote)
}

func TestDispatchNonUnavailableErrorReturnsImmediately(t *testing.T) {
	coord := newCoordState(2)
	d := New(1, true, nil)

	wantErr := syndicateerr.New(syndicateerr.InvalidArgument, "write", "/x", nil)
	err := d.Dispatch(context.Background(), "/x", coord,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, coordinatorID uint64) error { return wantErr },
	)
	require.ErrorIs(t, err, wantErr)
}

func TestDispatchTakesOverOnRemoteUnavailable(t *testing.T) {
	coord := newCoordState(2)
	d := New(1, true, func(ctx context.Context, path string, coord *CoordinatorState, selfID uint64, capCoordinate bool) error {
		coord.Set(selfID)
		return nil
	})

	attempts := 0
	err := d.Dispatch(context.Background(), "/x", coord,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, coordinatorID uint64) error {
			attempts++
			return syndicateerr.New(syndicateerr.RemoteUnavailable, "write", "/x", nil)
		},
	)
	require.NoError(t, err)
	require.Equal(t, 1, attempts, "after takeover, local path is taken instead of retrying remoteOp")
	require.Equal(t, uint64(1), coord.Current())
}

func TestDispatchWithoutCoordinateCapReturnsUnavailable(t *testing.T) {
	coord := newCoordState(2)
	d := New(1, false, nil)

	unavailable := syndicateerr.New(syndicateerr.RemoteUnavailable, "write", "/x", nil)
	err := d.Dispatch(context.Background(), "/x", coord,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, coordinatorID uint64) error { return unavailable },
	)
	require.ErrorIs(t, err, unavailable)
}

func TestDispatchChcoordFailureReturnsImmediately(t *testing.T) {
	coord := newCoordState(2)
	chcoordErr := syndicateerr.New(syndicateerr.PermissionDenied, "chcoord", "/x", nil)
	d := New(1, true, func(ctx context.Context, path string, coord *CoordinatorState, selfID uint64, capCoordinate bool) error {
		return chcoordErr
	})

	err := d.Dispatch(context.Background(), "/x", coord,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, coordinatorID uint64) error {
			return syndicateerr.New(syndicateerr.RemoteUnavailable, "write", "/x", nil)
		},
	)
	require.ErrorIs(t, err, chcoordErr)
}
