package closure

import (
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCachePutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closure.ldb")
	cache, err := OpenCache(path)
	require.NoError(t, err)
	defer cache.Close()

	bundle := &Bundle{
		Config: base64.StdEncoding.EncodeToString([]byte(`{"a":"b"}`)),
		Driver: base64.StdEncoding.EncodeToString([]byte("mem")),
	}
	require.NoError(t, cache.Put(bundle))

	got, ok, err := cache.Get("mem")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bundle.Config, got.Config)

	_, ok, err = cache.Get("nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}
