package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	return got
}

func TestWriteMessageRoundTrip(t *testing.T) {
	m := &Message{Kind: KindWrite, FSPath: "/x/y", FileVersion: 3, BlockID: 7, BlockVersion: 2, Payload: []byte("payload bytes")}
	got := roundTrip(t, m)
	require.Equal(t, m.FSPath, got.FSPath)
	require.Equal(t, m.FileVersion, got.FileVersion)
	require.Equal(t, m.BlockID, got.BlockID)
	require.Equal(t, m.BlockVersion, got.BlockVersion)
	require.Equal(t, m.Payload, got.Payload)
}

func TestTruncateMessageRoundTrip(t *testing.T) {
	m := &Message{Kind: KindTruncate, FSPath: "/a", FileVersion: 1, Size: 6000, BlockVersionLo: 2, BlockVersionHi: 5}
	got := roundTrip(t, m)
	require.Equal(t, m.FSPath, got.FSPath)
	require.Equal(t, m.Size, got.Size)
	require.Equal(t, m.BlockVersionLo, got.BlockVersionLo)
	require.Equal(t, m.BlockVersionHi, got.BlockVersionHi)
}

func TestDetachMessageRoundTrip(t *testing.T) {
	m := &Message{Kind: KindDetach, FSPath: "/gone", FileVersion: 9}
	got := roundTrip(t, m)
	require.Equal(t, m.FSPath, got.FSPath)
	require.Equal(t, m.FileVersion, got.FileVersion)
}

func TestAcceptedMessageRoundTrip(t *testing.T) {
	m := &Message{Kind: KindAccepted}
	got := roundTrip(t, m)
	require.Equal(t, KindAccepted, got.Kind)
}

func TestErrorMessageRoundTrip(t *testing.T) {
	m := &Message{Kind: KindError, Code: 5, Text: "not found"}
	got := roundTrip(t, m)
	require.Equal(t, m.Code, got.Code)
	require.Equal(t, m.Text, got.Text)
}

func TestReadMessageMultipleFramesFromOneStream(t *testing.T) {
	var buf bytes.Buffer
	m1 := &Message{Kind: KindAccepted}
	m2 := &Message{Kind: KindError, Code: 1, Text: "boom"}
	_, err := m1.WriteTo(&buf)
	require.NoError(t, err)
	_, err = m2.WriteTo(&buf)
	require.NoError(t, err)

	got1, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, KindAccepted, got1.Kind)

	got2, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, int32(1), got2.Code)
	require.Equal(t, "boom", got2.Text)
}
