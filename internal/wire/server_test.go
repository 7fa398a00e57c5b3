package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerClientRoundTrip(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", func(m *Message) *Message {
		switch m.Kind {
		case KindWrite:
			return &Message{Kind: KindAccepted}
		default:
			return &Message{Kind: KindError, Code: 1, Text: "unsupported"}
		}
	})
	require.NoError(t, err)
	srv.Start()
	defer srv.Close()

	addr := srv.listener.Addr().String()
	cli, err := Dial(addr)
	require.NoError(t, err)
	defer cli.Close()

	resp, err := cli.Send(&Message{Kind: KindWrite, FSPath: "/x", FileVersion: 1, BlockID: 0, BlockVersion: 1, Payload: []byte("hi")})
	require.NoError(t, err)
	require.Equal(t, KindAccepted, resp.Kind)

	_, err = cli.Send(&Message{Kind: KindDetach, FSPath: "/x", FileVersion: 1})
	require.Error(t, err)
}

func TestServerCloseTerminatesConnections(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", func(m *Message) *Message {
		return &Message{Kind: KindAccepted}
	})
	require.NoError(t, err)
	srv.Start()

	addr := srv.listener.Addr().String()
	cli, err := Dial(addr)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, srv.Close())
	time.Sleep(20 * time.Millisecond)

	_, err = cli.Send(&Message{Kind: KindAccepted})
	require.Error(t, err)
}
