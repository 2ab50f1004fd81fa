package udp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imgcluster/node/internal/logx"
)

func TestSendReceiveSingleFragment(t *testing.T) {
	a, err := New("127.0.0.1:0", logx.New("[a]"))
	require.NoError(t, err)
	defer a.Stop()
	a.Start()

	b, err := New("127.0.0.1:0", logx.New("[b]"))
	require.NoError(t, err)
	defer b.Stop()
	b.Start()

	payload := []byte("hello cluster")
	require.NoError(t, a.Send(b.LocalAddr(), payload))

	select {
	case msg := <-b.Messages():
		require.Equal(t, payload, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSendReceiveFragmentedMessage(t *testing.T) {
	a, err := New("127.0.0.1:0", logx.New("[a]"))
	require.NoError(t, err)
	defer a.Stop()
	a.Start()

	b, err := New("127.0.0.1:0", logx.New("[b]"))
	require.NoError(t, err)
	defer b.Stop()
	b.Start()

	payload := make([]byte, MaxFragmentPayload*3+123)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, a.Send(b.LocalAddr(), payload))

	select {
	case msg := <-b.Messages():
		require.Equal(t, payload, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fragmented message")
	}
}
