package router

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imgcluster/node/internal/cluster"
	"github.com/imgcluster/node/internal/config"
	"github.com/imgcluster/node/internal/control"
	"github.com/imgcluster/node/internal/logx"
	"github.com/imgcluster/node/internal/pipeline"
	"github.com/imgcluster/node/internal/transport/udp"
	"github.com/imgcluster/node/internal/wire"
)

func testImageBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{R: byte(x), G: byte(y), B: 1, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testNode struct {
	id        int
	transport *udp.Transport
	state     *cluster.State
	control   *control.Controller
	pipeline  *pipeline.Pipeline
	router    *Router
}

func newTestNode(t *testing.T, id int, peers config.PeerTable) *testNode {
	t.Helper()
	tr, err := udp.New("127.0.0.1:0", logx.New("[node]"))
	require.NoError(t, err)
	tr.Start()

	state := cluster.New(id, peers, logx.New("[node]"))
	ctrl := control.New(state, tr, logx.New("[node]"))
	pl := pipeline.New(state, tr, logx.New("[node]"))
	r := New(state, ctrl, pl, nil, nil, tr, logx.New("[node]"))
	return &testNode{id: id, transport: tr, state: state, control: ctrl, pipeline: pl, router: r}
}

func (n *testNode) close() { n.transport.Stop() }

// runLoop forwards every inbound datagram on the node's transport to its
// router, mimicking the dispatch loop internal/node would run.
func (n *testNode) runLoop(stop <-chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			case msg := <-n.transport.Messages():
				n.router.Dispatch(msg.From, msg.Payload)
			}
		}
	}()
}

func TestCoordinatorProcessesNonForwardedRequestLocally(t *testing.T) {
	node := newTestNode(t, 1, config.PeerTable{})
	defer node.close()
	stop := make(chan struct{})
	defer close(stop)
	node.runLoop(stop)

	client, err := udp.New("127.0.0.1:0", logx.New("[client]"))
	require.NoError(t, err)
	defer client.Stop()
	client.Start()

	req := wire.EncryptionRequest{
		Type:                wire.TypeEncryptionRequest,
		RequestID:           "r1",
		ImageBytes:          testImageBytes(t),
		AuthorizedUsernames: []string{"alice"},
		Quota:               1,
		Forwarded:           false,
	}
	payload, err := wire.Encode(req)
	require.NoError(t, err)
	require.NoError(t, client.Send(node.transport.LocalAddr(), payload))

	select {
	case msg := <-client.Messages():
		typ, decoded, err := wire.Decode(msg.Payload)
		require.NoError(t, err)
		require.Equal(t, wire.TypeEncryptionResponse, typ)
		require.True(t, decoded.(*wire.EncryptionResponse).Success)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestNonCoordinatorForwardsToCoordinator(t *testing.T) {
	coord := newTestNode(t, 1, config.PeerTable{})
	defer coord.close()
	stopCoord := make(chan struct{})
	defer close(stopCoord)
	coord.runLoop(stopCoord)

	worker := newTestNode(t, 2, config.PeerTable{1: coord.transport.LocalAddr().String()})
	defer worker.close()
	worker.state.SetCoordinator(1) // worker believes node 1 is coordinator
	stopWorker := make(chan struct{})
	defer close(stopWorker)
	worker.runLoop(stopWorker)

	client, err := udp.New("127.0.0.1:0", logx.New("[client]"))
	require.NoError(t, err)
	defer client.Stop()
	client.Start()

	req := wire.EncryptionRequest{
		Type:                wire.TypeEncryptionRequest,
		RequestID:           "r2",
		ImageBytes:          testImageBytes(t),
		AuthorizedUsernames: []string{"alice"},
		Quota:               1,
		Forwarded:           false,
	}
	payload, err := wire.Encode(req)
	require.NoError(t, err)
	require.NoError(t, client.Send(worker.transport.LocalAddr(), payload))

	select {
	case msg := <-client.Messages():
		typ, decoded, err := wire.Decode(msg.Payload)
		require.NoError(t, err)
		require.Equal(t, wire.TypeEncryptionResponse, typ)
		require.True(t, decoded.(*wire.EncryptionResponse).Success)
		require.Equal(t, "r2", decoded.(*wire.EncryptionResponse).RequestID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for response routed through the coordinator")
	}
}
