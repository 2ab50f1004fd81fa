package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgcluster/node/internal/cluster"
	"github.com/imgcluster/node/internal/config"
	"github.com/imgcluster/node/internal/logx"
	"github.com/imgcluster/node/internal/transport/udp"
	"github.com/imgcluster/node/internal/wire"
)

func newTestController(t *testing.T, id int, peers config.PeerTable) (*Controller, *cluster.State, *udp.Transport) {
	t.Helper()
	tr, err := udp.New("127.0.0.1:0", logx.New("[test]"))
	require.NoError(t, err)
	tr.Start()
	t.Cleanup(func() { tr.Stop() })

	state := cluster.New(id, peers, logx.New("[test]"))
	return New(state, tr, logx.New("[test]")), state, tr
}

func TestSelectTargetPrefersLowerLoad(t *testing.T) {
	ctrl, state, _ := newTestController(t, 1, config.PeerTable{2: "127.0.0.1:1"})
	state.RecordHeartbeat(2, 0.0, 0)
	// Self has in_flight 0 too (no requests started), so both score 0;
	// tie-break picks the lower id.
	assert.Equal(t, 1, ctrl.SelectTarget())

	state.BeginRequest()
	state.BeginRequest()
	assert.Equal(t, 2, ctrl.SelectTarget())
}

func TestSelectTargetHysteresisKeepsPreviousTarget(t *testing.T) {
	ctrl, state, _ := newTestController(t, 1, config.PeerTable{2: "127.0.0.1:1"})
	state.BeginRequest()
	state.BeginRequest() // self load = 2
	state.RecordHeartbeat(2, 1.9, 0)
	assert.Equal(t, 2, ctrl.SelectTarget())

	// Self is now marginally better (peer scores 1.47 vs self 1.40, within
	// 20%); hysteresis should keep peer 2.
	state.RecordHeartbeat(2, 2.1, 0)
	assert.Equal(t, 2, ctrl.SelectTarget())
}

func TestSelectTargetIgnoresStalePeers(t *testing.T) {
	ctrl, state, _ := newTestController(t, 1, config.PeerTable{2: "127.0.0.1:1"})
	state.BeginRequest() // self load = 1, nonzero so it loses to a fresh zero-load peer

	assert.Equal(t, 1, ctrl.SelectTarget()) // peer 2 has never reported in, so it's not a candidate at all
}

// relay forwards every datagram arriving on tr to dispatch, matching what
// internal/router would do in a full node.
func relay(t *testing.T, tr *udp.Transport, dispatch func(wire.Type, interface{})) {
	t.Helper()
	go func() {
		for msg := range tr.Messages() {
			typ, decoded, err := wire.Decode(msg.Payload)
			if err != nil {
				continue
			}
			dispatch(typ, decoded)
		}
	}()
}

func TestElectionPicksLowestLoadAndBroadcastsCoordinator(t *testing.T) {
	trA, err := udp.New("127.0.0.1:0", logx.New("[a]"))
	require.NoError(t, err)
	trA.Start()
	defer trA.Stop()

	trB, err := udp.New("127.0.0.1:0", logx.New("[b]"))
	require.NoError(t, err)
	trB.Start()
	defer trB.Stop()

	stateA := cluster.New(1, config.PeerTable{2: trB.LocalAddr().String()}, logx.New("[a]"))
	stateB := cluster.New(2, config.PeerTable{1: trA.LocalAddr().String()}, logx.New("[b]"))
	ctrlA := New(stateA, trA, logx.New("[a]"))
	ctrlB := New(stateB, trB, logx.New("[b]"))

	stateA.BeginRequest() // node 1 reports nonzero load; node 2 stays at zero

	relay(t, trA, func(typ wire.Type, msg interface{}) {
		switch typ {
		case wire.TypeElection:
			ctrlA.HandleElection(msg.(*wire.Election))
		case wire.TypeElectionOk:
			ctrlA.HandleElectionOk(msg.(*wire.ElectionOk))
		case wire.TypeCoordinator:
			ctrlA.HandleCoordinator(msg.(*wire.Coordinator))
		}
	})
	relay(t, trB, func(typ wire.Type, msg interface{}) {
		switch typ {
		case wire.TypeElection:
			ctrlB.HandleElection(msg.(*wire.Election))
		case wire.TypeElectionOk:
			ctrlB.HandleElectionOk(msg.(*wire.ElectionOk))
		case wire.TypeCoordinator:
			ctrlB.HandleCoordinator(msg.(*wire.Coordinator))
		}
	})

	ctrlB.StartElection()
	time.Sleep(electionCollectionWindow + 500*time.Millisecond)

	assert.Equal(t, 2, stateA.Coordinator())
	assert.Equal(t, 2, stateB.Coordinator())
}
