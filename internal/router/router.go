// Package router dispatches decoded wire messages to the right component
// (spec §4.3, component C3): control-plane variants go to C7, accepted
// EncryptionRequests go to C4, and the forwarding invariant that prevents
// loops is enforced here, in one place, rather than duplicated in each
// handler.
package router

import (
	"net"

	"github.com/imgcluster/node/internal/auth"
	"github.com/imgcluster/node/internal/cluster"
	"github.com/imgcluster/node/internal/control"
	"github.com/imgcluster/node/internal/logx"
	"github.com/imgcluster/node/internal/pipeline"
	"github.com/imgcluster/node/internal/store"
	"github.com/imgcluster/node/internal/transport/udp"
	"github.com/imgcluster/node/internal/wire"
)

// Router wires a decoded inbound message to cluster state, the control
// plane, the request pipeline, and the surrounding directory store.
type Router struct {
	state     *cluster.State
	control   *control.Controller
	pipeline  *pipeline.Pipeline
	store     *store.Store
	auth      *auth.Issuer
	transport *udp.Transport
	log       logx.Logger
}

// New builds a Router. store and authIssuer may be nil if the surrounding
// directory operations are not wired up (core cluster behavior does not
// need them).
func New(state *cluster.State, ctrl *control.Controller, pl *pipeline.Pipeline, st *store.Store, authIssuer *auth.Issuer, transport *udp.Transport, log logx.Logger) *Router {
	return &Router{state: state, control: ctrl, pipeline: pl, store: st, auth: authIssuer, transport: transport, log: log}
}

// Dispatch decodes payload and routes it by variant. from is the UDP
// endpoint the datagram arrived from — for a first-hop EncryptionRequest
// this is the external client's reply address.
func (r *Router) Dispatch(from *net.UDPAddr, payload []byte) {
	if r.state.NodeState() == cluster.Failed {
		// "while Failed, the node ignores every received message" (spec §4.6).
		return
	}

	msgType, msg, err := wire.Decode(payload)
	if err != nil {
		r.log.Warn("discarding undecodable message from %s: %v", from, err)
		return
	}

	switch msgType {
	case wire.TypeHeartbeat:
		r.control.HandleHeartbeat(msg.(*wire.Heartbeat))
	case wire.TypeHeartbeatAck:
		r.control.HandleHeartbeatAck(msg.(*wire.HeartbeatAck))
	case wire.TypeElection:
		r.control.HandleElection(msg.(*wire.Election))
	case wire.TypeElectionOk:
		r.control.HandleElectionOk(msg.(*wire.ElectionOk))
	case wire.TypeCoordinator:
		r.control.HandleCoordinator(msg.(*wire.Coordinator))
	case wire.TypeEncryptionRequest:
		r.handleEncryptionRequest(from, msg.(*wire.EncryptionRequest))
	case wire.TypeEncryptionResponse:
		r.log.Warn("received stray EncryptionResponse for request %s, no local waiter", msg.(*wire.EncryptionResponse).RequestID)
	default:
		r.dispatchSurrounding(from, msgType, msg)
	}
}

// handleEncryptionRequest enforces the router invariant (spec §4.3): a
// forwarded=true request is a terminal hop and goes straight to C4. A
// forwarded=false request is either load-balanced (if this node is
// coordinator) or forwarded on to the coordinator (if it isn't) —
// regardless of which node happens to be the coordinator, this is the
// single mechanism that prevents forwarding loops.
func (r *Router) handleEncryptionRequest(from *net.UDPAddr, req *wire.EncryptionRequest) {
	if req.Forwarded {
		r.pipeline.Handle(req)
		return
	}

	if req.OriginalClientEndpoint == "" {
		req.OriginalClientEndpoint = from.String()
	}

	if r.state.Coordinator() == r.state.LocalID() {
		target := r.control.SelectTarget()
		if target == r.state.LocalID() {
			r.pipeline.Handle(req)
			return
		}
		r.forwardTo(target, req)
		return
	}

	r.forwardTo(r.state.Coordinator(), req)
}

func (r *Router) forwardTo(targetID int, req *wire.EncryptionRequest) {
	req.Forwarded = true
	addr, err := r.resolve(targetID)
	if err != nil {
		r.log.Error("forward request %s to %d: %v", req.RequestID, targetID, err)
		return
	}
	payload, err := wire.Encode(req)
	if err != nil {
		r.log.Error("encode forwarded request %s: %v", req.RequestID, err)
		return
	}
	if err := r.transport.Send(addr, payload); err != nil {
		r.log.Warn("send forwarded request %s to %d: %v", req.RequestID, targetID, err)
	}
}

func (r *Router) send(to *net.UDPAddr, msg interface{}) {
	payload, err := wire.Encode(msg)
	if err != nil {
		r.log.Error("encode reply to %s: %v", to, err)
		return
	}
	if err := r.transport.Send(to, payload); err != nil {
		r.log.Warn("send reply to %s: %v", to, err)
	}
}

func (r *Router) resolve(id int) (*net.UDPAddr, error) {
	ep, ok := r.state.PeerEndpoint(id)
	if !ok {
		if id == r.state.LocalID() {
			return nil, errUnexpectedSelfForward
		}
		return nil, errUnknownPeer(id)
	}
	return net.ResolveUDPAddr("udp", ep)
}
