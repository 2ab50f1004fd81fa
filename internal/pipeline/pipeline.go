// Package pipeline implements the per-node request pipeline (spec §4.4,
// component C4): accept an EncryptionRequest destined for local
// processing, run it through the encryption engine, and deliver the
// response straight to the original client, never through a forwarding
// intermediary.
package pipeline

import (
	"net"

	"github.com/imgcluster/node/internal/cluster"
	"github.com/imgcluster/node/internal/crypto"
	"github.com/imgcluster/node/internal/errs"
	"github.com/imgcluster/node/internal/logx"
	"github.com/imgcluster/node/internal/transport/udp"
	"github.com/imgcluster/node/internal/wire"
)

// Pipeline runs accepted EncryptionRequests against the encryption engine
// and accounts for in-flight load around every invocation.
type Pipeline struct {
	state     *cluster.State
	transport *udp.Transport
	log       logx.Logger
}

// New builds a Pipeline backed by state and transport.
func New(state *cluster.State, transport *udp.Transport, log logx.Logger) *Pipeline {
	return &Pipeline{state: state, transport: transport, log: log}
}

// Handle runs req to completion and sends the EncryptionResponse directly
// to req.OriginalClientEndpoint (spec §4.4 steps 1-5, invariant I4: the
// in_flight decrement runs on every exit path, including a recovered
// panic).
func (p *Pipeline) Handle(req *wire.EncryptionRequest) {
	p.state.BeginRequest()
	succeeded := false
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panic for request %s: %v", req.RequestID, r)
			succeeded = false
			p.reply(req, nil, errs.New(errs.Internal, "internal error processing request"))
		}
		p.state.EndRequest(succeeded)
	}()

	encrypted, err := crypto.Encrypt(req.ImageBytes, req.AuthorizedUsernames, req.Quota)
	if err != nil {
		p.reply(req, nil, err)
		return
	}
	succeeded = true
	p.reply(req, encrypted, nil)
}

func (p *Pipeline) reply(req *wire.EncryptionRequest, encrypted []byte, procErr error) {
	resp := wire.EncryptionResponse{
		Type:      wire.TypeEncryptionResponse,
		RequestID: req.RequestID,
	}
	if procErr != nil {
		resp.Success = false
		resp.Error = string(errs.KindOf(procErr))
	} else {
		resp.Success = true
		resp.EncryptedBytes = encrypted
	}

	payload, err := wire.Encode(resp)
	if err != nil {
		p.log.Error("encode response for request %s: %v", req.RequestID, err)
		return
	}

	addr, err := net.ResolveUDPAddr("udp", req.OriginalClientEndpoint)
	if err != nil {
		p.log.Error("resolve client endpoint %q for request %s: %v", req.OriginalClientEndpoint, req.RequestID, err)
		return
	}
	if err := p.transport.Send(addr, payload); err != nil {
		p.log.Warn("send response for request %s: %v", req.RequestID, err)
	}
}
