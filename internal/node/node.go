// Package node wires every component (C1-C7, plus the surrounding
// directory store) into one running process per spec §5: the receive
// loop dispatch, the heartbeat sender, the failure detector, and the
// election loop all run as long-lived goroutines rooted here.
package node

import (
	"crypto/rand"
	"fmt"

	"github.com/imgcluster/node/internal/auth"
	"github.com/imgcluster/node/internal/cluster"
	"github.com/imgcluster/node/internal/config"
	"github.com/imgcluster/node/internal/control"
	"github.com/imgcluster/node/internal/logx"
	"github.com/imgcluster/node/internal/pipeline"
	"github.com/imgcluster/node/internal/router"
	"github.com/imgcluster/node/internal/store"
	"github.com/imgcluster/node/internal/transport/udp"
)

// Node is one running cluster peer: a bound UDP transport, cluster state,
// the control plane, the request pipeline, the directory store, and the
// router tying inbound datagrams to all of the above.
type Node struct {
	cfg       *config.ClusterConfig
	log       logx.Logger
	transport *udp.Transport
	state     *cluster.State
	control   *control.Controller
	pipeline  *pipeline.Pipeline
	store     *store.Store
	auth      *auth.Issuer
	router    *router.Router

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Node and binds its UDP socket to cfg.BindAddr, but does not
// yet start any background task — call Run for that.
func New(cfg *config.ClusterConfig, log logx.Logger) (*Node, error) {
	transport, err := udp.New(cfg.BindAddr, log)
	if err != nil {
		return nil, fmt.Errorf("bind transport: %w", err)
	}

	state := cluster.New(cfg.LocalID, cfg.Peers, log)
	ctrl := control.New(state, transport, log)
	pl := pipeline.New(state, transport, log)
	st := store.New()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	authIssuer := auth.New(secret)

	r := router.New(state, ctrl, pl, st, authIssuer, transport, log)

	return &Node{
		cfg:       cfg,
		log:       log,
		transport: transport,
		state:     state,
		control:   ctrl,
		pipeline:  pl,
		store:     st,
		auth:      authIssuer,
		router:    r,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Run starts every long-running task and blocks until Stop is called.
func (n *Node) Run() {
	defer close(n.doneCh)

	n.transport.Start()
	n.control.Start()
	n.log.Info("node %d listening on %s", n.cfg.LocalID, n.transport.LocalAddr())

	for {
		select {
		case <-n.stopCh:
			return
		case msg := <-n.transport.Messages():
			go n.router.Dispatch(msg.From, msg.Payload)
		}
	}
}

// Stop halts the receive loop and every background task, and closes the
// socket. It blocks until Run has returned.
func (n *Node) Stop() {
	close(n.stopCh)
	<-n.doneCh
	n.control.Stop()
	if err := n.transport.Stop(); err != nil {
		n.log.Warn("close transport: %v", err)
	}
}
