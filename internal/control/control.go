// Package control implements the control plane (spec §4.7, component C7):
// the heartbeat sender, the failure detector, the load-balancing decision,
// and the load-biased Bully election. It is the largest single component
// by the original spec's own budget and owns every long-running task in
// §5 that is not the receive loop itself.
package control

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imgcluster/node/internal/cluster"
	"github.com/imgcluster/node/internal/errs"
	"github.com/imgcluster/node/internal/logx"
	"github.com/imgcluster/node/internal/transport/udp"
	"github.com/imgcluster/node/internal/wire"
)

const (
	// electionTickInterval is the periodic election trigger (spec §4.7,
	// "reference: every 15-60s, tunable"); picked at the low end so tests
	// and demo clusters converge quickly.
	electionTickInterval = 20 * time.Second

	// electionCollectionWindow is how long an initiator waits for
	// ElectionOk replies before tallying (spec §4.7 "short collection
	// window").
	electionCollectionWindow = 3 * time.Second

	// controlSendTimeout and controlMaxRetries govern retries for
	// Election/Coordinator/HeartbeatAck (spec §4.7 "Retries").
	controlSendTimeout = 2 * time.Second
	controlMaxRetries  = 3

	// hysteresisMargin is the relative margin within which the
	// previously selected destination is kept over a marginally better
	// one (spec §4.7 step 3, reference 20%).
	hysteresisMargin = 0.20

	loadWeight      = 0.7
	processedWeight = 0.3
)

// Controller owns cluster-wide coordination: heartbeats, failure
// detection, load balancing, and elections.
type Controller struct {
	state     *cluster.State
	transport *udp.Transport
	log       logx.Logger

	mu                 sync.Mutex
	lastBalanceTarget  int
	haveLastBalance    bool
	electionRound      string
	electionInProgress bool
	electionOks        map[int]float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Controller for state, sending over transport.
func New(state *cluster.State, transport *udp.Transport, log logx.Logger) *Controller {
	return &Controller{
		state:     state,
		transport: transport,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the heartbeat sender, the failure detector, and the
// periodic election tick (spec §5 "long-running tasks per node").
func (c *Controller) Start() {
	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.electionTickLoop()
}

// Stop halts all control-plane background tasks.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Controller) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(cluster.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sendHeartbeats()
			if failed := c.state.DetectFailures(); len(failed) > 0 {
				c.handleNewlyFailed(failed)
			}
		}
	}
}

func (c *Controller) handleNewlyFailed(failed []int) {
	coordinator := c.state.Coordinator()
	for _, id := range failed {
		if id == coordinator {
			c.log.Warn("coordinator %d detected Failed, triggering election", id)
			go c.StartElection()
			return
		}
	}
}

func (c *Controller) electionTickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(electionTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			go c.StartElection()
		}
	}
}

func (c *Controller) sendHeartbeats() {
	if c.state.NodeState() != cluster.Active {
		return
	}
	hb := wire.Heartbeat{
		Type:           wire.TypeHeartbeat,
		From:           c.state.LocalID(),
		Load:           c.state.Load(),
		ProcessedCount: c.state.ProcessedTotal(),
	}
	payload, err := wire.Encode(hb)
	if err != nil {
		c.log.Error("encode heartbeat: %v", err)
		return
	}
	for _, id := range c.state.PeerIDs() {
		addr, err := c.resolvePeer(id)
		if err != nil {
			c.log.Warn("resolve peer %d: %v", id, err)
			continue
		}
		if err := c.transport.Send(addr, payload); err != nil {
			c.log.Warn("send heartbeat to %d: %v", id, err)
		}
	}
}

// HandleHeartbeat processes an inbound Heartbeat and replies with a
// HeartbeatAck carrying this node's own load (spec §4.7).
func (c *Controller) HandleHeartbeat(hb *wire.Heartbeat) {
	c.state.RecordHeartbeat(hb.From, hb.Load, hb.ProcessedCount)

	ack := wire.HeartbeatAck{
		Type:           wire.TypeHeartbeatAck,
		From:           c.state.LocalID(),
		Load:           c.state.Load(),
		ProcessedCount: c.state.ProcessedTotal(),
	}
	payload, err := wire.Encode(ack)
	if err != nil {
		c.log.Error("encode heartbeat ack: %v", err)
		return
	}
	c.sendWithRetry(hb.From, payload)
}

// HandleHeartbeatAck records the replying peer's freshened load.
func (c *Controller) HandleHeartbeatAck(ack *wire.HeartbeatAck) {
	c.state.RecordHeartbeat(ack.From, ack.Load, ack.ProcessedCount)
}

// SelectTarget runs the load-balancing decision (spec §4.7): build the
// candidate set, score each candidate, pick the lowest score, and apply
// hysteresis against the last chosen destination. Only meaningful when
// called on the current coordinator.
func (c *Controller) SelectTarget() int {
	type candidate struct {
		id    int
		score float64
	}

	maxProcessed := c.state.ProcessedTotal()
	for _, id := range c.state.PeerIDs() {
		if info, ok := c.state.LoadInfo(id); ok && c.state.Fresh(id) && info.ProcessedCount > maxProcessed {
			maxProcessed = info.ProcessedCount
		}
	}
	if maxProcessed == 0 {
		maxProcessed = 1 // avoid divide-by-zero when the cluster is brand new
	}

	candidates := []candidate{{
		id:    c.state.LocalID(),
		score: score(c.state.Load(), c.state.ProcessedTotal(), maxProcessed),
	}}
	for _, id := range c.state.PeerIDs() {
		if !c.state.Fresh(id) || !c.state.Alive(id) {
			continue
		}
		info, _ := c.state.LoadInfo(id)
		candidates = append(candidates, candidate{id: id, score: score(info.Load, info.ProcessedCount, maxProcessed)})
	}

	best := candidates[0]
	for _, cand := range candidates[1:] {
		if cand.score < best.score || (cand.score == best.score && cand.id < best.id) {
			best = cand
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveLastBalance {
		for _, cand := range candidates {
			if cand.id == c.lastBalanceTarget && cand.score <= best.score*(1+hysteresisMargin) {
				return c.lastBalanceTarget
			}
		}
	}
	c.lastBalanceTarget = best.id
	c.haveLastBalance = true
	return best.id
}

func score(load float64, processed int64, maxProcessed int64) float64 {
	return loadWeight*load + processedWeight*(float64(processed)/float64(maxProcessed))
}

// StartElection runs a full load-biased Bully round: broadcast Election,
// collect ElectionOk replies for a short window, then announce the winner
// (spec §4.7).
func (c *Controller) StartElection() {
	c.mu.Lock()
	if c.electionInProgress {
		c.mu.Unlock()
		return
	}
	round := uuid.NewString()
	c.electionInProgress = true
	c.electionRound = round
	c.electionOks = map[int]float64{c.state.LocalID(): c.state.Load()}
	c.mu.Unlock()

	c.log.Info("starting election round %s", round)
	e := wire.Election{Type: wire.TypeElection, From: c.state.LocalID(), Load: c.state.Load()}
	payload, err := wire.Encode(e)
	if err != nil {
		c.log.Error("encode election: %v", err)
		return
	}
	for _, id := range c.state.PeerIDs() {
		if !c.state.Alive(id) {
			continue
		}
		c.sendWithRetry(id, payload)
	}

	time.Sleep(electionCollectionWindow)
	c.concludeElection(round)
}

func (c *Controller) concludeElection(round string) {
	c.mu.Lock()
	if !c.electionInProgress || c.electionRound != round {
		// Already concluded or superseded by an adopted Coordinator.
		c.mu.Unlock()
		return
	}
	oks := c.electionOks
	c.electionInProgress = false
	c.mu.Unlock()

	winner, winnerLoad := c.state.LocalID(), oks[c.state.LocalID()]
	for id, load := range oks {
		if load < winnerLoad || (load == winnerLoad && id < winner) {
			winner, winnerLoad = id, load
		}
	}

	c.log.Info("election round %s concluded: winner %d (load %.3f)", round, winner, winnerLoad)
	c.state.SetCoordinator(winner)

	coord := wire.Coordinator{Type: wire.TypeCoordinator, From: winner, Load: winnerLoad}
	payload, err := wire.Encode(coord)
	if err != nil {
		c.log.Error("encode coordinator announcement: %v", err)
		return
	}
	for _, id := range c.state.PeerIDs() {
		c.sendWithRetry(id, payload)
	}
}

// HandleElection replies with this node's own (id, load), unless this
// node is not Active: a Failed or Recovering node ignores election
// traffic (spec §4.7).
func (c *Controller) HandleElection(e *wire.Election) {
	if c.state.NodeState() != cluster.Active {
		return
	}
	ok := wire.ElectionOk{Type: wire.TypeElectionOk, From: c.state.LocalID(), Load: c.state.Load()}
	payload, err := wire.Encode(ok)
	if err != nil {
		c.log.Error("encode election ok: %v", err)
		return
	}
	addr, err := c.resolvePeer(e.From)
	if err != nil {
		c.log.Warn("resolve election initiator %d: %v", e.From, err)
		return
	}
	if err := c.transport.Send(addr, payload); err != nil {
		c.log.Warn("send election ok to %d: %v", e.From, err)
	}
}

// HandleElectionOk records a peer's reply during the current election
// round. Replies arriving after the round concluded are ignored.
func (c *Controller) HandleElectionOk(ok *wire.ElectionOk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.electionInProgress {
		return
	}
	c.electionOks[ok.From] = ok.Load
}

// HandleCoordinator adopts the announced coordinator. If this node was
// mid-election as an initiator, it aborts its own round in favor of the
// announcement (spec §4.7 "aborts and adopts").
func (c *Controller) HandleCoordinator(coord *wire.Coordinator) {
	c.mu.Lock()
	c.electionInProgress = false
	c.mu.Unlock()
	c.state.SetCoordinator(coord.From)
}

func (c *Controller) resolvePeer(id int) (*net.UDPAddr, error) {
	ep, ok := c.state.PeerEndpoint(id)
	if !ok {
		return nil, fmt.Errorf("unknown peer id %d", id)
	}
	return net.ResolveUDPAddr("udp", ep)
}

// sendWithRetry sends payload to peer id once and, on failure, retries up
// to controlMaxRetries more times with exponential-style backoff (spec §4.7 "Retries"). It does not wait
// for an application-level ack; UDP send failures (not peer silence) are
// what trigger a retry here.
func (c *Controller) sendWithRetry(id int, payload []byte) {
	addr, err := c.resolvePeer(id)
	if err != nil {
		c.log.Warn("resolve peer %d: %v", id, err)
		return
	}
	backoff := controlSendTimeout
	var lastErr error
	for attempt := 0; attempt <= controlMaxRetries; attempt++ {
		if err := c.transport.Send(addr, payload); err == nil {
			return
		} else {
			lastErr = err
		}
		time.Sleep(backoff)
		backoff = time.Duration(float64(backoff) * 1.5)
	}
	c.log.Warn("control send to %d failed after retries: %v", id, errs.Wrap(errs.PeerUnreachable, "control-plane send", lastErr))
}
