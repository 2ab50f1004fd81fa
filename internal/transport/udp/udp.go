// Package udp implements the node's datagram I/O and chunked transport
// (spec §4.1 "Datagram I/O" and §4.2 "Chunked Transport"): a single UDP
// socket, fragmentation of oversized logical messages, reassembly with
// selective retransmission, and a duplicate-fragment cache.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imgcluster/node/internal/logx"
)

const (
	// MaxFragmentPayload targets ~32 KiB of useful payload per fragment,
	// leaving headroom below the practical UDP datagram limit (spec §4.1).
	MaxFragmentPayload = 32 * 1024

	// HeaderSize is the size in bytes of every packet's fixed header.
	HeaderSize = 19

	MagicByte1 = 0x49 // 'I'
	MagicByte2 = 0x43 // 'C'

	flagData              byte = 0x00
	flagRetransmitRequest byte = 0x01

	// FragmentIdleTimeout is how long a reassembly buffer waits for missing
	// fragments before requesting retransmission (spec §4.2).
	FragmentIdleTimeout = 5 * time.Second

	// MaxRetransmitRounds bounds how many retransmit requests a receiver
	// will issue for one chunk before giving up (spec §4.2).
	MaxRetransmitRounds = 3

	// OutboundCacheTTL is how long sent fragments are retained to answer
	// retransmit requests (spec §3 ChunkRecord).
	OutboundCacheTTL = 30 * time.Second

	// completedChunkTTL is how long a finished chunk id is remembered so
	// delayed duplicate fragments are dropped rather than reassembled
	// again (spec §4.2 "Ordering and duplicates").
	completedChunkTTL = 10 * time.Second

	// fragmentPacingDelay is inserted between consecutive fragment sends
	// to reduce receiver-side drops under bursty load (spec §4.2).
	fragmentPacingDelay = 2 * time.Millisecond
)

var (
	ErrNotStarted    = errors.New("udp transport not started")
	ErrMessageTooBig = errors.New("message exceeds maximum fragment count")
)

// Message is a fully reassembled (or single-packet) logical message handed
// up to the router (spec §4.2, "A fully assembled buffer is handed to C3 as
// one logical message").
type Message struct {
	From    *net.UDPAddr
	Payload []byte
}

type packetHeader struct {
	flags          byte
	chunkID        uint64
	fragmentIndex  uint16
	totalFragments uint16
	checksum       uint32
}

func encodeHeader(h packetHeader) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = h.flags
	binary.BigEndian.PutUint64(buf[3:11], h.chunkID)
	binary.BigEndian.PutUint16(buf[11:13], h.fragmentIndex)
	binary.BigEndian.PutUint16(buf[13:15], h.totalFragments)
	binary.BigEndian.PutUint32(buf[15:19], h.checksum)
	return buf
}

func decodeHeader(data []byte) (packetHeader, error) {
	if len(data) < HeaderSize {
		return packetHeader{}, fmt.Errorf("packet too small for header")
	}
	if data[0] != MagicByte1 || data[1] != MagicByte2 {
		return packetHeader{}, fmt.Errorf("invalid magic bytes")
	}
	return packetHeader{
		flags:          data[2],
		chunkID:        binary.BigEndian.Uint64(data[3:11]),
		fragmentIndex:  binary.BigEndian.Uint16(data[11:13]),
		totalFragments: binary.BigEndian.Uint16(data[13:15]),
		checksum:       binary.BigEndian.Uint32(data[15:19]),
	}, nil
}

// outboundChunk is a ChunkRecord (spec §3): the fragments of one sent
// logical message, retained so a RetransmitRequest can be served without
// recomputation.
type outboundChunk struct {
	fragments [][]byte // fragment i's full packet bytes (header + payload)
	dest      *net.UDPAddr
	createdAt time.Time
}

// reassemblyBuffer is the inbound counterpart (spec §3 ReassemblyBuffer).
type reassemblyBuffer struct {
	fragments map[uint16][]byte
	total     uint16
	deadline  time.Time
	rounds    int
	lastSeen  *net.UDPAddr
}

type reassemblyKey struct {
	addr    string
	chunkID uint64
}

// Transport is the node's single UDP socket plus its chunking layer.
type Transport struct {
	log  logx.Logger
	conn *net.UDPConn

	nextChunkID uint64 // monotonic per-sender chunk id (spec §4.2)

	outMu sync.Mutex
	out   map[uint64]*outboundChunk

	inMu sync.Mutex
	in   map[reassemblyKey]*reassemblyBuffer

	doneMu  sync.Mutex
	doneCh  map[reassemblyKey]time.Time // recently completed chunk ids

	messages chan Message

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New creates a Transport bound to addr ("host:port"; host may be "0.0.0.0").
func New(addr string, log logx.Logger) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind udp socket: %w", err)
	}
	return &Transport{
		log:      log,
		conn:     conn,
		out:      make(map[uint64]*outboundChunk),
		in:       make(map[reassemblyKey]*reassemblyBuffer),
		doneCh:   make(map[reassemblyKey]time.Time),
		messages: make(chan Message, 256),
		stopCh:   make(chan struct{}),
	}, nil
}

// Messages returns the channel of reassembled logical messages. The receive
// loop never blocks on it for long: consumers must drain it promptly.
func (t *Transport) Messages() <-chan Message { return t.messages }

// Start launches the receive loop and background cleanup tasks. Handlers run
// asynchronously; the receive loop itself never blocks on application logic
// (spec §4.1).
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true

	t.wg.Add(3)
	go t.receiveLoop()
	go t.cleanupLoop()
	go t.idleCheckLoop()
}

// Stop closes the socket and waits for background goroutines to exit.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	close(t.stopCh)
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// LocalAddr returns the bound UDP address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Send transmits a logical message to dst, fragmenting it if it exceeds
// MaxFragmentPayload (spec §4.2 "Send path").
func (t *Transport) Send(dst *net.UDPAddr, payload []byte) error {
	chunkID := atomic.AddUint64(&t.nextChunkID, 1)

	totalFragments := (len(payload) + MaxFragmentPayload - 1) / MaxFragmentPayload
	if totalFragments == 0 {
		totalFragments = 1
	}
	if totalFragments > 0xFFFF {
		return ErrMessageTooBig
	}

	fragments := make([][]byte, totalFragments)
	for i := 0; i < totalFragments; i++ {
		start := i * MaxFragmentPayload
		end := start + MaxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		slice := payload[start:end]

		header := encodeHeader(packetHeader{
			flags:          flagData,
			chunkID:        chunkID,
			fragmentIndex:  uint16(i),
			totalFragments: uint16(totalFragments),
			checksum:       crc32.ChecksumIEEE(slice),
		})
		packet := make([]byte, len(header)+len(slice))
		copy(packet, header)
		copy(packet[len(header):], slice)
		fragments[i] = packet
	}

	t.outMu.Lock()
	t.out[chunkID] = &outboundChunk{fragments: fragments, dest: dst, createdAt: time.Now()}
	t.outMu.Unlock()

	for i, packet := range fragments {
		if _, err := t.conn.WriteToUDP(packet, dst); err != nil {
			return fmt.Errorf("send fragment %d/%d: %w", i+1, totalFragments, err)
		}
		if i < totalFragments-1 {
			time.Sleep(fragmentPacingDelay)
		}
	}
	return nil
}

// receiveLoop reads datagrams and dispatches each without blocking on
// application-level processing (spec §4.1).
func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Warn("udp read error: %v", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go t.handlePacket(addr, data)
	}
}

func (t *Transport) handlePacket(addr *net.UDPAddr, data []byte) {
	header, err := decodeHeader(data)
	if err != nil {
		t.log.Debug("dropping malformed packet from %s: %v", addr, err)
		return
	}
	payload := data[HeaderSize:]
	if crc32.ChecksumIEEE(payload) != header.checksum {
		t.log.Debug("checksum mismatch from %s chunk=%d frag=%d", addr, header.chunkID, header.fragmentIndex)
		return
	}

	if header.flags&flagRetransmitRequest != 0 {
		t.handleRetransmitRequest(addr, header.chunkID, payload)
		return
	}

	t.handleFragment(addr, header, payload)
}

// handleFragment joins a fragment to its reassembly buffer and, once
// complete, hands the logical message to the router (spec §4.2, §I6).
func (t *Transport) handleFragment(addr *net.UDPAddr, h packetHeader, payload []byte) {
	key := reassemblyKey{addr: addr.String(), chunkID: h.chunkID}

	t.inMu.Lock()
	if t.wasRecentlyCompleted(key) {
		t.inMu.Unlock()
		t.log.Debug("dropping duplicate fragment for completed chunk %d from %s", h.chunkID, addr)
		return
	}

	buf, exists := t.in[key]
	if !exists {
		buf = &reassemblyBuffer{
			fragments: make(map[uint16][]byte),
			total:     h.totalFragments,
		}
		t.in[key] = buf
	}
	buf.fragments[h.fragmentIndex] = payload
	buf.deadline = time.Now().Add(FragmentIdleTimeout)
	buf.lastSeen = addr

	complete := len(buf.fragments) == int(buf.total)
	if complete {
		delete(t.in, key)
	}
	t.inMu.Unlock()

	if !complete {
		return
	}

	message := assemble(buf)
	t.markCompleted(key)

	select {
	case t.messages <- Message{From: addr, Payload: message}:
	default:
		t.log.Warn("message channel full, dropping reassembled message from %s", addr)
	}
}

func assemble(buf *reassemblyBuffer) []byte {
	var size int
	for i := uint16(0); i < buf.total; i++ {
		size += len(buf.fragments[i])
	}
	out := make([]byte, 0, size)
	for i := uint16(0); i < buf.total; i++ {
		out = append(out, buf.fragments[i]...)
	}
	return out
}

func (t *Transport) wasRecentlyCompleted(key reassemblyKey) bool {
	t.doneMu.Lock()
	defer t.doneMu.Unlock()
	_, ok := t.doneCh[key]
	return ok
}

func (t *Transport) markCompleted(key reassemblyKey) {
	t.doneMu.Lock()
	defer t.doneMu.Unlock()
	t.doneCh[key] = time.Now().Add(completedChunkTTL)
}

// handleRetransmitRequest resends exactly the requested fragments from the
// outbound cache (spec §4.2). If the chunk has already been evicted, the
// request is dropped and the requester's own timeout fires eventually.
func (t *Transport) handleRetransmitRequest(addr *net.UDPAddr, chunkID uint64, payload []byte) {
	missing := decodeIndices(payload)

	t.outMu.Lock()
	chunk, ok := t.out[chunkID]
	t.outMu.Unlock()
	if !ok {
		t.log.Debug("retransmit request for unknown chunk %d from %s", chunkID, addr)
		return
	}

	for _, idx := range missing {
		if int(idx) >= len(chunk.fragments) {
			continue
		}
		if _, err := t.conn.WriteToUDP(chunk.fragments[idx], addr); err != nil {
			t.log.Warn("retransmit fragment %d of chunk %d failed: %v", idx, chunkID, err)
		}
	}
}

// sendRetransmitRequest asks a chunk's sender to resend specific fragments.
func (t *Transport) sendRetransmitRequest(addr *net.UDPAddr, chunkID uint64, missing []uint16) {
	payload := encodeIndices(missing)
	header := encodeHeader(packetHeader{
		flags:    flagRetransmitRequest,
		chunkID:  chunkID,
		checksum: crc32.ChecksumIEEE(payload),
	})
	packet := make([]byte, len(header)+len(payload))
	copy(packet, header)
	copy(packet[len(header):], payload)
	if _, err := t.conn.WriteToUDP(packet, addr); err != nil {
		t.log.Warn("send retransmit request for chunk %d failed: %v", chunkID, err)
	}
}

func encodeIndices(indices []uint16) []byte {
	buf := make([]byte, len(indices)*2)
	for i, idx := range indices {
		binary.BigEndian.PutUint16(buf[i*2:i*2+2], idx)
	}
	return buf
}

func decodeIndices(data []byte) []uint16 {
	indices := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		indices = append(indices, binary.BigEndian.Uint16(data[i:i+2]))
	}
	return indices
}

// idleCheckLoop scans reassembly buffers for fragment-idle timeouts and
// drives the retransmit-or-give-up decision (spec §4.2).
func (t *Transport) idleCheckLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(FragmentIdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.checkIdleBuffers()
		}
	}
}

func (t *Transport) checkIdleBuffers() {
	now := time.Now()

	type retransmitOrder struct {
		addr    *net.UDPAddr
		chunkID uint64
		missing []uint16
	}
	var toRetransmit []retransmitOrder
	var toDrop []reassemblyKey

	t.inMu.Lock()
	for key, buf := range t.in {
		if now.Before(buf.deadline) {
			continue
		}
		missing := missingIndices(buf)
		if len(missing) == 0 {
			continue
		}
		buf.rounds++
		if buf.rounds > MaxRetransmitRounds {
			toDrop = append(toDrop, key)
			continue
		}
		buf.deadline = now.Add(FragmentIdleTimeout)
		toRetransmit = append(toRetransmit, retransmitOrder{addr: buf.lastSeen, chunkID: key.chunkID, missing: missing})
	}
	for _, key := range toDrop {
		delete(t.in, key)
	}
	t.inMu.Unlock()

	for _, drop := range toDrop {
		t.log.Warn("reassembly failed for chunk %d from %s: retransmit budget exhausted", drop.chunkID, drop.addr)
	}
	for _, order := range toRetransmit {
		t.sendRetransmitRequest(order.addr, order.chunkID, order.missing)
	}
}

func missingIndices(buf *reassemblyBuffer) []uint16 {
	var missing []uint16
	for i := uint16(0); i < buf.total; i++ {
		if _, ok := buf.fragments[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// cleanupLoop evicts expired outbound chunks and completed-chunk markers by
// time, not count (spec §4.2 "Outbound cache eviction is by time").
func (t *Transport) cleanupLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(OutboundCacheTTL / 6)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.evictExpired()
		}
	}
}

func (t *Transport) evictExpired() {
	now := time.Now()

	t.outMu.Lock()
	for id, chunk := range t.out {
		if now.Sub(chunk.createdAt) > OutboundCacheTTL {
			delete(t.out, id)
		}
	}
	t.outMu.Unlock()

	t.doneMu.Lock()
	for key, expiry := range t.doneCh {
		if now.After(expiry) {
			delete(t.doneCh, key)
		}
	}
	t.doneMu.Unlock()
}
