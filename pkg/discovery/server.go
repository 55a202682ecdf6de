package discovery

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/xapiand/xapiand/pkg/log"
)

// Handlers lets the owning manager plug in the parts that reach
// outside discovery's own bookkeeping: pulling replication, checking
// replica placement, and reacting to a lost leader.
type Handlers struct {
	// IsReplicaFor reports whether the local node should hold a
	// replica of path, given the current active node set
	// (jump-consistent-hash placement).
	IsReplicaFor func(path string) bool
	// SchedulePull is invoked with a small random delay (0-3s) to
	// scatter thundering herds on DB_UPDATED.
	SchedulePull func(remoteNode Node, path string)
	// OnLeaderLost fires when the sweep drops a node that was marked
	// leader, delegating leader re-election to the out-of-scope raft
	// wrapper (pkg/raftleader).
	OnLeaderLost func()
	// IsLeader reports whether the local node currently holds raft
	// leadership, gating who answers DB requests and announces
	// BOSSY_DB_WAVE. Nil means never act as leader (e.g. in tests that
	// don't care about cluster-DB sync).
	IsLeader func() bool
}

// Server drives the discovery state machine and gossip socket.
type Server struct {
	conn          net.PacketConn
	broadcastAddr net.Addr
	clusterName   string
	heartbeatMax  time.Duration
	handlers      Handlers

	mu            sync.Mutex
	local         Node
	autoGenerated bool
	state         State
	nodes         map[string]*entry

	stop chan struct{}
	done chan struct{}
}

// NewServer wires a discovery Server. conn/broadcastAddr let
// production code pass a real multicast UDPConn while tests use a
// loopback PacketConn pair.
func NewServer(conn net.PacketConn, broadcastAddr net.Addr, clusterName string, local Node, autoGenerated bool, heartbeatMax time.Duration, handlers Handlers) *Server {
	return &Server{
		conn:          conn,
		broadcastAddr: broadcastAddr,
		clusterName:   clusterName,
		heartbeatMax:  heartbeatMax,
		handlers:      handlers,
		local:         local,
		autoGenerated: autoGenerated,
		state:         Reset,
		nodes:         make(map[string]*entry),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// State returns the current node state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start launches the read loop, the RESET->...->READY bootstrap, and
// the heartbeat sweep.
func (s *Server) Start() {
	go s.readLoop()
	go s.bootstrap()
	go s.sweepLoop()
	go s.heartbeatLoop()
}

// Stop shuts the server's background goroutines down.
func (s *Server) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Server) send(typ MessageType, body []byte) {
	datagram := Encode(typ, s.clusterName, body)
	_, _ = s.conn.WriteTo(datagram, s.broadcastAddr)
}

// bootstrap runs RESET -> WAITING -> WAITING_MORE -> JOINING -> SETUP
// -> READY.
func (s *Server) bootstrap() {
	s.setState(Reset)
	s.mu.Lock()
	node := s.local
	s.mu.Unlock()
	s.send(Hello, EncodeNode(node))
	s.setState(Waiting)

	select {
	case <-time.After(FastTimeout):
	case <-s.stop:
		return
	}
	s.setState(WaitingMore)

	select {
	case <-time.After(SlowTimeout):
	case <-s.stop:
		return
	}

	if s.State() == Bad {
		return
	}

	s.mu.Lock()
	node = s.local
	s.mu.Unlock()
	s.send(Enter, EncodeNode(node))
	s.setState(Joining)
	s.setState(Setup)
	// Request the current gossip-visible node list; only the raft
	// leader answers DB (see handleDB), so a late joiner's cache
	// converges before it
	// announces itself READY instead of waiting for the next heartbeat
	// round to fill it in passively.
	s.send(DB, nil)

	select {
	case <-time.After(FastTimeout):
	case <-s.stop:
		return
	}
	s.setState(Ready)
}

func (s *Server) readLoop() {
	defer close(s.done)
	buf := make([]byte, 65536)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := s.conn.ReadFrom(buf)
		select {
		case <-s.stop:
			return
		default:
		}
		if err != nil {
			continue
		}
		dg, derr := Decode(buf[:n])
		if derr != nil {
			continue // unknown major version or malformed preamble
		}
		if dg.ClusterName != s.clusterName {
			continue
		}
		s.handle(dg)
	}
}

func (s *Server) handle(dg Datagram) {
	switch dg.Type {
	case Hello:
		s.handleHello(dg)
	case Wave, Enter:
		s.handleWaveOrEnter(dg)
	case Sneer:
		s.handleSneer(dg)
	case Bye:
		s.handleBye(dg)
	case Heartbeat:
		s.handleHeartbeat(dg)
	case DBUpdated:
		s.handleDBUpdated(dg)
	case DB:
		s.handleDB(dg)
	case DBWave, BossyDBWave:
		s.handleDBWave(dg)
	}
}

func (s *Server) handleHello(dg Datagram) {
	remote, err := DecodeNode(dg.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	localName := s.local.Name
	st := s.state
	s.mu.Unlock()

	if remote.Name != localName {
		s.touch(remote)
		return
	}
	if st == Ready {
		s.send(Sneer, EncodeNode(remote))
		return
	}
	s.send(Wave, EncodeNode(s.local))
}

func (s *Server) handleWaveOrEnter(dg Datagram) {
	remote, err := DecodeNode(dg.Body)
	if err != nil {
		return
	}
	isNew := s.touch(remote)

	s.mu.Lock()
	localName := s.local.Name
	st := s.state
	s.mu.Unlock()
	if remote.Name == localName && (st == Waiting) {
		s.setState(WaitingMore)
	}

	// An ENTER from a node we hadn't seen before is a new entrant; the
	// leader announces it unsolicited so every other node's cache picks
	// it up without each of them having to ask.
	if dg.Type == Enter && isNew && remote.Name != localName && s.handlers.IsLeader != nil && s.handlers.IsLeader() {
		s.send(BossyDBWave, EncodeNodeList(s.nodeListWithSelf()))
	}
}

func (s *Server) handleSneer(dg Datagram) {
	remote, err := DecodeNode(dg.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	localName := s.local.Name
	st := s.state
	auto := s.autoGenerated
	s.mu.Unlock()
	if remote.Name != localName || st == Ready {
		return
	}
	if auto {
		s.regenerateName()
		s.setState(Reset)
		go s.bootstrap()
		return
	}
	log.Error("discovery: node name conflict, terminating")
	s.setState(Bad)
}

func (s *Server) handleBye(dg Datagram) {
	remote, err := DecodeNode(dg.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.nodes, remote.Name)
	s.mu.Unlock()
}

func (s *Server) handleHeartbeat(dg Datagram) {
	remote, err := DecodeNode(dg.Body)
	if err != nil {
		return
	}
	s.touch(remote)
}

func (s *Server) handleDBUpdated(dg Datagram) {
	remote, path, err := DecodeDBUpdated(dg.Body)
	if err != nil {
		return
	}
	s.touch(remote)
	if s.handlers.IsReplicaFor == nil || s.handlers.SchedulePull == nil {
		return
	}
	if !s.handlers.IsReplicaFor(path) {
		return
	}
	delay := time.Duration(rand.Int63n(int64(3 * time.Second)))
	time.AfterFunc(delay, func() {
		s.handlers.SchedulePull(remote, path)
	})
}

// touch refreshes a remote node's touched_at: every received message
// refreshes the sender's touched_at. Reports whether n was not
// already known, so callers can react to a genuinely new entrant.
func (s *Server) touch(n Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.nodes[n.Name]
	if !ok {
		e = &entry{node: n}
		s.nodes[n.Name] = e
	}
	e.node = n
	e.touchedAt = time.Now()
	return !ok
}

// handleDB answers a DB request with the leader's current
// gossip-visible node list, so a joining node's cache converges without
// waiting on passive heartbeat traffic. Non-leaders stay silent;
// otherwise every node would answer and flood the requester.
func (s *Server) handleDB(dg Datagram) {
	if s.handlers.IsLeader == nil || !s.handlers.IsLeader() {
		return
	}
	s.send(DBWave, EncodeNodeList(s.nodeListWithSelf()))
}

// handleDBWave merges a received node list (solicited DB_WAVE or
// unsolicited BOSSY_DB_WAVE) into the local node cache.
func (s *Server) handleDBWave(dg Datagram) {
	nodes, err := DecodeNodeList(dg.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	localName := s.local.Name
	s.mu.Unlock()
	for _, n := range nodes {
		if n.Name == localName {
			continue
		}
		s.touch(n)
	}
}

// nodeListWithSelf snapshots known remote nodes plus the local node,
// for DB_WAVE/BOSSY_DB_WAVE bodies.
func (s *Server) nodeListWithSelf() []Node {
	s.mu.Lock()
	local := s.local
	nodes := make([]Node, 0, len(s.nodes)+1)
	for _, e := range s.nodes {
		nodes = append(nodes, e.node)
	}
	s.mu.Unlock()
	return append(nodes, local)
}

// MarkLeader records which known node is currently the raft leader,
// so the sweep can trigger OnLeaderLost when it drops that node.
func (s *Server) MarkLeader(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.nodes {
		e.leader = k == name
	}
}

// heartbeatLoop broadcasts a keep-alive well under heartbeatMax so
// healthy idle peers never get swept for silence alone.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeatMax / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Heartbeat()
		}
	}
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.heartbeatMax / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	cutoff := time.Now().Add(-s.heartbeatMax)
	var lostLeader bool

	s.mu.Lock()
	for name, e := range s.nodes {
		if e.touchedAt.Before(cutoff) {
			if e.leader {
				lostLeader = true
			}
			delete(s.nodes, name)
		}
	}
	s.mu.Unlock()

	if lostLeader && s.handlers.OnLeaderLost != nil {
		s.handlers.OnLeaderLost()
	}
}

// regenerateName assigns a fresh auto-generated name after a SNEER
// conflict by appending "-" and a random 4-character suffix to the
// current name.
func (s *Server) regenerateName() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local.Name = s.local.Name + "-" + randSuffix()
}

func randSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 4)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// Nodes returns a snapshot of currently known remote nodes.
func (s *Server) Nodes() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Node, 0, len(s.nodes))
	for _, e := range s.nodes {
		out = append(out, e.node)
	}
	return out
}

// Broadcast sends DB_UPDATED for path, announcing a local commit.
func (s *Server) Broadcast(path string) {
	s.mu.Lock()
	node := s.local
	s.mu.Unlock()
	s.send(DBUpdated, EncodeDBUpdated(node, path))
}

// Heartbeat broadcasts a keep-alive. heartbeatLoop, started by Start,
// calls it every heartbeatMax/3.
func (s *Server) Heartbeat() {
	s.mu.Lock()
	node := s.local
	s.mu.Unlock()
	s.send(Heartbeat, EncodeNode(node))
}
