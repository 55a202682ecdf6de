package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	return conn
}

func TestTouchTracksRemoteNodes(t *testing.T) {
	conn := listenLoopback(t)
	defer conn.Close()

	s := NewServer(conn, conn.LocalAddr(), "cluster", Node{Name: "local"}, false, time.Second, Handlers{})
	s.touch(Node{Name: "remote", Host: "10.0.0.5"})

	nodes := s.Nodes()
	require.Len(t, nodes, 1)
	require.Equal(t, "remote", nodes[0].Name)
}

func TestHandleHelloFromDifferentNameJustTouches(t *testing.T) {
	conn := listenLoopback(t)
	defer conn.Close()

	s := NewServer(conn, conn.LocalAddr(), "cluster", Node{Name: "local"}, false, time.Second, Handlers{})
	s.handle(Datagram{Type: Hello, ClusterName: "cluster", Body: EncodeNode(Node{Name: "other"})})

	nodes := s.Nodes()
	require.Len(t, nodes, 1)
	require.Equal(t, "other", nodes[0].Name)
}

func TestHandleSneerWithAutoGeneratedNameRegenerates(t *testing.T) {
	conn := listenLoopback(t)
	defer conn.Close()

	s := NewServer(conn, conn.LocalAddr(), "cluster", Node{Name: "auto-1234"}, true, time.Second, Handlers{})
	s.setState(Waiting)
	original := s.local.Name

	s.handleSneer(Datagram{Body: EncodeNode(Node{Name: original})})
	// regenerateName mutates s.local directly; give the respawned
	// bootstrap goroutine a moment to move off RESET.
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	renamed := s.local.Name
	s.mu.Unlock()
	require.NotEqual(t, original, renamed)
	s.Stop()
}

func TestHandleSneerWithFixedNameGoesBad(t *testing.T) {
	conn := listenLoopback(t)
	defer conn.Close()

	s := NewServer(conn, conn.LocalAddr(), "cluster", Node{Name: "fixed-name"}, false, time.Second, Handlers{})
	s.setState(Waiting)

	s.handleSneer(Datagram{Body: EncodeNode(Node{Name: "fixed-name"})})
	require.Equal(t, Bad, s.State())
}

func TestSweepDropsStaleNodeAndFiresLeaderLost(t *testing.T) {
	conn := listenLoopback(t)
	defer conn.Close()

	lostCh := make(chan struct{}, 1)
	s := NewServer(conn, conn.LocalAddr(), "cluster", Node{Name: "local"}, false, 50*time.Millisecond, Handlers{
		OnLeaderLost: func() { lostCh <- struct{}{} },
	})
	s.touch(Node{Name: "leader-node"})
	s.MarkLeader("leader-node")

	time.Sleep(60 * time.Millisecond)
	s.sweep()

	require.Empty(t, s.Nodes())
	select {
	case <-lostCh:
	case <-time.After(time.Second):
		t.Fatal("expected OnLeaderLost to fire")
	}
}

func TestHandleDBUpdatedSchedulesPullForReplica(t *testing.T) {
	conn := listenLoopback(t)
	defer conn.Close()

	pulled := make(chan string, 1)
	s := NewServer(conn, conn.LocalAddr(), "cluster", Node{Name: "local"}, false, time.Second, Handlers{
		IsReplicaFor: func(path string) bool { return true },
		SchedulePull: func(remote Node, path string) { pulled <- path },
	})

	s.handle(Datagram{
		Type:        DBUpdated,
		ClusterName: "cluster",
		Body:        EncodeDBUpdated(Node{Name: "writer"}, "shard0.db"),
	})

	select {
	case path := <-pulled:
		require.Equal(t, "shard0.db", path)
	case <-time.After(4 * time.Second):
		t.Fatal("expected SchedulePull to be invoked within the 0-3s scatter window")
	}
}

func TestHandleDBUpdatedSkipsNonReplica(t *testing.T) {
	conn := listenLoopback(t)
	defer conn.Close()

	pulled := make(chan string, 1)
	s := NewServer(conn, conn.LocalAddr(), "cluster", Node{Name: "local"}, false, time.Second, Handlers{
		IsReplicaFor: func(path string) bool { return false },
		SchedulePull: func(remote Node, path string) { pulled <- path },
	})

	s.handle(Datagram{
		Type:        DBUpdated,
		ClusterName: "cluster",
		Body:        EncodeDBUpdated(Node{Name: "writer"}, "shard0.db"),
	})

	select {
	case <-pulled:
		t.Fatal("SchedulePull should not run for a non-replica path")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleDBIgnoredWhenNotLeader(t *testing.T) {
	conn := listenLoopback(t)
	defer conn.Close()

	s := NewServer(conn, conn.LocalAddr(), "cluster", Node{Name: "local"}, false, time.Second, Handlers{})
	s.handleDB(Datagram{})

	buf := make([]byte, 64)
	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err := conn.ReadFrom(buf)
	require.Error(t, err, "non-leader must not answer a DB request")
}

func TestHandleDBAnswersWithNodeListWhenLeader(t *testing.T) {
	connA := listenLoopback(t)
	defer connA.Close()
	connB := listenLoopback(t)
	defer connB.Close()

	s := NewServer(connA, connB.LocalAddr(), "cluster", Node{Name: "local"}, false, time.Second, Handlers{
		IsLeader: func() bool { return true },
	})
	s.touch(Node{Name: "remote", Host: "10.0.0.5"})
	s.handleDB(Datagram{})

	buf := make([]byte, 4096)
	_ = connB.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := connB.ReadFrom(buf)
	require.NoError(t, err)

	dg, err := Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, DBWave, dg.Type)

	nodes, err := DecodeNodeList(dg.Body)
	require.NoError(t, err)
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	require.ElementsMatch(t, []string{"local", "remote"}, names)
}

func TestHandleDBWaveMergesNodeListExcludingSelf(t *testing.T) {
	conn := listenLoopback(t)
	defer conn.Close()

	s := NewServer(conn, conn.LocalAddr(), "cluster", Node{Name: "local"}, false, time.Second, Handlers{})
	body := EncodeNodeList([]Node{{Name: "local"}, {Name: "peer-a"}, {Name: "peer-b"}})
	s.handle(Datagram{Type: DBWave, ClusterName: "cluster", Body: body})

	names := make([]string, 0, 2)
	for _, n := range s.Nodes() {
		names = append(names, n.Name)
	}
	require.ElementsMatch(t, []string{"peer-a", "peer-b"}, names)
}

func TestHandleEnterFromNewNodeAnnouncesBossyDBWaveWhenLeader(t *testing.T) {
	connA := listenLoopback(t)
	defer connA.Close()
	connB := listenLoopback(t)
	defer connB.Close()

	s := NewServer(connA, connB.LocalAddr(), "cluster", Node{Name: "local"}, false, time.Second, Handlers{
		IsLeader: func() bool { return true },
	})
	s.handle(Datagram{Type: Enter, ClusterName: "cluster", Body: EncodeNode(Node{Name: "newcomer"})})

	buf := make([]byte, 4096)
	_ = connB.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := connB.ReadFrom(buf)
	require.NoError(t, err)

	dg, err := Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, BossyDBWave, dg.Type)
}

func TestHandleEnterFromKnownNodeDoesNotReannounce(t *testing.T) {
	connA := listenLoopback(t)
	defer connA.Close()
	connB := listenLoopback(t)
	defer connB.Close()

	s := NewServer(connA, connB.LocalAddr(), "cluster", Node{Name: "local"}, false, time.Second, Handlers{
		IsLeader: func() bool { return true },
	})
	s.touch(Node{Name: "newcomer"})
	s.handle(Datagram{Type: Enter, ClusterName: "cluster", Body: EncodeNode(Node{Name: "newcomer"})})

	buf := make([]byte, 64)
	_ = connB.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err := connB.ReadFrom(buf)
	require.Error(t, err, "a re-ENTER from an already-known node must not re-trigger BOSSY_DB_WAVE")
}

func TestTwoServersHandshakeOverRealUDP(t *testing.T) {
	connA := listenLoopback(t)
	defer connA.Close()
	connB := listenLoopback(t)
	defer connB.Close()

	a := NewServer(connA, connB.LocalAddr(), "cluster", Node{Name: "node-a"}, false, 10*time.Second, Handlers{})
	b := NewServer(connB, connA.LocalAddr(), "cluster", Node{Name: "node-b"}, false, 10*time.Second, Handlers{})

	go a.readLoop()
	go b.readLoop()
	defer a.Stop()
	defer b.Stop()

	a.send(Hello, EncodeNode(a.local))

	require.Eventually(t, func() bool {
		return len(b.Nodes()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "node-a", b.Nodes()[0].Name)
}
