package raftleader

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xapiand/xapiand/pkg/xerrors"
)

// freeTCPAddr asks the OS for a free loopback port by briefly
// listening on :0, then releases it for raft's transport to rebind.
func freeTCPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newBootstrapped(t *testing.T) *Leader {
	t.Helper()
	l, err := New(Config{
		NodeID:   "node-1",
		BindAddr: freeTCPAddr(t),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, l.Bootstrap())
	t.Cleanup(func() { _ = l.Shutdown() })

	require.Eventually(t, l.IsLeader, 5*time.Second, 20*time.Millisecond)
	return l
}

func TestBootstrapBecomesLeader(t *testing.T) {
	l := newBootstrapped(t)
	require.True(t, l.IsLeader())
}

func TestSetNodeReplicatesToFSM(t *testing.T) {
	l := newBootstrapped(t)

	require.NoError(t, l.SetNode(NodeInfo{Name: "a", Host: "10.0.0.1", Port: 58870, Region: "eu"}))

	require.Eventually(t, func() bool {
		for _, n := range l.Nodes() {
			if n.Name == "a" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestClearNodeRemovesFromFSM(t *testing.T) {
	l := newBootstrapped(t)
	require.NoError(t, l.SetNode(NodeInfo{Name: "b"}))
	require.Eventually(t, func() bool { return len(l.Nodes()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, l.ClearNode("b"))
	require.Eventually(t, func() bool { return len(l.Nodes()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestSetNodeBeforeStartFails(t *testing.T) {
	l, err := New(Config{NodeID: "node-2", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.ErrorIs(t, l.SetNode(NodeInfo{Name: "x"}), xerrors.ErrRaftNotStarted)
}
