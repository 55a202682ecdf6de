package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := EncodeNode(Node{Name: "n1", Host: "10.0.0.1", Port: 58870, Region: "eu", Mastery: 42})
	raw := Encode(Hello, "my-cluster", body)

	dg, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, Hello, dg.Type)
	require.Equal(t, "my-cluster", dg.ClusterName)

	node, err := DecodeNode(dg.Body)
	require.NoError(t, err)
	require.Equal(t, "n1", node.Name)
	require.Equal(t, "10.0.0.1", node.Host)
	require.Equal(t, 58870, node.Port)
	require.Equal(t, "eu", node.Region)
	require.Equal(t, int64(42), node.Mastery)
}

func TestDecodeRejectsUnknownMajorVersion(t *testing.T) {
	raw := Encode(Hello, "c", nil)
	raw[1] = ProtoMajor + 1

	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecodeRejectsShortPreamble(t *testing.T) {
	_, err := Decode([]byte{0, 1})
	require.Error(t, err)
}

func TestDBUpdatedRoundTrip(t *testing.T) {
	node := Node{Name: "n2", Host: "10.0.0.2", Port: 58870, Region: "us", Mastery: 7}
	body := EncodeDBUpdated(node, "twitter.db/shard0")

	gotNode, gotPath, err := DecodeDBUpdated(body)
	require.NoError(t, err)
	require.Equal(t, node, gotNode)
	require.Equal(t, "twitter.db/shard0", gotPath)
}
