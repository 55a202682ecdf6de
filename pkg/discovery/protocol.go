// Package discovery implements the multicast UDP gossip protocol and
// node state machine used to find and track cluster peers.
package discovery

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xapiand/xapiand/pkg/xerrors"
)

// MessageType identifies a discovery datagram's body shape.
type MessageType uint8

const (
	Hello MessageType = iota
	Wave
	Sneer
	Enter
	Bye
	DBUpdated
	// Heartbeat, DB, DBWave and BossyDBWave supplement the core
	// six-message table with the extra types a running cluster
	// actually exchanges for liveness and per-database gossip.
	Heartbeat
	DB
	DBWave
	BossyDBWave
)

func (t MessageType) String() string {
	switch t {
	case Hello:
		return "HELLO"
	case Wave:
		return "WAVE"
	case Sneer:
		return "SNEER"
	case Enter:
		return "ENTER"
	case Bye:
		return "BYE"
	case DBUpdated:
		return "DB_UPDATED"
	case Heartbeat:
		return "HEARTBEAT"
	case DB:
		return "DB"
	case DBWave:
		return "DB_WAVE"
	case BossyDBWave:
		return "BOSSY_DB_WAVE"
	default:
		return fmt.Sprintf("MessageType(%d)", t)
	}
}

// ProtoMajor/ProtoMinor are the version fields every datagram carries.
// A receiver silently drops datagrams whose major version it does not
// understand.
const (
	ProtoMajor = 1
	ProtoMinor = 0
)

// Datagram is a decoded discovery packet: preamble plus cluster name
// plus an opaque, message-specific body.
type Datagram struct {
	Type        MessageType
	ProtoMajor  uint8
	ProtoMinor  uint8
	ClusterName string
	Body        []byte
}

// putString writes a length-prefixed UTF-8 string: u32 length ‖ bytes.
func putString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func getString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("discovery string length: %w", xerrors.ErrNetwork)
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return "", nil, fmt.Errorf("discovery string body: %w", xerrors.ErrNetwork)
	}
	return string(data[:n]), data[n:], nil
}

// Encode serialises a datagram: type ‖ major ‖ minor ‖ cluster_name ‖ body.
func Encode(typ MessageType, clusterName string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(typ))
	buf.WriteByte(ProtoMajor)
	buf.WriteByte(ProtoMinor)
	putString(&buf, clusterName)
	buf.Write(body)
	return buf.Bytes()
}

// Decode parses a raw datagram. Unknown major versions are silently
// dropped (returned as an ErrNetwork the caller should swallow, not
// log loudly); mismatched cluster names are the caller's concern to
// filter after decoding.
func Decode(data []byte) (Datagram, error) {
	if len(data) < 3 {
		return Datagram{}, fmt.Errorf("discovery preamble: %w", xerrors.ErrNetwork)
	}
	typ := MessageType(data[0])
	major, minor := data[1], data[2]
	rest := data[3:]

	name, body, err := getString(rest)
	if err != nil {
		return Datagram{}, err
	}
	if major != ProtoMajor {
		return Datagram{}, fmt.Errorf("discovery protocol version %d: %w", major, xerrors.ErrNetwork)
	}
	return Datagram{
		Type:        typ,
		ProtoMajor:  major,
		ProtoMinor:  minor,
		ClusterName: name,
		Body:        body,
	}, nil
}

// EncodeNode serialises a Node as name and host (each a u32-LE
// length-prefixed string), port as a fixed u32 LE, region
// (length-prefixed), then mastery as a u64 LE.
func EncodeNode(n Node) []byte {
	var buf bytes.Buffer
	putString(&buf, n.Name)
	putString(&buf, n.Host)
	var portBuf [4]byte
	binary.LittleEndian.PutUint32(portBuf[:], uint32(n.Port))
	buf.Write(portBuf[:])
	putString(&buf, n.Region)
	var masteryBuf [8]byte
	binary.LittleEndian.PutUint64(masteryBuf[:], uint64(n.Mastery))
	buf.Write(masteryBuf[:])
	return buf.Bytes()
}

// DecodeNode parses the body EncodeNode produces.
func DecodeNode(data []byte) (Node, error) {
	name, data, err := getString(data)
	if err != nil {
		return Node{}, err
	}
	host, data, err := getString(data)
	if err != nil {
		return Node{}, err
	}
	if len(data) < 4 {
		return Node{}, fmt.Errorf("discovery node port: %w", xerrors.ErrNetwork)
	}
	port := int(binary.LittleEndian.Uint32(data[:4]))
	data = data[4:]
	region, data, err := getString(data)
	if err != nil {
		return Node{}, err
	}
	if len(data) < 8 {
		return Node{}, fmt.Errorf("discovery node mastery: %w", xerrors.ErrNetwork)
	}
	mastery := int64(binary.LittleEndian.Uint64(data[:8]))
	return Node{Name: name, Host: host, Port: port, Region: region, Mastery: mastery}, nil
}

// EncodeNodeList serialises a node list as a u32 count followed by
// that many EncodeNode entries: the DB/DB_WAVE/BOSSY_DB_WAVE body.
func EncodeNodeList(nodes []Node) []byte {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(nodes)))
	buf.Write(countBuf[:])
	for _, n := range nodes {
		buf.Write(EncodeNode(n))
	}
	return buf.Bytes()
}

// DecodeNodeList parses the body EncodeNodeList produces.
func DecodeNodeList(data []byte) ([]Node, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("discovery node list count: %w", xerrors.ErrNetwork)
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	nodes := make([]Node, 0, count)
	for i := uint32(0); i < count; i++ {
		n, err := DecodeNode(data)
		if err != nil {
			return nil, err
		}
		data = data[len(EncodeNode(n)):]
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// EncodeDBUpdated serialises the DB_UPDATED body: node ‖ path.
func EncodeDBUpdated(n Node, path string) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeNode(n))
	putString(&buf, path)
	return buf.Bytes()
}

// DecodeDBUpdated parses a DB_UPDATED body.
func DecodeDBUpdated(data []byte) (Node, string, error) {
	n, err := DecodeNode(data)
	if err != nil {
		return Node{}, "", err
	}
	// EncodeNode has a fixed-plus-variable shape; re-derive its length
	// by re-encoding rather than tracking an offset by hand.
	consumed := len(EncodeNode(n))
	if consumed > len(data) {
		return Node{}, "", fmt.Errorf("discovery db_updated: %w", xerrors.ErrNetwork)
	}
	path, _, err := getString(data[consumed:])
	if err != nil {
		return Node{}, "", err
	}
	return n, path, nil
}
