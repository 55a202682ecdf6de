package index

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xapiand/xapiand/pkg/xerrors"
)

// putString/getString mirror the length-prefixed string framing used
// by pkg/discovery's wire protocol, reused here for WAL line payloads
// that carry a term or metadata key alongside a document body.
func putString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func getString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("wal string length: %w", xerrors.ErrCorruptVolume)
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return "", nil, fmt.Errorf("wal string body: %w", xerrors.ErrCorruptVolume)
	}
	return string(data[:n]), data[n:], nil
}

func encodeReplaceDocument(docID uint32, doc []byte) []byte {
	buf := make([]byte, 4+len(doc))
	binary.LittleEndian.PutUint32(buf[:4], docID)
	copy(buf[4:], doc)
	return buf
}

func decodeReplaceDocument(payload []byte) (docID uint32, doc []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("replace-document payload: %w", xerrors.ErrCorruptVolume)
	}
	return binary.LittleEndian.Uint32(payload[:4]), payload[4:], nil
}

func encodeDeleteDocument(docID uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, docID)
	return buf
}

func decodeDeleteDocument(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("delete-document payload: %w", xerrors.ErrCorruptVolume)
	}
	return binary.LittleEndian.Uint32(payload[:4]), nil
}

func encodeReplaceDocumentTerm(term string, doc []byte) []byte {
	var buf bytes.Buffer
	putString(&buf, term)
	buf.Write(doc)
	return buf.Bytes()
}

func decodeReplaceDocumentTerm(payload []byte) (term string, doc []byte, err error) {
	term, rest, err := getString(payload)
	if err != nil {
		return "", nil, err
	}
	return term, rest, nil
}

func encodeSetMetadata(key string, value []byte, ifEmpty bool) []byte {
	var buf bytes.Buffer
	putString(&buf, key)
	if ifEmpty {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(value)
	return buf.Bytes()
}

func decodeSetMetadata(payload []byte) (key string, value []byte, ifEmpty bool, err error) {
	key, rest, err := getString(payload)
	if err != nil {
		return "", nil, false, err
	}
	if len(rest) < 1 {
		return "", nil, false, fmt.Errorf("set-metadata payload: %w", xerrors.ErrCorruptVolume)
	}
	return key, rest[1:], rest[0] != 0, nil
}
