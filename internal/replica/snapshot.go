package replica

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// Snapshot frame: magic, format version, blake3-256 checksum of the
// compressed body, zstd-compressed JSON state. Consumers treat the blob as
// opaque; only another replica can decode it.
var snapshotMagic = []byte("S4DS")

const snapshotVersion = byte(1)

var (
	ErrSnapshotMalformed = errors.New("malformed snapshot")
	ErrSnapshotChecksum  = errors.New("snapshot checksum mismatch")
)

// EncodeSnapshot serializes the full replica state for transmission or
// persistence.
func (r *Replica) EncodeSnapshot() ([]byte, error) {
	r.mu.Lock()
	body, err := json.Marshal(r.st)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("encode snapshot state: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic)
	buf.WriteByte(snapshotVersion)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	compressed := enc.EncodeAll(body, nil)
	_ = enc.Close()

	sum := blake3.Sum256(compressed)
	buf.Write(sum[:])
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// ApplySnapshot merges a peer's encoded state into this replica. Applying
// the same snapshot twice is a no-op; applying snapshots in any order
// converges.
func (r *Replica) ApplySnapshot(data []byte) error {
	headerLen := len(snapshotMagic) + 1 + 32
	if len(data) < headerLen {
		return ErrSnapshotMalformed
	}
	if !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return ErrSnapshotMalformed
	}
	if data[len(snapshotMagic)] != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrSnapshotMalformed, data[len(snapshotMagic)])
	}
	checksum := data[len(snapshotMagic)+1 : headerLen]
	compressed := data[headerLen:]

	sum := blake3.Sum256(compressed)
	if subtle.ConstantTimeCompare(checksum, sum[:]) != 1 {
		return ErrSnapshotChecksum
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("init zstd: %w", err)
	}
	defer dec.Close()
	body, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotMalformed, err)
	}

	var incoming state
	if err := json.Unmarshal(body, &incoming); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotMalformed, err)
	}
	if incoming.Nodes == nil {
		incoming.Nodes = make(map[string]*nodeState)
	}
	if incoming.Edges == nil {
		incoming.Edges = make(map[string]*edgeState)
	}

	r.mu.Lock()
	r.mergeState(incoming)
	r.applied++
	r.mu.Unlock()
	return nil
}
