package commitlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/datastreamhq/cascade/encoding"
	"github.com/datastreamhq/cascade/event"
)

// Frame layout: 4-byte big-endian payload length, 4-byte CRC32 (IEEE) of
// the payload, then the msgpack payload. The length prefix is what lets
// the parser advance past a frame whose payload it cannot decode.
const (
	frameHeaderSize = 8
	// MaxFrameSize is the sanity bound on a single frame payload. A length
	// above it means the stream is torn at this position and framing is lost
	// for the remainder of the file.
	MaxFrameSize = 100 << 20 // 100MB
)

// Mutation opcodes on the wire
const (
	opInsert uint8 = 'I'
	opUpdate uint8 = 'U'
	opDelete uint8 = 'D'
)

// wireMutation is the msgpack payload of one frame.
type wireMutation struct {
	Op              uint8          `msgpack:"op"`
	Keyspace        string         `msgpack:"ks"`
	Table           string         `msgpack:"tbl"`
	PartitionKey    []event.Column `msgpack:"pk"`
	ClusteringKey   []event.Column `msgpack:"ck"`
	Columns         []event.Column `msgpack:"cols"`
	TimestampMicros int64          `msgpack:"ts"`
	TTLSeconds      int64          `msgpack:"ttl"`
}

// ParseError marks a frame that could not be decoded. The byte range is
// still known, so the reader can skip it and continue.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "parse error: " + e.Reason }

func kindToOp(k event.Kind) uint8 {
	switch k {
	case event.KindUpdate:
		return opUpdate
	case event.KindDelete:
		return opDelete
	default:
		return opInsert
	}
}

func opToKind(op uint8) (event.Kind, error) {
	switch op {
	case opInsert:
		return event.KindInsert, nil
	case opUpdate:
		return event.KindUpdate, nil
	case opDelete:
		return event.KindDelete, nil
	default:
		return 0, fmt.Errorf("unknown operation type %d", op)
	}
}

// ParseFrame decodes one frame payload into an Event. The file name feeds
// the deterministic event id: the same payload at the same place always
// yields the same Event.
func ParseFrame(file string, payload []byte) (*event.Event, error) {
	var m wireMutation
	if err := encoding.Unmarshal(payload, &m); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("undecodable payload: %v", err)}
	}

	kind, err := opToKind(m.Op)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	id := event.DeriveID(file, m.PartitionKey, m.ClusteringKey, m.TimestampMicros)
	ev, err := event.New(id, kind, m.Keyspace, m.Table, m.PartitionKey, m.ClusteringKey, m.Columns, m.TimestampMicros, m.TTLSeconds, time.Now())
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid mutation: %v", err)}
	}
	return ev, nil
}

// EncodeFrame serializes an event into a complete frame (header + payload).
func EncodeFrame(ev *event.Event) ([]byte, error) {
	payload, err := encoding.Marshal(&wireMutation{
		Op:              kindToOp(ev.Kind),
		Keyspace:        ev.Keyspace,
		Table:           ev.Table,
		PartitionKey:    ev.PartitionKey,
		ClusteringKey:   ev.ClusteringKey,
		Columns:         ev.Columns,
		TimestampMicros: ev.TimestampMicros,
		TTLSeconds:      ev.TTLSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation: %w", err)
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// FrameWriter appends frames to a commit-log segment. Used by tests and
// the segment generator tooling; the replicator itself only reads.
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write appends one event frame and returns the number of bytes written.
func (fw *FrameWriter) Write(ev *event.Event) (int, error) {
	frame, err := EncodeFrame(ev)
	if err != nil {
		return 0, err
	}
	return fw.w.Write(frame)
}

// WriteRaw appends an arbitrary payload as a frame with a valid header.
// Tests use it to plant payloads the parser must skip over.
func (fw *FrameWriter) WriteRaw(payload []byte) (int, error) {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)
	return fw.w.Write(frame)
}
