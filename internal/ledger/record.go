// Package ledger implements the Immutable Log (C2): an append-only,
// hash-chained audit store that every core action writes to.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/grace-platform/core/internal/clockid"
)

// Kind discriminates the log record types named in spec.md §3.
type Kind uint8

const (
	KindActionProposed       Kind = iota + 1 // action.proposed
	KindActionDecided                        // action.decided
	KindActionExecuted                       // action.executed
	KindActionFailed                         // action.failed
	KindEventPublished                       // event.published
	KindMetricRecorded                       // metric.recorded
	KindMetricRejected                       // metric.rejected
	KindBenchmarkCrossed                     // benchmark.crossed
	KindApprovalRequested                   // approval.requested
	KindApprovalResolved                    // approval.resolved
	KindPolicyUpserted                      // policy.upserted
)

// String renders the kind using its dotted-path wire name.
func (k Kind) String() string {
	switch k {
	case KindActionProposed:
		return "action.proposed"
	case KindActionDecided:
		return "action.decided"
	case KindActionExecuted:
		return "action.executed"
	case KindActionFailed:
		return "action.failed"
	case KindEventPublished:
		return "event.published"
	case KindMetricRecorded:
		return "metric.recorded"
	case KindMetricRejected:
		return "metric.rejected"
	case KindBenchmarkCrossed:
		return "benchmark.crossed"
	case KindApprovalRequested:
		return "approval.requested"
	case KindApprovalResolved:
		return "approval.resolved"
	case KindPolicyUpserted:
		return "policy.upserted"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// ParseKind maps a wire name back to its Kind. Used by policy/gate enforcement
// and by CLI/API decoding.
func ParseKind(name string) (Kind, bool) {
	kinds := map[string]Kind{
		"action.proposed":    KindActionProposed,
		"action.decided":     KindActionDecided,
		"action.executed":    KindActionExecuted,
		"action.failed":      KindActionFailed,
		"event.published":    KindEventPublished,
		"metric.recorded":    KindMetricRecorded,
		"metric.rejected":    KindMetricRejected,
		"benchmark.crossed":  KindBenchmarkCrossed,
		"approval.requested": KindApprovalRequested,
		"approval.resolved":  KindApprovalResolved,
		"policy.upserted":    KindPolicyUpserted,
	}
	k, ok := kinds[name]
	return k, ok
}

// recordVersion is the on-disk framing version (spec.md §6).
const recordVersion uint8 = 1

// Record is a single entry in the immutable log (spec.md §3 LogRecord).
type Record struct {
	ID       clockid.ID
	Seq      uint64
	TS       time.Time
	Kind     Kind
	Actor    string
	Resource string
	Payload  []byte
	PrevHash [32]byte
	Hash     [32]byte
}

// computeHash computes H(seq || ts_ns || kind || actor || resource || payload || prev_hash)
// with H = SHA-256, matching spec.md §4.2 step 4.
func computeHash(seq uint64, tsNs int64, kind Kind, actor, resource string, payload []byte, prevHash [32]byte) [32]byte {
	h := sha256.New()

	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	h.Write(buf[:8])

	binary.BigEndian.PutUint64(buf[:8], uint64(tsNs))
	h.Write(buf[:8])

	buf[0] = byte(kind)
	h.Write(buf[:1])

	h.Write([]byte(actor))
	h.Write([]byte(resource))
	h.Write(payload)
	h.Write(prevHash[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// encodeRecord serializes a Record into its versioned on-disk framing
// (spec.md §6): uint8 version || seq || ts_ns || kind || actor(len-prefixed) ||
// resource(len-prefixed) || payload(len-prefixed) || prev_hash(32) || hash(32).
func encodeRecord(r *Record) []byte {
	actorBytes := []byte(r.Actor)
	resourceBytes := []byte(r.Resource)

	size := 1 + 8 + 8 + 1 +
		4 + len(actorBytes) +
		4 + len(resourceBytes) +
		4 + len(r.Payload) +
		32 + 32

	buf := make([]byte, size)
	off := 0

	buf[off] = recordVersion
	off++

	binary.BigEndian.PutUint64(buf[off:], r.Seq)
	off += 8

	binary.BigEndian.PutUint64(buf[off:], uint64(r.TS.UnixNano()))
	off += 8

	buf[off] = byte(r.Kind)
	off++

	binary.BigEndian.PutUint32(buf[off:], uint32(len(actorBytes)))
	off += 4
	copy(buf[off:], actorBytes)
	off += len(actorBytes)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(resourceBytes)))
	off += 4
	copy(buf[off:], resourceBytes)
	off += len(resourceBytes)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Payload)))
	off += 4
	copy(buf[off:], r.Payload)
	off += len(r.Payload)

	copy(buf[off:], r.PrevHash[:])
	off += 32
	copy(buf[off:], r.Hash[:])

	return buf
}

// decodeRecord parses the on-disk framing produced by encodeRecord. It does
// not populate ID (the framing has no room for it), so decoded records
// carry a zero ID.
func decodeRecord(buf []byte) (*Record, error) {
	if len(buf) < 1+8+8+1+4+4+4+32+32 {
		return nil, fmt.Errorf("ledger: record too short: %d bytes", len(buf))
	}
	off := 0
	version := buf[off]
	off++
	if version != recordVersion {
		return nil, fmt.Errorf("ledger: unsupported record version %d", version)
	}

	r := &Record{}
	r.Seq = binary.BigEndian.Uint64(buf[off:])
	off += 8

	tsNs := binary.BigEndian.Uint64(buf[off:])
	r.TS = time.Unix(0, int64(tsNs)).UTC()
	off += 8

	r.Kind = Kind(buf[off])
	off++

	actorLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if off+actorLen > len(buf) {
		return nil, fmt.Errorf("ledger: truncated actor field")
	}
	r.Actor = string(buf[off : off+actorLen])
	off += actorLen

	resourceLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if off+resourceLen > len(buf) {
		return nil, fmt.Errorf("ledger: truncated resource field")
	}
	r.Resource = string(buf[off : off+resourceLen])
	off += resourceLen

	payloadLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if off+payloadLen > len(buf) {
		return nil, fmt.Errorf("ledger: truncated payload field")
	}
	r.Payload = append([]byte(nil), buf[off:off+payloadLen]...)
	off += payloadLen

	if off+64 > len(buf) {
		return nil, fmt.Errorf("ledger: truncated hash fields")
	}
	copy(r.PrevHash[:], buf[off:off+32])
	off += 32
	copy(r.Hash[:], buf[off:off+32])

	return r, nil
}
