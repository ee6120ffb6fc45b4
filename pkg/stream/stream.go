// Package stream defines the append-only event log abstraction with
// consumer-group read semantics, plus its redis-streams and in-memory
// implementations.
package stream

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/charterlabs/eventcore/pkg/envelope"
)

// Entry pairs a log-assigned position with the decoded envelope.
type Entry struct {
	Position string
	Envelope envelope.Envelope
}

// Log is the durable ordered append log. Positions are assigned by the log
// at append time and are monotonically increasing within a stream; producers
// never choose them. Within one group a position is delivered to at most one
// live consumer at a time, but may be redelivered to another consumer after
// the claim idle timeout (at-least-once delivery to the group).
type Log interface {
	// Append durably persists a validated envelope and returns the
	// assigned position. Malformed envelopes are rejected here, before
	// any consumer can observe them.
	Append(ctx context.Context, stream string, env envelope.Envelope) (string, error)

	// EnsureGroup creates the consumer group if it does not exist yet,
	// creating the stream as a side effect when needed.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup returns the next unassigned entries for the group,
	// assigning them to the named consumer. Blocks up to block waiting
	// for new entries; an empty slice means the wait timed out.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack marks positions as fully handled for the group. Groups may ack
	// out of order; unacked earlier positions stay pending.
	Ack(ctx context.Context, stream, group string, positions ...string) error

	// Claim transfers entries that have been pending longer than minIdle
	// to the named consumer, so work owned by a dead peer is eventually
	// redelivered.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
}

// ComparePositions orders two positions from the same stream. Positions have
// the "<ms>-<seq>" shape; malformed input falls back to string comparison.
func ComparePositions(a, b string) int {
	aMs, aSeq, aOK := splitPosition(a)
	bMs, bSeq, bOK := splitPosition(b)
	if !aOK || !bOK {
		return strings.Compare(a, b)
	}
	switch {
	case aMs != bMs:
		return compareInt64(aMs, bMs)
	default:
		return compareInt64(aSeq, bSeq)
	}
}

func splitPosition(pos string) (ms, seq int64, ok bool) {
	idx := strings.IndexByte(pos, '-')
	if idx <= 0 {
		return 0, 0, false
	}
	ms, err := strconv.ParseInt(pos[:idx], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseInt(pos[idx+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
