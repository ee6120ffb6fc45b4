package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charterlabs/eventcore/pkg/envelope"
)

// MemoryLog is a single-process Log for tests and offline runs. It keeps the
// same semantics as RedisLog: log-assigned monotonic positions, per-group
// cursors, pending-entry tracking and idle-based reclaim. It is selected as
// an explicit backend, never as a silent fallback.
var _ Log = (*MemoryLog)(nil)

type MemoryLog struct {
	mtx     sync.Mutex
	streams map[string]*memoryStream
	notify  chan struct{}
	now     func() time.Time
}

type memoryStream struct {
	entries []Entry
	lastMs  int64
	lastSeq int64
	groups  map[string]*memoryGroup
}

type memoryGroup struct {
	next    int
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	index       int
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*memoryStream),
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

func (l *MemoryLog) Append(ctx context.Context, stream string, env envelope.Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}

	l.mtx.Lock()
	st := l.stream(stream)
	ms := l.now().UnixMilli()
	if ms <= st.lastMs {
		ms = st.lastMs
		st.lastSeq++
	} else {
		st.lastMs = ms
		st.lastSeq = 0
	}
	position := fmt.Sprintf("%d-%d", ms, st.lastSeq)
	st.entries = append(st.entries, Entry{Position: position, Envelope: env})
	l.mtx.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return position, nil
}

func (l *MemoryLog) EnsureGroup(ctx context.Context, stream, group string) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.group(stream, group)
	return nil
}

func (l *MemoryLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	entries := l.readNew(stream, group, consumer, count)
	if len(entries) > 0 || block <= 0 {
		return entries, nil
	}

	timer := time.NewTimer(block)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-l.notify:
		return l.readNew(stream, group, consumer, count), nil
	}
}

func (l *MemoryLog) readNew(stream, group, consumer string, count int64) []Entry {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	st := l.stream(stream)
	grp := l.group(stream, group)

	end := len(st.entries)
	if count > 0 && grp.next+int(count) < end {
		end = grp.next + int(count)
	}
	if grp.next >= end {
		return nil
	}

	delivered := make([]Entry, 0, end-grp.next)
	for i := grp.next; i < end; i++ {
		entry := st.entries[i]
		grp.pending[entry.Position] = &pendingEntry{
			index:       i,
			consumer:    consumer,
			deliveredAt: l.now(),
			deliveries:  1,
		}
		delivered = append(delivered, entry)
	}
	grp.next = end
	return delivered
}

func (l *MemoryLog) Ack(ctx context.Context, stream, group string, positions ...string) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	grp := l.group(stream, group)
	for _, position := range positions {
		delete(grp.pending, position)
	}
	return nil
}

func (l *MemoryLog) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	st := l.stream(stream)
	grp := l.group(stream, group)
	now := l.now()

	due := make([]string, 0, len(grp.pending))
	for position, pend := range grp.pending {
		if now.Sub(pend.deliveredAt) >= minIdle {
			due = append(due, position)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return ComparePositions(due[i], due[j]) < 0
	})
	if count > 0 && int64(len(due)) > count {
		due = due[:count]
	}

	claimed := make([]Entry, 0, len(due))
	for _, position := range due {
		pend := grp.pending[position]
		pend.consumer = consumer
		pend.deliveredAt = now
		pend.deliveries++
		claimed = append(claimed, st.entries[pend.index])
	}
	return claimed, nil
}

// PendingCount reports the number of delivered-but-unacked entries for a
// group. Test and diagnostics helper.
func (l *MemoryLog) PendingCount(stream, group string) int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.group(stream, group).pending)
}

// Deliveries reports how many times a position has been handed to a
// consumer of the group, zero when the entry was acked or never delivered.
func (l *MemoryLog) Deliveries(stream, group, position string) int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if pend, ok := l.group(stream, group).pending[position]; ok {
		return pend.deliveries
	}
	return 0
}

func (l *MemoryLog) stream(name string) *memoryStream {
	st, ok := l.streams[name]
	if !ok {
		st = &memoryStream{groups: make(map[string]*memoryGroup)}
		l.streams[name] = st
	}
	return st
}

func (l *MemoryLog) group(stream, name string) *memoryGroup {
	st := l.stream(stream)
	grp, ok := st.groups[name]
	if !ok {
		grp = &memoryGroup{pending: make(map[string]*pendingEntry)}
		st.groups[name] = grp
	}
	return grp
}
