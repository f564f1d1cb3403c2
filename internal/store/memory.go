package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process StreamClient with the same consumer-group
// semantics as the Redis adapter: per-stream ordered logs, exact MAXLEN
// trimming, pending-entry lists with delivery counts, atomic claims.
// It backs the test suite and embedded/dev deployments.
type Memory struct {
	mu        sync.Mutex
	streams   map[string]*memStream
	appendErr error
	closed    bool
}

type memStream struct {
	entries []Entry
	lastMs  uint64
	lastSeq uint64
	groups  map[string]*memGroup
	notify  chan struct{}
}

type memGroup struct {
	lastDelivered string
	pending       map[string]*memPending
}

type memPending struct {
	consumer      string
	deliveryCount int64
	first         time.Time
	last          time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memStream)}
}

// SetAppendError forces every subsequent Append to fail with err until
// called again with nil. Used to simulate a store outage.
func (m *Memory) SetAppendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{
			groups: make(map[string]*memGroup),
			notify: make(chan struct{}),
		}
		m.streams[name] = s
	}
	return s
}

// Append implements StreamClient. Trimming is exact: the stream never holds
// more than maxLen entries after the append returns.
func (m *Memory) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return "", m.appendErr
	}

	s := m.stream(stream)
	ms := uint64(time.Now().UnixMilli())
	if ms < s.lastMs {
		ms = s.lastMs
	}
	var seq uint64
	if ms == s.lastMs {
		seq = s.lastSeq + 1
	}
	s.lastMs, s.lastSeq = ms, seq
	id := FormatID(ms, seq)

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, Entry{ID: id, Fields: copied})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = append([]Entry(nil), s.entries[int64(len(s.entries))-maxLen:]...)
	}

	// Wake blocked group readers.
	close(s.notify)
	s.notify = make(chan struct{})

	return id, nil
}

// EnsureGroup implements StreamClient.
func (m *Memory) EnsureGroup(ctx context.Context, stream, group, start string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	cursor := "0-0"
	if start == "$" {
		if len(s.entries) > 0 {
			cursor = s.entries[len(s.entries)-1].ID
		}
	} else if start != "0" && start != "" {
		cursor = start
	}
	s.groups[group] = &memGroup{
		lastDelivered: cursor,
		pending:       make(map[string]*memPending),
	}
	return nil
}

// ReadGroup implements StreamClient.
func (m *Memory) ReadGroup(ctx context.Context, stream, group, consumer, cursor string, count int64, block time.Duration) ([]Entry, error) {
	var deadline time.Time
	if block > 0 {
		deadline = time.Now().Add(block)
	}

	for {
		m.mu.Lock()
		s, ok := m.streams[stream]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("NOGROUP no such stream %q", stream)
		}
		g, ok := s.groups[group]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("NOGROUP no such group %q on stream %q", group, stream)
		}

		if cursor != CursorNew {
			res := g.replayPending(s, consumer, cursor, count)
			m.mu.Unlock()
			return res, nil
		}

		res := g.deliverNew(s, consumer, count)
		notify := s.notify
		m.mu.Unlock()
		if len(res) > 0 || block <= 0 {
			return res, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (g *memGroup) deliverNew(s *memStream, consumer string, count int64) []Entry {
	now := time.Now()
	var res []Entry
	for _, e := range s.entries {
		if CompareIDs(e.ID, g.lastDelivered) <= 0 {
			continue
		}
		g.pending[e.ID] = &memPending{
			consumer:      consumer,
			deliveryCount: 1,
			first:         now,
			last:          now,
		}
		g.lastDelivered = e.ID
		res = append(res, e)
		if count > 0 && int64(len(res)) >= count {
			break
		}
	}
	return res
}

func (g *memGroup) replayPending(s *memStream, consumer, cursor string, count int64) []Entry {
	if cursor == CursorPending {
		cursor = "0-0"
	}
	var ids []string
	for id, p := range g.pending {
		if p.consumer == consumer && CompareIDs(id, cursor) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return CompareIDs(ids[i], ids[j]) < 0 })

	var res []Entry
	for _, id := range ids {
		if e, ok := s.lookup(id); ok {
			res = append(res, e)
		}
		if count > 0 && int64(len(res)) >= count {
			break
		}
	}
	return res
}

func (s *memStream) lookup(id string) (Entry, bool) {
	for _, e := range s.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Ack implements StreamClient.
func (m *Memory) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

// Claim implements StreamClient. Exactly one claimer wins a race: the claim
// resets the idle clock, so the loser sees Idle < minIdle and skips.
func (m *Memory) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}

	now := time.Now()
	var res []Entry
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.last) < minIdle {
			continue
		}
		e, found := s.lookup(id)
		if !found {
			// The underlying entry was trimmed; nothing left to deliver.
			delete(g.pending, id)
			continue
		}
		p.consumer = consumer
		p.deliveryCount++
		p.last = now
		res = append(res, e)
	}
	return res, nil
}

// Pending implements StreamClient.
func (m *Memory) Pending(ctx context.Context, stream, group string, count int64) ([]PendingInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}

	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return CompareIDs(ids[i], ids[j]) < 0 })

	now := time.Now()
	var infos []PendingInfo
	for _, id := range ids {
		p := g.pending[id]
		infos = append(infos, PendingInfo{
			ID:            id,
			Consumer:      p.consumer,
			Idle:          now.Sub(p.last),
			DeliveryCount: p.deliveryCount,
		})
		if count > 0 && int64(len(infos)) >= count {
			break
		}
	}
	return infos, nil
}

// Range implements StreamClient.
func (m *Memory) Range(ctx context.Context, stream, start, stop string, count int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}

	exclusive := strings.HasPrefix(start, "(")
	start = strings.TrimPrefix(start, "(")

	var res []Entry
	for _, e := range s.entries {
		if start != "-" {
			cmp := CompareIDs(e.ID, normalizeRangeID(start, false))
			if cmp < 0 || (exclusive && cmp == 0) {
				continue
			}
		}
		if stop != "+" && CompareIDs(e.ID, normalizeRangeID(stop, true)) > 0 {
			break
		}
		res = append(res, e)
		if count > 0 && int64(len(res)) >= count {
			break
		}
	}
	return res, nil
}

// normalizeRangeID fills in the sequence part of a bare-millisecond id the
// way the store does: 0 for a start bound, max for a stop bound.
func normalizeRangeID(id string, stop bool) string {
	if strings.ContainsRune(id, '-') {
		return id
	}
	if stop {
		return id + "-18446744073709551615"
	}
	return id + "-0"
}

// Delete implements StreamClient.
func (m *Memory) Delete(ctx context.Context, stream string, ids ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	var n int64
	kept := s.entries[:0]
	for _, e := range s.entries {
		remove := false
		for _, id := range ids {
			if e.ID == id {
				remove = true
				break
			}
		}
		if remove {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

// Len implements StreamClient.
func (m *Memory) Len(ctx context.Context, stream string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

// TrimMinID implements StreamClient.
func (m *Memory) TrimMinID(ctx context.Context, stream, minID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	var n int64
	kept := s.entries[:0]
	for _, e := range s.entries {
		if CompareIDs(e.ID, normalizeRangeID(minID, false)) < 0 {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

// Ping implements StreamClient.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements StreamClient.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
