package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Store used by unit tests across the event-plane
// packages. It implements enough of Redis's semantics (streams,
// pub/sub, sorted sets, hashes, lists, sets) to exercise the real
// component logic without a live server.
type Fake struct {
	mu sync.Mutex

	streams map[string][]StreamEntry
	seq     map[string]int64
	strs    map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	lists   map[string][]string
	zsets   map[string]map[string]float64
	ttls    map[string]time.Time

	subsMu sync.Mutex
	subs   []*fakePubSub

	unavailable bool
	nextEntryID int64
}

// NewFake returns a ready-to-use fake store.
func NewFake() *Fake {
	return &Fake{
		streams: make(map[string][]StreamEntry),
		seq:     make(map[string]int64),
		strs:    make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		zsets:   make(map[string]map[string]float64),
		ttls:    make(map[string]time.Time),
	}
}

// SetUnavailable toggles StoreUnavailable for every subsequent call,
// used to exercise fail-closed behavior (spec invariant #6, #7).
func (f *Fake) SetUnavailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = v
}

func (f *Fake) checkAvailable() error {
	if f.unavailable {
		return wrap(fmt.Errorf("fake store marked unavailable"))
	}
	return nil
}

func (f *Fake) StreamAppend(_ context.Context, key string, fields map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return "", err
	}
	f.nextEntryID++
	id := fmt.Sprintf("%d-0", f.nextEntryID)
	strFields := make(map[string]string, len(fields))
	for k, v := range fields {
		strFields[k] = fmt.Sprintf("%v", v)
	}
	f.streams[key] = append(f.streams[key], StreamEntry{ID: id, Fields: strFields})
	return id, nil
}

func (f *Fake) StreamRangeFrom(_ context.Context, key string, minID string, count int64) ([]StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	entries := f.streams[key]
	out := make([]StreamEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (f *Fake) StreamRangeRecent(_ context.Context, key string, count int64) ([]StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	entries := f.streams[key]
	if count <= 0 || count > int64(len(entries)) {
		count = int64(len(entries))
	}
	out := make([]StreamEntry, 0, count)
	for i := len(entries) - 1; i >= 0 && int64(len(out)) < count; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (f *Fake) StreamLen(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return 0, err
	}
	return int64(len(f.streams[key])), nil
}

func (f *Fake) StreamTrimApprox(ctx context.Context, key string, maxLen int64) error {
	return f.StreamTrimExact(ctx, key, maxLen)
}

func (f *Fake) StreamTrimExact(_ context.Context, key string, maxLen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	entries := f.streams[key]
	if int64(len(entries)) > maxLen {
		f.streams[key] = entries[int64(len(entries))-maxLen:]
	}
	return nil
}

type fakePubSub struct {
	pattern string
	ch      chan Message
	closed  bool
}

func (p *fakePubSub) Channel() <-chan Message { return p.ch }
func (p *fakePubSub) Close() error {
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

func matchPattern(pattern, channel string) bool {
	// Supports the single "*" glob form used throughout this module,
	// e.g. "rt:pub:*:*".
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == channel
	}
	idx := 0
	for i, p := range parts {
		if p == "" {
			continue
		}
		j := strings.Index(channel[idx:], p)
		if j < 0 {
			return false
		}
		if i == 0 && j != 0 {
			return false
		}
		idx += j + len(p)
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(channel, last) {
		return false
	}
	return true
}

func (f *Fake) Publish(_ context.Context, channel string, payload []byte) error {
	if err := f.checkAvailable(); err != nil {
		return err
	}
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	for _, sub := range f.subs {
		if matchPattern(sub.pattern, channel) {
			select {
			case sub.ch <- Message{Channel: channel, Payload: payload}:
			default:
			}
		}
	}
	return nil
}

func (f *Fake) PatternSubscribe(_ context.Context, pattern string) (PubSub, error) {
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	sub := &fakePubSub{pattern: pattern, ch: make(chan Message, 256)}
	f.subsMu.Lock()
	f.subs = append(f.subs, sub)
	f.subsMu.Unlock()
	return sub, nil
}

func (f *Fake) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return 0, err
	}
	f.seq[key]++
	return f.seq[key], nil
}

func (f *Fake) StringGet(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return "", false, err
	}
	v, ok := f.strs[key]
	return v, ok, nil
}

func (f *Fake) StringSet(_ context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	f.strs[key] = value
	if ttl > 0 {
		f.ttls[key] = time.Now().Add(ttl)
	}
	return nil
}

func (f *Fake) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) HashSet(_ context.Context, key string, values map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range values {
		h[k] = fmt.Sprintf("%v", v)
	}
	return nil
}

func (f *Fake) HashDel(_ context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	h := f.hashes[key]
	for _, field := range fields {
		delete(h, field)
	}
	return nil
}

func (f *Fake) SetAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (f *Fake) SetRem(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	s := f.sets[key]
	for _, m := range members {
		delete(s, m)
	}
	return nil
}

func (f *Fake) SetMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) SetCard(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return 0, err
	}
	return int64(len(f.sets[key])), nil
}

func (f *Fake) ListPush(_ context.Context, key string, values ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return 0, err
	}
	f.lists[key] = append(f.lists[key], values...)
	return int64(len(f.lists[key])), nil
}

func (f *Fake) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	l := f.lists[key]
	s, e := sliceBounds(len(l), start, stop)
	if s > e {
		return nil, nil
	}
	out := make([]string, e-s)
	copy(out, l[s:e])
	return out, nil
}

func (f *Fake) ListTrim(_ context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	l := f.lists[key]
	s, e := sliceBounds(len(l), start, stop)
	if s > e {
		f.lists[key] = nil
		return nil
	}
	trimmed := make([]string, e-s)
	copy(trimmed, l[s:e])
	f.lists[key] = trimmed
	return nil
}

func (f *Fake) ListLen(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return 0, err
	}
	return int64(len(f.lists[key])), nil
}

func sliceBounds(n int, start, stop int64) (int, int) {
	if start < 0 {
		start = int64(n) + start
	}
	if stop < 0 {
		stop = int64(n) + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= int64(n) {
		stop = int64(n) - 1
	}
	if start > stop+1 {
		return 0, 0
	}
	return int(start), int(stop) + 1
}

func (f *Fake) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(f.streams, k)
		delete(f.strs, k)
		delete(f.hashes, k)
		delete(f.sets, k)
		delete(f.lists, k)
		delete(f.zsets, k)
		delete(f.seq, k)
	}
	return nil
}

func (f *Fake) KeysByPattern(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	var out []string
	seen := map[string]struct{}{}
	for k := range f.strs {
		seen[k] = struct{}{}
	}
	for k := range f.hashes {
		seen[k] = struct{}{}
	}
	for k := range f.sets {
		seen[k] = struct{}{}
	}
	for k := range f.lists {
		seen[k] = struct{}{}
	}
	for k := range f.streams {
		seen[k] = struct{}{}
	}
	for k := range seen {
		if matchPattern(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	f.ttls[key] = time.Now().Add(ttl)
	return nil
}

func (f *Fake) RateLimitCheck(_ context.Context, key string, windowSeconds int64, limit int64, requestID string) (RateLimitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return RateLimitResult{}, err
	}
	now := time.Now().Unix()
	cutoff := float64(now - windowSeconds)

	z, ok := f.zsets[key]
	if !ok {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	for member, score := range z {
		if score < cutoff {
			delete(z, member)
		}
	}

	count := int64(len(z))
	allowed := count < limit
	if allowed {
		z[strconv.FormatInt(now, 10)+":"+requestID] = float64(now)
		count++
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		ResetTime: time.Unix(now+windowSeconds, 0),
		Limit:     limit,
	}, nil
}

func (f *Fake) Duplicate() Store { return f }

func (f *Fake) Close() error { return nil }
