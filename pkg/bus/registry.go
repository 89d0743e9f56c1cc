package bus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TargetKind distinguishes key watches from plain channel subscriptions.
type TargetKind int

const (
	// KindKey watches a Redis key through keyspace notifications and a
	// channel of the same name.
	KindKey TargetKind = iota + 1

	// KindChannel subscribes to a Pub/Sub channel.
	KindChannel
)

func (k TargetKind) String() string {
	switch k {
	case KindKey:
		return "key"
	case KindChannel:
		return "channel"
	default:
		return fmt.Sprintf("TargetKind(%d)", int(k))
	}
}

// Target is something a subscriber can watch.
type Target struct {
	Name string
	Kind TargetKind
}

// KeyTarget returns a key watch target.
func KeyTarget(key string) Target { return Target{Name: key, Kind: KindKey} }

// ChannelTarget returns a channel subscription target.
func ChannelTarget(channel string) Target { return Target{Name: channel, Kind: KindChannel} }

func (t Target) String() string {
	return t.Kind.String() + ":" + t.Name
}

// channels returns the transport channels the target needs.
func (t Target) channels(db int) []string {
	if t.Kind == KindKey {
		return []string{KeyspaceChannel(db, t.Name), t.Name}
	}
	return []string{t.Name}
}

// SubscriptionID identifies one registered callback.
type SubscriptionID string

// UpdateFunc receives a private copy of the new snapshot.
type UpdateFunc func(Target, Snapshot)

// Update is one inbound value for a target.
type Update struct {
	Payload []byte
	Cleared bool
	Source  string
}

type entry struct {
	target    Target
	callbacks map[SubscriptionID]UpdateFunc
	order     []SubscriptionID

	last    Snapshot
	lastRaw string
	lastAt  time.Time
	expect  bool
}

// Registry tracks watched targets, their subscribers and their last value.
// All state is guarded by a single mutex; callbacks run outside of it.
type Registry struct {
	mu sync.Mutex

	db     int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	seq      uint64
	entries  map[Target]*entry
	subs     map[SubscriptionID]Target
	channels map[string]int
}

// NewRegistry creates an empty registry. db is the Redis database index used
// to build keyspace channel names; window is the duplicate suppression window.
func NewRegistry(db int, window time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		db:       db,
		window:   window,
		now:      time.Now,
		logger:   logger,
		entries:  make(map[Target]*entry),
		subs:     make(map[SubscriptionID]Target),
		channels: make(map[string]int),
	}
}

// Register adds a subscriber for target. fn may be nil for subscribers that
// only read CurrentValue. The returned channels are transport channels that
// were not needed before this call and must now be subscribed.
func (r *Registry) Register(target Target, fn UpdateFunc) (SubscriptionID, []string) {
	id := SubscriptionID(uuid.New().String())

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[target]
	var added []string
	if !ok {
		e = &entry{target: target, callbacks: make(map[SubscriptionID]UpdateFunc)}
		r.entries[target] = e
		for _, ch := range target.channels(r.db) {
			r.channels[ch]++
			if r.channels[ch] == 1 {
				added = append(added, ch)
			}
		}
	}
	e.callbacks[id] = fn
	e.order = append(e.order, id)
	r.subs[id] = target

	return id, added
}

// Unregister removes a subscriber. When it was the last subscriber of its
// target the record is dropped, and the transport channels nobody needs any
// more are returned. ok is false for unknown IDs.
func (r *Registry) Unregister(id SubscriptionID) (removed []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	delete(r.subs, id)

	e := r.entries[target]
	delete(e.callbacks, id)
	for i, sid := range e.order {
		if sid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if len(e.callbacks) > 0 {
		return nil, true
	}

	delete(r.entries, target)
	for _, ch := range target.channels(r.db) {
		r.channels[ch]--
		if r.channels[ch] <= 0 {
			delete(r.channels, ch)
			removed = append(removed, ch)
		}
	}
	return removed, true
}

// CurrentValue returns a copy of the last value seen for target. ok is false
// when nobody watches the target. A watched target with no data yet returns
// the zero Snapshot (Known() == false).
func (r *Registry) CurrentValue(target Target) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[target]
	if !ok {
		return Snapshot{}, false
	}
	return e.last.Clone(), true
}

// Seed stores an initial value read outside the subscription path. It only
// applies while the target has never received an update, so a newer pushed
// value is never replaced by an older read. Subscribers are not notified.
func (r *Registry) Seed(target Target, u Update) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[target]
	if !ok || e.last.Seq != 0 {
		return false
	}
	r.apply(e, u, r.now())
	return true
}

// Expect marks target as waiting for confirmation: the next update is
// delivered even when it repeats the last payload. Device handles call it
// after an optimistic command so that an unchanged document still replaces
// the local overlay.
func (r *Registry) Expect(target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[target]; ok {
		e.expect = true
	}
}

// Deliver applies an update and fans it out to every subscriber of target.
// It returns false when the target is not watched or the update was a
// duplicate. Updates for one target must be delivered from one goroutine so
// that subscribers see them in bus order.
func (r *Registry) Deliver(target Target, u Update) bool {
	r.mu.Lock()

	e, ok := r.entries[target]
	if !ok {
		r.mu.Unlock()
		return false
	}

	now := r.now()
	if r.duplicate(e, u, now) {
		r.mu.Unlock()
		return false
	}
	r.apply(e, u, now)

	snap := e.last
	fns := make([]UpdateFunc, 0, len(e.order))
	for _, id := range e.order {
		if fn := e.callbacks[id]; fn != nil {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		r.invoke(fn, target, snap.Clone())
	}
	return true
}

// duplicate reports whether u repeats the last value of a key target. Polled
// values are compared without a time limit since polling re-reads unchanged
// keys on every tick. A target marked by Expect never sees a duplicate.
func (r *Registry) duplicate(e *entry, u Update, now time.Time) bool {
	if e.target.Kind != KindKey || e.last.Seq == 0 || e.expect {
		return false
	}
	if e.last.Cleared != u.Cleared || e.lastRaw != string(u.Payload) {
		return false
	}
	if u.Source == SourcePoll {
		return true
	}
	return now.Sub(e.lastAt) < r.window
}

func (r *Registry) apply(e *entry, u Update, now time.Time) {
	r.seq++
	snap := Snapshot{
		ReceivedAt: now,
		Source:     u.Source,
		Seq:        r.seq,
		Cleared:    u.Cleared,
	}
	if !u.Cleared {
		snap.Fields = DecodeTelemetry(u.Payload)
	}
	e.last = snap
	e.lastRaw = string(u.Payload)
	e.lastAt = now
	e.expect = false
}

func (r *Registry) invoke(fn UpdateFunc, target Target, snap Snapshot) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscriber panicked", "target", target.String(), "panic", fmt.Sprint(p))
		}
	}()
	fn(target, snap)
}

// Channels returns every transport channel currently needed, sorted.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Needs reports whether any watched target still uses a transport channel.
func (r *Registry) Needs(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[channel] > 0
}

// TargetsFor returns the targets fed by a transport channel.
func (r *Registry) TargetsFor(channel string) []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Target
	for t := range r.entries {
		for _, ch := range t.channels(r.db) {
			if ch == channel {
				out = append(out, t)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Targets returns every watched target, sorted.
func (r *Registry) Targets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Target, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SubscriberCount returns how many subscribers target has.
func (r *Registry) SubscriberCount(target Target) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[target]; ok {
		return len(e.callbacks)
	}
	return 0
}

// LastSeq returns the sequence number of the most recent applied update.
func (r *Registry) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
