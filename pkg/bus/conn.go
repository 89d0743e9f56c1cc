package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// State is the lifecycle state of the Pub/Sub session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Keyspace events that mean the key now holds a new value.
var updateEvents = setOf(
	"set", "setrange", "append", "incrby", "incrbyfloat", "hset", "hmset", "hdel",
	"hincrby", "restore", "rename_to",
)

// Keyspace events that mean the key is gone.
var deleteEvents = setOf(
	"del", "expired", "unlink", "evicted", "json.del", "json.forget", "rename_from",
)

type inbound struct {
	channel string
	payload string

	// Set for polled values only.
	key     string
	value   []byte
	present bool
}

// Ack describes a published command.
type Ack struct {
	Channel   string    `json:"channel"`
	Receivers int64     `json:"receivers"`
	Seq       int64     `json:"seq"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// Conn is a resilient connection to one Redis endpoint. It owns a command
// client and a single Pub/Sub session that is re-established whenever it fails.
// A Conn is safe for concurrent use.
type Conn struct {
	cfg      Config
	rdb      *redis.Client
	db       int
	registry *Registry
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	stateCh       chan struct{}
	ps            *redis.PubSub
	pending       map[string][]chan struct{}
	started       bool
	everConnected bool
	fatal         error

	// subMu orders transport level SUBSCRIBE/UNSUBSCRIBE calls so that a
	// teardown never removes a channel a concurrent watch just added.
	subMu sync.Mutex

	inbound chan inbound
	kick    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a connection from config. No network I/O happens until Connect.
func New(cfg Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bus config: %w", err)
	}
	cfg = cfg.withDefaults()

	opts, err := cfg.redisOptions()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger.With("component", "bus")

	return &Conn{
		cfg:      cfg,
		rdb:      redis.NewClient(opts),
		db:       opts.DB,
		registry: NewRegistry(opts.DB, cfg.DedupWindow, logger),
		logger:   logger,
		state:    StateDisconnected,
		stateCh:  make(chan struct{}),
		pending:  make(map[string][]chan struct{}),
		inbound:  make(chan inbound, 256),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Connect starts the session loop and blocks until the first session is
// established or ctx is done. Rejected credentials are returned immediately.
// On a context timeout the loop keeps retrying in the background; call Close
// to stop it.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.started {
		c.started = true
		c.setStateLocked(StateConnecting)

		c.wg.Add(2)
		go c.run()
		go c.dispatch()
		if c.cfg.PollInterval > 0 {
			c.wg.Add(1)
			go c.poll()
		}
	}
	c.mu.Unlock()

	if err := c.waitConnected(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}
		return &TransportError{Op: "connect", Err: err}
	}
	return nil
}

// State returns the current session state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Registry exposes the subscription registry backing this connection.
func (c *Conn) Registry() *Registry {
	return c.registry
}

// DB returns the Redis database index.
func (c *Conn) DB() int {
	return c.db
}

// Logger returns the logger used by the connection.
func (c *Conn) Logger() *slog.Logger {
	return c.logger
}

// Ping verifies Redis connectivity on the command client.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	return nil
}

// Close stops the session loop, drops every subscription and closes the
// command client. No background goroutine is left running when it returns.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		ps := c.ps
		c.ps = nil
		c.setStateLocked(StateClosed)
		c.mu.Unlock()

		if ps != nil {
			_ = ps.Close()
		}
		c.wg.Wait()
		err = c.rdb.Close()
	})
	return err
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

// setStateLocked must be called with c.mu held. Closed is terminal.
func (c *Conn) setStateLocked(s State) {
	if c.state == StateClosed || c.state == s {
		return
	}
	prev := c.state
	c.state = s
	close(c.stateCh)
	c.stateCh = make(chan struct{})
	c.logger.Debug("session state changed", "from", prev.String(), "to", s.String())
}

// waitConnected blocks until the session is connected, the connection is
// closed, the loop gave up on bad credentials, or ctx is done.
func (c *Conn) waitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, ch, fatal := c.state, c.stateCh, c.fatal
		c.mu.Unlock()

		switch {
		case state == StateClosed:
			return ErrClosed
		case fatal != nil:
			return fatal
		case state == StateConnected:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (c *Conn) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Backoff.Initial
	b.MaxInterval = c.cfg.Backoff.Max
	b.Multiplier = c.cfg.Backoff.Multiplier
	b.RandomizationFactor = c.cfg.Backoff.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run owns the Pub/Sub session: establish, read until failure, recover.
func (c *Conn) run() {
	defer c.wg.Done()

	b := c.newBackoff()
	for {
		if c.ctx.Err() != nil {
			return
		}

		ps, err := c.establish(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			if isPermanentAuthError(err) && !c.everConnected {
				c.fatal = &TransportError{Op: "connect", Err: err}
				c.setStateLocked(StateDisconnected)
				c.mu.Unlock()
				c.logger.Error("redis rejected credentials", "error", err)
				return
			}
			c.mu.Unlock()

			delay := b.NextBackOff()
			c.logger.Warn("redis session unavailable", "error", err, "retry_in", delay.String())
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		b.Reset()

		err = c.read(ps)
		c.dropSession(ps)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("redis session lost", "error", err)
		c.setState(StateRecovering)
	}
}

// establish opens a new Pub/Sub session, re-issues every channel the
// registry needs and waits for all confirmations before reporting Connected.
func (c *Conn) establish(ctx context.Context) (*redis.PubSub, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.SubscribeTimeout)
	defer cancel()

	if err := c.rdb.Ping(opCtx).Err(); err != nil {
		return nil, err
	}
	if c.cfg.EnsureKeyspaceEvents {
		if err := c.rdb.ConfigSet(opCtx, "notify-keyspace-events", "KA").Err(); err != nil {
			c.logger.Warn("unable to enable keyspace notifications", "error", err)
		}
	}

	ps := c.rdb.Subscribe(ctx)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	channels := c.registry.Channels()
	c.ps = ps
	c.mu.Unlock()

	if len(channels) > 0 {
		if err := ps.Subscribe(opCtx, channels...); err != nil {
			c.dropSession(ps)
			return nil, err
		}
		if err := c.awaitConfirmations(ps, channels, time.Now().Add(c.cfg.SubscribeTimeout)); err != nil {
			c.dropSession(ps)
			return nil, err
		}
	} else if err := ps.Ping(opCtx); err != nil {
		c.dropSession(ps)
		return nil, err
	}

	c.mu.Lock()
	c.everConnected = true
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("redis session established", "channels", len(channels))
	return ps, nil
}

// awaitConfirmations reads the session until every channel is confirmed.
// Messages that arrive in between are dispatched normally.
func (c *Conn) awaitConfirmations(ps *redis.PubSub, channels []string, deadline time.Time) error {
	waiting := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		waiting[ch] = struct{}{}
	}

	for len(waiting) > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %d subscribe confirmations", len(waiting))
		}
		msg, err := ps.ReceiveTimeout(c.ctx, defaultReadTimeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
		if sub, ok := msg.(*redis.Subscription); ok && sub.Kind == "subscribe" {
			delete(waiting, sub.Channel)
		}
		c.handle(msg)
	}
	return nil
}

// read pumps the session until it fails or the connection is closed.
func (c *Conn) read(ps *redis.PubSub) error {
	lastPing := time.Now()
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-c.kick:
			if err := ps.Ping(c.ctx); err != nil {
				return err
			}
		default:
		}

		msg, err := ps.ReceiveTimeout(c.ctx, defaultReadTimeout)
		if err != nil {
			if !isTimeout(err) {
				return err
			}
			if time.Since(lastPing) >= defaultHealthInterval {
				lastPing = time.Now()
				if err := ps.Ping(c.ctx); err != nil {
					return err
				}
			}
			continue
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg any) {
	switch m := msg.(type) {
	case *redis.Subscription:
		if m.Kind == "subscribe" {
			c.confirm(m.Channel)
		}
	case *redis.Message:
		c.enqueue(inbound{channel: m.Channel, payload: m.Payload})
	case *redis.Pong:
	default:
		c.logger.Debug("unexpected pubsub message", "type", fmt.Sprintf("%T", msg))
	}
}

// confirm releases callers waiting for a subscribe confirmation.
func (c *Conn) confirm(channel string) {
	c.mu.Lock()
	waiters := c.pending[channel]
	delete(c.pending, channel)
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// dropSession detaches and closes ps if it is still the current session.
func (c *Conn) dropSession(ps *redis.PubSub) {
	c.mu.Lock()
	if c.ps == ps {
		c.ps = nil
		c.pending = make(map[string][]chan struct{})
	}
	c.mu.Unlock()
	_ = ps.Close()
}

func (c *Conn) signalKick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Conn) enqueue(ev inbound) {
	select {
	case c.inbound <- ev:
	case <-c.ctx.Done():
	}
}

// dispatch is the single goroutine that applies inbound values to the
// registry, so updates for one target reach subscribers in bus order.
func (c *Conn) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.inbound:
			c.route(ev)
		}
	}
}

func (c *Conn) route(ev inbound) {
	if ev.key != "" {
		target := KeyTarget(ev.key)
		if !ev.present {
			if snap, ok := c.registry.CurrentValue(target); !ok || !snap.Known() {
				return
			}
		}
		c.registry.Deliver(target, Update{Payload: ev.value, Cleared: !ev.present, Source: SourcePoll})
		return
	}

	for _, t := range c.registry.TargetsFor(ev.channel) {
		if t.Kind == KindChannel || t.Name == ev.channel {
			c.registry.Deliver(t, Update{Payload: []byte(ev.payload), Source: SourceChannel})
			continue
		}
		c.onKeyspace(t, ev.payload)
	}
}

// onKeyspace turns a keyspace notification into a value read.
func (c *Conn) onKeyspace(t Target, event string) {
	if _, ok := deleteEvents[event]; ok {
		c.registry.Deliver(t, Update{Cleared: true, Source: SourceKeyspace})
		return
	}
	if _, ok := updateEvents[event]; !ok && !strings.HasPrefix(event, "json.") {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SubscribeTimeout)
	defer cancel()

	value, ok, err := c.readValue(ctx, t.Name)
	if err != nil {
		c.logger.Warn("unable to read key after notification", "key", t.Name, "event", event, "error", err)
		return
	}
	if !ok {
		c.registry.Deliver(t, Update{Cleared: true, Source: SourceKeyspace})
		return
	}
	c.registry.Deliver(t, Update{Payload: value, Source: SourceKeyspace})
}

// poll re-reads every watched key on an interval. Unchanged values are
// suppressed by the registry.
func (c *Conn) poll() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if c.State() != StateConnected {
			continue
		}
		for _, t := range c.registry.Targets() {
			if t.Kind != KindKey {
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SubscribeTimeout)
			value, ok, err := c.readValue(ctx, t.Name)
			cancel()
			if err != nil {
				c.logger.Debug("poll read failed", "key", t.Name, "error", err)
				continue
			}
			c.enqueue(inbound{key: t.Name, value: value, present: ok})
		}
	}
}

// readValue reads a key as a string, a RedisJSON document or a hash,
// whichever the key holds.
func (c *Conn) readValue(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		return value, true, nil
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case !isWrongType(err):
		return nil, false, &TransportError{Op: "get", Err: err}
	}

	doc, err := c.rdb.Do(ctx, "JSON.GET", key).Text()
	switch {
	case err == nil:
		return []byte(doc), true, nil
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case !isWrongType(err) && !isUnknownCommand(err):
		return nil, false, &TransportError{Op: "json.get", Err: err}
	}

	hash, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, &TransportError{Op: "hgetall", Err: err}
	}
	if len(hash) == 0 {
		return nil, false, nil
	}
	data, err := json.Marshal(hash)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode hash %s: %w", key, err)
	}
	return data, true, nil
}

// Get returns the value stored under key. Returns ErrNotFound if the key
// does not exist.
func (c *Conn) Get(ctx context.Context, key string) ([]byte, error) {
	value, ok, err := c.readValue(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return value, nil
}

// GetJSON reads key and unmarshals it into v.
func (c *Conn) GetJSON(ctx context.Context, key string, v any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Exists checks if a key exists without fetching it.
func (c *Conn) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, &TransportError{Op: "exists", Err: err}
	}
	return n > 0, nil
}

// Scan returns every key matching pattern, sorted and without duplicates.
func (c *Conn) Scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	iter := c.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		seen[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, &TransportError{Op: "scan", Err: err}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Publish sends payload on channel and returns the number of receivers.
//
// With PublishWait the call waits for a live session, bounded by ctx and
// Config.PublishTimeout, and retries transport failures inside that bound.
// With PublishFailFast it returns ErrNotConnected while the session is down
// and a *TransportError when the write fails.
func (c *Conn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if channel == "" {
		return 0, &ValidationError{Field: "channel", Reason: "must not be empty"}
	}
	if c.State() == StateClosed {
		return 0, ErrClosed
	}

	if c.cfg.PublishPolicy == PublishFailFast {
		if c.State() != StateConnected {
			return 0, ErrNotConnected
		}
		n, err := c.rdb.Publish(ctx, channel, payload).Result()
		if err != nil {
			c.signalKick()
			return 0, &TransportError{Op: "publish", Err: err}
		}
		return n, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	var lastErr error
	for {
		if err := c.waitConnected(ctx); err != nil {
			switch {
			case errors.Is(err, ErrClosed):
				return 0, err
			case lastErr != nil:
				return 0, &TransportError{Op: "publish", Err: lastErr}
			default:
				return 0, fmt.Errorf("%w: %w", ErrNotConnected, err)
			}
		}

		n, err := c.rdb.Publish(ctx, channel, payload).Result()
		if err == nil {
			return n, nil
		}
		lastErr = err
		c.signalKick()
		c.logger.Warn("publish failed, retrying", "channel", channel, "error", err)

		select {
		case <-ctx.Done():
			return 0, &TransportError{Op: "publish", Err: lastErr}
		case <-time.After(c.cfg.Backoff.Initial):
		}
	}
}

// PublishEnvelope stamps, encodes and publishes a command envelope.
func (c *Conn) PublishEnvelope(ctx context.Context, channel string, env *CommandEnvelope) (Ack, error) {
	env.Stamp(time.Now(), c.cfg.Issuer)
	data, err := env.Encode()
	if err != nil {
		return Ack{}, err
	}

	n, err := c.Publish(ctx, channel, data)
	if err != nil {
		return Ack{}, err
	}

	c.logger.Debug("command published", "channel", channel, "cmd", env.Cmd, "receivers", n)
	return Ack{Channel: channel, Receivers: n, Seq: env.Seq, IssuedAt: env.Timestamp}, nil
}

// Watch is a registered interest in a key or channel.
type Watch struct {
	ID     SubscriptionID
	Target Target

	conn *Conn
	once sync.Once
	err  error
}

// Close unregisters the watch. Safe to call more than once.
func (w *Watch) Close() error {
	w.once.Do(func() {
		w.err = w.conn.unwatch(w.ID)
	})
	return w.err
}

// Current returns the last value of the watched target.
func (w *Watch) Current() Snapshot {
	snap, _ := w.conn.registry.CurrentValue(w.Target)
	return snap
}

// WatchKey watches a key. fn is called with every new value; it may be nil.
// The call returns once the live session has confirmed the subscription, or
// immediately when the session is down, in which case the watch is issued at
// the next reconnect.
func (c *Conn) WatchKey(ctx context.Context, key string, fn UpdateFunc) (*Watch, error) {
	return c.watch(ctx, KeyTarget(key), fn)
}

// SubscribeChannel subscribes to a Pub/Sub channel. Semantics match WatchKey.
func (c *Conn) SubscribeChannel(ctx context.Context, channel string, fn UpdateFunc) (*Watch, error) {
	return c.watch(ctx, ChannelTarget(channel), fn)
}

func (c *Conn) watch(ctx context.Context, target Target, fn UpdateFunc) (*Watch, error) {
	if target.Name == "" {
		return nil, &ValidationError{Field: target.Kind.String(), Reason: "must not be empty"}
	}
	if c.State() == StateClosed {
		return nil, ErrClosed
	}

	id, added := c.registry.Register(target, fn)
	w := &Watch{ID: id, Target: target, conn: c}

	if len(added) > 0 {
		if err := c.subscribe(ctx, added); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	return w, nil
}

// subscribe issues SUBSCRIBE on the live session, if there is one. Without a
// session the channels are picked up by the next establish.
func (c *Conn) subscribe(ctx context.Context, channels []string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	ps, connected := c.ps, c.state == StateConnected
	if ps == nil {
		c.mu.Unlock()
		return nil
	}
	var waiters []chan struct{}
	if connected {
		for _, ch := range channels {
			w := make(chan struct{})
			c.pending[ch] = append(c.pending[ch], w)
			waiters = append(waiters, w)
		}
	}
	c.mu.Unlock()

	if err := ps.Subscribe(ctx, channels...); err != nil {
		c.logger.Warn("subscribe failed, will retry on reconnect", "channels", channels, "error", err)
		c.signalKick()
		return nil
	}

	timer := time.NewTimer(c.cfg.SubscribeTimeout)
	defer timer.Stop()
	for _, w := range waiters {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			c.logger.Warn("subscribe not confirmed in time", "channels", channels)
			c.signalKick()
			return nil
		}
	}
	return nil
}

func (c *Conn) unwatch(id SubscriptionID) error {
	removed, ok := c.registry.Unregister(id)
	if !ok || len(removed) == 0 {
		return nil
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	var drop []string
	for _, ch := range removed {
		if !c.registry.Needs(ch) {
			drop = append(drop, ch)
		}
	}

	c.mu.Lock()
	ps := c.ps
	c.mu.Unlock()
	if ps == nil || len(drop) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SubscribeTimeout)
	defer cancel()
	if err := ps.Unsubscribe(ctx, drop...); err != nil {
		c.logger.Debug("unsubscribe failed", "channels", drop, "error", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}

func isUnknownCommand(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "ERR unknown command")
}
