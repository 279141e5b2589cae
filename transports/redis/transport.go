// Package redis implements the messaging transport interfaces on Redis lists
// and sorted sets.
//
// Each address owns five keys sharing one hash slot:
//
//	<prefix>{<address>}:ready       list, LPUSH on publish, consumed from the right
//	<prefix>{<address>}:scheduled   sorted set scored by due time in unix milliseconds
//	<prefix>{<address>}:processing  list of delivered, unsettled payloads
//	<prefix>{<address>}:leases      sorted set of processing payloads scored by lease expiry
//	<prefix>{<address>}:dlq         list of payloads rejected without requeue
//
// A delivered payload is leased for the visibility timeout and the lease is
// renewed while the link holds it. Payloads whose lease expired, for example
// because their consumer died, go back to the consuming end of the ready list
// on the next poll of any link on the address.
//
// Payloads are MessagePack encoded envelopes.
package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/messaging"
	"github.com/glimte/domainevent-go/serialization"
)

const (
	defaultKeyPrefix    = "domainevent:"
	defaultPollInterval = 100 * time.Millisecond
	defaultPromoteBatch = 100
	defaultVisibility   = 30 * time.Second
)

// claimScript returns expired leases to ready, promotes due scheduled
// members, then moves one payload from ready to processing and leases it.
//
// KEYS: scheduled, ready, processing, leases
// ARGV: now, batch, lease deadline
var claimScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(expired) do
	redis.call('ZREM', KEYS[4], member)
	if redis.call('LREM', KEYS[3], 1, member) > 0 then
		redis.call('RPUSH', KEYS[2], member)
	end
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
local payload = redis.call('RPOPLPUSH', KEYS[2], KEYS[3])
if payload then
	redis.call('ZADD', KEYS[4], ARGV[3], payload)
end
return payload
`)

// releaseScript drops the lease of a processing payload and pushes it onto
// another list. Nothing is pushed when the payload already left processing.
//
// KEYS: processing, destination, leases
// ARGV: payload, RPUSH or LPUSH
var releaseScript = goredis.NewScript(`
redis.call('ZREM', KEYS[3], ARGV[1])
if redis.call('LREM', KEYS[1], 1, ARGV[1]) > 0 then
	redis.call(ARGV[2], KEYS[2], ARGV[1])
	return 1
end
return 0
`)

type addressKeys struct {
	ready      string
	scheduled  string
	processing string
	leases     string
	dlq        string
}

// Transport implements messaging.TransportReceiver and hands out
// messaging.TransportPublishers over one Redis client.
type Transport struct {
	client       goredis.UniversalClient
	ownsClient   bool
	prefix       string
	pollInterval time.Duration
	promoteBatch int
	visibility   time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.Mutex
	links  map[*link]struct{}
	closed bool
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithPollInterval sets how long an idle link waits before polling again
func WithPollInterval(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithPromoteBatch caps the scheduled messages promoted per poll
func WithPromoteBatch(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.promoteBatch = n
		}
	}
}

// WithVisibilityTimeout sets how long a delivered payload stays leased
// without renewal before it is handed out again
func WithVisibilityTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.visibility = d
		}
	}
}

// WithKeyPrefix sets the prefix of every key the transport touches
func WithKeyPrefix(prefix string) TransportOption {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithClock replaces time.Now for scheduling decisions
func WithClock(now func() time.Time) TransportOption {
	return func(t *Transport) {
		t.now = now
	}
}

// NewTransport wraps an existing client. The caller keeps ownership of it.
func NewTransport(client goredis.UniversalClient, options ...TransportOption) *Transport {
	t := &Transport{
		client:       client,
		prefix:       defaultKeyPrefix,
		pollInterval: defaultPollInterval,
		promoteBatch: defaultPromoteBatch,
		visibility:   defaultVisibility,
		logger:       slog.Default(),
		now:          time.Now,
		links:        make(map[*link]struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Dial parses a redis:// or rediss:// URL, connects and pings the server.
// The transport closes the client on Close.
func Dial(ctx context.Context, rawURL string, options ...TransportOption) (*Transport, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, &CommandError{Op: "parse", Key: "url", Err: err}
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, commandError("ping", opts.Addr, err)
	}

	t := NewTransport(client, options...)
	t.ownsClient = true
	return t, nil
}

func (t *Transport) keys(address string) addressKeys {
	base := t.prefix + "{" + address + "}"
	return addressKeys{
		ready:      base + ":ready",
		scheduled:  base + ":scheduled",
		processing: base + ":processing",
		leases:     base + ":leases",
		dlq:        base + ":dlq",
	}
}

// Publisher returns a publisher bound to address
func (t *Transport) Publisher(address string) messaging.TransportPublisher {
	return &publisher{transport: t, keys: t.keys(address)}
}

// Open starts a link polling address
func (t *Transport) Open(ctx context.Context, opts messaging.LinkOptions) (messaging.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, commandError("open", opts.Address, goredis.ErrClosed)
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	l := newLink(t, context.WithoutCancel(ctx), opts.Address, prefetch)
	t.links[l] = struct{}{}
	go l.pump()
	go l.keepAlive()

	t.logger.Debug("opened redis link", "address", opts.Address, "prefetch", prefetch)
	return l, nil
}

func (t *Transport) forget(l *link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, l)
}

// Stats reports queue depths for an address
type Stats struct {
	Ready        int64
	Scheduled    int64
	Processing   int64
	DeadLettered int64
}

// Stats reads the depth of every key behind address in one round trip
func (t *Transport) Stats(ctx context.Context, address string) (Stats, error) {
	k := t.keys(address)
	var ready, scheduled, processing, dlq *goredis.IntCmd
	_, err := t.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		ready = p.LLen(ctx, k.ready)
		scheduled = p.ZCard(ctx, k.scheduled)
		processing = p.LLen(ctx, k.processing)
		dlq = p.LLen(ctx, k.dlq)
		return nil
	})
	if err != nil {
		return Stats{}, commandError("stats", address, err)
	}
	return Stats{
		Ready:        ready.Val(),
		Scheduled:    scheduled.Val(),
		Processing:   processing.Val(),
		DeadLettered: dlq.Val(),
	}, nil
}

// DeadLetters returns the envelopes rejected without requeue on address,
// oldest first. Payloads that no longer decode are skipped.
func (t *Transport) DeadLetters(ctx context.Context, address string) ([]*contracts.Envelope, error) {
	k := t.keys(address)
	items, err := t.client.LRange(ctx, k.dlq, 0, -1).Result()
	if err != nil {
		return nil, commandError("lrange", k.dlq, err)
	}
	out := make([]*contracts.Envelope, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		env, err := serialization.DecodeEnvelope([]byte(items[i]))
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Ping checks the server is reachable
func (t *Transport) Ping(ctx context.Context) error {
	return commandError("ping", "", t.client.Ping(ctx).Err())
}

// Close detaches every open link and, when the transport created the client,
// closes it.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*link, 0, len(t.links))
	for l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

// claim runs claimScript for k. It returns goredis.Nil when ready is empty.
func (t *Transport) claim(ctx context.Context, k addressKeys) (string, error) {
	now := t.now()
	return claimScript.Run(ctx, t.client,
		[]string{k.scheduled, k.ready, k.processing, k.leases},
		now.UnixMilli(), t.promoteBatch, now.Add(t.visibility).UnixMilli(),
	).Text()
}

type publisher struct {
	transport *Transport
	keys      addressKeys
}

// Publish implements messaging.TransportPublisher. Envelopes due in the
// future are parked in the scheduled set.
func (p *publisher) Publish(ctx context.Context, env *contracts.Envelope) error {
	data, err := serialization.EncodeEnvelope(env)
	if err != nil {
		return commandError("encode", p.keys.ready, err)
	}

	if env.Delay(p.transport.now()) > 0 {
		err := p.transport.client.ZAdd(ctx, p.keys.scheduled, goredis.Z{
			Score:  float64(env.ScheduledEnqueueTime.UnixMilli()),
			Member: data,
		}).Err()
		if err != nil {
			return commandError("zadd", p.keys.scheduled, err)
		}
		p.transport.logger.Debug("scheduled message",
			"messageId", env.MessageID,
			"key", p.keys.scheduled,
			"scheduledEnqueueTime", env.ScheduledEnqueueTime,
		)
		return nil
	}

	return commandError("lpush", p.keys.ready, p.transport.client.LPush(ctx, p.keys.ready, data).Err())
}

// Close is a no-op; the transport owns the client
func (p *publisher) Close() error {
	return nil
}
