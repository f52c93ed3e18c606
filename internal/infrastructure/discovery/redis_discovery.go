package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	"meshcam/pkg/retry"
	"meshcam/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Config struct {
	KeyPrefix string
	// TTL is how long an announcement stays valid without a refresh.
	TTL time.Duration
	// Interval between announcements and membership scans.
	Interval    time.Duration
	DialTimeout time.Duration
	Retry       retry.Config
}

func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "meshcam",
		TTL:         15 * time.Second,
		Interval:    5 * time.Second,
		DialTimeout: 10 * time.Second,
		Retry:       retry.DefaultConfig(),
	}
}

// Announcement is what a node publishes about itself.
type Announcement struct {
	Peer      string `json:"peer"`
	Addr      string `json:"addr"`
	Transport string `json:"transport"`
	Since     int64  `json:"since"`
}

type event struct {
	Kind string `json:"kind"`
	Peer string `json:"peer"`
}

// RedisDiscovery finds the other members of a room through Redis and dials
// them. Members live in a sorted set scored by expiry; a pub/sub channel
// shortens the time until a newcomer is seen.
type RedisDiscovery struct {
	client    redis.UniversalClient
	cfg       Config
	roomID    string
	self      Announcement
	selfID    domain.PeerID
	dialer    ports.Dialer
	connected func(domain.PeerID) bool
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[domain.PeerID]struct{}
	wg       sync.WaitGroup
}

// NewRedisDiscovery announces self (reachable at addr over transport) in the
// room. connected reports peers that need no dial.
func NewRedisDiscovery(
	client redis.UniversalClient,
	cfg Config,
	roomID string,
	self domain.PeerID,
	addr, transport string,
	dialer ports.Dialer,
	connected func(domain.PeerID) bool,
	logger *zap.SugaredLogger,
) *RedisDiscovery {
	defaults := DefaultConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.Interval <= 0 || cfg.Interval >= cfg.TTL {
		cfg.Interval = cfg.TTL / 3
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}

	return &RedisDiscovery{
		client: client,
		cfg:    cfg,
		roomID: roomID,
		self: Announcement{
			Peer:      self.Hex(),
			Addr:      addr,
			Transport: transport,
			Since:     time.Now().Unix(),
		},
		selfID:    self,
		dialer:    dialer,
		connected: connected,
		logger:    logger.With("room", roomID),
		inflight:  make(map[domain.PeerID]struct{}),
	}
}

func (d *RedisDiscovery) membersKey() string {
	return fmt.Sprintf("%s:room:%s:members", d.cfg.KeyPrefix, d.roomID)
}

func (d *RedisDiscovery) addrsKey() string {
	return fmt.Sprintf("%s:room:%s:addrs", d.cfg.KeyPrefix, d.roomID)
}

func (d *RedisDiscovery) eventsChannel() string {
	return fmt.Sprintf("%s:room:%s:events", d.cfg.KeyPrefix, d.roomID)
}

// Run announces the node and dials members until ctx ends, then leaves the
// room.
func (d *RedisDiscovery) Run(ctx context.Context) error {
	pubsub := d.client.Subscribe(ctx, d.eventsChannel())
	defer pubsub.Close()

	if err := d.Announce(ctx); err != nil {
		return err
	}
	d.publish(ctx, "join")
	d.Sync(ctx)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	events := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			err := d.Leave(leaveCtx)
			cancel()
			d.wg.Wait()
			return err

		case <-ticker.C:
			if err := d.Announce(ctx); err != nil {
				d.logger.Warnw("announce failed", "error", err)
			}
			d.Sync(ctx)

		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			var ev event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.Peer == d.self.Peer {
				continue
			}
			d.logger.Debugw("room event", "kind", ev.Kind, "peer", shortHex(ev.Peer))
			if ev.Kind == "join" {
				d.Sync(ctx)
			}
		}
	}
}

// Announce refreshes our membership.
func (d *RedisDiscovery) Announce(ctx context.Context) error {
	data, err := json.Marshal(d.self)
	if err != nil {
		return err
	}
	expiry := float64(time.Now().Add(d.cfg.TTL).UnixMilli())

	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, d.membersKey(), redis.Z{Score: expiry, Member: d.self.Peer})
		pipe.HSet(ctx, d.addrsKey(), d.self.Peer, data)
		pipe.Expire(ctx, d.membersKey(), 4*d.cfg.TTL)
		pipe.Expire(ctx, d.addrsKey(), 4*d.cfg.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

// Leave removes our membership and tells the room.
func (d *RedisDiscovery) Leave(ctx context.Context) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, d.membersKey(), d.self.Peer)
		pipe.HDel(ctx, d.addrsKey(), d.self.Peer)
		return nil
	})
	d.publish(ctx, "leave")
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	d.logger.Info("left room")
	return nil
}

// Members returns the live announcements of other room members and prunes
// expired ones.
func (d *RedisDiscovery) Members(ctx context.Context) ([]Announcement, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	if err := d.client.ZRemRangeByScore(ctx, d.membersKey(), "-inf", "("+now).Err(); err != nil {
		return nil, err
	}
	ids, err := d.client.ZRangeByScore(ctx, d.membersKey(), &redis.ZRangeBy{Min: now, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := d.client.HMGet(ctx, d.addrsKey(), ids...).Result()
	if err != nil {
		return nil, err
	}

	members := make([]Announcement, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok || ids[i] == d.self.Peer {
			continue
		}
		var a Announcement
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			d.logger.Debugw("skipping unreadable announcement", "peer", shortHex(ids[i]), "error", err)
			continue
		}
		members = append(members, a)
	}
	return members, nil
}

// Sync dials every member we should connect to and are not connected to.
func (d *RedisDiscovery) Sync(ctx context.Context) {
	spanCtx, span := tracing.StartSpan(ctx, "discovery.sync")
	defer span.End()
	defer tracing.MeasureDuration(spanCtx, time.Now(), "discovery.sync")

	members, err := d.Members(spanCtx)
	if err != nil {
		tracing.RecordError(spanCtx, err)
		d.logger.Warnw("listing room members failed", "error", err)
		return
	}

	targets := d.plan(members)
	tracing.AddSpanAttributes(spanCtx,
		attribute.Int("discovery.members", len(members)),
		attribute.Int("discovery.dials", len(targets)),
	)
	for _, target := range targets {
		d.dial(ctx, target)
	}
}

type dialTarget struct {
	peer domain.PeerID
	addr string
}

// plan picks the members to dial. Only the lower id dials, so two nodes that
// discover each other simultaneously open a single connection.
func (d *RedisDiscovery) plan(members []Announcement) []dialTarget {
	var targets []dialTarget
	for _, m := range members {
		if m.Transport != d.self.Transport || m.Addr == "" {
			continue
		}
		peer, err := domain.ParsePeerID(m.Peer)
		if err != nil || peer == d.selfID {
			continue
		}
		if !(d.self.Peer < m.Peer) {
			continue
		}
		if d.connected != nil && d.connected(peer) {
			continue
		}
		targets = append(targets, dialTarget{peer: peer, addr: m.Addr})
	}
	return targets
}

func (d *RedisDiscovery) dial(ctx context.Context, target dialTarget) {
	d.mu.Lock()
	if _, busy := d.inflight[target.peer]; busy {
		d.mu.Unlock()
		return
	}
	d.inflight[target.peer] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, target.peer)
			d.mu.Unlock()
		}()

		err := retry.Retry(ctx, d.cfg.Retry, func(ctx context.Context) error {
			dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
			defer cancel()
			err := d.dialer.Dial(dialCtx, target.peer, target.addr)
			if errors.Is(err, domain.ErrUnauthorized) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil && ctx.Err() == nil {
			d.logger.Warnw("could not reach peer", "peer_id", target.peer.Short(), "addr", target.addr, "error", err)
		}
	}()
}

func (d *RedisDiscovery) publish(ctx context.Context, kind string) {
	data, _ := json.Marshal(event{Kind: kind, Peer: d.self.Peer})
	if err := d.client.Publish(ctx, d.eventsChannel(), data).Err(); err != nil {
		d.logger.Debugw("publishing room event failed", "kind", kind, "error", err)
	}
}

func shortHex(s string) string {
	if len(s) > 6 {
		return s[:6]
	}
	return s
}
