// Package distributor 通过 Redis Pub/Sub 在租户频道上分发实时事件。
//
// 投递语义是 at-most-once：没有订阅者时事件直接丢弃，慢消费者的事件
// 也会被丢弃而不是阻塞整个扇出。掉线期间错过的消息靠连接时的历史回填补齐。
package distributor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/redis/go-redis/v9"
)

// subscriptionBuffer 单个订阅的事件缓冲。缓冲满说明消费者跟不上，
// 继续堆积只会放大延迟，直接丢弃。
const subscriptionBuffer = 256

// Event 频道上收到的一条事件
type Event struct {
	TenantID string
	Kind     keyspace.ChannelKind
	Payload  []byte
}

// Subscription 一个活跃订阅。Events 通道在 Close 后关闭。
type Subscription interface {
	// Events 返回事件通道
	Events() <-chan Event
	// Close 取消订阅并关闭事件通道
	Close() error
}

// Publisher 事件发布方
type Publisher interface {
	// Publish 将 payload 发布到租户的指定频道，payload 必须是 JSON
	Publish(ctx context.Context, tenantID string, kind keyspace.ChannelKind, payload []byte) error
	// PublishJSON 序列化 v 后发布
	PublishJSON(ctx context.Context, tenantID string, kind keyspace.ChannelKind, v any) error
}

// Subscriber 事件订阅方
type Subscriber interface {
	// Subscribe 订阅租户的若干频道
	Subscribe(ctx context.Context, tenantID string, kinds ...keyspace.ChannelKind) (Subscription, error)
}

// Distributor 租户事件分发器
type Distributor interface {
	Publisher
	Subscriber
	// Close 关闭分发器（不关闭底层 Redis 连接）
	Close() error
}

// Option 配置 Distributor 的选项
type Option func(*redisDistributor)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(d *redisDistributor) {
		if logger != nil {
			d.logger = logger.WithNamespace("distributor")
		}
	}
}

type redisDistributor struct {
	rdb    *redis.Client
	logger clog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*redisSubscription]struct{}
}

// New 基于 Redis 连接器创建分发器
func New(redisConn connector.RedisConnector, opts ...Option) (Distributor, error) {
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	d := &redisDistributor{
		rdb:    redisConn.GetClient(),
		logger: clog.Discard(),
		subs:   make(map[*redisSubscription]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *redisDistributor) Publish(ctx context.Context, tenantID string, kind keyspace.ChannelKind, payload []byte) error {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return err
	}

	channel := ks.Channel(kind)
	if err := d.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		d.logger.ErrorContext(ctx, "发布事件失败",
			clog.String("channel", channel),
			clog.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (d *redisDistributor) PublishJSON(ctx context.Context, tenantID string, kind keyspace.ChannelKind, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return d.Publish(ctx, tenantID, kind, payload)
}

// Subscribe 订阅租户频道。go-redis 的 PubSub 在连接断开后自动重连重订，
// 重连窗口内的事件丢失，符合 at-most-once 语义。
func (d *redisDistributor) Subscribe(ctx context.Context, tenantID string, kinds ...keyspace.ChannelKind) (Subscription, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("at least one channel kind required")
	}

	ks, err := keyspace.New(tenantID)
	if err != nil {
		return nil, err
	}

	channels := make([]string, 0, len(kinds))
	kindByChannel := make(map[string]keyspace.ChannelKind, len(kinds))
	for _, kind := range kinds {
		ch := ks.Channel(kind)
		channels = append(channels, ch)
		kindByChannel[ch] = kind
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("distributor closed")
	}
	pubsub := d.rdb.Subscribe(ctx, channels...)
	sub := &redisSubscription{
		tenantID: tenantID,
		pubsub:   pubsub,
		kinds:    kindByChannel,
		events:   make(chan Event, subscriptionBuffer),
		logger:   d.logger,
		owner:    d,
	}
	d.subs[sub] = struct{}{}
	d.mu.Unlock()

	// 确认订阅建立后再返回，保证调用方在 Subscribe 返回后
	// 发布的事件一定会被投递。
	if _, err := pubsub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", tenantID, err)
	}

	go sub.pump()
	return sub, nil
}

func (d *redisDistributor) remove(sub *redisSubscription) {
	d.mu.Lock()
	delete(d.subs, sub)
	d.mu.Unlock()
}

// Close 关闭全部活跃订阅
func (d *redisDistributor) Close() error {
	d.mu.Lock()
	d.closed = true
	subs := make([]*redisSubscription, 0, len(d.subs))
	for sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type redisSubscription struct {
	tenantID string
	pubsub   *redis.PubSub
	kinds    map[string]keyspace.ChannelKind
	events   chan Event
	logger   clog.Logger
	owner    *redisDistributor

	closeOnce sync.Once
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

// pump 把 PubSub 消息搬到事件通道。消费者缓冲满时丢弃并计数，
// 不阻塞其他订阅的扇出。
func (s *redisSubscription) pump() {
	defer close(s.events)

	var dropped int64
	for msg := range s.pubsub.Channel() {
		kind, ok := s.kinds[msg.Channel]
		if !ok {
			continue
		}
		ev := Event{
			TenantID: s.tenantID,
			Kind:     kind,
			Payload:  []byte(msg.Payload),
		}
		select {
		case s.events <- ev:
		default:
			dropped++
			if dropped%100 == 1 {
				s.logger.Warn("订阅消费过慢，丢弃事件",
					clog.String("tenant_id", s.tenantID),
					clog.String("channel", msg.Channel),
					clog.Int64("dropped", dropped))
			}
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
		s.owner.remove(s)
	})
	return err
}
