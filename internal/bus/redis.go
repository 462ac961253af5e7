package bus

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	red "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shaunagostinho/ecusim/internal/can"
)

// RedisConfig holds connection settings for the Redis pub/sub binding.
type RedisConfig struct {
	URL     string `yaml:"redis_url" json:"redisUrl"`
	Channel string `yaml:"redis_channel" json:"redisChannel"`
}

// envelope is the msgpack wire form of one frame on the Redis channel.
type envelope struct {
	Node string `msgpack:"node"`
	ID   uint16 `msgpack:"id"`
	Data []byte `msgpack:"data"`
}

// Redis shares the bus between processes over a Redis PUBLISH/SUBSCRIBE
// channel. Each process tags its frames with a node id and ignores its own
// frames on the way back in.
type Redis struct {
	local *Virtual
	cfg   RedisConfig
	node  string

	mu     sync.Mutex
	client *red.Client
	pubsub *red.PubSub
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRedis(cfg RedisConfig, opts ...Option) *Redis {
	if cfg.URL == "" {
		cfg.URL = "redis://localhost:6379"
	}
	if cfg.Channel == "" {
		cfg.Channel = "ecusim.can"
	}
	return &Redis{
		local: NewVirtual(opts...),
		cfg:   cfg,
		node:  fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano()),
	}
}

func (r *Redis) Name() string { return "redis:" + r.cfg.Channel }

func (r *Redis) Connect() error {
	opt, err := red.ParseURL(r.cfg.URL)
	if err != nil {
		return NewBindingError("redis", fmt.Errorf("parse %s: %w", r.cfg.URL, err))
	}
	client := red.NewClient(opt)

	ctx, cancel := context.WithCancel(context.Background())
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		client.Close()
		return NewBindingError("redis", fmt.Errorf("ping %s: %w", r.cfg.URL, err))
	}

	pubsub := client.Subscribe(ctx, r.cfg.Channel)
	if _, err := pubsub.Receive(pingCtx); err != nil {
		cancel()
		pubsub.Close()
		client.Close()
		return NewBindingError("redis", fmt.Errorf("subscribe %s: %w", r.cfg.Channel, err))
	}

	r.mu.Lock()
	r.client, r.pubsub, r.ctx, r.cancel = client, pubsub, ctx, cancel
	r.mu.Unlock()

	log.Printf("[redis] connected to %s, channel %s (node %s)", r.cfg.URL, r.cfg.Channel, r.node)
	go r.receiveLoop(pubsub.Channel())
	return nil
}

func (r *Redis) receiveLoop(ch <-chan *red.Message) {
	for msg := range ch {
		env, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			log.Printf("[redis] bad message on %s: %v", msg.Channel, err)
			continue
		}
		if env.Node == r.node {
			continue
		}
		f, err := can.NewFrame(env.ID, env.Data)
		if err != nil {
			log.Printf("[redis] dropping frame from %s: %v", env.Node, err)
			continue
		}
		if err := r.local.Publish(f); err != nil {
			return
		}
	}
}

func (r *Redis) Publish(f can.Frame) error {
	if err := r.local.Publish(f); err != nil {
		return err
	}

	r.mu.Lock()
	client, ctx := r.client, r.ctx
	r.mu.Unlock()
	if client == nil {
		return nil
	}

	data, err := encodeEnvelope(envelope{Node: r.node, ID: f.ID(), Data: f.Data()})
	if err != nil {
		return NewBindingError("redis", err)
	}
	if err := client.Publish(ctx, r.cfg.Channel, data).Err(); err != nil {
		return NewBindingError("redis", fmt.Errorf("publish %s: %w", f, err))
	}
	return nil
}

func (r *Redis) Subscribe() *Subscription { return r.local.Subscribe() }

func (r *Redis) Close() error {
	r.mu.Lock()
	client, pubsub, cancel := r.client, r.pubsub, r.cancel
	r.client, r.pubsub, r.cancel = nil, nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		pubsub.Close()
	}
	var err error
	if client != nil {
		err = client.Close()
	}
	r.local.Close()
	return err
}

func encodeEnvelope(e envelope) ([]byte, error) {
	return msgpack.Marshal(&e)
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	err := msgpack.Unmarshal(b, &e)
	return e, err
}
