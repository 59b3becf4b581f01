package eventbus

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"dockyard/internal/logging"
	"dockyard/internal/policy"
)

const (
	defaultConnectAttempts = 5
	connectBackoffStep     = 200 * time.Millisecond
	pingTimeout            = 2 * time.Second
)

// Open builds the mirror for cfg. It returns nil, nil for the none driver.
func Open(ctx context.Context, cfg policy.MirrorConfig, logger *slog.Logger) (*Mirror, error) {
	logger = logging.OrDiscard(logger)
	options := MirrorOptions{
		Topic:  cfg.Topic,
		Buffer: cfg.Buffer,
		Logger: logger,
	}
	switch strings.TrimSpace(cfg.Driver) {
	case "", policy.MirrorDriverNone:
		return nil, nil
	case policy.MirrorDriverMemory:
		pubSub := NewMemoryPubSub(cfg.Buffer, logger)
		options.Subscriber = pubSub
		return NewMirror(pubSub, options)
	case policy.MirrorDriverRedis:
		publisher, err := NewRedisPublisher(ctx, cfg.RedisURL, cfg.ConnectAttempts, logger)
		if err != nil {
			return nil, err
		}
		return NewMirror(publisher, options)
	default:
		return nil, errors.Errorf("unknown mirror driver %q", cfg.Driver)
	}
}

// NewMemoryPubSub returns an in-process watermill pub/sub.
func NewMemoryPubSub(buffer int, logger *slog.Logger) *gochannel.GoChannel {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
	}, watermill.NewSlogLogger(logging.OrDiscard(logger)))
}

// NewRedisPublisher connects to redisURL, retrying the initial ping, and
// returns a Redis Streams publisher.
func NewRedisPublisher(ctx context.Context, redisURL string, attempts int, logger *slog.Logger) (*redisstream.Publisher, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, errors.Wrap(err, "parse mirror redis url")
	}
	if attempts <= 0 {
		attempts = defaultConnectAttempts
	}
	client := redis.NewClient(opts)

	ping := func(attempt uint) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logging.OrDiscard(logger).Warn("mirror redis ping failed", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}
	if err := retry.Retry(ping, strategy.Limit(uint(attempts)), strategy.Backoff(backoff.Linear(connectBackoffStep))); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connect mirror redis %s", opts.Addr)
	}

	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, watermill.NewSlogLogger(logging.OrDiscard(logger)))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	return publisher, nil
}
