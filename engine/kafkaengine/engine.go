// Package kafkaengine feeds a Kafka/Redpanda topic set into the postoffice
// as PROCESS-scope local publishes: a franz-go (pkg/kgo) client polls in
// its own goroutine and republishes each record's value under the channel
// named by the record's key.
package kafkaengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/postoffice/internal/postoffice"
)

// Config configures the consumer.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
}

// Engine consumes a Kafka topic set and republishes each record's value
// under the channel named by the record's key. It is a source, not a sink:
// Subscribe/Unsubscribe/Publish are no-ops, and the consumer loop fills
// the role a startup hook would.
type Engine struct {
	client *kgo.Client
	po     *postoffice.PostOffice
	logger zerolog.Logger
	guard  interface{ AllowEngineMessage() bool }

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	processed uint64
	dropped   uint64
}

// New creates a franz-go client over cfg but does not start consuming;
// call Start to launch the poll loop. po is the bus every consumed record
// is republished into; guard, if non-nil, is consulted before each record
// is processed, and a record over its engine-message rate limit is dropped.
func New(cfg Config, po *postoffice.PostOffice, guard interface{ AllowEngineMessage() bool }, logger zerolog.Logger) (*Engine, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkaengine: at least one broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafkaengine: at least one topic is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With().Str("engine", "kafka").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("partitions revoked")
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("kafkaengine: create client: %w", err)
	}

	return &Engine{
		client: client,
		po:     po,
		guard:  guard,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the poll loop on its own goroutine.
func (e *Engine) Start() {
	e.logger.Info().Msg("starting kafka consumer")
	e.wg.Add(1)
	go e.consumeLoop()
}

// Stop cancels the poll loop, waits for it to exit, and closes the client.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.client.Close()

	e.mu.Lock()
	processed, dropped := e.processed, e.dropped
	e.mu.Unlock()
	e.logger.Info().Uint64("processed", processed).Uint64("dropped", dropped).Msg("kafka consumer stopped")
}

func (e *Engine) consumeLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
			fetches := e.client.PollFetches(e.ctx)
			for _, err := range fetches.Errors() {
				e.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("fetch error")
			}
			fetches.EachRecord(e.processRecord)
		}
	}
}

func (e *Engine) processRecord(record *kgo.Record) {
	channel := string(record.Key)
	if channel == "" {
		e.logger.Warn().Str("topic", record.Topic).Msg("record missing channel key, dropping")
		e.incrementDropped()
		return
	}

	if e.guard != nil && !e.guard.AllowEngineMessage() {
		e.logger.Debug().Str("channel", channel).Msg("engine message rate limited, dropping")
		e.incrementDropped()
		return
	}

	if err := e.po.Publish(e.ctx, []byte(channel), record.Value, postoffice.ScopeProcess); err != nil {
		e.logger.Error().Err(err).Str("channel", channel).Msg("failed to republish kafka record")
		e.incrementDropped()
		return
	}
	e.incrementProcessed()
}

func (e *Engine) incrementProcessed() {
	e.mu.Lock()
	e.processed++
	e.mu.Unlock()
}

func (e *Engine) incrementDropped() {
	e.mu.Lock()
	e.dropped++
	e.mu.Unlock()
}

// Subscribe is a no-op: see the Engine type comment.
func (e *Engine) Subscribe(context.Context, []byte, int64, bool, postoffice.MatchFn) error { return nil }

// Unsubscribe is a no-op: see the Engine type comment.
func (e *Engine) Unsubscribe(context.Context, []byte, int64, bool, postoffice.MatchFn) error {
	return nil
}

// Publish is a no-op: Kafka is a source here, not a sink reachable from
// publish().
func (e *Engine) Publish(context.Context, *postoffice.Message) error { return nil }
