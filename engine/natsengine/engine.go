// Package natsengine wires a postoffice.Engine to a real NATS connection:
// nats.Connect with a reconnect policy and connection-event logging,
// Conn.Publish for outbound fan-out. Subscribe/Unsubscribe are no-ops;
// NATS has no notion of the "first local subscriber" bookkeeping the
// postoffice core cares about.
package natsengine

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/postoffice/internal/postoffice"
)

// Config tunes the underlying NATS connection.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// Engine forwards every filter==0 publish routed to it onto a NATS subject
// matching the message's channel name.
type Engine struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials NATS with a reconnect policy and logging handlers for
// every connection-state transition.
func Connect(cfg Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger.With().Str("engine", "nats").Logger()}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(func(c *nats.Conn) {
			e.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			e.logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			e.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			e.logger.Warn().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return e, nil
}

// Subscribe is a no-op: see the package comment.
func (e *Engine) Subscribe(context.Context, []byte, int64, bool, postoffice.MatchFn) error {
	return nil
}

// Unsubscribe is a no-op: see the package comment.
func (e *Engine) Unsubscribe(context.Context, []byte, int64, bool, postoffice.MatchFn) error {
	return nil
}

// Publish forwards msg.Payload to the NATS subject named by msg.Channel.
// Filter-channel messages never reach an Engine's Publish hook under
// ordinary scopes (only ENGINE-scoped publishes do, and those always carry
// filter 0 by construction; see dispatcher.publish's ErrEngineMisuse
// check), so Channel is always populated here.
func (e *Engine) Publish(_ context.Context, msg *postoffice.Message) error {
	return e.conn.Publish(msg.Channel, msg.Payload)
}

// Close drains and closes the underlying NATS connection.
func (e *Engine) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}
