package peerrpc

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendFunc transmits one encoded message on the underlying channel.
type SendFunc func(ctx context.Context, data []byte) error

const defaultReorderLimit = 1024

type options struct {
	codec        Codec
	logger       *zap.Logger
	metrics      *Metrics
	name         string
	reorderLimit int
}

// Option configures a Client or a Server.
type Option func(*options)

// WithCodec sets the message codec. The default is BinaryCodec.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithLogger sets the logger. Peers log nothing by default.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics makes the peer report to m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithName names the peer in logs. A random name is used otherwise.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithReorderLimit bounds the number of out of order events buffered per
// stream.
func WithReorderLimit(n int) Option {
	return func(o *options) { o.reorderLimit = n }
}

func newOptions(role string, opts []Option) options {
	o := options{
		codec:        BinaryCodec{},
		logger:       zap.NewNop(),
		reorderLimit: defaultReorderLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = uuid.NewString()
	}
	if o.reorderLimit <= 0 {
		o.reorderLimit = defaultReorderLimit
	}
	o.logger = o.logger.With(zap.String("role", role), zap.String("peer", o.name))
	return o
}
