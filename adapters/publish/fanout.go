package publish

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gpu-index/internal/errors"
	"gpu-index/internal/logging"
)

// Fanout publishes to every sink. One sink failing does not stop the others.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewFanout combines sinks
func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logging.OrDefault(logger)}
}

// Name implements Sink
func (f *Fanout) Name() string { return "fanout" }

// Len returns the number of sinks
func (f *Fanout) Len() int { return len(f.sinks) }

// Publish implements Sink
func (f *Fanout) Publish(ctx context.Context, pub *Publication) error {
	if err := pub.Validate(); err != nil {
		return err
	}
	var merr error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, pub); err != nil {
			f.logger.Error("sink failed", zap.String("sink", s.Name()), zap.Error(err))
			merr = multierr.Append(merr, errors.Publish(s.Name()+" failed", err))
		}
	}
	return merr
}

// Close implements Sink
func (f *Fanout) Close() error {
	var merr error
	for _, s := range f.sinks {
		merr = multierr.Append(merr, s.Close())
	}
	return merr
}
