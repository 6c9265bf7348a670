package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/consensus"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/metrics"
	"go.uber.org/zap"
)

var errMissingPublisher = errors.New("scanner: publisher required")

// Publisher publishes every project whose drafts qualify.
type Publisher interface {
	ScanPendingProjects(ctx context.Context) (consensus.ScanResult, error)
}

type Config struct {
	Publisher Publisher
	Interval  time.Duration
	Metrics   *metrics.Recorder
	Logger    *zap.Logger
}

// Scanner runs the publish scan on a fixed interval.
type Scanner struct {
	publisher Publisher
	interval  time.Duration
	metrics   *metrics.Recorder
	logger    *zap.Logger
}

func New(cfg Config) (*Scanner, error) {
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		publisher: cfg.Publisher,
		interval:  interval,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// Run scans once immediately and then on every tick until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single scan and logs its outcome.
func (s *Scanner) RunOnce(ctx context.Context) consensus.ScanResult {
	result, err := s.publisher.ScanPendingProjects(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Info("publish scan interrupted", zap.Int("examined", result.Examined))
		} else {
			s.logger.Error("publish scan failed", zap.Error(err))
		}
		return result
	}
	s.metrics.ScanCompleted()
	s.logger.Debug("publish scan completed",
		zap.Int("examined", result.Examined),
		zap.Int("published", len(result.Published)),
		zap.Int("failed", len(result.Failures)))
	return result
}
