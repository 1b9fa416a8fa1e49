// Package retention periodically prunes closed rooms from the activity ledger.
package retention

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Interval time.Duration
	// Closed rooms older than this are deleted along with their events
	MaxAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		MaxAge:   7 * 24 * time.Hour,
	}
}

// Pruner is the subset of db.Database the service needs
type Pruner interface {
	PruneClosedBefore(cutoff time.Time) (int64, error)
}

type Service struct {
	store  Pruner
	config Config
	logger zerolog.Logger
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store Pruner, config Config, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		config: config,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().
		Dur("interval", s.config.Interval).
		Dur("max_age", s.config.MaxAge).
		Msg("retention service started")
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info().Msg("retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.PruneNow()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.PruneNow()
		}
	}
}

// PruneNow runs one pruning pass and returns the number of rooms removed
func (s *Service) PruneNow() int64 {
	cutoff := s.now().Add(-s.config.MaxAge)
	n, err := s.store.PruneClosedBefore(cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prune closed rooms")
		return 0
	}
	if n > 0 {
		s.logger.Info().Int64("rooms", n).Time("cutoff", cutoff).Msg("pruned closed rooms")
	}
	return n
}
