package service

import (
	"context"
	"time"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// Sweeper periodically removes challenges past their expiry. Expired
// challenges are already rejected at verify time; the sweep only reclaims
// storage, so a missed tick costs nothing but disk.
type Sweeper struct {
	repo     model.ChallengeRepository
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSweeper(repo model.ChallengeRepository, interval time.Duration) *Sweeper {
	return &Sweeper{
		repo:     repo,
		interval: interval,
	}
}

// Start launches the sweep loop. Call Stop to shut it down.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)

	util.Info("expiry sweeper started", util.Duration("interval", s.interval))
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	deleted, err := s.repo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		util.Warn("expiry sweep failed", util.ErrorField(err))
		return
	}
	if deleted > 0 {
		util.Info("expiry sweep completed", util.Int("deleted", deleted))
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	util.Info("expiry sweeper stopped")
}
