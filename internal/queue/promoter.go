package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratexbot/stratex/internal/lockstore"
	"github.com/stratexbot/stratex/internal/metrics"
)

// Promoter is the background loop that drains queues as slots free up. One
// promotion per user per cycle keeps a burst of closures from flooding the
// exchange with simultaneous entries.
type Promoter struct {
	queue    *Manager
	locks    *lockstore.Store
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPromoter(queue *Manager, locks *lockstore.Store, interval time.Duration) *Promoter {
	return &Promoter{
		queue:    queue,
		locks:    locks,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (p *Promoter) Start() {
	p.wg.Add(1)
	go p.loop()
	log.Info().Dur("interval", p.interval).Msg("🔁 Queue promoter started")
}

func (p *Promoter) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	log.Info().Msg("Queue promoter stopped")
}

func (p *Promoter) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.RunOnce(context.Background())
		}
	}
}

// RunOnce visits every user with waiting signals and promotes at most one
// per user. Exposed for the operator run-now verb and tests.
func (p *Promoter) RunOnce(ctx context.Context) {
	users, err := p.queue.db.UsersWithQueuedSignals()
	if err != nil {
		log.Error().Err(err).Msg("Queue promoter: list users failed")
		return
	}

	for _, userID := range users {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if _, err := p.queue.PromoteHighestPriority(ctx, userID); err != nil {
			log.Error().Err(err).Uint("user_id", userID).Msg("Queue promotion failed")
		}
	}

	if depth, err := p.queue.db.QueueDepth(0); err == nil {
		metrics.SetQueueDepth(depth)
	}
	if p.locks != nil {
		if err := p.locks.Beat("queue-promoter", 3*p.interval); err != nil {
			log.Warn().Err(err).Msg("Queue promoter heartbeat failed")
		}
	}
}
