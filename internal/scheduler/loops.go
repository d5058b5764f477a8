package scheduler

import (
	"time"
)

// sweeperLoop reclaims stale reservations at a fixed cadence. It never
// touches job records: a crashed dispatcher leaves its record behind, but
// the pool resources come back.
func (s *Scheduler) sweeperLoop() {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.cfg.SweeperInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.Info("Sweeper loop stopped")
			return

		case <-ticker.C:
			reclaimed := s.CleanStaleReservations(s.cfg.StaleReservationMaxAge.Std())
			stats := s.pools.Stats()
			s.logger.Info("Sweeper pass",
				"reclaimed", reclaimed,
				"ram_available_mb", stats.RAMAvailableMB,
				"ram_reservations", stats.RAMReservations,
				"disk_reservations", stats.DiskReservations,
				"queue_depth", stats.QueueDepth)
		}
	}
}

// queueLoop expires TTL'd queue entries and retries a drain. Expiry cannot
// ride only on releases: a pool that stays full never releases.
func (s *Scheduler) queueLoop() {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.cfg.QueueCheckInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.Info("Queue loop stopped")
			return

		case <-ticker.C:
			for _, e := range s.pools.ExpireQueue(time.Now(), s.cfg.QueueTimeout()) {
				s.failExpired(e)
			}
			s.drainQueue()
		}
	}
}
