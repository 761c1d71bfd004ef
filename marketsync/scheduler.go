package marketsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/sellerdesk/marketbot_backend/models"
	"github.com/sirupsen/logrus"
)

// ErrSyncInFlight means another worker holds this cabinet's lock. The new
// cycle is skipped, not queued: the next trigger will pick the cabinet up.
var ErrSyncInFlight = errors.New("cabinet sync already in flight")

// Scheduler fans one trigger out over all active cabinets. Cabinets run in
// parallel under a bounded pool; each individual cabinet is serialized by a
// redis lock so two cycles can never race on the same rows.
type Scheduler struct {
	limiters *CategoryLimiters
	pipeline *NotificationPipeline
	monitor  *CredentialHealthMonitor
	logger   *logrus.Logger
}

func NewScheduler(sink DeliverySink, formatter Formatter) *Scheduler {
	settings := config.GetSyncSettings()
	limiters := NewCategoryLimiters(settings)
	pipeline := NewNotificationPipeline(sink, formatter, settings)
	return &Scheduler{
		limiters: limiters,
		pipeline: pipeline,
		monitor:  NewCredentialHealthMonitor(limiters, pipeline),
		logger:   config.GetLogger(),
	}
}

// RunCycle syncs every active cabinet and returns when all workers finished.
func (s *Scheduler) RunCycle(ctx context.Context) {
	settings := config.GetSyncSettings()

	cabinets, err := models.GetActiveCabinets(ctx)
	if err != nil {
		config.LogError(s.logger, "marketsync", "RunCycle", "list cabinets", nil, err)
		return
	}

	sem := make(chan struct{}, settings.WorkerPoolSize)
	var wg sync.WaitGroup
	for _, cabinet := range cabinets {
		cabinet := cabinet
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.SyncCabinet(ctx, cabinet.ID, models.SyncTriggeredSystem); err != nil && !errors.Is(err, ErrSyncInFlight) {
				config.LogError(s.logger, "marketsync", "RunCycle", "cabinet sync", cabinet.ID, err)
			}
		}()
	}
	wg.Wait()
}

// SyncCabinet runs one full cycle for one cabinet:
// lock -> credential check -> category pulls + detectors -> notifications.
func (s *Scheduler) SyncCabinet(ctx context.Context, cabinetId uint, triggeredBy string) error {
	settings := config.GetSyncSettings()

	release, err := s.obtainCabinetLock(ctx, cabinetId, settings.CycleTimeout)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, settings.CycleTimeout)
	defer cancel()

	cabinet, err := models.GetCabinetById(ctx, cabinetId)
	if err != nil {
		return err
	}

	health, err := s.monitor.ValidateAndCleanup(ctx, *cabinet)
	if err != nil {
		return err
	}
	if health == HealthInvalidRemoved {
		s.logger.WithFields(logrus.Fields{
			"module":    "marketsync",
			"cabinetId": cabinetId,
		}).Warn("cabinet removed after confirmed-invalid credential")
		return nil
	}

	report, err := RunCabinetSync(ctx, *cabinet, s.limiters)
	if err != nil {
		s.recordFailedCycle(cabinetId, err)
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		// committed category writes stay committed; the cycle itself failed
		s.recordFailedCycle(cabinetId, ctxErr)
		return ctxErr
	}

	dispatched, err := s.pipeline.Process(ctx, *cabinet, report.Events)
	if err != nil {
		config.LogError(s.logger, "marketsync", "SyncCabinet", "notify", cabinetId, err)
	}

	s.logger.WithFields(logrus.Fields{
		"module":      "marketsync",
		"cabinetId":   cabinetId,
		"triggeredBy": triggeredBy,
		"categories":  len(report.Categories),
		"errors":      report.ErrorCount(),
		"events":      len(report.Events),
		"dispatched":  dispatched,
	}).Info("cabinet sync cycle finished")
	return nil
}

// obtainCabinetLock serializes cycles per cabinet. With redis unavailable the
// helpers degrade to unlocked single-instance behavior; the in-process pool
// still never runs one cabinet twice concurrently because cycles are spawned
// from one RunCycle at a time.
func (s *Scheduler) obtainCabinetLock(ctx context.Context, cabinetId uint, ttl time.Duration) (func(), error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, nil
	}
	lock, err := locker.Obtain(ctx, fmt.Sprintf("sync:cabinet:%d", cabinetId), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrSyncInFlight
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if rerr := lock.Release(context.Background()); rerr != nil && !errors.Is(rerr, redislock.ErrLockNotHeld) {
			config.LogError(s.logger, "marketsync", "obtainCabinetLock", "release", cabinetId, rerr)
		}
	}, nil
}

func (s *Scheduler) recordFailedCycle(cabinetId uint, cause error) {
	// detached context: the cycle context may already be past its deadline
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	_ = models.RecordSyncLog(ctx, &models.SyncLog{
		CabinetId:    cabinetId,
		Category:     models.SyncCategoryCycle,
		Status:       models.SyncStatusError,
		ErrorMessage: cause.Error(),
		StartedAt:    now,
		FinishedAt:   &now,
	})
}
