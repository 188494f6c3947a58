package billing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/avisio/paidup/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
)

const (
	defaultRenewalInterval = time.Hour
	defaultPendingTimeout  = 72 * time.Hour
	defaultPollWaitWindow  = 15 * time.Minute
	tickTimeout            = 10 * time.Minute
)

// Scheduler is the single long-lived background writer next to the webhook
// reconciler. Each tick it expires stale pending records, polls unconfirmed
// payments, drives due renewals and lapses expired accounts.
type Scheduler struct {
	service *Service

	renewalInterval time.Duration
	pendingTimeout  time.Duration
	pollWaitWindow  time.Duration

	renewalTicker *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewScheduler creates a renewal scheduler around a billing service.
func NewScheduler(service *Service) *Scheduler {
	return &Scheduler{
		service:         service,
		renewalInterval: durationFromEnv("BILLING_RENEWAL_INTERVAL_MINUTES", defaultRenewalInterval),
		pendingTimeout:  durationFromEnv("BILLING_PENDING_TIMEOUT_MINUTES", defaultPendingTimeout),
		pollWaitWindow:  durationFromEnv("BILLING_POLL_WAIT_MINUTES", defaultPollWaitWindow),
	}
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return def
	}
	return time.Duration(minutes) * time.Minute
}

// Start launches the renewal worker.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	// Recreate stop channel for each start cycle so the scheduler can be
	// restarted safely.
	s.stopCh = make(chan struct{})
	s.running = true
	log.Infof("[Billing Scheduler] Starting renewal worker (interval: %s)", s.renewalInterval)

	s.renewalTicker = time.NewTicker(s.renewalInterval)
	s.wg.Add(1)
	go s.renewalWorker()
}

// Stop stops the background worker and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	log.Info("[Billing Scheduler] Stopping renewal worker...")

	if s.renewalTicker != nil {
		s.renewalTicker.Stop()
	}

	close(s.stopCh)
	s.running = false

	s.wg.Wait()

	log.Info("[Billing Scheduler] Stopped successfully")
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) renewalWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			log.Info("[Billing Scheduler] Renewal worker stopping")
			return
		case <-s.renewalTicker.C:
			s.RunTickOnce()
		}
	}
}

// RunTickOnce executes a single scheduler tick. Exposed so an operator can
// trigger it manually.
func (s *Scheduler) RunTickOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	if deleted, err := s.service.ExpireStalePending(ctx, s.pendingTimeout); err != nil {
		log.Errorf("[Billing Scheduler] stale-pending expiry failed: %v", err)
	} else if deleted > 0 {
		log.Infof("[Billing Scheduler] deleted %d stale pending record(s)", deleted)
	}

	if err := s.service.PollPendingPayments(ctx, s.pollWaitWindow); err != nil {
		log.Errorf("[Billing Scheduler] pending payment polling failed: %v", err)
	}

	if err := s.service.ProcessDueRenewals(ctx); err != nil {
		log.Errorf("[Billing Scheduler] due-renewal processing failed: %v", err)
	}

	if expired, err := s.service.ExpireLapsedAccounts(ctx); err != nil {
		log.Errorf("[Billing Scheduler] lapsed-account expiry failed: %v", err)
	} else if expired > 0 {
		log.Infof("[Billing Scheduler] expired %d lapsed account(s)", expired)
	}
}
