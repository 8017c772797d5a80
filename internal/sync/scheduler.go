package sync

import (
	"log"
	gosync "sync"
	"time"

	"github.com/dayflowhq/dayflow-sync/internal/db"
)

const (
	cleanupInterval = 24 * time.Hour
	jobRetention    = 30 * 24 * time.Hour

	// Abandoned authorization states older than this are pruned.
	stateValidationWindow = 24 * time.Hour
)

// scheduledJob is one integration's recurring sync.
type scheduledJob struct {
	integrationID string
	interval      time.Duration
	ticker        *time.Ticker
	stopCh        chan struct{}
}

// Scheduler manages recurring background syncs, one per enabled
// integration. Each integration has its own lock so a slow run never
// stacks up behind itself; an interval that fires mid-run is skipped.
type Scheduler struct {
	db     *db.DB
	engine *Engine

	mu        gosync.RWMutex
	jobs      map[string]*scheduledJob
	syncLocks map[string]*gosync.Mutex
	wg        gosync.WaitGroup
	stopCh    chan struct{}
	started   bool
}

// NewScheduler creates a scheduler.
func NewScheduler(database *db.DB, engine *Engine) *Scheduler {
	return &Scheduler{
		db:        database,
		engine:    engine,
		jobs:      make(map[string]*scheduledJob),
		syncLocks: make(map[string]*gosync.Mutex),
		stopCh:    make(chan struct{}),
	}
}

// Start loads all enabled integrations and begins their recurring syncs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	integrations, err := s.db.GetEnabledIntegrations()
	if err != nil {
		return err
	}

	scheduled := 0
	for _, ui := range integrations {
		// Manual integrations only sync on explicit trigger.
		if ui.SyncDirection == db.SyncDirectionManual {
			continue
		}
		s.AddJob(ui.ID, time.Duration(ui.SyncInterval)*time.Second)
		scheduled++
	}

	s.wg.Add(1)
	go s.cleanupRoutine()

	log.Printf("Scheduler started with %d jobs", scheduled)
	return nil
}

// Stop gracefully shuts down all jobs and waits for in-flight syncs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false

	close(s.stopCh)
	for _, job := range s.jobs {
		close(job.stopCh)
		job.ticker.Stop()
	}
	s.jobs = make(map[string]*scheduledJob)
	s.mu.Unlock()

	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// AddJob adds or replaces the recurring sync for an integration.
func (s *Scheduler) AddJob(integrationID string, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[integrationID]; ok {
		close(existing.stopCh)
		existing.ticker.Stop()
	}

	job := &scheduledJob{
		integrationID: integrationID,
		interval:      interval,
		ticker:        time.NewTicker(interval),
		stopCh:        make(chan struct{}),
	}
	s.jobs[integrationID] = job

	s.wg.Add(1)
	go s.runJob(job)

	log.Printf("Added sync job for integration %s with interval %v", integrationID, interval)
}

// RemoveJob removes the recurring sync for an integration.
func (s *Scheduler) RemoveJob(integrationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[integrationID]; ok {
		close(job.stopCh)
		job.ticker.Stop()
		delete(s.jobs, integrationID)
		log.Printf("Removed sync job for integration %s", integrationID)
	}
}

// UpdateJobInterval changes the interval of an existing job.
func (s *Scheduler) UpdateJobInterval(integrationID string, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[integrationID]; ok {
		job.ticker.Stop()
		job.interval = interval
		job.ticker = time.NewTicker(interval)
		log.Printf("Updated sync interval for integration %s to %v", integrationID, interval)
	}
}

// JobCount returns the number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Scheduler) runJob(job *scheduledJob) {
	defer s.wg.Done()

	// First run happens immediately so a new integration does not wait a
	// full interval for its initial sync.
	s.executeSync(job.integrationID)

	for {
		select {
		case <-s.stopCh:
			return
		case <-job.stopCh:
			return
		case <-job.ticker.C:
			s.executeSync(job.integrationID)
		}
	}
}

func (s *Scheduler) syncLock(integrationID string) *gosync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.syncLocks[integrationID]; ok {
		return lock
	}
	lock := &gosync.Mutex{}
	s.syncLocks[integrationID] = lock
	return lock
}

func (s *Scheduler) executeSync(integrationID string) {
	lock := s.syncLock(integrationID)
	if !lock.TryLock() {
		log.Printf("Skipping sync for integration %s - another sync is already in progress", integrationID)
		return
	}
	defer lock.Unlock()

	ui, err := s.db.GetUserIntegrationByID(integrationID)
	if err != nil {
		log.Printf("Failed to get integration %s: %v", integrationID, err)
		return
	}
	if !ui.Enabled {
		return
	}

	kind := db.JobIncrementalSync
	if ui.LastSyncAt == nil {
		kind = db.JobFullSync
	}

	if _, err := s.engine.RunSync(integrationID, kind); err != nil {
		log.Printf("Scheduled sync failed for integration %s: %v", integrationID, err)
	}
}

// cleanupRoutine periodically prunes old job rows, delivered webhook
// payloads, and abandoned OAuth states.
func (s *Scheduler) cleanupRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	s.cleanup()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Scheduler) cleanup() {
	if n, err := s.db.CleanupOldJobs(jobRetention); err != nil {
		log.Printf("Failed to clean up old sync jobs: %v", err)
	} else if n > 0 {
		log.Printf("Cleaned up %d old sync jobs", n)
	}
	if n, err := s.db.CleanupOldDeliveries(jobRetention); err != nil {
		log.Printf("Failed to clean up old webhook deliveries: %v", err)
	} else if n > 0 {
		log.Printf("Cleaned up %d old webhook deliveries", n)
	}
	if _, err := s.db.DeleteExpiredOAuthStates(stateValidationWindow); err != nil {
		log.Printf("Failed to clean up expired oauth states: %v", err)
	}
}
