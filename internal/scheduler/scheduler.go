// File: internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/infra/logging"
	"price-direction-ml/internal/infra/metrics"
)

// jobKey identifies the one queued-or-active slot an (asset, model) pair may
// occupy.
type jobKey struct {
	asset string
	model model.ModelKind
}

func jobKeyOf(job model.TrainingJob) jobKey {
	return jobKey{asset: job.Asset, model: job.Model}
}

type Config struct {
	MaxConcurrent int
	Cooldown      time.Duration
	RetryDelay    time.Duration
	PollInterval  time.Duration
	MaxHistory    int
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 200
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

type EnqueueOptions struct {
	Priority    int // 1 highest .. 10 lowest, 0 means default
	MaxAttempts int
	Config      model.TrainingConfig
}

// Admission is the answer to a CanTrain query.
type Admission struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

type CooldownStatus struct {
	Asset       string
	Model       model.ModelKind
	CompletedAt time.Time
	Remaining   time.Duration
}

// Status is a point-in-time snapshot. All slices hold copies.
type Status struct {
	Active     []model.TrainingJob
	Queued     []model.TrainingJob
	History    []model.TrainingJob // newest first
	Cooldowns  []CooldownStatus
	Processing bool
}

// Scheduler admits, queues and runs training jobs. One (asset, model) pair
// holds at most one queued-or-active slot; the active set size is the sole
// concurrency gate. All job state lives in containers owned by the scheduler
// and moves between them by value.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	queue     jobQueue
	queued    map[jobKey]string // key -> queued job id
	active    map[jobKey]model.TrainingJob
	activeIDs map[string]jobKey
	cooldowns map[jobKey]time.Time // last completion per pair
	history   []model.TrainingJob
	polling   bool
	started   bool
	emergency bool
	shutdown  bool

	runCtx    context.Context
	runCancel context.CancelFunc

	stop chan struct{}
	wg   sync.WaitGroup // poll loop and retry timers
	jobs sync.WaitGroup // executing callbacks
}

func New(cfg Config, logger *zerolog.Logger) *Scheduler {
	cfg.applyDefaults()
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		logger:    logger.With().Str("component", "training_scheduler").Logger(),
		queued:    make(map[jobKey]string),
		active:    make(map[jobKey]model.TrainingJob),
		activeIDs: make(map[string]jobKey),
		cooldowns: make(map[jobKey]time.Time),
		runCtx:    runCtx,
		runCancel: runCancel,
		stop:      make(chan struct{}),
	}
}

// Start launches the admission poll loop. Stop it with Shutdown.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pollLoop()
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()
	s.logger.Info().Dur("interval", s.cfg.PollInterval).
		Int("max_concurrent", s.cfg.MaxConcurrent).Msg("training scheduler started")
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.poll()
	for {
		select {
		case <-s.stop:
			s.logger.Info().Msg("training scheduler stopped")
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

// Enqueue admits one training job. Duplicate (asset, model) pairs and pairs
// still cooling down are refused with an AdmissionError.
func (s *Scheduler) Enqueue(assetID string, kind model.ModelKind, fn model.TrainFunc, opts EnqueueOptions) (string, error) {
	asset := strings.ToUpper(strings.TrimSpace(assetID))
	if asset == "" || kind == "" || fn == nil {
		return "", fmt.Errorf("enqueue: %w", domain.ErrInvalidArgument)
	}
	key := jobKey{asset: asset, model: kind}
	now := time.Now()

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return "", domain.ErrShuttingDown
	}
	if s.emergency {
		s.mu.Unlock()
		return "", domain.ErrEmergencyStopped
	}
	if _, dup := s.queued[key]; dup {
		s.mu.Unlock()
		return "", &domain.AdmissionError{Asset: asset, Model: string(kind), Reason: domain.ErrAlreadyQueued}
	}
	if _, dup := s.active[key]; dup {
		s.mu.Unlock()
		return "", &domain.AdmissionError{Asset: asset, Model: string(kind), Reason: domain.ErrAlreadyQueued}
	}
	if remaining, cooling := s.cooldownLeftLocked(key, now); cooling {
		s.mu.Unlock()
		return "", &domain.AdmissionError{
			Asset: asset, Model: string(kind),
			Reason: domain.ErrCooldownActive, RetryAfter: remaining,
		}
	}

	job := model.TrainingJob{
		ID:          uuid.NewString(),
		Asset:       asset,
		Model:       kind,
		Priority:    clampPriority(opts.Priority),
		Status:      model.JobStatusQueued,
		Config:      opts.Config,
		Callback:    fn,
		MaxAttempts: opts.MaxAttempts,
		QueuedAt:    now,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 2
	}
	s.queue.push(job)
	s.queued[key] = job.ID
	depth := s.queue.Len()
	started := s.started
	s.mu.Unlock()

	metrics.IncJob(string(kind), "enqueued")
	metrics.SetQueueDepth(depth)
	s.logger.Info().Str("job_id", job.ID).Str("asset", asset).Str("model", string(kind)).
		Int("priority", job.Priority).Msg("training job enqueued")

	if started {
		s.poll()
	}
	return job.ID, nil
}

func clampPriority(p int) int {
	switch {
	case p == 0:
		return model.PriorityDefault
	case p < model.PriorityHighest:
		return model.PriorityHighest
	case p > model.PriorityLowest:
		return model.PriorityLowest
	}
	return p
}

// poll admits at most one queued job. Single-flight: a poll that finds
// another in progress, a full active set or an empty queue is a no-op. The
// cooldown is re-validated here because a completion may have stamped the
// pair after the job entered the queue; the race at exact expiry is accepted.
func (s *Scheduler) poll() {
	now := time.Now()

	s.mu.Lock()
	if s.polling || !s.started || s.emergency || s.shutdown {
		s.mu.Unlock()
		return
	}
	if len(s.active) >= s.cfg.MaxConcurrent || s.queue.Len() == 0 {
		s.mu.Unlock()
		return
	}
	s.polling = true
	defer func() { s.polling = false; s.mu.Unlock() }()

	job, ok := s.queue.pop()
	if !ok {
		return
	}
	key := jobKeyOf(job)
	delete(s.queued, key)

	if remaining, cooling := s.cooldownLeftLocked(key, now); cooling {
		job.Priority = demote(job.Priority)
		s.queue.push(job)
		s.queued[key] = job.ID
		s.logger.Debug().Str("job_id", job.ID).Str("asset", job.Asset).Str("model", string(job.Model)).
			Dur("remaining", remaining).Int("priority", job.Priority).
			Msg("cooldown became active while queued, job demoted and requeued")
		return
	}

	startedAt := time.Now()
	job.Status = model.JobStatusTraining
	job.StartedAt = &startedAt
	job.Attempts++
	s.active[key] = job
	s.activeIDs[job.ID] = key
	runCtx := s.runCtx

	metrics.SetActiveJobs(len(s.active))
	metrics.SetQueueDepth(s.queue.Len())

	s.jobs.Add(1)
	go s.execute(runCtx, job)
}

// demote lowers a priority by one step, capped at the lowest priority.
func demote(p int) int {
	if p >= model.PriorityLowest {
		return model.PriorityLowest
	}
	return p + 1
}

func (s *Scheduler) cooldownLeftLocked(key jobKey, now time.Time) (time.Duration, bool) {
	last, ok := s.cooldowns[key]
	if !ok || s.cfg.Cooldown <= 0 {
		return 0, false
	}
	remaining := last.Add(s.cfg.Cooldown).Sub(now)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

func (s *Scheduler) execute(ctx context.Context, job model.TrainingJob) {
	defer s.jobs.Done()
	ctx = logging.WithJobID(ctx, job.ID)
	log := s.logger.With().Str("job_id", job.ID).Str("asset", job.Asset).
		Str("model", string(job.Model)).Logger()
	log.Info().Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).Msg("training started")

	start := time.Now()
	_, err := job.Callback(ctx, job.Asset, job.Model, job.Config)
	elapsed := time.Since(start)

	if err != nil {
		s.onFailure(job, err, elapsed, &log)
		return
	}
	s.onSuccess(job, elapsed, &log)
}

func (s *Scheduler) onSuccess(job model.TrainingJob, elapsed time.Duration, log *zerolog.Logger) {
	now := time.Now()
	key := jobKeyOf(job)

	s.mu.Lock()
	current, ok := s.active[key]
	if !ok || current.ID != job.ID {
		// Force-cleared during shutdown; already recorded in history.
		s.mu.Unlock()
		return
	}
	delete(s.active, key)
	delete(s.activeIDs, current.ID)
	if !current.Status.Terminal() {
		current.Status = model.JobStatusCompleted
		current.CompletedAt = &now
		s.cooldowns[key] = now
	}
	s.pushHistoryLocked(current)
	act := len(s.active)
	s.mu.Unlock()

	metrics.IncJob(string(job.Model), "completed")
	metrics.ObserveTraining(string(job.Model), elapsed.Seconds(), true)
	metrics.SetActiveJobs(act)
	log.Info().Dur("duration", elapsed).Msg("training completed")

	s.poll()
}

func (s *Scheduler) onFailure(job model.TrainingJob, cause error, elapsed time.Duration, log *zerolog.Logger) {
	now := time.Now()
	key := jobKeyOf(job)

	s.mu.Lock()
	current, ok := s.active[key]
	if !ok || current.ID != job.ID {
		s.mu.Unlock()
		return
	}
	delete(s.active, key)
	delete(s.activeIDs, current.ID)
	current.LastError = cause.Error()

	switch {
	case current.Status.Terminal():
		// Flagged by emergency stop; record the failure as-is.
		s.pushHistoryLocked(current)
		s.mu.Unlock()
		metrics.SetActiveJobs(len(s.active))

	case current.Status == model.JobStatusCancelling:
		current.Status = model.JobStatusCancelled
		current.CompletedAt = &now
		s.pushHistoryLocked(current)
		act := len(s.active)
		s.mu.Unlock()
		metrics.IncJob(string(job.Model), "cancelled")
		metrics.SetActiveJobs(act)
		log.Warn().Err(cause).Msg("cancelled job failed, not retried")

	case current.Attempts < current.MaxAttempts:
		retry := current
		retry.Status = model.JobStatusQueued
		retry.Priority = demote(retry.Priority)
		retry.StartedAt = nil
		act := len(s.active)
		s.mu.Unlock()
		metrics.IncJob(string(job.Model), "retried")
		metrics.ObserveTraining(string(job.Model), elapsed.Seconds(), false)
		metrics.SetActiveJobs(act)
		log.Warn().Err(cause).Int("attempt", retry.Attempts).Dur("delay", s.cfg.RetryDelay).
			Int("priority", retry.Priority).Msg("training failed, retry scheduled")
		s.scheduleRetry(retry)

	default:
		current.Status = model.JobStatusFailedPermanent
		current.CompletedAt = &now
		s.pushHistoryLocked(current)
		act := len(s.active)
		s.mu.Unlock()
		metrics.IncJob(string(job.Model), "failed")
		metrics.ObserveTraining(string(job.Model), elapsed.Seconds(), false)
		metrics.SetActiveJobs(act)
		log.Error().Err(cause).Int("attempts", current.Attempts).Msg("training failed permanently")
	}

	s.poll()
}

// scheduleRetry requeues a failed job after the retry delay. The timer is
// bound to the scheduler: shutdown releases it without requeueing.
func (s *Scheduler) scheduleRetry(job model.TrainingJob) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.requeue(job)
		case <-s.stop:
		}
	}()
}

func (s *Scheduler) requeue(job model.TrainingJob) {
	key := jobKeyOf(job)
	now := time.Now()

	s.mu.Lock()
	if s.shutdown || s.emergency {
		job.Status = model.JobStatusCancelled
		job.CancelReason = "scheduler stopped before retry"
		job.CompletedAt = &now
		s.pushHistoryLocked(job)
		s.mu.Unlock()
		return
	}
	if _, dup := s.queued[key]; dup {
		s.supersededLocked(job, now)
		return
	}
	if _, dup := s.active[key]; dup {
		s.supersededLocked(job, now)
		return
	}
	s.queue.push(job)
	s.queued[key] = job.ID
	depth := s.queue.Len()
	s.mu.Unlock()

	metrics.SetQueueDepth(depth)
	s.logger.Info().Str("job_id", job.ID).Str("asset", job.Asset).Str("model", string(job.Model)).
		Int("attempt", job.Attempts).Msg("failed job requeued for retry")
	s.poll()
}

// supersededLocked records a retry that lost its slot to a newer job.
// Releases the scheduler mutex.
func (s *Scheduler) supersededLocked(job model.TrainingJob, now time.Time) {
	job.Status = model.JobStatusCancelled
	job.CancelReason = "superseded by a newer job"
	job.CompletedAt = &now
	s.pushHistoryLocked(job)
	s.mu.Unlock()
	s.logger.Warn().Str("job_id", job.ID).Str("asset", job.Asset).Str("model", string(job.Model)).
		Msg("retry dropped, pair already queued or training")
}

// Cancel removes a queued job or flags an active one. Flagging is advisory:
// the callback keeps running and its side effects are not undone.
func (s *Scheduler) Cancel(jobID, reason string) bool {
	now := time.Now()

	s.mu.Lock()
	if job, ok := s.queue.removeByID(jobID); ok {
		delete(s.queued, jobKeyOf(job))
		job.Status = model.JobStatusCancelled
		job.CancelReason = reason
		job.CompletedAt = &now
		s.pushHistoryLocked(job)
		depth := s.queue.Len()
		s.mu.Unlock()
		metrics.IncJob(string(job.Model), "cancelled")
		metrics.SetQueueDepth(depth)
		s.logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("queued job cancelled")
		return true
	}
	if key, ok := s.activeIDs[jobID]; ok {
		job := s.active[key]
		if job.Status == model.JobStatusTraining {
			job.Status = model.JobStatusCancelling
			job.CancelReason = reason
			s.active[key] = job
		}
		s.mu.Unlock()
		s.logger.Info().Str("job_id", jobID).Str("reason", reason).
			Msg("active job flagged for cancellation, execution continues")
		return true
	}
	s.mu.Unlock()
	return false
}

// CanTrain is a pure admission query with no side effects.
func (s *Scheduler) CanTrain(assetID string, kind model.ModelKind) Admission {
	key := jobKey{asset: strings.ToUpper(strings.TrimSpace(assetID)), model: kind}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.shutdown:
		return Admission{Reason: "scheduler is shutting down"}
	case s.emergency:
		return Admission{Reason: "scheduler is emergency stopped"}
	}
	if _, dup := s.queued[key]; dup {
		return Admission{Reason: "already queued or training"}
	}
	if _, dup := s.active[key]; dup {
		return Admission{Reason: "already queued or training"}
	}
	if remaining, cooling := s.cooldownLeftLocked(key, now); cooling {
		return Admission{Reason: "cooldown active", RetryAfter: remaining}
	}
	return Admission{Allowed: true}
}

// Status returns a snapshot of every owned container.
func (s *Scheduler) Status() Status {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Active:     make([]model.TrainingJob, 0, len(s.active)),
		Queued:     s.queue.snapshot(),
		History:    make([]model.TrainingJob, 0, len(s.history)),
		Cooldowns:  make([]CooldownStatus, 0, len(s.cooldowns)),
		Processing: s.started && !s.shutdown && !s.emergency,
	}
	for _, job := range s.active {
		st.Active = append(st.Active, job)
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		st.History = append(st.History, s.history[i])
	}
	for key, last := range s.cooldowns {
		remaining := last.Add(s.cfg.Cooldown).Sub(now)
		if remaining <= 0 {
			continue
		}
		st.Cooldowns = append(st.Cooldowns, CooldownStatus{
			Asset:       key.asset,
			Model:       key.model,
			CompletedAt: last,
			Remaining:   remaining,
		})
	}
	return st
}

// EmergencyStop cancels every queued job and flags active ones without
// killing their execution. Admission stays refused until Resume.
func (s *Scheduler) EmergencyStop(reason string) {
	now := time.Now()

	s.mu.Lock()
	if s.emergency || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.emergency = true
	drained := s.queue.drain()
	for _, job := range drained {
		job.Status = model.JobStatusCancelled
		job.CancelReason = reason
		job.CompletedAt = &now
		s.pushHistoryLocked(job)
	}
	s.queued = make(map[jobKey]string)
	for key, job := range s.active {
		job.Status = model.JobStatusEmergencyStopped
		job.CancelReason = reason
		s.active[key] = job
	}
	flagged := len(s.active)
	s.runCancel()
	s.mu.Unlock()

	metrics.SetQueueDepth(0)
	s.logger.Warn().Str("reason", reason).Int("cancelled", len(drained)).
		Int("flagged_active", flagged).Msg("emergency stop")
}

// Resume lifts an emergency stop.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if !s.emergency || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.emergency = false
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	s.logger.Info().Msg("scheduler resumed")
}

// Shutdown stops admission and the poll loop, waits up to the shutdown grace
// (bounded by ctx) for active jobs, then force-clears whatever remains.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	wasStarted := s.started
	s.mu.Unlock()

	s.logger.Info().Msg("scheduler shutdown initiated")
	if wasStarted {
		close(s.stop)
	}
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info().Msg("all active jobs finished")
	case <-timer.C:
		s.forceClear("shutdown grace expired")
	case <-ctx.Done():
		s.forceClear("shutdown context cancelled")
	}
	return nil
}

// forceClear records every still-active job as emergency_stopped and empties
// the active set. The callbacks themselves are not killed; their completions
// find no slot and record nothing further.
func (s *Scheduler) forceClear(reason string) {
	now := time.Now()

	s.mu.Lock()
	s.runCancel()
	cleared := len(s.active)
	for key, job := range s.active {
		job.Status = model.JobStatusEmergencyStopped
		job.CancelReason = reason
		job.CompletedAt = &now
		s.pushHistoryLocked(job)
		delete(s.active, key)
		delete(s.activeIDs, job.ID)
	}
	s.mu.Unlock()

	metrics.SetActiveJobs(0)
	if cleared > 0 {
		s.logger.Warn().Int("jobs", cleared).Str("reason", reason).
			Msg("active jobs force-cleared at shutdown")
	}
}

// pushHistoryLocked appends a terminal job to the bounded history ring. The
// callback reference is dropped so history does not pin closures.
func (s *Scheduler) pushHistoryLocked(job model.TrainingJob) {
	job.Callback = nil
	s.history = append(s.history, job)
	if n := len(s.history) - s.cfg.MaxHistory; n > 0 {
		s.history = append([]model.TrainingJob(nil), s.history[n:]...)
	}
}
