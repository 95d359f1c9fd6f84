// Package worker runs the claim-execute-finalize loop of a bridgemq server.
//
// A worker registers itself in one or more meshes, polls their queues for
// eligible jobs, dispatches them to type-keyed handlers and reports the
// outcome back through the broker scripts. Execution locks are renewed in the
// background so the stall detector leaves long-running handlers alone.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/job"
	"github.com/bridgemq/bridgemq/pkg/retry"
)

// Handler executes one job and reports the explicit outcome.
type Handler func(ctx context.Context, j *job.Job) job.Outcome

// Local hook event names.
const (
	EventStarted     = "worker.started"
	EventStopped     = "worker.stopped"
	EventJobStart    = "job.start"
	EventJobComplete = "job.complete"
	EventJobFail     = "job.fail"
)

// Hook observes local worker lifecycle events, synchronously.
// j and err are nil for the worker-scoped events.
type Hook func(event string, j *job.Job, err error)

// Options stores the worker settings.
// Only pass by value, not reference.
type Options struct {
	// ServerID identifies this process in the registry and the active set.
	ServerID string
	// MeshIDs lists the meshes to claim from, in claim order.
	MeshIDs []string
	// Stack, Capabilities and Region are matched against job targets.
	Stack        string
	Capabilities []string
	Region       string
	// Concurrency bounds the number of in-flight handlers.
	Concurrency int
	// PollInterval paces the claim loop when the queues are empty.
	PollInterval time.Duration
	// ClaimsPerSecond rate-limits claim attempts. Zero disables the limiter.
	ClaimsPerSecond float64
	// HeartbeatInterval refreshes the registry entry TTL.
	HeartbeatInterval time.Duration
	// ShutdownTimeout bounds the drain of in-flight handlers.
	ShutdownTimeout time.Duration
}

// DefaultOptions to start with.
var DefaultOptions = Options{
	Concurrency:       8,
	PollInterval:      100 * time.Millisecond,
	HeartbeatInterval: 30 * time.Second,
	ShutdownTimeout:   30 * time.Second,
}

// Worker claims and executes jobs from the broker.
type Worker struct {
	// Modules
	Broker *broker.Client
	Log    *zap.Logger
	// Settings
	Options *Options
	Metrics *Metrics
	// OnEvent, when set, receives local lifecycle events.
	OnEvent Hook

	mu       sync.RWMutex
	handlers map[string]Handler
	inflight int64
	wg       sync.WaitGroup
}

// New builds a worker. Register handlers before calling Run.
func New(b *broker.Client, log *zap.Logger, opts *Options) *Worker {
	return &Worker{
		Broker:   b,
		Log:      log,
		Options:  opts,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Registering the same type twice
// replaces the previous handler.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

func (w *Worker) emit(event string, j *job.Job, err error) {
	if w.OnEvent != nil {
		w.OnEvent(event, j, err)
	}
}

// Run registers the server and executes the claim loop until ctx is
// cancelled, then drains in-flight handlers and deregisters.
func (w *Worker) Run(ctx context.Context) error {
	if w.Options.ServerID == "" {
		return fmt.Errorf("worker requires a server ID")
	}
	if err := w.Broker.RegisterServer(ctx, broker.ServerInfo{
		ServerID:     w.Options.ServerID,
		Stack:        w.Options.Stack,
		Capabilities: w.Options.Capabilities,
		MeshIDs:      w.Options.MeshIDs,
		Region:       w.Options.Region,
	}); err != nil {
		return fmt.Errorf("failed to register server: %w", err)
	}
	w.Log.Info("Worker started",
		zap.String("server", w.Options.ServerID),
		zap.Strings("meshes", w.Options.MeshIDs))
	w.emit(EventStarted, nil, nil)

	// Handlers finish on their own clock, detached from the claim context.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()

	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(ctx, heartbeatDone)

	var limiter *rate.Limiter
	if w.Options.ClaimsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(w.Options.ClaimsPerSecond), 1)
	}

	ticker := time.NewTicker(w.Options.PollInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
		// Claim until the queues run dry or capacity is reached.
		for atomic.LoadInt64(&w.inflight) < int64(w.Options.Concurrency) {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					break loop
				}
			}
			claimed, err := w.claimOnce(ctx, execCtx)
			if err != nil {
				w.Log.Error("Claim failed", zap.Error(err))
				break
			}
			if !claimed {
				break
			}
		}
	}

	w.shutdown(execCancel)
	<-heartbeatDone
	w.emit(EventStopped, nil, nil)
	return ctx.Err()
}

// claimOnce polls each mesh once and spawns execution for the first claim.
func (w *Worker) claimOnce(ctx, execCtx context.Context) (bool, error) {
	for _, meshID := range w.Options.MeshIDs {
		jobID, err := w.Broker.EvalClaimJob(ctx, broker.ClaimParams{
			MeshID:       meshID,
			ServerID:     w.Options.ServerID,
			Capabilities: w.Options.Capabilities,
			Stack:        w.Options.Stack,
			Region:       w.Options.Region,
			Now:          job.UnixMilli(time.Now()),
		})
		if err != nil {
			return false, err
		}
		if jobID == "" {
			continue
		}
		if w.Metrics != nil {
			w.Metrics.claims.Add(ctx, 1)
		}
		atomic.AddInt64(&w.inflight, 1)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer atomic.AddInt64(&w.inflight, -1)
			w.execute(execCtx, jobID)
		}()
		return true, nil
	}
	return false, nil
}

func (w *Worker) shutdown(execCancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.Options.ShutdownTimeout):
		w.Log.Warn("Drain timed out, aborting in-flight handlers")
		execCancel()
		<-done
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Broker.DeregisterServer(shutCtx, w.Options.ServerID, w.Options.MeshIDs); err != nil {
		w.Log.Error("Failed to deregister server", zap.Error(err))
	}
	w.Log.Info("Worker stopped", zap.String("server", w.Options.ServerID))
}

func (w *Worker) heartbeatLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.Options.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load := atomic.LoadInt64(&w.inflight)
			if err := w.Broker.Heartbeat(ctx, w.Options.ServerID, load); err != nil {
				w.Log.Error("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

// execute runs one claimed job to a terminal decision.
func (w *Worker) execute(ctx context.Context, jobID string) {
	log := w.Log.With(zap.String("job", jobID))
	j, err := w.Broker.GetJob(ctx, jobID)
	if err != nil {
		// Claimed but unreadable. Send it back through the retry path so
		// the claim lock does not linger until the stall detector runs.
		log.Error("Failed to read claimed job", zap.Error(err))
		w.finishRetry(ctx, jobID, job.HistoryEntry{
			Code:      job.CodeReadFailure,
			Message:   err.Error(),
			Timestamp: job.UnixMilli(time.Now()),
		}, log)
		return
	}
	log = log.With(zap.String("type", j.Type))
	w.emit(EventJobStart, j, nil)

	h, ok := w.handler(j.Type)
	if !ok {
		log.Warn("No handler for job type")
		w.finishFail(ctx, j, job.NewError(job.CodeHandlerMissing,
			"no handler registered for type %q", j.Type), log)
		return
	}

	renewStop := make(chan struct{})
	go w.renewLoop(ctx, jobID, renewStop)
	outcome := w.invoke(ctx, h, j)
	close(renewStop)

	switch outcome.Kind {
	case job.OutcomeSuccess:
		w.finishSuccess(ctx, j, outcome.Result, log)
	case job.OutcomeRetry:
		if j.Config.Retry.RetryEnabled() && retry.Eligible(outcome.Err) {
			w.finishRetry(ctx, jobID, w.entryFor(j, outcome.Err), log)
		} else {
			w.finishFail(ctx, j, outcome.Err, log)
		}
	case job.OutcomeFail:
		w.finishFail(ctx, j, outcome.Err, log)
	}
}

// invoke calls the handler with panic containment.
func (w *Worker) invoke(ctx context.Context, h Handler, j *job.Job) (out job.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("Handler panicked",
				zap.String("job", j.ID), zap.Any("panic", r))
			out = job.Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, j)
}

// renewLoop refreshes the execution lock at a third of the stall timeout.
func (w *Worker) renewLoop(ctx context.Context, jobID string, stop <-chan struct{}) {
	ticker := time.NewTicker(w.Broker.Options.StallTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Broker.RenewLock(ctx, w.Options.ServerID, jobID); err != nil {
				w.Log.Error("Failed to renew lock",
					zap.String("job", jobID), zap.Error(err))
			}
		}
	}
}

func (w *Worker) finishSuccess(ctx context.Context, j *job.Job, result interface{}, log *zap.Logger) {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			w.finishFail(ctx, j, job.NewError(job.CodeWriteFailure,
				"result not serializable: %s", err), log)
			return
		}
	}
	res, err := w.Broker.EvalCompleteJob(ctx, j.ID, w.Options.ServerID,
		string(job.StatusCompleted), resultJSON, job.UnixMilli(time.Now()))
	if err != nil {
		log.Error("Failed to complete job", zap.Error(err))
		return
	}
	if w.Metrics != nil {
		w.Metrics.completions.Add(ctx, 1)
	}
	log.Info("Job completed",
		zap.Int64("processing_ms", res.ProcessingTime),
		zap.Strings("triggered", res.Triggered))
	w.emit(EventJobComplete, j, nil)
	w.spawnChain(ctx, j, log)
}

func (w *Worker) finishFail(ctx context.Context, j *job.Job, cause error, log *zap.Logger) {
	if cause != nil {
		if err := w.Broker.AppendError(ctx, j.ID, w.entryFor(j, cause)); err != nil {
			log.Error("Failed to record error", zap.Error(err))
		}
	}
	_, err := w.Broker.EvalCompleteJob(ctx, j.ID, w.Options.ServerID,
		string(job.StatusFailed), nil, job.UnixMilli(time.Now()))
	if err != nil {
		log.Error("Failed to fail job", zap.Error(err))
		return
	}
	if w.Metrics != nil {
		w.Metrics.failures.Add(ctx, 1)
	}
	log.Warn("Job failed permanently", zap.Error(cause))
	w.emit(EventJobFail, j, cause)
	w.spawnChain(ctx, j, log)
}

func (w *Worker) finishRetry(ctx context.Context, jobID string, entry job.HistoryEntry, log *zap.Logger) {
	res, err := w.Broker.RetryWithJitter(ctx, jobID, w.Options.ServerID, entry)
	if err != nil {
		log.Error("Failed to retry job", zap.Error(err))
		return
	}
	if w.Metrics != nil {
		w.Metrics.retries.Add(ctx, 1)
	}
	if res.MovedToDLQ {
		log.Warn("Job dead-lettered",
			zap.Int("attempt", res.Attempt), zap.String("error", entry.Message))
	} else {
		log.Info("Job scheduled for retry",
			zap.Int("attempt", res.Attempt),
			zap.Int64("delay_ms", res.Delay),
			zap.String("error", entry.Message))
	}
}

// spawnChain creates the successor jobs recorded by the completion script.
func (w *Worker) spawnChain(ctx context.Context, j *job.Job, log *zap.Logger) {
	templates, err := w.Broker.PopChain(ctx, j.ID)
	if err != nil {
		log.Error("Failed to pop chain", zap.Error(err))
		return
	}
	for _, tpl := range templates {
		res, err := w.Broker.CreateJob(ctx, j.MeshID, tpl.Type, tpl.Payload, tpl.Config)
		if err != nil {
			log.Error("Failed to create chain successor",
				zap.String("successor_type", tpl.Type), zap.Error(err))
			continue
		}
		log.Info("Chain successor created",
			zap.String("successor", res.JobID),
			zap.String("successor_type", tpl.Type))
	}
}

func (w *Worker) entryFor(j *job.Job, cause error) job.HistoryEntry {
	entry := job.HistoryEntry{
		Message:   cause.Error(),
		Attempt:   j.Attempt + 1,
		Timestamp: job.UnixMilli(time.Now()),
	}
	var jerr *job.Error
	if errors.As(cause, &jerr) {
		entry.Code = jerr.Code
		entry.Retryable = jerr.Retryable
	}
	return entry
}
