package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rohit280101/AI-IDP/internal/pipeline"
	"github.com/rohit280101/AI-IDP/internal/storage"
)

// JobTypeProcessDocument is the job type that runs the document pipeline.
const JobTypeProcessDocument = "process_document"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueUniqueJob(job storage.Job) (bool, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	RequeueRunning() (int, error)
}

// DocumentProcessor runs the pipeline for one document.
type DocumentProcessor interface {
	Process(ctx context.Context, documentID string) error
}

// Worker processes process_document jobs from the SQLite job queue on a
// bounded goroutine pool.
type Worker struct {
	store     JobStore
	processor DocumentProcessor
	pool      *ants.Pool
	poll      time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewWorker creates a Worker running at most concurrency jobs at once.
// If concurrency is <= 0 it defaults to 2; if pollInterval is <= 0, 500ms.
func NewWorker(store JobStore, processor DocumentProcessor, concurrency int, pollInterval time.Duration) (*Worker, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	w := &Worker{
		store:     store,
		processor: processor,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
	pool, err := ants.NewPool(concurrency, ants.WithPanicHandler(func(p any) {
		w.logger.Error("pool task panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

type processPayload struct {
	DocumentID string `json:"document_id"`
	TraceID    string `json:"trace_id,omitempty"`
}

// Enqueue schedules processing of documentID. It reports false when a
// pending or running job for the document already exists.
func (w *Worker) Enqueue(documentID, traceID string) (bool, error) {
	return Enqueue(w.store, documentID, traceID)
}

// Enqueue schedules processing of documentID on store.
func Enqueue(store JobStore, documentID, traceID string) (bool, error) {
	payload, err := json.Marshal(processPayload{DocumentID: documentID, TraceID: traceID})
	if err != nil {
		return false, err
	}
	added, err := store.EnqueueUniqueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeProcessDocument,
		DocumentID:  documentID,
		PayloadJSON: string(payload),
	})
	if err != nil {
		return false, fmt.Errorf("enqueueing document %s: %w", documentID, err)
	}
	return added, nil
}

// Run requeues jobs interrupted by a previous shutdown, then polls for jobs
// until ctx is cancelled. Submission blocks while the pool is saturated.
// Run waits for in-flight jobs before returning.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.store.RequeueRunning(); err != nil {
		w.logger.Error("requeueing interrupted jobs", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted jobs", "count", n)
	}

	defer func() {
		w.wg.Wait()
		w.pool.Release()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.store.ClaimNextJob([]string{JobTypeProcessDocument})
		if err != nil {
			w.logger.Error("worker iteration failed", "error", fmt.Errorf("claiming job: %w", err))
		}
		if job != nil {
			w.wg.Add(1)
			if err := w.pool.Submit(func() {
				defer w.wg.Done()
				w.handle(ctx, job)
			}); err != nil {
				w.wg.Done()
				w.logger.Error("submitting job", "job_id", job.ID, "error", err)
				w.fail(job, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job on the calling goroutine.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeProcessDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

// Close releases the pool. It is only needed when Run was never called.
func (w *Worker) Close() {
	w.pool.Release()
}

// handle runs one job. A panic fails the job like any other error so it is
// retried instead of staying running until the next start.
func (w *Worker) handle(ctx context.Context, job *storage.Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", "job_id", job.ID, "panic", r)
			w.fail(job, fmt.Errorf("panic: %v", r))
		}
	}()

	var payload processPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		w.fail(job, fmt.Errorf("parsing payload: %w", err))
		return
	}
	if payload.DocumentID == "" {
		payload.DocumentID = job.DocumentID
	}

	pctx := ctx
	if payload.TraceID != "" {
		pctx = pipeline.WithTraceID(ctx, payload.TraceID)
	}
	if err := w.processor.Process(pctx, payload.DocumentID); err != nil {
		if ctx.Err() != nil {
			// Left running; RequeueRunning picks it up on the next start.
			w.logger.Info("job interrupted", "job_id", job.ID, "document_id", payload.DocumentID)
			return
		}
		w.fail(job, err)
		return
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		w.logger.Error("completing job", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) fail(job *storage.Job, err error) {
	w.logger.Warn("job failed", "job_id", job.ID, "error", err)
	if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
	}
}
