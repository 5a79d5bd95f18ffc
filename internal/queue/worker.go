package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosarica/game-ingest/internal/ingesterr"
	"github.com/kosarica/game-ingest/internal/model"
)

// HandlerFunc processes one dequeued job and returns the number of items
// it processed.
type HandlerFunc func(ctx context.Context, job model.IngestJob) (itemsProcessed int, err error)

// WorkerConfig tunes the main loop (spec §6.1 "Queue worker" env group).
type WorkerConfig struct {
	VT             time.Duration
	PollInterval   time.Duration
	MaxRetries     int
	RetryBaseSecs  int
	RetryMaxSecs   int
}

// Metrics is the snapshot served at GET /api/metrics (spec §6.3).
type Metrics struct {
	LastWaitMs int64  `json:"last_wait_ms"`
	LastRunMs  int64  `json:"last_run_ms"`
	Dequeues   int64  `json:"dequeues"`
	Failures   int64  `json:"failures"`
	LastError  string `json:"last_error,omitempty"`
}

// logRingCapacity is the bounded capacity for GET /api/logs (spec §6.3).
const logRingCapacity = 1000

// Worker is the single-goroutine poll loop of spec §4.9, with one
// heartbeat goroutine per in-flight message.
type Worker struct {
	q        *Queue
	cfg      WorkerConfig
	handlers map[string]HandlerFunc
	log      zerolog.Logger

	paused atomic.Bool

	mu         sync.Mutex
	metrics    Metrics
	logRing    []string
	logRingPos int
}

// NewWorker constructs a Worker bound to a queue and handler table, keyed
// by "<provider>:<task>".
func NewWorker(q *Queue, cfg WorkerConfig, handlers map[string]HandlerFunc, log zerolog.Logger) *Worker {
	return &Worker{
		q:        q,
		cfg:      cfg,
		handlers: handlers,
		log:      log.With().Str("component", "worker").Logger(),
		logRing:  make([]string, 0, logRingCapacity),
	}
}

// Pause stops the main loop from dequeuing new messages.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume re-enables dequeuing.
func (w *Worker) Resume() { w.paused.Store(false) }

// Paused reports whether the worker is currently paused.
func (w *Worker) Paused() bool { return w.paused.Load() }

// Metrics returns a snapshot of the worker's running counters.
func (w *Worker) Metrics() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

// Logs returns up to limit of the most recent log lines, newest last.
func (w *Worker) Logs(limit int) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if limit <= 0 || limit > len(w.logRing) {
		limit = len(w.logRing)
	}
	ordered := make([]string, 0, len(w.logRing))
	ordered = append(ordered, w.logRing[w.logRingPos:]...)
	ordered = append(ordered, w.logRing[:w.logRingPos]...)
	out := make([]string, limit)
	copy(out, ordered[len(ordered)-limit:])
	return out
}

func (w *Worker) appendLog(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.logRing) < logRingCapacity {
		w.logRing = append(w.logRing, line)
		return
	}
	w.logRing[w.logRingPos] = line
	w.logRingPos = (w.logRingPos + 1) % logRingCapacity
}

// Run drives the main loop until ctx is cancelled (spec §4.9 "Main loop").
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if w.paused.Load() {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		waitStart := time.Now()
		msg, readErr := w.q.Read(ctx, w.cfg.VT)
		w.recordWait(time.Since(waitStart))

		if msg == nil && readErr == nil {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		if readErr != nil && msg != nil {
			// Poison payload: archive immediately (spec §4.9 step 5).
			w.log.Warn().Int64("msg_id", msg.MsgID).Err(readErr).Msg("poison message, archiving")
			w.appendLog(fmt.Sprintf("poison msg_id=%d: %v", msg.MsgID, readErr))
			if err := w.q.Archive(ctx, msg.MsgID); err != nil {
				w.log.Error().Err(err).Msg("failed to archive poison message")
			}
			w.recordFailure(readErr)
			continue
		}
		if readErr != nil {
			w.log.Error().Err(readErr).Msg("dequeue error")
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.process(ctx, msg)
	}
}

func (w *Worker) process(ctx context.Context, msg *Message) {
	heartbeatDone := make(chan struct{})
	go w.heartbeat(ctx, msg.MsgID, heartbeatDone)

	runStart := time.Now()
	handlerKey := msg.Payload.Provider + ":" + msg.Payload.Task
	handler, ok := w.handlers[handlerKey]

	var err error
	var items int
	if !ok {
		err = ingesterr.Fatalf("queue", handlerKey, fmt.Errorf("unknown (provider, task) pair: %s", handlerKey))
	} else {
		restore := scopedEnv(msg.Payload.Args)
		items, err = handler(ctx, msg.Payload)
		restore()
	}
	close(heartbeatDone)
	w.recordRun(time.Since(runStart))

	if err == nil {
		if delErr := w.q.Delete(ctx, msg.MsgID); delErr != nil {
			w.log.Error().Err(delErr).Int64("msg_id", msg.MsgID).Msg("failed to delete completed message")
		}
		w.log.Info().Int64("msg_id", msg.MsgID).Str("handler", handlerKey).Int("items", items).Msg("job completed")
		w.appendLog(fmt.Sprintf("completed msg_id=%d handler=%s items=%d", msg.MsgID, handlerKey, items))
		return
	}

	w.recordFailure(err)
	w.appendLog(fmt.Sprintf("failed msg_id=%d handler=%s: %v", msg.MsgID, handlerKey, err))

	if ingesterr.KindOf(err) == ingesterr.Fatal && !ok {
		// Unknown (provider, task) is a hard error, never retried.
		if archErr := w.q.Archive(ctx, msg.MsgID); archErr != nil {
			w.log.Error().Err(archErr).Msg("failed to archive unknown-handler message")
		}
		return
	}

	if msg.ReadCt > w.cfg.MaxRetries {
		w.log.Warn().Int64("msg_id", msg.MsgID).Int("read_ct", msg.ReadCt).Msg("retries exhausted, archiving")
		if archErr := w.q.Archive(ctx, msg.MsgID); archErr != nil {
			w.log.Error().Err(archErr).Msg("failed to archive exhausted message")
		}
		return
	}

	delay := RetryDelay(msg.ReadCt, w.cfg.RetryBaseSecs, w.cfg.RetryMaxSecs)
	if setErr := w.q.SetVT(ctx, msg.MsgID, delay); setErr != nil {
		w.log.Error().Err(setErr).Msg("failed to reschedule message")
	}
}

// scopedEnv maps a job's args object onto process environment variables
// for the duration of one handler call, returning a drop-guard that
// restores whatever was there before (spec §4.9 "Scoping"). Adapters keep
// reading ambient env the same way they do from the CLI/orchestrator path;
// this just lets a queued job override a handful of keys (e.g.
// STEAM_APP_IDS, STEAM_BACKFILL) without touching the rest of the process.
// Args that don't decode to a flat string map leave the environment alone.
func scopedEnv(args json.RawMessage) func() {
	if len(args) == 0 {
		return func() {}
	}
	var kv map[string]string
	if err := json.Unmarshal(args, &kv); err != nil || len(kv) == 0 {
		return func() {}
	}
	type saved struct {
		value string
		was   bool
	}
	prior := make(map[string]saved, len(kv))
	for k, v := range kv {
		value, was := os.LookupEnv(k)
		prior[k] = saved{value: value, was: was}
		os.Setenv(k, v)
	}
	return func() {
		for k, s := range prior {
			if s.was {
				os.Setenv(k, s.value)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

// heartbeat refreshes the message's visibility timeout every vt/2 until
// signaled, matching spec §4.9 step 3.
func (w *Worker) heartbeat(ctx context.Context, msgID int64, done <-chan struct{}) {
	interval := w.cfg.VT / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.q.SetVT(ctx, msgID, w.cfg.VT); err != nil {
				w.log.Warn().Err(err).Int64("msg_id", msgID).Msg("heartbeat failed")
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) recordWait(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics.LastWaitMs = d.Milliseconds()
}

func (w *Worker) recordRun(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics.LastRunMs = d.Milliseconds()
	w.metrics.Dequeues++
}

func (w *Worker) recordFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics.Failures++
	w.metrics.LastError = err.Error()
}
