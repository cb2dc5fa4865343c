package starboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const (
	// guildWorkerQueueSize is the number of reaction events buffered per
	// guild before dispatch blocks
	guildWorkerQueueSize = 100

	// reactionHandlerTimeout bounds the Discord calls made for a single
	// reaction event
	reactionHandlerTimeout = 2 * time.Minute

	defaultIdleCheckInterval = 30 * time.Second
)

// workerLimiter tracks when a worker last handled an event, to determine
// when it should be stopped due to inactivity.
type workerLimiter struct {
	// IdleTimeout is the duration after which a worker is considered 'idle'
	IdleTimeout time.Duration

	// LastEventAt is the last time the worker handled an event. If
	// LastEventAt+IdleTimeout is in the past, the worker can be stopped.
	LastEventAt time.Time

	mu sync.Mutex
}

func newWorkerLimiter(idleTimeout time.Duration) *workerLimiter {
	return &workerLimiter{IdleTimeout: idleTimeout}
}

// Expired reports whether the worker has been idle for longer than
// IdleTimeout, along with the time it expires(d).
func (w *workerLimiter) Expired() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	expiresAt := w.LastEventAt.Add(w.IdleTimeout)
	return expiresAt, time.Now().After(expiresAt)
}

// SetLastEvent updates LastEventAt to the provided timestamp.
func (w *workerLimiter) SetLastEvent(ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastEventAt = ts
}

// guildWorker handles reaction events for a single guild, one at a time,
// in the order they were dispatched. Events for different guilds are
// handled by different workers, in parallel.
type guildWorker struct {
	guildID string

	eventCh chan ReactionEvent

	// signalStop is a channel for sending a stop signal to the worker
	signalStop chan struct{}

	// stopped is closed when the worker exits
	stopped chan struct{}

	limiter *workerLimiter

	// idleTimeoutCheckInterval is the interval at which the worker checks
	// whether it has been idle for longer than the idle timeout
	idleTimeoutCheckInterval time.Duration

	sb *Starboard
}

func newGuildWorker(sb *Starboard, guildID string) *guildWorker {
	idleTimeout := sb.config.Discord.WorkerIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultDiscordWorkerIdleTimeout
	}
	checkInterval := defaultIdleCheckInterval
	if idleTimeout < checkInterval {
		checkInterval = idleTimeout
	}
	return &guildWorker{
		guildID:                  guildID,
		eventCh:                  make(chan ReactionEvent, guildWorkerQueueSize),
		signalStop:               make(chan struct{}, 1),
		stopped:                  make(chan struct{}),
		limiter:                  newWorkerLimiter(idleTimeout),
		idleTimeoutCheckInterval: checkInterval,
		sb:                       sb,
	}
}

// Run handles events until the context is canceled, a stop signal is
// received, or the worker has been idle for longer than its idle timeout.
func (w *guildWorker) Run(ctx context.Context, startCh chan struct{}) {
	log := w.sb.discordLogger().With("guild_id", w.guildID)
	ctx = WithLogger(ctx, log)

	startedAt := time.Now()
	ticker := time.NewTicker(w.idleTimeoutCheckInterval)

	defer func() {
		ticker.Stop()
		close(w.stopped)
		endedAt := time.Now()
		log.DebugContext(
			ctx,
			"stopped guild worker",
			"stopped_at", endedAt,
			"runtime", endedAt.Sub(startedAt),
		)
	}()

	log.DebugContext(ctx, "starting guild worker")
	w.limiter.SetLastEvent(startedAt)
	startCh <- struct{}{}
	close(startCh)

	for {
		select {
		case <-ctx.Done():
			log.DebugContext(ctx, "context canceled")
			return
		case <-w.signalStop:
			log.DebugContext(ctx, "got stop signal")
			return
		case <-ticker.C:
			expiresAt, isExpired := w.limiter.Expired()
			if isExpired && w.sb.retireGuildWorker(w) {
				log.DebugContext(
					ctx,
					"guild worker idle, stopping",
					"worker_expired", expiresAt,
				)
				return
			}
		case ev := <-w.eventCh:
			w.handle(ctx, log, ev)
			w.limiter.SetLastEvent(time.Now())
		}
	}
}

// handle runs a single event to completion, recovering from any panic.
func (w *guildWorker) handle(ctx context.Context, log *slog.Logger, ev ReactionEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(
				ctx,
				"panic handling reaction",
				append(reactionLogAttrs(ev), tint.Err(fmt.Errorf("%v", r)))...,
			)
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, reactionHandlerTimeout)
	defer cancel()
	w.sb.handleReaction(hctx, ev)
}

// dispatchReaction queues the event on the guild's worker, starting
// one if needed.
func (sb *Starboard) dispatchReaction(ctx context.Context, ev ReactionEvent) {
	sb.guildWorkerMu.Lock()
	w := sb.getGuildWorker(ctx, ev.GuildID)
	select {
	case w.eventCh <- ev:
		sb.guildWorkerMu.Unlock()
		return
	default:
	}
	sb.guildWorkerMu.Unlock()

	// a worker can't retire while its queue is non-empty, so blocking
	// here without the lock is safe
	log := sb.discordLogger()
	log.WarnContext(ctx, "guild worker queue full", reactionLogAttrs(ev)...)
	select {
	case w.eventCh <- ev:
	case <-w.stopped:
		log.WarnContext(ctx, "guild worker stopped, dropping event", reactionLogAttrs(ev)...)
	case <-ctx.Done():
		log.WarnContext(ctx, "context canceled, dropping event", reactionLogAttrs(ev)...)
	}
}

// getGuildWorker returns the running worker for the guild, starting a
// new one if there isn't one. guildWorkerMu must be held.
func (sb *Starboard) getGuildWorker(ctx context.Context, guildID string) *guildWorker {
	if w := sb.guildWorkers[guildID]; w != nil {
		return w
	}

	startSignal := make(chan struct{}, 1)
	w := newGuildWorker(sb, guildID)

	go func() {
		sb.guildWorkersRunning.Add(1)
		defer sb.guildWorkersRunning.Add(-1)

		w.Run(ctx, startSignal)

		sb.guildWorkerMu.Lock()
		defer sb.guildWorkerMu.Unlock()
		if current, ok := sb.guildWorkers[guildID]; ok && current == w {
			delete(sb.guildWorkers, guildID)
		}
	}()

	sb.guildWorkers[guildID] = w
	<-startSignal
	return w
}

// retireGuildWorker removes an idle worker from the worker map. It
// returns false if events were queued since the worker went idle, in
// which case the worker should keep running.
func (sb *Starboard) retireGuildWorker(w *guildWorker) bool {
	sb.guildWorkerMu.Lock()
	defer sb.guildWorkerMu.Unlock()
	if len(w.eventCh) > 0 {
		return false
	}
	if current, ok := sb.guildWorkers[w.guildID]; ok && current == w {
		delete(sb.guildWorkers, w.guildID)
	}
	return true
}

// stopGuildWorkers signals every running worker to stop, and waits for
// them to exit or for the context to be done.
func (sb *Starboard) stopGuildWorkers(ctx context.Context) {
	sb.guildWorkerMu.Lock()
	workers := sb.guildWorkers
	sb.guildWorkers = map[string]*guildWorker{}
	sb.guildWorkerMu.Unlock()

	wg := &sync.WaitGroup{}
	for guildID, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case w.signalStop <- struct{}{}:
			default:
			}
			select {
			case <-w.stopped:
			case <-ctx.Done():
				sb.logger.Warn("timed out waiting on guild worker", "guild_id", guildID)
			}
		}()
	}
	wg.Wait()
}
