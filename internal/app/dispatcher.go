// Package app wires the poll loop to the per-channel watcher actors.
package app

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MinnDevelopment/strumbot/internal/config"
	"github.com/MinnDevelopment/strumbot/internal/database"
	"github.com/MinnDevelopment/strumbot/internal/metrics"
	"github.com/MinnDevelopment/strumbot/internal/platform/correlation"
	"github.com/MinnDevelopment/strumbot/internal/twitch"
	"github.com/MinnDevelopment/strumbot/internal/watcher"
	"github.com/jonboulle/clockwork"
)

// StreamSource is the upstream surface the dispatcher itself needs. The
// watchers additionally require watcher.StreamAPI, which the same client
// satisfies.
type StreamSource interface {
	watcher.StreamAPI
	GetStreamsByLogin(ctx context.Context, logins []string) ([]twitch.Stream, error)
	RefreshAuth(ctx context.Context) error
}

// Store persists watcher state between restarts.
type Store interface {
	Save(key string, document any) error
	Read(key string, dest any) error
	Delete(key string) error
}

// actor is one running watcher goroutine. The events channel holds at most
// two pending updates so a stalled notification cannot back up the poll loop
// more than one cycle.
type actor struct {
	events chan watcher.StreamUpdate
	done   chan struct{}
}

// Dispatcher polls the batch streams endpoint and fans the per-channel
// results out to watcher actors.
type Dispatcher struct {
	cfg    *config.Config
	source StreamSource
	sink   watcher.Sink
	store  Store
	clock  clockwork.Clock

	actors map[string]*actor // keyed by lowercase login
	wg     sync.WaitGroup
}

func NewDispatcher(cfg *config.Config, source StreamSource, sink watcher.Sink, store Store, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		source: source,
		sink:   sink,
		store:  store,
		clock:  clock,
		actors: make(map[string]*actor),
	}
}

// Restore loads persisted sessions for the configured channels and spawns
// their actors before the first poll, so a crash mid-session resumes instead
// of renotifying.
func (d *Dispatcher) Restore(ctx context.Context) {
	if !d.cfg.CacheEnabled {
		return
	}
	for _, login := range d.cfg.TwitchUserLogins {
		var w watcher.StreamWatcher
		err := d.store.Read(login, &w)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			metrics.StoreErrorsTotal.WithLabelValues("read").Inc()
			slog.WarnContext(ctx, "Discarding unreadable watcher state", "channel", login, "error", err)
			if err := d.store.Delete(login); err != nil && !errors.Is(err, fs.ErrNotExist) {
				metrics.StoreErrorsTotal.WithLabelValues("delete").Inc()
			}
			continue
		}
		slog.InfoContext(ctx, "Restored watcher state", "channel", login, "stream_id", w.StreamID)
		metrics.WatchersRestoredTotal.Inc()
		d.spawn(ctx, login, w.Attach(d.cfg, d.clock))
	}
}

// Run polls until the context is cancelled. Each cycle fetches all configured
// channels in one request, routes live streams to their actors, and routes an
// offline event to every actor whose channel was absent from the response.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.InfoContext(ctx, "Starting stream dispatcher", "channels", len(d.cfg.TwitchUserLogins), "interval", d.cfg.PollInterval)

	for {
		cycleCtx := correlation.WithID(ctx, correlation.NewID())
		d.poll(cycleCtx)

		// Token refresh overlaps the idle wait; the next cycle never
		// waits on it.
		refreshDone := make(chan struct{})
		go func() {
			defer close(refreshDone)
			if err := d.source.RefreshAuth(cycleCtx); err != nil {
				slog.ErrorContext(cycleCtx, "Failed to refresh authorization", "error", err)
			}
		}()

		select {
		case <-ctx.Done():
			<-refreshDone
			d.shutdown()
			return
		case <-d.clock.After(d.cfg.PollInterval):
		}
		<-refreshDone
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	streams, err := d.source.GetStreamsByLogin(ctx, d.cfg.TwitchUserLogins)
	if err != nil {
		metrics.PollErrorsTotal.Inc()
		slog.ErrorContext(ctx, "Failed to fetch streams", "error", err)
		return
	}
	metrics.PollCyclesTotal.Inc()

	live := make(map[string]*twitch.Stream, len(streams))
	for i := range streams {
		if streams[i].Kind != twitch.StreamTypeLive {
			continue
		}
		live[strings.ToLower(streams[i].UserLogin)] = &streams[i]
	}

	for _, login := range d.cfg.TwitchUserLogins {
		s, ok := live[login]
		if !ok {
			// Absent from the response means offline; only running
			// actors care.
			if a, running := d.actors[login]; running {
				d.deliver(ctx, login, a, watcher.Offline())
			}
			continue
		}

		a, running := d.actors[login]
		if !running {
			a = d.spawn(ctx, login, watcher.New(login, d.cfg, d.clock))
		}
		d.deliver(ctx, login, a, watcher.Live(s))
	}

	d.reap()
}

// deliver hands an update to the actor in observation order. The mailbox
// bounds how far a slow actor can fall behind; once it is full the poll loop
// waits, so no event is ever dropped or reordered.
func (d *Dispatcher) deliver(ctx context.Context, login string, a *actor, update watcher.StreamUpdate) {
	select {
	case a.events <- update:
	case <-a.done:
		slog.DebugContext(ctx, "Watcher already terminated, discarding update", "channel", login)
	case <-ctx.Done():
	}
}

func (d *Dispatcher) spawn(ctx context.Context, login string, w *watcher.StreamWatcher) *actor {
	a := &actor{
		events: make(chan watcher.StreamUpdate, 2),
		done:   make(chan struct{}),
	}
	d.actors[login] = a
	metrics.ActiveWatchers.Inc()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(a.done)
		defer metrics.ActiveWatchers.Dec()
		d.runWatcher(ctx, login, w, a)
	}()
	return a
}

func (d *Dispatcher) runWatcher(ctx context.Context, login string, w *watcher.StreamWatcher, a *actor) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-a.events:
			state, err := w.Update(ctx, d.source, d.sink, update)
			if err != nil {
				slog.ErrorContext(ctx, "Watcher update failed", "channel", login, "error", err)
				continue
			}
			switch state {
			case watcher.StateUpdated:
				d.persist(ctx, login, w)
			case watcher.StateEnded:
				d.forget(ctx, login)
				return
			}
		}
	}
}

func (d *Dispatcher) persist(ctx context.Context, login string, w *watcher.StreamWatcher) {
	if !d.cfg.CacheEnabled {
		return
	}
	if err := d.store.Save(login, w); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("save").Inc()
		var ce *database.CodecError
		if errors.As(err, &ce) {
			slog.ErrorContext(ctx, "Watcher state not serializable", "channel", login, "error", err)
			return
		}
		slog.WarnContext(ctx, "Failed to persist watcher state", "channel", login, "error", err)
	}
}

// forget removes the persisted session once it has cleanly ended. Cancelled
// contexts never reach here, so state survives shutdown for the next start.
func (d *Dispatcher) forget(ctx context.Context, login string) {
	if !d.cfg.CacheEnabled {
		return
	}
	if err := d.store.Delete(login); err != nil && !errors.Is(err, fs.ErrNotExist) {
		metrics.StoreErrorsTotal.WithLabelValues("delete").Inc()
		slog.WarnContext(ctx, "Failed to remove watcher state", "channel", login, "error", err)
	}
}

// reap drops table entries for actors that terminated, so the next live
// observation for that channel spawns a fresh session.
func (d *Dispatcher) reap() {
	for login, a := range d.actors {
		select {
		case <-a.done:
			delete(d.actors, login)
		default:
		}
	}
}

func (d *Dispatcher) shutdown() {
	slog.Info("Stopping stream dispatcher")
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("Timed out waiting for watchers to stop")
	}
}
