package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loykin/autologout/internal/artifact"
	"github.com/loykin/autologout/internal/history"
	"github.com/loykin/autologout/internal/metrics"
	"github.com/loykin/autologout/internal/service"
	"github.com/loykin/autologout/internal/store"
)

const (
	DefaultLogLines    = 50
	DefaultMaxLogLines = 1000
)

// Action is a runtime control verb.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionStatus  Action = "status"
)

// ParseAction accepts start, stop, restart and status (case-insensitive).
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionStart, ActionStop, ActionRestart, ActionStatus:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q (want start, stop, restart or status)", ErrInvalid, s)
}

// Entry is a stored config together with its live unit status.
type Entry struct {
	Config store.WatcherConfig `json:"config"`
	Status service.Status      `json:"status"`
}

// Options wires an Orchestrator.
type Options struct {
	Store      *store.Store
	Generator  *artifact.Generator
	Controller service.Controller
	History    history.Sink // optional
	Logger     *slog.Logger
	// MaxLogLines caps Logs; DefaultMaxLogLines when zero.
	MaxLogLines int
}

// Orchestrator creates, updates, deletes and controls watchers. Calls for
// different names run in parallel; calls for the same name are serialized.
type Orchestrator struct {
	store    *store.Store
	gen      *artifact.Generator
	ctl      service.Controller
	hist     history.Sink
	log      *slog.Logger
	maxLines int
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if opts.Controller == nil {
		return nil, errors.New("orchestrator: service controller is required")
	}
	o := &Orchestrator{
		store:    opts.Store,
		gen:      opts.Generator,
		ctl:      opts.Controller,
		hist:     opts.History,
		log:      opts.Logger,
		maxLines: opts.MaxLogLines,
	}
	if o.gen == nil {
		o.gen = artifact.NewGenerator(artifact.Settings{})
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.maxLines <= 0 {
		o.maxLines = DefaultMaxLogLines
	}
	return o, nil
}

// Create validates cfg, materializes and starts its unit, and records the
// config last. When any step fails the earlier ones are undone and no config
// is recorded.
func (o *Orchestrator) Create(ctx context.Context, cfg store.WatcherConfig) (_ Entry, err error) {
	defer o.observe("create", time.Now(), &err)

	cfg = Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return Entry{}, newErr(KindValidation, "validate", cfg.Name, err)
	}
	name := cfg.Name
	unlock := o.store.Lock(name)
	defer unlock()

	if _, err := o.store.Get(name); err == nil {
		return Entry{}, newErr(KindConflict, "check_name", name, store.ErrAlreadyExists)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Entry{}, newErr(KindIO, "load", name, err)
	}
	cfg.Artifacts = o.gen.Paths(name)
	// never clobber a unit this orchestrator does not own
	if _, err := os.Stat(cfg.Artifacts.Unit); err == nil {
		return Entry{}, newErr(KindConflict, "check_artifacts", name,
			fmt.Errorf("%w: unit file %s exists", store.ErrAlreadyExists, cfg.Artifacts.Unit))
	}
	now := time.Now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	var undo rollback
	fail := func(e *Error) (Entry, error) {
		o.log.Warn("create failed, rolling back", "name", name, "step", e.Step, "error", e.Err)
		undo.run(o.log, name)
		return Entry{}, e
	}
	cleanup := context.WithoutCancel(ctx)

	if err := o.gen.Write(cfg); err != nil {
		return Entry{}, newErr(KindIO, "write_artifacts", name, err)
	}
	undo.push("remove_artifacts", func() error {
		if err := artifact.Remove(cfg.Artifacts); err != nil {
			return err
		}
		return o.ctl.Register(cleanup, cfg.Artifacts.Unit)
	})
	if err := o.ctl.Register(ctx, cfg.Artifacts.Unit); err != nil {
		return fail(newErr(KindServiceManager, "register", name, err))
	}
	if err := o.ctl.Enable(ctx, name); err != nil {
		return fail(newErr(KindServiceManager, "enable", name, err))
	}
	undo.push("disable", func() error { return o.ctl.Disable(cleanup, name) })
	if err := o.ctl.Start(ctx, name); err != nil {
		return fail(newErr(KindServiceManager, "start", name, err))
	}
	undo.push("stop", func() error { return o.ctl.Stop(cleanup, name) })
	if err := o.store.Create(cfg); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return fail(newErr(KindConflict, "persist", name, err))
		}
		return fail(newErr(KindIO, "persist", name, err))
	}

	st := o.ctl.Status(ctx, name)
	o.log.Info("watcher created", "name", name, "session", cfg.TargetSessionID, "status", st)
	o.emit(ctx, history.EventCreated, name, st)
	metrics.SetWatcherStatus(name, string(st))
	return Entry{Config: cfg, Status: st}, nil
}

// Update merges p into the stored config, rewrites the artifacts at the same
// paths and restarts the unit if it was running.
func (o *Orchestrator) Update(ctx context.Context, name string, p Patch) (_ Entry, err error) {
	defer o.observe("update", time.Now(), &err)

	unlock := o.store.Lock(name)
	defer unlock()

	cur, err := o.get(name)
	if err != nil {
		return Entry{}, err
	}
	next, err := p.Apply(cur)
	if err != nil {
		return Entry{}, newErr(KindValidation, "validate", name, err)
	}
	if strings.TrimSpace(next.Description) == "" {
		next.Description = artifact.DefaultDescription(name)
	}
	if err := Validate(next); err != nil {
		return Entry{}, newErr(KindValidation, "validate", name, err)
	}
	if next.Artifacts.Program == "" || next.Artifacts.Unit == "" {
		next.Artifacts = o.gen.Paths(name)
	}
	next.UpdatedAt = time.Now().UTC()

	wasActive := o.ctl.Status(ctx, name) == service.StatusActive
	restore := func() {
		if werr := o.gen.Write(cur); werr != nil {
			o.log.Error("restoring previous artifacts failed", "name", name, "error", werr)
		}
	}

	if err := o.gen.Write(next); err != nil {
		return Entry{}, newErr(KindIO, "write_artifacts", name, err)
	}
	if err := o.ctl.Register(ctx, next.Artifacts.Unit); err != nil {
		restore()
		return Entry{}, newErr(KindServiceManager, "register", name, err)
	}
	if err := o.store.Put(next); err != nil {
		restore()
		if rerr := o.ctl.Register(context.WithoutCancel(ctx), cur.Artifacts.Unit); rerr != nil {
			o.log.Error("rollback step failed", "name", name, "step", "register", "error", rerr)
		}
		return Entry{}, newErr(KindIO, "persist", name, err)
	}
	if wasActive {
		if err := o.ctl.Restart(ctx, name); err != nil {
			return Entry{}, newErr(KindServiceManager, "restart", name, err)
		}
	}

	st := o.ctl.Status(ctx, name)
	o.log.Info("watcher updated", "name", name, "restarted", wasActive, "status", st)
	o.emit(ctx, history.EventUpdated, name, st)
	metrics.SetWatcherStatus(name, string(st))
	return Entry{Config: next, Status: st}, nil
}

// Delete stops and disables the unit, removes its artifacts and finally the
// config. A failing step keeps the config so Delete can be re-issued.
func (o *Orchestrator) Delete(ctx context.Context, name string) (err error) {
	defer o.observe("delete", time.Now(), &err)

	unlock := o.store.Lock(name)
	defer unlock()

	cur, err := o.get(name)
	if err != nil {
		return err
	}
	if err := o.ctl.Stop(ctx, name); err != nil {
		return newErr(KindServiceManager, "stop", name, err)
	}
	if err := o.ctl.Disable(ctx, name); err != nil {
		return newErr(KindServiceManager, "disable", name, err)
	}
	paths := cur.Artifacts
	if paths.Program == "" || paths.Unit == "" {
		paths = o.gen.Paths(name)
	}
	if err := artifact.Remove(paths); err != nil {
		return newErr(KindIO, "remove_artifacts", name, err)
	}
	if err := o.ctl.Register(ctx, paths.Unit); err != nil {
		return newErr(KindServiceManager, "register", name, err)
	}
	if err := o.store.Delete(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newErr(KindNotFound, "persist", name, err)
		}
		return newErr(KindIO, "persist", name, err)
	}

	o.log.Info("watcher deleted", "name", name)
	o.emit(ctx, history.EventDeleted, name, "")
	metrics.ForgetWatcher(name)
	return nil
}

// Get returns one config with its live status.
func (o *Orchestrator) Get(ctx context.Context, name string) (Entry, error) {
	cfg, err := o.get(name)
	if err != nil {
		return Entry{}, err
	}
	st := o.ctl.Status(ctx, name)
	metrics.SetWatcherStatus(name, string(st))
	return Entry{Config: cfg, Status: st}, nil
}

// List returns every watcher ordered by name, each with its live status.
func (o *Orchestrator) List(ctx context.Context) ([]Entry, error) {
	cfgs, err := o.store.List()
	if err != nil {
		return nil, newErr(KindIO, "load", "", err)
	}
	out := make([]Entry, 0, len(cfgs))
	for _, c := range cfgs {
		st := o.ctl.Status(ctx, c.Name)
		metrics.SetWatcherStatus(c.Name, string(st))
		out = append(out, Entry{Config: c, Status: st})
	}
	return out, nil
}

// Do runs action against the named watcher and returns the resulting status.
func (o *Orchestrator) Do(ctx context.Context, name, action string) (_ service.Status, err error) {
	a, err := ParseAction(action)
	if err != nil {
		return "", newErr(KindValidation, "validate", name, err)
	}
	defer o.observe(string(a), time.Now(), &err)

	unlock := o.store.Lock(name)
	defer unlock()
	if _, err := o.get(name); err != nil {
		return "", err
	}

	var ev history.EventType
	switch a {
	case ActionStart:
		err, ev = o.ctl.Start(ctx, name), history.EventStarted
	case ActionStop:
		err, ev = o.ctl.Stop(ctx, name), history.EventStopped
	case ActionRestart:
		err, ev = o.ctl.Restart(ctx, name), history.EventRestarted
	}
	if err != nil {
		return "", newErr(KindServiceManager, string(a), name, err)
	}
	st := o.ctl.Status(ctx, name)
	metrics.SetWatcherStatus(name, string(st))
	if ev != "" {
		o.log.Info("watcher "+string(a), "name", name, "status", st)
		o.emit(ctx, ev, name, st)
	}
	return st, nil
}

// Logs returns up to n recent log lines of the named watcher. n <= 0 means
// DefaultLogLines; larger requests are capped at the configured maximum.
func (o *Orchestrator) Logs(ctx context.Context, name string, n int) ([]string, error) {
	if _, err := o.get(name); err != nil {
		return nil, err
	}
	n = o.clampLines(n)
	lines, err := o.ctl.Logs(ctx, name, n)
	if err != nil {
		return nil, newErr(KindServiceManager, "logs", name, err)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func (o *Orchestrator) clampLines(n int) int {
	if n <= 0 {
		n = DefaultLogLines
	}
	if n > o.maxLines {
		n = o.maxLines
	}
	return n
}

func (o *Orchestrator) get(name string) (store.WatcherConfig, error) {
	if !ValidName(name) {
		// unsafe names can never have been stored
		return store.WatcherConfig{}, newErr(KindNotFound, "lookup", name, store.ErrNotFound)
	}
	c, err := o.store.Get(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.WatcherConfig{}, newErr(KindNotFound, "lookup", name, err)
		}
		return store.WatcherConfig{}, newErr(KindIO, "load", name, err)
	}
	return c, nil
}

func (o *Orchestrator) emit(ctx context.Context, t history.EventType, name string, st service.Status) {
	if o.hist == nil {
		return
	}
	e := history.NewEvent(t, name)
	e.Status = string(st)
	if err := o.hist.Send(context.WithoutCancel(ctx), e); err != nil {
		o.log.Warn("history send failed", "name", name, "event", t, "error", err)
	}
}

func (o *Orchestrator) observe(op string, start time.Time, errp *error) {
	metrics.ObserveOperation(op, time.Since(start).Seconds())
	if *errp != nil {
		kind := string(KindOf(*errp))
		if kind == "" {
			kind = "internal"
		}
		metrics.IncOperationError(op, kind)
		return
	}
	metrics.IncOperation(op)
}

// rollback undoes completed steps in reverse order, best effort.
type rollback struct {
	steps []undoStep
}

type undoStep struct {
	name string
	fn   func() error
}

func (r *rollback) push(name string, fn func() error) {
	r.steps = append(r.steps, undoStep{name: name, fn: fn})
}

func (r *rollback) run(log *slog.Logger, watcher string) {
	for i := len(r.steps) - 1; i >= 0; i-- {
		s := r.steps[i]
		if err := s.fn(); err != nil {
			log.Error("rollback step failed", "name", watcher, "step", s.name, "error", err)
		}
	}
	r.steps = nil
}
