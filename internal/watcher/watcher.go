package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/loykin/autologout/internal/history"
	"github.com/loykin/autologout/internal/metrics"
)

const (
	DefaultRecoveryDelay = 10 * time.Second
	DefaultLogoutPause   = time.Second
)

// Remote is the call-center system as seen by one watcher.
type Remote interface {
	FetchReport(ctx context.Context) ([]byte, error)
	Logout(ctx context.Context, user string) error
}

// Config is what a single watcher process monitors.
type Config struct {
	Name             string
	SessionID        string
	ThresholdSeconds int
	Interval         time.Duration
	// RecoveryDelay follows a failed cycle instead of Interval.
	RecoveryDelay time.Duration
	// LogoutPause separates consecutive logouts within one cycle.
	LogoutPause time.Duration
}

// CycleResult summarizes one poll.
type CycleResult struct {
	Observed   int
	Candidates []AgentRecord
	LoggedOut  []string
	Failed     map[string]error
}

// Watcher polls the report and logs out agents idle past the threshold.
type Watcher struct {
	cfg    Config
	remote Remote
	hist   history.Sink
	log    *slog.Logger
}

type Option func(*Watcher)

// WithHistory records every logout attempt in s.
func WithHistory(s history.Sink) Option { return func(w *Watcher) { w.hist = s } }

func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.log = l } }

func New(cfg Config, remote Remote, opts ...Option) (*Watcher, error) {
	if remote == nil {
		return nil, errors.New("watcher: remote is required")
	}
	if cfg.SessionID == "" {
		return nil, errors.New("watcher: session id is required")
	}
	if cfg.ThresholdSeconds <= 0 {
		return nil, errors.New("watcher: threshold must be positive")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("watcher: interval must be positive")
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = DefaultRecoveryDelay
	}
	if cfg.LogoutPause <= 0 {
		cfg.LogoutPause = DefaultLogoutPause
	}
	w := &Watcher{cfg: cfg, remote: remote}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	w.log = w.log.With("watcher", cfg.Name)
	return w, nil
}

// Run polls until ctx is cancelled. It only returns when ctx is done, and
// then returns nil: a failed or panicking cycle is logged and retried after
// the recovery delay.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("auto-logout monitor starting",
		"session", w.cfg.SessionID,
		"threshold_seconds", w.cfg.ThresholdSeconds,
		"interval", w.cfg.Interval)
	for {
		_, err := w.safeCycle(ctx)
		delay := w.cfg.Interval
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("cycle failed", "error", err, "retry_in", w.cfg.RecoveryDelay)
			delay = w.cfg.RecoveryDelay
		}
		if !sleep(ctx, delay) {
			break
		}
	}
	w.log.Info("auto-logout monitor stopped")
	return nil
}

func (w *Watcher) safeCycle(ctx context.Context) (res CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("cycle panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return w.Cycle(ctx)
}

// Cycle fetches one report and logs out every candidate. Logout failures are
// per agent and do not fail the cycle.
func (w *Watcher) Cycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Failed: map[string]error{}}

	start := time.Now()
	body, err := w.remote.FetchReport(ctx)
	metrics.ObservePoll(w.cfg.Name, time.Since(start).Seconds())
	if err != nil {
		metrics.IncPoll(w.cfg.Name, false)
		return res, err
	}
	metrics.IncPoll(w.cfg.Name, true)

	records := ParseReport(body)
	res.Observed = OnSession(records, w.cfg.SessionID)
	res.Candidates = Candidates(records, w.cfg.SessionID, w.cfg.ThresholdSeconds)
	metrics.SetObserved(w.cfg.Name, res.Observed, len(res.Candidates))

	if len(res.Candidates) == 0 {
		w.log.Debug("no agents over threshold", "observed", res.Observed)
		return res, nil
	}
	w.log.Info("agents over threshold", "count", len(res.Candidates), "observed", res.Observed)

	for i, a := range res.Candidates {
		if i > 0 && !sleep(ctx, w.cfg.LogoutPause) {
			return res, ctx.Err()
		}
		w.log.Info("logging out agent",
			"user", a.UserID, "station", a.Station, "status", a.RawStatus, "elapsed", a.Elapsed)
		err := w.remote.Logout(ctx, a.UserID)
		metrics.IncLogout(w.cfg.Name, err == nil)
		w.record(ctx, a, err)
		if err != nil {
			w.log.Warn("logout failed", "user", a.UserID, "error", err)
			res.Failed[a.UserID] = err
			continue
		}
		w.log.Info("agent logged out", "user", a.UserID)
		res.LoggedOut = append(res.LoggedOut, a.UserID)
	}
	return res, nil
}

func (w *Watcher) record(ctx context.Context, a AgentRecord, err error) {
	if w.hist == nil {
		return
	}
	e := history.NewEvent(history.EventLogout, w.cfg.Name)
	e.Agent = a.UserID
	e.SessionID = a.SessionID
	e.ElapsedSeconds = a.ElapsedSeconds
	e.Status = "ok"
	if err != nil {
		e.Status = "failed"
		e.Error = err.Error()
	}
	if herr := w.hist.Send(context.WithoutCancel(ctx), e); herr != nil {
		w.log.Warn("history send failed", "error", herr)
	}
}

// sleep waits d or until ctx is done; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
