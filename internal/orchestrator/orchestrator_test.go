package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/autologout/internal/artifact"
	"github.com/loykin/autologout/internal/history"
	"github.com/loykin/autologout/internal/service"
	"github.com/loykin/autologout/internal/store"
)

// fakeController keeps unit state in memory and can fail chosen methods.
type fakeController struct {
	mu      sync.Mutex
	enabled map[string]bool
	active  map[string]bool
	fail    map[string]error // method -> error
	calls   []string
	logs    map[string][]string
	onStart func(name string)
	// onRegister, when set, decides the outcome of each Register call.
	onRegister func(unit string) error
}

func newFakeController() *fakeController {
	return &fakeController{
		enabled: map[string]bool{},
		active:  map[string]bool{},
		fail:    map[string]error{},
		logs:    map[string][]string{},
	}
}

func (f *fakeController) record(method, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method+" "+name)
	return f.fail[method]
}

func (f *fakeController) Register(_ context.Context, unitPath string) error {
	if err := f.record("register", filepath.Base(unitPath)); err != nil {
		return err
	}
	if f.onRegister != nil {
		return f.onRegister(unitPath)
	}
	return nil
}

func (f *fakeController) Enable(_ context.Context, name string) error {
	if err := f.record("enable", name); err != nil {
		return err
	}
	f.mu.Lock()
	f.enabled[name] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Disable(_ context.Context, name string) error {
	if err := f.record("disable", name); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.enabled, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Start(_ context.Context, name string) error {
	if err := f.record("start", name); err != nil {
		return err
	}
	if f.onStart != nil {
		f.onStart(name)
	}
	f.mu.Lock()
	f.active[name] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Stop(_ context.Context, name string) error {
	if err := f.record("stop", name); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.active, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Restart(_ context.Context, name string) error {
	if err := f.record("restart", name); err != nil {
		return err
	}
	f.mu.Lock()
	f.active[name] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Status(_ context.Context, name string) service.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[name] {
		return service.StatusActive
	}
	return service.StatusInactive
}

func (f *fakeController) Logs(_ context.Context, name string, n int) ([]string, error) {
	if err := f.record("logs", name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := f.logs[name]
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func (f *fakeController) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	o     *Orchestrator
	st    *store.Store
	gen   *artifact.Generator
	ctl   *fakeController
	sink  *memSink
	store string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "watchers.json")
	st := store.New(storePath)
	gen := artifact.NewGenerator(artifact.Settings{
		InstallDir: filepath.Join(dir, "lib"),
		UnitDir:    filepath.Join(dir, "units"),
	})
	ctl := newFakeController()
	sink := &memSink{}
	o, err := New(Options{Store: st, Generator: gen, Controller: ctl, History: sink, MaxLogLines: 100})
	require.NoError(t, err)
	return &fixture{o: o, st: st, gen: gen, ctl: ctl, sink: sink, store: storePath}
}

func demo() store.WatcherConfig {
	return store.WatcherConfig{
		Name:                 "demo",
		BaseURL:              "https://dialer.example.com/vicidial/",
		Credentials:          store.Credentials{Username: "admin", Password: "secret"},
		TargetSessionID:      "8001",
		TimeThresholdSeconds: 90,
		CheckIntervalSeconds: 5,
	}
}

func TestCreateListDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.o.Create(ctx, demo())
	require.NoError(t, err)
	assert.Equal(t, service.StatusActive, e.Status)
	assert.Equal(t, "https://dialer.example.com/vicidial", e.Config.BaseURL)
	assert.Equal(t, "Auto-Logout Watcher - demo", e.Config.Description)
	assert.FileExists(t, e.Config.Artifacts.Program)
	assert.FileExists(t, e.Config.Artifacts.Unit)
	assert.True(t, f.ctl.enabled["demo"])
	assert.False(t, e.Config.CreatedAt.IsZero())

	list, err := f.o.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "demo", list[0].Config.Name)
	assert.Equal(t, service.StatusActive, list[0].Status)

	require.NoError(t, f.o.Delete(ctx, "demo"))
	list, err = f.o.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoFileExists(t, e.Config.Artifacts.Program)
	assert.NoFileExists(t, e.Config.Artifacts.Unit)
	assert.False(t, f.ctl.enabled["demo"])
	assert.False(t, f.ctl.active["demo"])

	assert.Equal(t, []history.EventType{history.EventCreated, history.EventDeleted}, f.sink.types())
}

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	c := demo()
	c.TimeThresholdSeconds = 0
	c.CheckIntervalSeconds = 0
	e, err := f.o.Create(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 90, e.Config.TimeThresholdSeconds)
	assert.Equal(t, 5, e.Config.CheckIntervalSeconds)
}

func TestCreateValidation(t *testing.T) {
	cases := map[string]func(*store.WatcherConfig){
		"missing name":      func(c *store.WatcherConfig) { c.Name = "" },
		"unsafe name":       func(c *store.WatcherConfig) { c.Name = "../etc" },
		"dash name":         func(c *store.WatcherConfig) { c.Name = "-x" },
		"missing url":       func(c *store.WatcherConfig) { c.BaseURL = "" },
		"bad scheme":        func(c *store.WatcherConfig) { c.BaseURL = "ftp://x" },
		"missing user":      func(c *store.WatcherConfig) { c.Credentials.Username = "" },
		"missing password":  func(c *store.WatcherConfig) { c.Credentials.Password = "" },
		"missing session":   func(c *store.WatcherConfig) { c.TargetSessionID = " " },
		"negative interval": func(c *store.WatcherConfig) { c.CheckIntervalSeconds = -1 },
		"negative threshold": func(c *store.WatcherConfig) {
			c.TimeThresholdSeconds = -5
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			c := demo()
			mutate(&c)
			_, err := f.o.Create(context.Background(), c)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation), "got %v", err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Empty(t, f.ctl.calls)
			assert.NoFileExists(t, f.store)
		})
	}
}

func TestCreateConflictHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.o.Create(ctx, demo())
	require.NoError(t, err)
	before, err := os.ReadFile(f.store)
	require.NoError(t, err)
	program, err := os.ReadFile(first.Config.Artifacts.Program)
	require.NoError(t, err)
	calls := len(f.ctl.calls)

	second := demo()
	second.TargetSessionID = "9999"
	_, err = f.o.Create(ctx, second)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConflict))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	after, err := os.ReadFile(f.store)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	programAfter, err := os.ReadFile(first.Config.Artifacts.Program)
	require.NoError(t, err)
	assert.Equal(t, program, programAfter)
	assert.Len(t, f.ctl.calls, calls)
}

func TestCreateRefusesForeignUnit(t *testing.T) {
	f := newFixture(t)
	unit := f.gen.Paths("demo").Unit
	require.NoError(t, os.MkdirAll(filepath.Dir(unit), 0o750))
	require.NoError(t, os.WriteFile(unit, []byte("[Unit]\n"), 0o600))

	_, err := f.o.Create(context.Background(), demo())
	assert.True(t, IsKind(err, KindConflict))
	b, _ := os.ReadFile(unit)
	assert.Equal(t, "[Unit]\n", string(b))
}

func TestCreateRollsBackOnServiceFailure(t *testing.T) {
	for _, step := range []string{"register", "enable", "start"} {
		t.Run(step, func(t *testing.T) {
			f := newFixture(t)
			f.ctl.fail[step] = &service.CommandError{Command: "systemctl", Args: []string{step}, ExitCode: 1}

			_, err := f.o.Create(context.Background(), demo())
			require.Error(t, err)
			var oe *Error
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, KindServiceManager, oe.Kind)
			assert.Equal(t, step, oe.Step)
			var ce *service.CommandError
			assert.ErrorAs(t, err, &ce)

			paths := f.gen.Paths("demo")
			assert.NoFileExists(t, paths.Program)
			assert.NoFileExists(t, paths.Unit)
			assert.False(t, f.ctl.enabled["demo"])
			assert.False(t, f.ctl.active["demo"])
			_, err = f.st.Get("demo")
			assert.ErrorIs(t, err, store.ErrNotFound)
			assert.Empty(t, f.sink.types())
		})
	}
}

func TestCreateRollsBackOnPersistFailure(t *testing.T) {
	f := newFixture(t)
	// another writer records the name between the check and the final save
	f.ctl.onStart = func(name string) {
		c := demo()
		c.TargetSessionID = "other"
		require.NoError(t, f.st.Create(c))
	}

	_, err := f.o.Create(context.Background(), demo())
	require.Error(t, err)
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindConflict, oe.Kind)
	assert.Equal(t, "persist", oe.Step)
	assert.False(t, f.ctl.active["demo"])
	assert.False(t, f.ctl.enabled["demo"])
	assert.NoFileExists(t, f.gen.Paths("demo").Program)

	stored, err := f.st.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, "other", stored.TargetSessionID)
}

func TestDeleteUnknownIsNotFoundAndStoreUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.o.Create(ctx, demo())
	require.NoError(t, err)
	before, err := os.ReadFile(f.store)
	require.NoError(t, err)

	err = f.o.Delete(ctx, "ghost")
	assert.True(t, IsKind(err, KindNotFound))
	assert.ErrorIs(t, err, store.ErrNotFound)

	after, err := os.ReadFile(f.store)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, f.ctl.called("stop ghost"))
}

func TestDeleteFailureKeepsConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.o.Create(ctx, demo())
	require.NoError(t, err)

	f.ctl.fail["disable"] = errors.New("dbus timeout")
	err = f.o.Delete(ctx, "demo")
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "disable", oe.Step)
	_, err = f.st.Get("demo")
	require.NoError(t, err)

	// re-issuing succeeds once the manager recovers
	delete(f.ctl.fail, "disable")
	require.NoError(t, f.o.Delete(ctx, "demo"))
	_, err = f.st.Get("demo")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateRegeneratesAndRestartsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.o.Create(ctx, demo())
	require.NoError(t, err)

	threshold := 120
	e, err := f.o.Update(ctx, "demo", Patch{TimeThresholdSeconds: &threshold})
	require.NoError(t, err)
	assert.Equal(t, 120, e.Config.TimeThresholdSeconds)
	assert.Equal(t, created.Config.Artifacts, e.Config.Artifacts)
	assert.Equal(t, created.Config.CreatedAt, e.Config.CreatedAt)
	assert.True(t, f.ctl.called("restart demo"))
	assert.Equal(t, service.StatusActive, e.Status)

	program, err := os.ReadFile(created.Config.Artifacts.Program)
	require.NoError(t, err)
	assert.Contains(t, string(program), "--threshold 120")
	assert.NotContains(t, string(program), "--threshold 90")

	stored, err := f.st.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, 120, stored.TimeThresholdSeconds)
	assert.Equal(t, []history.EventType{history.EventCreated, history.EventUpdated}, f.sink.types())
}

func TestUpdateLeavesStoppedUnitStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.o.Create(ctx, demo())
	require.NoError(t, err)
	_, err = f.o.Do(ctx, "demo", "stop")
	require.NoError(t, err)

	pw := "rotated"
	e, err := f.o.Update(ctx, "demo", Patch{Credentials: &CredentialsPatch{Password: &pw}})
	require.NoError(t, err)
	assert.Equal(t, service.StatusInactive, e.Status)
	assert.Equal(t, "admin", e.Config.Credentials.Username)
	assert.Equal(t, "rotated", e.Config.Credentials.Password)
	assert.False(t, f.ctl.called("restart demo"))
	assert.False(t, f.ctl.active["demo"])
}

func TestUpdatePersistFailureLogsRollbackReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.o.Create(ctx, demo())
	require.NoError(t, err)

	var logs bytes.Buffer
	o, err := New(Options{
		Store:      f.st,
		Generator:  f.gen,
		Controller: f.ctl,
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)

	registers := 0
	f.ctl.onRegister = func(string) error {
		registers++
		if registers == 1 {
			// the store file turns into a directory, so the save fails
			require.NoError(t, os.Remove(f.store))
			require.NoError(t, os.Mkdir(f.store, 0o700))
			return nil
		}
		return errors.New("daemon-reload timed out")
	}

	threshold := 120
	_, err = o.Update(ctx, "demo", Patch{TimeThresholdSeconds: &threshold})
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindIO, oe.Kind)
	assert.Equal(t, "persist", oe.Step)
	assert.Equal(t, 2, registers)
	assert.Contains(t, logs.String(), "rollback step failed")
	assert.Contains(t, logs.String(), "step=register")
	assert.Contains(t, logs.String(), "daemon-reload timed out")
}

func TestUpdateKeepsPasswordBehindMask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.o.Create(ctx, demo())
	require.NoError(t, err)
	before, err := f.o.Get(ctx, "demo")
	require.NoError(t, err)

	user := "supervisor"
	masked := store.RedactedPassword
	e, err := f.o.Update(ctx, "demo", Patch{Credentials: &CredentialsPatch{Username: &user, Password: &masked}})
	require.NoError(t, err)
	assert.Equal(t, "supervisor", e.Config.Credentials.Username)
	assert.Equal(t, before.Config.Credentials.Password, e.Config.Credentials.Password)
	assert.NotEqual(t, store.RedactedPassword, e.Config.Credentials.Password)
}

func TestUpdateRejectsRenameAndInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.o.Create(ctx, demo())
	require.NoError(t, err)
	before, _ := os.ReadFile(f.store)

	other := "other"
	_, err = f.o.Update(ctx, "demo", Patch{Name: &other})
	assert.True(t, IsKind(err, KindValidation))

	zero := 0
	_, err = f.o.Update(ctx, "demo", Patch{CheckIntervalSeconds: &zero})
	assert.True(t, IsKind(err, KindValidation))

	after, _ := os.ReadFile(f.store)
	assert.Equal(t, before, after)
}

func TestUpdateUnknown(t *testing.T) {
	f := newFixture(t)
	d := "x"
	_, err := f.o.Update(context.Background(), "ghost", Patch{Description: &d})
	assert.True(t, IsKind(err, KindNotFound))
}

func TestUpdateRegisterFailureRestoresArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.o.Create(ctx, demo())
	require.NoError(t, err)
	original, err := os.ReadFile(created.Config.Artifacts.Program)
	require.NoError(t, err)

	f.ctl.fail["register"] = errors.New("reload failed")
	threshold := 300
	_, err = f.o.Update(ctx, "demo", Patch{TimeThresholdSeconds: &threshold})
	assert.True(t, IsKind(err, KindServiceManager))

	after, err := os.ReadFile(created.Config.Artifacts.Program)
	require.NoError(t, err)
	assert.Equal(t, original, after)
	stored, err := f.st.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, 90, stored.TimeThresholdSeconds)
}

func TestActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.o.Create(ctx, demo())
	require.NoError(t, err)

	st, err := f.o.Do(ctx, "demo", "stop")
	require.NoError(t, err)
	assert.Equal(t, service.StatusInactive, st)

	st, err = f.o.Do(ctx, "demo", "START")
	require.NoError(t, err)
	assert.Equal(t, service.StatusActive, st)

	st, err = f.o.Do(ctx, "demo", "restart")
	require.NoError(t, err)
	assert.Equal(t, service.StatusActive, st)

	st, err = f.o.Do(ctx, "demo", "status")
	require.NoError(t, err)
	assert.Equal(t, service.StatusActive, st)

	assert.Equal(t, []history.EventType{
		history.EventCreated, history.EventStopped, history.EventStarted, history.EventRestarted,
	}, f.sink.types())
}

func TestActionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.o.Create(ctx, demo())
	require.NoError(t, err)

	_, err = f.o.Do(ctx, "demo", "reboot")
	assert.True(t, IsKind(err, KindValidation))

	_, err = f.o.Do(ctx, "ghost", "start")
	assert.True(t, IsKind(err, KindNotFound))

	f.ctl.fail["start"] = errors.New("boom")
	_, err = f.o.Do(ctx, "demo", "start")
	assert.True(t, IsKind(err, KindServiceManager))
}

func TestStatusOfUnknownWatcher(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Get(context.Background(), "nope")
	assert.True(t, IsKind(err, KindNotFound))
	// the controller itself reports unknown units as inactive
	assert.Equal(t, service.StatusInactive, f.ctl.Status(context.Background(), "nope"))
}

func TestLogsClamping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.o.Create(ctx, demo())
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		f.ctl.logs["demo"] = append(f.ctl.logs["demo"], fmt.Sprintf("line %d", i))
	}

	lines, err := f.o.Logs(ctx, "demo", 0)
	require.NoError(t, err)
	assert.Len(t, lines, DefaultLogLines)
	assert.Equal(t, "line 499", lines[len(lines)-1])

	lines, err = f.o.Logs(ctx, "demo", 10000)
	require.NoError(t, err)
	assert.Len(t, lines, 100)

	lines, err = f.o.Logs(ctx, "demo", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 497", "line 498", "line 499"}, lines)

	_, err = f.o.Logs(ctx, "ghost", 10)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestConcurrentCreatesDifferentNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := demo()
			c.Name = fmt.Sprintf("w%02d", i)
			_, err := f.o.Create(ctx, c)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	list, err := f.o.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 10)
	assert.Equal(t, "w00", list[0].Config.Name)
	assert.Equal(t, "w09", list[9].Config.Name)
}

func TestConcurrentCreatesSameName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.o.Create(ctx, demo())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case IsKind(err, KindConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, conflicts)
}

func TestErrorFormatting(t *testing.T) {
	err := newErr(KindIO, "persist", "demo", errors.New("disk full"))
	assert.Equal(t, `io: watcher "demo": persist: disk full`, err.Error())
	assert.Equal(t, "", string(KindOf(errors.New("plain"))))
}

func TestValidName(t *testing.T) {
	for _, s := range []string{"demo", "a.b_c-1", "X9"} {
		assert.True(t, ValidName(s), s)
	}
	for _, s := range []string{"", "..", "a..b", ".hidden", "-flag", "a/b", "sp ace", strings.Repeat("a", 65)} {
		assert.False(t, ValidName(s), s)
	}
}
