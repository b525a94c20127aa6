package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/live-connector/pkg/connector"
	"github.com/live-connector/pkg/diagnostic"
	"github.com/live-connector/pkg/scheduler"
)

var errUnreachable = errors.New("connection refused")

// fakeCapability 每个操作一个可替换的函数，n 为该操作第几次被调用（从 1 开始）
type fakeCapability struct {
	*connector.CloseNotifier
	key string

	connectFn    func(n int32) error
	refreshFn    func(n int32) (*connector.LiveData, error)
	memoryFn     func(n int32, current *connector.MetricsLiveData, name, tags string) (*connector.MetricsLiveData, error)
	gcFn         func(n int32) (*connector.MetricsLiveData, error)
	loggersFn    func(n int32) (*connector.LoggersData, error)
	logLevelFn   func(n int32, args map[string]string) (*connector.LogLevelUpdate, error)
	disconnectFn func(n int32) error

	connects, refreshes, memories, gcs, loggers, logLevels, disconnects atomic.Int32
}

func newFake(key string) *fakeCapability {
	return &fakeCapability{CloseNotifier: connector.NewCloseNotifier(), key: key}
}

func (f *fakeCapability) ProcessKey() string  { return f.key }
func (f *fakeCapability) ProcessID() string   { return "42" }
func (f *fakeCapability) ProcessName() string { return f.key }
func (f *fakeCapability) Label() string       { return "fake " + f.key }

func (f *fakeCapability) Connect(context.Context) error {
	n := f.connects.Add(1)
	if f.connectFn != nil {
		return f.connectFn(n)
	}
	return nil
}

func (f *fakeCapability) Refresh(_ context.Context, _ *connector.LiveData) (*connector.LiveData, error) {
	n := f.refreshes.Add(1)
	if f.refreshFn != nil {
		return f.refreshFn(n)
	}
	return &connector.LiveData{ProcessKey: f.key}, nil
}

func (f *fakeCapability) RefreshMemoryMetrics(_ context.Context, current *connector.MetricsLiveData, name, tags string) (*connector.MetricsLiveData, error) {
	n := f.memories.Add(1)
	if f.memoryFn != nil {
		return f.memoryFn(n, current, name, tags)
	}
	return current.WithSample(f.key, name, tags, "bytes", connector.MetricSample{Timestamp: time.Now()}, 0), nil
}

func (f *fakeCapability) RefreshGcPausesMetrics(_ context.Context, _ *connector.MetricsLiveData, _, _ string) (*connector.MetricsLiveData, error) {
	n := f.gcs.Add(1)
	if f.gcFn != nil {
		return f.gcFn(n)
	}
	return &connector.MetricsLiveData{ProcessKey: f.key}, nil
}

func (f *fakeCapability) GetLoggers(_ context.Context, _ *connector.LoggersData) (*connector.LoggersData, error) {
	n := f.loggers.Add(1)
	if f.loggersFn != nil {
		return f.loggersFn(n)
	}
	return &connector.LoggersData{ProcessKey: f.key}, nil
}

func (f *fakeCapability) ConfigureLogLevel(_ context.Context, _ *connector.LoggersData, args map[string]string) (*connector.LogLevelUpdate, error) {
	n := f.logLevels.Add(1)
	if f.logLevelFn != nil {
		return f.logLevelFn(n, args)
	}
	return nil, nil
}

func (f *fakeCapability) Disconnect(context.Context) error {
	n := f.disconnects.Add(1)
	if f.disconnectFn != nil {
		return f.disconnectFn(n)
	}
	return nil
}

// recordingSink 记录所有诊断事件
type recordingSink struct {
	mu     sync.Mutex
	events []diagnostic.Event
}

func (s *recordingSink) Report(e diagnostic.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Events() []diagnostic.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]diagnostic.Event(nil), s.events...)
}

func (s *recordingSink) Len() int {
	return len(s.Events())
}

// recordingProgress 统计 Begin/End 次数，并记录当前活跃的任务 ID
type recordingProgress struct {
	begins, updates, ends atomic.Int32

	mu     sync.Mutex
	active map[string]struct{}
}

func (p *recordingProgress) Begin(id, _, _ string) {
	p.begins.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		p.active = make(map[string]struct{})
	}
	p.active[id] = struct{}{}
}

func (p *recordingProgress) Update(string, string) { p.updates.Add(1) }

func (p *recordingProgress) End(id string) {
	p.ends.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
}

func (p *recordingProgress) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

const testRetryDelay = 5 * time.Millisecond

type harness struct {
	*Coordinator
	sink *recordingSink
	prog *recordingProgress
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	sink := &recordingSink{}
	prog := &recordingProgress{}
	c, err := New(
		WithRetryPolicy(scheduler.RetryPolicy{MaxRetryCount: maxRetries, RetryDelay: testRetryDelay}),
		WithDiagnostics(sink),
		WithProgress(prog),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(time.Second) })
	return &harness{Coordinator: c, sink: sink, prog: prog}
}

func failAlways(int32) error { return errUnreachable }

const (
	eventually = 2 * time.Second
	tick       = 2 * time.Millisecond
)
