package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live-connector/pkg/connector"
	"github.com/live-connector/pkg/diagnostic"
	"github.com/live-connector/pkg/livedata"
	"github.com/live-connector/pkg/metrics"
	"github.com/live-connector/pkg/scheduler"
)

func general(key string) connector.ProcessParams {
	return connector.ProcessParams{ProcessKey: key, Endpoint: connector.EndpointGeneral}
}

func (h *harness) waitConnected(t *testing.T, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, k := range h.GetConnectedProcesses() {
			if k == key {
				return true
			}
		}
		return false
	}, eventually, tick)
}

func TestConnect_ExhaustedRetriesReportOnce(t *testing.T) {
	h := newHarness(t, 3)
	f := newFake("p1")
	f.connectFn = failAlways

	h.ConnectProcess("p1", f)

	require.Eventually(t, func() bool { return h.sink.Len() == 1 }, eventually, tick)
	time.Sleep(10 * testRetryDelay)

	assert.Equal(t, int32(4), f.connects.Load(), "first attempt plus maxRetryCount retries")
	events := h.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, diagnostic.SeverityError, events[0].Severity)
	assert.Equal(t, "Failed to connect to process p1 after retries: 3", events[0].Message)
	assert.ErrorIs(t, events[0].Cause, errUnreachable)

	assert.True(t, h.IsKnownProcessKey("p1"))
	assert.Empty(t, h.GetConnectedProcesses())
	assert.Equal(t, int32(0), f.refreshes.Load())
	assert.Equal(t, int32(4), h.prog.updates.Load())
	assert.Equal(t, h.prog.begins.Load(), h.prog.ends.Load())
}

func TestDisconnect_CancelsPendingRetry(t *testing.T) {
	h := newHarness(t, 1000)
	f := newFake("p1")
	f.connectFn = failAlways

	h.ConnectProcess("p1", f)
	require.Eventually(t, func() bool { return f.connects.Load() >= 2 }, eventually, tick)

	h.DisconnectProcess("p1")
	assert.False(t, h.IsKnownProcessKey("p1"))

	// 已在执行中的尝试允许结束
	time.Sleep(4 * testRetryDelay)
	calls := f.connects.Load()
	time.Sleep(20 * testRetryDelay)

	assert.Equal(t, calls, f.connects.Load(), "no connect attempts after disconnect")
	assert.Equal(t, int32(0), f.refreshes.Load())
	assert.Zero(t, h.sink.Len(), "abandoned chain must not be reported")
	require.Eventually(t, func() bool { return f.disconnects.Load() == 1 }, eventually, tick)
	assert.Zero(t, f.ListenerCount())
}

func TestRefresh_SameSnapshotTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t, 1)
	snap := &connector.LiveData{ProcessKey: "p1", Beans: []connector.Bean{{Name: "dataSource"}}}
	f := newFake("p1")
	f.refreshFn = func(int32) (*connector.LiveData, error) { return snap, nil }

	var mu sync.Mutex
	var kinds []livedata.EventKind
	h.Store().AddListener(func(e livedata.Event) {
		if e.Variant == livedata.VariantGeneral {
			mu.Lock()
			kinds = append(kinds, e.Kind)
			mu.Unlock()
		}
	})

	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")
	h.RefreshProcess(general("p1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 2
	}, eventually, tick)

	assert.Same(t, snap, h.GetLiveData("p1"))
	assert.Equal(t, 1, h.Store().General.Len())
	mu.Lock()
	assert.Equal(t, []livedata.EventKind{livedata.Added, livedata.Updated}, kinds)
	mu.Unlock()
}

func TestRefresh_GcPauseFailureLeavesMemoryUntouched(t *testing.T) {
	h := newHarness(t, 2)
	mem := &connector.MetricsLiveData{ProcessKey: "p1"}
	f := newFake("p1")
	f.memoryFn = func(int32, *connector.MetricsLiveData, string, string) (*connector.MetricsLiveData, error) {
		return mem, nil
	}
	f.gcFn = func(int32) (*connector.MetricsLiveData, error) { return nil, errUnreachable }

	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")

	h.RefreshProcess(connector.ProcessParams{ProcessKey: "p1", Endpoint: connector.EndpointMemory, MetricName: "jvm.memory.used"})
	require.Eventually(t, func() bool { return h.GetMemoryMetricsLiveData("p1") == mem }, eventually, tick)

	h.RefreshProcess(connector.ProcessParams{ProcessKey: "p1", Endpoint: connector.EndpointGcPauses, MetricName: "jvm.gc.pause"})
	require.Eventually(t, func() bool { return h.sink.Len() == 1 }, eventually, tick)

	assert.Same(t, mem, h.GetMemoryMetricsLiveData("p1"))
	assert.Nil(t, h.GetGcPausesMetricsLiveData("p1"))
	assert.NotNil(t, h.GetLiveData("p1"))
	assert.Equal(t, int32(3), f.gcs.Load())
	assert.Contains(t, h.sink.Events()[0].Message, "gc pauses metrics")
	// 已连通过的进程不会因刷新失败被断开
	assert.True(t, h.IsKnownProcessKey("p1"))
	assert.Equal(t, []string{"p1"}, h.GetConnectedProcesses())
}

func TestConnect_FlagSetOnlyAfterFirstRefresh(t *testing.T) {
	h := newHarness(t, 5)
	release := make(chan struct{})
	f := newFake("p1")
	f.connectFn = func(n int32) error {
		if n < 3 {
			return errUnreachable
		}
		return nil
	}
	f.refreshFn = func(int32) (*connector.LiveData, error) {
		<-release
		return &connector.LiveData{ProcessKey: "p1"}, nil
	}

	h.ConnectProcess("p1", f)
	require.Eventually(t, func() bool { return f.refreshes.Load() == 1 }, eventually, tick)

	assert.Equal(t, int32(3), f.connects.Load())
	assert.True(t, h.IsKnownProcessKey("p1"))
	assert.Empty(t, h.GetConnectedProcesses(), "connect alone does not mark the process connected")

	close(release)
	h.waitConnected(t, "p1")
	assert.Zero(t, h.sink.Len())
}

func TestGetLoggers_ExhaustedNeverConnectedForcesDisconnect(t *testing.T) {
	h := newHarness(t, 2)
	f := newFake("p1")
	f.connectFn = failAlways
	f.loggersFn = func(int32) (*connector.LoggersData, error) { return nil, errUnreachable }

	h.ConnectProcess("p1", f)
	d, err := h.GetLoggers(context.Background(), connector.ProcessParams{ProcessKey: "p1"})

	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, int32(3), f.loggers.Load())
	assert.False(t, h.IsKnownProcessKey("p1"))
	require.Eventually(t, func() bool { return f.disconnects.Load() == 1 }, eventually, tick)

	var found bool
	for _, e := range h.sink.Events() {
		if e.Message == "Failed to fetch loggers of process p1 after retries: 2" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestGetConnectedProcesses_ExcludesRegisteredButNotRefreshed(t *testing.T) {
	h := newHarness(t, 1)
	a := newFake("a")
	b := newFake("b")
	b.refreshFn = func(int32) (*connector.LiveData, error) { return nil, nil }

	h.ConnectProcess("a", a)
	h.ConnectProcess("b", b)
	h.waitConnected(t, "a")
	require.Eventually(t, func() bool { return b.refreshes.Load() >= 1 }, eventually, tick)

	assert.Equal(t, []string{"a", "b"}, h.GetProcessKeys())
	assert.Equal(t, []string{"a"}, h.GetConnectedProcesses())

	infos := h.Processes()
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Connected)
	assert.False(t, infos[1].Connected)
	assert.Equal(t, "fake b", infos[1].Label)
}

func TestUnexpectedClose_ActsAsDisconnect(t *testing.T) {
	h := newHarness(t, 1)
	f := newFake("p1")

	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")
	require.Equal(t, 1, f.ListenerCount())

	assert.Equal(t, 1, f.NotifyClosed("p1"))

	assert.False(t, h.IsKnownProcessKey("p1"))
	assert.Nil(t, h.GetLiveData("p1"))
	require.Eventually(t, func() bool { return f.disconnects.Load() == 1 }, eventually, tick)
	assert.Zero(t, f.ListenerCount())
	assert.Zero(t, h.sink.Len())
}

func TestConfigureLogLevel_PatchesLoggersSnapshot(t *testing.T) {
	h := newHarness(t, 1)
	f := newFake("p1")
	f.loggersFn = func(int32) (*connector.LoggersData, error) {
		return &connector.LoggersData{
			ProcessKey: "p1",
			Levels:     []string{"DEBUG", "INFO"},
			Loggers:    map[string]connector.LoggerLevels{"com.acme": {ConfiguredLevel: "INFO", EffectiveLevel: "INFO"}},
		}, nil
	}
	f.logLevelFn = func(_ int32, args map[string]string) (*connector.LogLevelUpdate, error) {
		return &connector.LogLevelUpdate{
			ProcessKey:      "p1",
			LoggerName:      args[connector.ArgLogger],
			ConfiguredLevel: args[connector.ArgConfiguredLevel],
			EffectiveLevel:  args[connector.ArgConfiguredLevel],
		}, nil
	}

	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")

	before, err := h.GetLoggers(context.Background(), connector.ProcessParams{ProcessKey: "p1"})
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Same(t, before, h.GetLoggersLiveData("p1"))

	h.ConfigureLogLevel(connector.ProcessParams{ProcessKey: "p1", Args: map[string]string{
		connector.ArgLogger:          "com.acme",
		connector.ArgConfiguredLevel: "DEBUG",
	}})

	require.Eventually(t, func() bool {
		d := h.GetLoggersLiveData("p1")
		return d != nil && d.Loggers["com.acme"].ConfiguredLevel == "DEBUG"
	}, eventually, tick)
	assert.Equal(t, "INFO", before.Loggers["com.acme"].ConfiguredLevel, "stored snapshots are replaced, not mutated")
}

func TestConfigureLogLevel_FailureIsReported(t *testing.T) {
	h := newHarness(t, 1)
	f := newFake("p1")
	f.logLevelFn = func(int32, map[string]string) (*connector.LogLevelUpdate, error) { return nil, errUnreachable }

	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")
	h.ConfigureLogLevel(connector.ProcessParams{ProcessKey: "p1", Args: map[string]string{connector.ArgLogger: "ROOT"}})

	require.Eventually(t, func() bool { return h.sink.Len() == 1 }, eventually, tick)
	assert.Equal(t, "Failed to configure log level of process p1 after retries: 1", h.sink.Events()[0].Message)
	assert.Equal(t, int32(2), f.logLevels.Load())
	assert.True(t, h.IsKnownProcessKey("p1"))
}

func TestConnect_RecoversFromCapabilityPanic(t *testing.T) {
	h := newHarness(t, 2)
	f := newFake("p1")
	f.connectFn = func(n int32) error {
		if n == 1 {
			panic("boom")
		}
		return nil
	}

	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")
	assert.Equal(t, int32(2), f.connects.Load())
}

func TestConnect_ReplacingBindingStopsOldChain(t *testing.T) {
	h := newHarness(t, 1000)
	old := newFake("p1")
	old.connectFn = failAlways

	h.ConnectProcess("p1", old)
	require.Eventually(t, func() bool { return old.connects.Load() >= 2 }, eventually, tick)

	fresh := newFake("p1")
	h.ConnectProcess("p1", fresh)
	h.waitConnected(t, "p1")
	require.Eventually(t, func() bool { return old.disconnects.Load() == 1 }, eventually, tick)

	time.Sleep(4 * testRetryDelay)
	calls := old.connects.Load()
	time.Sleep(20 * testRetryDelay)
	assert.Equal(t, calls, old.connects.Load())
	assert.Zero(t, old.ListenerCount())
	assert.Equal(t, 1, fresh.ListenerCount())
	assert.Zero(t, fresh.disconnects.Load())
	assert.Zero(t, h.sink.Len())
}

// 同一 key 的 refresh 与 disconnect 之间不做互斥：已在途的刷新结果仍会写入存储。
// 注册表只保证重试链不会比 disconnect 活得更久。
func TestRefreshInFlightDuringDisconnect_RelaxedOrdering(t *testing.T) {
	h := newHarness(t, 1)
	release := make(chan struct{})
	f := newFake("p1")
	f.refreshFn = func(n int32) (*connector.LiveData, error) {
		if n == 2 {
			<-release
		}
		return &connector.LiveData{ProcessKey: "p1"}, nil
	}

	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")
	h.RefreshProcess(general("p1"))
	require.Eventually(t, func() bool { return f.refreshes.Load() == 2 }, eventually, tick)

	h.DisconnectProcess("p1")
	assert.False(t, h.IsKnownProcessKey("p1"))
	assert.Nil(t, h.GetLiveData("p1"))

	close(release)
	require.Eventually(t, func() bool { return h.GetLiveData("p1") != nil }, eventually, tick,
		"in-flight refresh result lands after disconnect")
	assert.Empty(t, h.GetConnectedProcesses())
	assert.Zero(t, h.sink.Len())
}

func TestDisconnect_FailureReportedWithoutReregistering(t *testing.T) {
	h := newHarness(t, 2)
	f := newFake("p1")
	f.disconnectFn = failAlways

	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")
	h.DisconnectProcess("p1")

	require.Eventually(t, func() bool { return h.sink.Len() == 1 }, eventually, tick)
	assert.Equal(t, "Failed to disconnect from process p1 after retries: 2", h.sink.Events()[0].Message)
	assert.Equal(t, int32(3), f.disconnects.Load())
	assert.False(t, h.IsKnownProcessKey("p1"))
}

func TestRefresh_ExhaustedNeverConnectedForcesDisconnect(t *testing.T) {
	h := newHarness(t, 2)
	f := newFake("p1")
	f.refreshFn = func(int32) (*connector.LiveData, error) { return nil, errUnreachable }

	h.ConnectProcess("p1", f)

	require.Eventually(t, func() bool { return !h.IsKnownProcessKey("p1") }, eventually, tick)
	require.Eventually(t, func() bool { return f.disconnects.Load() == 1 }, eventually, tick)
	require.Equal(t, 1, h.sink.Len())
	assert.Equal(t, "Failed to refresh live data of process p1 after retries: 2", h.sink.Events()[0].Message)
	assert.Equal(t, int32(3), f.refreshes.Load())
}

func TestUnknownProcessKey_OperationsAreNoops(t *testing.T) {
	h := newHarness(t, 1)

	h.RefreshProcess(general("ghost"))
	h.ConfigureLogLevel(connector.ProcessParams{ProcessKey: "ghost"})
	h.DisconnectProcess("ghost")
	d, err := h.GetLoggers(context.Background(), connector.ProcessParams{ProcessKey: "ghost"})

	assert.NoError(t, err)
	assert.Nil(t, d)
	assert.Nil(t, h.GetLiveData("ghost"))
	assert.Empty(t, h.GetProcessKeys())
	assert.Zero(t, h.prog.begins.Load())
}

func TestGetLoggers_CallerContextEndsWait(t *testing.T) {
	h := newHarness(t, 1)
	release := make(chan struct{})
	f := newFake("p1")
	f.loggersFn = func(int32) (*connector.LoggersData, error) {
		<-release
		return &connector.LoggersData{ProcessKey: "p1"}, nil
	}
	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d, err := h.GetLoggers(ctx, connector.ProcessParams{ProcessKey: "p1"})

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Nil(t, d)

	// 链条本身照常完成
	close(release)
	require.Eventually(t, func() bool { return h.GetLoggersLiveData("p1") != nil }, eventually, tick)
}

func TestRefresh_ConcurrentMemoryTagsKeepEverySample(t *testing.T) {
	const (
		rounds = 5
		metric = "jvm.memory.used"
	)
	h := newHarness(t, 1)
	f := newFake("p1")
	// 每轮两次刷新都先拿到同一个 current，再一起放行
	gates := make([]chan struct{}, rounds)
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	f.memoryFn = func(n int32, current *connector.MetricsLiveData, name, tags string) (*connector.MetricsLiveData, error) {
		<-gates[(n-1)/2]
		sample := connector.MetricSample{
			Timestamp:    time.Now(),
			Measurements: []connector.Measurement{{Statistic: "VALUE", Value: float64(n)}},
		}
		return current.WithSample("p1", name, tags, "bytes", sample, 0), nil
	}
	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")

	samples := func(tags string) int {
		s := h.GetMemoryMetricsLiveData("p1").Find(metric, tags)
		if s == nil {
			return 0
		}
		return len(s.Samples)
	}
	for i := 1; i <= rounds; i++ {
		for _, tags := range []string{"area:heap", "area:nonheap"} {
			h.RefreshProcess(connector.ProcessParams{ProcessKey: "p1", Endpoint: connector.EndpointMemory, MetricName: metric, Tags: tags})
		}
		require.Eventually(t, func() bool { return f.memories.Load() == int32(2*i) }, eventually, tick)
		assert.Equal(t, 2, h.prog.Active(), "each concurrent chain has its own progress task")
		close(gates[i-1])
		require.Eventually(t, func() bool {
			return samples("area:heap") == i && samples("area:nonheap") == i
		}, eventually, tick, "round %d", i)
	}
	assert.Len(t, h.GetMemoryMetricsLiveData("p1").Series, 2)
	assert.Equal(t, h.prog.begins.Load(), h.prog.ends.Load())
	assert.Eventually(t, func() bool { return h.prog.Active() == 0 }, eventually, tick)
}

func TestRefresh_MetricsResultSetsConnectedFlag(t *testing.T) {
	h := newHarness(t, 1)
	f := newFake("p1")
	// 通用刷新没有数据，不会置位
	f.refreshFn = func(int32) (*connector.LiveData, error) { return nil, nil }
	h.ConnectProcess("p1", f)
	require.Eventually(t, func() bool { return f.refreshes.Load() == 1 }, eventually, tick)
	time.Sleep(4 * testRetryDelay)
	assert.Empty(t, h.GetConnectedProcesses())

	h.RefreshProcess(connector.ProcessParams{ProcessKey: "p1", Endpoint: connector.EndpointMemory, MetricName: "jvm.memory.used", Tags: "area:heap"})
	h.waitConnected(t, "p1")
	assert.NotNil(t, h.GetMemoryMetricsLiveData("p1").Find("jvm.memory.used", "area:heap"))
}

func TestShutdown_EndsPendingGetLoggers(t *testing.T) {
	h := newHarness(t, 1000)
	f := newFake("p1")
	f.loggersFn = func(int32) (*connector.LoggersData, error) { return nil, errUnreachable }
	h.ConnectProcess("p1", f)
	h.waitConnected(t, "p1")

	type result struct {
		d   *connector.LoggersData
		err error
	}
	res := make(chan result, 1)
	go func() {
		d, err := h.GetLoggers(context.Background(), connector.ProcessParams{ProcessKey: "p1"})
		res <- result{d, err}
	}()
	require.Eventually(t, func() bool { return f.loggers.Load() >= 2 }, eventually, tick)

	require.NoError(t, h.Shutdown(time.Second))

	select {
	case r := <-res:
		assert.NoError(t, r.err)
		assert.Nil(t, r.d)
	case <-time.After(eventually):
		t.Fatal("GetLoggers still blocked after Shutdown")
	}
	require.Eventually(t, func() bool { return h.prog.begins.Load() == h.prog.ends.Load() }, eventually, tick)
	assert.Zero(t, h.sink.Len(), "shutdown is a silent cancellation")
	assert.True(t, h.IsKnownProcessKey("p1"))
}

func TestCoordinator_RecordsAttemptMetrics(t *testing.T) {
	factory := metrics.NewMetricFactory(metrics.NewPromRegistry(metrics.NewAgentRegistry(false)))
	m := factory.NewCoordinatorMetrics()
	sink := &recordingSink{}
	c, err := New(
		WithRetryPolicy(scheduler.RetryPolicy{MaxRetryCount: 1, RetryDelay: testRetryDelay}),
		WithDiagnostics(sink),
		WithMetrics(m),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(time.Second) })

	f := newFake("p1")
	f.connectFn = failAlways
	c.ConnectProcess("p1", f)

	require.Eventually(t, func() bool { return sink.Len() == 1 }, eventually, tick)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Attempts.WithLabelValues(opConnect)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Failures.WithLabelValues(opConnect)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Exhausted.WithLabelValues(opConnect)))
}
