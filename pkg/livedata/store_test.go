package livedata

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live-connector/pkg/connector"
)

func TestTable_AddIfAbsentThenUpdate(t *testing.T) {
	s := NewStore()
	first := &connector.LiveData{ProcessKey: "1 - app", ActiveProfiles: []string{"dev"}}
	second := &connector.LiveData{ProcessKey: "1 - app", ActiveProfiles: []string{"prod"}}

	assert.True(t, s.General.AddIfAbsent("1 - app", first))
	assert.False(t, s.General.AddIfAbsent("1 - app", second), "second add must not overwrite")

	got, ok := s.General.Get("1 - app")
	require.True(t, ok)
	assert.Same(t, first, got)

	s.General.Update("1 - app", second)
	got, _ = s.General.Get("1 - app")
	assert.Same(t, second, got)
}

func TestTable_UpsertIsIdempotent(t *testing.T) {
	once := NewStore()
	twice := NewStore()
	snap := &connector.LiveData{ProcessKey: "7 - svc", Beans: []connector.Bean{{Name: "a"}}}

	once.General.Upsert("7 - svc", snap)
	twice.General.Upsert("7 - svc", snap)
	twice.General.Upsert("7 - svc", snap)

	a, _ := once.General.Get("7 - svc")
	b, _ := twice.General.Get("7 - svc")
	assert.Equal(t, a, b)
	assert.Equal(t, once.General.Len(), twice.General.Len())
	assert.Equal(t, once.Keys(), twice.Keys())
}

func TestTable_MergeIsAtomicPerKey(t *testing.T) {
	s := NewStore()
	var kinds []EventKind
	var mu sync.Mutex
	s.AddListener(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Loggers.Merge("k", func(current *connector.LoggersData, exist bool) *connector.LoggersData {
				next := &connector.LoggersData{ProcessKey: "k", Levels: []string{"INFO"}}
				if exist {
					next.Levels = append(append([]string(nil), current.Levels...), "INFO")
				}
				return next
			})
		}()
	}
	wg.Wait()

	got, ok := s.Loggers.Get("k")
	require.True(t, ok)
	assert.Len(t, got.Levels, writers, "no merge is lost")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, kinds, writers)
	added := 0
	for _, k := range kinds {
		if k == Added {
			added++
		}
	}
	assert.Equal(t, 1, added)
}

func TestStore_VariantsAreIndependent(t *testing.T) {
	s := NewStore()
	mem := (&connector.MetricsLiveData{}).WithSample("k", "jvm.memory.used", "area:heap", "bytes",
		connector.MetricSample{Timestamp: time.Now(), Measurements: []connector.Measurement{{Statistic: "VALUE", Value: 10}}}, 5)
	s.Memory.Upsert("k", mem)

	assert.False(t, s.GcPauses.Remove("k"))
	got, ok := s.Memory.Get("k")
	require.True(t, ok)
	assert.Same(t, mem, got)

	_, ok = s.General.Get("k")
	assert.False(t, ok)
}

func TestStore_RemoveAll(t *testing.T) {
	s := NewStore()
	s.General.Upsert("k", &connector.LiveData{})
	s.Memory.Upsert("k", &connector.MetricsLiveData{})
	s.GcPauses.Upsert("k", &connector.MetricsLiveData{})
	s.Loggers.Upsert("k", &connector.LoggersData{})
	s.General.Upsert("other", &connector.LiveData{})

	s.RemoveAll("k")

	assert.Equal(t, []string{"other"}, s.Keys())
	assert.Equal(t, 0, s.Loggers.Len())
}

func TestStore_PatchLogLevel(t *testing.T) {
	s := NewStore()
	assert.False(t, s.PatchLogLevel("k", &connector.LogLevelUpdate{LoggerName: "ROOT", ConfiguredLevel: "DEBUG"}),
		"patching without loggers data must be a no-op")
	assert.Equal(t, 0, s.Loggers.Len())

	orig := &connector.LoggersData{
		ProcessKey: "k",
		Levels:     []string{"INFO", "DEBUG"},
		Loggers: map[string]connector.LoggerLevels{
			"ROOT":        {ConfiguredLevel: "INFO", EffectiveLevel: "INFO"},
			"com.example": {EffectiveLevel: "INFO"},
		},
	}
	s.Loggers.Upsert("k", orig)

	ok := s.PatchLogLevel("k", &connector.LogLevelUpdate{LoggerName: "com.example", ConfiguredLevel: "DEBUG", EffectiveLevel: "DEBUG"})
	require.True(t, ok)

	got, _ := s.Loggers.Get("k")
	assert.Equal(t, "DEBUG", got.Loggers["com.example"].ConfiguredLevel)
	assert.Equal(t, "INFO", got.Loggers["ROOT"].ConfiguredLevel, "other loggers untouched")
	assert.Equal(t, "", orig.Loggers["com.example"].ConfiguredLevel, "stored snapshot is replaced, not mutated")
}

func TestStore_Listeners(t *testing.T) {
	s := NewStore()
	var mu sync.Mutex
	var events []Event
	remove := s.AddListener(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	s.Memory.Upsert("k", &connector.MetricsLiveData{})
	s.Memory.Upsert("k", &connector.MetricsLiveData{})
	s.Memory.Remove("k")
	remove()
	s.Memory.Upsert("k", &connector.MetricsLiveData{})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, Added, events[0].Kind)
	assert.Equal(t, Updated, events[1].Kind)
	assert.Equal(t, Removed, events[2].Kind)
	assert.Equal(t, VariantMemory, events[2].Variant)
}

func TestStore_ConcurrentUpserts(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.General.Upsert("k", &connector.LiveData{ProcessKey: "k"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, s.General.Len())
}
