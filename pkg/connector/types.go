package connector

import (
	"sort"
	"time"
)

// -------------------------- 通用实时数据 --------------------------

// Bean 运行时容器中的一个组件
type Bean struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Scope        string   `json:"scope,omitempty"`
	Resource     string   `json:"resource,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// RequestMapping 一条请求映射
type RequestMapping struct {
	Paths   []string `json:"paths"`
	Methods []string `json:"methods,omitempty"`
	Handler string   `json:"handler"`
}

// LiveData 通用运行时模型快照
type LiveData struct {
	ProcessKey      string            `json:"processKey"`
	ProcessID       string            `json:"processId"`
	ProcessName     string            `json:"processName"`
	ActiveProfiles  []string          `json:"activeProfiles"`
	Beans           []Bean            `json:"beans"`
	RequestMappings []RequestMapping  `json:"requestMappings"`
	Properties      map[string]string `json:"properties,omitempty"`
	RefreshedAt     time.Time         `json:"refreshedAt"`
}

// BeanNames 按字母序返回所有 bean 名称
func (d *LiveData) BeanNames() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.Beans))
	for _, b := range d.Beans {
		names = append(names, b.Name)
	}
	sort.Strings(names)
	return names
}

// -------------------------- 指标实时数据（内存 / GC 暂停） --------------------------

// Measurement 单个统计量，如 VALUE、COUNT、TOTAL_TIME、MAX
type Measurement struct {
	Statistic string  `json:"statistic"`
	Value     float64 `json:"value"`
}

// MetricSample 某一时刻的一组测量值
type MetricSample struct {
	Timestamp    time.Time     `json:"timestamp"`
	Measurements []Measurement `json:"measurements"`
}

// Value 按统计量名取值
func (s MetricSample) Value(statistic string) (float64, bool) {
	for _, m := range s.Measurements {
		if m.Statistic == statistic {
			return m.Value, true
		}
	}
	return 0, false
}

// MetricSeries 同一指标名 + 标签组合下的有界时间序列
type MetricSeries struct {
	Name     string         `json:"name"`
	Tags     string         `json:"tags,omitempty"`
	BaseUnit string         `json:"baseUnit,omitempty"`
	Samples  []MetricSample `json:"samples"`
}

// Latest 最新样本
func (s *MetricSeries) Latest() (MetricSample, bool) {
	if s == nil || len(s.Samples) == 0 {
		return MetricSample{}, false
	}
	return s.Samples[len(s.Samples)-1], true
}

// MetricsLiveData 内存或 GC 暂停指标快照。存储中的值视为不可变，更新通过 WithSample 产生新副本。
type MetricsLiveData struct {
	ProcessKey string         `json:"processKey"`
	Series     []MetricSeries `json:"series"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Find 查找指定名称和标签的序列
func (m *MetricsLiveData) Find(name, tags string) *MetricSeries {
	if m == nil {
		return nil
	}
	for i := range m.Series {
		if m.Series[i].Name == name && m.Series[i].Tags == tags {
			return &m.Series[i]
		}
	}
	return nil
}

// WithSample 在 m（可为 nil）的基础上追加一个样本，返回新副本；每个序列最多保留 maxSamples 个样本
func (m *MetricsLiveData) WithSample(processKey, name, tags, baseUnit string, sample MetricSample, maxSamples int) *MetricsLiveData {
	out := &MetricsLiveData{ProcessKey: processKey, UpdatedAt: sample.Timestamp}
	found := false
	if m != nil {
		out.Series = make([]MetricSeries, 0, len(m.Series)+1)
		for _, s := range m.Series {
			cp := MetricSeries{Name: s.Name, Tags: s.Tags, BaseUnit: s.BaseUnit}
			cp.Samples = append([]MetricSample(nil), s.Samples...)
			if s.Name == name && s.Tags == tags {
				found = true
				if baseUnit != "" {
					cp.BaseUnit = baseUnit
				}
				cp.Samples = trimSamples(append(cp.Samples, sample), maxSamples)
			}
			out.Series = append(out.Series, cp)
		}
	}
	if !found {
		out.Series = append(out.Series, MetricSeries{
			Name:     name,
			Tags:     tags,
			BaseUnit: baseUnit,
			Samples:  []MetricSample{sample},
		})
	}
	return out
}

// MergeSeries 把 fresh 中 name/tags 对应的序列合并进 m，返回新副本；其它序列保持 m 中的值。
// m 为 nil 或 fresh 中没有该序列时直接返回 fresh。
func (m *MetricsLiveData) MergeSeries(fresh *MetricsLiveData, name, tags string) *MetricsLiveData {
	series := fresh.Find(name, tags)
	if m == nil || series == nil {
		return fresh
	}
	out := &MetricsLiveData{
		ProcessKey: fresh.ProcessKey,
		Series:     make([]MetricSeries, 0, len(m.Series)+1),
		UpdatedAt:  fresh.UpdatedAt,
	}
	found := false
	for _, s := range m.Series {
		if s.Name == name && s.Tags == tags {
			s = *series
			found = true
		}
		out.Series = append(out.Series, s)
	}
	if !found {
		out.Series = append(out.Series, *series)
	}
	return out
}

func trimSamples(samples []MetricSample, max int) []MetricSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	return samples[len(samples)-max:]
}

// -------------------------- 日志配置 --------------------------

// LoggerLevels 单个 logger 的级别
type LoggerLevels struct {
	ConfiguredLevel string `json:"configuredLevel,omitempty"`
	EffectiveLevel  string `json:"effectiveLevel,omitempty"`
}

// LoggerGroup logger 分组
type LoggerGroup struct {
	ConfiguredLevel string   `json:"configuredLevel,omitempty"`
	Members         []string `json:"members"`
}

// LoggersData 进程的 logger 配置快照
type LoggersData struct {
	ProcessKey string                  `json:"processKey"`
	Levels     []string                `json:"levels"`
	Loggers    map[string]LoggerLevels `json:"loggers"`
	Groups     map[string]LoggerGroup  `json:"groups,omitempty"`
}

// LogLevelUpdate 一次日志级别修改的结果（局部补丁）
type LogLevelUpdate struct {
	ProcessKey      string `json:"processKey"`
	LoggerName      string `json:"loggerName"`
	ConfiguredLevel string `json:"configuredLevel"`
	EffectiveLevel  string `json:"effectiveLevel"`
}

// WithLevel 返回应用补丁后的副本，原值不变
func (d *LoggersData) WithLevel(u *LogLevelUpdate) *LoggersData {
	if d == nil {
		return nil
	}
	out := &LoggersData{
		ProcessKey: d.ProcessKey,
		Levels:     append([]string(nil), d.Levels...),
		Loggers:    make(map[string]LoggerLevels, len(d.Loggers)+1),
		Groups:     d.Groups,
	}
	for k, v := range d.Loggers {
		out.Loggers[k] = v
	}
	if u == nil || u.LoggerName == "" {
		return out
	}
	if g, ok := d.Groups[u.LoggerName]; ok {
		groups := make(map[string]LoggerGroup, len(d.Groups))
		for k, v := range d.Groups {
			groups[k] = v
		}
		g.ConfiguredLevel = u.ConfiguredLevel
		groups[u.LoggerName] = g
		out.Groups = groups
		return out
	}
	out.Loggers[u.LoggerName] = LoggerLevels{
		ConfiguredLevel: u.ConfiguredLevel,
		EffectiveLevel:  u.EffectiveLevel,
	}
	return out
}
