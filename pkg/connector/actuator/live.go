package actuator

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/tidwall/gjson"

	"github.com/live-connector/pkg/connector"
)

// Refresh 并发拉取 beans / env / mappings，组装新的通用快照。
// 任一端点失败则本次刷新失败，不返回部分数据。
func (c *Connector) Refresh(ctx context.Context, _ *connector.LiveData) (*connector.LiveData, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	d := &connector.LiveData{
		ProcessKey:  c.key,
		ProcessID:   c.cfg.ProcessID,
		ProcessName: c.cfg.ProcessName,
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		return c.getJSON(ctx, "beans", nil, func(doc gjson.Result) error {
			d.Beans = parseBeans(doc)
			return nil
		})
	})
	p.Go(func(ctx context.Context) error {
		return c.getJSON(ctx, "env", nil, func(doc gjson.Result) error {
			d.ActiveProfiles, d.Properties = parseEnv(doc)
			return nil
		})
	})
	p.Go(func(ctx context.Context) error {
		return c.getJSON(ctx, "mappings", nil, func(doc gjson.Result) error {
			d.RequestMappings = parseMappings(doc)
			return nil
		})
	})
	if err := p.Wait(); err != nil {
		return nil, err
	}
	d.RefreshedAt = time.Now()
	return d, nil
}

// {"contexts":{"app":{"beans":{"name":{"scope":"singleton","type":"...","resource":"...","dependencies":[]}}}}}
func parseBeans(doc gjson.Result) []connector.Bean {
	var beans []connector.Bean
	doc.Get("contexts").ForEach(func(_, ctx gjson.Result) bool {
		ctx.Get("beans").ForEach(func(name, b gjson.Result) bool {
			bean := connector.Bean{
				Name:     name.String(),
				Type:     b.Get("type").String(),
				Scope:    b.Get("scope").String(),
				Resource: b.Get("resource").String(),
			}
			for _, dep := range b.Get("dependencies").Array() {
				bean.Dependencies = append(bean.Dependencies, dep.String())
			}
			beans = append(beans, bean)
			return true
		})
		return true
	})
	sort.Slice(beans, func(i, j int) bool { return beans[i].Name < beans[j].Name })
	return beans
}

// 按 propertySources 顺序取值，靠前的优先
func parseEnv(doc gjson.Result) ([]string, map[string]string) {
	var profiles []string
	for _, p := range doc.Get("activeProfiles").Array() {
		profiles = append(profiles, p.String())
	}
	props := make(map[string]string)
	for _, src := range doc.Get("propertySources").Array() {
		src.Get("properties").ForEach(func(name, v gjson.Result) bool {
			if _, ok := props[name.String()]; !ok {
				props[name.String()] = v.Get("value").String()
			}
			return true
		})
	}
	return profiles, props
}

// contexts.*.mappings.dispatcherServlets.*[] 与 dispatcherHandlers（webflux）
func parseMappings(doc gjson.Result) []connector.RequestMapping {
	var out []connector.RequestMapping
	collect := func(_, list gjson.Result) bool {
		for _, m := range list.Array() {
			cond := m.Get("details.requestMappingConditions")
			rm := connector.RequestMapping{Handler: m.Get("handler").String()}
			for _, p := range cond.Get("patterns").Array() {
				rm.Paths = append(rm.Paths, p.String())
			}
			for _, meth := range cond.Get("methods").Array() {
				rm.Methods = append(rm.Methods, meth.String())
			}
			// 没有结构化条件时退回 predicate，如 "{GET [/hello]}"
			if len(rm.Paths) == 0 {
				rm.Paths = []string{m.Get("predicate").String()}
			}
			out = append(out, rm)
		}
		return true
	}
	doc.Get("contexts").ForEach(func(_, ctx gjson.Result) bool {
		ctx.Get("mappings.dispatcherServlets").ForEach(collect)
		ctx.Get("mappings.dispatcherHandlers").ForEach(collect)
		return true
	})
	return out
}

// RefreshMemoryMetrics 追加一个内存指标样本
func (c *Connector) RefreshMemoryMetrics(ctx context.Context, current *connector.MetricsLiveData, metricName, tags string) (*connector.MetricsLiveData, error) {
	return c.refreshMetric(ctx, current, metricName, tags)
}

// RefreshGcPausesMetrics 追加一个 GC 暂停指标样本
func (c *Connector) RefreshGcPausesMetrics(ctx context.Context, current *connector.MetricsLiveData, metricName, tags string) (*connector.MetricsLiveData, error) {
	return c.refreshMetric(ctx, current, metricName, tags)
}

func (c *Connector) refreshMetric(ctx context.Context, current *connector.MetricsLiveData, metricName, tags string) (*connector.MetricsLiveData, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if metricName == "" {
		return nil, fmt.Errorf("metric name is required")
	}
	query := url.Values{}
	for _, tag := range splitTags(tags) {
		query.Add("tag", tag)
	}

	var out *connector.MetricsLiveData
	err := c.getJSON(ctx, "metrics/"+metricName, query, func(doc gjson.Result) error {
		sample := connector.MetricSample{Timestamp: time.Now()}
		for _, m := range doc.Get("measurements").Array() {
			sample.Measurements = append(sample.Measurements, connector.Measurement{
				Statistic: m.Get("statistic").String(),
				Value:     m.Get("value").Float(),
			})
		}
		if len(sample.Measurements) == 0 {
			return connector.ErrNoData
		}
		out = current.WithSample(c.key, metricName, tags, doc.Get("baseUnit").String(), sample, c.cfg.MaxSamples)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// splitTags "area:heap, id:G1 Eden Space" -> ["area:heap", "id:G1 Eden Space"]
func splitTags(tags string) []string {
	var out []string
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
