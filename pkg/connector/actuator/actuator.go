// Package actuator 通过 HTTP actuator 端点实现 connector.Capability。
//
// 端点约定（相对 BaseURL）：
//
//	GET  /                 连接握手，返回 _links
//	GET  /beans /env /mappings
//	GET  /metrics/{name}?tag=k:v
//	GET  /loggers          GET/POST /loggers/{name}
package actuator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/live-connector/pkg/connector"
)

const (
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultMaxSamples       = 60
)

// Config 单个进程的 actuator 连接参数
type Config struct {
	BaseURL     string
	ProcessID   string
	ProcessName string
	// Timeout 单次请求超时
	Timeout time.Duration
	// FailureThreshold 连续多少次传输失败视为连接意外关闭；0 表示不检测
	FailureThreshold int
	// MaxSamples 每个指标序列保留的样本数
	MaxSamples int
	Client     *http.Client
	Logger     *zap.Logger
}

// Connector actuator Capability
type Connector struct {
	*connector.CloseNotifier

	cfg    Config
	base   *url.URL
	key    string
	client *http.Client
	log    *zap.Logger

	connected atomic.Bool
	failures  atomic.Int32
}

var _ connector.Capability = (*Connector)(nil)

// httpStatusError 对端返回了非 2xx；对端可达，不计入传输失败
type httpStatusError struct {
	Method, URL string
	Status      int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Status)
}

// New 创建连接器；BaseURL 必须是绝对 http(s) 地址
func New(cfg Config) (*Connector, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse actuator url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("actuator url %q must be absolute http(s)", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	key := connector.ProcessKey(cfg.ProcessID, cfg.ProcessName)
	return &Connector{
		CloseNotifier: connector.NewCloseNotifier(),
		cfg:           cfg,
		base:          base,
		key:           key,
		client:        client,
		log:           log.With(zap.String("process", key)),
	}, nil
}

func (c *Connector) ProcessKey() string  { return c.key }
func (c *Connector) ProcessID() string   { return c.cfg.ProcessID }
func (c *Connector) ProcessName() string { return c.cfg.ProcessName }

func (c *Connector) Label() string {
	return fmt.Sprintf("%s (pid: %s) %s", c.cfg.ProcessName, c.cfg.ProcessID, c.base.String())
}

// BaseURL actuator 根地址
func (c *Connector) BaseURL() string {
	return c.base.String()
}

// Connect 请求根端点，响应中必须带有 _links
func (c *Connector) Connect(ctx context.Context) error {
	c.failures.Store(0)
	err := c.getJSON(ctx, "", nil, func(doc gjson.Result) error {
		if !doc.Get("_links").IsObject() {
			return fmt.Errorf("%s is not an actuator endpoint", c.base)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.connected.Store(true)
	c.log.Debug("actuator connected")
	return nil
}

// Disconnect 释放空闲连接；HTTP 没有需要关闭的会话
func (c *Connector) Disconnect(context.Context) error {
	c.connected.Store(false)
	c.client.CloseIdleConnections()
	return nil
}

func (c *Connector) endpoint(path string, query url.Values) string {
	u := *c.base
	if path != "" {
		u.Path = u.Path + "/" + strings.TrimLeft(path, "/")
		u.RawPath = ""
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// getJSON 发起 GET 并把响应体交给 fn 解析；响应体放在池化缓冲区中，fn 返回后即归还
func (c *Connector) getJSON(ctx context.Context, path string, query url.Values, fn func(gjson.Result) error) error {
	return c.do(ctx, http.MethodGet, c.endpoint(path, query), nil, fn)
}

func (c *Connector) do(ctx context.Context, method, target string, body []byte, fn func(gjson.Result) error) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.transportFailed(ctx, err)
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		c.transportFailed(ctx, err)
		return fmt.Errorf("read %s: %w", target, err)
	}
	c.failures.Store(0)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpStatusError{Method: method, URL: target, Status: resp.StatusCode}
	}
	if fn == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if !gjson.ValidBytes(buf.B) {
		return fmt.Errorf("%s %s: invalid json response", method, target)
	}
	return fn(gjson.ParseBytes(buf.B))
}

// transportFailed 统计连续传输失败；达到阈值时通知一次“连接意外关闭”
func (c *Connector) transportFailed(ctx context.Context, err error) {
	// 调用方主动取消不算对端故障
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	n := c.failures.Add(1)
	if c.cfg.FailureThreshold == 0 || int(n) < c.cfg.FailureThreshold {
		return
	}
	if c.connected.CompareAndSwap(true, false) {
		c.log.Warn("actuator unreachable, closing connection", zap.Int32("failures", n), zap.Error(err))
		c.NotifyClosed(c.key)
	}
}

func (c *Connector) requireConnected() error {
	if !c.connected.Load() {
		return connector.ErrNotConnected
	}
	return nil
}
