// Package discovery 扫描本机进程，找出需要连接的应用实例，并推导它们的 actuator 地址。
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/live-connector/pkg/config"
	"github.com/live-connector/pkg/connector"
)

// Process 本机的一个候选进程
type Process struct {
	PID            int32
	Name           string
	Cmdline        string
	ListeningPorts []uint32
}

// Key 与 connector.ProcessKey 一致
func (p Process) Key() string {
	return connector.ProcessKey(strconv.Itoa(int(p.PID)), p.Name)
}

// Lister 列出本机进程；测试中替换为固定列表
type Lister interface {
	List(ctx context.Context) ([]Process, error)
}

// HostLister 基于 gopsutil 的实现
type HostLister struct {
	log *zap.Logger
}

func NewHostLister(log *zap.Logger) *HostLister {
	if log == nil {
		log = zap.NewNop()
	}
	return &HostLister{log: log}
}

// List 读不到的进程（权限不足、已退出）直接跳过
func (h *HostLister) List(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		out = append(out, Process{PID: p.Pid, Name: name, Cmdline: cmdline})
	}
	return out, nil
}

// ListeningPorts 进程正在监听的 TCP 端口，升序
func (h *HostLister) ListeningPorts(ctx context.Context, pid int32) ([]uint32, error) {
	conns, err := gnet.ConnectionsPidWithContext(ctx, "tcp", pid)
	if err != nil {
		return nil, fmt.Errorf("connections of pid %d: %w", pid, err)
	}
	seen := map[uint32]bool{}
	var ports []uint32
	for _, c := range conns {
		if c.Status != "LISTEN" || seen[c.Laddr.Port] {
			continue
		}
		seen[c.Laddr.Port] = true
		ports = append(ports, c.Laddr.Port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports, nil
}

// PortLister 可选能力：端口配置为 0 时用来推导 actuator 端口
type PortLister interface {
	ListeningPorts(ctx context.Context, pid int32) ([]uint32, error)
}

// Target 一个需要连接的进程及其 actuator 地址
type Target struct {
	Process
	BaseURL string
}

// Scanner 按配置过滤进程并推导地址
type Scanner struct {
	cfg    config.DiscoveryConfig
	lister Lister
	self   int32
	log    *zap.Logger
}

func NewScanner(cfg config.DiscoveryConfig, lister Lister, selfPID int32, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{cfg: cfg, lister: lister, self: selfPID, log: log}
}

// Scan 返回匹配的进程；无法确定端口的进程被跳过（下次扫描再试）
func (s *Scanner) Scan(ctx context.Context) ([]Target, error) {
	procs, err := s.lister.List(ctx)
	if err != nil {
		return nil, err
	}
	var targets []Target
	for _, p := range procs {
		if p.PID == s.self || !s.matches(p) {
			continue
		}
		port, err := s.port(ctx, p)
		if err != nil {
			s.log.Debug("skip process without actuator port", zap.Int32("pid", p.PID), zap.Error(err))
			continue
		}
		targets = append(targets, Target{Process: p, BaseURL: s.baseURL(port)})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].PID < targets[j].PID })
	return targets, nil
}

func (s *Scanner) matches(p Process) bool {
	for _, pattern := range s.cfg.Patterns {
		if strings.Contains(p.Name, pattern) || strings.Contains(p.Cmdline, pattern) {
			return true
		}
	}
	return false
}

// port 优先使用配置端口，其次是进程自己监听的第一个端口
func (s *Scanner) port(ctx context.Context, p Process) (uint32, error) {
	if s.cfg.Port > 0 {
		return uint32(s.cfg.Port), nil
	}
	ports := p.ListeningPorts
	if len(ports) == 0 {
		pl, ok := s.lister.(PortLister)
		if !ok {
			return 0, fmt.Errorf("no listening port known for pid %d", p.PID)
		}
		var err error
		if ports, err = pl.ListeningPorts(ctx, p.PID); err != nil {
			return 0, err
		}
	}
	if len(ports) == 0 {
		return 0, fmt.Errorf("pid %d is not listening on any tcp port", p.PID)
	}
	return ports[0], nil
}

func (s *Scanner) baseURL(port uint32) string {
	host := net.JoinHostPort(s.cfg.Host, strconv.FormatUint(uint64(port), 10))
	return s.cfg.Scheme + "://" + host + s.cfg.BasePath
}
