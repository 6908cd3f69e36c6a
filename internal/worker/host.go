package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

// State 是 worker 实例的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	// StateRedundant 表示安装/激活失败或已被新实例取代。
	StateRedundant State = "redundant"
)

// State 返回实例当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) requestSkipWaiting() {
	m.mu.Lock()
	m.skipWaiting = true
	m.mu.Unlock()
}

func (m *Manager) skipWaitingRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipWaiting
}

// HostOptions 是 Host 为每个新实例注入的共享依赖。
type HostOptions struct {
	App     string
	Origin  string
	Storage cache.Storage
	Network Fetcher
	Logger  *logrus.Logger
	Names   CacheNames
	Metrics *Metrics
}

// Host 扮演宿主平台：串行化 install/activate 转换，维护 installing/waiting/active
// 三个槽位，并把拦截请求路由到最近一次 Claim 的实例。
type Host struct {
	opts   HostOptions
	logger *logrus.Logger

	// mu 串行化生命周期转换，install 期间一直持有；Fetch 不持有该锁。
	mu sync.Mutex

	// slotsMu 只保护三个槽位的读写，持有时间很短，Status 不必等待 install。
	slotsMu    sync.RWMutex
	installing *Manager
	waiting    *Manager
	active     *Manager

	controller atomic.Pointer[Manager]
}

// NewHost 校验依赖并构造 Host。
func NewHost(opts HostOptions) (*Host, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if opts.Origin == "" {
		return nil, errors.New("origin is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts.Names = opts.Names.withDefaults()
	return &Host{opts: opts, logger: logger}, nil
}

// App 返回 Host 服务的 app 名称。
func (h *Host) App() string { return h.opts.App }

// Names 返回缓存仓名称。
func (h *Host) Names() CacheNames { return h.opts.Names }

// Deploy 为新清单创建实例并执行 install；成功后进入 waiting，
// 若实例请求了 skip-waiting 或当前没有 active 实例则立即激活。
// install 失败时旧实例继续服务。
func (h *Host) Deploy(ctx context.Context, mf *manifest.Manifest) (*Manager, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := NewManager(Options{
		App:      h.opts.App,
		Origin:   h.opts.Origin,
		Manifest: mf,
		Storage:  h.opts.Storage,
		Network:  h.opts.Network,
		Platform: h,
		Logger:   h.logger,
		Names:    h.opts.Names,
		Metrics:  h.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	h.setSlot(&h.installing, m)
	err = m.Install(ctx)
	h.setSlot(&h.installing, nil)
	h.opts.Metrics.observeLifecycle(h.opts.App, "install", err)
	if err != nil {
		m.setState(StateRedundant)
		h.logger.WithFields(logging.LifecycleFields(h.opts.App, m.ID(), mf.Version, "install")).
			WithError(err).
			Error("worker install failed")
		return m, err
	}

	_, waiting, active := h.slots()
	if waiting != nil {
		waiting.setState(StateRedundant)
	}
	m.setState(StateWaiting)
	h.setSlot(&h.waiting, m)

	if m.skipWaitingRequested() || active == nil {
		if err := h.activateLocked(ctx, m); err != nil {
			return m, err
		}
	}
	return m, nil
}

// SkipWaiting 实现 Platform：安装中只记录标记，等待中的实例立即激活。
func (h *Host) SkipWaiting(ctx context.Context, m *Manager) error {
	m.requestSkipWaiting()
	if m.State() != StateWaiting {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, waiting, _ := h.slots(); waiting != m {
		return nil
	}
	return h.activateLocked(ctx, m)
}

// Claim 实现 Platform：之后的请求都由 m 处理。
func (h *Host) Claim(m *Manager) {
	h.controller.Store(m)
	h.logger.WithFields(logging.LifecycleFields(h.opts.App, m.ID(), m.Manifest().Version, "claim")).
		Debug("clients claimed")
}

func (h *Host) activateLocked(ctx context.Context, m *Manager) error {
	err := m.Activate(ctx)
	h.opts.Metrics.observeLifecycle(h.opts.App, "activate", err)
	h.setSlot(&h.waiting, nil)
	if err != nil {
		m.setState(StateRedundant)
		return err
	}

	if _, _, active := h.slots(); active != nil && active != m {
		active.setState(StateRedundant)
	}
	m.setState(StateActive)
	h.setSlot(&h.active, m)
	return nil
}

// slots 返回三个槽位的快照。
func (h *Host) slots() (installing, waiting, active *Manager) {
	h.slotsMu.RLock()
	defer h.slotsMu.RUnlock()
	return h.installing, h.waiting, h.active
}

func (h *Host) setSlot(slot **Manager, m *Manager) {
	h.slotsMu.Lock()
	*slot = m
	h.slotsMu.Unlock()
}

// Message 将宿主消息投递给对应实例：skipWaiting 发给等待中的实例，
// downloadOffline 发给 active 实例。
func (h *Host) Message(ctx context.Context, msg string) error {
	var target *Manager
	_, waiting, active := h.slots()
	switch msg {
	case MessageSkipWaiting:
		target = waiting
		if target == nil {
			return ErrNoWaitingInstance
		}
	case MessageDownloadOffline:
		target = active
		if target == nil {
			return ErrNoActiveInstance
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg)
	}

	err := target.HandleMessage(ctx, msg)
	h.opts.Metrics.observeLifecycle(h.opts.App, msg, err)
	return err
}

// Fetch 交给当前控制客户端的实例处理；尚无实例 Claim 时不处理。
func (h *Host) Fetch(ctx context.Context, req *Request) (*Result, error) {
	controller := h.controller.Load()
	if controller == nil {
		return &Result{Strategy: StrategyPassthrough}, nil
	}
	return controller.Fetch(ctx, req)
}

// InstanceStatus 是单个实例的诊断快照。
type InstanceStatus struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	State     State  `json:"state"`
	Resources int    `json:"resources"`
}

// Status 是 Host 的诊断快照。
type Status struct {
	App        string          `json:"app"`
	Origin     string          `json:"origin"`
	Controller string          `json:"controller,omitempty"`
	Installing *InstanceStatus `json:"installing,omitempty"`
	Waiting    *InstanceStatus `json:"waiting,omitempty"`
	Active     *InstanceStatus `json:"active,omitempty"`
}

// Status 返回当前生命周期快照，不等待进行中的 install。
func (h *Host) Status() Status {
	installing, waiting, active := h.slots()
	status := Status{
		App:        h.opts.App,
		Origin:     h.opts.Origin,
		Installing: instanceStatus(installing),
		Waiting:    instanceStatus(waiting),
		Active:     instanceStatus(active),
	}
	if c := h.controller.Load(); c != nil {
		status.Controller = c.ID()
	}
	return status
}

func instanceStatus(m *Manager) *InstanceStatus {
	if m == nil {
		return nil
	}
	return &InstanceStatus{
		ID:        m.ID(),
		Version:   m.Manifest().Version,
		State:     m.State(),
		Resources: len(m.Manifest().Resources),
	}
}

// StoreStats 描述单个缓存仓的条目数与正文总字节数。
type StoreStats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	// Unreadable 是列出但读取失败的条目数，这些条目不计入 Bytes。
	Unreadable int `json:"unreadable,omitempty"`
}

// Inspect 统计三个缓存仓的占用，用于诊断接口。
func (h *Host) Inspect(ctx context.Context) ([]StoreStats, error) {
	names := []string{h.opts.Names.Content, h.opts.Names.Temp, h.opts.Names.Manifest}
	stats := make([]StoreStats, 0, len(names))
	for _, name := range names {
		store, err := h.opts.Storage.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", name, err)
		}
		item := StoreStats{Name: name, Entries: len(keys)}
		for _, key := range keys {
			resp, err := store.Match(ctx, key)
			if err != nil {
				h.logger.WithFields(logrus.Fields{
					"app":       h.opts.App,
					"cache":     name,
					"cache_key": key.URL,
				}).WithError(err).Warn("cache_inspect_match_failed")
				item.Unreadable++
				continue
			}
			item.Bytes += int64(len(resp.Body))
		}
		stats = append(stats, item)
	}
	return stats, nil
}
