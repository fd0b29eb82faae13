package registry

import (
	"fmt"
	"sync"
	"time"

	"parsnip/internal/common"

	"go.uber.org/zap"
)

// WorkerProcess 被托管进程的句柄接口
//
// 由进程启动方实现（本地 srun 进程、测试替身等）。Wait 阻塞到进程退出，
// GetExitCode 仅在退出后有意义。
type WorkerProcess interface {
	GetPID() int
	IsRunning() bool
	Terminate() error
	Kill() error
	Wait() error
	GetExitCode() int
}

// ManagedProcess 注册表中的单个进程记录
type ManagedProcess struct {
	Name     string
	Role     common.Role
	Node     string
	Leader   bool
	Critical bool
	LogFile  string
	Process  WorkerProcess

	StartTime time.Time

	// 由注册表在观察到退出后写入
	exited   bool
	exitCode int
}

// Exited 返回进程是否已被观察到退出，以及退出码
func (mp *ManagedProcess) Exited() (bool, int) {
	return mp.exited, mp.exitCode
}

// RegistryState 注册表状态
type RegistryState int

const (
	RegistryRunning RegistryState = iota
	RegistryFailed
	RegistryTerminated
)

// String 返回注册表状态字符串
func (s RegistryState) String() string {
	switch s {
	case RegistryRunning:
		return "RUNNING"
	case RegistryFailed:
		return "FAILED"
	case RegistryTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// exitEvent 监控循环观察到的进程退出
type exitEvent struct {
	proc     *ManagedProcess
	exitCode int
}

// ProcessRegistry 本地进程注册表
//
// 跟踪作业启动的全部 worker/leader 进程。后台监控循环周期性扫描存活性，
// 把退出观察发到内部事件通道；事件循环独占 RUNNING→FAILED 状态迁移。
// 监控自身从不触发清理，是否终止作业由轮询 CheckFailures 的编排方决定。
type ProcessRegistry struct {
	mu    sync.Mutex
	jobID string
	procs []*ManagedProcess // 注册顺序
	state RegistryState

	cleanupStarted bool

	monitorInterval time.Duration
	gracePeriod     time.Duration

	events      chan exitEvent
	stopMonitor chan struct{}
	monitorDone sync.WaitGroup
	started     bool

	logger *zap.Logger
}

// Option 注册表可选配置
type Option func(*ProcessRegistry)

// WithMonitorInterval 设置存活检查间隔
func WithMonitorInterval(d time.Duration) Option {
	return func(r *ProcessRegistry) { r.monitorInterval = d }
}

// WithGracePeriod 设置优雅退出等待上限
func WithGracePeriod(d time.Duration) Option {
	return func(r *ProcessRegistry) { r.gracePeriod = d }
}

// NewProcessRegistry 创建进程注册表
func NewProcessRegistry(jobID string, opts ...Option) *ProcessRegistry {
	r := &ProcessRegistry{
		jobID:           jobID,
		state:           RegistryRunning,
		monitorInterval: 2 * time.Second,
		gracePeriod:     15 * time.Second,
		events:          make(chan exitEvent, 64),
		stopMonitor:     make(chan struct{}),
		logger:          common.ComponentLogger("process-registry").With(zap.String("job_id", jobID)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start 启动后台存活监控
//
// 清理开始之后不再允许启动，避免监控协程错过停止信号。
func (r *ProcessRegistry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.cleanupStarted || r.state == RegistryTerminated {
		return
	}
	r.started = true

	r.monitorDone.Add(2)
	go r.monitorLoop()
	go r.eventLoop()
	r.logger.Info("Process monitor started",
		zap.Duration("interval", r.monitorInterval))
}

// AddProcess 注册新进程
func (r *ProcessRegistry) AddProcess(mp *ManagedProcess) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RegistryTerminated {
		return fmt.Errorf("%w: cannot add process %s after shutdown",
			common.ErrRegistryTerminated, mp.Name)
	}
	if mp.StartTime.IsZero() {
		mp.StartTime = time.Now()
	}
	r.procs = append(r.procs, mp)
	r.logger.Info("Process registered",
		zap.String("name", mp.Name),
		zap.String("node", mp.Node),
		zap.Int("pid", mp.Process.GetPID()),
		zap.Bool("critical", mp.Critical))
	return nil
}

// AddProcesses 批量注册进程
func (r *ProcessRegistry) AddProcesses(procs []*ManagedProcess) error {
	for _, mp := range procs {
		if err := r.AddProcess(mp); err != nil {
			return err
		}
	}
	return nil
}

// State 返回当前注册表状态
func (r *ProcessRegistry) State() RegistryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CheckFailures 检查是否有关键进程异常退出
//
// 除了读取监控循环已记录的结果，还同步扫描一遍句柄，保证失败能在监控
// 间隔之内被编排方看到。唯一的副作用是首次观察到失败时记录
// RUNNING→FAILED 迁移。
func (r *ProcessRegistry) CheckFailures() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RegistryFailed {
		return true
	}
	if r.state == RegistryTerminated {
		return false
	}
	for _, mp := range r.procs {
		if r.observeLocked(mp) {
			return true
		}
	}
	return false
}

// observeLocked 检查单个句柄并记录可能的失败迁移，调用方须持锁
func (r *ProcessRegistry) observeLocked(mp *ManagedProcess) bool {
	if mp.exited || mp.Process.IsRunning() {
		return false
	}
	mp.exited = true
	mp.exitCode = mp.Process.GetExitCode()
	return r.recordExitLocked(mp)
}

// recordExitLocked 应用一次退出观察，返回是否构成失败，调用方须持锁
func (r *ProcessRegistry) recordExitLocked(mp *ManagedProcess) bool {
	if mp.Critical && mp.exitCode != 0 && r.state == RegistryRunning {
		r.state = RegistryFailed
		r.logger.Error("Critical process failed",
			zap.String("name", mp.Name),
			zap.String("node", mp.Node),
			zap.Int("exit_code", mp.exitCode),
			zap.String("log_file", mp.LogFile))
		return true
	}
	r.logger.Info("Process exited",
		zap.String("name", mp.Name),
		zap.Int("exit_code", mp.exitCode))
	return mp.Critical && mp.exitCode != 0
}

// monitorLoop 周期性扫描句柄存活性，把退出观察发往事件通道
func (r *ProcessRegistry) monitorLoop() {
	defer r.monitorDone.Done()

	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.scan()
		case <-r.stopMonitor:
			return
		}
	}
}

// scan 扫描一轮；持锁判断，但只把新观察交给事件循环处理
func (r *ProcessRegistry) scan() {
	r.mu.Lock()
	var observed []exitEvent
	for _, mp := range r.procs {
		if mp.exited || mp.Process.IsRunning() {
			continue
		}
		observed = append(observed, exitEvent{proc: mp, exitCode: mp.Process.GetExitCode()})
	}
	r.mu.Unlock()

	for _, ev := range observed {
		select {
		case r.events <- ev:
		case <-r.stopMonitor:
			return
		}
	}
}

// eventLoop 消费退出事件并应用状态迁移
func (r *ProcessRegistry) eventLoop() {
	defer r.monitorDone.Done()

	for {
		select {
		case ev := <-r.events:
			r.mu.Lock()
			if !ev.proc.exited {
				ev.proc.exited = true
				ev.proc.exitCode = ev.exitCode
				r.recordExitLocked(ev.proc)
			}
			r.mu.Unlock()
		case <-r.stopMonitor:
			return
		}
	}
}

// Cleanup 优雅关闭全部托管进程，幂等
//
// 首次调用时按注册顺序的倒序发送终止信号（后启动的 worker 通常依赖
// 先启动的 leader，先停依赖方），在宽限期内等待自行退出，随后强杀
// 残留进程并迁移到 TERMINATED。重复调用不产生任何额外效果。
func (r *ProcessRegistry) Cleanup() {
	r.mu.Lock()
	if r.cleanupStarted {
		r.mu.Unlock()
		return
	}
	r.cleanupStarted = true
	started := r.started
	procs := make([]*ManagedProcess, len(r.procs))
	copy(procs, r.procs)
	r.mu.Unlock()

	if started {
		close(r.stopMonitor)
		r.monitorDone.Wait()
	}

	r.logger.Info("Cleaning up processes", zap.Int("count", len(procs)))

	var live []*ManagedProcess
	for i := len(procs) - 1; i >= 0; i-- {
		mp := procs[i]
		if !mp.Process.IsRunning() {
			continue
		}
		r.logger.Info("Terminating process",
			zap.String("name", mp.Name),
			zap.Int("pid", mp.Process.GetPID()))
		if err := mp.Process.Terminate(); err != nil {
			r.logger.Warn("Failed to terminate process",
				zap.String("name", mp.Name), zap.Error(err))
		}
		live = append(live, mp)
	}

	deadline := time.Now().Add(r.gracePeriod)
	for _, mp := range live {
		for mp.Process.IsRunning() && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if mp.Process.IsRunning() {
			r.logger.Warn("Process did not exit in grace period, killing",
				zap.String("name", mp.Name),
				zap.Int("pid", mp.Process.GetPID()))
			if err := mp.Process.Kill(); err != nil {
				r.logger.Error("Failed to kill process",
					zap.String("name", mp.Name), zap.Error(err))
			}
		}
	}

	r.mu.Lock()
	for _, mp := range r.procs {
		if !mp.exited && !mp.Process.IsRunning() {
			mp.exited = true
			mp.exitCode = mp.Process.GetExitCode()
		}
	}
	r.state = RegistryTerminated
	r.mu.Unlock()

	r.logger.Info("Cleanup complete")
}

// FailureDetails 返回失败进程的事后描述，供作业失败时输出
func (r *ProcessRegistry) FailureDetails() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var details []string
	for _, mp := range r.procs {
		if mp.exited && mp.exitCode != 0 {
			details = append(details, fmt.Sprintf("%s on %s exited with code %d (log: %s)",
				mp.Name, mp.Node, mp.exitCode, mp.LogFile))
		}
	}
	return details
}

// Snapshot 返回进程记录的副本，供状态接口查询
func (r *ProcessRegistry) Snapshot() []ManagedProcess {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ManagedProcess, 0, len(r.procs))
	for _, mp := range r.procs {
		out = append(out, *mp)
	}
	return out
}
