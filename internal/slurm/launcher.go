package slurm

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"

	"parsnip/internal/common"
	"parsnip/internal/registry"

	"go.uber.org/zap"
)

// LaunchSpec 一次 srun 启动的全部输入
//
// 容器镜像、挂载和环境变量都是调用方传入的数据；命令文本如何生成
// 归脚本模板协作方管，这里只负责拼装和拉起。
type LaunchSpec struct {
	Command []string

	Nodes    int
	NTasks   int
	Nodelist []string
	Output   string

	ContainerImage  string
	ContainerMounts map[string]string

	Env      map[string]string
	Preamble string

	NoOverlap bool
}

// Launcher 通过 srun 在分配内的指定节点上拉起进程
type Launcher struct {
	logger *zap.Logger
}

// NewLauncher 创建启动器
func NewLauncher() *Launcher {
	return &Launcher{logger: common.ComponentLogger("launcher")}
}

// BuildArgs 由启动描述构造完整的 srun 参数列表
//
// 环境变量导出按键名排序，保证相同输入产生相同命令行。
func BuildArgs(spec LaunchSpec) []string {
	args := []string{"srun"}

	if !spec.NoOverlap {
		args = append(args, "--overlap")
	}

	nodes := spec.Nodes
	if nodes == 0 {
		nodes = 1
	}
	ntasks := spec.NTasks
	if ntasks == 0 {
		ntasks = 1
	}
	args = append(args, "--nodes", fmt.Sprint(nodes), "--ntasks", fmt.Sprint(ntasks))

	if len(spec.Nodelist) > 0 {
		args = append(args, "--nodelist", strings.Join(spec.Nodelist, ","))
	}
	if spec.Output != "" {
		args = append(args, "--output", spec.Output)
	}

	if spec.ContainerImage != "" {
		args = append(args,
			"--container-image", spec.ContainerImage,
			"--no-container-entrypoint",
			"--no-container-mount-home")
		if len(spec.ContainerMounts) > 0 {
			hosts := make([]string, 0, len(spec.ContainerMounts))
			for host := range spec.ContainerMounts {
				hosts = append(hosts, host)
			}
			sort.Strings(hosts)
			mounts := make([]string, len(hosts))
			for i, host := range hosts {
				mounts[i] = host + ":" + spec.ContainerMounts[host]
			}
			args = append(args, "--container-mounts", strings.Join(mounts, ","))
		}
	}

	var parts []string
	if spec.Preamble != "" {
		parts = append(parts, spec.Preamble)
	}
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("export %s=%s", k, shellQuote(spec.Env[k])))
		}
	}
	quoted := make([]string, len(spec.Command))
	for i, c := range spec.Command {
		quoted[i] = shellQuote(c)
	}
	parts = append(parts, strings.Join(quoted, " "))

	args = append(args, "bash", "-c", strings.Join(parts, " && "))
	return args
}

// shellQuote 给 shell 参数加引号，纯字母数字和常见安全字符保持原样
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./=:,@+", r):
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Start 启动进程并返回可托管的句柄
func (l *Launcher) Start(spec LaunchSpec) (registry.WorkerProcess, error) {
	args := BuildArgs(spec)
	l.logger.Debug("Starting srun", zap.String("command", strings.Join(args, " ")))

	cmd := exec.Command(args[0], args[1:]...)
	if spec.Output == "" {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	// 独立进程组，终止信号能覆盖 srun 的子进程
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start srun: %w", err)
	}

	h := &Handle{cmd: cmd, done: make(chan struct{})}
	go h.waitLoop()
	return h, nil
}

// Handle 本地 srun 进程句柄
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

// waitLoop 等待进程退出并记录退出码
func (h *Handle) waitLoop() {
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
}

// GetPID 返回进程 PID
func (h *Handle) GetPID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// IsRunning 检查进程是否仍在运行
func (h *Handle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Terminate 向进程组发送 SIGTERM
func (h *Handle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return h.cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// Kill 强制终止进程组
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return h.cmd.Process.Kill()
	}
	return nil
}

// Wait 阻塞到进程退出
func (h *Handle) Wait() error {
	<-h.done
	return nil
}

// GetExitCode 返回退出码，进程未退出时为 0
func (h *Handle) GetExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}
