package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"parsnip/internal/common"
	"parsnip/internal/slurm"
)

// NodeSet 分配内的节点划分
//
// Head 为首节点，承载前端进程；Worker 为其余节点。单节点分配时
// Worker 为空，所有进程都落在 Head 上。
type NodeSet struct {
	All    []string
	Head   string
	Worker []string
}

// RuntimeContext 一次作业运行的不可变上下文
//
// 在作业启动时构造一次，之后只读。所有组件通过它获取节点划分、
// 路径与容器信息，不各自读环境变量。
type RuntimeContext struct {
	JobID   string
	RunName string

	Nodes      NodeSet
	HeadNodeIP string

	GPUsPerNode int

	LogDir string

	ContainerImage  string
	ContainerMounts map[string]string

	StartedAt time.Time
}

// NewRuntimeContext 从作业配置与调度器环境构造运行上下文
//
// 节点列表来自调度器分配；不在分配内运行时（本地调试）退化为
// localhost 单节点。
func NewRuntimeContext(cfg *common.JobConfig) (*RuntimeContext, error) {
	jobID := slurm.JobID()
	if jobID == "" {
		jobID = fmt.Sprintf("local-%d", os.Getpid())
	}

	nodes := slurm.Nodelist()
	if len(nodes) == 0 {
		nodes = []string{"localhost"}
	}

	ns := NodeSet{
		All:  nodes,
		Head: nodes[0],
	}
	if len(nodes) > 1 {
		ns.Worker = nodes[1:]
	}

	logDir := filepath.Join(cfg.LogDir, fmt.Sprintf("%s_%s", cfg.Name, jobID))
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	mounts := map[string]string{}
	if cfg.Model.Path != "" {
		mounts[cfg.Model.Path] = cfg.Model.Path
	}

	return &RuntimeContext{
		JobID:           jobID,
		RunName:         cfg.Name,
		Nodes:           ns,
		HeadNodeIP:      slurm.ResolveHostIP(nodes[0]),
		GPUsPerNode:     cfg.Resources.GPUsPerNode,
		LogDir:          logDir,
		ContainerImage:  cfg.Model.Container,
		ContainerMounts: mounts,
		StartedAt:       time.Now(),
	}, nil
}

// Inventory 返回拓扑分配用的节点清单
func (rc *RuntimeContext) Inventory() common.NodeInventory {
	return common.NodeInventory{
		Nodes:       rc.Nodes.All,
		GPUsPerNode: rc.GPUsPerNode,
	}
}

// LogFile 返回某个进程的日志文件路径
func (rc *RuntimeContext) LogFile(name string) string {
	return filepath.Join(rc.LogDir, name+".log")
}
