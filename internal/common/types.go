package common

// Role 逻辑工作进程类别
//
// 分离式部署中 prefill 与 decode 分别承担首 token 计算和增量生成；
// 聚合模式下单一角色同时承担两者。
type Role string

const (
	RolePrefill    Role = "prefill"
	RoleDecode     Role = "decode"
	RoleAggregated Role = "agg"
)

// Valid 检查角色是否合法
func (r Role) Valid() bool {
	switch r {
	case RolePrefill, RoleDecode, RoleAggregated:
		return true
	}
	return false
}

// RoleRequest 单个角色的拓扑请求
type RoleRequest struct {
	Role          Role `json:"role" yaml:"role"`
	WorkerCount   int  `json:"worker_count" yaml:"worker_count"`
	GPUsPerWorker int  `json:"gpus_per_worker" yaml:"gpus_per_worker"`
}

// NodeInventory 调度器分配给作业的有序节点集
//
// 由外部调度器解析得出，核心逻辑只读不写。
type NodeInventory struct {
	Nodes       []string `json:"nodes" yaml:"nodes"`
	GPUsPerNode int      `json:"gpus_per_node" yaml:"gpus_per_node"`
}

// TotalGPUs 返回节点集的 GPU 总数
func (inv NodeInventory) TotalGPUs() int {
	return len(inv.Nodes) * inv.GPUsPerNode
}
