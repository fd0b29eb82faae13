package topology

import (
	"fmt"
	"strconv"
	"strings"

	"parsnip/internal/common"
)

// 端口规划基准值。leader 的 HTTP 端口在节点内递增分配，prefill 端点的
// bootstrap 端口与 leader 的 KV 事件端口全局递增分配。
const (
	DefaultBaseSysPort = 8081
	baseHTTPPort       = 30000
	baseBootstrapPort  = 31000
	baseKVEventsPort   = 5550
)

// Process 某个端点在单个物理节点上的进程计划
//
// 多节点端点在每个所属节点上各有一个进程，节点序号 0 的进程为 leader，
// 对外承担寻址。非 leader 进程不监听 HTTP（HTTPPort 为 0），也没有
// KV 事件端口。
type Process struct {
	Role          common.Role `json:"role"`
	EndpointIndex int         `json:"endpoint_index"`
	Node          string      `json:"node"`
	NodeRank      int         `json:"node_rank"`
	IsLeader      bool        `json:"is_leader"`
	GPUIndices    []int       `json:"gpu_indices"`
	LocalRank     int         `json:"local_rank"`
	NodesPerEP    int         `json:"nodes_per_endpoint"`
	LeaderNode    string      `json:"leader_node"`

	SysPort       int `json:"sys_port"`
	HTTPPort      int `json:"http_port"`
	BootstrapPort int `json:"bootstrap_port,omitempty"`
	KVEventsPort  int `json:"kv_events_port,omitempty"`
}

// Name 返回进程的唯一名称
func (p Process) Name() string {
	return fmt.Sprintf("%s_%d_%s", p.Role, p.EndpointIndex, p.Node)
}

// CUDAVisibleDevices 返回该进程的加速卡可见性列表
func (p Process) CUDAVisibleDevices() string {
	parts := make([]string, len(p.GPUIndices))
	for i, idx := range p.GPUIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ",")
}

// EndpointsToProcesses 将端点分配展开为每节点进程计划
//
// 端口分配规则：sys 端口从 baseSysPort 起全局唯一；HTTP 端口仅分配给
// leader，同一节点上的多个 leader 依次递增；prefill 端点内所有进程共享
// 同一 bootstrap 端口；每个 leader 获得全局唯一的 KV 事件端口。
func EndpointsToProcesses(endpoints []Endpoint, baseSysPort int) []Process {
	var processes []Process

	httpPortByNode := make(map[string]int)
	sysPort := baseSysPort
	bootstrapPort := baseBootstrapPort
	kvEventsPort := baseKVEventsPort

	for _, ep := range endpoints {
		epBootstrap := 0
		if ep.Role == common.RolePrefill {
			epBootstrap = bootstrapPort
			bootstrapPort++
		}

		for rank, node := range ep.Nodes {
			p := Process{
				Role:          ep.Role,
				EndpointIndex: ep.WorkerIndex,
				Node:          node,
				NodeRank:      rank,
				IsLeader:      rank == 0,
				GPUIndices:    ep.GPUIndices,
				LocalRank:     ep.LocalRank,
				NodesPerEP:    len(ep.Nodes),
				LeaderNode:    ep.LeaderNode(),
				SysPort:       sysPort,
				BootstrapPort: epBootstrap,
			}
			sysPort++

			if p.IsLeader {
				next, ok := httpPortByNode[node]
				if !ok {
					next = baseHTTPPort
				}
				p.HTTPPort = next
				httpPortByNode[node] = next + 1

				p.KVEventsPort = kvEventsPort
				kvEventsPort++
			}

			processes = append(processes, p)
		}
	}

	return processes
}

// GroupByEndpoint 将进程按所属端点分组，保持展开顺序
func GroupByEndpoint(processes []Process) [][]Process {
	var groups [][]Process
	index := make(map[string]int)
	for _, p := range processes {
		key := fmt.Sprintf("%s_%d", p.Role, p.EndpointIndex)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], p)
	}
	return groups
}
