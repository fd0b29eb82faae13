package topology

import (
	"fmt"

	"parsnip/internal/common"
)

// Endpoint 单个逻辑 worker 的分配结果
//
// 一个 Endpoint 可能独占若干整节点（多节点 worker），也可能与同节点上的
// 其他 worker 分摊 GPU（单节点分数 worker）。GPUIndices 为该 worker 在
// 每个所属节点上占用的本地 GPU 下标，跨节点时各节点下标集合相同。
type Endpoint struct {
	Role        common.Role `json:"role"`
	WorkerIndex int         `json:"worker_index"`
	Nodes       []string    `json:"nodes"`
	GPUIndices  []int       `json:"gpu_indices"`
	LocalRank   int         `json:"local_rank"`
}

// LeaderNode 返回用于寻址的首节点
func (e Endpoint) LeaderNode() string {
	return e.Nodes[0]
}

// TotalGPUs 返回该 worker 占用的 GPU 总数
func (e Endpoint) TotalGPUs() int {
	return len(e.GPUIndices) * len(e.Nodes)
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s_%d@%s", e.Role, e.WorkerIndex, e.LeaderNode())
}

// AllocateEndpoints 将角色请求按序映射到节点集上
//
// 请求按调用方给定的顺序处理（约定 prefill、decode、agg），同一角色内
// 按 worker 下标递增。分配是确定性的纯计算：相同输入必然产生相同输出，
// 日志分析工具可离线重算同一拓扑。
//
// 失败时不返回部分结果。GPU 数不能整除节点容量时返回
// ErrInvalidTopology，节点不足时返回 ErrInsufficientNodes。
func AllocateEndpoints(requests []common.RoleRequest, inv common.NodeInventory) ([]Endpoint, error) {
	if inv.GPUsPerNode <= 0 {
		return nil, fmt.Errorf("%w: gpus_per_node must be positive, got %d",
			common.ErrInvalidTopology, inv.GPUsPerNode)
	}

	var endpoints []Endpoint

	// n 为节点游标，g 为当前节点内的 GPU 偏移
	n := 0
	g := 0

	for _, req := range requests {
		if req.WorkerCount == 0 {
			continue
		}
		if req.GPUsPerWorker <= 0 {
			return nil, fmt.Errorf("%w: role %s requires positive gpus_per_worker, got %d",
				common.ErrInvalidTopology, req.Role, req.GPUsPerWorker)
		}
		if req.GPUsPerWorker < inv.GPUsPerNode && inv.GPUsPerNode%req.GPUsPerWorker != 0 {
			return nil, fmt.Errorf("%w: role %s gpus_per_worker %d does not evenly divide gpus_per_node %d",
				common.ErrInvalidTopology, req.Role, req.GPUsPerWorker, inv.GPUsPerNode)
		}

		for idx := 0; idx < req.WorkerCount; idx++ {
			if req.GPUsPerWorker >= inv.GPUsPerNode {
				// 多节点 worker 总是从全新节点边界开始
				if g != 0 {
					n++
					g = 0
				}
				span := (req.GPUsPerWorker + inv.GPUsPerNode - 1) / inv.GPUsPerNode
				if n+span > len(inv.Nodes) {
					return nil, fmt.Errorf("%w: role %s worker %d needs %d nodes, only %d remain",
						common.ErrInsufficientNodes, req.Role, idx, span, len(inv.Nodes)-n)
				}
				nodes := make([]string, span)
				copy(nodes, inv.Nodes[n:n+span])
				endpoints = append(endpoints, Endpoint{
					Role:        req.Role,
					WorkerIndex: idx,
					Nodes:       nodes,
					GPUIndices:  gpuRange(0, inv.GPUsPerNode),
					LocalRank:   0,
				})
				n += span
				continue
			}

			// 单节点分数 worker：与同节点兄弟按偏移顺序打包
			if n >= len(inv.Nodes) {
				return nil, fmt.Errorf("%w: role %s worker %d needs a node, none remain",
					common.ErrInsufficientNodes, req.Role, idx)
			}
			if g+req.GPUsPerWorker > inv.GPUsPerNode {
				return nil, fmt.Errorf("%w: role %s worker %d would overflow node %s (offset %d + %d > %d)",
					common.ErrInvalidTopology, req.Role, idx, inv.Nodes[n], g, req.GPUsPerWorker, inv.GPUsPerNode)
			}
			endpoints = append(endpoints, Endpoint{
				Role:        req.Role,
				WorkerIndex: idx,
				Nodes:       []string{inv.Nodes[n]},
				GPUIndices:  gpuRange(g, g+req.GPUsPerWorker),
				LocalRank:   g / req.GPUsPerWorker,
			})
			g += req.GPUsPerWorker
			if g == inv.GPUsPerNode {
				n++
				g = 0
			}
		}
	}

	return endpoints, nil
}

func gpuRange(start, end int) []int {
	indices := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		indices = append(indices, i)
	}
	return indices
}
