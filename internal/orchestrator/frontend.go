package orchestrator

import (
	"fmt"

	"parsnip/internal/common"
)

// 前端端口规划。对外入口固定在 publicPort；多前端部署时各前端实例
// 监听 internalPort，由首节点上的负载均衡进程聚合。
const (
	publicPort   = 8000
	internalPort = 8080
)

// FrontendInstance 单个前端进程的放置计划
type FrontendInstance struct {
	Node string `json:"node"`
	Port int    `json:"port"`
}

// FrontendTopology 前端层的放置计划
//
// 单节点分配或多前端被禁用时只有一个前端实例，直接监听对外端口，
// 没有负载均衡进程。多前端部署时首节点运行负载均衡，前端实例分布
// 在其余节点上。
type FrontendTopology struct {
	Frontends    []FrontendInstance `json:"frontends"`
	BalancerNode string             `json:"balancer_node,omitempty"`
	PublicPort   int                `json:"public_port"`
}

// HasBalancer 是否包含独立的负载均衡进程
func (ft FrontendTopology) HasBalancer() bool {
	return ft.BalancerNode != ""
}

// PlanFrontends 规划前端层的放置
func PlanFrontends(backend common.BackendConfig, nodes NodeSet) FrontendTopology {
	if len(nodes.Worker) == 0 || !backend.EnableMultipleFrontends {
		return FrontendTopology{
			Frontends:  []FrontendInstance{{Node: nodes.Head, Port: publicPort}},
			PublicPort: publicPort,
		}
	}

	count := backend.NumAdditionalFrontends + 1
	if count > len(nodes.Worker) {
		count = len(nodes.Worker)
	}

	frontends := make([]FrontendInstance, 0, count)
	for i := 0; i < count; i++ {
		frontends = append(frontends, FrontendInstance{
			Node: nodes.Worker[i],
			Port: internalPort,
		})
	}

	return FrontendTopology{
		Frontends:    frontends,
		BalancerNode: nodes.Head,
		PublicPort:   publicPort,
	}
}

// UpstreamAddrs 返回负载均衡的后端地址列表
func (ft FrontendTopology) UpstreamAddrs() []string {
	addrs := make([]string, 0, len(ft.Frontends))
	for _, fe := range ft.Frontends {
		addrs = append(addrs, fmt.Sprintf("%s:%d", fe.Node, fe.Port))
	}
	return addrs
}
