package health

import (
	"encoding/json"
	"fmt"
)

// WorkerCounts 一次健康响应归约出的 worker 计数
type WorkerCounts struct {
	Prefill int `json:"prefill"`
	Decode  int `json:"decode"`
}

// Satisfies 检查计数是否同时达到两侧期望
func (c WorkerCounts) Satisfies(expected WorkerCounts) bool {
	return c.Prefill >= expected.Prefill && c.Decode >= expected.Decode
}

func (c WorkerCounts) String() string {
	return fmt.Sprintf("%d prefills, %d decodes", c.Prefill, c.Decode)
}

// Parser 将后端特定的健康响应归约为 worker 计数
//
// 每种服务前端各有一个实现，聚合模式的 worker 统一折算到 decode 一侧。
type Parser interface {
	// Path 返回健康端点的 URL 路径
	Path() string
	// Parse 解析响应体
	Parse(payload []byte) (WorkerCounts, error)
}

// NewParser 按前端类型返回对应解析器
func NewParser(frontendType string) (Parser, error) {
	switch frontendType {
	case "coordinator":
		return CoordinatorParser{}, nil
	case "router":
		return RouterParser{}, nil
	default:
		return nil, fmt.Errorf("unknown frontend type: %q", frontendType)
	}
}

// CoordinatorParser 解析协调服务 /health 响应
//
// 响应包含实例列表，只统计 endpoint 为 generate 的实例；聚合模式下
// worker 以 backend 组件注册，计入 decode。
type CoordinatorParser struct{}

func (CoordinatorParser) Path() string { return "/health" }

func (CoordinatorParser) Parse(payload []byte) (WorkerCounts, error) {
	var body struct {
		Instances []struct {
			Endpoint  string `json:"endpoint"`
			Component string `json:"component"`
		} `json:"instances"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return WorkerCounts{}, fmt.Errorf("decode coordinator health response: %w", err)
	}
	if body.Instances == nil {
		return WorkerCounts{}, fmt.Errorf("key 'instances' not found in response")
	}

	var counts WorkerCounts
	for _, inst := range body.Instances {
		if inst.Endpoint != "generate" {
			continue
		}
		switch inst.Component {
		case "prefill":
			counts.Prefill++
		case "decode", "backend":
			counts.Decode++
		}
	}
	return counts, nil
}

// RouterParser 解析路由前端 /workers 响应
//
// 聚合模式的 worker 上报为 regular，计入 decode。
type RouterParser struct{}

func (RouterParser) Path() string { return "/workers" }

func (RouterParser) Parse(payload []byte) (WorkerCounts, error) {
	var body struct {
		Stats *struct {
			PrefillCount int `json:"prefill_count"`
			DecodeCount  int `json:"decode_count"`
			RegularCount int `json:"regular_count"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return WorkerCounts{}, fmt.Errorf("decode router workers response: %w", err)
	}
	if body.Stats == nil {
		return WorkerCounts{}, fmt.Errorf("key 'stats' not found in response")
	}

	return WorkerCounts{
		Prefill: body.Stats.PrefillCount,
		Decode:  body.Stats.DecodeCount + body.Stats.RegularCount,
	}, nil
}
