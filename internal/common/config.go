package common

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// JobConfig 单个基准测试作业的完整配置
type JobConfig struct {
	Name        string            `yaml:"name"`
	Model       ModelConfig       `yaml:"model"`
	Resources   ResourcesConfig   `yaml:"resources"`
	Backend     BackendConfig     `yaml:"backend"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Benchmark   BenchmarkConfig   `yaml:"benchmark"`
	Events      EventsConfig      `yaml:"events"`
	Slurm       SlurmConfig       `yaml:"slurm"`
	LogDir      string            `yaml:"log_dir"`
}

// ModelConfig 模型与容器配置
type ModelConfig struct {
	Path      string `yaml:"path"`
	Container string `yaml:"container"`
}

// ResourcesConfig 资源配置
type ResourcesConfig struct {
	PrefillWorkers int `yaml:"prefill_workers"`
	DecodeWorkers  int `yaml:"decode_workers"`
	AggWorkers     int `yaml:"agg_workers"`
	GPUsPerPrefill int `yaml:"gpus_per_prefill"`
	GPUsPerDecode  int `yaml:"gpus_per_decode"`
	GPUsPerAgg     int `yaml:"gpus_per_agg"`
	GPUsPerNode    int `yaml:"gpus_per_node"`
}

// Disaggregated 是否为 prefill/decode 分离部署
func (r ResourcesConfig) Disaggregated() bool {
	return r.AggWorkers == 0
}

// RoleRequests 按固定角色顺序构造拓扑请求
func (r ResourcesConfig) RoleRequests() []RoleRequest {
	return []RoleRequest{
		{Role: RolePrefill, WorkerCount: r.PrefillWorkers, GPUsPerWorker: r.GPUsPerPrefill},
		{Role: RoleDecode, WorkerCount: r.DecodeWorkers, GPUsPerWorker: r.GPUsPerDecode},
		{Role: RoleAggregated, WorkerCount: r.AggWorkers, GPUsPerWorker: r.GPUsPerAgg},
	}
}

// ExpectedWorkers 返回健康检查期望的 prefill/decode 数量
//
// 聚合模式下 worker 在服务层注册为通用后端，计入 decode 一侧，
// prefill 期望为 0。
func (r ResourcesConfig) ExpectedWorkers() (prefill, decode int) {
	if r.AggWorkers > 0 {
		return 0, r.AggWorkers
	}
	return r.PrefillWorkers, r.DecodeWorkers
}

// BackendConfig 服务后端配置
//
// 命令文本由配置直接给出，编排器只负责注入拓扑与端口环境变量，
// 不生成脚本内容。
type BackendConfig struct {
	// FrontendType 前端类型: coordinator 或 router
	FrontendType string `yaml:"frontend_type"`

	WorkerCommand   []string `yaml:"worker_command"`
	FrontendCommand []string `yaml:"frontend_command"`
	BalancerCommand []string `yaml:"balancer_command"`

	PrefillEnvironment map[string]string `yaml:"prefill_environment"`
	DecodeEnvironment  map[string]string `yaml:"decode_environment"`
	AggEnvironment     map[string]string `yaml:"agg_environment"`

	EnableMultipleFrontends bool `yaml:"enable_multiple_frontends"`
	NumAdditionalFrontends  int  `yaml:"num_additional_frontends"`
}

// EnvironmentForRole 返回指定角色的环境变量
func (b BackendConfig) EnvironmentForRole(role Role) map[string]string {
	switch role {
	case RolePrefill:
		return b.PrefillEnvironment
	case RoleDecode:
		return b.DecodeEnvironment
	case RoleAggregated:
		return b.AggEnvironment
	}
	return nil
}

// HealthCheckConfig 健康检查配置
type HealthCheckConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	MaxAttempts     int `yaml:"max_attempts"`
	ReportSeconds   int `yaml:"report_seconds"`
}

// Timeout 健康检查总预算
func (h HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(h.MaxAttempts*h.IntervalSeconds) * time.Second
}

// BenchmarkConfig 基准测试配置
type BenchmarkConfig struct {
	Type            string `yaml:"type"` // manual, timed
	DurationSeconds int    `yaml:"duration_seconds"`
}

// EventsConfig 事件发布配置，brokers 为空时禁用
type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// SlurmConfig 调度器提交配置
type SlurmConfig struct {
	Account      string `yaml:"account"`
	Partition    string `yaml:"partition"`
	TimeLimit    string `yaml:"time_limit"`
	SubmitScript string `yaml:"submit_script"`
}

// GetDefaultJobConfig 获取默认作业配置
func GetDefaultJobConfig() *JobConfig {
	return &JobConfig{
		Resources: ResourcesConfig{
			GPUsPerNode: 8,
		},
		Backend: BackendConfig{
			FrontendType:            "coordinator",
			EnableMultipleFrontends: true,
			NumAdditionalFrontends:  9,
		},
		HealthCheck: HealthCheckConfig{
			IntervalSeconds: 5,
			MaxAttempts:     120,
			ReportSeconds:   60,
		},
		Benchmark: BenchmarkConfig{
			Type: "manual",
		},
		Events: EventsConfig{
			Topic: "parsnip.jobs",
		},
		LogDir: "logs",
	}
}

// LoadJobConfig 从 YAML 文件加载并验证作业配置
func LoadJobConfig(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseJobConfig(data)
}

// ParseJobConfig 从 YAML 内容解析并验证作业配置
func ParseJobConfig(data []byte) (*JobConfig, error) {
	cfg := GetDefaultJobConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 验证作业配置
func (c *JobConfig) Validate() error {
	if c.Name == "" {
		return NewValidationError("name", "cannot be empty", c.Name)
	}
	r := c.Resources
	if r.GPUsPerNode <= 0 {
		return NewValidationError("resources.gpus_per_node", "must be greater than 0", r.GPUsPerNode)
	}
	if r.PrefillWorkers < 0 || r.DecodeWorkers < 0 || r.AggWorkers < 0 {
		return NewValidationError("resources", "worker counts cannot be negative", r)
	}
	if r.PrefillWorkers+r.DecodeWorkers+r.AggWorkers == 0 {
		return NewValidationError("resources", "at least one worker is required", r)
	}
	if r.AggWorkers > 0 && (r.PrefillWorkers > 0 || r.DecodeWorkers > 0) {
		return NewValidationError("resources", "aggregated and disaggregated workers cannot be mixed", r)
	}
	if r.PrefillWorkers > 0 && r.GPUsPerPrefill <= 0 {
		return NewValidationError("resources.gpus_per_prefill", "must be greater than 0", r.GPUsPerPrefill)
	}
	if r.DecodeWorkers > 0 && r.GPUsPerDecode <= 0 {
		return NewValidationError("resources.gpus_per_decode", "must be greater than 0", r.GPUsPerDecode)
	}
	if r.AggWorkers > 0 && r.GPUsPerAgg <= 0 {
		return NewValidationError("resources.gpus_per_agg", "must be greater than 0", r.GPUsPerAgg)
	}
	switch c.Backend.FrontendType {
	case "coordinator", "router":
	default:
		return NewValidationError("backend.frontend_type", "must be 'coordinator' or 'router'", c.Backend.FrontendType)
	}
	if len(c.Backend.WorkerCommand) == 0 {
		return NewValidationError("backend.worker_command", "cannot be empty", c.Backend.WorkerCommand)
	}
	if len(c.Backend.FrontendCommand) == 0 {
		return NewValidationError("backend.frontend_command", "cannot be empty", c.Backend.FrontendCommand)
	}
	if c.HealthCheck.IntervalSeconds <= 0 {
		return NewValidationError("health_check.interval_seconds", "must be greater than 0", c.HealthCheck.IntervalSeconds)
	}
	if c.HealthCheck.MaxAttempts <= 0 {
		return NewValidationError("health_check.max_attempts", "must be greater than 0", c.HealthCheck.MaxAttempts)
	}
	switch c.Benchmark.Type {
	case "manual", "timed":
	default:
		return NewValidationError("benchmark.type", "must be 'manual' or 'timed'", c.Benchmark.Type)
	}
	if c.Benchmark.Type == "timed" && c.Benchmark.DurationSeconds <= 0 {
		return NewValidationError("benchmark.duration_seconds", "must be greater than 0 for timed benchmarks", c.Benchmark.DurationSeconds)
	}
	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		return NewValidationError("events.topic", "cannot be empty when brokers are set", c.Events.Topic)
	}
	return nil
}
