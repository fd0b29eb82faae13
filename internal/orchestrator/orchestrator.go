package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"parsnip/internal/common"
	"parsnip/internal/events"
	"parsnip/internal/health"
	"parsnip/internal/registry"
	"parsnip/internal/slurm"
	"parsnip/internal/topology"

	"go.uber.org/zap"
)

// portWaitBound 进入计数轮询前等待服务端口的时间上限，计入健康检查预算
const portWaitBound = 30 * time.Second

// processLauncher 进程启动协作方，由 slurm.Launcher 实现
type processLauncher interface {
	Start(spec slurm.LaunchSpec) (registry.WorkerProcess, error)
}

// Orchestrator 单次作业运行的编排器
//
// 负责把作业配置展开为拓扑与进程计划、拉起并注册全部进程、等待
// 服务就绪并守护基准测试阶段。所有退出路径都恰好触发一次清理。
type Orchestrator struct {
	cfg       *common.JobConfig
	rc        *RuntimeContext
	reg       *registry.ProcessRegistry
	launcher  processLauncher
	publisher events.Publisher
	checker   *health.Checker
	logger    *zap.Logger

	mu        sync.Mutex
	endpoints []topology.Endpoint
	processes []topology.Process
	frontends FrontendTopology
	readiness health.Snapshot
}

// NewOrchestrator 创建编排器
func NewOrchestrator(cfg *common.JobConfig) (*Orchestrator, error) {
	rc, err := NewRuntimeContext(cfg)
	if err != nil {
		return nil, err
	}

	parser, err := health.NewParser(cfg.Backend.FrontendType)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		rc:        rc,
		reg:       registry.NewProcessRegistry(rc.JobID),
		launcher:  slurm.NewLauncher(),
		publisher: events.NewPublisher(cfg.Events),
		checker:   health.NewChecker(parser),
		logger: common.ComponentLogger("orchestrator").With(
			zap.String("job_id", rc.JobID),
			zap.String("run_name", rc.RunName)),
	}
	o.checker.OnObservation = o.recordReadiness
	return o, nil
}

// Run 执行完整的作业生命周期
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.publisher.Close()
	defer o.reg.Cleanup()

	o.publish(ctx, events.EventJobSubmitted, nil)
	o.logger.Info("Starting job",
		zap.Strings("nodes", o.rc.Nodes.All),
		zap.Int("gpus_per_node", o.rc.GPUsPerNode))

	if err := o.plan(); err != nil {
		o.publish(ctx, events.EventJobFailed, map[string]string{"error": err.Error()})
		return err
	}

	o.reg.Start()

	if err := o.launchWorkers(); err != nil {
		o.publish(ctx, events.EventJobFailed, map[string]string{"error": err.Error()})
		return err
	}
	if err := o.launchFrontends(); err != nil {
		o.publish(ctx, events.EventJobFailed, map[string]string{"error": err.Error()})
		return err
	}
	o.publish(ctx, events.EventWorkersStarted, map[string]string{
		"processes": strconv.Itoa(len(o.reg.Snapshot())),
	})

	if err := o.waitReady(ctx); err != nil {
		o.reportFailure()
		o.publish(ctx, events.EventJobFailed, map[string]string{"error": err.Error()})
		return err
	}
	o.publish(ctx, events.EventDeploymentReady, map[string]string{
		"endpoint": o.serviceURL(),
	})

	err := o.benchmarkPhase(ctx)
	if err != nil {
		o.reportFailure()
		o.publish(ctx, events.EventJobFailed, map[string]string{"error": err.Error()})
		return err
	}

	o.publish(ctx, events.EventJobTerminated, nil)
	o.logger.Info("Job complete")
	return nil
}

// plan 计算拓扑分配、进程计划与前端放置
func (o *Orchestrator) plan() error {
	endpoints, err := topology.AllocateEndpoints(o.cfg.Resources.RoleRequests(), o.rc.Inventory())
	if err != nil {
		return common.NewJobError("allocate", "topology allocation failed", err)
	}

	processes := topology.EndpointsToProcesses(endpoints, topology.DefaultBaseSysPort)
	frontends := PlanFrontends(o.cfg.Backend, o.rc.Nodes)

	if frontends.HasBalancer() && len(o.cfg.Backend.BalancerCommand) == 0 {
		return common.NewValidationError("backend.balancer_command",
			"required for multi-frontend deployments", o.cfg.Backend.BalancerCommand)
	}

	o.mu.Lock()
	o.endpoints = endpoints
	o.processes = processes
	o.frontends = frontends
	o.mu.Unlock()

	o.logger.Info("Topology planned",
		zap.Int("endpoints", len(endpoints)),
		zap.Int("processes", len(processes)),
		zap.Int("frontends", len(frontends.Frontends)),
		zap.Bool("balancer", frontends.HasBalancer()))
	return nil
}

// launchWorkers 逐端点拉起全部 worker 进程并注册
//
// 同一端点的进程（leader 与其跨节点成员）作为一批连续启动，端点
// 之间保持分配顺序。
func (o *Orchestrator) launchWorkers() error {
	o.mu.Lock()
	processes := o.processes
	o.mu.Unlock()

	for _, group := range topology.GroupByEndpoint(processes) {
		o.logger.Info("Launching endpoint",
			zap.String("role", string(group[0].Role)),
			zap.Int("endpoint_index", group[0].EndpointIndex),
			zap.Int("processes", len(group)))

		for _, p := range group {
			spec := slurm.LaunchSpec{
				Command:         o.cfg.Backend.WorkerCommand,
				Nodes:           1,
				NTasks:          1,
				Nodelist:        []string{p.Node},
				Output:          o.rc.LogFile(p.Name()),
				ContainerImage:  o.rc.ContainerImage,
				ContainerMounts: o.rc.ContainerMounts,
				Env:             o.workerEnv(p),
			}

			handle, err := o.launcher.Start(spec)
			if err != nil {
				return common.NewJobError("launch",
					fmt.Sprintf("failed to start %s", p.Name()), err)
			}

			mp := &registry.ManagedProcess{
				Name:     p.Name(),
				Role:     p.Role,
				Node:     p.Node,
				Leader:   p.IsLeader,
				Critical: true,
				LogFile:  o.rc.LogFile(p.Name()),
				Process:  handle,
			}
			if err := o.reg.AddProcess(mp); err != nil {
				return common.NewJobError("launch", "failed to register process", err)
			}
		}
	}
	return nil
}

// workerEnv 构造单个 worker 进程的环境变量
//
// 拓扑与端口计划通过环境注入，角色环境变量覆盖同名键。仅当进程
// 不独占整节点时设置加速卡可见性。
func (o *Orchestrator) workerEnv(p topology.Process) map[string]string {
	env := map[string]string{
		"HEAD_NODE_IP": o.rc.HeadNodeIP,
		"MODEL_PATH":   o.cfg.Model.Path,
		"ROLE":         string(p.Role),
		"NODE_RANK":    strconv.Itoa(p.NodeRank),
		"NNODES":       strconv.Itoa(p.NodesPerEP),
		"LEADER_ADDR":  p.LeaderNode,
		"LOCAL_RANK":   strconv.Itoa(p.LocalRank),
		"SYS_PORT":     strconv.Itoa(p.SysPort),
	}
	if len(p.GPUIndices) < o.rc.GPUsPerNode {
		env["CUDA_VISIBLE_DEVICES"] = p.CUDAVisibleDevices()
	}
	if p.IsLeader {
		env["HTTP_PORT"] = strconv.Itoa(p.HTTPPort)
		env["KV_EVENTS_PORT"] = strconv.Itoa(p.KVEventsPort)
	}
	if p.BootstrapPort != 0 {
		env["BOOTSTRAP_PORT"] = strconv.Itoa(p.BootstrapPort)
	}
	for k, v := range o.cfg.Backend.EnvironmentForRole(p.Role) {
		env[k] = v
	}
	return env
}

// launchFrontends 拉起前端实例与可选的负载均衡进程
func (o *Orchestrator) launchFrontends() error {
	o.mu.Lock()
	ft := o.frontends
	o.mu.Unlock()

	for i, fe := range ft.Frontends {
		name := fmt.Sprintf("frontend_%d_%s", i, fe.Node)
		spec := slurm.LaunchSpec{
			Command:         o.cfg.Backend.FrontendCommand,
			Nodes:           1,
			NTasks:          1,
			Nodelist:        []string{fe.Node},
			Output:          o.rc.LogFile(name),
			ContainerImage:  o.rc.ContainerImage,
			ContainerMounts: o.rc.ContainerMounts,
			Env: map[string]string{
				"HEAD_NODE_IP": o.rc.HeadNodeIP,
				"MODEL_PATH":   o.cfg.Model.Path,
				"HTTP_PORT":    strconv.Itoa(fe.Port),
			},
		}

		handle, err := o.launcher.Start(spec)
		if err != nil {
			return common.NewJobError("launch",
				fmt.Sprintf("failed to start %s", name), err)
		}
		mp := &registry.ManagedProcess{
			Name:     name,
			Node:     fe.Node,
			Critical: true,
			LogFile:  o.rc.LogFile(name),
			Process:  handle,
		}
		if err := o.reg.AddProcess(mp); err != nil {
			return common.NewJobError("launch", "failed to register frontend", err)
		}
	}

	if !ft.HasBalancer() {
		return nil
	}

	name := fmt.Sprintf("balancer_%s", ft.BalancerNode)
	spec := slurm.LaunchSpec{
		Command:  o.cfg.Backend.BalancerCommand,
		Nodes:    1,
		NTasks:   1,
		Nodelist: []string{ft.BalancerNode},
		Output:   o.rc.LogFile(name),
		Env: map[string]string{
			"LISTEN_PORT": strconv.Itoa(ft.PublicPort),
			"UPSTREAMS":   strings.Join(ft.UpstreamAddrs(), ","),
		},
	}
	handle, err := o.launcher.Start(spec)
	if err != nil {
		return common.NewJobError("launch", "failed to start balancer", err)
	}
	mp := &registry.ManagedProcess{
		Name:     name,
		Node:     ft.BalancerNode,
		Critical: true,
		LogFile:  o.rc.LogFile(name),
		Process:  handle,
	}
	return o.reg.AddProcess(mp)
}

// waitReady 等待服务就绪，同时巡查关键进程失败
//
// 失败巡查发现关键进程退出时取消就绪等待，把结果定性为进程失败
// 而不是健康检查超时。
func (o *Orchestrator) waitReady(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	failed := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if o.reg.CheckFailures() {
					close(failed)
					cancel()
					return
				}
			case <-waitCtx.Done():
				return
			}
		}
	}()

	o.mu.Lock()
	publicPort := o.frontends.PublicPort
	o.mu.Unlock()

	// 先等服务端口可连接，再进入计数轮询；等不到也不致命，
	// 连接错误本身就是轮询的非致命信号。端口等待与计数轮询共用
	// 同一个健康检查预算。
	budget := o.cfg.HealthCheck.Timeout()
	portWait := portWaitBound
	if portWait > budget {
		portWait = budget
	}
	portStart := time.Now()
	if !health.WaitForPort(waitCtx, o.rc.Nodes.Head, publicPort, portWait) {
		o.logger.Warn("Service port not accepting connections yet",
			zap.String("node", o.rc.Nodes.Head),
			zap.Int("port", publicPort))
	}

	prefill, decode := o.cfg.Resources.ExpectedWorkers()
	expected := health.WorkerCounts{Prefill: prefill, Decode: decode}
	opts := health.WaitOptions{
		PollInterval:   time.Duration(o.cfg.HealthCheck.IntervalSeconds) * time.Second,
		ReportInterval: time.Duration(o.cfg.HealthCheck.ReportSeconds) * time.Second,
		Timeout:        budget - time.Since(portStart),
	}

	err := o.checker.WaitUntilReady(waitCtx, o.serviceURL(), expected, opts)
	if err == nil {
		return nil
	}

	select {
	case <-failed:
		return common.NewJobError("readiness", "critical process exited during startup",
			common.ErrProcessFailure)
	default:
	}
	return common.NewJobError("readiness", "deployment did not become ready", err)
}

// benchmarkPhase 守护基准测试阶段
//
// manual 模式保持部署直到收到终止信号；timed 模式运行固定时长。
// 两种模式下关键进程失败都会提前结束并定性为失败。
func (o *Orchestrator) benchmarkPhase(ctx context.Context) error {
	var deadline <-chan time.Time
	if o.cfg.Benchmark.Type == "timed" {
		timer := time.NewTimer(time.Duration(o.cfg.Benchmark.DurationSeconds) * time.Second)
		defer timer.Stop()
		deadline = timer.C
		o.logger.Info("Benchmark running",
			zap.Int("duration_seconds", o.cfg.Benchmark.DurationSeconds))
	} else {
		o.logger.Info("Deployment ready, holding until terminated",
			zap.String("endpoint", o.serviceURL()))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Termination requested")
			return nil
		case <-deadline:
			o.logger.Info("Benchmark duration elapsed")
			return nil
		case <-ticker.C:
			if o.reg.CheckFailures() {
				return common.NewJobError("benchmark", "critical process exited",
					common.ErrProcessFailure)
			}
		}
	}
}

// reportFailure 输出失败进程的事后描述
func (o *Orchestrator) reportFailure() {
	for _, detail := range o.reg.FailureDetails() {
		o.logger.Error("Process failure", zap.String("detail", detail))
	}
}

// serviceURL 返回对外服务入口地址
func (o *Orchestrator) serviceURL() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fmt.Sprintf("http://%s:%d", o.rc.Nodes.Head, o.frontends.PublicPort)
}

// recordReadiness 记录最近一次就绪观察，供状态接口查询
func (o *Orchestrator) recordReadiness(s health.Snapshot) {
	o.mu.Lock()
	o.readiness = s
	o.mu.Unlock()
}

// publish 发布一条生命周期事件，失败不影响作业
func (o *Orchestrator) publish(ctx context.Context, typ events.EventType, detail map[string]string) {
	_ = o.publisher.Publish(ctx, events.Event{
		Type:    typ,
		JobID:   o.rc.JobID,
		JobName: o.rc.RunName,
		Detail:  detail,
	})
}
