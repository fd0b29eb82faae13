package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"parsnip/internal/common"
	"parsnip/internal/events"
	"parsnip/internal/health"
	"parsnip/internal/registry"
	"parsnip/internal/slurm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle 测试用进程句柄
type fakeHandle struct {
	pid int
}

func (h *fakeHandle) GetPID() int      { return h.pid }
func (h *fakeHandle) IsRunning() bool  { return true }
func (h *fakeHandle) Terminate() error { return nil }
func (h *fakeHandle) Kill() error      { return nil }
func (h *fakeHandle) Wait() error      { return nil }
func (h *fakeHandle) GetExitCode() int { return 0 }

// fakeLauncher 记录启动描述的启动器替身
type fakeLauncher struct {
	specs []slurm.LaunchSpec
}

func (f *fakeLauncher) Start(spec slurm.LaunchSpec) (registry.WorkerProcess, error) {
	f.specs = append(f.specs, spec)
	return &fakeHandle{pid: 1000 + len(f.specs)}, nil
}

func testJobConfig() *common.JobConfig {
	cfg := common.GetDefaultJobConfig()
	cfg.Name = "bench"
	cfg.Model.Path = "/models/llama"
	cfg.Backend.WorkerCommand = []string{"worker"}
	cfg.Backend.FrontendCommand = []string{"frontend"}
	cfg.Backend.BalancerCommand = []string{"balancer"}
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *common.JobConfig, nodes ...string) (*Orchestrator, *fakeLauncher) {
	t.Helper()

	ns := NodeSet{All: nodes, Head: nodes[0]}
	if len(nodes) > 1 {
		ns.Worker = nodes[1:]
	}
	rc := &RuntimeContext{
		JobID:       "test-job",
		RunName:     cfg.Name,
		Nodes:       ns,
		HeadNodeIP:  "10.0.0.1",
		GPUsPerNode: cfg.Resources.GPUsPerNode,
		LogDir:      t.TempDir(),
		StartedAt:   time.Now(),
	}

	fl := &fakeLauncher{}
	o := &Orchestrator{
		cfg:       cfg,
		rc:        rc,
		reg:       registry.NewProcessRegistry(rc.JobID),
		launcher:  fl,
		publisher: events.NopPublisher{},
		checker:   health.NewChecker(health.CoordinatorParser{}),
		logger:    common.ComponentLogger("orchestrator"),
	}
	return o, fl
}

func TestLaunchWorkersPerEndpointBatches(t *testing.T) {
	cfg := testJobConfig()
	cfg.Resources.PrefillWorkers = 1
	cfg.Resources.GPUsPerPrefill = 8
	cfg.Resources.DecodeWorkers = 1
	cfg.Resources.GPUsPerDecode = 16

	o, fl := newTestOrchestrator(t, cfg, "node0", "node1", "node2")
	require.NoError(t, o.plan())
	require.NoError(t, o.launchWorkers())

	// 端点批次顺序：prefill 端点先于 decode 端点，跨节点成员连续
	require.Len(t, fl.specs, 3)
	assert.Equal(t, []string{"node0"}, fl.specs[0].Nodelist)
	assert.Equal(t, []string{"node1"}, fl.specs[1].Nodelist)
	assert.Equal(t, []string{"node2"}, fl.specs[2].Nodelist)

	prefillEnv := fl.specs[0].Env
	assert.Equal(t, "prefill", prefillEnv["ROLE"])
	assert.Equal(t, "31000", prefillEnv["BOOTSTRAP_PORT"])
	assert.Equal(t, "30000", prefillEnv["HTTP_PORT"])
	assert.Equal(t, "10.0.0.1", prefillEnv["HEAD_NODE_IP"])
	// 独占整节点的进程不限制加速卡可见性
	_, hasCUDA := prefillEnv["CUDA_VISIBLE_DEVICES"]
	assert.False(t, hasCUDA)

	leaderEnv := fl.specs[1].Env
	assert.Equal(t, "0", leaderEnv["NODE_RANK"])
	assert.Equal(t, "2", leaderEnv["NNODES"])
	assert.Equal(t, "node1", leaderEnv["LEADER_ADDR"])
	assert.Equal(t, "5551", leaderEnv["KV_EVENTS_PORT"])

	followerEnv := fl.specs[2].Env
	assert.Equal(t, "1", followerEnv["NODE_RANK"])
	assert.Equal(t, "node1", followerEnv["LEADER_ADDR"])
	_, hasHTTP := followerEnv["HTTP_PORT"]
	assert.False(t, hasHTTP)

	assert.Len(t, o.reg.Snapshot(), 3)
}

func TestLaunchWorkersFractionalEnv(t *testing.T) {
	cfg := testJobConfig()
	cfg.Resources.DecodeWorkers = 2
	cfg.Resources.GPUsPerDecode = 4
	cfg.Backend.DecodeEnvironment = map[string]string{"BATCH_SIZE": "64"}

	o, fl := newTestOrchestrator(t, cfg, "node0")
	require.NoError(t, o.plan())
	require.NoError(t, o.launchWorkers())

	require.Len(t, fl.specs, 2)
	assert.Equal(t, "0,1,2,3", fl.specs[0].Env["CUDA_VISIBLE_DEVICES"])
	assert.Equal(t, "4,5,6,7", fl.specs[1].Env["CUDA_VISIBLE_DEVICES"])
	assert.Equal(t, "0", fl.specs[0].Env["LOCAL_RANK"])
	assert.Equal(t, "1", fl.specs[1].Env["LOCAL_RANK"])
	// 角色环境变量透传
	assert.Equal(t, "64", fl.specs[0].Env["BATCH_SIZE"])
}

func TestLaunchFrontendsWithBalancer(t *testing.T) {
	cfg := testJobConfig()
	cfg.Resources.DecodeWorkers = 2
	cfg.Resources.GPUsPerDecode = 4
	cfg.Backend.EnableMultipleFrontends = true
	cfg.Backend.NumAdditionalFrontends = 1

	o, fl := newTestOrchestrator(t, cfg, "node0", "node1", "node2")
	require.NoError(t, o.plan())
	require.NoError(t, o.launchFrontends())

	require.Len(t, fl.specs, 3)
	assert.Equal(t, []string{"frontend"}, fl.specs[0].Command)
	assert.Equal(t, []string{"node1"}, fl.specs[0].Nodelist)
	assert.Equal(t, "8080", fl.specs[0].Env["HTTP_PORT"])

	balancer := fl.specs[2]
	assert.Equal(t, []string{"balancer"}, balancer.Command)
	assert.Equal(t, []string{"node0"}, balancer.Nodelist)
	assert.Equal(t, "8000", balancer.Env["LISTEN_PORT"])
	assert.Equal(t, "node1:8080,node2:8080", balancer.Env["UPSTREAMS"])
}

func TestPlanRequiresBalancerCommand(t *testing.T) {
	cfg := testJobConfig()
	cfg.Resources.DecodeWorkers = 2
	cfg.Resources.GPUsPerDecode = 4
	cfg.Backend.EnableMultipleFrontends = true
	cfg.Backend.BalancerCommand = nil

	o, _ := newTestOrchestrator(t, cfg, "node0", "node1", "node2")
	err := o.plan()
	require.Error(t, err)

	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "backend.balancer_command", verr.Field)
}

func TestWaitReadyPortWaitStaysWithinBudget(t *testing.T) {
	cfg := testJobConfig()
	cfg.Resources.DecodeWorkers = 2
	cfg.Resources.GPUsPerDecode = 4
	cfg.HealthCheck.IntervalSeconds = 1
	cfg.HealthCheck.MaxAttempts = 1

	o, _ := newTestOrchestrator(t, cfg, "127.0.0.1")
	require.NoError(t, o.plan())
	o.mu.Lock()
	// 无监听的端口：端口等待与计数轮询都无法成功
	o.frontends.PublicPort = 1
	o.mu.Unlock()

	start := time.Now()
	err := o.waitReady(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrHealthTimeout)
	// 端口等待计入预算，总耗时不得超出预算太多
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLoggingMiddlewareAttachesRequestLogger(t *testing.T) {
	cfg := testJobConfig()
	cfg.Resources.DecodeWorkers = 2
	cfg.Resources.GPUsPerDecode = 4

	o, _ := newTestOrchestrator(t, cfg, "node0")
	s := NewHTTPServer(o)

	var got bool
	h := s.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = common.LoggerFromContext(r.Context()) != common.GetLogger()
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got, "handler should see the request-scoped logger, not the global one")
}

func TestStatusHandlers(t *testing.T) {
	cfg := testJobConfig()
	cfg.Resources.DecodeWorkers = 2
	cfg.Resources.GPUsPerDecode = 4

	o, _ := newTestOrchestrator(t, cfg, "node0")
	require.NoError(t, o.plan())
	require.NoError(t, o.launchWorkers())
	s := NewHTTPServer(o)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test-job")
	assert.Contains(t, rec.Body.String(), "RUNNING")

	rec = httptest.NewRecorder()
	s.handleProcesses(rec, httptest.NewRequest(http.MethodGet, "/processes", nil))
	assert.Contains(t, rec.Body.String(), "decode_0_node0")
	assert.Contains(t, rec.Body.String(), "decode_1_node0")

	rec = httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "readiness")
}
