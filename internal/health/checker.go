package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"parsnip/internal/common"

	"go.uber.org/zap"
)

// ReadyState 就绪状态机的状态
type ReadyState int

const (
	StateWaiting ReadyState = iota
	StatePartial
	StateReady
	StateTimeout
	StateError
)

// String 返回就绪状态字符串
func (s ReadyState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StatePartial:
		return "PARTIAL"
	case StateReady:
		return "READY"
	case StateTimeout:
		return "TIMEOUT"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Snapshot 一次轮询会话的对外可见进度
type Snapshot struct {
	State    ReadyState   `json:"state"`
	Observed WorkerCounts `json:"observed"`
	Expected WorkerCounts `json:"expected"`
	Elapsed  string       `json:"elapsed"`
}

// WaitOptions 就绪等待参数
type WaitOptions struct {
	PollInterval   time.Duration
	ReportInterval time.Duration
	Timeout        time.Duration
}

// Checker 就绪状态机
//
// 周期性轮询服务端点，用后端解析器把响应归约为 worker 计数，与期望
// 比较。连接失败和非 2xx 都是非致命信号，只消耗超时预算。一旦两侧
// 计数同时达标立即返回成功；达标是单次等待内的终态，之后计数回落
// 不再被观察。
type Checker struct {
	client *http.Client
	parser Parser
	logger *zap.Logger

	// OnObservation 每个轮询 tick 后回调一次，供状态接口展示进度
	OnObservation func(Snapshot)
}

// NewChecker 创建就绪状态机
func NewChecker(parser Parser) *Checker {
	return &Checker{
		client: &http.Client{Timeout: 5 * time.Second},
		parser: parser,
		logger: common.ComponentLogger("health-checker"),
	}
}

// WaitUntilReady 等待部署就绪
//
// baseURL 形如 http://host:port，健康路径由解析器决定。超出预算返回
// ErrHealthTimeout；ctx 取消时提前返回 ctx 的错误。
func (c *Checker) WaitUntilReady(ctx context.Context, baseURL string, expected WorkerCounts, opts WaitOptions) error {
	url := baseURL + c.parser.Path()
	c.logger.Info("Polling for readiness",
		zap.String("url", url),
		zap.Duration("interval", opts.PollInterval),
		zap.Int("expected_prefill", expected.Prefill),
		zap.Int("expected_decode", expected.Decode))

	start := time.Now()
	lastReport := start
	state := StateWaiting
	var observed WorkerCounts

	emit := func() {
		if c.OnObservation != nil {
			c.OnObservation(Snapshot{
				State:    state,
				Observed: observed,
				Expected: expected,
				Elapsed:  time.Since(start).Round(time.Second).String(),
			})
		}
	}
	emit()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		elapsed := time.Since(start)
		if elapsed >= opts.Timeout {
			state = StateTimeout
			emit()
			c.logger.Error("Deployment did not become ready in budget",
				zap.Duration("timeout", opts.Timeout),
				zap.Int("observed_prefill", observed.Prefill),
				zap.Int("observed_decode", observed.Decode))
			return fmt.Errorf("%w: not ready after %s (have %s, want %s)",
				common.ErrHealthTimeout, opts.Timeout, observed, expected)
		}

		counts, err := c.poll(ctx, url)
		if err == nil {
			observed = counts
			if counts.Satisfies(expected) {
				state = StateReady
				emit()
				c.logger.Info("Deployment is ready",
					zap.Int("prefill", counts.Prefill),
					zap.Int("decode", counts.Decode),
					zap.Duration("elapsed", elapsed.Round(time.Second)))
				return nil
			}
			state = StatePartial
		}
		emit()

		if time.Since(lastReport) >= opts.ReportInterval {
			if err != nil {
				c.logger.Info("Health endpoint not reachable yet",
					zap.Duration("elapsed", elapsed.Round(time.Second)),
					zap.Error(err))
			} else {
				c.logger.Info("Deployment not ready yet",
					zap.Int("prefill", observed.Prefill),
					zap.Int("expected_prefill", expected.Prefill),
					zap.Int("decode", observed.Decode),
					zap.Int("expected_decode", expected.Decode),
					zap.Duration("elapsed", elapsed.Round(time.Second)))
			}
			lastReport = time.Now()
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			state = StateError
			emit()
			return ctx.Err()
		}
	}
}

// poll 执行一次健康请求；任何错误都视为本 tick 的非致命信号
func (c *Checker) poll(ctx context.Context, url string) (WorkerCounts, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return WorkerCounts{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return WorkerCounts{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return WorkerCounts{}, fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return WorkerCounts{}, err
	}
	return c.parser.Parse(body)
}

// WaitForPort 等待 TCP 端口可连接
func WaitForPort(ctx context.Context, host string, port int, timeout time.Duration) bool {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return false
		}
	}
	return false
}
