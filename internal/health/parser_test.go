package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParser(t *testing.T) {
	p, err := NewParser("coordinator")
	require.NoError(t, err)
	assert.Equal(t, "/health", p.Path())

	p, err = NewParser("router")
	require.NoError(t, err)
	assert.Equal(t, "/workers", p.Path())

	_, err = NewParser("nginx")
	assert.Error(t, err)
}

func TestCoordinatorParserDisaggregated(t *testing.T) {
	payload := []byte(`{
		"status": "healthy",
		"instances": [
			{"endpoint": "generate", "component": "prefill"},
			{"endpoint": "generate", "component": "prefill"},
			{"endpoint": "generate", "component": "decode"},
			{"endpoint": "clear_kv_blocks", "component": "prefill"}
		]
	}`)

	counts, err := CoordinatorParser{}.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, WorkerCounts{Prefill: 2, Decode: 1}, counts)
}

func TestCoordinatorParserAggregated(t *testing.T) {
	// 聚合模式的 worker 以 backend 组件注册，计入 decode
	payload := []byte(`{
		"instances": [
			{"endpoint": "generate", "component": "backend"},
			{"endpoint": "generate", "component": "backend"}
		]
	}`)

	counts, err := CoordinatorParser{}.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, WorkerCounts{Prefill: 0, Decode: 2}, counts)
}

func TestCoordinatorParserMissingInstances(t *testing.T) {
	_, err := CoordinatorParser{}.Parse([]byte(`{"status": "starting"}`))
	assert.Error(t, err)

	_, err = CoordinatorParser{}.Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestRouterParser(t *testing.T) {
	payload := []byte(`{
		"stats": {"prefill_count": 2, "decode_count": 3, "regular_count": 1}
	}`)

	counts, err := RouterParser{}.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, WorkerCounts{Prefill: 2, Decode: 4}, counts)
}

func TestRouterParserMissingStats(t *testing.T) {
	_, err := RouterParser{}.Parse([]byte(`{"workers": []}`))
	assert.Error(t, err)
}

func TestWorkerCountsSatisfies(t *testing.T) {
	expected := WorkerCounts{Prefill: 2, Decode: 4}

	assert.True(t, WorkerCounts{Prefill: 2, Decode: 4}.Satisfies(expected))
	assert.True(t, WorkerCounts{Prefill: 3, Decode: 5}.Satisfies(expected))
	assert.False(t, WorkerCounts{Prefill: 2, Decode: 3}.Satisfies(expected))
	assert.False(t, WorkerCounts{Prefill: 1, Decode: 4}.Satisfies(expected))
	assert.True(t, WorkerCounts{}.Satisfies(WorkerCounts{}))
}
