package sweep

import (
	"testing"

	"parsnip/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basicDoc = `
name: bench
model:
  path: /models/llama
resources:
  decode_workers: "{replicas}"
backend:
  decode_environment:
    BATCH_SIZE: "{batch}"
sweep:
  replicas: [1, 2]
  batch: [x, y]
`

func TestExpandCartesianOrder(t *testing.T) {
	instances, err := Expand([]byte(basicDoc))
	require.NoError(t, err)
	require.Len(t, instances, 4)

	// 最后声明的维度变化最快
	assert.Equal(t, "bench_replicas1_batchx", instances[0].Name)
	assert.Equal(t, "bench_replicas1_batchy", instances[1].Name)
	assert.Equal(t, "bench_replicas2_batchx", instances[2].Name)
	assert.Equal(t, "bench_replicas2_batchy", instances[3].Name)

	assert.Equal(t, 1, instances[0].Params["replicas"])
	assert.Equal(t, "y", instances[1].Params["batch"])
	assert.Equal(t, 2, instances[3].Params["replicas"])
}

func TestExpandSubstitutesNestedValues(t *testing.T) {
	instances, err := Expand([]byte(basicDoc))
	require.NoError(t, err)

	first := instances[0]
	resources := first.Config["resources"].(map[string]interface{})
	// 占位符独占字符串时保留原生标量类型
	assert.Equal(t, 1, resources["decode_workers"])

	backend := first.Config["backend"].(map[string]interface{})
	env := backend["decode_environment"].(map[string]interface{})
	assert.Equal(t, "x", env["BATCH_SIZE"])

	// sweep 段不进入实例配置，名字被改写
	_, hasSweep := first.Config["sweep"]
	assert.False(t, hasSweep)
	assert.Equal(t, first.Name, first.Config["name"])
}

func TestExpandEmbeddedPlaceholder(t *testing.T) {
	doc := `
name: bench
log_dir: "runs/{mode}/logs"
extra_args: "--devices {devices} --mode {mode}"
sweep:
  mode: [fast]
  devices:
    - [0, 1, 2]
`
	instances, err := Expand([]byte(doc))
	require.NoError(t, err)
	require.Len(t, instances, 1)

	cfg := instances[0].Config
	assert.Equal(t, "runs/fast/logs", cfg["log_dir"])
	// 嵌入字符串中的列表值折叠为逗号分隔
	assert.Equal(t, "--devices 0,1,2 --mode fast", cfg["extra_args"])
}

func TestExpandListValueWholesale(t *testing.T) {
	doc := `
name: bench
devices: "{devices}"
sweep:
  devices:
    - [0, 1]
    - [2, 3]
`
	instances, err := Expand([]byte(doc))
	require.NoError(t, err)
	require.Len(t, instances, 2)

	assert.Equal(t, []interface{}{0, 1}, instances[0].Config["devices"])
	assert.Equal(t, []interface{}{2, 3}, instances[1].Config["devices"])
}

func TestExpandAxisWithoutPlaceholder(t *testing.T) {
	doc := `
name: bench
sweep:
  unused: [1, 2]
`
	_, err := Expand([]byte(doc))
	assert.ErrorIs(t, err, common.ErrSweepExpansion)
}

func TestExpandPlaceholderWithoutAxis(t *testing.T) {
	doc := `
name: bench
batch: "{batch}"
sweep:
  batch: [1]
nested:
  value: "{missing}"
`
	_, err := Expand([]byte(doc))
	assert.ErrorIs(t, err, common.ErrSweepExpansion)
}

func TestExpandRequiresSweepSection(t *testing.T) {
	_, err := Expand([]byte("name: bench\n"))
	assert.ErrorIs(t, err, common.ErrSweepExpansion)
}

func TestExpandRequiresName(t *testing.T) {
	doc := `
batch: "{batch}"
sweep:
  batch: [1]
`
	_, err := Expand([]byte(doc))
	assert.ErrorIs(t, err, common.ErrSweepExpansion)
}

func TestExpandSingleAxis(t *testing.T) {
	doc := `
name: bench
resources:
  decode_workers: "{replicas}"
sweep:
  replicas: [4, 8, 16]
`
	instances, err := Expand([]byte(doc))
	require.NoError(t, err)
	require.Len(t, instances, 3)
	assert.Equal(t, "bench_replicas4", instances[0].Name)
	assert.Equal(t, "bench_replicas16", instances[2].Name)
}

func TestMarshalConfigRoundTrip(t *testing.T) {
	doc := `
name: bench
resources:
  decode_workers: "{replicas}"
  gpus_per_decode: 4
sweep:
  replicas: [2]
`
	instances, err := Expand([]byte(doc))
	require.NoError(t, err)

	data, err := instances[0].MarshalConfig()
	require.NoError(t, err)
	assert.Contains(t, string(data), "decode_workers: 2")
	assert.Contains(t, string(data), "name: bench_replicas2")
}
