package slurm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgsMinimal(t *testing.T) {
	args := BuildArgs(LaunchSpec{
		Command: []string{"sleep", "60"},
	})

	assert.Equal(t, []string{
		"srun", "--overlap", "--nodes", "1", "--ntasks", "1",
		"bash", "-c", "sleep 60",
	}, args)
}

func TestBuildArgsFull(t *testing.T) {
	args := BuildArgs(LaunchSpec{
		Command:        []string{"python", "-m", "serving.worker"},
		Nodes:          1,
		NTasks:         1,
		Nodelist:       []string{"node2"},
		Output:         "/logs/decode_0.log",
		ContainerImage: "registry.local/serving:latest",
		ContainerMounts: map[string]string{
			"/models": "/models",
			"/data":   "/data",
		},
		Env: map[string]string{
			"HEAD_NODE_IP":         "10.0.0.1",
			"CUDA_VISIBLE_DEVICES": "0,1,2,3",
		},
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--nodelist node2")
	assert.Contains(t, joined, "--output /logs/decode_0.log")
	assert.Contains(t, joined, "--container-image registry.local/serving:latest")
	assert.Contains(t, joined, "--no-container-entrypoint")
	// 挂载按宿主路径排序
	assert.Contains(t, joined, "--container-mounts /data:/data,/models:/models")

	script := args[len(args)-1]
	assert.Equal(t, "bash", args[len(args)-3])
	assert.Equal(t, "-c", args[len(args)-2])
	// 环境变量导出按键名排序
	assert.Equal(t,
		"export CUDA_VISIBLE_DEVICES=0,1,2,3 && export HEAD_NODE_IP=10.0.0.1 && python -m serving.worker",
		script)
}

func TestBuildArgsPreamble(t *testing.T) {
	args := BuildArgs(LaunchSpec{
		Command:  []string{"serve"},
		Preamble: "source /opt/env.sh",
	})

	script := args[len(args)-1]
	assert.Equal(t, "source /opt/env.sh && serve", script)
}

func TestBuildArgsNoOverlap(t *testing.T) {
	args := BuildArgs(LaunchSpec{
		Command:   []string{"serve"},
		NoOverlap: true,
	})
	assert.NotContains(t, args, "--overlap")
}

func TestBuildArgsDeterministic(t *testing.T) {
	spec := LaunchSpec{
		Command: []string{"serve"},
		Env: map[string]string{
			"B": "2", "A": "1", "C": "3",
		},
		ContainerImage:  "img",
		ContainerMounts: map[string]string{"/b": "/b", "/a": "/a"},
	}

	first := BuildArgs(spec)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, BuildArgs(spec))
	}
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "plain", shellQuote("plain"))
	assert.Equal(t, "0,1,2,3", shellQuote("0,1,2,3"))
	assert.Equal(t, "/models/llama-70b", shellQuote("/models/llama-70b"))
	assert.Equal(t, "KEY=value", shellQuote("KEY=value"))

	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "'has space'", shellQuote("has space"))
	assert.Equal(t, "'a;b'", shellQuote("a;b"))
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
}

func TestExpandNodelistFallback(t *testing.T) {
	// scontrol 不可用时退化为原样单节点
	nodes := ExpandNodelist("host[1-4]")
	require.NotEmpty(t, nodes)
}
