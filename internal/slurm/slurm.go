package slurm

import (
	"net"
	"os"
	"os/exec"
	"strings"

	"parsnip/internal/common"

	"go.uber.org/zap"
)

// JobID 从环境变量读取当前作业 ID，不在作业内时返回空串
func JobID() string {
	if id := os.Getenv("SLURM_JOB_ID"); id != "" {
		return id
	}
	return os.Getenv("SLURM_JOBID")
}

// Nodelist 读取并展开当前作业的节点列表
func Nodelist() []string {
	raw := os.Getenv("SLURM_NODELIST")
	if raw == "" {
		return nil
	}
	return ExpandNodelist(raw)
}

// ExpandNodelist 将压缩节点表达式展开为主机名列表
//
// 使用 scontrol 展开区间格式（如 node[01-04]）；scontrol 不可用时
// 退回原始值。
func ExpandNodelist(raw string) []string {
	out, err := exec.Command("scontrol", "show", "hostnames", raw).Output()
	if err != nil {
		common.ComponentLogger("slurm").Warn("scontrol expansion failed, using raw nodelist",
			zap.String("nodelist", raw), zap.Error(err))
		return []string{raw}
	}
	var nodes []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			nodes = append(nodes, line)
		}
	}
	return nodes
}

// ResolveHostIP 将主机名解析为可路由 IP
//
// 解析失败时原样返回主机名（可能本身就是 IP）；解析出回环地址时
// 告警，跨节点场景下回环地址不可用。
func ResolveHostIP(host string) string {
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return host
	}
	ip := addrs[0]
	if strings.HasPrefix(ip, "127.") {
		common.ComponentLogger("slurm").Warn("hostname resolved to loopback, cross-node traffic may fail",
			zap.String("host", host), zap.String("ip", ip))
	}
	return ip
}
