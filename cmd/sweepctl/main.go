package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"parsnip/internal/common"
	"parsnip/internal/sweep"

	"go.uber.org/zap"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to sweep config YAML")
		outDir      = flag.String("out", "runs", "Directory for resolved job configs")
		dryRun      = flag.Bool("dry-run", false, "Print the expansion plan without submitting")
		development = flag.Bool("dev", false, "Enable development mode")
	)
	flag.Parse()

	if *configPath == "" {
		log.Fatal("--config is required")
	}

	// 初始化日志系统
	if err := common.InitLogger(*development); err != nil {
		panic(err)
	}
	defer common.Sync()

	logger := common.GetLogger()

	doc, err := os.ReadFile(*configPath)
	if err != nil {
		logger.Fatal("Failed to read sweep config", zap.Error(err))
	}

	instances, err := sweep.Expand(doc)
	if err != nil {
		logger.Fatal("Sweep expansion failed", zap.Error(err))
	}

	// 展开或校验失败时不提交任何作业
	resolved := make([]*common.JobConfig, 0, len(instances))
	for _, ji := range instances {
		data, err := ji.MarshalConfig()
		if err != nil {
			logger.Fatal("Failed to serialize job config",
				zap.String("job", ji.Name), zap.Error(err))
		}
		cfg, err := common.ParseJobConfig(data)
		if err != nil {
			logger.Fatal("Resolved job config is invalid",
				zap.String("job", ji.Name), zap.Error(err))
		}
		resolved = append(resolved, cfg)
	}

	logger.Info("Sweep expanded",
		zap.String("config", *configPath),
		zap.Int("jobs", len(instances)))

	if *dryRun {
		for i, ji := range instances {
			fmt.Printf("%3d  %s\n", i, ji.Name)
			for k, v := range ji.Params {
				fmt.Printf("       %s = %v\n", k, v)
			}
		}
		return
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		logger.Fatal("Failed to create output directory", zap.Error(err))
	}

	for i, ji := range instances {
		path := filepath.Join(*outDir, ji.Name+".yaml")
		data, err := ji.MarshalConfig()
		if err != nil {
			logger.Fatal("Failed to serialize job config",
				zap.String("job", ji.Name), zap.Error(err))
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			logger.Fatal("Failed to write job config",
				zap.String("path", path), zap.Error(err))
		}

		if err := submit(resolved[i], path); err != nil {
			logger.Error("Submission failed",
				zap.String("job", ji.Name), zap.Error(err))
			os.Exit(1)
		}
		logger.Info("Job submitted",
			zap.String("job", ji.Name),
			zap.String("config", path))
	}
}

// submit 通过 sbatch 提交单个作业
func submit(cfg *common.JobConfig, configPath string) error {
	sl := cfg.Slurm
	if sl.SubmitScript == "" {
		return fmt.Errorf("slurm.submit_script is not set")
	}

	args := []string{"--job-name", cfg.Name}
	if sl.Account != "" {
		args = append(args, "--account", sl.Account)
	}
	if sl.Partition != "" {
		args = append(args, "--partition", sl.Partition)
	}
	if sl.TimeLimit != "" {
		args = append(args, "--time", sl.TimeLimit)
	}
	args = append(args, sl.SubmitScript, configPath)

	cmd := exec.Command("sbatch", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
