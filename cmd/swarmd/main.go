package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"AgentSwarm/internal/config"
	"AgentSwarm/pkg/logger"
)

var configPath string

// main 是 swarmd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env 只补充尚未设置的环境变量。
	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logger.L().Error("swarmd 运行失败", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "swarmd",
		Short:         "Agent swarm control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the JSON or YAML configuration file")
	root.AddCommand(newServeCommand(), newValidateCommand(), newTokenCommand())
	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("SWARM_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "swarm.yaml")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
