package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bradypod/internal/config"
	"bradypod/internal/logger"
	"bradypod/pkg/api"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

// rootCmd 页面加载追踪工具
var rootCmd = &cobra.Command{
	Use:   "bradypod",
	Short: "Load pages through an intercepting network engine and record every request",
	Long: `bradypod drives a Chrome page over DevTools, routes every request through
its own network engine (blocklist, cookies, timeouts, auth, proxy, TLS) and
exports the full request/response trace with the final page markup.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug|info|warn|error)")
	rootCmd.AddCommand(loadCmd, fetchCmd, targetsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setup 加载配置并创建服务
func setup() (*config.Config, api.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	l := logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})
	svc, err := api.NewService(cfg, l)
	if err != nil {
		return nil, nil, fmt.Errorf("start service: %w", err)
	}
	return cfg, svc, nil
}
