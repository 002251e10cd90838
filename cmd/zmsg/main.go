package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/zhiqiangxu/zmsg"
	"github.com/zhiqiangxu/zmsg/config"
	"github.com/zhiqiangxu/zmsg/logging"
	"go.uber.org/zap"
)

var (
	configPath  string
	metricsAddr string

	cfg    = config.Default()
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "zmsg",
	Short:         "zmsg protocol client and test broker",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		if cfg, err = config.Load(configPath); err != nil {
			return
		}
		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}
		if logger, err = logging.Setup(cfg.Log); err != nil {
			return
		}
		return serveMetrics(cfg.Metrics.Addr)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (default: $ZMSG_CONFIG or ./zmsg.yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(pingCmd)
}

func serveMetrics(addr string) error {
	if addr == "" {
		return nil
	}
	if err := zmsg.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "zmsg: %v\n", err)
		os.Exit(1)
	}
}
