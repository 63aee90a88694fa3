package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shastrum/go-captchaguard"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "captchaguard-example",
	Short: "Demo server protecting a comment form with text challenges",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the demo HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var sealCmd = &cobra.Command{
	Use:   "seal VALUE",
	Short: "Encrypt VALUE with the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		token, err := captchaguard.Encode(args[0], []byte(cfg.Secret))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open TOKEN",
	Short: "Decrypt TOKEN with the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		value, ok := captchaguard.Decode(args[0], []byte(cfg.Secret))
		if !ok {
			return errors.New("token could not be decrypted with this secret")
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, sealCmd, openCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*logrus.Entry, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(lvl)

	host, _ := os.Hostname()
	return logger.WithFields(logrus.Fields{"app": "captchaguard-example", "host": host}), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	mCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := buildRepository(mCtx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := closeRepo(); err != nil {
			log.WithField("err", err).Warn("closing store failed")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	guard, err := newGuard(cfg, repo, reg, log)
	if err != nil {
		return err
	}

	startServer, stopServer := setupHttpServer(cfg.Port, newRouter(cfg, guard, reg, log), log)
	go startServer()
	defer stopServer()

	log.WithField("store", cfg.Store.Driver).Info("service is ready")
	<-mCtx.Done()
	log.Info("service is stopping")
	return nil
}
