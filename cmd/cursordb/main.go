package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/myuser/cursordb/internal/config"
	"github.com/myuser/cursordb/internal/db"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

// openDB loads the config named by --config and opens it.
func openDB() (*db.DB, error) {
	if configPath == "" {
		return nil, errors.New("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := db.InitLogger(cfg); err != nil {
		return nil, err
	}
	log.Info("config loaded", zap.Stringer("config", cfg))
	return db.Open(cfg)
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Fprintf(os.Stderr, "\nGot signal [%v] to exit.\n", sig)
		globalCancel()
	}()

	rootCmd := &cobra.Command{
		Use:           "cursordb",
		Short:         "Query and serve a cursordb store set",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		newQueryCommand(),
		newLoadCommand(),
		newScanCommand(),
		newServeCommand(),
	)

	err := rootCmd.ExecuteContext(globalContext)
	globalCancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
