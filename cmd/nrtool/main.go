package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"nrtool/internal/app"
	"nrtool/internal/config"
	logx "nrtool/pkg/logx"
)

func main() {
	var (
		envFile  string
		dataDir  string
		logLevel string
		check    bool
	)
	pflag.StringVar(&envFile, "env-file", ".env", "dotenv file seeding NRTOOL_* variables (missing file is ignored)")
	pflag.StringVar(&dataDir, "data-dir", "", "overrides NRTOOL_DATA_PATH")
	pflag.StringVar(&logLevel, "log-level", "", "overrides NRTOOL_LOG_LEVEL (DEBUG, INFO, WARN, ERROR)")
	pflag.BoolVar(&check, "check", false, "validate environment and tasks.yaml, then exit")
	pflag.Parse()

	if err := config.LoadDotenv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if dataDir != "" {
		_ = os.Setenv("NRTOOL_DATA_PATH", dataDir)
	}
	if logLevel != "" {
		_ = os.Setenv("NRTOOL_LOG_LEVEL", logLevel)
	}
	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if check {
		log := logx.NewConsole(env.LogLevel)
		payloads, err := app.Check(env, log)
		if err != nil {
			log.Error("configuration invalid", logx.Err(err))
			os.Exit(1)
		}
		log.Info("configuration ok", logx.Int("tasks", len(payloads)), logx.String("tasks_file", env.TasksPath()))
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	fatal := a.Err()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		os.Exit(1)
	}
}
