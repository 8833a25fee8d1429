package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wxnotice/internal/app"
	logx "wxnotice/pkg/logx"
)

func main() {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.BoolVar(&once, "once", false, "run a single dispatch and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		logx.NewConsole("INFO").Error("startup failed", logx.Err(err))
		os.Exit(1)
	}
	log := a.Logger()

	if once {
		res, err := a.RunOnce(ctx)
		_ = a.Stop(context.Background(), app.StopRunOnce)
		if err != nil {
			fmt.Fprintln(os.Stderr, "dispatch failed:", err)
			os.Exit(1)
		}
		fmt.Printf("sent=%d failed=%d skipped=%d cursor_advanced=%t took=%s\n",
			res.Sent, res.Failed, res.Skipped, res.CursorAdvanced, res.Duration.Round(time.Millisecond))
		return
	}

	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("service failed", logx.Err(err))
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}
