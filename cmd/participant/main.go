package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"groupcast/internal/config"
	"groupcast/internal/participant"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./participant.yaml", "path to participant config file")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.LoadParticipant(cfgPath)
	if err != nil {
		return err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    logx.FileConfig{Enabled: cfg.Log.File != "", Path: cfg.Log.File},
	})
	defer logs.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	journal, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
	}, log.With(logx.String("svc", "journal")))
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	client, err := participant.Connect(ctx, participant.Config{
		ID:              cfg.ID,
		Host:            cfg.Coordinator.Host,
		Port:            cfg.Coordinator.Port,
		ConnectAttempts: cfg.ConnectAttempts,
		ConnectInterval: cfg.ConnectInterval.Std(),
	}, journal, nil, log)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Run(ctx, os.Stdin, os.Stdout)
}
