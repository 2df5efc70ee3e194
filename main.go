//go:build !js
// +build !js

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-webrtc-send-receive/config"
	"github.com/go-webrtc-send-receive/demo"
	"github.com/go-webrtc-send-receive/logutil"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.FromEnvironment()
	if err != nil {
		log.Fatal(err)
	}

	logWriter, err := logutil.GetMainLogWriter(cfg.LogFile)
	if err != nil {
		log.Fatal(err)
	}
	defer logWriter.Close()
	log.SetOutput(logWriter)

	loggerFactory, err := logutil.NewLoggerFactory(cfg.LogLevel, logWriter)
	if err != nil {
		log.Fatal(err)
	}

	sendReceive, err := demo.New(demo.Options{
		Config:        cfg,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		// The debug server goes down with the demo.
		defer stop()
		return sendReceive.Run(groupCtx)
	})
	if cfg.DebugAddr != "" {
		server := NewServer(cfg.DebugAddr, sendReceive.Manager())
		group.Go(func() error {
			return server.Start(groupCtx)
		})
	}

	runErr := group.Wait()
	if closeErr := sendReceive.Close(); closeErr != nil {
		log.Printf("close: %v", closeErr)
	}
	if runErr != nil {
		log.Fatal(runErr)
	}
}
