// Command admeshd runs one advertisement-exchange node: the peer protocol
// engine, the settlement pipeline, and the HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/admesh-net/admesh/internal/buildinfo"
	"github.com/admesh-net/admesh/internal/config"
)

func main() {
	log.Printf("[main] admeshd %s (%s, built %s)",
		buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		log.Fatalf("[main] start: %v", err)
	}

	<-ctx.Done()
	log.Printf("[main] shutting down")
	a.shutdown()
}
