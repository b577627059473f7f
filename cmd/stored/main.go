package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	storedcmd "github.com/louisbranch/concord/internal/cmd/stored"
)

func main() {
	cfg, err := storedcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[STORED] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := storedcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
