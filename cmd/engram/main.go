package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sorane/engram/internal/app"
	"github.com/sorane/engram/internal/config"
)

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	secrets, err := config.FromEnv()
	if err != nil {
		log.Fatalf("engram: %v", err)
	}

	cfg, warns := config.Load(config.Dir())
	for _, w := range warns {
		log.Printf("engram: config: %v", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, secrets)
	if err != nil {
		log.Fatalf("engram: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("engram: %v", err)
	}
}
