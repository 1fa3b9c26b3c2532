package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kgsl/invoicing/cmd/invoicectl/cli"
)

func main() {
	// .env is optional.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := cli.NewEnvBackend()
	err := cli.NewRootCommand(backend).ExecuteContext(ctx)
	backend.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invoicectl: %v\n", err)
		stop()
		os.Exit(1)
	}
}
