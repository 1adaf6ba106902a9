// Package main runs the llmrelay admin process with no providers registered.
// It validates a configuration with -check, or hosts the core state and its
// admin endpoints. Programs that register providers call admin.Run directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blueberrycongee/llmrelay/pkg/admin"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	check := flag.Bool("check", false, "validate the configuration and exit")
	addr := flag.String("addr", ":9090", "admin listen address")
	flag.Parse()

	if *check {
		summary, err := admin.Check(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(summary)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := admin.Run(ctx, admin.Options{ConfigPath: *configPath, Addr: *addr}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
