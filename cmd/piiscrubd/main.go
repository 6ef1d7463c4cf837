// cmd/piiscrubd/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colebrumley/piiscrub/internal/config"
	"github.com/colebrumley/piiscrub/internal/daemon"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	mode := daemon.ModeAPI
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "mcp-server":
			mode = daemon.ModeStdio
		case "mcp-http-server":
			mode = daemon.ModeMCPHTTP
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
			printUsage()
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nReceived shutdown signal")
		cancel()
	}()

	d := daemon.New(config.DefaultPath())
	if err := d.Run(ctx, mode); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `piiscrubd - PII redaction daemon

Usage: piiscrubd [command]

Commands:
  (none)            Serve the health and rules API, with MCP at /mcp
  mcp-server        Serve MCP over stdio
  mcp-http-server   Serve MCP over streamable HTTP

Environment:
  PIISCRUB_CONFIG       config file (default: user config dir/piiscrub/config.yaml)
  PIISCRUB_RULES        rule-set file or directory
  PIISCRUB_HISTORY_DB   history database; setting it enables history
  PIISCRUB_MCP_PORT     listen port (default 9877)`)
}
