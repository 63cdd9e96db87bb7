// Package main is the entry point for the chat server load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test
//   - chat:     Paired direct-message exchange test
//
// Every simulated connection authenticates as its own user id; the ids must
// exist on the server (seed them with the token command's -sqlite flag or
// the platform's users table).
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/whisper/messenger/loadtest/client"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test — opens N idle authenticated connections")
	fmt.Println("  chat        Chat load test — pairs of users exchange direct messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// dial signs a token for userID and connects.
func dial(ctx context.Context, url, secret string, userID int64) (*client.Client, error) {
	if secret == "" {
		return nil, fmt.Errorf("missing -secret (or JWT_SECRET)")
	}
	token, err := client.Token(secret, userID, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return client.New(ctx, url, userID, token)
}
