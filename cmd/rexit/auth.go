package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"maunium.net/go/mautrix"
)

var whoamiCommand = &cli.Command{
	Name:    "whoami",
	Aliases: []string{"w"},
	Usage:   "Check the bearer token and show the account it belongs to",
	Before:  prepareApp,
	Action:  cmdWhoami,
}

func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	return strings.TrimSpace(line), err
}

// resolveToken takes the bearer token from --token or REXIT_TOKEN and
// falls back to asking for it on the terminal.
func resolveToken(ctx *cli.Context) (string, error) {
	token := strings.TrimSpace(ctx.String("token"))
	if token == "" {
		var err error
		token, err = readLine("Bearer token: ")
		if err != nil && token == "" {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
	}
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("a bearer token is required (use --token or REXIT_TOKEN)")
	}
	return token, nil
}

func cmdWhoami(ctx *cli.Context) error {
	token, err := resolveToken(ctx)
	if err != nil {
		return err
	}
	cfg := getConfig(ctx)
	matrixClient, err := mautrix.NewClient(cfg.HomeserverURL, "", token)
	if err != nil {
		return fmt.Errorf("failed to create matrix client: %w", err)
	}
	resp, err := matrixClient.Whoami(ctx.Context)
	if err != nil {
		return fmt.Errorf("failed to get whoami: %w", err)
	}
	fmt.Println(resp.UserID)
	if resp.DeviceID != "" {
		fmt.Printf("  device %s\n", resp.DeviceID)
	}
	return nil
}
