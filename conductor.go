package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	cli "github.com/neboloop/conductor/cmd/conductor"
	"github.com/neboloop/conductor/internal/config"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	c, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// First run: mint the gateway session secret so pairing works out of
	// the box.
	if c.Gateway.SessionSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			fmt.Printf("Failed to generate session secret: %v\n", err)
			os.Exit(1)
		}
		c.Gateway.SessionSecret = hex.EncodeToString(buf)
		if err := c.Save(); err != nil {
			fmt.Printf("Failed to save config: %v\n", err)
			os.Exit(1)
		}
	}

	if err := cli.SetupRootCmd(c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
