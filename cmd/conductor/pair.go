package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

// PairCmd manages the gateway pairing secret. Without one, any local
// client can pair; with one, the UI must present it once to get a session
// token.
func PairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage the gateway pairing secret",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set [secret]",
		Short: "Require a pairing secret for new UI sessions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			setPairingSecret(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Allow pairing without a secret (local trust)",
		Run: func(cmd *cobra.Command, args []string) {
			setPairingSecret("")
		},
	})

	return cmd
}

func setPairingSecret(secret string) {
	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if secret == "" {
		c.Gateway.PairingHash = ""
	} else {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing secret: %v\n", err)
			os.Exit(1)
		}
		c.Gateway.PairingHash = string(hash)
	}

	if err := c.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	if secret == "" {
		fmt.Println("Pairing secret cleared; any local client may pair.")
	} else {
		fmt.Println("Pairing secret set. Restart the daemon to apply.")
	}
}
