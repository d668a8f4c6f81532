package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
)

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a learner keypair",
	Long: `Generates a new Ed25519 keypair and writes it to the --keypair path.
An existing file is kept unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Show the wallet and progress record addresses",
	Args:  cobra.NoArgs,
	RunE:  runAddress,
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "overwrite an existing keypair")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(addressCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(keypairPath); err == nil && !keygenForce {
		return fmt.Errorf("keypair %s already exists; use --force to replace it", keypairPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	kp, err := identity.GenerateKeypair()
	if err != nil {
		return err
	}
	if err := kp.Save(keypairPath); err != nil {
		return fmt.Errorf("save keypair: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nwallet: %s\n", keypairPath, kp.PublicKey())
	return nil
}

func runAddress(cmd *cobra.Command, args []string) error {
	kp, err := loadKeypair()
	if err != nil {
		return err
	}
	client, err := newLedgerClient(newRPC(newLogger()), newLogger())
	if err != nil {
		return err
	}
	addr, err := client.DeriveAddress(kp.PublicKey())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wallet:  %s\nrecord:  %s\n", kp.PublicKey(), addr)
	return nil
}
