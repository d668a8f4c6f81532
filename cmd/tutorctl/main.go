// Package main is tutorctl, the learner command line for a tutor ledger node.
//
// It keeps the learner's keypair on disk, signs progress transactions
// locally and talks to the node over its HTTP API:
//
//	tutorctl keygen
//	tutorctl create Go
//	tutorctl complete 1
//	tutorctl show
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/external/noderpc"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledgerclient"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

var (
	// Global flags
	nodeURL        string
	keypairPath    string
	programID      string
	requestTimeout time.Duration
	confirmTimeout time.Duration
	verbose        bool
)

var rootCmd = &cobra.Command{
	Use:   "tutorctl",
	Short: "Learner command line for the tutor ledger",
	Long: `tutorctl signs progress transactions with a local keypair and submits
them to a tutor ledger node. Lesson completions advance the on-ledger
record and claim the lesson badge.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", envOr("NODE_URL", "http://127.0.0.1:8080"), "node HTTP address")
	rootCmd.PersistentFlags().StringVarP(&keypairPath, "keypair", "k", envOr("TUTOR_KEYPAIR", defaultKeypairPath()), "keypair file")
	rootCmd.PersistentFlags().StringVar(&programID, "program-id", os.Getenv("NODE_PROGRAM_ID"), "progress program address (default: built-in)")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second, "per-request timeout")
	rootCmd.PersistentFlags().DurationVar(&confirmTimeout, "confirm-timeout", 30*time.Second, "how long to wait for a transaction to confirm")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log requests to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tutor-keypair.json"
	}
	return filepath.Join(home, ".tutor-ledger", "keypair.json")
}

func newLogger() *logger.Logger {
	level := logger.LevelWarn
	if verbose {
		level = logger.LevelDebug
	}
	return logger.New(logger.Options{
		Output: os.Stderr,
		Level:  level,
		Format: logger.FormatConsole,
	})
}

// commandContext is cmd's context, which is unset when a run function is
// called outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadKeypair() (*identity.Keypair, error) {
	kp, err := identity.LoadKeypair(keypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %s (run 'tutorctl keygen' first): %w", keypairPath, err)
	}
	return kp, nil
}

func newRPC(log *logger.Logger) *noderpc.Client {
	cfg := noderpc.DefaultClientConfig(nodeURL)
	cfg.Timeout = requestTimeout
	cfg.Logger = log
	return noderpc.NewClient(cfg)
}

func newLedgerClient(rpc *noderpc.Client, log *logger.Logger) (*ledgerclient.Client, error) {
	cfg := ledgerclient.DefaultConfig()
	cfg.Commitment = ledger.CommitmentConfirmed
	cfg.ConfirmTimeout = confirmTimeout
	if programID != "" {
		id, err := identity.ParsePublicKey(programID)
		if err != nil {
			return nil, fmt.Errorf("--program-id: %w", err)
		}
		cfg.ProgramID = id
	}
	return ledgerclient.New(rpc, cfg, log), nil
}

// signedIn returns an RPC client carrying a fresh session for kp.
func signedIn(ctx context.Context, rpc *noderpc.Client, kp *identity.Keypair) (*noderpc.Client, error) {
	session, err := rpc.SignIn(ctx, kp)
	if err != nil {
		return nil, err
	}
	return rpc.WithSession(session.Token), nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
