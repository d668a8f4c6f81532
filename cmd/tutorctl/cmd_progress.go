package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutorhub/tutor-ledger/config"
	"github.com/tutorhub/tutor-ledger/internal/application/saga"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
	"github.com/tutorhub/tutor-ledger/pkg/timeutil"
)

var (
	advanceHash string
	showFresh   bool
	showRaw     bool
	noBadge     bool
)

var createCmd = &cobra.Command{
	Use:   "create <subject>",
	Short: "Create the learner's progress record",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var advanceCmd = &cobra.Command{
	Use:   "advance <level>",
	Short: "Submit a raw level advance",
	Long: `Submits an advance transaction for the learner's record. The milestone
hash defaults to one bound to the wallet and the current time. Prefer
'complete', which checks lesson order and claims the badge.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdvance,
}

var showCmd = &cobra.Command{
	Use:   "show [wallet]",
	Short: "Show a learner's progress",
	Long: `Shows the progress dashboard of a wallet, by default the local one.
With --raw the record is read straight from the ledger.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShow,
}

var completeCmd = &cobra.Command{
	Use:   "complete <lesson-id>",
	Short: "Complete a lesson and claim its badge",
	Args:  cobra.ExactArgs(1),
	RunE:  runComplete,
}

func init() {
	advanceCmd.Flags().StringVar(&advanceHash, "hash", "", "milestone hash as 64 hex characters")
	showCmd.Flags().BoolVar(&showFresh, "fresh", false, "bypass the node's progress cache")
	showCmd.Flags().BoolVar(&showRaw, "raw", false, "read the record from the ledger")
	completeCmd.Flags().BoolVar(&noBadge, "no-badge", false, "skip badge issuance")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(completeCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	kp, err := loadKeypair()
	if err != nil {
		return err
	}
	log := newLogger()
	client, err := newLedgerClient(newRPC(log), log)
	if err != nil {
		return err
	}

	receipt, err := client.SubmitCreate(commandContext(cmd), kp, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, receipt)
}

func runAdvance(cmd *cobra.Command, args []string) error {
	level, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		return fmt.Errorf("level must be 0-255: %w", err)
	}
	kp, err := loadKeypair()
	if err != nil {
		return err
	}

	hash := progress.ComputeMilestoneHash(kp.PublicKey(), int(level), time.Now().Unix())
	if advanceHash != "" {
		if hash, err = progress.ParseMilestoneHash(advanceHash); err != nil {
			return fmt.Errorf("--hash: %w", err)
		}
	}

	log := newLogger()
	client, err := newLedgerClient(newRPC(log), log)
	if err != nil {
		return err
	}
	receipt, err := client.AdvanceSafely(commandContext(cmd), kp, uint8(level), hash)
	if err != nil {
		return err
	}
	return printJSON(cmd, receipt)
}

func runShow(cmd *cobra.Command, args []string) error {
	var wallet identity.PublicKey
	if len(args) == 1 {
		pk, err := identity.ParsePublicKey(args[0])
		if err != nil {
			return fmt.Errorf("wallet: %w", err)
		}
		wallet = pk
	} else {
		kp, err := loadKeypair()
		if err != nil {
			return err
		}
		wallet = kp.PublicKey()
	}

	log := newLogger()
	rpc := newRPC(log)
	ctx := commandContext(cmd)

	if !showRaw {
		view, err := rpc.Progress(ctx, wallet, showFresh)
		if err != nil {
			return err
		}
		return printJSON(cmd, view)
	}

	client, err := newLedgerClient(rpc, log)
	if err != nil {
		return err
	}
	rec, found, err := client.Read(ctx, wallet)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", wallet, shared.ErrRecordNotFound)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "level %d, %d lessons completed, updated %s (%s)\n",
		rec.Level, rec.CompletedLessons(),
		timeutil.FormatRelative(rec.UpdatedAt(), time.Now()), timeutil.FormatUnix(rec.LastUpdated))
	return printJSON(cmd, rec)
}

func runComplete(cmd *cobra.Command, args []string) error {
	lessonID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("lesson id: %w", err)
	}
	kp, err := loadKeypair()
	if err != nil {
		return err
	}
	cat, err := config.LoadCatalog()
	if err != nil {
		return err
	}

	log := newLogger()
	ctx := commandContext(cmd)
	rpc := newRPC(log)
	client, err := newLedgerClient(rpc, log)
	if err != nil {
		return err
	}

	var badges saga.BadgeIssuer
	if !noBadge {
		authed, err := signedIn(ctx, rpc, kp)
		if err != nil {
			log.Warn("sign in failed; the badge will not be claimed", logger.Err(err))
		} else {
			badges = authed
		}
	}

	result, err := saga.NewLessonCompletionSaga(client, cat, badges, nil, log).
		Execute(ctx, saga.CompleteLessonInput{Owner: kp, LessonID: lessonID})
	if result != nil {
		if perr := printJSON(cmd, result); perr != nil {
			return perr
		}
	}
	if errors.Is(err, shared.ErrAdvanceOutcomeUnknown) {
		return fmt.Errorf("the advance was sent but not yet confirmed; run 'tutorctl show --fresh' later: %w", err)
	}
	return err
}
