package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutorhub/tutor-ledger/internal/domain/tutoring"
	"github.com/tutorhub/tutor-ledger/pkg/timeutil"
)

var (
	chatLesson  int
	chatSubject string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with the local keypair and print a session token",
	Long: `Runs the wallet challenge flow against the node. The token can be sent
as a bearer token to the learner API.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var chatCmd = &cobra.Command{
	Use:   "chat <question>",
	Short: "Ask the AI tutor a question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().IntVar(&chatLesson, "lesson", 0, "lesson the question is about")
	chatCmd.Flags().StringVar(&chatSubject, "subject", "", "subject the question is about")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(chatCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	kp, err := loadKeypair()
	if err != nil {
		return err
	}
	session, err := newRPC(newLogger()).SignIn(commandContext(cmd), kp)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session for %s expires %s\n",
		session.Wallet, timeutil.FormatRelative(session.ExpiresAt, time.Now()))
	return printJSON(cmd, session)
}

func runChat(cmd *cobra.Command, args []string) error {
	kp, err := loadKeypair()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	rpc, err := signedIn(ctx, newRPC(newLogger()), kp)
	if err != nil {
		return err
	}

	turns := []tutoring.Turn{{Role: tutoring.RoleUser, Content: strings.Join(args, " ")}}
	res, err := rpc.Chat(ctx, turns, chatLesson, chatSubject)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Advisory != nil {
		fmt.Fprintf(out, "[%s] %s\n", res.Advisory.Code, res.Advisory.Message)
	}
	if res.Reply != "" {
		fmt.Fprintln(out, res.Reply)
	}
	return nil
}
