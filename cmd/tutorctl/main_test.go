package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/tutor-ledger/config"
	"github.com/tutorhub/tutor-ledger/internal/app"
	"github.com/tutorhub/tutor-ledger/internal/application/query"
	"github.com/tutorhub/tutor-ledger/internal/application/saga"
	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	httpapi "github.com/tutorhub/tutor-ledger/internal/interface/http"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledger/tutorprogram"
	"github.com/tutorhub/tutor-ledger/internal/ledgerclient"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// setup points the global flags at a fresh keypair path and node.
func setup(t *testing.T, node string) {
	t.Helper()
	nodeURL = node
	keypairPath = filepath.Join(t.TempDir(), "keys", "keypair.json")
	programID = ""
	requestTimeout = 5 * time.Second
	confirmTimeout = 5 * time.Second
	keygenForce, showFresh, showRaw, noBadge = false, false, false, false
	advanceHash = ""
}

func run(t *testing.T, fn func(*cobra.Command, []string) error, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	err := fn(cmd, args)
	return out.String(), err
}

// startNode serves a complete node from in-memory backends.
func startNode(t *testing.T) string {
	t.Helper()
	t.Setenv("REDIS_DISABLED", "true")
	cfg, err := config.Load()
	require.NoError(t, err)
	cat, err := config.LoadCatalog()
	require.NoError(t, err)
	log := logger.Nop()
	ctx := context.Background()

	b, err := app.OpenBackends(ctx, cfg, log)
	require.NoError(t, err)
	bus, err := app.NewEventBus(b, log)
	require.NoError(t, err)

	pid, err := app.ProgramID(cfg)
	require.NoError(t, err)
	nodeCfg := ledger.DefaultConfig()
	nodeCfg.SlotInterval = 5 * time.Millisecond
	node := ledger.New(nodeCfg, b.LedgerStore, log, []ledger.Program{tutorprogram.New(pid)})
	require.NoError(t, node.Open(ctx))
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = node.Run(runCtx)
	}()

	client := ledgerclient.New(node, ledgerclient.DefaultConfig(), log)
	authService, err := app.NewAuthService(cfg, b, log)
	require.NoError(t, err)
	issueBadge, err := app.NewIssueBadgeHandler(ctx, cfg, b,
		app.BadgeSources{Statuses: node, Progress: client}, cat, bus, log)
	require.NoError(t, err)

	serverCfg := httpapi.DefaultConfig()
	serverCfg.Mode = gin.TestMode
	serverCfg.RateLimitPerMinute = 0
	server := httpapi.NewServer(serverCfg, httpapi.Dependencies{
		Node:         node,
		Catalog:      cat,
		GetProgress:  query.NewGetProgressHandler(client, b.Progress, b.Achievements, cat, log),
		IssueBadge:   issueBadge,
		Auth:         authService,
		Achievements: b.Achievements,
		Logger:       log,
	})
	srv := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		srv.Close()
		stop()
		<-done
		_ = bus.Close()
		_ = b.Close()
	})
	return srv.URL
}

func TestKeygen_RefusesToOverwrite(t *testing.T) {
	setup(t, "http://127.0.0.1:1")

	out, err := run(t, runKeygen)
	require.NoError(t, err)
	assert.Contains(t, out, "wallet: ")

	_, err = run(t, runKeygen)
	assert.ErrorContains(t, err, "already exists")

	keygenForce = true
	_, err = run(t, runKeygen)
	assert.NoError(t, err)
}

func TestAddress_DerivesRecordAddressOffline(t *testing.T) {
	setup(t, "http://127.0.0.1:1")
	_, err := run(t, runKeygen)
	require.NoError(t, err)

	out, err := run(t, runAddress)
	require.NoError(t, err)
	assert.Contains(t, out, "wallet:")
	assert.Contains(t, out, "record:")

	programID = "not-base58-0OIl"
	_, err = run(t, runAddress)
	assert.Error(t, err)
}

func TestCommands_RequireKeypair(t *testing.T) {
	setup(t, "http://127.0.0.1:1")

	_, err := run(t, runCreate, "Go")
	assert.ErrorContains(t, err, "tutorctl keygen")
	_, err = run(t, runComplete, "1")
	assert.ErrorContains(t, err, "tutorctl keygen")
}

func TestComplete_AdvancesRecordAndClaimsBadge(t *testing.T) {
	setup(t, startNode(t))
	_, err := run(t, runKeygen)
	require.NoError(t, err)

	_, err = run(t, runCreate, "Go")
	require.NoError(t, err)

	out, err := run(t, runComplete, "1")
	require.NoError(t, err)
	var result saga.CompleteLessonResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotNil(t, result.Record)
	assert.Equal(t, progress.InitialLevel+1, result.Record.Level)
	assert.False(t, result.Optimistic)
	require.NotNil(t, result.Badge)
	// No minting service is configured, so the badge is recorded as failed.
	assert.Equal(t, badge.FailureUpstream, result.Badge.Achievement.FailureCategory)

	out, err = run(t, runComplete, "1")
	require.NoError(t, err)
	result = saga.CompleteLessonResult{}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.AlreadyCompleted)

	_, err = run(t, runComplete, "3")
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	showFresh = true
	out, err = run(t, runShow)
	require.NoError(t, err)
	var view query.ProgressView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.True(t, view.Found)
	assert.Equal(t, 1, view.CompletedLessons)
	assert.Len(t, view.Badges, 1)

	showRaw = true
	out, err = run(t, runShow)
	require.NoError(t, err)
	var rec progress.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "Go", rec.Subject)
}

func TestComplete_WithoutBadge(t *testing.T) {
	setup(t, startNode(t))
	_, err := run(t, runKeygen)
	require.NoError(t, err)
	_, err = run(t, runCreate, "Go")
	require.NoError(t, err)

	noBadge = true
	out, err := run(t, runComplete, "1")
	require.NoError(t, err)
	assert.False(t, strings.Contains(out, `"badge"`))
}

func TestShow_UnknownWalletRaw(t *testing.T) {
	setup(t, startNode(t))
	_, err := run(t, runKeygen)
	require.NoError(t, err)

	showRaw = true
	_, err = run(t, runShow)
	assert.ErrorIs(t, err, shared.ErrRecordNotFound)
}

func TestLoginAndChat(t *testing.T) {
	setup(t, startNode(t))
	_, err := run(t, runKeygen)
	require.NoError(t, err)

	out, err := run(t, runLogin)
	require.NoError(t, err)
	assert.Contains(t, out, `"token"`)

	// The test node serves no tutor.
	_, err = run(t, runChat, "what", "is", "a", "goroutine?")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
