package app

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/tutor-ledger/config"
	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/external/metadata"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/external/minter"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/messaging"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/persistence/memory"
	rediscache "github.com/tutorhub/tutor-ledger/internal/infrastructure/persistence/redis"
	"github.com/tutorhub/tutor-ledger/internal/interface/http/handlers"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledger/tutorprogram"
	"github.com/tutorhub/tutor-ledger/internal/ledgerclient"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

func loadConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestOpenBackends_InMemory(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"REDIS_DISABLED": "true"})

	b, err := OpenBackends(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.DB)
	assert.Nil(t, b.Redis)
	assert.IsType(t, &ledger.MemStore{}, b.LedgerStore)
	assert.IsType(t, &memory.AchievementRepository{}, b.Achievements)
	assert.IsType(t, &memory.Locker{}, b.Locker)
	assert.IsType(t, &memory.ProgressCache{}, b.Progress)

	hc := handlers.NewCompositeHealthChecker("test")
	b.AddHealthChecks(hc)
	assert.True(t, hc.Check(context.Background()).Healthy)
}

func TestOpenBackends_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	cfg := loadConfig(t, map[string]string{"REDIS_HOST": host, "REDIS_PORT": port})

	b, err := OpenBackends(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer b.Close()

	require.NotNil(t, b.Redis)
	assert.IsType(t, &rediscache.Locker{}, b.Locker)
	assert.IsType(t, &rediscache.ChallengeStore{}, b.Challenges)

	bus, err := NewEventBus(b, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &messaging.RedisEventBus{}, bus)
	require.NoError(t, bus.Close())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}

func TestOpenBackends_UnreachableRedisDegradesOutsideProduction(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := loadConfig(t, map[string]string{
		"REDIS_HOST":         "127.0.0.1",
		"REDIS_PORT":         strconv.Itoa(port),
		"REDIS_DIAL_TIMEOUT": "200ms",
	})
	b, err := OpenBackends(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer b.Close()
	assert.Nil(t, b.Redis)
	assert.IsType(t, &memory.ChallengeStore{}, b.Challenges)

	bus, err := NewEventBus(b, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &messaging.InMemoryEventBus{}, bus)
	require.NoError(t, bus.Close())
}

func TestProgramID(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"REDIS_DISABLED": "true"})
	id, err := ProgramID(cfg)
	require.NoError(t, err)
	assert.Equal(t, tutorprogram.DefaultProgramID, id.String())

	cfg.Node.ProgramID = "not-base58-0OIl"
	_, err = ProgramID(cfg)
	assert.Error(t, err)
}

func TestCollaboratorFallbacks(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"REDIS_DISABLED": "true"})

	assert.IsType(t, minter.Unconfigured{}, NewMinter(cfg, logger.Nop()))
	cfg.Minter.BaseURL = "http://minter.local"
	assert.IsType(t, &minter.Client{}, NewMinter(cfg, logger.Nop()))

	pub, err := NewPublisher(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, metadata.StaticPublisher{}, pub)

	cfg.Metadata.Bucket = "badges"
	cfg.Metadata.Region = "us-east-1"
	cfg.Metadata.AccessKey = "key"
	cfg.Metadata.SecretKey = "secret"
	pub, err = NewPublisher(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &metadata.FallbackPublisher{}, pub)
}

func TestNewIssueBadgeHandler_RecordsFailedMintAgainstLocalLedger(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"REDIS_DISABLED": "true"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := OpenBackends(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	defer b.Close()

	programID, err := ProgramID(cfg)
	require.NoError(t, err)
	nodeCfg := ledger.DefaultConfig()
	nodeCfg.SlotInterval = 5 * time.Millisecond
	node := ledger.New(nodeCfg, b.LedgerStore, nil, []ledger.Program{tutorprogram.New(programID)})
	require.NoError(t, node.Open(ctx))
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = node.Run(runCtx)
	}()
	defer func() {
		stop()
		<-done
	}()

	client := ledgerclient.New(node, ledgerclient.DefaultConfig(), nil)
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	_, err = client.SubmitCreate(ctx, kp, "Go")
	require.NoError(t, err)
	level, _ := catalog.NextLevel(progress.InitialLevel)
	receipt, err := client.SubmitAdvance(ctx, kp, level, progress.MilestoneHash{1})
	require.NoError(t, err)

	cat, err := config.LoadCatalog()
	require.NoError(t, err)
	bus, err := NewEventBus(b, logger.Nop())
	require.NoError(t, err)
	defer bus.Close()

	h, err := NewIssueBadgeHandler(ctx, cfg, b, BadgeSources{Statuses: node, Progress: client}, cat, bus, logger.Nop())
	require.NoError(t, err)

	res, err := h.IssueBadge(ctx, kp.PublicKey(), 1, receipt.Signature)
	require.NoError(t, err)
	require.NotNil(t, res.Advisory)
	assert.Equal(t, badge.FailureUpstream, res.Achievement.FailureCategory)

	require.NoError(t, cfg.Features.DisableFeature(config.FeatureBadgeMinting))
	_, err = h.IssueBadge(ctx, kp.PublicKey(), 1, receipt.Signature)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func TestNewAuthService_EphemeralSecretOutsideProduction(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"REDIS_DISABLED": "true"})
	b, err := OpenBackends(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer b.Close()

	svc, err := NewAuthService(cfg, b, logger.Nop())
	require.NoError(t, err)

	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	ch, err := svc.Issue(context.Background(), kp.PublicKey())
	require.NoError(t, err)
	session, err := svc.Verify(context.Background(), ch.Nonce, kp.Sign([]byte(ch.Message)))
	require.NoError(t, err)

	wallet, err := svc.Authenticate(session.Token)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), wallet)

	cfg.App.Environment = config.EnvProduction
	_, err = NewAuthService(cfg, b, logger.Nop())
	assert.Error(t, err)
}
