package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/tutor-ledger/internal/application/command"
	"github.com/tutorhub/tutor-ledger/internal/application/query"
	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/domain/tutoring"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/auth"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/persistence/memory"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledger/tutorprogram"
	"github.com/tutorhub/tutor-ledger/internal/ledgerclient"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURE
// ══════════════════════════════════════════════════════════════════════════════

type stubMinter struct{}

func (stubMinter) Mint(_ context.Context, _ identity.PublicKey, meta badge.Metadata) (badge.MintReceipt, error) {
	return badge.MintReceipt{MintAddress: "Mint-" + meta.Name, Signature: "mint-sig"}, nil
}

type stubPublisher struct{}

func (stubPublisher) Publish(_ context.Context, doc badge.Document) (string, error) {
	return fmt.Sprintf("https://example.test/badges/%d.json", doc.LessonID), nil
}

type stubGenerator struct {
	reply string
	err   error
}

func (g stubGenerator) Generate(context.Context, tutoring.Request) (string, error) {
	return g.reply, g.err
}

type fixture struct {
	node      *ledger.Ledger
	client    *ledgerclient.Client
	programID identity.PublicKey
	repo      *memory.AchievementRepository
	lessons   *query.GetLessonHandler
	handler   http.Handler
}

type fixtureOptions struct {
	config    func(*Config)
	generator tutoring.Generator
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	cfg := ledger.DefaultConfig()
	cfg.SlotInterval = 5 * time.Millisecond
	programID := identity.MustParsePublicKey(tutorprogram.DefaultProgramID)
	node := ledger.New(cfg, ledger.NewMemStore(), nil, []ledger.Program{tutorprogram.New(programID)})
	require.NoError(t, node.Open(context.Background()))

	runCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = node.Run(runCtx)
	}()
	t.Cleanup(func() {
		stop()
		wg.Wait()
	})

	cat, err := catalog.New([]catalog.Course{
		{ID: "go", Title: "Intro to Go", Lessons: []catalog.Lesson{
			{ID: 1, Title: "Variables", Type: catalog.LessonDocument, Content: "x := 1"},
			{ID: 2, Title: "Functions", Type: catalog.LessonVideo},
		}},
	})
	require.NoError(t, err)

	client := ledgerclient.New(node, ledgerclient.DefaultConfig(), nil)
	repo := memory.NewAchievementRepository()
	authSvc, err := auth.NewService(memory.NewChallengeStore(64, time.Now), auth.DefaultConfig("test-secret"), nil)
	require.NoError(t, err)

	gen := opts.generator
	if gen == nil {
		gen = stubGenerator{reply: "Variables hold values."}
	}
	lessons := query.NewGetLessonHandler(cat)

	serverCfg := DefaultConfig()
	serverCfg.Mode = ""
	if opts.config != nil {
		opts.config(&serverCfg)
	}

	srv := NewServer(serverCfg, Dependencies{
		Node:        node,
		Catalog:     cat,
		GetProgress: query.NewGetProgressHandler(client, nil, repo, cat, nil),
		GetLesson:   lessons,
		IssueBadge: command.NewIssueBadgeHandler(command.IssueBadgeDeps{
			Statuses:     node,
			Progress:     client,
			Catalog:      cat,
			Achievements: repo,
			Locker:       memory.NewLocker(),
			Publisher:    stubPublisher{},
			Minter:       stubMinter{},
		}, command.DefaultIssueBadgeHandlerConfig(), nil),
		AskTutor:     command.NewAskTutorHandler(gen, cat, nil),
		Auth:         authSvc,
		Achievements: repo,
		Version:      "test",
	})

	return &fixture{
		node:      node,
		client:    client,
		programID: programID,
		repo:      repo,
		lessons:   lessons,
		handler:   srv.Handler(),
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, token string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func (f *fixture) signIn(t *testing.T, kp *identity.Keypair) string {
	t.Helper()
	status, env := f.do(t, http.MethodPost, "/api/v1/auth/challenge", ChallengeRequest{Wallet: kp.PublicKey()}, "")
	require.Equal(t, http.StatusOK, status)
	var ch auth.Challenge
	require.NoError(t, json.Unmarshal(env.Data, &ch))

	status, env = f.do(t, http.MethodPost, "/api/v1/auth/verify", VerifyRequest{
		Nonce:     ch.Nonce,
		Signature: kp.Sign([]byte(ch.Message)),
	}, "")
	require.Equal(t, http.StatusOK, status)
	var session auth.Session
	require.NoError(t, json.Unmarshal(env.Data, &session))
	require.Equal(t, kp.PublicKey(), session.Wallet)
	return session.Token
}

func newKeypair(t *testing.T) *identity.Keypair {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func TestServer_HealthEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	status, env := f.do(t, http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	status, _ = f.do(t, http.MethodGet, "/live", nil, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, status)

	status, env = f.do(t, http.MethodGet, "/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeNotFound, env.Error.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// NODE RPC
// ══════════════════════════════════════════════════════════════════════════════

func (f *fixture) createTx(t *testing.T, kp *identity.Keypair, subject string) string {
	t.Helper()
	status, env := f.do(t, http.MethodGet, "/v1/ledger/blockhash", nil, "")
	require.Equal(t, http.StatusOK, status)
	var bh ledger.BlockhashInfo
	require.NoError(t, json.Unmarshal(env.Data, &bh))

	ix, err := tutorprogram.CreateInstruction(f.programID, kp.PublicKey(), subject)
	require.NoError(t, err)
	tx := ledger.NewTransaction(kp.PublicKey(), bh.Blockhash, ix)
	require.NoError(t, tx.Sign(kp))
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestLedgerRPC_SubmitConfirmAndRead(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	kp := newKeypair(t)
	encoded := f.createTx(t, kp, "Go")

	status, env := f.do(t, http.MethodPost, "/v1/ledger/transactions", SendTransactionRequest{Transaction: encoded}, "")
	require.Equal(t, http.StatusAccepted, status, string(env.Data))
	var sent SendTransactionResponse
	require.NoError(t, json.Unmarshal(env.Data, &sent))

	status, env = f.do(t, http.MethodPost, "/v1/ledger/transactions/"+sent.Signature.String()+"/confirm?timeout_ms=5000", nil, "")
	require.Equal(t, http.StatusOK, status)
	var st ledger.TxStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Nil(t, st.Err)
	assert.Equal(t, sent.Signature, st.Signature)

	status, _ = f.do(t, http.MethodGet, "/v1/ledger/transactions/"+sent.Signature.String(), nil, "")
	assert.Equal(t, http.StatusOK, status)

	addr, _, err := progress.DeriveAddress(kp.PublicKey(), f.programID)
	require.NoError(t, err)
	status, env = f.do(t, http.MethodGet, "/v1/ledger/accounts/"+addr.String(), nil, "")
	require.Equal(t, http.StatusOK, status)
	var acc ledger.Account
	require.NoError(t, json.Unmarshal(env.Data, &acc))
	rec, err := progress.UnmarshalAccount(acc.Data)
	require.NoError(t, err)
	assert.Equal(t, uint8(progress.InitialLevel), rec.Level)

	status, env = f.do(t, http.MethodGet, fmt.Sprintf("/v1/ledger/blocks/%d", st.Slot), nil, "")
	require.Equal(t, http.StatusOK, status)
	var blk ledger.Block
	require.NoError(t, json.Unmarshal(env.Data, &blk))
	assert.Equal(t, st.Slot, blk.Slot)

	status, env = f.do(t, http.MethodPost, "/v1/ledger/transactions", SendTransactionRequest{Transaction: encoded}, "")
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeDuplicateTransaction, env.Error.Code)
	assert.Equal(t, sent.Signature.String(), env.Error.Details)
}

func TestLedgerRPC_Errors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	unknownSig := identity.Signature{7}.String()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"not base64", http.MethodPost, "/v1/ledger/transactions", SendTransactionRequest{Transaction: "%%%"}, http.StatusBadRequest, CodeInvalidTransaction},
		{"garbage bytes", http.MethodPost, "/v1/ledger/transactions", SendTransactionRequest{Transaction: base64.StdEncoding.EncodeToString([]byte{1, 2})}, http.StatusBadRequest, CodeInvalidTransaction},
		{"missing body", http.MethodPost, "/v1/ledger/transactions", nil, http.StatusBadRequest, CodeInvalidRequest},
		{"unknown account", http.MethodGet, "/v1/ledger/accounts/" + identity.PublicKey{3}.String(), nil, http.StatusNotFound, CodeAccountNotFound},
		{"bad address", http.MethodGet, "/v1/ledger/accounts/nope", nil, http.StatusBadRequest, CodeInvalidRequest},
		{"bad commitment", http.MethodGet, "/v1/ledger/accounts/" + identity.PublicKey{3}.String() + "?commitment=maybe", nil, http.StatusBadRequest, CodeInvalidRequest},
		{"unknown status", http.MethodGet, "/v1/ledger/transactions/" + unknownSig, nil, http.StatusNotFound, CodeTransactionNotFound},
		{"unknown confirm", http.MethodPost, "/v1/ledger/transactions/" + unknownSig + "/confirm", nil, http.StatusNotFound, CodeTransactionNotFound},
		{"bad timeout", http.MethodPost, "/v1/ledger/transactions/" + unknownSig + "/confirm?timeout_ms=-1", nil, http.StatusBadRequest, CodeInvalidRequest},
		{"missing block", http.MethodGet, "/v1/ledger/blocks/999999", nil, http.StatusNotFound, CodeBlockNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := f.do(t, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.status, status)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
			assert.False(t, env.Success)
		})
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LEARNER API
// ══════════════════════════════════════════════════════════════════════════════

func TestAPI_CompleteLessonClaimBadgeAndReadProgress(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := testContext(t)
	kp := newKeypair(t)
	token := f.signIn(t, kp)

	_, err := f.client.SubmitCreate(ctx, kp, "Go")
	require.NoError(t, err)
	receipt, err := f.client.SubmitAdvance(ctx, kp, 2, progress.MilestoneHash{1})
	require.NoError(t, err)

	status, env := f.do(t, http.MethodPost, "/api/v1/badges", IssueBadgeRequest{
		LessonID:         1,
		AdvanceSignature: receipt.Signature,
	}, token)
	require.Equal(t, http.StatusOK, status, string(env.Data))
	var issued struct {
		Achievement struct {
			Status badge.Status `json:"status"`
		} `json:"achievement"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &issued))
	assert.Equal(t, badge.StatusMinted, issued.Achievement.Status)

	status, env = f.do(t, http.MethodGet, "/api/v1/badges/"+kp.PublicKey().String(), nil, "")
	require.Equal(t, http.StatusOK, status)
	var listed struct {
		Badges []json.RawMessage `json:"badges"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	assert.Len(t, listed.Badges, 1)

	status, env = f.do(t, http.MethodGet, "/api/v1/progress/"+kp.PublicKey().String()+"?fresh=true", nil, "")
	require.Equal(t, http.StatusOK, status)
	var view struct {
		Found            bool `json:"found"`
		CompletedLessons int  `json:"completed_lessons"`
		TotalLessons     int  `json:"total_lessons"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.True(t, view.Found)
	assert.Equal(t, 1, view.CompletedLessons)
	assert.Equal(t, 2, view.TotalLessons)
}

func TestAPI_BadgeRequiresOwnerWallet(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	kp := newKeypair(t)
	other := newKeypair(t)
	token := f.signIn(t, kp)
	req := IssueBadgeRequest{LessonID: 1, AdvanceSignature: identity.Signature{1}}

	status, env := f.do(t, http.MethodPost, "/api/v1/badges", req, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeUnauthorized, env.Error.Code)

	status, _ = f.do(t, http.MethodPost, "/api/v1/badges", req, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, status)

	req.Owner = other.PublicKey()
	status, env = f.do(t, http.MethodPost, "/api/v1/badges", req, token)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeForbidden, env.Error.Code)

	req.Owner = identity.PublicKey{}
	status, env = f.do(t, http.MethodPost, "/api/v1/badges", req, token)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInvalidBadgeProof, env.Error.Code)
}

func TestAPI_VerifyRejectsWrongSigner(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	kp := newKeypair(t)
	impostor := newKeypair(t)

	status, env := f.do(t, http.MethodPost, "/api/v1/auth/challenge", ChallengeRequest{Wallet: kp.PublicKey()}, "")
	require.Equal(t, http.StatusOK, status)
	var ch auth.Challenge
	require.NoError(t, json.Unmarshal(env.Data, &ch))

	status, env = f.do(t, http.MethodPost, "/api/v1/auth/verify", VerifyRequest{
		Nonce:     ch.Nonce,
		Signature: impostor.Sign([]byte(ch.Message)),
	}, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInvalidSignature, env.Error.Code)
}

func TestAPI_CatalogAndLessonGate(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	status, env := f.do(t, http.MethodGet, "/api/v1/catalog", nil, "")
	require.Equal(t, http.StatusOK, status)
	var outline struct {
		Courses     []catalog.Course `json:"courses"`
		LessonCount int              `json:"lesson_count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &outline))
	assert.Equal(t, 2, outline.LessonCount)
	assert.Empty(t, outline.Courses[0].Lessons[0].Content)

	status, _ = f.do(t, http.MethodGet, "/api/v1/lessons/1", nil, "")
	assert.Equal(t, http.StatusOK, status)

	status, env = f.do(t, http.MethodGet, "/api/v1/lessons/99", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeLessonNotFound, env.Error.Code)

	f.lessons.Gated = func() bool { return true }
	status, env = f.do(t, http.MethodGet, "/api/v1/lessons/1", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, CodeUnauthorized, env.Error.Code)

	token := f.signIn(t, newKeypair(t))
	status, env = f.do(t, http.MethodGet, "/api/v1/lessons/1", nil, token)
	require.Equal(t, http.StatusOK, status)
	var view query.LessonView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "x := 1", view.Lesson.Content)
	assert.Equal(t, "go", view.CourseID)
}

func TestAPI_ChatRepliesOrAdvises(t *testing.T) {
	turns := []tutoring.Turn{{Role: tutoring.RoleUser, Content: "What is a variable?"}}

	t.Run("reply", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		token := f.signIn(t, newKeypair(t))
		status, env := f.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{Messages: turns, LessonID: 1}, token)
		require.Equal(t, http.StatusOK, status)
		var res command.AskTutorResult
		require.NoError(t, json.Unmarshal(env.Data, &res))
		assert.Equal(t, "Variables hold values.", res.Reply)
		assert.Nil(t, res.Advisory)
	})

	t.Run("advisory", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{generator: stubGenerator{err: shared.ErrMissingCredential}})
		token := f.signIn(t, newKeypair(t))
		status, env := f.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{Messages: turns}, token)
		require.Equal(t, http.StatusOK, status)
		var res command.AskTutorResult
		require.NoError(t, json.Unmarshal(env.Data, &res))
		assert.Empty(t, res.Reply)
		require.NotNil(t, res.Advisory)
		assert.Equal(t, shared.AdvisoryChatMissingCredential, res.Advisory.Code)
	})

	t.Run("rate limited per wallet", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{config: func(c *Config) { c.ChatPerMinute = 1 }})
		token := f.signIn(t, newKeypair(t))
		status, _ := f.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{Messages: turns}, token)
		require.Equal(t, http.StatusOK, status)
		status, env := f.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{Messages: turns}, token)
		assert.Equal(t, http.StatusTooManyRequests, status)
		require.NotNil(t, env.Error)
		assert.Equal(t, CodeRateLimited, env.Error.Code)

		other := f.signIn(t, newKeypair(t))
		status, _ = f.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{Messages: turns}, other)
		assert.Equal(t, http.StatusOK, status)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{shared.ErrAccountNotFound, http.StatusNotFound, CodeAccountNotFound},
		{fmt.Errorf("send: %w", shared.ErrMempoolFull), http.StatusServiceUnavailable, CodeMempoolFull},
		{shared.ErrBlockhashNotFound, http.StatusBadRequest, CodeBlockhashNotFound},
		{shared.ErrBadgeIssueInFlight, http.StatusConflict, CodeBadgeInFlight},
		{shared.ErrLessonNotCompleted, http.StatusUnprocessableEntity, CodeLessonNotCompleted},
		{shared.ErrInvalidToken, http.StatusUnauthorized, CodeUnauthorized},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout},
		{shared.NewDomainError("x", "y", shared.ErrInvalidInput, "bad"), http.StatusBadRequest, CodeInvalidRequest},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
