package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

type fakeS3 struct {
	mu      sync.Mutex
	status  int
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{status: http.StatusOK, objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>InternalError</Code><Message>boom</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func testDoc(t *testing.T) badge.Document {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	return badge.NewDocument(kp.PublicKey(), 4, "Variables", "Intro to Go")
}

func newTestPublisher(t *testing.T, endpoint string) *S3Publisher {
	t.Helper()
	p, err := NewS3Publisher(context.Background(), Config{
		Bucket:    "badges-bucket",
		Region:    "us-east-1",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Endpoint:  endpoint,
	}, nil)
	require.NoError(t, err)
	return p
}

func TestS3Publisher_Publish(t *testing.T) {
	f, srv := newFakeS3(t)
	p := newTestPublisher(t, srv.URL)
	doc := testDoc(t)

	uri, err := p.Publish(context.Background(), doc)
	require.NoError(t, err)

	path := "/badges-bucket/badges/lesson-4/" + doc.Owner + ".json"
	assert.Equal(t, srv.URL+path, uri)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Contains(t, f.objects, path)
	assert.Equal(t, "application/json", f.types[path])

	var got map[string]any
	require.NoError(t, json.Unmarshal(f.objects[path], &got))
	assert.Equal(t, "Lesson 4 Badge", got["name"])
	assert.Equal(t, badge.Symbol, got["symbol"])
	assert.NotContains(t, got, "LessonID")
}

func TestS3Publisher_UploadFailure(t *testing.T) {
	f, srv := newFakeS3(t)
	f.status = http.StatusForbidden
	p := newTestPublisher(t, srv.URL)

	_, err := p.Publish(context.Background(), testDoc(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrExternalService))
}

func TestS3Publisher_URITooLong(t *testing.T) {
	_, srv := newFakeS3(t)
	p, err := NewS3Publisher(context.Background(), Config{
		Bucket:        "b",
		Region:        "us-east-1",
		AccessKey:     "k",
		SecretKey:     "s",
		Endpoint:      srv.URL,
		PublicBaseURL: "https://cdn.example.com/" + strings.Repeat("x", 150),
	}, nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), testDoc(t))
	require.Error(t, err)
	assert.Equal(t, badge.FailureMetadataTooLarge, badge.CategoryOf(err))
}

func TestS3Publisher_Key(t *testing.T) {
	p := &S3Publisher{cfg: Config{Prefix: "/prod/"}}
	doc := badge.Document{LessonID: 7, Owner: "Owner1"}
	assert.Equal(t, "prod/badges/lesson-7/Owner1.json", p.Key(doc))
}

func TestNewS3Publisher_RequiresBucket(t *testing.T) {
	_, err := NewS3Publisher(context.Background(), Config{Region: "us-east-1"}, nil)
	assert.True(t, errors.Is(err, shared.ErrInvalidInput))
}

func TestPublicBaseURL(t *testing.T) {
	assert.Equal(t, "https://b.s3.eu-west-1.amazonaws.com", publicBaseURL(Config{Bucket: "b", Region: "eu-west-1"}))
	assert.Equal(t, "http://minio:9000/b", publicBaseURL(Config{Bucket: "b", Endpoint: "http://minio:9000/"}))
	assert.Equal(t, "https://cdn.example.com", publicBaseURL(Config{Bucket: "b", PublicBaseURL: "https://cdn.example.com/"}))
}

func TestStaticPublisher(t *testing.T) {
	uri, err := StaticPublisher{}.Publish(context.Background(), badge.Document{LessonID: 12})
	require.NoError(t, err)
	assert.Equal(t, "https://arweave.net/lesson-12-badge.json", uri)
	assert.LessOrEqual(t, len(uri), badge.MaxURILen)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, badge.Document) (string, error) { return "", f.err }

func TestFallbackPublisher(t *testing.T) {
	p := &FallbackPublisher{Primary: failingPublisher{errors.New("down")}, Secondary: StaticPublisher{}}
	uri, err := p.Publish(context.Background(), badge.Document{LessonID: 3})
	require.NoError(t, err)
	assert.Equal(t, "https://arweave.net/lesson-3-badge.json", uri)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Publish(ctx, badge.Document{LessonID: 3})
	assert.Error(t, err)
}
