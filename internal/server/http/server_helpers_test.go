package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	pkgcrypto "github.com/mtaalamux/client/internal/crypto"
	"github.com/mtaalamux/client/internal/limiter"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/repository"
	"github.com/mtaalamux/client/internal/repository/memory"
	"github.com/mtaalamux/client/internal/service"
)

var testNow = time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC)

type testEnv struct {
	srv   *httptest.Server
	store repository.Store
	auth  *service.AuthServiceImpl
	msgs  *service.MessagingServiceImpl
}

func newEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	now := func() time.Time { return testNow }
	store := memory.New(now)
	auth := service.NewAuthService(store.Users, pkgcrypto.NewHasher(pkgcrypto.FastParams),
		service.TokenConfig{SignKey: []byte("test-key")}, limiter.NewMemory(limiter.DefaultPolicy, nil))
	msgs := service.NewMessagingService(store, now, nil)
	accounts := service.NewAccountService(store.Users, store.Upgrades)

	srv := httptest.NewServer(New(auth, accounts, msgs, zaptest.NewLogger(t)).Handler(opts))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, auth: auth, msgs: msgs}
}

func (e *testEnv) user(t *testing.T, name string, tr model.Tier, expert bool) *model.Account {
	t.Helper()
	a, err := e.auth.Register(context.Background(), service.RegisterInput{
		Username: name, Password: "pw-" + name, Tier: tr, IsExpert: expert,
	})
	require.NoError(t, err)
	return a
}

func (e *testEnv) token(t *testing.T, name string) string {
	t.Helper()
	tok, err := e.auth.Login(context.Background(), name, "pw-"+name, "127.0.0.1")
	require.NoError(t, err)
	return tok.AccessToken
}

func (e *testEnv) book(t *testing.T, expert, client int64, start, end time.Time) {
	t.Helper()
	require.NoError(t, e.msgs.Book(context.Background(), &model.Consultation{
		ExpertID: expert, ClientID: client, StartTime: start, EndTime: end,
	}))
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.send(t, req, token)
}

func (e *testEnv) multipart(t *testing.T, path, token string, fields map[string]string, file string, data []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != "" {
		fw, err := mw.CreateFormFile("attachment", file)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.send(t, req, token)
}

func (e *testEnv) send(t *testing.T, req *http.Request, token string) (*http.Response, []byte) {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func decodeInto[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}
