package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtaalamux/client/internal/errs"
)

type fakeCreds struct {
	mu      sync.Mutex
	access  string
	refresh string
	expired int
	rotated string
}

var _ Credentials = (*fakeCreds)(nil)

func (f *fakeCreds) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access
}

func (f *fakeCreds) RefreshToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refresh
}

func (f *fakeCreds) UpdateTokens(access, refresh string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = access
	if refresh != "" {
		f.refresh = refresh
		f.rotated = refresh
	}
}

func (f *fakeCreds) Expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access, f.refresh = "", ""
	f.expired++
}

var fastRetry = RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5}

func newTestClient(t *testing.T, h http.Handler, creds Credentials) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api/v1", Retry: fastRetry}, creds, nil)
	require.NoError(t, err)
	return c
}

func TestDo_AttachesBearerAndRequestID(t *testing.T) {
	t.Parallel()
	var gotAuth, gotID, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotID = r.Header.Get("X-Request-ID")
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `{"id":1,"username":"amina"}`)
	}), &fakeCreds{access: "tok"})

	var out struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	require.NoError(t, c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/users/me/"}, &out))
	require.Equal(t, "Bearer tok", gotAuth)
	require.NotEmpty(t, gotID)
	require.Equal(t, "/api/v1/users/me/", gotPath)
	require.Equal(t, "amina", out.Username)
}

func TestDo_AnonymousSendsNoToken(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = io.WriteString(w, `{}`)
	}), &fakeCreds{access: "tok"})
	require.NoError(t, c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/auth/login/", JSON: map[string]string{"username": "u"}, Anonymous: true}, nil))
}

func TestDo_RetriesRateLimitedThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}), &fakeCreds{access: "tok"})

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/conversations/"}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestDo_RateLimitBudgetExhausted(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"detail":"slow down"}`)
	}), &fakeCreds{access: "tok"})

	start := time.Now()
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/conversations/"}, nil)
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.Equal(t, int32(5), calls.Load())
	// Retry-After of 1s is capped by MaxDelay.
	require.Less(t, time.Since(start), time.Second)

	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, "slow down", e.Message)
	require.True(t, e.Retryable)
}

func TestDo_RefreshesOnceOn401(t *testing.T) {
	t.Parallel()
	var refreshes, calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh/", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		var in refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "r1", in.Refresh)
		_, _ = io.WriteString(w, `{"access":"new","refresh":"r2"}`)
	})
	mux.HandleFunc("/api/v1/conversations/", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	})
	creds := &fakeCreds{access: "old", refresh: "r1"}
	c := newTestClient(t, mux, creds)

	require.NoError(t, c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/conversations/"}, nil))
	require.Equal(t, int32(1), refreshes.Load())
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, "new", creds.AccessToken())
	require.Equal(t, "r2", creds.rotated)
}

func TestDo_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	t.Parallel()
	var refreshes atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh/", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		<-release
		_, _ = io.WriteString(w, `{"access":"new"}`)
	})
	mux.HandleFunc("/api/v1/conversations/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	})
	c := newTestClient(t, mux, &fakeCreds{access: "old", refresh: "r1"})

	const n = 5
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/conversations/"}, nil)
		}()
	}
	// Let every caller hit 401 and park on the shared refresh.
	require.Eventually(t, func() bool { return refreshes.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), refreshes.Load())
}

func TestDo_RefreshRejectedEndsSession(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Token is invalid or expired"}`)
	})
	mux.HandleFunc("/api/v1/users/me/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	creds := &fakeCreds{access: "old", refresh: "r1"}
	c := newTestClient(t, mux, creds)

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/users/me/"}, nil)
	require.ErrorIs(t, err, errs.ErrUnauthenticated)
	e, _ := errs.As(err)
	require.Equal(t, errs.ActionLogin, e.Action)
	require.Equal(t, "/login", e.RedirectTo)
	require.Equal(t, 1, creds.expired)
	require.Empty(t, creds.AccessToken())
}

func TestDo_NoRefreshTokenEndsSession(t *testing.T) {
	t.Parallel()
	creds := &fakeCreds{access: "old"}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), creds)

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/users/me/"}, nil)
	require.ErrorIs(t, err, errs.ErrUnauthenticated)
	require.Equal(t, 1, creds.expired)
}

func TestDo_AnonymousUnauthorizedDoesNotRefresh(t *testing.T) {
	t.Parallel()
	creds := &fakeCreds{access: "", refresh: "r1"}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotContains(t, r.URL.Path, "refresh")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"No active account found with the given credentials"}`)
	}), creds)

	err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/auth/login/", JSON: map[string]string{}, Anonymous: true}, nil)
	require.ErrorIs(t, err, errs.ErrUnauthenticated)
	e, _ := errs.As(err)
	require.Equal(t, "No active account found with the given credentials", e.Message)
	require.Equal(t, 0, creds.expired)
}

func TestDo_StatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		body   string
		want   error
		msg    string
	}{
		{http.StatusBadRequest, `{"error":"content required"}`, errs.ErrInvalidInput, "content required"},
		{http.StatusForbidden, `{"detail":"Upgrade required"}`, errs.ErrNotPermitted, "Upgrade required"},
		{http.StatusNotFound, ``, errs.ErrNotFound, "The requested resource was not found."},
		{http.StatusInternalServerError, `oops`, errs.ErrServer, "Server error. Please try again later."},
		{http.StatusUnprocessableEntity, `{"message":"bad"}`, errs.ErrInvalidInput, "bad"},
	}
	for _, tc := range tests {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, tc.body)
		}), &fakeCreds{access: "tok"})
		err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x/"}, nil)
		require.ErrorIs(t, err, tc.want, "status %d", tc.status)
		e, _ := errs.As(err)
		require.Equal(t, tc.msg, e.Message)
		require.Equal(t, tc.status, e.Status)
	}
}

func TestDo_NetworkError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Retry: fastRetry}, &fakeCreds{access: "tok"}, nil)
	require.NoError(t, err)
	err = c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/users/me/"}, nil)
	require.ErrorIs(t, err, errs.ErrNetwork)
	e, _ := errs.As(err)
	require.True(t, e.Retryable)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}), &fakeCreds{access: "tok"})
	c.retry = RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 5}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/x/"}, nil)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestDo_Multipart(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "7", r.FormValue("conversation"))
		require.Equal(t, "hi", r.FormValue("content"))
		f, hdr, err := r.FormFile("attachment")
		require.NoError(t, err)
		defer f.Close()
		require.Equal(t, "notes.txt", hdr.Filename)
		b, _ := io.ReadAll(f)
		require.Equal(t, "data", string(b))
		_, _ = io.WriteString(w, `{"id":1}`)
	}), &fakeCreds{access: "tok"})

	form := &Multipart{
		Fields: []FormField{{"conversation", "7"}, {"content", "hi"}},
		Files:  []FormFile{{Field: "attachment", Filename: "notes.txt", ContentType: "text/plain", Data: []byte("data")}},
	}
	require.NoError(t, c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/messages/", Form: form}, nil))
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	t.Parallel()
	_, err := New(Config{BaseURL: "not a url"}, nil, nil)
	require.Error(t, err)
}
