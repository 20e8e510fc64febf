package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pkgcrypto "github.com/mtaalamux/client/internal/crypto"
	"github.com/mtaalamux/client/internal/limiter"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/repository/memory"
	httpserver "github.com/mtaalamux/client/internal/server/http"
	"github.com/mtaalamux/client/internal/service"
)

type backend struct {
	url  string
	auth *service.AuthServiceImpl
	msgs *service.MessagingServiceImpl
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	store := memory.New(nil)
	auth := service.NewAuthService(store.Users, pkgcrypto.NewHasher(pkgcrypto.FastParams),
		service.TokenConfig{SignKey: []byte("k")}, limiter.NewMemory(limiter.DefaultPolicy, nil))
	msgs := service.NewMessagingService(store, nil, nil)
	srv := httptest.NewServer(httpserver.New(auth, service.NewAccountService(store.Users, store.Upgrades), msgs, nil).
		Handler(httpserver.Options{}))
	t.Cleanup(srv.Close)
	return &backend{url: srv.URL + "/api/v1", auth: auth, msgs: msgs}
}

func (b *backend) account(t *testing.T, name string, tr model.Tier, expert bool) int64 {
	t.Helper()
	a, err := b.auth.Register(context.Background(), service.RegisterInput{Username: name, Password: "pw", Tier: tr, IsExpert: expert})
	require.NoError(t, err)
	return a.ID
}

func (b *backend) book(t *testing.T, expert, client int64, start, end time.Time) {
	t.Helper()
	require.NoError(t, b.msgs.Book(context.Background(), &model.Consultation{ExpertID: expert, ClientID: client, StartTime: start, EndTime: end}))
}

type cli struct {
	t   *testing.T
	url string
	dir string
}

func (c cli) run(args ...string) (int, string, string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"-api", c.url, "-session-dir", c.dir}, args...)
	code := run(context.Background(), full, &out, &errOut)
	return code, out.String(), errOut.String()
}

func newCLI(t *testing.T, b *backend) cli {
	return cli{t: t, url: b.url, dir: t.TempDir()}
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

func TestVersionAndUsage(t *testing.T) {
	t.Parallel()
	var out, errOut bytes.Buffer
	require.Equal(t, exitOK, run(context.Background(), []string{"version"}, &out, &errOut))
	require.Contains(t, out.String(), "mx dev")

	out.Reset()
	require.Equal(t, exitUsage, run(context.Background(), nil, &out, &errOut))
	require.Contains(t, errOut.String(), "Commands:")

	b := newBackend(t)
	code, _, stderr := newCLI(t, b).run("frobnicate")
	require.Equal(t, exitUsage, code)
	require.Contains(t, stderr, "unknown command")
}

func TestLoginTierLogout(t *testing.T) {
	t.Parallel()
	b := newBackend(t)
	b.account(t, "amina", model.TierPlus, false)
	c := newCLI(t, b)

	code, _, stderr := c.run("whoami")
	require.Equal(t, exitError, code)
	require.Contains(t, stderr, "Not signed in")

	code, _, stderr = c.run("login", "-u", "amina", "-p", "wrong")
	require.Equal(t, exitError, code)
	require.Contains(t, stderr, "No active account")

	code, out, _ := c.run("login", "-u", "amina", "-p", "pw")
	require.Equal(t, exitOK, code)
	require.Contains(t, out, "Signed in as amina (Plus)")
	_, err := os.Stat(filepath.Join(c.dir, "session.json"))
	require.NoError(t, err)

	code, out, _ = c.run("whoami")
	require.Equal(t, exitOK, code)
	require.Contains(t, out, `"username": "amina"`)

	code, out, _ = c.run("tier")
	require.Equal(t, exitOK, code)
	require.Regexp(t, `Plan:\s+Plus`, out)
	require.Regexp(t, `Messaging:\s+yes`, out)
	require.Contains(t, out, "mx upgrade -tier premium")

	code, _, _ = c.run("logout")
	require.Equal(t, exitOK, code)
	code, _, _ = c.run("tier")
	require.Equal(t, exitError, code)
}

func TestBasicUserIsRedirectedToUpgrade(t *testing.T) {
	t.Parallel()
	b := newBackend(t)
	expert := b.account(t, "dr-juma", model.TierBasic, true)
	b.account(t, "baraka", model.TierBasic, false)
	c := newCLI(t, b)
	code, _, _ := c.run("login", "-u", "baraka", "-p", "pw")
	require.Equal(t, exitOK, code)

	code, out, _ := c.run("open", "-expert", id(expert))
	require.Equal(t, exitOK, code)
	require.Contains(t, out, "-> /upgrade")

	code, out, _ = c.run("upgrade", "-tier", "plus", "-payment", "mpesa")
	require.Equal(t, exitOK, code, out)
	require.Contains(t, out, "Current plan: Plus")

	code, out, _ = c.run("open", "-expert", id(expert))
	require.Equal(t, exitOK, code)
	require.Contains(t, out, "[NONE]")
	require.Contains(t, out, "Book a Consultation -> /experts/"+id(expert)+"/consult")
}

func TestOpenSendAndHistory(t *testing.T) {
	t.Parallel()
	b := newBackend(t)
	expert := b.account(t, "dr-juma", model.TierBasic, true)
	client := b.account(t, "amina", model.TierPremium, false)
	now := time.Now()
	b.book(t, expert, client, now.Add(-10*time.Minute), now.Add(50*time.Minute))
	c := newCLI(t, b)
	code, _, _ := c.run("login", "-u", "amina", "-p", "pw")
	require.Equal(t, exitOK, code)

	code, out, _ := c.run("open", "-expert", id(expert))
	require.Equal(t, exitOK, code)
	require.Contains(t, out, "[ACTIVE] Consultation active until")

	code, out, _ = c.run("conversations")
	require.Equal(t, exitOK, code)
	require.Contains(t, out, "dr-juma")
	require.Contains(t, out, "ACTIVE")

	convID := "1"
	for _, line := range bytes.Split([]byte(out), []byte("\n"))[1:] {
		if f := bytes.Fields(line); len(f) > 0 {
			convID = string(f[0])
			break
		}
	}

	code, stdout, stderr := c.run("send", "-conv", convID, "-text", "  ")
	require.Equal(t, exitError, code, stdout)
	require.Contains(t, stderr, "Message cannot be empty")

	code, out, stderr = c.run("send", "-conv", convID, "-text", "Habari daktari")
	require.Equal(t, exitOK, code, stderr)
	require.Contains(t, out, "Sent message")

	att := filepath.Join(t.TempDir(), "soil.pdf")
	require.NoError(t, os.WriteFile(att, []byte("%PDF-1.4"), 0o600))
	code, _, stderr = c.run("send", "-conv", convID, "-file", att)
	require.Equal(t, exitOK, code, stderr)

	code, out, _ = c.run("messages", "-conv", convID)
	require.Equal(t, exitOK, code)
	require.Contains(t, out, "you: Habari daktari")
	require.Contains(t, out, "soil.pdf")

	code, _, stderr = c.run("messages", "-conv", "999")
	require.Equal(t, exitError, code)
	require.Contains(t, stderr, "conversation not loaded")
}

func TestSendAfterConsultationEndedOffersRebook(t *testing.T) {
	t.Parallel()
	b := newBackend(t)
	expert := b.account(t, "dr-juma", model.TierBasic, true)
	client := b.account(t, "amina", model.TierPlus, false)
	now := time.Now()
	b.book(t, expert, client, now.Add(-2*time.Hour), now.Add(-time.Hour))
	c := newCLI(t, b)
	code, _, _ := c.run("login", "-u", "amina", "-p", "pw")
	require.Equal(t, exitOK, code)

	code, out, _ := c.run("open", "-expert", id(expert))
	require.Equal(t, exitOK, code)
	require.Contains(t, out, "[EXPIRED]")
	require.Contains(t, out, "Rebook -> /experts/"+id(expert)+"/consult")

	m := regexp.MustCompile(`Conversation (\d+)`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	code, _, stderr := c.run("send", "-conv", m[1], "-text", "still there?")
	require.Equal(t, exitError, code)
	require.Contains(t, stderr, "Your consultation has ended")
}
