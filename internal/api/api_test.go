package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/transport"
)

type staticCreds struct{ token string }

var _ transport.Credentials = (*staticCreds)(nil)

func (s *staticCreds) AccessToken() string         { return s.token }
func (s *staticCreds) RefreshToken() string        { return "" }
func (s *staticCreds) UpdateTokens(string, string) {}
func (s *staticCreds) Expire()                     {}

func newClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	tc, err := transport.New(transport.Config{
		BaseURL: srv.URL + "/api/v1",
		Retry:   transport.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2},
	}, &staticCreds{token: "tok"}, nil)
	require.NoError(t, err)
	return New(tc)
}

func TestLogin(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	route(mux, "POST /api/v1/auth/login/", func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		var in loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "amina", in.Username)
		_, _ = io.WriteString(w, `{"access":"a1","refresh":"r1"}`)
	})
	c := newClient(t, mux)

	tok, err := c.Login(context.Background(), "amina", "pw")
	require.NoError(t, err)
	require.Equal(t, "a1", tok.AccessToken)
	require.Equal(t, "r1", tok.RefreshToken)

	_, err = c.Login(context.Background(), " ", "pw")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestMeAndTierInfo(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	route(mux, "GET /api/v1/users/me/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":10,"username":"amina"}`)
	})
	route(mux, "GET /api/v1/users/tier_info/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"tier":"plus","is_plus":true,"can_initiate_consultation":true}`)
	})
	c := newClient(t, mux)

	u, err := c.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), u.ID)

	ti, err := c.TierInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "plus", ti.Tier)
	require.True(t, *ti.IsPlus)
	require.Nil(t, ti.IsPremium)
}

func TestInitiate(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	route(mux, "POST /api/v1/messages/initiate/", func(w http.ResponseWriter, r *http.Request) {
		var in initiateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		switch in.ExpertID {
		case 42:
			_, _ = io.WriteString(w, `{"status":"NO_ACTIVE_CONSULTATION","message":"Book a consultation first","redirect_to":"/experts/42/consult"}`)
		case 43:
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"conversation_id":7,"consultation_id":3,"consultation_status":"in_progress","consultation_end_time":"2024-06-01T15:00:00Z","can_send_messages":true}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"detail":"Expert not found"}`)
		}
	})
	c := newClient(t, mux)

	res, err := c.Initiate(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, res.NoActiveConsultation())

	res, err = c.Initiate(context.Background(), 43)
	require.NoError(t, err)
	require.Equal(t, int64(7), *res.ConversationID)
	require.True(t, res.CanSendMessages)

	_, err = c.Initiate(context.Background(), 99)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListConversations_BothShapes(t *testing.T) {
	t.Parallel()
	var enveloped atomic.Bool
	mux := http.NewServeMux()
	route(mux, "GET /api/v1/conversations/", func(w http.ResponseWriter, r *http.Request) {
		if enveloped.Load() {
			_, _ = io.WriteString(w, `{"count":1,"results":[{"id":1,"participants":[{"id":10},{"id":42}]}]}`)
			return
		}
		_, _ = io.WriteString(w, `[{"id":1,"participants":[{"id":10},{"id":42}]}]`)
	})
	c := newClient(t, mux)

	bare, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	enveloped.Store(true)
	env, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Equal(t, bare, env)
	require.Equal(t, int64(42), env[0].OtherParticipant(10).ID)
}

func TestConversationAndMessages(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	route(mux, "GET /api/v1/conversations/7/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":7,"participants":[{"id":10},{"id":42}],"consultation_status":{"has_consultation":true,"can_send_messages":true}}`)
	})
	route(mux, "GET /api/v1/conversations/7/messages/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"results":[{"id":1,"conversation_id":7,"sender_id":10,"content":"a"},{"id":2,"conversation_id":7,"sender_id":42,"content":"b"}]}`)
	})
	c := newClient(t, mux)

	conv, err := c.Conversation(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, conv.ConsultationStatus.CanSendMessages)

	msgs, err := c.Messages(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].Content)
	require.Equal(t, "b", msgs[1].Content)
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	route(mux, "POST /api/v1/messages/", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "7", r.FormValue("conversation"))
		require.Equal(t, "hello", r.FormValue("content"))
		_, hdr, err := r.FormFile("attachment")
		require.NoError(t, err)
		require.Equal(t, "cv.pdf", hdr.Filename)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":5,"conversation_id":7,"sender_id":10,"content":"hello","attachment":"/media/cv.pdf"}`)
	})
	c := newClient(t, mux)

	msg, err := c.SendMessage(context.Background(), model.OutgoingMessage{
		ConversationID: 7, Content: "hello",
		Attachment: &model.Attachment{Name: "cv.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
	})
	require.NoError(t, err)
	require.Equal(t, int64(5), msg.ID)

	_, err = c.SendMessage(context.Background(), model.OutgoingMessage{
		ConversationID: 7,
		Attachment:     &model.Attachment{Name: "big.bin", Data: make([]byte, model.MaxAttachmentSize+1)},
	})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestSendMessage_AttachmentOnlyOmitsContent(t *testing.T) {
	t.Parallel()
	var sawContent atomic.Bool
	mux := http.NewServeMux()
	route(mux, "POST /api/v1/messages/", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, ok := r.MultipartForm.Value["content"]
		sawContent.Store(ok)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":6,"conversation_id":7,"sender_id":10,"attachment":"/media/cv.pdf"}`)
	})
	c := newClient(t, mux)

	_, err := c.SendMessage(context.Background(), model.OutgoingMessage{
		ConversationID: 7, Content: "  \n",
		Attachment: &model.Attachment{Name: "cv.pdf", Data: []byte("%PDF")},
	})
	require.NoError(t, err)
	require.False(t, sawContent.Load(), "content field sent for attachment-only message")
}

func TestMarkReadAndUpgrade(t *testing.T) {
	t.Parallel()
	var marked atomic.Bool
	mux := http.NewServeMux()
	route(mux, "POST /api/v1/messages/5/mark_read/", func(w http.ResponseWriter, r *http.Request) {
		marked.Store(true)
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	route(mux, "POST /api/v1/upgrade-requests/", func(w http.ResponseWriter, r *http.Request) {
		var in model.UpgradeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, model.TierPremium, in.RequestedTier)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":1,"user_id":10,"requested_tier":"premium","payment_method":"mpesa","status":"pending"}`)
	})
	c := newClient(t, mux)

	require.NoError(t, c.MarkRead(context.Background(), 5))
	require.True(t, marked.Load())

	rec, err := c.RequestUpgrade(context.Background(), model.UpgradeRequest{RequestedTier: model.TierPremium, PaymentMethod: "mpesa"})
	require.NoError(t, err)
	require.Equal(t, "pending", rec.Status)

	_, err = c.RequestUpgrade(context.Background(), model.UpgradeRequest{RequestedTier: model.TierBasic})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

// route registers a "METHOD /path" pattern on a Go 1.21 ServeMux, which
// lacks method-qualified patterns, rejecting other methods with 405.
func route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	method, path, _ := strings.Cut(pattern, " ")
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}
