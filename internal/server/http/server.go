// Package httpserver exposes the stand-in MtaalamuX REST API under /api/v1.
package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/service"
	"github.com/mtaalamux/client/pkg/logger"
)

// Options tune the router.
type Options struct {
	// RateLimit is the number of requests allowed per client address per RateWindow.
	// Zero disables limiting.
	RateLimit      int
	RateWindow     time.Duration
	AllowedOrigins []string
}

// Server wires services into HTTP handlers.
type Server struct {
	auth     service.AuthService
	accounts service.AccountService
	msgs     service.MessagingService
	log      *zap.Logger
	validate *validator.Validate
}

// New constructs a server with injected services.
func New(auth service.AuthService, accounts service.AccountService, msgs service.MessagingService, log *zap.Logger) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{auth: auth, accounts: accounts, msgs: msgs, log: logger.OrNop(log), validate: v}
}

// Handler builds the router.
func (s *Server) Handler(opts Options) http.Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://*", "https://*"}
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(Logging(s.log))
	r.Use(Recover(s.log))
	r.Use(chimiddleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(RateLimit(opts.RateLimit, opts.RateWindow))
		}

		r.Post("/auth/register", s.register)
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(s.auth.Authenticate))

			r.Get("/users/me", s.me)
			r.Get("/users/tier_info", s.tierInfo)
			r.Post("/upgrade-requests", s.requestUpgrade)

			r.Post("/messages/initiate", s.initiate)
			r.Post("/messages", s.sendMessage)
			r.Post("/messages/{id}/mark_read", s.markRead)

			r.Get("/conversations", s.listConversations)
			r.Get("/conversations/{id}", s.getConversation)
			r.Get("/conversations/{id}/messages", s.listMessages)
		})
	})
	return r
}

// --- Auth ---

type registerRequest struct {
	Username  string `json:"username" validate:"required,max=150"`
	Password  string `json:"password" validate:"required,min=4"`
	Email     string `json:"email" validate:"omitempty,email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.auth.Register(r.Context(), service.RegisterInput{
		Username:  req.Username,
		Password:  req.Password,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.User)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	tok, err := s.auth.Login(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Access: tok.AccessToken, Refresh: tok.RefreshToken})
}

type refreshRequest struct {
	Refresh string `json:"refresh" validate:"required"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}
	tok, err := s.auth.Refresh(r.Context(), req.Refresh)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Access: tok.AccessToken, Refresh: tok.RefreshToken})
}

// --- Accounts ---

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.Me(r.Context(), s.userID(r))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) tierInfo(w http.ResponseWriter, r *http.Request) {
	ti, err := s.accounts.TierInfo(r.Context(), s.userID(r))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ti)
}

type upgradeRequest struct {
	RequestedTier string `json:"requested_tier" validate:"required,oneof=plus premium"`
	PaymentMethod string `json:"payment_method" validate:"max=50"`
}

func (s *Server) requestUpgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.accounts.RequestUpgrade(r.Context(), s.userID(r), model.UpgradeRequest{
		RequestedTier: model.Tier(req.RequestedTier),
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// --- Messaging ---

type initiateRequest struct {
	ExpertID int64 `json:"expert_id" validate:"required,gt=0"`
}

func (s *Server) initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, created, err := s.msgs.Initiate(r.Context(), s.userID(r), req.ExpertID)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

type listEnvelope[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.msgs.List(r.Context(), s.userID(r))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope[model.Conversation]{Count: len(convs), Results: convs})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	conv, err := s.msgs.Get(r.Context(), s.userID(r), id)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	msgs, err := s.msgs.History(r.Context(), s.userID(r), id)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

const maxSendBody = model.MaxAttachmentSize + 1<<20

var errTooLarge = errs.New(errs.KindInvalidInput, "File size must be less than 10MB")

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSendBody)
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, s.log, errTooLarge)
			return
		}
		writeError(w, r, s.log, errs.Wrap(errs.KindInvalidInput, "malformed form", err))
		return
	}
	convID, err := strconv.ParseInt(r.FormValue("conversation"), 10, 64)
	if err != nil || convID <= 0 {
		writeDetail(w, http.StatusBadRequest, "conversation is required")
		return
	}

	var att *model.Attachment
	f, hdr, err := r.FormFile("attachment")
	switch {
	case err == nil:
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, model.MaxAttachmentSize+1))
		if err != nil {
			writeError(w, r, s.log, errs.Wrap(errs.KindInvalidInput, "unreadable attachment", err))
			return
		}
		att = &model.Attachment{Name: hdr.Filename, ContentType: hdr.Header.Get("Content-Type"), Data: data}
	case !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		writeError(w, r, s.log, errs.Wrap(errs.KindInvalidInput, "malformed attachment", err))
		return
	}

	m, err := s.msgs.Send(r.Context(), s.userID(r), convID, r.FormValue("content"), att)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.msgs.MarkRead(r.Context(), s.userID(r), id); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "marked as read"})
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			writeDetail(w, http.StatusBadRequest, ve[0].Field()+": failed "+ve[0].Tag())
			return false
		}
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

// userID is set by Authenticate for every route that calls it.
func (s *Server) userID(r *http.Request) int64 {
	id, _ := UserIDFromCtx(r.Context())
	return id
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return 0, false
	}
	return id, true
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
