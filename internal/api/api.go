// Package api is the typed data-access layer over the MtaalamuX REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/transport"
)

// Doer performs transport requests. *transport.Client implements it.
type Doer interface {
	Do(ctx context.Context, r transport.Request, out any) error
}

// Client calls the backend endpoints.
type Client struct{ t Doer }

// New constructs a Client over t.
func New(t Doer) *Client { return &Client{t: t} }

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges credentials for an access/refresh token pair.
func (c *Client) Login(ctx context.Context, username, password string) (model.Tokens, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return model.Tokens{}, errs.New(errs.KindInvalidInput, "username and password are required")
	}
	var out model.Tokens
	err := c.t.Do(ctx, transport.Request{
		Method:    http.MethodPost,
		Path:      "/auth/login/",
		JSON:      loginRequest{Username: username, Password: password},
		Anonymous: true,
	}, &out)
	if err != nil {
		return model.Tokens{}, err
	}
	if out.AccessToken == "" {
		return model.Tokens{}, errs.New(errs.KindServerError, "login response carried no access token")
	}
	return out, nil
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var u model.User
	if err := c.t.Do(ctx, transport.Request{Method: http.MethodGet, Path: "/users/me/"}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// TierInfo returns the signed-in user's tier and capability flags.
func (c *Client) TierInfo(ctx context.Context) (*model.TierInfo, error) {
	var ti model.TierInfo
	if err := c.t.Do(ctx, transport.Request{Method: http.MethodGet, Path: "/users/tier_info/"}, &ti); err != nil {
		return nil, err
	}
	return &ti, nil
}

type initiateRequest struct {
	ExpertID int64 `json:"expert_id"`
}

// Initiate asks the backend for the conversation with expertID, creating it if the
// consultation rules allow. The sentinel result is returned without error.
func (c *Client) Initiate(ctx context.Context, expertID int64) (*model.InitiateResult, error) {
	var out model.InitiateResult
	err := c.t.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/messages/initiate/",
		JSON:   initiateRequest{ExpertID: expertID},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations returns the user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	return list[model.Conversation](ctx, c.t, "/conversations/")
}

// Conversation returns one conversation with its consultation status.
func (c *Client) Conversation(ctx context.Context, id int64) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.t.Do(ctx, transport.Request{Method: http.MethodGet, Path: "/conversations/" + itoa(id) + "/"}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Messages returns a conversation's history in server order.
func (c *Client) Messages(ctx context.Context, conversationID int64) ([]model.Message, error) {
	return list[model.Message](ctx, c.t, "/conversations/"+itoa(conversationID)+"/messages/")
}

// SendMessage posts a message as multipart form data.
func (c *Client) SendMessage(ctx context.Context, m model.OutgoingMessage) (*model.Message, error) {
	form := &transport.Multipart{Fields: []transport.FormField{
		{Name: "conversation", Value: itoa(m.ConversationID)},
	}}
	if content := strings.TrimSpace(m.Content); content != "" {
		form.Fields = append(form.Fields, transport.FormField{Name: "content", Value: content})
	}
	if a := m.Attachment; a != nil {
		if len(a.Data) > model.MaxAttachmentSize {
			return nil, errs.New(errs.KindInvalidInput, "File size must be less than 10MB")
		}
		form.Files = append(form.Files, transport.FormFile{
			Field: "attachment", Filename: a.Name, ContentType: a.ContentType, Data: a.Data,
		})
	}
	var out model.Message
	if err := c.t.Do(ctx, transport.Request{Method: http.MethodPost, Path: "/messages/", Form: form}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead flags a received message as read.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	return c.t.Do(ctx, transport.Request{Method: http.MethodPost, Path: "/messages/" + itoa(messageID) + "/mark_read/"}, nil)
}

// RequestUpgrade submits a tier upgrade request.
func (c *Client) RequestUpgrade(ctx context.Context, req model.UpgradeRequest) (*model.UpgradeRecord, error) {
	if !req.RequestedTier.Valid() || req.RequestedTier == model.TierBasic {
		return nil, errs.New(errs.KindInvalidInput, "requested tier must be plus or premium")
	}
	var out model.UpgradeRecord
	if err := c.t.Do(ctx, transport.Request{Method: http.MethodPost, Path: "/upgrade-requests/", JSON: req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func list[T any](ctx context.Context, t Doer, path string) ([]T, error) {
	var raw json.RawMessage
	if err := t.Do(ctx, transport.Request{Method: http.MethodGet, Path: path}, &raw); err != nil {
		return nil, err
	}
	out, err := transport.DecodeList[T](raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindServerError, "malformed list response", err)
	}
	return out, nil
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
