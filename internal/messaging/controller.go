// Package messaging implements the consultation-gated messaging session: resolving or
// initiating the conversation with an expert, loading history, and sending messages only
// while the server reports an active consultation window.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mtaalamux/client/internal/consultation"
	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/tier"
	"github.com/mtaalamux/client/pkg/logger"
)

// Backend is the data access the controller needs. *api.Client implements it.
type Backend interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	Conversation(ctx context.Context, id int64) (*model.Conversation, error)
	Initiate(ctx context.Context, expertID int64) (*model.InitiateResult, error)
	Messages(ctx context.Context, conversationID int64) ([]model.Message, error)
	SendMessage(ctx context.Context, m model.OutgoingMessage) (*model.Message, error)
	MarkRead(ctx context.Context, messageID int64) error
}

// Viewer describes who is looking. *session.Session implements it.
type Viewer interface {
	TierInfo() *model.TierInfo
	UserID() int64
}

// Options tunes a Controller.
type Options struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

// Resolution is the outcome of Open.
type Resolution struct {
	Conversation *model.Conversation // nil when no conversation exists yet
	State        consultation.State
	Message      string // user-facing explanation for None
	RedirectTo   string // where to book a consultation, for None
	Degraded     bool   // details could not be fetched; only the id is known
}

// Controller is safe for concurrent use. Every Open, Select and Close starts a new
// generation; responses belonging to an older generation are discarded.
type Controller struct {
	api    Backend
	viewer Viewer
	now    func() time.Time
	log    *zap.Logger

	mu            sync.Mutex
	gen           uint64
	listGen       uint64
	conversations []model.Conversation
	// merged holds conversations resolved locally since the last list request started.
	merged        map[int64]model.Conversation
	selected      *model.Conversation
	messages      []model.Message
	noneMessage   string
	noneRedirect  string
	lastErr       *errs.Error

	slotsMu sync.Mutex
	slots   map[int64]chan struct{}
}

// New constructs a Controller.
func New(b Backend, v Viewer, opts Options) *Controller {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Controller{
		api:    b,
		viewer: v,
		now:    now,
		log:    logger.OrNop(opts.Logger),
		slots:  make(map[int64]chan struct{}),
	}
}

// LoadConversations fetches the user's conversations and keeps them for local lookup.
func (c *Controller) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	if err := c.requireMessaging(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.listGen++
	gen := c.listGen
	c.merged = make(map[int64]model.Conversation)
	c.mu.Unlock()

	convs, err := c.api.ListConversations(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.listGen {
		return nil, errs.ErrSuperseded
	}
	if err != nil {
		c.merged = nil
		c.lastErr = classify(err)
		return nil, err
	}
	c.conversations = append([]model.Conversation(nil), convs...)
	// The snapshot may predate a conversation resolved while it was in flight.
	self := c.viewer.UserID()
	for _, conv := range c.merged {
		c.applyLocked(conv, self)
	}
	c.merged = nil
	if c.selected != nil {
		for i := range c.conversations {
			if c.conversations[i].ID == c.selected.ID {
				cp := c.conversations[i]
				c.selected = &cp
			}
		}
	}
	return append([]model.Conversation(nil), c.conversations...), nil
}

// Conversations returns the loaded conversations.
func (c *Controller) Conversations() []model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Conversation(nil), c.conversations...)
}

// Open resolves the conversation with expertID, initiating one when none is loaded.
//
// A loaded conversation is selected without any network call. Otherwise the backend is
// asked to initiate: the NO_ACTIVE_CONSULTATION sentinel and a 403 both resolve to state
// None with a message rather than an error.
func (c *Controller) Open(ctx context.Context, expertID int64) (Resolution, error) {
	if err := c.requireMessaging(); err != nil {
		return Resolution{}, err
	}
	if expertID <= 0 {
		return Resolution{}, c.fail(errs.New(errs.KindInvalidInput, "invalid expert id"))
	}
	self := c.viewer.UserID()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	if i := c.indexByExpertLocked(expertID, self); i >= 0 {
		c.selectLocked(c.conversations[i])
		res := c.resolutionLocked()
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	log := logger.FromContext(ctx, c.log).With(zap.Int64("expert_id", expertID))
	started, err := c.api.Initiate(ctx, expertID)
	if err != nil {
		return c.initiateFailed(gen, expertID, err)
	}

	if started.NoActiveConsultation() {
		msg := firstNonEmpty(started.Message, noConsultationText)
		redirect := firstNonEmpty(started.RedirectTo, consultPath(expertID))
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return Resolution{}, errs.ErrSuperseded
		}
		c.clearSelectionLocked()
		c.noneMessage, c.noneRedirect = msg, redirect
		log.Info("no active consultation")
		return Resolution{State: consultation.None, Message: msg, RedirectTo: redirect}, nil
	}
	if started.ConversationID == nil {
		return Resolution{}, c.failIfCurrent(gen, errs.New(errs.KindServerError, "initiate response carried no conversation"))
	}

	id := *started.ConversationID
	degraded := false
	conv, err := c.api.Conversation(ctx, id)
	if err != nil {
		log.Warn("conversation details unavailable, using stub", zap.Int64("conversation_id", id), zap.Error(err))
		conv = &model.Conversation{ID: id}
		degraded = true
	}
	if conv.ConsultationStatus == nil {
		conv.ConsultationStatus = started.AsStatus()
	}
	if len(conv.Participants) == 0 {
		conv.Participants = []model.Participant{{ID: self}, {ID: expertID}}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return Resolution{}, errs.ErrSuperseded
	}
	c.mergeLocked(*conv, self)
	c.selectLocked(*conv)
	res := c.resolutionLocked()
	res.Degraded = degraded
	return res, nil
}

func (c *Controller) initiateFailed(gen uint64, expertID int64, err error) (Resolution, error) {
	e := classify(err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return Resolution{}, errs.ErrSuperseded
	}
	switch e.Kind {
	case errs.KindNotPermitted:
		msg := firstNonEmpty(e.Message, noConsultationText)
		c.clearSelectionLocked()
		c.noneMessage, c.noneRedirect = msg, consultPath(expertID)
		c.lastErr = e
		return Resolution{State: consultation.None, Message: msg, RedirectTo: c.noneRedirect}, nil
	case errs.KindNotFound:
		c.lastErr = e
		return Resolution{}, e
	case errs.KindUnauthenticated:
		cp := *e
		cp.Action, cp.RedirectTo = errs.ActionLogin, "/login"
		c.lastErr = &cp
		return Resolution{}, &cp
	default:
		cp := *e
		cp.Retryable = true
		c.lastErr = &cp
		return Resolution{}, &cp
	}
}

// Select makes a loaded conversation current.
func (c *Controller) Select(conversationID int64) (Resolution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for i := range c.conversations {
		if c.conversations[i].ID == conversationID {
			c.selectLocked(c.conversations[i])
			return c.resolutionLocked(), nil
		}
	}
	e := errs.New(errs.KindNotFound, "conversation not loaded")
	c.lastErr = e
	return Resolution{}, e
}

// Close leaves the current conversation; in-flight responses for it are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.clearSelectionLocked()
}

// Selected returns a copy of the current conversation, or nil.
func (c *Controller) Selected() *model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return nil
	}
	cp := *c.selected
	return &cp
}

// LoadMessages fetches the history of the current conversation in server order.
func (c *Controller) LoadMessages(ctx context.Context) ([]model.Message, error) {
	c.mu.Lock()
	sel, gen := c.selected, c.gen
	c.mu.Unlock()
	if sel == nil {
		return nil, c.fail(errs.New(errs.KindInvalidInput, "no conversation selected"))
	}

	msgs, err := c.api.Messages(ctx, sel.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return nil, errs.ErrSuperseded
	}
	if err != nil {
		c.lastErr = classify(err)
		return nil, err
	}
	c.messages = append([]model.Message(nil), msgs...)
	return append([]model.Message(nil), c.messages...), nil
}

// Messages returns the locally held history of the current conversation.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.messages...)
}

// RefreshStatus re-fetches the current conversation. It is the only way the consultation
// state of a selected conversation changes.
func (c *Controller) RefreshStatus(ctx context.Context) (consultation.State, error) {
	c.mu.Lock()
	sel, gen := c.selected, c.gen
	c.mu.Unlock()
	if sel == nil {
		return consultation.None, nil
	}

	conv, err := c.api.Conversation(ctx, sel.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return consultation.None, errs.ErrSuperseded
	}
	if err != nil {
		c.lastErr = classify(err)
		return c.stateLocked(), err
	}
	if len(conv.Participants) == 0 {
		conv.Participants = sel.Participants
	}
	c.mergeLocked(*conv, c.viewer.UserID())
	cp := *conv
	c.selected = &cp
	return c.stateLocked(), nil
}

// RefreshIfStale re-fetches the current conversation once its reported window has opened or ended.
func (c *Controller) RefreshIfStale(ctx context.Context) (consultation.State, error) {
	c.mu.Lock()
	stale := c.selected != nil && consultation.NeedsRefresh(c.selected.ConsultationStatus, c.now())
	st := c.stateLocked()
	c.mu.Unlock()
	if !stale {
		return st, nil
	}
	return c.RefreshStatus(ctx)
}

// State is the consultation state of the current conversation.
func (c *Controller) State() consultation.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// CanSend reports whether conv accepts messages now.
func (c *Controller) CanSend(conv *model.Conversation) bool {
	if conv == nil {
		return false
	}
	return consultation.CanSend(conv.ConsultationStatus, c.now())
}

// Send posts a message to the current conversation. It fails without any network call
// when the message is empty or the consultation is not active, in that order. Sends to the same
// conversation are serialized.
func (c *Controller) Send(ctx context.Context, content string, att *model.Attachment) (*model.Message, error) {
	c.mu.Lock()
	sel := c.selected
	c.mu.Unlock()
	if sel == nil {
		return nil, c.fail(errs.New(errs.KindInvalidInput, "no conversation selected"))
	}
	content = strings.TrimSpace(content)
	if content == "" && att == nil {
		return nil, c.fail(errs.New(errs.KindInvalidInput, "Message cannot be empty"))
	}
	if att != nil && len(att.Data) > model.MaxAttachmentSize {
		return nil, c.fail(errs.New(errs.KindInvalidInput, "File size must be less than 10MB"))
	}
	if st := consultation.StateOf(sel.ConsultationStatus, c.now()); st != consultation.Active {
		return nil, c.fail(notSendable(st, sel, c.viewer.UserID()))
	}

	release, err := c.acquire(ctx, sel.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	msg, err := c.api.SendMessage(ctx, model.OutgoingMessage{ConversationID: sel.ID, Content: content, Attachment: att})
	if err != nil {
		e := c.fail(classify(err))
		if errors.Is(e, errs.ErrNotPermitted) {
			// The server closed the window; pull the authoritative status.
			if _, rerr := c.RefreshStatus(ctx); rerr != nil {
				c.log.Debug("status refresh after rejected send", zap.Error(rerr))
			}
		}
		return nil, e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != nil && c.selected.ID == sel.ID && !containsMessage(c.messages, msg.ID) {
		c.messages = append(c.messages, *msg)
	}
	for i := range c.conversations {
		if c.conversations[i].ID == sel.ID {
			m := *msg
			c.conversations[i].LastMessage = &m
		}
	}
	c.lastErr = nil
	return msg, nil
}

// MarkRead marks a received message as read on the server and locally.
func (c *Controller) MarkRead(ctx context.Context, messageID int64) error {
	if err := c.api.MarkRead(ctx, messageID); err != nil {
		return c.fail(classify(err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID == messageID {
			c.messages[i].IsRead = true
		}
	}
	return nil
}

// LastError is the failure currently shown to the user, or nil.
func (c *Controller) LastError() *errs.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ClearError dismisses the visible failure.
func (c *Controller) ClearError() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Controller) requireMessaging() error {
	if tier.CanMessage(c.viewer.TierInfo()) {
		return nil
	}
	return c.fail(&errs.Error{
		Kind:       errs.KindNotPermitted,
		Message:    "Messaging is available on Plus and Premium plans.",
		Action:     errs.ActionUpgrade,
		RedirectTo: "/upgrade",
	})
}

// acquire takes the per-conversation send slot.
func (c *Controller) acquire(ctx context.Context, conversationID int64) (func(), error) {
	c.slotsMu.Lock()
	slot, ok := c.slots[conversationID]
	if !ok {
		slot = make(chan struct{}, 1)
		c.slots[conversationID] = slot
	}
	c.slotsMu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, &errs.Error{Kind: errs.KindNetworkError, Message: "send cancelled", Err: ctx.Err()}
	}
}

func (c *Controller) fail(e *errs.Error) *errs.Error {
	c.mu.Lock()
	c.lastErr = e
	c.mu.Unlock()
	return e
}

func (c *Controller) failIfCurrent(gen uint64, e *errs.Error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return errs.ErrSuperseded
	}
	c.lastErr = e
	return e
}

func (c *Controller) indexByExpertLocked(expertID, self int64) int {
	for i := range c.conversations {
		if p := c.conversations[i].OtherParticipant(self); p != nil && p.ID == expertID {
			return i
		}
	}
	return -1
}

// mergeLocked keeps at most one conversation per id and per counterpart.
func (c *Controller) mergeLocked(conv model.Conversation, self int64) {
	if c.merged != nil {
		c.merged[conv.ID] = conv
	}
	c.applyLocked(conv, self)
}

func (c *Controller) applyLocked(conv model.Conversation, self int64) {
	var other int64
	if p := conv.OtherParticipant(self); p != nil {
		other = p.ID
	}
	for i := range c.conversations {
		existing := &c.conversations[i]
		sameCounterpart := other != 0 && existing.OtherParticipant(self) != nil && existing.OtherParticipant(self).ID == other
		if existing.ID == conv.ID || sameCounterpart {
			*existing = conv
			return
		}
	}
	c.conversations = append([]model.Conversation{conv}, c.conversations...)
}

func (c *Controller) selectLocked(conv model.Conversation) {
	if c.selected == nil || c.selected.ID != conv.ID {
		c.messages = nil
	}
	c.selected = &conv
	c.noneMessage, c.noneRedirect = "", ""
	c.lastErr = nil
}

func (c *Controller) clearSelectionLocked() {
	c.selected = nil
	c.messages = nil
	c.noneMessage, c.noneRedirect = "", ""
}

func (c *Controller) stateLocked() consultation.State {
	if c.selected == nil {
		return consultation.None
	}
	return consultation.StateOf(c.selected.ConsultationStatus, c.now())
}

func (c *Controller) resolutionLocked() Resolution {
	cp := *c.selected
	return Resolution{Conversation: &cp, State: c.stateLocked()}
}

const noConsultationText = "You need an active consultation to message this expert."

func consultPath(expertID int64) string { return fmt.Sprintf("/experts/%d/consult", expertID) }

func notSendable(st consultation.State, conv *model.Conversation, self int64) *errs.Error {
	var expert int64
	if p := conv.OtherParticipant(self); p != nil {
		expert = p.ID
	}
	e := &errs.Error{Kind: errs.KindNotPermitted}
	switch st {
	case consultation.Scheduled:
		e.Message = "Your consultation has not started yet."
		if cs := conv.ConsultationStatus; cs != nil && cs.StartTime != nil {
			e.Message = "Your consultation starts at " + cs.StartTime.Format(timeLayout) + "."
		}
	case consultation.Expired:
		e.Message = "Your consultation has ended. Book a new consultation to continue messaging."
		e.Action, e.RedirectTo = errs.ActionRebook, consultPath(expert)
	default:
		e.Message = noConsultationText
		e.Action, e.RedirectTo = errs.ActionBook, consultPath(expert)
	}
	return e
}

func classify(err error) *errs.Error {
	if e, ok := errs.As(err); ok {
		return e
	}
	return &errs.Error{Kind: errs.KindUnknown, Message: "Something went wrong. Please try again.", Retryable: true, Err: err}
}

func containsMessage(ms []model.Message, id int64) bool {
	for _, m := range ms {
		if m.ID == id {
			return true
		}
	}
	return false
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
