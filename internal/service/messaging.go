package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/repository"
	"github.com/mtaalamux/client/internal/tier"
	"github.com/mtaalamux/client/pkg/logger"
	"github.com/mtaalamux/client/pkg/metrics"
)

// MessagingService enforces the consultation window on conversations and messages.
type MessagingService interface {
	// Initiate returns the conversation between the caller and expertID, creating it when a
	// consultation exists. Without any consultation it returns the NO_ACTIVE_CONSULTATION
	// sentinel and no error.
	Initiate(ctx context.Context, userID, expertID int64) (res model.InitiateResult, created bool, err error)
	List(ctx context.Context, userID int64) ([]model.Conversation, error)
	Get(ctx context.Context, userID, conversationID int64) (*model.Conversation, error)
	History(ctx context.Context, userID, conversationID int64) ([]model.Message, error)
	Send(ctx context.Context, userID, conversationID int64, content string, att *model.Attachment) (*model.Message, error)
	MarkRead(ctx context.Context, userID, messageID int64) error
	// Book schedules a consultation between an expert and a client.
	Book(ctx context.Context, c *model.Consultation) error
}

type MessagingServiceImpl struct {
	store repository.Store
	now   func() time.Time
	log   *zap.Logger
}

var _ MessagingService = (*MessagingServiceImpl)(nil)

// NewMessagingService constructs MessagingService. now may be nil.
func NewMessagingService(store repository.Store, now func() time.Time, log *zap.Logger) *MessagingServiceImpl {
	if now == nil {
		now = time.Now
	}
	return &MessagingServiceImpl{store: store, now: now, log: logger.OrNop(log)}
}

const timeLayout = "Mon Jan 2, 15:04 MST"

// ConsultPath is where a client books a consultation with expertID.
func ConsultPath(expertID int64) string { return fmt.Sprintf("/experts/%d/consult", expertID) }

// StatusAt projects c onto the consultation status clients see at now. A nil c means no
// consultation exists between the pair.
func StatusAt(c *model.Consultation, now time.Time) *model.ConsultationStatus {
	if c == nil {
		return &model.ConsultationStatus{Message: "No consultation booked with this expert."}
	}
	id, start, end := c.ID, c.StartTime, c.EndTime
	st := &model.ConsultationStatus{HasConsultation: true, ConsultationID: &id, StartTime: &start, EndTime: &end}
	switch {
	case c.ActiveAt(now):
		st.CanSendMessages = true
		st.Status = model.ConsultationActive
	case !c.Terminal() && now.Before(c.StartTime):
		st.Status = model.ConsultationScheduled
		st.Message = "Consultation starts at " + start.Format(timeLayout) + "."
	default:
		st.Status = c.Status
		if !c.Terminal() {
			st.Status = model.ConsultationExpired
		}
		// A window that closed before it opened must not read as scheduled.
		if now.Before(start) {
			st.StartTime = nil
		}
		st.Message = "Consultation has ended."
	}
	return st
}

func (s *MessagingServiceImpl) Initiate(ctx context.Context, userID, expertID int64) (model.InitiateResult, bool, error) {
	if expertID == userID || expertID <= 0 {
		return model.InitiateResult{}, false, errs.New(errs.KindInvalidInput, "invalid expert_id")
	}
	caller, err := s.store.Users.GetByID(ctx, userID)
	if err != nil {
		return model.InitiateResult{}, false, err
	}
	if _, err := s.store.Users.GetByID(ctx, expertID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.InitiateResult{}, false, errs.New(errs.KindNotFound, "Expert not found.")
		}
		return model.InitiateResult{}, false, err
	}
	if !tier.CanMessage(tier.InfoFor(caller.Tier, caller.Verified)) {
		return model.InitiateResult{}, false, errs.New(errs.KindNotPermitted, "Messaging requires a Plus or Premium plan.")
	}

	c, err := s.store.Consultations.LatestBetween(ctx, userID, expertID)
	if errors.Is(err, errs.ErrNotFound) {
		return model.InitiateResult{
			Status:     model.StatusNoActiveConsultation,
			Message:    "You need to book a consultation with this expert before messaging.",
			RedirectTo: ConsultPath(expertID),
		}, false, nil
	}
	if err != nil {
		return model.InitiateResult{}, false, err
	}

	rec, created, err := s.store.Conversations.GetOrCreate(ctx, userID, expertID)
	if err != nil {
		return model.InitiateResult{}, false, err
	}
	if created {
		metrics.ConversationsTotal.Inc()
		logger.FromContext(ctx, s.log).Info("conversation created",
			zap.Int64("conversation_id", rec.ID), zap.Int64("user_id", userID), zap.Int64("expert_id", expertID))
	}
	st := StatusAt(c, s.now())
	convID := rec.ID
	return model.InitiateResult{
		ConversationID:      &convID,
		ConsultationID:      st.ConsultationID,
		ConsultationState:   st.Status,
		ConsultationEndTime: st.EndTime,
		CanSendMessages:     st.CanSendMessages,
	}, created, nil
}

func (s *MessagingServiceImpl) List(ctx context.Context, userID int64) ([]model.Conversation, error) {
	recs, err := s.store.Conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Conversation, 0, len(recs))
	for _, rec := range recs {
		conv, err := s.render(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, nil
}

func (s *MessagingServiceImpl) Get(ctx context.Context, userID, conversationID int64) (*model.Conversation, error) {
	rec, err := s.participantOf(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.render(ctx, *rec)
}

func (s *MessagingServiceImpl) History(ctx context.Context, userID, conversationID int64) ([]model.Message, error) {
	if _, err := s.participantOf(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.Messages.ListByConversation(ctx, conversationID)
}

func (s *MessagingServiceImpl) Send(ctx context.Context, userID, conversationID int64, content string, att *model.Attachment) (*model.Message, error) {
	rec, err := s.store.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.New(errs.KindNotFound, "Conversation not found.")
		}
		return nil, err
	}
	if !rec.Includes(userID) {
		return nil, errs.New(errs.KindNotPermitted, "You are not a participant in this conversation.")
	}
	content = strings.TrimSpace(content)
	if content == "" && att == nil {
		return nil, errs.New(errs.KindInvalidInput, "Message must have content or an attachment.")
	}
	if att != nil && len(att.Data) > model.MaxAttachmentSize {
		return nil, errs.New(errs.KindInvalidInput, "File size must be less than 10MB")
	}

	c, err := s.store.Consultations.LatestBetween(ctx, rec.UserA, rec.UserB)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	if st := StatusAt(c, s.now()); !st.CanSendMessages {
		return nil, errs.New(errs.KindNotPermitted, "No active consultation. Messaging is only available during an active consultation.")
	}

	m := &model.Message{ConversationID: conversationID, SenderID: userID, Content: content}
	if att != nil {
		ref, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		m.Attachment = path.Join("/media/message_attachments", ref.String(), path.Base(att.Name))
	}
	if err := s.store.Messages.Create(ctx, m); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(fmt.Sprint(att != nil)).Inc()
	return m, nil
}

func (s *MessagingServiceImpl) MarkRead(ctx context.Context, userID, messageID int64) error {
	m, err := s.store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.participantOf(ctx, userID, m.ConversationID); err != nil {
		return err
	}
	return s.store.Messages.MarkRead(ctx, messageID)
}

func (s *MessagingServiceImpl) Book(ctx context.Context, c *model.Consultation) error {
	if err := c.Validate(); err != nil {
		return errs.Wrap(errs.KindInvalidInput, "invalid consultation window", err)
	}
	expert, err := s.store.Users.GetByID(ctx, c.ExpertID)
	if err != nil {
		return err
	}
	if !expert.IsExpert {
		return errs.New(errs.KindInvalidInput, "consultations must be booked with an expert")
	}
	if _, err := s.store.Users.GetByID(ctx, c.ClientID); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = model.ConsultationScheduled
	}
	return s.store.Consultations.Create(ctx, c)
}

// participantOf loads a conversation the user takes part in. Conversations of other users
// are reported as not found.
func (s *MessagingServiceImpl) participantOf(ctx context.Context, userID, conversationID int64) (*model.ConversationRecord, error) {
	rec, err := s.store.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !rec.Includes(userID) {
		return nil, errs.ErrNotFound
	}
	return rec, nil
}

func (s *MessagingServiceImpl) render(ctx context.Context, rec model.ConversationRecord) (*model.Conversation, error) {
	conv := &model.Conversation{ID: rec.ID, CreatedAt: rec.CreatedAt}
	for _, id := range []int64{rec.UserA, rec.UserB} {
		a, err := s.store.Users.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		conv.Participants = append(conv.Participants, model.Participant{ID: a.ID, Username: a.Username})
	}
	last, err := s.store.Messages.Last(ctx, rec.ID)
	switch {
	case err == nil:
		conv.LastMessage = last
	case !errors.Is(err, errs.ErrNotFound):
		return nil, err
	}
	c, err := s.store.Consultations.LatestBetween(ctx, rec.UserA, rec.UserB)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	conv.ConsultationStatus = StatusAt(c, s.now())
	return conv, nil
}
