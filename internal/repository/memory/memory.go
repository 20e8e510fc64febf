// Package memory is an in-process implementation of the repository interfaces, used by the
// stand-in backend when no database is configured and by tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/repository"
)

type state struct {
	mu            sync.RWMutex
	now           func() time.Time
	seq           int64
	users         map[int64]model.Account
	consultations []model.Consultation
	conversations map[int64]model.ConversationRecord
	messages      []model.Message
	upgrades      []model.UpgradeRecord
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

// New returns an empty store. now may be nil.
func New(now func() time.Time) repository.Store {
	if now == nil {
		now = time.Now
	}
	s := &state{
		now:           now,
		users:         make(map[int64]model.Account),
		conversations: make(map[int64]model.ConversationRecord),
	}
	return repository.Store{
		Users:         (*users)(s),
		Consultations: (*consultations)(s),
		Conversations: (*conversations)(s),
		Messages:      (*messages)(s),
		Upgrades:      (*upgrades)(s),
	}
}

type users state

var _ repository.UserRepository = (*users)(nil)

func (u *users) Create(_ context.Context, a *model.Account) error {
	s := (*state)(u)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == a.Username {
			return errs.ErrAlreadyExists
		}
	}
	a.ID = s.next()
	a.CreatedAt = s.now()
	s.users[a.ID] = *a
	return nil
}

func (u *users) GetByID(_ context.Context, id int64) (*model.Account, error) {
	s := (*state)(u)
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

func (u *users) GetByUsername(_ context.Context, username string) (*model.Account, error) {
	s := (*state)(u)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.users {
		if a.Username == username {
			return &a, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (u *users) SetTier(_ context.Context, id int64, t model.Tier) error {
	s := (*state)(u)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.users[id]
	if !ok {
		return errs.ErrNotFound
	}
	a.Tier = t
	s.users[id] = a
	return nil
}

type consultations state

var _ repository.ConsultationRepository = (*consultations)(nil)

func (c *consultations) Create(_ context.Context, in *model.Consultation) error {
	if err := in.Validate(); err != nil {
		return err
	}
	s := (*state)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	in.ID = s.next()
	s.consultations = append(s.consultations, *in)
	return nil
}

func (c *consultations) LatestBetween(_ context.Context, a, b int64) (*model.Consultation, error) {
	s := (*state)(c)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.Consultation
	for i := range s.consultations {
		cs := &s.consultations[i]
		pair := (cs.ExpertID == a && cs.ClientID == b) || (cs.ExpertID == b && cs.ClientID == a)
		if pair && (best == nil || cs.StartTime.After(best.StartTime)) {
			best = cs
		}
	}
	if best == nil {
		return nil, errs.ErrNotFound
	}
	out := *best
	return &out, nil
}

type conversations state

var _ repository.ConversationRepository = (*conversations)(nil)

func (c *conversations) GetOrCreate(_ context.Context, a, b int64) (model.ConversationRecord, bool, error) {
	s := (*state)(c)
	ua, ub := model.Pair(a, b)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.conversations {
		if rec.UserA == ua && rec.UserB == ub {
			return rec, false, nil
		}
	}
	rec := model.ConversationRecord{ID: s.next(), UserA: ua, UserB: ub, CreatedAt: s.now()}
	s.conversations[rec.ID] = rec
	return rec, true, nil
}

func (c *conversations) GetByID(_ context.Context, id int64) (*model.ConversationRecord, error) {
	s := (*state)(c)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conversations[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

func (c *conversations) ListForUser(_ context.Context, userID int64) ([]model.ConversationRecord, error) {
	s := (*state)(c)
	s.mu.RLock()
	defer s.mu.RUnlock()
	activity := make(map[int64]time.Time)
	for _, m := range s.messages {
		if m.Timestamp.After(activity[m.ConversationID]) {
			activity[m.ConversationID] = m.Timestamp
		}
	}
	var out []model.ConversationRecord
	for _, rec := range s.conversations {
		if rec.Includes(userID) {
			out = append(out, rec)
		}
	}
	last := func(r model.ConversationRecord) time.Time {
		if t, ok := activity[r.ID]; ok {
			return t
		}
		return r.CreatedAt
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := last(out[i]), last(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

type messages state

var _ repository.MessageRepository = (*messages)(nil)

func (m *messages) Create(_ context.Context, in *model.Message) error {
	s := (*state)(m)
	s.mu.Lock()
	defer s.mu.Unlock()
	in.ID = s.next()
	in.Timestamp = s.now()
	s.messages = append(s.messages, *in)
	return nil
}

func (m *messages) GetByID(_ context.Context, id int64) (*model.Message, error) {
	s := (*state)(m)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages {
		if msg.ID == id {
			return &msg, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *messages) ListByConversation(_ context.Context, conversationID int64) ([]model.Message, error) {
	s := (*state)(m)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Message{}
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *messages) Last(_ context.Context, conversationID int64) (*model.Message, error) {
	s := (*state)(m)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ConversationID == conversationID {
			msg := s.messages[i]
			return &msg, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *messages) MarkRead(_ context.Context, id int64) error {
	s := (*state)(m)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].IsRead = true
			return nil
		}
	}
	return errs.ErrNotFound
}

type upgrades state

var _ repository.UpgradeRepository = (*upgrades)(nil)

func (u *upgrades) Create(_ context.Context, r *model.UpgradeRecord) error {
	s := (*state)(u)
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.next()
	r.CreatedAt = s.now()
	s.upgrades = append(s.upgrades, *r)
	return nil
}
