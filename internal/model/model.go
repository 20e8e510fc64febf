// Package model defines the entities exchanged with the MtaalamuX backend and held by the client.
package model

import (
	"encoding/json"
	"errors"
	"time"
)

// Tier is a subscription level. Tiers are totally ordered basic < plus < premium.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPlus    Tier = "plus"
	TierPremium Tier = "premium"
)

// Rank returns the position of t in the tier order; unknown tiers rank as basic.
func (t Tier) Rank() int {
	switch t {
	case TierPlus:
		return 1
	case TierPremium:
		return 2
	default:
		return 0
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t == TierBasic || t == TierPlus || t == TierPremium
}

// TierInfo is the server's description of the current user's entitlements.
// Flags are tri-state: nil means the server did not send the field.
type TierInfo struct {
	Tier        string `json:"tier,omitempty"`
	DisplayTier string `json:"display_tier,omitempty"`

	IsBasic        *bool `json:"is_basic,omitempty"`
	IsPlus         *bool `json:"is_plus,omitempty"`
	IsProfessional *bool `json:"is_professional,omitempty"` // legacy alias of is_plus
	IsPremium      *bool `json:"is_premium,omitempty"`

	CanInitiateConsultation *bool `json:"can_initiate_consultation,omitempty"`
	CanPostContent          *bool `json:"can_post_content,omitempty"`
	CanSellItems            *bool `json:"can_sell_items,omitempty"`

	IsVerified bool `json:"is_verified,omitempty"`
}

// Bool returns a pointer to v, for building TierInfo literals.
func Bool(v bool) *bool { return &v }

// Consultation statuses as reported by the backend.
const (
	ConsultationScheduled  = "scheduled"
	ConsultationInProgress = "in_progress"
	ConsultationActive     = "active"
	ConsultationCompleted  = "completed"
	ConsultationExpired    = "expired"
	ConsultationCancelled  = "cancelled"
)

// Consultation is a booked time window between a client and an expert.
type Consultation struct {
	ID        int64     `json:"id"`
	ExpertID  int64     `json:"expert_id"`
	ClientID  int64     `json:"client_id"`
	Title     string    `json:"title,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
}

// ErrInvalidWindow is returned by Consultation.Validate when start is not before end.
var ErrInvalidWindow = errors.New("consultation start must be before end")

// Validate checks the window invariant.
func (c Consultation) Validate() error {
	if !c.StartTime.Before(c.EndTime) {
		return ErrInvalidWindow
	}
	return nil
}

// Terminal reports whether the consultation can no longer become active.
func (c Consultation) Terminal() bool {
	switch c.Status {
	case ConsultationCompleted, ConsultationExpired, ConsultationCancelled:
		return true
	}
	return false
}

// ActiveAt reports whether now falls inside [start, end) and the status is not terminal.
func (c Consultation) ActiveAt(now time.Time) bool {
	return !c.Terminal() && !now.Before(c.StartTime) && now.Before(c.EndTime)
}

// StatusNoActiveConsultation is the sentinel status the backend returns instead of a
// conversation when no consultation exists between the pair.
const StatusNoActiveConsultation = "NO_ACTIVE_CONSULTATION"

// ConsultationStatus is the server-side projection of the consultation relevant to a
// conversation. It is never computed locally.
type ConsultationStatus struct {
	HasConsultation bool       `json:"has_consultation"`
	CanSendMessages bool       `json:"can_send_messages"`
	ConsultationID  *int64     `json:"consultation_id,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Status          string     `json:"status,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// Sentinel reports whether s is the NO_ACTIVE_CONSULTATION marker.
func (s *ConsultationStatus) Sentinel() bool {
	return s != nil && s.Status == StatusNoActiveConsultation
}

// Participant is a user taking part in a conversation.
type Participant struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Photo    string `json:"profile_photo,omitempty"`
	IsOnline bool   `json:"is_online,omitempty"`
}

// Conversation is a message thread between two participants.
type Conversation struct {
	ID                 int64               `json:"id"`
	Participants       []Participant       `json:"participants"`
	LastMessage        *Message            `json:"last_message,omitempty"`
	ConsultationStatus *ConsultationStatus `json:"consultation_status,omitempty"`
	CreatedAt          time.Time           `json:"created_at,omitzero"`
}

// OtherParticipant returns the participant that is not self, falling back to the first one.
func (c *Conversation) OtherParticipant(self int64) *Participant {
	if c == nil || len(c.Participants) == 0 {
		return nil
	}
	for i := range c.Participants {
		if c.Participants[i].ID != self {
			return &c.Participants[i]
		}
	}
	return &c.Participants[0]
}

// HasParticipant reports whether id takes part in the conversation.
func (c *Conversation) HasParticipant(id int64) bool {
	if c == nil {
		return false
	}
	for _, p := range c.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Message is a single chat entry.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	Attachment     string    `json:"attachment,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	IsRead         bool      `json:"is_read"`
}

// MaxAttachmentSize is the largest attachment accepted for a message.
const MaxAttachmentSize = 10 << 20

// Attachment is a file sent along with a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// OutgoingMessage is a send intent.
type OutgoingMessage struct {
	ConversationID int64
	Content        string
	Attachment     *Attachment
}

// InitiateResult is the response to a resolve-or-initiate request. It is either a
// conversation reference or the NO_ACTIVE_CONSULTATION sentinel.
type InitiateResult struct {
	ConversationID      *int64     `json:"conversation_id,omitempty"`
	ConsultationID      *int64     `json:"consultation_id,omitempty"`
	ConsultationState   string     `json:"-"`
	ConsultationEndTime *time.Time `json:"consultation_end_time,omitempty"`
	CanSendMessages     bool       `json:"can_send_messages"`

	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
	RedirectTo string `json:"redirect_to,omitempty"`

	// Projection is set when the backend embeds a full status object.
	Projection *ConsultationStatus `json:"-"`
}

// NoActiveConsultation reports whether r is the sentinel.
func (r *InitiateResult) NoActiveConsultation() bool {
	return r != nil && r.Status == StatusNoActiveConsultation
}

// AsStatus converts the initiate payload into a status projection usable when the
// conversation details cannot be fetched.
func (r *InitiateResult) AsStatus() *ConsultationStatus {
	if r == nil {
		return nil
	}
	if r.Projection != nil {
		cp := *r.Projection
		return &cp
	}
	return &ConsultationStatus{
		HasConsultation: r.ConsultationID != nil,
		CanSendMessages: r.CanSendMessages,
		ConsultationID:  r.ConsultationID,
		EndTime:         r.ConsultationEndTime,
		Status:          r.ConsultationState,
	}
}

// UnmarshalJSON accepts consultation_status either as a plain state string or as an object.
func (r *InitiateResult) UnmarshalJSON(b []byte) error {
	type plain InitiateResult
	var aux struct {
		*plain
		ConsultationStatus json.RawMessage `json:"consultation_status,omitempty"`
	}
	aux.plain = (*plain)(r)
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	raw := aux.ConsultationStatus
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		return json.Unmarshal(raw, &r.ConsultationState)
	}
	var cs ConsultationStatus
	if err := json.Unmarshal(raw, &cs); err != nil {
		return err
	}
	r.Projection = &cs
	r.ConsultationState = cs.Status
	return nil
}

// MarshalJSON emits consultation_status as the plain state string.
func (r InitiateResult) MarshalJSON() ([]byte, error) {
	type plain InitiateResult
	return json.Marshal(struct {
		plain
		ConsultationStatus string `json:"consultation_status,omitempty"`
	}{plain(r), r.ConsultationState})
}

// Tokens collects issued access/refresh tokens.
type Tokens struct {
	AccessToken  string    `json:"access"`
	RefreshToken string    `json:"refresh,omitempty"`
	ExpiresAt    time.Time `json:"-"` // access token expiry (for diagnostics)
}

// User is the signed-in account as seen by the client.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsExpert  bool   `json:"is_expert,omitempty"`
}

// UpgradeRequest asks the backend to move the user to a higher tier.
type UpgradeRequest struct {
	RequestedTier Tier   `json:"requested_tier"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

// UpgradeRecord is the backend's record of an upgrade request.
type UpgradeRecord struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	RequestedTier Tier      `json:"requested_tier"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Account is a backend-side user record. Sensitive material is never sent to clients.
type Account struct {
	User
	PwdHash   []byte // Argon2id(password, Salt)
	Salt      []byte
	Tier      Tier
	Verified  bool
	CreatedAt time.Time
}

// ConversationRecord is the backend's row for the unique conversation between two users.
// UserA is always the smaller id.
type ConversationRecord struct {
	ID        int64
	UserA     int64
	UserB     int64
	CreatedAt time.Time
}

// Pair orders two user ids the way ConversationRecord stores them.
func Pair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// Other returns the participant of r that is not self.
func (r ConversationRecord) Other(self int64) int64 {
	if r.UserA == self {
		return r.UserB
	}
	return r.UserA
}

// Includes reports whether id is one of the pair.
func (r ConversationRecord) Includes(id int64) bool { return r.UserA == id || r.UserB == id }
