package messaging

import (
	"time"

	"github.com/mtaalamux/client/internal/consultation"
	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
)

const timeLayout = "Mon Jan 2, 15:04 MST"

// CTA labels shown by the banner.
const (
	CTABook   = "Book a Consultation"
	CTARebook = "Rebook"
)

// Banner is what the conversation header shows about the consultation window.
type Banner struct {
	State        consultation.State
	Text         string
	CTA          string
	CTATarget    string
	InputEnabled bool
	StartTime    *time.Time
	EndTime      *time.Time
}

// View is a consistent snapshot of everything the messaging screen renders.
type View struct {
	Selected *model.Conversation
	Messages []model.Message
	Banner   Banner
	Error    *errs.Error
}

// View returns the current screen state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		Messages: append([]model.Message(nil), c.messages...),
		Banner:   c.bannerLocked(),
		Error:    c.lastErr,
	}
	if c.selected != nil {
		cp := *c.selected
		v.Selected = &cp
	}
	return v
}

// Banner returns the consultation banner for the current conversation.
func (c *Controller) Banner() Banner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bannerLocked()
}

func (c *Controller) bannerLocked() Banner {
	if c.selected == nil {
		if c.noneRedirect != "" {
			return Banner{State: consultation.None, Text: c.noneMessage, CTA: CTABook, CTATarget: c.noneRedirect}
		}
		return Banner{State: consultation.None, Text: "Select a conversation to start messaging."}
	}
	return BannerFor(c.selected, c.viewer.UserID(), c.now())
}

// BannerFor renders the banner for conv as seen by self at now.
func BannerFor(conv *model.Conversation, self int64, now time.Time) Banner {
	cs := conv.ConsultationStatus
	b := Banner{State: consultation.StateOf(cs, now)}
	if cs != nil {
		b.StartTime, b.EndTime = cs.StartTime, cs.EndTime
	}
	var expert int64
	if p := conv.OtherParticipant(self); p != nil {
		expert = p.ID
	}

	switch b.State {
	case consultation.Active:
		b.InputEnabled = true
		b.Text = "Consultation active."
		if b.EndTime != nil {
			b.Text = "Consultation active until " + b.EndTime.Format(timeLayout) + "."
		}
	case consultation.Scheduled:
		b.Text = "Consultation scheduled."
		if b.StartTime != nil {
			b.Text = "Consultation starts at " + b.StartTime.Format(timeLayout) + ". Messaging opens then."
		}
	case consultation.Expired:
		b.Text = "This consultation has ended."
		b.CTA, b.CTATarget = CTARebook, consultPath(expert)
	default:
		b.Text = noConsultationText
		if cs != nil && cs.Message != "" {
			b.Text = cs.Message
		}
		b.CTA, b.CTATarget = CTABook, consultPath(expert)
	}
	return b
}
