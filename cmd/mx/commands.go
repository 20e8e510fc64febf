package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/messaging"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/tier"
)

type command func(ctx context.Context, args []string) error

func (a *app) commands() map[string]command {
	return map[string]command{
		"login":         a.login,
		"logout":        a.logout,
		"whoami":        a.whoami,
		"tier":          a.tier,
		"conversations": a.conversations,
		"open":          a.open,
		"messages":      a.messages,
		"send":          a.send,
		"mark-read":     a.markRead,
		"upgrade":       a.upgrade,
	}
}

var errUsage = errors.New("invalid arguments")

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := a.flags("login")
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "password")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *u == "" || *p == "" {
		return errs.New(errs.KindInvalidInput, "need -u and -p")
	}
	if err := a.sess.Login(ctx, a.api, *u, *p); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Signed in as %s (%s)\n", a.sess.User().Username, tier.DisplayTier(a.sess.TierInfo()))
	return nil
}

func (a *app) logout(context.Context, []string) error {
	if err := a.sess.Logout(); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Signed out")
	return nil
}

func (a *app) whoami(ctx context.Context, _ []string) error {
	if err := a.sess.CheckAuth(ctx, a.api); err != nil {
		return err
	}
	return printJSON(a.out, a.sess.User())
}

func (a *app) tier(ctx context.Context, _ []string) error {
	if err := a.sess.CheckAuth(ctx, a.api); err != nil {
		return err
	}
	ti := a.sess.TierInfo()
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Plan:\t%s\n", tier.DisplayTier(ti))
	fmt.Fprintf(w, "Verified:\t%s\n", yesNo(tier.IsVerified(ti)))
	fmt.Fprintf(w, "Messaging:\t%s\n", yesNo(tier.CanMessage(ti)))
	fmt.Fprintf(w, "Book consultations:\t%s\n", yesNo(tier.CanInitiateConsultation(ti)))
	fmt.Fprintf(w, "Post content:\t%s\n", yesNo(tier.CanPostContent(ti)))
	fmt.Fprintf(w, "Sell items:\t%s\n", yesNo(tier.CanSellItems(ti)))
	if cta := tier.UpgradeCTA(ti); cta != "" {
		fmt.Fprintf(w, "Next:\t%s (mx upgrade -tier %s)\n", cta, tier.NextTier(ti))
	}
	return w.Flush()
}

func (a *app) controller() *messaging.Controller {
	return messaging.New(a.api, a.sess, messaging.Options{Clock: a.now, Logger: a.log})
}

func (a *app) conversations(ctx context.Context, _ []string) error {
	if !a.sess.Authenticated() {
		return errs.ErrNoSession
	}
	convs, err := a.controller().LoadConversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(a.out, "No conversations yet. Open one with `mx open -expert <id>`.")
		return nil
	}
	self := a.sess.UserID()
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWITH\tCONSULTATION\tLAST MESSAGE")
	for i := range convs {
		c := &convs[i]
		with := "?"
		if p := c.OtherParticipant(self); p != nil {
			with = p.Username
		}
		last := ""
		if c.LastMessage != nil {
			last = truncate(c.LastMessage.Content, 40)
		}
		b := messaging.BannerFor(c, self, a.now())
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.ID, with, b.State, last)
	}
	return w.Flush()
}

func (a *app) open(ctx context.Context, args []string) error {
	fs := a.flags("open")
	expert := fs.Int64("expert", 0, "expert user id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if !a.sess.Authenticated() {
		return errs.ErrNoSession
	}
	ctrl := a.controller()
	if _, err := ctrl.LoadConversations(ctx); err != nil {
		return err
	}
	res, err := ctrl.Open(ctx, *expert)
	if err != nil {
		return err
	}
	if res.Conversation != nil {
		fmt.Fprintf(a.out, "Conversation %d\n", res.Conversation.ID)
	}
	a.printBanner(ctrl.Banner())
	return nil
}

// selectConversation loads the list and selects id, refreshing a status whose window has
// passed.
func (a *app) selectConversation(ctx context.Context, id int64) (*messaging.Controller, error) {
	if !a.sess.Authenticated() {
		return nil, errs.ErrNoSession
	}
	ctrl := a.controller()
	if _, err := ctrl.LoadConversations(ctx); err != nil {
		return nil, err
	}
	if _, err := ctrl.Select(id); err != nil {
		return nil, err
	}
	if _, err := ctrl.RefreshIfStale(ctx); err != nil {
		return nil, err
	}
	return ctrl, nil
}

func (a *app) messages(ctx context.Context, args []string) error {
	fs := a.flags("messages")
	conv := fs.Int64("conv", 0, "conversation id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	ctrl, err := a.selectConversation(ctx, *conv)
	if err != nil {
		return err
	}
	msgs, err := ctrl.LoadMessages(ctx)
	if err != nil {
		return err
	}
	a.printBanner(ctrl.Banner())
	self := a.sess.UserID()
	names := participantNames(ctrl.Selected())
	for _, m := range msgs {
		who := names[m.SenderID]
		if m.SenderID == self {
			who = "you"
		}
		line := fmt.Sprintf("[%d] %s %s: %s", m.ID, m.Timestamp.Local().Format("Jan 2 15:04"), who, m.Content)
		if m.Attachment != "" {
			line += " [attachment " + m.Attachment + "]"
		}
		fmt.Fprintln(a.out, strings.TrimRight(line, " "))
	}
	return nil
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := a.flags("send")
	conv := fs.Int64("conv", 0, "conversation id")
	text := fs.String("text", "", "message text")
	file := fs.String("file", "", "attachment path ('-' reads stdin)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	ctrl, err := a.selectConversation(ctx, *conv)
	if err != nil {
		return err
	}
	var att *model.Attachment
	if *file != "" {
		if att, err = readAttachment(*file); err != nil {
			return err
		}
	}
	m, err := ctrl.Send(ctx, *text, att)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Sent message %d\n", m.ID)
	return nil
}

func (a *app) markRead(ctx context.Context, args []string) error {
	fs := a.flags("mark-read")
	id := fs.Int64("id", 0, "message id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *id <= 0 {
		return errs.New(errs.KindInvalidInput, "need -id")
	}
	if !a.sess.Authenticated() {
		return errs.ErrNoSession
	}
	if err := a.controller().MarkRead(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "ok")
	return nil
}

func (a *app) upgrade(ctx context.Context, args []string) error {
	fs := a.flags("upgrade")
	to := fs.String("tier", "", "plus or premium")
	payment := fs.String("payment", "", "payment method")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if !a.sess.Authenticated() {
		return errs.ErrNoSession
	}
	rec, err := a.api.RequestUpgrade(ctx, model.UpgradeRequest{RequestedTier: model.Tier(*to), PaymentMethod: *payment})
	if err != nil {
		return err
	}
	if err := a.sess.ReloadTier(ctx, a.api); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Upgrade request %d %s. Current plan: %s\n", rec.ID, rec.Status, tier.DisplayTier(a.sess.TierInfo()))
	return nil
}

// --- output helpers ---

func (a *app) printBanner(b messaging.Banner) {
	fmt.Fprintf(a.out, "[%s] %s\n", b.State, b.Text)
	if b.CTA != "" {
		fmt.Fprintf(a.out, "%s -> %s\n", b.CTA, b.CTATarget)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func participantNames(c *model.Conversation) map[int64]string {
	names := make(map[int64]string)
	if c == nil {
		return names
	}
	for _, p := range c.Participants {
		names[p.ID] = p.Username
	}
	return names
}

func readAttachment(p string) (*model.Attachment, error) {
	var (
		data []byte
		err  error
		name = filepath.Base(p)
	)
	if p == "-" {
		data, err = io.ReadAll(io.LimitReader(os.Stdin, model.MaxAttachmentSize+1))
		name = "stdin.bin"
	} else {
		data, err = os.ReadFile(p)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "read attachment", err)
	}
	return &model.Attachment{Name: name, ContentType: mime.TypeByExtension(filepath.Ext(name)), Data: data}, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
