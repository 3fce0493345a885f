package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/google/uuid"
	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// Sender is the slice of the Resend client used here.
type Sender interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type LinkGenerator interface {
	GenerateMagicLink(ctx context.Context, email, redirectTo string) (string, error)
}

// Welcomer mails newly provisioned subscribers a one-time sign-in link.
type Welcomer struct {
	emails      Sender
	links       LinkGenerator
	from        string
	redirectURL string
	log         *zap.Logger
}

func NewWelcomer(apiKey, from, redirectURL string, links LinkGenerator, log *zap.Logger) *Welcomer {
	return NewWelcomerWithSender(resend.NewClient(apiKey).Emails, from, redirectURL, links, log)
}

func NewWelcomerWithSender(emails Sender, from, redirectURL string, links LinkGenerator, log *zap.Logger) *Welcomer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Welcomer{
		emails:      emails,
		links:       links,
		from:        from,
		redirectURL: redirectURL,
		log:         log.With(zap.String("component", "email")),
	}
}

var welcomeHTML = template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, BlinkMacSystemFont, sans-serif;">
  <h2>Welcome to Kinvest</h2>
  <p>Your subscription is active. Use the button below to sign in to your dashboard.</p>
  <p><a href="{{.Link}}" style="background:#111827;color:#fff;padding:12px 20px;border-radius:6px;text-decoration:none;">Open my dashboard</a></p>
  <p style="color:#6b7280;font-size:13px;">This link can be used once. If it expired, request a new one from the login page.</p>
</body>
</html>`))

func (w *Welcomer) Welcome(ctx context.Context, to string) error {
	link, err := w.links.GenerateMagicLink(ctx, to, w.redirectURL)
	if err != nil {
		return fmt.Errorf("welcome %s: %w", to, err)
	}

	var html bytes.Buffer
	if err := welcomeHTML.Execute(&html, struct{ Link string }{link}); err != nil {
		return fmt.Errorf("render welcome email: %w", err)
	}

	sent, err := w.emails.Send(&resend.SendEmailRequest{
		From:    w.from,
		To:      []string{to},
		Subject: "Welcome to Kinvest",
		Html:    html.String(),
		Text:    "Welcome to Kinvest. Sign in to your dashboard: " + link,
		Headers: map[string]string{"X-Entity-Ref-ID": uuid.NewString()},
		Tags:    []resend.Tag{{Name: "category", Value: "welcome"}},
	})
	if err != nil {
		return fmt.Errorf("send welcome email: %w", err)
	}

	w.log.Info("welcome email sent", zap.String("email_id", sent.Id), zap.String("to", to))
	return nil
}
