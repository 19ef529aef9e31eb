package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"saas-fulfillment/internal/config"
	"saas-fulfillment/internal/models"

	brevo "github.com/getbrevo/brevo-go/lib"
)

var _ Sink = (*BrevoNotifier)(nil)

// BrevoNotifier emails the purchaser and the plan's configured recipients
// through Brevo transactional email.
type BrevoNotifier struct {
	client    *brevo.APIClient
	catalog   PlanCatalog
	fromEmail string
	fromName  string
	timeout   time.Duration
}

// NewBrevoNotifier creates the email sink. basePath overrides the Brevo API
// endpoint when not empty.
func NewBrevoNotifier(cfg config.NotificationConfig, catalog PlanCatalog, basePath string) *BrevoNotifier {
	bc := brevo.NewConfiguration()
	bc.AddDefaultHeader("api-key", cfg.BrevoAPIKey)
	bc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	if basePath != "" {
		bc.BasePath = basePath
	}
	return &BrevoNotifier{
		client:    brevo.NewAPIClient(bc),
		catalog:   catalog,
		fromEmail: cfg.BrevoFromEmail,
		fromName:  cfg.BrevoFromName,
		timeout:   cfg.Timeout,
	}
}

func (n *BrevoNotifier) Name() string { return "email" }

// Send mails the transition. Transitions without recipients are skipped.
func (n *BrevoNotifier) Send(ctx context.Context, t models.Transition) error {
	recipients := n.recipients(ctx, t)
	if len(recipients) == 0 {
		return nil
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	to := make([]brevo.SendSmtpEmailTo, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, brevo.SendSmtpEmailTo{Email: r})
	}
	subject, html, text := renderTransitionEmail(t)

	_, resp, err := n.client.TransactionalEmailsApi.SendTransacEmail(ctx, brevo.SendSmtpEmail{
		Sender:      &brevo.SendSmtpEmailSender{Name: n.fromName, Email: n.fromEmail},
		To:          to,
		Subject:     subject,
		HtmlContent: html,
		TextContent: text,
		Tags:        []string{"subscription", string(t.Action)},
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("brevo send for %s failed (status %d): %w", t.ExternalID, status, err)
	}
	return nil
}

func (n *BrevoNotifier) recipients(ctx context.Context, t models.Transition) []string {
	seen := map[string]bool{}
	var out []string
	add := func(email string) {
		email = strings.TrimSpace(email)
		if email != "" && !seen[strings.ToLower(email)] {
			seen[strings.ToLower(email)] = true
			out = append(out, email)
		}
	}
	add(t.PurchaserEmail)
	if n.catalog != nil && t.PlanID != "" {
		extra, err := n.catalog.NotifyEmails(ctx, t.PlanID, t.Action)
		if err == nil {
			for _, e := range extra {
				add(e)
			}
		}
	}
	return out
}

func renderTransitionEmail(t models.Transition) (subject, html, text string) {
	subject = fmt.Sprintf("Subscription %s: %s", t.ExternalID, t.NewState)
	text = fmt.Sprintf("Subscription %s (offer %s, plan %s, quantity %d) changed from %s to %s after %s.",
		t.ExternalID, t.OfferID, t.PlanID, t.Quantity, displayState(t.OldState), t.NewState, t.Action)
	html = fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
	<h2 style="color: #333;">Subscription update</h2>
	<p>Subscription <strong>%s</strong> is now <strong>%s</strong>.</p>
	<table style="color: #666; font-size: 14px;">
		<tr><td>Offer</td><td>%s</td></tr>
		<tr><td>Plan</td><td>%s</td></tr>
		<tr><td>Quantity</td><td>%d</td></tr>
		<tr><td>Previous state</td><td>%s</td></tr>
		<tr><td>Action</td><td>%s</td></tr>
	</table>
</body>
</html>`, t.ExternalID, t.NewState, t.OfferID, t.PlanID, t.Quantity, displayState(t.OldState), t.Action)
	return subject, html, text
}

func displayState(s models.State) string {
	if s == "" {
		return "new"
	}
	return string(s)
}
