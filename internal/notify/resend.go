package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/resend/resend-go/v2"
)

// ResendNotifier sends email notifications via Resend API
type ResendNotifier struct {
	client      *resend.Client
	fromAddress string
	now         func() time.Time
}

// NewResendNotifier creates a new Resend email notifier. It returns nil when
// no API key is set.
func NewResendNotifier(apiKey, from string) *ResendNotifier {
	if apiKey == "" {
		return nil
	}
	return &ResendNotifier{
		client:      resend.NewClient(apiKey),
		fromAddress: from,
		now:         time.Now,
	}
}

// IsConfigured returns true if the notifier has server-side config
func (r *ResendNotifier) IsConfigured() bool {
	return r != nil && r.client != nil && r.fromAddress != ""
}

// Send emails a summary of the change to recipient
func (r *ResendNotifier) Send(ctx context.Context, change *Change, recipient string) error {
	if recipient == "" {
		return fmt.Errorf("no recipient specified")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &resend.SendEmailRequest{
		From:    r.fromAddress,
		To:      []string{recipient},
		Subject: subjectFor(change),
		Html:    r.formatEmailHTML(change),
	}

	if _, err := r.client.Emails.Send(params); err != nil {
		return fmt.Errorf("resend send failed: %w", err)
	}
	return nil
}

// Name returns the notifier name
func (r *ResendNotifier) Name() string {
	return "resend"
}

func subjectFor(change *Change) string {
	switch change.Kind {
	case ChangeUpdated:
		return fmt.Sprintf("Event updated: %s", change.Summary)
	case ChangeDeleted:
		return fmt.Sprintf("Event deleted: %s", change.Summary)
	case ChangeTodo:
		return fmt.Sprintf("To-do created: %s", change.Summary)
	default:
		return fmt.Sprintf("Event created: %s", change.Summary)
	}
}

func badgeFor(kind ChangeKind) (label, color string) {
	switch kind {
	case ChangeUpdated:
		return "Updated", "#ffc107"
	case ChangeDeleted:
		return "Deleted", "#dc3545"
	case ChangeTodo:
		return "To-do", "#6f42c1"
	default:
		return "Created", "#28a745"
	}
}

func (r *ResendNotifier) formatEmailHTML(change *Change) string {
	label, color := badgeFor(change.Kind)

	when := ""
	switch {
	case change.Start != "" && change.End != "":
		when = fmt.Sprintf(`<p style="margin: 8px 0;"><strong>When:</strong> %s to %s</p>`,
			html.EscapeString(change.Start), html.EscapeString(change.End))
	case change.Start != "":
		when = fmt.Sprintf(`<p style="margin: 8px 0;"><strong>When:</strong> %s</p>`, html.EscapeString(change.Start))
	}

	eventID := ""
	if change.EventID != "" {
		eventID = fmt.Sprintf(`<p style="margin: 8px 0; color: #666;">Event id: %s</p>`, html.EscapeString(change.EventID))
	}

	return fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
</head>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="margin-bottom: 16px;">
    <span style="background-color: %s; color: white; padding: 4px 12px; border-radius: 4px; font-size: 12px; font-weight: 600;">%s</span>
  </div>
  <h2 style="margin: 0 0 16px 0; color: #333;">%s</h2>
  %s
  %s
  <hr style="margin-top: 32px; border: none; border-top: 1px solid #eee;">
  <p style="color: #999; font-size: 12px;">MagicCat calendar assistant<br>Sent at %s</p>
</body>
</html>`,
		color,
		label,
		html.EscapeString(change.Summary),
		when,
		eventID,
		r.now().Format("Jan 2, 2006 3:04 PM"),
	)
}
