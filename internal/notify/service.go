package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/wolfman30/crm-trigger-engine/internal/tenant"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// SettingsSource supplies the operator addresses of a tenant.
type SettingsSource interface {
	Get(ctx context.Context, tenantID string) (*tenant.Settings, error)
}

// QueueNotice describes a message routed to the human queue.
type QueueNotice struct {
	TenantID        string
	QueueItemID     string
	QueueType       string
	Priority        int
	ConversationID  string
	ContactName     string
	ContactPhone    string
	OriginalMessage string
	Reason          string
}

// Service e-mails operators about queue items.
type Service struct {
	email    EmailSender
	settings SettingsSource
	logger   *logging.Logger
}

func NewService(email EmailSender, settings SettingsSource, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{email: email, settings: settings, logger: logger}
}

// NotifyQueueItem mails every address in the tenant's NotifyEmails. Tenants
// without addresses are skipped.
func (s *Service) NotifyQueueItem(ctx context.Context, n QueueNotice) error {
	if s.email == nil || s.settings == nil {
		return nil
	}
	settings, err := s.settings.Get(ctx, n.TenantID)
	if err != nil {
		return fmt.Errorf("notify: load tenant settings: %w", err)
	}
	if len(settings.NotifyEmails) == 0 {
		return nil
	}

	msg := EmailMessage{Subject: queueSubject(n), Body: queueText(n), HTML: queueHTML(n)}
	var errs []error
	for _, recipient := range settings.NotifyEmails {
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			continue
		}
		msg.To = recipient
		if err := s.email.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d notification(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func contactLabel(n QueueNotice) string {
	if n.ContactName != "" {
		return fmt.Sprintf("%s (%s)", n.ContactName, n.ContactPhone)
	}
	return n.ContactPhone
}

func queueSubject(n QueueNotice) string {
	switch n.QueueType {
	case "escalated":
		return "Eskalation: " + contactLabel(n)
	case "outside_hours":
		return "Nachricht außerhalb der Öffnungszeiten: " + contactLabel(n)
	}
	return "Neue Nachricht: " + contactLabel(n)
}

func queueText(n QueueNotice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Kontakt: %s\n", contactLabel(n))
	if n.Reason != "" {
		fmt.Fprintf(&b, "Grund: %s\n", n.Reason)
	}
	fmt.Fprintf(&b, "Nachricht: %s\n", truncate(n.OriginalMessage, 500))
	fmt.Fprintf(&b, "Queue-Eintrag: %s\n", n.QueueItemID)
	return b.String()
}

func queueHTML(n QueueNotice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p><strong>Kontakt:</strong> %s</p>", html.EscapeString(contactLabel(n)))
	if n.Reason != "" {
		fmt.Fprintf(&b, "<p><strong>Grund:</strong> %s</p>", html.EscapeString(n.Reason))
	}
	fmt.Fprintf(&b, "<blockquote>%s</blockquote>", html.EscapeString(truncate(n.OriginalMessage, 500)))
	return b.String()
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
