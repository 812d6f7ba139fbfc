package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/crm-trigger-engine/internal/config"
	"github.com/wolfman30/crm-trigger-engine/internal/notify"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// BuildEmailSender picks the operator e-mail transport: SendGrid when an API
// key is set, then SES, then a stub that only logs.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil {
		return notify.NewStubEmailSender(logger)
	}
	if strings.TrimSpace(cfg.SendGridAPIKey) != "" {
		if sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sender != nil {
			logger.Info("operator email via sendgrid")
			return sender
		}
	}
	if awsCfg != nil && strings.TrimSpace(cfg.SESFromEmail) != "" {
		if sender := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SESFromName,
		}, logger); sender != nil {
			logger.Info("operator email via ses")
			return sender
		}
	}
	logger.Warn("no email provider configured; queue notifications are logged only")
	return notify.NewStubEmailSender(logger)
}
