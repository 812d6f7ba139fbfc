package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/crm-trigger-engine/internal/api/router"
	"github.com/wolfman30/crm-trigger-engine/internal/archive"
	appconfig "github.com/wolfman30/crm-trigger-engine/internal/config"
	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/events"
	"github.com/wolfman30/crm-trigger-engine/internal/gateway"
	"github.com/wolfman30/crm-trigger-engine/internal/ingest"
	"github.com/wolfman30/crm-trigger-engine/internal/llm"
	"github.com/wolfman30/crm-trigger-engine/internal/notify"
	"github.com/wolfman30/crm-trigger-engine/internal/observability/metrics"
	"github.com/wolfman30/crm-trigger-engine/internal/queue"
	"github.com/wolfman30/crm-trigger-engine/internal/templates"
	"github.com/wolfman30/crm-trigger-engine/internal/tenant"
	"github.com/wolfman30/crm-trigger-engine/internal/triggers"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// Infra carries the external clients a process has opened.
type Infra struct {
	// Pool backs every Postgres store; *pgxpool.Pool satisfies it.
	Pool  triggers.PgxPool
	Redis *redis.Client
	// AWS enables SQS, S3, SES and Bedrock integrations when set.
	AWS      *aws.Config
	Registry *prometheus.Registry
	// Sender and LLM override the clients built from config.
	Sender gateway.Sender
	LLM    llm.Client
}

// Services is the wired engine shared by the API server, the poller and the
// cron lambda.
type Services struct {
	Registry      *crm.Registry
	Triggers      *triggers.PostgresStore
	Integrations  *triggers.PostgresIntegrationStore
	Matcher       *triggers.Matcher
	Provisioner   *triggers.Provisioner
	TestMode      *triggers.TestMode
	Audit         *events.AuditStore
	Conversations *conversation.PostgresStore
	Agents        *conversation.AgentStore
	Initiator     *conversation.Initiator
	Engine        *conversation.Engine
	Queue         *queue.Router
	Settings      *tenant.Store
	Pipeline      *ingest.Pipeline
	Poller        *ingest.Poller
	Metrics       *metrics.EngineMetrics

	cfg            *appconfig.Config
	logger         *logging.Logger
	metricsHandler http.Handler
}

// Build wires every component from config. Postgres and Redis are
// required; AWS-backed integrations are skipped when infra.AWS is nil.
func Build(ctx context.Context, cfg *appconfig.Config, infra Infra, logger *logging.Logger) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if infra.Pool == nil {
		return nil, fmt.Errorf("bootstrap: postgres pool is required")
	}
	if infra.Redis == nil {
		return nil, fmt.Errorf("bootstrap: redis client is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	reg := infra.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	sender := infra.Sender
	if sender == nil {
		client, err := gateway.New(gateway.Config{
			BaseURL:    cfg.GatewayBaseURL,
			APIKey:     cfg.GatewayAPIKey,
			Timeout:    cfg.GatewayTimeout,
			MaxRetries: 2,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: messaging gateway: %w", err)
		}
		sender = client
	}

	completion := infra.LLM
	model := ""
	if completion == nil {
		var err error
		completion, model, err = BuildLLMClient(ctx, cfg, infra.AWS, logger)
		if err != nil {
			return nil, err
		}
	}

	s := &Services{
		cfg:            cfg,
		logger:         logger,
		Metrics:        metrics.NewEngineMetrics(reg),
		metricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	s.Registry = crm.NewDefaultRegistry(crm.ClientConfig{
		Timeout:         cfg.CRMHTTPTimeout,
		RateLimit:       cfg.CRMRateLimitRPS,
		BreakerFailures: uint32(max(cfg.CRMBreakerFailures, 0)),
	}, logger)

	renderer := templates.Renderer{}
	publisher := buildPublisher(cfg, infra.AWS, logger)

	s.Triggers = triggers.NewPostgresStore(infra.Pool)
	s.Integrations = triggers.NewPostgresIntegrationStore(infra.Pool)
	s.Audit = events.NewAuditStore(infra.Pool)
	s.Conversations = conversation.NewPostgresStore(infra.Pool)
	s.Agents = conversation.NewAgentStore(infra.Pool)
	s.Settings = tenant.NewStore(infra.Redis, cfg.DefaultTimezone)
	locker := conversation.NewRedisLocker(infra.Redis, cfg.ContactLockTTL, 0)

	s.Matcher = triggers.NewMatcher(s.Triggers, s.Registry)
	s.Provisioner = triggers.NewProvisioner(s.Triggers, s.Integrations, s.Registry, cfg.PublicBaseURL, logger)
	s.TestMode = triggers.NewTestMode(s.Triggers, s.Audit,
		triggers.WithTestModeDuration(cfg.TestModeDuration),
		triggers.WithTemplateSource(s.Agents),
		triggers.WithPreviewRenderer(renderer),
	)

	s.Initiator = conversation.NewInitiator(s.Conversations, s.Agents, sender, locker, logger,
		conversation.WithRenderer(renderer),
		conversation.WithPublisher(publisher),
		conversation.WithInitiatorMetrics(s.Metrics),
	)

	emailService := notify.NewService(BuildEmailSender(cfg, infra.AWS, logger), s.Settings, logger)
	s.Queue = queue.NewRouter(queue.NewPostgresStore(infra.Pool), s.Conversations, sender, logger,
		queue.NewEventNotifier(publisher),
		queue.NewEmailNotifier(emailService),
	)
	s.Engine = conversation.NewEngine(conversation.EngineDeps{
		Accounts: conversation.NewAccountStore(infra.Pool),
		Repo:     s.Conversations,
		Agents:   s.Agents,
		Drafter:  conversation.NewResponder(completion, model),
		Sender:   sender,
		Queue:    s.Queue,
		Settings: s.Settings,
		Locker:   locker,
		Metrics:  s.Metrics,
		Logger:   logger,
	})

	pipelineOpts := []ingest.PipelineOption{
		ingest.WithReplayGuard(events.NewProcessedStore(infra.Pool)),
		ingest.WithMetrics(s.Metrics),
	}
	if bucket := strings.TrimSpace(cfg.PayloadArchiveBucket); bucket != "" && infra.AWS != nil {
		pipelineOpts = append(pipelineOpts, ingest.WithArchiver(archive.NewStore(s3.NewFromConfig(*infra.AWS), bucket, logger)))
		logger.Info("failed payload archive enabled", "bucket", bucket)
	}
	s.Pipeline = ingest.NewPipeline(s.Matcher, s.Registry, s.Audit, s.Initiator, logger, pipelineOpts...)
	s.Poller = ingest.NewPoller(s.Triggers, s.Integrations, s.Registry, s.Pipeline, logger,
		ingest.WithLookback(cfg.PollDefaultLookback),
		ingest.WithMaxPages(cfg.PollMaxPages),
		ingest.WithPollerMetrics(s.Metrics),
	)
	return s, nil
}

func buildPublisher(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) events.Publisher {
	if url := strings.TrimSpace(cfg.QueueEventsSQSURL); url != "" && awsCfg != nil {
		logger.Info("queue events published to sqs", "queue_url", url)
		return events.NewSQSPublisher(sqs.NewFromConfig(*awsCfg), url)
	}
	return events.NewLogPublisher(logger)
}

// RouterConfig returns the HTTP surface of the engine.
func (s *Services) RouterConfig(healthChecks map[string]router.HealthCheck) *router.Config {
	return &router.Config{
		Logger:             s.logger,
		Triggers:           triggers.NewHandler(s.Triggers, s.Integrations, s.Provisioner, s.TestMode, s.Poller, s.logger),
		Conversations:      conversation.NewHandler(s.Conversations, s.logger),
		Queue:              queue.NewHandler(s.Queue, s.logger),
		Settings:           tenant.NewHandler(s.Settings, s.logger),
		CRMWebhooks:        ingest.NewWebhookHandler(s.Pipeline, s.logger),
		Cron:               ingest.NewCronHandler(s.Poller, s.cfg.CronSecret, s.logger),
		GatewayWebhook:     gateway.NewWebhookHandler(s.Engine, s.cfg.GatewayWebhookSecret, s.logger),
		MetricsHandler:     s.metricsHandler,
		HealthChecks:       healthChecks,
		AdminAuthSecret:    s.cfg.AdminJWTSecret,
		CORSAllowedOrigins: s.cfg.CORSAllowedOrigins,
		WebhookRateLimit:   s.cfg.WebhookRateLimitRPS,
	}
}
