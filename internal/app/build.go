package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/bridge"
	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/httpapi"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/profile"
	"github.com/ent0n29/callbridge/internal/protocol/realtime"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/twilio"
)

const sessionJanitorInterval = 30 * time.Second

type BuildResult struct {
	Config   config.Config
	Logger   *zap.Logger
	API      *httpapi.Server
	Bridge   *bridge.Bridge
	Sessions session.Store
	Ledger   calllog.Store
	Twilio   *twilio.Client
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	// Cleanup should be called on shutdown to release external resources (Redis, Postgres).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	sessions, err := session.NewStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	if mem, ok := sessions.(*session.MemoryStore); ok {
		mem.StartJanitor(ctx, sessionJanitorInterval)
		logger.Warn("REDIS_URL not set, caching sessions in process memory")
	}

	ledger, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("call ledger init failed: %w", err)
	}

	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		logger.Warn("OPENAI_API_KEY not set, media streams will fail to reach the realtime API")
	}
	callBridge := bridge.New(bridge.Deps{
		Config: bridge.Config{
			PingInterval:  cfg.TelephonyPingInterval,
			LookupTimeout: cfg.SessionLookupTimeout,
			DialTimeout:   cfg.RealtimeDialTimeout,
			Defaults: realtime.Defaults{
				Instructions: cfg.RealtimeInstructions,
				Voice:        cfg.RealtimeVoice,
				Temperature:  cfg.RealtimeTemperature,
			},
		},
		Store:   sessions,
		Dialer:  bridge.NewRealtimeDialer(cfg.RealtimeURL, cfg.OpenAIAPIKey, cfg.RealtimeDialTimeout),
		Ledger:  ledger,
		Metrics: metrics,
		Logger:  logger.Named("bridge"),
	})

	twilioClient := twilio.NewClient(twilio.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		APIBaseURL: cfg.TwilioAPIBaseURL,
	})

	deps := httpapi.Deps{
		Sessions: sessions,
		Bridge:   callBridge,
		Calls:    twilioClient,
		Ledger:   ledger,
		Metrics:  metrics,
		Gatherer: registry,
		Logger:   logger.Named("http"),
	}
	if url := strings.TrimSpace(cfg.ProfileServiceURL); url != "" {
		deps.Profiles = profile.NewClient(url, 0)
	}
	api := httpapi.New(cfg, deps)

	cleanup := func() error {
		var errs []string
		if err := ledger.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := sessions.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		Logger:   logger,
		API:      api,
		Bridge:   callBridge,
		Sessions: sessions,
		Ledger:   ledger,
		Twilio:   twilioClient,
		Metrics:  metrics,
		Registry: registry,
		Cleanup:  cleanup,
	}, nil
}
