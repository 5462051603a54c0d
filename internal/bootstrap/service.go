// Package bootstrap assembles the service from configuration: store, graph
// client, retry policy, sagas, dispatcher, orchestrator and the HTTP server.
package bootstrap

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/api"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/archive"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/config"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/dispatch"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/graph"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/orchestrator"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/policy"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/registration"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/retry"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/saga"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/secrets"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/state"
)

// Service bundles the wired components a main() needs.
type Service struct {
	Config       config.Config
	Store        state.Store
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *dispatch.Dispatcher
	Handler      http.Handler
}

func NewServiceFromEnv(log zerolog.Logger) (*Service, error) {
	cfg := config.FromEnv()

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	classifier, err := policy.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load classifier policy: %w", err)
	}

	cipher, err := secrets.NewCipherFromEnv()
	if err != nil {
		return nil, fmt.Errorf("credential cipher: %w", err)
	}

	client := graph.NewHTTPClient(cfg.GraphBaseURL, cfg.GraphAppID, cfg.GraphAppSecret, 0)

	exec := retry.NewExecutor(classifier, retry.Options{
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay,
		RateLimitBase: cfg.RateLimitBase,
		MaxDelay:      cfg.MaxDelay,
	}, log)

	phones := registration.New(store, client, exec, classifier, cfg.MaxPerWABA, log)
	runner := saga.NewRunner(store, client, exec, classifier, cipher, phones, log)
	dispatcher := dispatch.New(store, runner, dispatch.Options{
		Workers:      cfg.Workers,
		QueueSize:    cfg.QueueSize,
		EventWorkers: cfg.EventWorkers,
	}, log)

	var archiver *archive.Archiver
	if cfg.ArchiveEnabled {
		archiver, err = archive.New(store, archive.Options{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
			After:     cfg.ArchiveAfter,
			BatchSize: cfg.ArchiveBatchSize,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("archive backend: %w", err)
		}
	}

	orch := orchestrator.New(store, dispatcher, archiver, orchestrator.Options{
		RetryLimit:       cfg.RetryLimit,
		StuckThreshold:   cfg.StuckThreshold,
		MaintenanceEvery: cfg.MaintenanceEvery,
	}, log)

	server := api.NewServer(orch, store, phones, cipher, dispatcher, api.Options{
		APITokens:          cfg.APITokens,
		RateLimitRPM:       cfg.RateLimitRPM,
		WebhookVerifyToken: cfg.WebhookVerifyToken,
		RetryLimit:         cfg.RetryLimit,
	})

	return &Service{
		Config:       cfg,
		Store:        store,
		Orchestrator: orch,
		Dispatcher:   dispatcher,
		Handler:      server.Handler(),
	}, nil
}

func newStore(cfg config.Config) (state.Store, error) {
	switch cfg.StoreType {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("WABA_POSTGRES_DSN is required when WABA_STORE=postgres")
		}
		return state.NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported WABA_STORE value %q", cfg.StoreType)
	}
}
