package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"wx-dispatch/internal/config"
	"wx-dispatch/internal/integrations/metno"
	"wx-dispatch/internal/integrations/openweather"
	"wx-dispatch/internal/integrations/paramstore"
	"wx-dispatch/internal/integrations/telegram"
	"wx-dispatch/internal/lookup"
	"wx-dispatch/internal/relay"
	"wx-dispatch/internal/repository"
	"wx-dispatch/internal/usecase"
)

const (
	telegramTokenParam  = "telegram-token"
	openWeatherKeyParam = "openweather-token"
	webhookSecretParam  = "webhook-secret"
)

// Secret resolves a credential at call time.
type Secret interface {
	Token(ctx context.Context) (string, error)
}

// App is the wired object graph shared by the webhook and polling
// deployments.
type App struct {
	Telegram *telegram.Client
	Relay    *relay.Relay
	// WebhookSecret is nil when neither WEBHOOK_SECRET nor PARAM_PREFIX is set.
	WebhookSecret Secret

	closers []func() error
}

// Build constructs every component from cfg. AWS configuration is loaded only
// when the store or a secret needs it.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}

	var params paramstore.Getter
	var dynamo *awsdynamodb.Client
	if cfg.NeedsAWS() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		if cfg.ParamPrefix != "" {
			ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, fmt.Errorf("create SSM client: %w", err)
			}
			params = ps
		}
		if cfg.StoreBackend == config.BackendDynamoDB {
			dynamo = awsdynamodb.NewFromConfig(awsCfg)
		}
	}

	// ---- Secrets ----
	tgToken, err := secret(params, cfg, cfg.TelegramToken, telegramTokenParam)
	if err != nil {
		return nil, err
	}
	owmKey, err := secret(params, cfg, cfg.OpenWeatherKey, openWeatherKeyParam)
	if err != nil {
		return nil, err
	}
	if cfg.WebhookSecret != "" || params != nil {
		if a.WebhookSecret, err = secret(params, cfg, cfg.WebhookSecret, webhookSecretParam); err != nil {
			return nil, err
		}
	}

	// ---- Store ----
	var store usecase.Store
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		c, err := repository.New(dynamo, cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("create state client: %w", err)
		}
		store = c
	case config.BackendSQLite:
		s, err := repository.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		store = s
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	// ---- Upstream clients ----
	owm, err := openweather.NewClient(owmKey)
	if err != nil {
		return nil, a.fail(fmt.Errorf("create geocoding client: %w", err))
	}
	met, err := metno.NewClient(cfg.WeatherUserAgent)
	if err != nil {
		return nil, a.fail(fmt.Errorf("create weather client: %w", err))
	}
	a.Telegram, err = telegram.NewClient(tgToken)
	if err != nil {
		return nil, a.fail(fmt.Errorf("create telegram client: %w", err))
	}

	// ---- Dispatch ----
	coordinator, err := lookup.New(owm, met,
		lookup.NewLimiter(1, 1), lookup.NewLimiter(1, 1),
		lookup.WithTimeout(cfg.UpstreamTimeout),
		lookup.WithMaxWait(cfg.RateLimitMaxWait),
	)
	if err != nil {
		return nil, a.fail(fmt.Errorf("create lookup coordinator: %w", err))
	}
	dispatcher, err := usecase.NewDispatcher(store, coordinator)
	if err != nil {
		return nil, a.fail(fmt.Errorf("create dispatcher: %w", err))
	}
	a.Relay, err = relay.New(dispatcher, a.Telegram, slog.Default())
	if err != nil {
		return nil, a.fail(fmt.Errorf("create relay: %w", err))
	}
	return a, nil
}

// Close releases resources held by the store.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func (a *App) fail(err error) error {
	return errors.Join(err, a.Close())
}

func secret(params paramstore.Getter, cfg *config.Config, static, name string) (Secret, error) {
	if static != "" {
		return paramstore.Static(static), nil
	}
	if params == nil {
		return nil, fmt.Errorf("no value for secret %q: set it in the environment or configure PARAM_PREFIX", name)
	}
	ts, err := paramstore.NewTokenSource(params, cfg.Parameter(name))
	if err != nil {
		return nil, fmt.Errorf("create token source %q: %w", name, err)
	}
	return ts, nil
}
