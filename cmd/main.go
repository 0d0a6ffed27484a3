package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"wx-dispatch/handler"
	"wx-dispatch/internal/app"
	"wx-dispatch/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(os.Stdout, cfg.LogLevel, true))

	// ---- Clients ----
	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build application", "err", err)
		os.Exit(1)
	}
	if a.WebhookSecret == nil {
		slog.Error("webhook deployment requires WEBHOOK_SECRET or PARAM_PREFIX")
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(a.Relay, a.WebhookSecret)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
