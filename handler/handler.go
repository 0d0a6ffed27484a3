package handler

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"wx-dispatch/internal/domain"
	"wx-dispatch/internal/integrations/telegram"
	"wx-dispatch/internal/metrics"
	"wx-dispatch/internal/relay"
)

const (
	secretHeader      = "X-Telegram-Bot-Api-Secret-Token"
	correlationHeader = "X-Correlation-Id"

	errUnauthorized  = "UNAUTHORIZED"
	errInvalidUpdate = "INVALID_UPDATE"
	errInternal      = "INTERNAL_ERROR"
)

// Processor runs a single inbound event through dispatch and delivery.
type Processor interface {
	Process(ctx context.Context, ev domain.InboundEvent) error
}

// SecretSource supplies the webhook secret configured with setWebhook.
type SecretSource interface {
	Token(ctx context.Context) (string, error)
}

type Handler struct {
	processor Processor
	secret    SecretSource
	logger    *slog.Logger
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(p Processor, secret SecretSource) (*Handler, error) {
	if p == nil {
		return nil, errors.New("handler: processor must not be nil")
	}
	if secret == nil {
		return nil, errors.New("handler: secret source must not be nil")
	}
	return &Handler{
		processor: p,
		secret:    secret,
		logger:    slog.Default().With("component", "handler"),
	}, nil
}

// Handle receives a Telegram webhook call. Accepted updates are always
// answered with 200, even when dispatch fails, since a retried update is
// skipped as a duplicate anyway.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := header(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", corrID)

	want, err := h.secret.Token(ctx)
	if err != nil {
		logger.Error("failed to load webhook secret", "err", err)
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: errInternal}), nil
	}
	got := header(req.Headers, secretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		logger.Warn("rejecting webhook call with bad secret")
		return jsonResponse(http.StatusUnauthorized, corrID, errorResponse{Error: errUnauthorized}), nil
	}

	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: errInvalidUpdate}), nil
		}
		body = string(raw)
	}
	var update telegram.Update
	if err := json.Unmarshal([]byte(body), &update); err != nil {
		logger.Warn("invalid update body", "err", err)
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: errInvalidUpdate}), nil
	}
	metrics.UpdatesReceived.WithLabelValues("webhook").Inc()

	ev, ok := update.Event()
	if !ok {
		logger.Info("ignoring update without message", "update_id", update.UpdateID)
		return jsonResponse(http.StatusOK, corrID, okResponse{OK: true}), nil
	}

	// Errors are logged by the relay.
	_ = h.processor.Process(relay.WithCorrelationID(ctx, corrID), ev)
	return jsonResponse(http.StatusOK, corrID, okResponse{OK: true}), nil
}

func jsonResponse(status int, corrID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{"error":"` + errInternal + `"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}

// header looks up a header case-insensitively; API Gateway preserves the
// client's casing.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
