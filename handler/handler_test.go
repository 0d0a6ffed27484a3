package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"wx-dispatch/internal/domain"
	"wx-dispatch/internal/integrations/paramstore"
	"wx-dispatch/internal/relay"
)

type stubProcessor struct {
	got    []domain.InboundEvent
	corrID string
	err    error
}

func (s *stubProcessor) Process(ctx context.Context, ev domain.InboundEvent) error {
	s.got = append(s.got, ev)
	s.corrID = relay.CorrelationID(ctx)
	return s.err
}

type failingSecret struct{}

func (failingSecret) Token(context.Context) (string, error) { return "", errors.New("ssm unavailable") }

const startUpdate = `{"update_id":10,"message":{"message_id":5,"date":1760000000,"chat":{"id":42,"type":"private","first_name":"Ada"},"text":"/start"}}`

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/telegram",
		Headers: map[string]string{
			"Content-Type": "application/json",
			secretHeader:   "hook-secret",
		},
		Body: body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, p Processor) *Handler {
	t.Helper()
	h, err := NewHandler(p, paramstore.Static("hook-secret"))
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, paramstore.Static("x"))
	require.Error(t, err)
	_, err = NewHandler(&stubProcessor{}, nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	p := &stubProcessor{}
	resp, err := newTestHandler(t, p).Handle(context.Background(), makeEvent(startUpdate))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, parseBody[okResponse](t, resp.Body).OK)
	require.NotEmpty(t, resp.Headers[correlationHeader])

	require.Len(t, p.got, 1)
	require.Equal(t, int64(42), p.got[0].ChatID)
	require.Equal(t, int64(5), p.got[0].EventID)
	require.Equal(t, "/start", p.got[0].Text)
	require.Equal(t, resp.Headers[correlationHeader], p.corrID)
}

func TestHandle_RejectsBadSecret(t *testing.T) {
	cases := map[string]map[string]string{
		"missing": {"Content-Type": "application/json"},
		"wrong":   {secretHeader: "nope"},
	}
	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			p := &stubProcessor{}
			ev := makeEvent(startUpdate)
			ev.Headers = headers
			resp, err := newTestHandler(t, p).Handle(context.Background(), ev)
			require.NoError(t, err)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.Equal(t, errUnauthorized, parseBody[errorResponse](t, resp.Body).Error)
			require.Empty(t, p.got)
		})
	}
}

func TestHandle_SecretHeaderCaseInsensitive(t *testing.T) {
	p := &stubProcessor{}
	ev := makeEvent(startUpdate)
	delete(ev.Headers, secretHeader)
	ev.Headers["x-telegram-bot-api-secret-token"] = "hook-secret"
	resp, err := newTestHandler(t, p).Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_SecretUnavailable(t *testing.T) {
	h, err := NewHandler(&stubProcessor{}, failingSecret{})
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), makeEvent(startUpdate))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, errInternal, parseBody[errorResponse](t, resp.Body).Error)
}

func TestHandle_InvalidBody(t *testing.T) {
	p := &stubProcessor{}
	resp, err := newTestHandler(t, p).Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, errInvalidUpdate, parseBody[errorResponse](t, resp.Body).Error)
	require.Empty(t, p.got)
}

func TestHandle_Base64Body(t *testing.T) {
	p := &stubProcessor{}
	ev := makeEvent(base64.StdEncoding.EncodeToString([]byte(startUpdate)))
	ev.IsBase64Encoded = true
	resp, err := newTestHandler(t, p).Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, p.got, 1)
}

func TestHandle_IgnoresUpdateWithoutMessage(t *testing.T) {
	p := &stubProcessor{}
	resp, err := newTestHandler(t, p).Handle(context.Background(), makeEvent(`{"update_id":11}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, p.got)
}

func TestHandle_DispatchErrorStillAcknowledged(t *testing.T) {
	p := &stubProcessor{err: errors.New("store down")}
	resp, err := newTestHandler(t, p).Handle(context.Background(), makeEvent(startUpdate))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	p := &stubProcessor{}
	ev := makeEvent(startUpdate)
	ev.Headers["x-correlation-id"] = "corr-123"
	resp, err := newTestHandler(t, p).Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers[correlationHeader])
	require.Equal(t, "corr-123", p.corrID)
}
