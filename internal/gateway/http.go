package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	apperrors "github.com/utafrali/OrderSagaGo/pkg/errors"
	"github.com/utafrali/OrderSagaGo/pkg/httpclient"
)

// CircuitOpenFallback is the circuit breaker fallback for collaborator
// calls. An open circuit surfaces as a structured unavailability instead of
// the raw ErrCircuitOpen.
func CircuitOpenFallback(_ context.Context, _ error) (*http.Response, error) {
	return nil, apperrors.ServiceUnavailable("collaborator is temporarily unavailable, retry later")
}

// HTTPDoer is the interface for executing HTTP requests. Both
// httpclient.Client and httpclient.CircuitBreakerClient satisfy it.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPGateway sends inventory and payment commands over HTTP through the
// retrying client and circuit breaker, and normalizes responses into the
// accepted/rejected/unavailable variant.
type HTTPGateway struct {
	client       HTTPDoer
	logger       *slog.Logger
	inventoryURL string
	paymentURL   string
}

// NewHTTPGateway creates a gateway for the inventory and payment collaborators.
func NewHTTPGateway(client HTTPDoer, inventoryURL, paymentURL string, logger *slog.Logger) *HTTPGateway {
	return &HTTPGateway{
		client:       client,
		logger:       logger,
		inventoryURL: inventoryURL,
		paymentURL:   paymentURL,
	}
}

// commandURL maps a command type to its collaborator endpoint.
func (g *HTTPGateway) commandURL(cmdType string) (string, bool) {
	switch cmdType {
	case CommandReserveStock:
		return g.inventoryURL + "/api/v1/reservations", true
	case CommandReleaseStock:
		return g.inventoryURL + "/api/v1/releases", true
	case CommandChargePayment:
		return g.paymentURL + "/api/v1/charges", true
	case CommandRefundPayment:
		return g.paymentURL + "/api/v1/refunds", true
	default:
		return "", false
	}
}

// Send dispatches the command and classifies the response. 2xx is accepted;
// a collaborator-confirmed 4xx decline is rejected; everything else
// (network error, timeout, open circuit, 5xx) is unavailable.
func (g *HTTPGateway) Send(ctx context.Context, cmd Command) Result {
	url, ok := g.commandURL(cmd.Type)
	if !ok {
		return Unavailable(fmt.Errorf("no endpoint for command type %q", cmd.Type))
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return Unavailable(fmt.Errorf("marshal command: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Unavailable(fmt.Errorf("create command request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", cmd.IdempotencyKey)

	resp, err := g.client.Do(ctx, req)
	if err != nil {
		// Covers network errors, exhausted retries, open circuit and the 5xx
		// responses the circuit breaker converts into errors.
		g.logger.WarnContext(ctx, "command transport failure",
			slog.String("command", cmd.Type),
			slog.String("saga_id", cmd.SagaID),
			slog.String("error", err.Error()),
		)
		return Unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return Unavailable(fmt.Errorf("read command response: %w", err))
		}
		return Accepted(payload)
	}

	// Request timeout and throttling are transient, not declines.
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Unavailable(httpclient.ParseResponseError(resp, serviceFor(cmd.Type)))
	}

	parsed := httpclient.ParseResponseError(resp, serviceFor(cmd.Type))

	// A 4xx from the collaborator is a confirmed business decline.
	var appErr *apperrors.AppError
	if errors.As(parsed, &appErr) {
		if errors.Is(appErr, apperrors.ErrServiceUnavail) {
			return Unavailable(parsed)
		}
		g.logger.InfoContext(ctx, "command rejected by collaborator",
			slog.String("command", cmd.Type),
			slog.String("saga_id", cmd.SagaID),
			slog.String("reason", appErr.Message),
		)
		return Rejected(appErr.Message)
	}

	return Rejected(parsed.Error())
}

// serviceFor names the collaborator for error messages and logs.
func serviceFor(cmdType string) string {
	switch cmdType {
	case CommandReserveStock, CommandReleaseStock:
		return "inventory"
	case CommandChargePayment, CommandRefundPayment:
		return "payment"
	default:
		return "collaborator"
	}
}
