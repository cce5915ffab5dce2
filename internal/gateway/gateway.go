package gateway

import (
	"context"
	"encoding/json"
)

// Command type constants.
const (
	CommandReserveStock          = "reserve_stock"
	CommandReleaseStock          = "release_stock"
	CommandChargePayment         = "charge_payment"
	CommandRefundPayment         = "refund_payment"
	CommandSendOrderConfirmation = "send_order_confirmation"
)

// Command is an outbound instruction to a collaborating service. The
// idempotency key is derived from (saga_id, step) so the receiver can
// deduplicate retried deliveries on its side.
type Command struct {
	Type           string `json:"type"`
	IdempotencyKey string `json:"idempotency_key"`
	SagaID         string `json:"saga_id"`
	Payload        any    `json:"payload"`
}

// Status is the normalized outcome class of a command send.
type Status int

const (
	// StatusAccepted means the collaborator took the command.
	StatusAccepted Status = iota
	// StatusRejected means the collaborator confirmed a business decline.
	// Rejections drive compensation, never retry.
	StatusRejected
	// StatusUnavailable covers network errors, timeouts, 5xx responses and
	// open circuits. Retried later; never interpreted as a decline.
	StatusUnavailable
)

// String returns the status name for logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result is the closed outcome variant of a command send: exactly one of
// accepted(payload), rejected(reason), unavailable(err). Construct only via
// Accepted, Rejected, Unavailable.
type Result struct {
	status  Status
	payload json.RawMessage
	reason  string
	err     error
}

// Accepted builds an accepted result carrying the collaborator's response payload.
func Accepted(payload json.RawMessage) Result {
	return Result{status: StatusAccepted, payload: payload}
}

// Rejected builds a rejected result carrying the collaborator's decline reason.
func Rejected(reason string) Result {
	return Result{status: StatusRejected, reason: reason}
}

// Unavailable builds an unavailable result carrying the transport error.
func Unavailable(err error) Result {
	return Result{status: StatusUnavailable, err: err}
}

// Status returns the outcome class. Callers switch exhaustively on it.
func (r Result) Status() Status {
	return r.status
}

// Payload returns the response payload of an accepted result.
func (r Result) Payload() json.RawMessage {
	return r.payload
}

// Reason returns the decline reason of a rejected result.
func (r Result) Reason() string {
	return r.reason
}

// Err returns the transport error of an unavailable result.
func (r Result) Err() error {
	return r.err
}

// Sender dispatches commands to collaborating services and normalizes
// their responses. Implementations never return an error: transport
// failures surface as an unavailable Result.
type Sender interface {
	Send(ctx context.Context, cmd Command) Result
}
