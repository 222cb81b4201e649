// Package notify sends SMS notifications through a messaging gateway and keeps a
// record of every notification in the notifications table.
package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/orderdesk/core/logger"
	"github.com/relabs-tech/orderdesk/core/query"
)

// ErrMissingField is returned by Render when the order or the customer lacks a field
var ErrMissingField = errors.New("missing field")

const template = "Hello %s %s.\nYour order (OrderID: %s) of %s, %s is being processed."

// Render returns the order confirmation message for order and customer
func Render(order, customer query.Record) (string, error) {
	fields := make(map[string]string, 5)
	for _, f := range []struct {
		record query.Record
		key    string
	}{
		{order, "orderid"},
		{order, "orderamount"},
		{order, "orderitem"},
		{customer, "customerfname"},
		{customer, "customerlname"},
	} {
		value, ok := f.record[f.key]
		if !ok || value == nil {
			return "", fmt.Errorf("%w '%s'", ErrMissingField, f.key)
		}
		fields[f.key] = fmt.Sprint(value)
	}
	return fmt.Sprintf(template,
		fields["customerfname"], fields["customerlname"],
		fields["orderid"], fields["orderamount"], fields["orderitem"]), nil
}

// Gateway delivers a message to recipients. It returns the gateway's raw response.
type Gateway interface {
	Send(ctx context.Context, message string, recipients []string, sender string) (json.RawMessage, error)
}

// Result is the outcome of a send attempt. It either carries the raw gateway
// response or an error message, never both.
type Result struct {
	Response json.RawMessage
	Error    string

	rejected bool
}

// Failed returns a result for a send attempt which did not succeed
func Failed(reason string) Result {
	return Result{Error: reason}
}

func rejected(reason string) Result {
	return Result{Error: reason, rejected: true}
}

// OK returns true if the gateway accepted the message
func (r Result) OK() bool {
	return r.Error == ""
}

// Retryable returns true if a failed send may succeed when attempted again. Sends
// rejected before reaching the gateway are never retryable.
func (r Result) Retryable() bool {
	return !r.OK() && !r.rejected
}

// MarshalJSON returns the raw gateway response, or {"error": "..."} for a failed send
func (r Result) MarshalJSON() ([]byte, error) {
	if !r.OK() {
		return json.Marshal(map[string]string{"error": r.Error})
	}
	if len(r.Response) == 0 {
		return []byte("null"), nil
	}
	return r.Response, nil
}

var internationalNumber = regexp.MustCompile(`^\+[1-9][0-9]{5,14}$`)

// Notifier sends messages through a gateway on behalf of one sender
type Notifier struct {
	gateway Gateway
	sender  string
}

// NewNotifier returns a notifier sending through gateway. sender is the short code or
// alphanumeric sender id, an empty sender uses the gateway's default.
func NewNotifier(gateway Gateway, sender string) *Notifier {
	return &Notifier{gateway: gateway, sender: sender}
}

// Send sends message to recipients. Failures are reported in the result, Send never
// panics and never returns an error.
func (n *Notifier) Send(ctx context.Context, message string, recipients []string) Result {
	rlog := logger.FromContext(ctx)

	if strings.TrimSpace(message) == "" {
		return rejected("Message content is empty.")
	}
	if len(recipients) == 0 {
		return rejected("recipients must be a non-empty list.")
	}
	for _, recipient := range recipients {
		if !internationalNumber.MatchString(recipient) {
			return rejected(fmt.Sprintf("recipient '%s' is not an international phone number like +254712345678", recipient))
		}
	}

	response, err := n.gateway.Send(ctx, message, recipients, n.sender)
	if err != nil {
		rlog.WithError(err).Errorf("notify: sending sms to %d recipients failed", len(recipients))
		return Failed(err.Error())
	}
	rlog.Infof("notify: sent sms to %d recipients", len(recipients))
	return Result{Response: response}
}
