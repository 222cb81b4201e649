package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/orderdesk/core/datastore"
	"github.com/relabs-tech/orderdesk/core/logger"
	"github.com/relabs-tech/orderdesk/core/query"
)

// Table is the name of the table holding all notifications
const Table = "notifications"

// Notification status
const (
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Dispatcher sends notifications and records every attempt in the notifications
// table. Failed notifications are sent again by Retry until they succeed or run out
// of attempts.
type Dispatcher struct {
	notifier    *Notifier
	store       *datastore.Store
	maxAttempts int
	now         func() time.Time
}

// NewDispatcher returns a dispatcher which gives up on a notification after maxAttempts
func NewDispatcher(notifier *Notifier, store *datastore.Store, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		notifier:    notifier,
		store:       store,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch sends message to recipients and records the notification. orderID may be
// nil for notifications which do not belong to an order. The returned record is the
// stored notification; if storing fails, the error is logged and the unsaved record
// is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, orderID any, message string, recipients []string) (query.Record, Result) {
	rlog := logger.FromContext(ctx)
	result := d.notifier.Send(ctx, message, recipients)

	now := d.now()
	record := query.Record{
		"notificationid": uuid.NewString(),
		"message":        message,
		"recipients":     recipientList(recipients),
		"status":         d.status(result, 1),
		"attempts":       1,
		"lasterror":      result.Error,
		"response":       responseValue(result),
		"context":        json.RawMessage(logger.SerializeLoggerContext(ctx)),
		"createdat":      now,
		"updatedat":      now,
	}
	if orderID != nil {
		record["orderid"] = orderID
	}

	stored, err := d.store.Insert(ctx, Table, record)
	if err != nil || len(stored) == 0 {
		rlog.WithError(err).Errorf("notify: cannot record notification %s", record["notificationid"])
		delete(record, "context")
		return record, result
	}
	rlog.Debugf("notify: recorded notification %s with status %s", record["notificationid"], record["status"])
	delete(stored[0], "context")
	return stored[0], result
}

// Retry sends all failed notifications again. It returns the number of notifications
// attempted.
func (d *Dispatcher) Retry(ctx context.Context) (int, error) {
	rlog := logger.FromContext(ctx)

	pending, err := d.store.Select(ctx, Table,
		query.Where("status", query.OpEq, StatusFailed).And("attempts", query.OpLt, d.maxAttempts))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, notification := range pending {
		if ctx.Err() != nil {
			break
		}
		count++
		if err := d.retry(ctx, notification); err != nil {
			rlog.WithError(err).Errorf("notify: retry of notification %v failed", notification["notificationid"])
		}
	}
	if count > 0 {
		rlog.Infof("notify: retried %d notifications", count)
	}
	return count, nil
}

func (d *Dispatcher) retry(ctx context.Context, notification query.Record) error {
	id := notification["notificationid"]
	if contextData, err := json.Marshal(notification["context"]); err == nil {
		ctx = logger.ContextWithLoggerFromData(ctx, contextData)
	}
	rlog := logger.FromContext(ctx)

	attempts, err := toInt(notification["attempts"])
	if err != nil {
		return fmt.Errorf("invalid attempts: %w", err)
	}
	recipients, err := toStrings(notification["recipients"])
	if err != nil {
		return fmt.Errorf("invalid recipients: %w", err)
	}
	message, _ := notification["message"].(string)

	attempts++
	result := d.notifier.Send(ctx, message, recipients)
	status := d.status(result, attempts)

	// the status condition keeps a concurrent worker from recording the same attempt twice
	updated, err := d.store.Update(ctx, Table, query.Record{
		"status":    status,
		"attempts":  attempts,
		"lasterror": result.Error,
		"response":  responseValue(result),
		"updatedat": d.now(),
	}, query.Where("notificationid", query.OpEq, id).And("status", query.OpEq, StatusFailed))
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		rlog.Warnf("notify: notification %v was modified during retry", id)
	}
	rlog.Infof("notify: notification %v attempt %d: %s", id, attempts, status)
	return nil
}

// Run calls Retry every interval until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	rlog := logger.FromContext(ctx)
	rlog.Infof("notify: retrying failed notifications every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rlog.Infoln("notify: retry worker stopped")
			return
		case <-ticker.C:
			if _, err := d.Retry(ctx); err != nil {
				rlog.WithError(err).Errorln("notify: cannot load failed notifications")
			}
		}
	}
}

func (d *Dispatcher) status(result Result, attempts int) string {
	switch {
	case result.OK():
		return StatusSent
	case !result.Retryable() || attempts >= d.maxAttempts:
		return StatusAbandoned
	}
	return StatusFailed
}

func responseValue(result Result) any {
	if len(result.Response) == 0 {
		return nil
	}
	return result.Response
}

func recipientList(recipients []string) []string {
	if recipients == nil {
		return []string{}
	}
	return recipients
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case json.Number:
		i, err := v.Int64()
		return int(i), err
	case float64:
		return int(v), nil
	case int:
		return v, nil
	}
	return 0, fmt.Errorf("unexpected type %T", value)
}

func toStrings(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		strs := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected element type %T", e)
			}
			strs = append(strs, s)
		}
		return strs, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected type %T", value)
}
