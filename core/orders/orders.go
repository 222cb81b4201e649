/*
Package orders manages customers and their orders.

Creating an order inserts the order, looks up its customer and notifies the
customer by SMS:

	record, err := service.CreateOrder(ctx, query.Record{
		"customerid":  4,
		"orderitem":   "Shoes",
		"orderamount": 1500,
	})

The returned record is the stored order plus the rendered "message", the
"recipients" and the "notification" result. A failed SMS does not fail the order;
the notification is kept in the outbox and retried by the notify.Dispatcher.

The order and the customer lookup are not transactional. An order referencing an
unknown customer is stored before ErrCustomerNotFound is returned.
*/
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relabs-tech/orderdesk/core/datastore"
	"github.com/relabs-tech/orderdesk/core/events"
	"github.com/relabs-tech/orderdesk/core/logger"
	"github.com/relabs-tech/orderdesk/core/notify"
	"github.com/relabs-tech/orderdesk/core/query"
)

// Table names
const (
	CustomersTable = "customers"
	OrdersTable    = "orders"
)

var (
	// ErrCustomerNotFound is returned when an order references an unknown customer
	ErrCustomerNotFound = errors.New("Customer not found!")
	// ErrMissingCustomerID is returned when a customer update lacks the customerid
	ErrMissingCustomerID = errors.New("Missing customerid!")
	// ErrNothingToUpdate is returned when a customer update carries no column besides customerid
	ErrNothingToUpdate = errors.New("Nothing to update!")
)

// DefaultPublishTimeout bounds the publishing of an event within a request
const DefaultPublishTimeout = 2 * time.Second

// Service implements the customer and order operations
type Service struct {
	// PublishTimeout bounds the publishing of the order.created event. Zero means no bound
	// besides the request context.
	PublishTimeout time.Duration

	store      *datastore.Store
	dispatcher *notify.Dispatcher
	publisher  events.Publisher
}

// NewService returns a service. A nil publisher drops all events.
func NewService(store *datastore.Store, dispatcher *notify.Dispatcher, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		PublishTimeout: DefaultPublishTimeout,
		store:          store,
		dispatcher:     dispatcher,
		publisher:      publisher,
	}
}

// ListCustomers returns all customers matching filter
func (s *Service) ListCustomers(ctx context.Context, filter query.Filter) ([]query.Record, error) {
	return s.store.Select(ctx, CustomersTable, filter)
}

// CreateCustomer stores a new customer and returns the stored records
func (s *Service) CreateCustomer(ctx context.Context, payload query.Record) ([]query.Record, error) {
	return s.store.Insert(ctx, CustomersTable, payload)
}

// UpdateCustomer updates the customer identified by the payload's customerid with the
// remaining columns of payload
func (s *Service) UpdateCustomer(ctx context.Context, payload query.Record) ([]query.Record, error) {
	id, ok := payload["customerid"]
	if !ok || id == nil {
		return nil, ErrMissingCustomerID
	}
	changes := query.Record{}
	for column, value := range payload {
		if column != "customerid" {
			changes[column] = value
		}
	}
	if len(changes) == 0 {
		return nil, ErrNothingToUpdate
	}
	return s.store.Update(ctx, CustomersTable, changes, query.Where("customerid", query.OpEq, id))
}

// ListOrders returns all orders matching filter
func (s *Service) ListOrders(ctx context.Context, filter query.Filter) ([]query.Record, error) {
	return s.store.Select(ctx, OrdersTable, filter)
}

// CreateOrder stores the order and notifies its customer. See the package
// documentation for the returned record.
func (s *Service) CreateOrder(ctx context.Context, payload query.Record) (query.Record, error) {
	rlog := logger.FromContext(ctx)

	inserted, err := s.store.Insert(ctx, OrdersTable, payload)
	if err != nil {
		return nil, err
	}
	if len(inserted) == 0 {
		return nil, fmt.Errorf("insert into %s returned no record", OrdersTable)
	}
	order := inserted[0]

	customers, err := s.store.Select(ctx, CustomersTable, query.Where("customerid", query.OpEq, order["customerid"]))
	if err != nil {
		return nil, err
	}
	if len(customers) == 0 {
		rlog.Warnf("orders: order %v references unknown customer %v", order["orderid"], order["customerid"])
		return nil, ErrCustomerNotFound
	}
	customer := customers[0]

	message, err := notify.Render(order, customer)
	if err != nil {
		return nil, fmt.Errorf("cannot render notification for order %v: %w", order["orderid"], err)
	}
	recipients := phoneRecipients(customer["customerphoneno"])
	notification, result := s.dispatcher.Dispatch(ctx, order["orderid"], message, recipients)
	if !result.OK() {
		rlog.Warnf("orders: customer of order %v not notified: %s", order["orderid"], result.Error)
	}

	record := query.Record{}
	for column, value := range order {
		record[column] = value
	}
	record["message"] = message
	record["recipients"] = recipients
	record["notification"] = result
	if id, ok := notification["notificationid"]; ok {
		record["notificationid"] = id
	}

	s.publish(ctx, record)
	return record, nil
}

// publish publishes the order.created event for record. Failures are logged only.
func (s *Service) publish(ctx context.Context, record query.Record) {
	event, err := events.NewEvent(events.TypeOrderCreated, fmt.Sprint(record["orderid"]), record)
	if err == nil {
		if s.PublishTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.PublishTimeout)
			defer cancel()
		}
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("orders: cannot publish creation of order %v", record["orderid"])
	}
}

// ListNotifications returns all notifications matching filter
func (s *Service) ListNotifications(ctx context.Context, filter query.Filter) ([]query.Record, error) {
	return s.store.Select(ctx, notify.Table, filter)
}

// SendNotification sends an ad-hoc SMS. orderID may be nil. It returns the recorded
// notification and the result of the send attempt.
func (s *Service) SendNotification(ctx context.Context, orderID any, message string, recipients []string) (query.Record, notify.Result) {
	return s.dispatcher.Dispatch(ctx, orderID, message, recipients)
}

// phoneRecipients returns the international number of a stored phone number
func phoneRecipients(phone any) []string {
	if phone == nil {
		return []string{}
	}
	number := strings.TrimPrefix(strings.TrimSpace(fmt.Sprint(phone)), "+")
	if number == "" {
		return []string{}
	}
	return []string{"+" + number}
}
