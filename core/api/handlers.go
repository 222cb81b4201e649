package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/orderdesk/core/access"
	"github.com/relabs-tech/orderdesk/core/datastore"
	"github.com/relabs-tech/orderdesk/core/logger"
	"github.com/relabs-tech/orderdesk/core/orders"
	"github.com/relabs-tech/orderdesk/core/query"
	"github.com/relabs-tech/orderdesk/core/schema"
)

const maxBodySize = 1 << 20

// requestError is an error caused by the request
type requestError string

func (e requestError) Error() string { return string(e) }

func badRequest(format string, a ...any) error {
	return requestError(fmt.Sprintf(format, a...))
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listCustomers(w http.ResponseWriter, r *http.Request) {
	a.list(w, r, a.service.ListCustomers)
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	a.list(w, r, a.service.ListOrders)
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	a.list(w, r, a.service.ListNotifications)
}

func (a *API) list(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, filter query.Filter) ([]query.Record, error)) {
	rlog := logger.FromContext(r.Context())
	rlog.Infoln("called route for", r.URL, r.Method)

	filter, err := query.FilterFromValues(r.URL.Query())
	if err != nil {
		writeError(w, r, badRequest("%s", err))
		return
	}
	records, err := list(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) createCustomer(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	payload, err := a.readRecord(r, schema.CustomerSchema)
	if err != nil {
		writeError(w, r, err)
		return
	}
	records, err := a.service.CreateCustomer(r.Context(), payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, records)
}

func (a *API) updateCustomer(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	payload, err := a.readRecord(r, schema.CustomerUpdateSchema)
	if err != nil {
		writeError(w, r, err)
		return
	}
	records, err := a.service.UpdateCustomer(r.Context(), payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) createOrder(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	payload, err := a.readRecord(r, schema.OrderSchema)
	if err != nil {
		writeError(w, r, err)
		return
	}
	record, err := a.service.CreateOrder(r.Context(), payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (a *API) sendNotification(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	payload, err := a.readRecord(r, schema.NotificationSchema)
	if err != nil {
		writeError(w, r, err)
		return
	}
	message, _ := payload["message"].(string)
	var recipients []string
	if list, ok := payload["recipients"].([]any); ok {
		for _, e := range list {
			if s, ok := e.(string); ok {
				recipients = append(recipients, s)
			}
		}
	}

	record, result := a.service.SendNotification(r.Context(), payload["orderid"], message, recipients)
	if !result.OK() && !result.Retryable() {
		writeError(w, r, badRequest("%s", result.Error))
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// readRecord reads a json object from the request body and validates it against schemaID
func (a *API) readRecord(r *http.Request, schemaID string) (query.Record, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err != nil {
		return nil, badRequest("cannot read body: %s", err)
	}
	if err := a.validator.ValidateBytes(body, schemaID); err != nil {
		return nil, err
	}
	record := query.Record{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&record); err != nil {
		return nil, badRequest("invalid json: %s", err)
	}
	return record, nil
}

// status returns the http status for err
func status(err error) int {
	var validationErr *schema.ValidationError
	var rejection *access.Rejection
	var reqErr requestError
	switch {
	case errors.As(err, &rejection):
		return rejection.Status
	case errors.As(err, &validationErr),
		errors.As(err, &reqErr),
		errors.Is(err, orders.ErrMissingCustomerID),
		errors.Is(err, orders.ErrNothingToUpdate),
		errors.Is(err, orders.ErrCustomerNotFound),
		errors.Is(err, query.ErrUnsupportedOperator),
		errors.Is(err, datastore.ErrUnfilteredMutation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := status(err)
	rlog := logger.FromContext(r.Context())
	if code >= http.StatusInternalServerError {
		rlog.WithError(err).Errorf("api: %s %s failed", r.Method, r.URL.Path)
	} else {
		rlog.Infof("api: %s %s rejected: %s", r.Method, r.URL.Path, err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		jsonData, _ = json.Marshal(map[string]string{"error": err.Error()})
		w.Write(jsonData)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}
