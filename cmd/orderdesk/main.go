package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/orderdesk/core/access"
	"github.com/relabs-tech/orderdesk/core/api"
	"github.com/relabs-tech/orderdesk/core/csql"
	"github.com/relabs-tech/orderdesk/core/datastore"
	"github.com/relabs-tech/orderdesk/core/datastore/postgres"
	"github.com/relabs-tech/orderdesk/core/datastore/rest"
	"github.com/relabs-tech/orderdesk/core/events"
	"github.com/relabs-tech/orderdesk/core/logger"
	"github.com/relabs-tech/orderdesk/core/notify"
	"github.com/relabs-tech/orderdesk/core/notify/africastalking"
	"github.com/relabs-tech/orderdesk/core/orders"
)

// Service holds the configuration for this service
//
// use DATASTORE_DRIVER=postgres with
// POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker", or DATASTORE_DRIVER=rest with SUPABASE_URL and SUPABASE_KEY
type Service struct {
	Port     int    `env:"PORT,default=8000" description:"the port to listen on"`
	LogLevel string `env:"LOG_LEVEL,default=info" description:"the log level"`

	DatastoreDriver  string `env:"DATASTORE_DRIVER,default=postgres" description:"postgres or rest"`
	Postgres         string `env:"POSTGRES" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=orderdesk" description:"the Postgres schema holding the tables"`
	SupabaseURL      string `env:"SUPABASE_URL" description:"the base URL of the Supabase project"`
	SupabaseKey      string `env:"SUPABASE_KEY" description:"the API key of the Supabase project"`

	ATUsername  string `env:"AT_USERNAME,required" description:"Africa's Talking username"`
	ATKey       string `env:"AT_KEY,required" description:"Africa's Talking API key"`
	ATShortcode string `env:"AT_SHORTCODE" description:"sender short code or alphanumeric sender id"`
	ATSandbox   bool   `env:"AT_SANDBOX,default=false" description:"use the Africa's Talking sandbox"`

	Auth0Domain string `env:"AUTH0_DOMAIN,required" description:"the Auth0 tenant domain, e.g. orderdesk.eu.auth0.com"`
	Auth0APIID  string `env:"AUTH0_API_ID,required" description:"the Auth0 API identifier, the expected token audience"`

	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma separated kafka brokers"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=orderdesk" description:"the topic for order events"`
	AMQPURL      string `env:"AMQP_URL" description:"RabbitMQ url, used for events if KAFKA_BROKERS is empty"`
	AMQPQueue    string `env:"AMQP_QUEUE,default=order_queue" description:"the RabbitMQ queue for order events"`

	NotificationRetryInterval time.Duration `env:"NOTIFICATION_RETRY_INTERVAL,default=1m" description:"how often failed notifications are retried"`
	NotificationMaxAttempts   int           `env:"NOTIFICATION_MAX_ATTEMPTS,default=5" description:"send attempts before a notification is abandoned"`
	UpstreamTimeout           time.Duration `env:"UPSTREAM_TIMEOUT,default=10s" description:"timeout for calls to external services"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(service.LogLevel)
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: service.UpstreamTimeout}

	driver, closeDriver, err := newDriver(ctx, service, httpClient)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot connect to the datastore")
	}
	defer closeDriver()
	store := datastore.New(driver)

	gateway, err := africastalking.New(africastalking.Config{
		Username: service.ATUsername,
		APIKey:   service.ATKey,
		Sandbox:  service.ATSandbox,
	}, httpClient)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot create sms gateway")
	}
	dispatcher := notify.NewDispatcher(notify.NewNotifier(gateway, service.ATShortcode), store, service.NotificationMaxAttempts)

	publisher, err := newPublisher(service)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot create event publisher")
	}
	defer publisher.Close()

	keys := access.NewJWKS(access.JWKSURL(service.Auth0Domain), httpClient)
	router := mux.NewRouter()
	a := api.New(&api.Builder{
		Router:   router,
		Service:  orders.NewService(store, dispatcher, publisher),
		Verifier: access.NewVerifier(service.Auth0Domain, service.Auth0APIID, keys),
	})

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		dispatcher.Run(ctx, service.NotificationRetryInterval)
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", service.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		rlog.Infof("listen on port %s", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			rlog.WithError(err).Errorln("server failed")
		}
		stop()
	case <-ctx.Done():
		rlog.Infoln("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rlog.WithError(err).Errorln("cannot shut down server gracefully")
	}
	<-workerDone
}

// newDriver returns the datastore driver selected by the configuration, and a function
// releasing its resources
func newDriver(ctx context.Context, service *Service, httpClient *http.Client) (datastore.Driver, func(), error) {
	switch datastore.DriverType(service.DatastoreDriver) {
	case datastore.DriverTypePostgres:
		if service.Postgres == "" {
			return nil, nil, errors.New("POSTGRES is required for the postgres driver")
		}
		db, err := csql.OpenWithSchema(ctx, service.Postgres, service.PostgresPassword, service.PostgresSchema)
		if err != nil {
			return nil, nil, err
		}
		driver := postgres.New(db)
		if err := driver.Bootstrap(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return driver, func() { db.Close() }, nil
	case datastore.DriverTypeREST:
		driver, err := rest.New(service.SupabaseURL, service.SupabaseKey, httpClient)
		if err != nil {
			return nil, nil, err
		}
		return driver, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown datastore driver '%s'", service.DatastoreDriver)
}

// newPublisher returns the event publisher selected by the configuration
func newPublisher(service *Service) (events.Publisher, error) {
	switch {
	case service.KafkaBrokers != "":
		return events.NewKafkaPublisher(service.KafkaBrokers, service.KafkaTopic)
	case service.AMQPURL != "":
		return events.NewAMQPPublisher(service.AMQPURL, service.AMQPQueue)
	}
	logger.Default().Infoln("no event broker configured, events are dropped")
	return events.Nop{}, nil
}
