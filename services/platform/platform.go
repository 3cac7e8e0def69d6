package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/osprey-iot/osprey/api"
	"github.com/osprey-iot/osprey/control"
	"github.com/osprey-iot/osprey/core/csql"
	"github.com/osprey-iot/osprey/core/logger"
	"github.com/osprey-iot/osprey/events"
	"github.com/osprey-iot/osprey/ingest"
	"github.com/osprey-iot/osprey/mqtt"
	"github.com/osprey-iot/osprey/publish"
	"github.com/osprey-iot/osprey/registry"
	"github.com/osprey-iot/osprey/store"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres       string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=osprey" description:"the database schema"`
	NatsURL        string `env:"NATS_URL,default=nats://localhost:4222" description:"the NATS server"`
	KafkaBrokers   string `env:"KAFKA_BROKERS,default=" description:"comma separated kafka brokers for the event feed, empty disables it"`
	KafkaTopic     string `env:"KAFKA_TOPIC,default=osprey-events" description:"the kafka topic for the event feed"`
	Environment    string `env:"ENVIRONMENT,default=production" description:"the environment token in analytics subjects"`
	SubjectPrefix  string `env:"SUBJECT_PREFIX,default=telemetry" description:"the analytics subject prefix"`
	InvalidPrefix  string `env:"INVALID_SUBJECT_PREFIX,default=telemetry-invalid" description:"the invalid telemetry subject prefix"`
	PublishInvalid bool   `env:"PUBLISH_INVALID,default=true" description:"publish invalid telemetry to the invalid subject"`
	HotStateBucket string `env:"HOT_STATE_BUCKET,default=osprey-hot-state" description:"the JetStream bucket for latest values"`
	CACertFile     string `env:"CA_CERT_FILE,default=ca.crt" description:"the broker CA certificate"`
	CertFile       string `env:"CERT_FILE,default=server.crt" description:"the broker server certificate"`
	KeyFile        string `env:"KEY_FILE,default=server.key" description:"the broker server key"`
	MQTTAddr       string `env:"MQTT_ADDR,default=:8883" description:"the MQTT TLS listen address"`
	HTTPAddr       string `env:"HTTP_ADDR,default=:3000" description:"the REST listen address"`
	Snapshots      bool   `env:"STAGE_SNAPSHOTS,default=true" description:"capture stage input/output snapshots"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logger.InitLogger(logrus.InfoLevel)
	log := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
	defer db.Close()

	repository := store.New(db)
	catalog := repository.Catalog()

	nc, err := nats.Connect(service.NatsURL)
	if err != nil {
		panic(err)
	}
	defer nc.Close()

	hotState, err := publish.NewHotStateStore(context.Background(), nc, service.HotStateBucket)
	if err != nil {
		panic(err)
	}

	var notifier events.Notifier = events.Discard
	if service.KafkaBrokers != "" {
		kafkaNotifier := events.NewKafkaNotifier(splitBrokers(service.KafkaBrokers), service.KafkaTopic)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	// the pipeline and the reconciler keep separate registry snapshots
	pipelineRegistry := registry.New(catalog, registry.DefaultTTL)
	feedbackRegistry := registry.New(catalog, registry.DefaultTTL)

	orchestrator := ingest.NewOrchestrator(ingest.Config{
		Repo:     repository,
		Resolver: pipelineRegistry,
		Catalog:  catalog,
		Publisher: &publish.Pipeline{
			Analytics: publish.NewAnalyticsPublisher(nc, service.SubjectPrefix, service.InvalidPrefix, service.Environment),
			HotState:  hotState,
		},
		Notifier:              notifier,
		CaptureSnapshots:      service.Snapshots,
		DisableInvalidPublish: !service.PublishInvalid,
	})

	reconciler := control.NewReconciler(repository, feedbackRegistry, catalog, hotState, notifier)

	broker := mqtt.NewBroker(&mqtt.Builder{
		CACertFile:   service.CACertFile,
		CertFile:     service.CertFile,
		KeyFile:      service.KeyFile,
		Addr:         service.MQTTAddr,
		Resolver:     pipelineRegistry,
		Orchestrator: orchestrator,
		Reconciler:   reconciler,
		Presence:     repository,
		Notifier:     notifier,
	})

	dispatcher := control.NewDispatcher(repository, broker, notifier)

	router := mux.NewRouter()
	logger.AddTraceID(router)
	api.MustNewService(&api.Builder{
		Store:      repository,
		Catalog:    catalog,
		Dispatcher: dispatcher,
		HotState:   hotState,
		Router:     router,
	})

	go func() {
		log.Infoln("listen on", service.HTTPAddr)
		err := http.ListenAndServe(service.HTTPAddr,
			handlers.LoggingHandler(log.Writer(), router))
		if err != nil {
			log.Fatalln(err)
		}
	}()

	broker.Run()
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}
