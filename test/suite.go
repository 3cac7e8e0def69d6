// Package test holds the container-backed integration suite: a real
// Postgres, NATS (with JetStream) and Kafka, wired into the pipeline,
// the dispatcher and the reconciler.
package test

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/osprey-iot/osprey/api"
	"github.com/osprey-iot/osprey/control"
	"github.com/osprey-iot/osprey/core/csql"
	"github.com/osprey-iot/osprey/events"
	"github.com/osprey-iot/osprey/ingest"
	"github.com/osprey-iot/osprey/publish"
	"github.com/osprey-iot/osprey/registry"
	"github.com/osprey-iot/osprey/store"
)

// loopbackTransport captures dispatched commands instead of pushing
// them through a TLS MQTT listener.
type loopbackTransport struct {
	published []loopbackMessage
}

type loopbackMessage struct {
	WireTopic string
	Payload   []byte
}

func (t *loopbackTransport) PublishCommand(ctx context.Context, wireTopic string, qos byte, retain bool, payload []byte) error {
	t.published = append(t.published, loopbackMessage{WireTopic: wireTopic, Payload: payload})
	return nil
}

type IntegrationTestSuite struct {
	suite.Suite
	srv *http.Server

	network           testcontainers.Network
	postgresContainer testcontainers.Container
	natsContainer     testcontainers.Container
	kafkaContainer    testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string

	Db       *csql.DB
	Store    *store.Store
	Registry *registry.Registry
	NatsConn *nats.Conn
	HotState *publish.HotStateStore

	Orchestrator *ingest.Orchestrator
	Dispatcher   *control.Dispatcher
	Reconciler   *control.Reconciler
	Transport    *loopbackTransport
	Router       *mux.Router
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := "osprey-test-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		WaitingFor:     wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	natsReq := testcontainers.ContainerRequest{
		Image:          "nats:2.10-alpine",
		ExposedPorts:   []string{"4222/tcp"},
		Cmd:            []string{"-js"},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"nats"}},
		WaitingFor:     wait.ForLog("Server is ready"),
	}
	natsC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: natsReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.natsContainer = natsC

	natsHost, err := natsC.Host(ctx)
	s.Require().NoError(err)
	natsPort, err := natsC.MappedPort(ctx, "4222")
	s.Require().NoError(err)

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	_, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	err = s.createTopic("osprey-events", 1)
	s.Require().NoError(err, "Failed to create osprey-events topic")

	s.Db = csql.OpenWithSchema(fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB), "osprey_test")
	s.Store = store.New(s.Db)

	s.NatsConn, err = nats.Connect(fmt.Sprintf("nats://%s:%s", natsHost, natsPort.Port()))
	s.Require().NoError(err)
	s.HotState, err = publish.NewHotStateStore(ctx, s.NatsConn, "osprey-hot-state")
	s.Require().NoError(err)

	notifier := events.NewKafkaNotifier([]string{s.kafkaAddr}, "osprey-events")

	catalog := s.Store.Catalog()
	s.Registry = registry.New(catalog, registry.DefaultTTL)

	s.Orchestrator = ingest.NewOrchestrator(ingest.Config{
		Repo:     s.Store,
		Resolver: s.Registry,
		Catalog:  catalog,
		Publisher: &publish.Pipeline{
			Analytics: publish.NewAnalyticsPublisher(s.NatsConn, "telemetry", "telemetry-invalid", "test"),
			HotState:  s.HotState,
		},
		Notifier:         notifier,
		CaptureSnapshots: true,
	})

	s.Transport = &loopbackTransport{}
	s.Dispatcher = control.NewDispatcher(s.Store, s.Transport, notifier)
	s.Reconciler = control.NewReconciler(s.Store, s.Registry, catalog, s.HotState, notifier)

	s.Router = mux.NewRouter()
	api.MustNewService(&api.Builder{
		Store:      s.Store,
		Catalog:    catalog,
		Dispatcher: s.Dispatcher,
		HotState:   s.HotState,
		Router:     s.Router,
	})

	s.srv = &http.Server{
		Addr:    ":8080",
		Handler: s.Router,
	}
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.T().Errorf("Failed to start HTTP server: %v", err)
		}
	}()
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.srv != nil {
		err := s.srv.Shutdown(ctx)
		s.Require().NoError(err)
	}

	if s.NatsConn != nil {
		s.NatsConn.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.kafkaContainer != nil {
		err := s.kafkaContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.natsContainer != nil {
		err := s.natsContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
}
