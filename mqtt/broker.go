// Package mqtt embeds the device-facing MQTT broker. Devices
// authenticate with TLS client certificates; arriving messages are
// routed into the ingestion pipeline or the feedback reconciler based
// on the resolved topic purpose.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/osprey-iot/osprey/core/logger"
	"github.com/osprey-iot/osprey/events"
	"github.com/osprey-iot/osprey/ingest"
	"github.com/osprey-iot/osprey/schema"
	"github.com/osprey-iot/osprey/store"
)

// Broker is the device-facing MQTT broker.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker.
type Builder struct {
	// CACertFile is the file path to the X.509 certificate of the
	// certificate authority. This is mandatory.
	CACertFile string
	// CertFile is the file path to the X.509 certificate file. This is
	// mandatory.
	CertFile string
	// KeyFile is the file path to the X.509 private key file. This is
	// mandatory.
	KeyFile string
	// Addr is the TLS listen address. Defaults to :8883.
	Addr string
	// Resolver maps wire topics to registered devices. This is
	// mandatory.
	Resolver ingest.Resolver
	// Orchestrator consumes telemetry messages. This is mandatory.
	Orchestrator *ingest.Orchestrator
	// Reconciler consumes feedback messages. This is mandatory.
	Reconciler FeedbackSink
	// Presence marks devices offline on disconnect. Optional.
	Presence PresenceSink
	// Notifier publishes presence events. Optional.
	Notifier events.Notifier
}

// FeedbackSink consumes feedback messages. *control.Reconciler
// implements it.
type FeedbackSink interface {
	HandleFeedback(ctx context.Context, envelope ingest.Envelope) error
}

// PresenceSink marks devices offline by their wire identifier.
// *store.Store implements it.
type PresenceSink interface {
	MarkDeviceOfflineByIdentifier(ctx context.Context, identifier string) (uuid.UUID, string, error)
}

type plugin struct {
	tlsln          net.Listener
	deviceIdsRwmux sync.RWMutex
	deviceIds      map[net.Conn]string

	service gmqtt.Server

	resolver     ingest.Resolver
	orchestrator *ingest.Orchestrator
	reconciler   FeedbackSink
	presence     PresenceSink
	notifier     events.Notifier
}

// NewBroker returns a new broker. The broker will not actually run
// until you call Run(). It panics on missing mandatory fields.
func NewBroker(bb *Builder) *Broker {
	if len(bb.CACertFile) == 0 {
		panic("ca-cert file missing")
	}
	if len(bb.CertFile) == 0 {
		panic("cert file missing")
	}
	if len(bb.KeyFile) == 0 {
		panic("key file missing")
	}
	if bb.Resolver == nil {
		panic("resolver missing")
	}
	if bb.Orchestrator == nil {
		panic("orchestrator missing")
	}
	if bb.Reconciler == nil {
		panic("reconciler missing")
	}

	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		panic(err)
	}

	caCert, _ := os.ReadFile(bb.CACertFile)
	caCertPool := x509.NewCertPool()
	ok := caCertPool.AppendCertsFromPEM(caCert)
	logger.Default().Infoln("broker ca certs loaded:", ok)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	addr := bb.Addr
	if addr == "" {
		addr = ":8883"
	}
	tlsln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		panic(err)
	}

	notifier := bb.Notifier
	if notifier == nil {
		notifier = events.Discard
	}

	return &Broker{
		p: &plugin{
			tlsln:        tlsln,
			deviceIds:    make(map[net.Conn]string),
			resolver:     bb.Resolver,
			orchestrator: bb.Orchestrator,
			reconciler:   bb.Reconciler,
			presence:     bb.Presence,
			notifier:     notifier,
		},
	}
}

// Run is blocking and runs the server. It listens on syscall.SIGTERM
// for a graceful shutdown.
func (b *Broker) Run() {
	log := logger.Default()

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	log.Infoln("mqtt broker started")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	log.Infoln("mqtt broker stopped")
}

// PublishCommand publishes a command payload on a device's wire topic.
// Implements the dispatcher's transport.
func (b *Broker) PublishCommand(ctx context.Context, wireTopic string, qos byte, retain bool, payload []byte) error {
	if b.p.service == nil {
		return ErrBrokerNotRunning
	}
	if qos > packets.QOS_2 {
		qos = packets.QOS_1
	}
	msg := gmqtt.NewMessage(wireTopic, payload, qos)
	b.p.service.PublishService().Publish(msg)
	return nil
}

// ErrBrokerNotRunning is returned when a publish is attempted before
// Run().
var ErrBrokerNotRunning = brokerError("mqtt broker not running")

type brokerError string

func (e brokerError) Error() string { return string(e) }

// Load implements the gmqtt plugin interface.
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements the gmqtt plugin interface.
func (p *plugin) Unload() error { return nil }

// Name implements the gmqtt plugin interface.
func (p *plugin) Name() string { return "osprey broker" }

// HookWrapper implements the gmqtt plugin interface.
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) deviceIDFromConnection(conn net.Conn) string {
	p.deviceIdsRwmux.RLock()
	defer p.deviceIdsRwmux.RUnlock()
	return p.deviceIds[conn]
}

// OnAcceptWrapper authorizes clients via TLS certificates. The
// certificate common name is the device identifier.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		log := logger.Default()
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			if err := tlsConn.Handshake(); err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			cert := state.VerifiedChains[0][0]
			commonName := cert.Subject.CommonName
			if commonName == "" {
				log.Warnln("certificate without common name rejected")
				return false
			}

			p.deviceIdsRwmux.Lock()
			p.deviceIds[conn] = commonName
			p.deviceIdsRwmux.Unlock()
			log.Infoln("accept", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the
// certificate common name.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		log := logger.Default()
		deviceID := p.deviceIDFromConnection(client.Connection())
		if client.OptionsReader().ClientID() != deviceID {
			log.Warnln("connect denied,", client.OptionsReader().ClientID(), "not authorized")
			return packets.CodeNotAuthorized
		}
		log.Infoln("connect", deviceID)
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy: devices may only subscribe
// to their own topics.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		if !topicBelongsToDevice(topic.Name, deviceID) {
			logger.Default().Warnln("subscribe denied:", deviceID, topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper routes arriving messages: telemetry topics go to
// the ingestion pipeline, everything else the registry knows goes to
// the feedback reconciler. Unresolved topics still enter the pipeline
// so the failure leaves an audit trail.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		log := logger.Default()
		topic := msg.Topic()

		if ingest.IsInternalSubject(topic) {
			return arrived(ctx, client, msg)
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			log.Warnln("non-json payload dropped on", topic)
			return false
		}

		envelope := ingest.Envelope{
			Subject:    topic,
			Protocol:   "mqtt",
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		}

		go p.route(envelope)
		return arrived(ctx, client, msg)
	}
}

// OnCloseWrapper forgets the connection and marks the device offline.
func (p *plugin) OnCloseWrapper(onClose gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		conn := client.Connection()
		p.deviceIdsRwmux.Lock()
		identifier := p.deviceIds[conn]
		delete(p.deviceIds, conn)
		p.deviceIdsRwmux.Unlock()

		onClose(ctx, client, err)

		if identifier != "" && p.presence != nil {
			go p.markOffline(identifier)
		}
	}
}

func (p *plugin) markOffline(identifier string) {
	ctx, log := logger.ContextWithLogger(context.Background())

	deviceUUID, previous, err := p.presence.MarkDeviceOfflineByIdentifier(ctx, identifier)
	if err != nil {
		log.Errorln("cannot mark device offline:", err)
		return
	}
	if deviceUUID == uuid.Nil || previous == store.ConnectionOffline {
		return
	}
	err = p.notifier.Notify(ctx, events.Event{
		Name:       events.DeviceOffline,
		DeviceUUID: deviceUUID.String(),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		log.Errorln("cannot notify device offline:", err)
	}
}

// route hands one envelope to its consumer. It runs detached from the
// broker's packet handling so slow storage never backpressures the
// connection.
func (p *plugin) route(envelope ingest.Envelope) {
	ctx, log := logger.ContextWithLogger(context.Background())

	entry, err := p.resolver.Resolve(ctx, envelope.Subject)
	if err != nil {
		log.Errorln("cannot resolve topic:", err)
		return
	}

	// unregistered topics enter the pipeline so the failure leaves an
	// audit trail
	if entry == nil || entry.Topic.ResolvedPurpose() == schema.PurposeTelemetry {
		if _, err := p.orchestrator.Process(ctx, envelope); err != nil {
			log.Errorln("pipeline error on", envelope.Subject, ":", err)
		}
		return
	}

	if err := p.reconciler.HandleFeedback(ctx, envelope); err != nil {
		log.Errorln("reconciler error on", envelope.Subject, ":", err)
	}
}

// topicBelongsToDevice checks that the device identifier appears as a
// path segment of the topic.
func topicBelongsToDevice(topic, deviceID string) bool {
	for _, segment := range strings.Split(topic, "/") {
		if segment == deviceID {
			return true
		}
	}
	return false
}
