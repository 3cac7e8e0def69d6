// Package api is the REST surface of the platform: command dispatch,
// telemetry and command history, desired states and hot state reads.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/osprey-iot/osprey/control"
	"github.com/osprey-iot/osprey/core/logger"
	"github.com/osprey-iot/osprey/publish"
	"github.com/osprey-iot/osprey/schema"
	"github.com/osprey-iot/osprey/store"
)

// Builder is a builder helper for the API service.
type Builder struct {
	// Store is the persistence layer. This is mandatory.
	Store *store.Store
	// Catalog is the read-only device catalog. This is mandatory.
	Catalog schema.Catalog
	// Dispatcher sends device commands. This is mandatory.
	Dispatcher *control.Dispatcher
	// HotState serves latest values. Optional; without it the state
	// route returns 404.
	HotState *publish.HotStateStore
	// Router is the mux router to attach to. This is mandatory.
	Router *mux.Router
}

// Service is the REST interface of the platform.
type Service struct {
	store      *store.Store
	catalog    schema.Catalog
	dispatcher *control.Dispatcher
	hotState   *publish.HotStateStore
}

// MustNewService creates the service and adds its routes to the
// router. It panics on missing mandatory fields.
func MustNewService(bb *Builder) *Service {
	if bb.Store == nil {
		panic("store is missing")
	}
	if bb.Catalog == nil {
		panic("catalog is missing")
	}
	if bb.Dispatcher == nil {
		panic("dispatcher is missing")
	}
	if bb.Router == nil {
		panic("router is missing")
	}

	s := &Service{
		store:      bb.Store,
		catalog:    bb.Catalog,
		dispatcher: bb.Dispatcher,
		hotState:   bb.HotState,
	}
	s.handleRoutes(bb.Router)
	return s
}

func (s *Service) handleRoutes(router *mux.Router) {
	log := logger.Default()
	log.Infoln("handle route /devices/{device_uuid}/commands GET,POST")
	log.Infoln("handle route /devices/{device_uuid}/telemetry GET")
	log.Infoln("handle route /devices/{device_uuid}/desired-states GET")
	log.Infoln("handle route /devices/{device_uuid}/topics/{topic_key}/state GET")
	log.Infoln("handle route /devices/{device_uuid}/topics/{topic_key}/template GET")

	router.HandleFunc("/devices/{device_uuid}/commands", s.postCommand).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_uuid}/commands", s.getCommands).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_uuid}/telemetry", s.getTelemetry).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_uuid}/desired-states", s.getDesiredStates).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_uuid}/topics/{topic_key}/state", s.getHotState).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_uuid}/topics/{topic_key}/template", s.getTemplate).Methods(http.MethodGet)
}

type commandRequest struct {
	TopicKey        string                 `json:"topic_key"`
	Payload         map[string]interface{} `json:"payload"`
	SkipCorrelation bool                   `json:"skip_correlation,omitempty"`
}

type commandResponse struct {
	ID            int64                  `json:"id"`
	TopicID       int64                  `json:"topic_id"`
	Status        store.CommandStatus    `json:"status"`
	CorrelationID string                 `json:"correlation_id"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
}

func (s *Service) postCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device, ok := s.registeredDevice(ctx, w, r)
	if !ok {
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	topic, ok := findSubscribeTopic(device.Topics, req.TopicKey)
	if !ok {
		http.Error(w, "no such command topic", http.StatusNotFound)
		return
	}

	commandLog, err := s.dispatcher.Dispatch(ctx, control.DispatchRequest{
		Device:          device.Device,
		Topic:           topic,
		Payload:         req.Payload,
		SkipCorrelation: req.SkipCorrelation,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, commandResponse{
		ID:            commandLog.ID,
		TopicID:       commandLog.TopicID,
		Status:        commandLog.Status,
		CorrelationID: commandLog.CorrelationID,
		ErrorMessage:  commandLog.ErrorMessage,
		Payload:       commandLog.CommandPayload,
	})
}

func (s *Service) getCommands(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device, ok := s.registeredDevice(ctx, w, r)
	if !ok {
		return
	}

	commands, err := s.store.CommandsForDevice(ctx, device.Device.ID, limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if commands == nil {
		commands = []store.CommandLog{}
	}
	writeJSON(w, http.StatusOK, commands)
}

func (s *Service) getTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device, ok := s.registeredDevice(ctx, w, r)
	if !ok {
		return
	}

	telemetry, err := s.store.TelemetryForDevice(ctx, device.Device.ID, limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if telemetry == nil {
		telemetry = []store.TelemetryLog{}
	}
	writeJSON(w, http.StatusOK, telemetry)
}

func (s *Service) getDesiredStates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device, ok := s.registeredDevice(ctx, w, r)
	if !ok {
		return
	}

	states, err := s.store.DesiredStatesForDevice(ctx, device.Device.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []store.DesiredTopicState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Service) getHotState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device, ok := s.registeredDevice(ctx, w, r)
	if !ok {
		return
	}
	if s.hotState == nil {
		http.Error(w, "hot state not available", http.StatusNotFound)
		return
	}

	topicKey := mux.Vars(r)["topic_key"]
	topic, ok := findTopic(device.Topics, topicKey)
	if !ok {
		http.Error(w, "no such topic", http.StatusNotFound)
		return
	}

	state, err := s.hotState.ReadHotState(ctx, device.Device, topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if state == nil {
		http.Error(w, "no state yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Service) getTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device, ok := s.registeredDevice(ctx, w, r)
	if !ok {
		return
	}

	topicKey := mux.Vars(r)["topic_key"]
	topic, ok := findTopic(device.Topics, topicKey)
	if !ok {
		http.Error(w, "no such topic", http.StatusNotFound)
		return
	}

	parameters, err := s.catalog.ActiveParameters(ctx, topic.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, schema.BuildPayloadTemplate(parameters))
}

// registeredDevice resolves the device_uuid path parameter against the
// catalog and writes the error response itself when it fails.
func (s *Service) registeredDevice(ctx context.Context, w http.ResponseWriter, r *http.Request) (schema.RegisteredDevice, bool) {
	deviceUUID, err := uuid.Parse(mux.Vars(r)["device_uuid"])
	if err != nil {
		http.Error(w, "invalid device uuid", http.StatusBadRequest)
		return schema.RegisteredDevice{}, false
	}

	devices, err := s.catalog.RegisteredDevices(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return schema.RegisteredDevice{}, false
	}
	for _, device := range devices {
		if device.Device.UUID == deviceUUID {
			return device, true
		}
	}
	http.Error(w, "no such device", http.StatusNotFound)
	return schema.RegisteredDevice{}, false
}

func findTopic(topics []schema.Topic, key string) (schema.Topic, bool) {
	for _, topic := range topics {
		if topic.Key == key {
			return topic, true
		}
	}
	return schema.Topic{}, false
}

func findSubscribeTopic(topics []schema.Topic, key string) (schema.Topic, bool) {
	topic, ok := findTopic(topics, key)
	if !ok || !topic.IsSubscribe() {
		return schema.Topic{}, false
	}
	return topic, true
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(body); err != nil {
		logger.Default().Errorln("cannot encode response:", err)
	}
}
