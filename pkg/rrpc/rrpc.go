// Package rrpc serves synchronous remote calls sent to the device over MQTT.
//
// Requests arrive on /sys/{pk}/{dn}/rrpc/request/{id} and the answer is
// published to /sys/{pk}/{dn}/rrpc/response/{id}.
package rrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/mqtt"
)

// Response codes.
const (
	CodeOK            = 200
	CodeBadRequest    = 400
	CodeNotFound      = 404
	CodeInternalError = 500
)

// Transport is the part of the MQTT client the server needs.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Handler answers one method. The returned value becomes the response
// data and must marshal to JSON.
type Handler func(ctx context.Context, params map[string]any) (any, error)

type Request struct {
	ID      string         `json:"id"`
	Version string         `json:"version"`
	Params  map[string]any `json:"params"`
	Method  string         `json:"method,omitempty"`
}

type Response struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Code    int    `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type Server struct {
	transport    Transport
	productKey   string
	deviceName   string
	handlers     map[string]Handler
	mutex        sync.RWMutex
	requestIDReg *regexp.Regexp

	// Timeout bounds each handler call.
	Timeout time.Duration

	ctx context.Context
}

func NewServer(transport Transport, productKey, deviceName string) *Server {
	requestIDReg := regexp.MustCompile(`/sys/` + regexp.QuoteMeta(productKey) + `/` + regexp.QuoteMeta(deviceName) + `/rrpc/request/(.+)`)

	return &Server{
		transport:    transport,
		productKey:   productKey,
		deviceName:   deviceName,
		handlers:     make(map[string]Handler),
		requestIDReg: requestIDReg,
		Timeout:      30 * time.Second,
		ctx:          context.Background(),
	}
}

func (s *Server) requestTopic() string {
	return fmt.Sprintf("/sys/%s/%s/rrpc/request/+", s.productKey, s.deviceName)
}

// Start subscribes to requests. Handlers run under ctx.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	return s.transport.Subscribe(s.requestTopic(), 0, s.handleRequest)
}

func (s *Server) Stop() error {
	return s.transport.Unsubscribe(s.requestTopic())
}

func (s *Server) RegisterHandler(method string, handler Handler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handlers[method] = handler
}

func (s *Server) UnregisterHandler(method string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.handlers, method)
}

func (s *Server) handleRequest(topic string, payload []byte) {
	glog.V(1).Infof("Received RRPC request on topic: %s, payload: %s", topic, payload)

	requestID := s.extractRequestID(topic)
	if requestID == "" {
		glog.Warningf("Failed to extract request ID from topic: %s", topic)
		return
	}

	var request Request
	if err := json.Unmarshal(payload, &request); err != nil {
		glog.Warningf("Failed to unmarshal RRPC request: %v", err)
		s.sendResponse(requestID, Response{ID: requestID, Code: CodeBadRequest, Message: "Invalid JSON format"})
		return
	}
	id := request.ID
	if id == "" {
		id = requestID
	}

	s.mutex.RLock()
	handler, exists := s.handlers[request.Method]
	s.mutex.RUnlock()

	if !exists {
		glog.Warningf("No handler registered for method: %s", request.Method)
		s.sendResponse(requestID, Response{ID: id, Code: CodeNotFound, Message: fmt.Sprintf("Method '%s' not found", request.Method)})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.Timeout)
	defer cancel()
	data, err := handler(ctx, request.Params)
	if err != nil {
		glog.Errorf("RRPC method %s failed: %v", request.Method, err)
		s.sendResponse(requestID, Response{ID: id, Code: CodeInternalError, Message: err.Error()})
		return
	}

	s.sendResponse(requestID, Response{ID: id, Code: CodeOK, Data: data})
}

func (s *Server) extractRequestID(topic string) string {
	matches := s.requestIDReg.FindStringSubmatch(topic)
	if len(matches) < 2 {
		return ""
	}
	return matches[1]
}

func (s *Server) sendResponse(requestID string, response Response) {
	response.Version = "1.0"
	responseTopic := fmt.Sprintf("/sys/%s/%s/rrpc/response/%s", s.productKey, s.deviceName, requestID)

	responseData, err := json.Marshal(response)
	if err != nil {
		glog.Errorf("Failed to marshal RRPC response: %v", err)
		return
	}

	if err := s.transport.Publish(responseTopic, responseData, 0, false); err != nil {
		glog.Errorf("Failed to publish RRPC response: %v", err)
		return
	}

	glog.V(1).Infof("Sent RRPC response to topic: %s, payload: %s", responseTopic, responseData)
}
