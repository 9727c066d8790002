// Package devserver is a fake update backend: it serves a manifest, one
// firmware image and the activation endpoint.
package devserver

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/iot-go-sdk/fwupdate/pkg/auth"
)

// Config describes what the server offers.
type Config struct {
	Firmware     []byte
	FirmwareName string
	Version      string
	// Checksum overrides the md5 of Firmware in the manifest.
	Checksum     string
	OmitChecksum bool
	Force        bool

	// RequireActivation adds an activation challenge to manifests until
	// the device with the requesting serial has activated.
	RequireActivation bool
	Message           string
	Code              string
	TimeoutMs         int
	// PendingActivations is the number of valid activation requests
	// answered with 202 before one succeeds.
	PendingActivations int
	// KeySeed, when set, is used to check activation codes.
	KeySeed []byte

	// MQTT and Websocket are copied into every manifest.
	MQTT      map[string]any
	Websocket map[string]any
	// ServerTime adds the current time to every manifest.
	ServerTime bool

	// ChunkDelay slows the firmware download down by pausing after every
	// 4 KiB written.
	ChunkDelay time.Duration
}

// Stats counts requests per endpoint.
type Stats struct {
	Checks      int
	Downloads   int
	Activations int
}

// Server is the fake backend.
type Server struct {
	cfg    Config
	router *mux.Router

	mu         sync.Mutex
	stats      Stats
	answered   int
	challenges map[string]string
	activated  map[string]bool
}

// New creates a server for cfg.
func New(cfg Config) *Server {
	if cfg.FirmwareName == "" {
		cfg.FirmwareName = "firmware.bin"
	}
	s := &Server{
		cfg:        cfg,
		router:     mux.NewRouter(),
		challenges: make(map[string]string),
		activated:  make(map[string]bool),
	}
	s.RegisterHandlers(s.router)
	return s
}

// RegisterHandlers registers the backend endpoints on r.
func (s *Server) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/ota/activate", s.activate).Methods("POST")
	r.HandleFunc("/ota/", s.manifest).Methods("POST")
	r.HandleFunc("/ota", s.manifest).Methods("POST")
	r.HandleFunc("/firmware/{name}", s.firmware).Methods("GET")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Stats returns the request counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Activated reports whether serial has completed activation.
func (s *Server) Activated(serial string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activated[serial]
}

func (s *Server) manifest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Application struct {
			Version   string `json:"version"`
			BoardName string `json:"board_name"`
		} `json:"application"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("cannot parse request: %v", err), http.StatusBadRequest)
		return
	}
	serial := r.Header.Get("Serial-Number")
	glog.Infof("Version check from %q (board %s, version %s)", serial, req.Application.BoardName, req.Application.Version)

	resp := map[string]any{}
	if len(s.cfg.Firmware) > 0 {
		fw := map[string]any{
			"version": s.cfg.Version,
			"url":     fmt.Sprintf("http://%s/firmware/%s", r.Host, s.cfg.FirmwareName),
		}
		if s.cfg.Force {
			fw["force"] = 1
		}
		if !s.cfg.OmitChecksum {
			sum := s.cfg.Checksum
			if sum == "" {
				d := md5.Sum(s.cfg.Firmware)
				sum = hex.EncodeToString(d[:])
			}
			fw["md5"] = sum
		}
		resp["firmware"] = fw
	}
	if s.cfg.MQTT != nil {
		resp["mqtt"] = s.cfg.MQTT
	}
	if s.cfg.Websocket != nil {
		resp["websocket"] = s.cfg.Websocket
	}
	if s.cfg.ServerTime {
		resp["server_time"] = map[string]any{
			"timestamp":       time.Now().UnixMilli(),
			"timezone_offset": 0,
		}
	}

	s.mu.Lock()
	s.stats.Checks++
	if s.cfg.RequireActivation && serial != "" && !s.activated[serial] {
		challenge := uuid.NewString()
		s.challenges[challenge] = serial
		resp["activation"] = map[string]any{
			"message":    s.cfg.Message,
			"code":       s.cfg.Code,
			"challenge":  challenge,
			"timeout_ms": s.cfg.TimeoutMs,
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) firmware(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["name"] != s.cfg.FirmwareName || len(s.cfg.Firmware) == 0 {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	s.stats.Downloads++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.cfg.Firmware)))
	if s.cfg.ChunkDelay <= 0 {
		if _, err := w.Write(s.cfg.Firmware); err != nil {
			glog.Errorf("w.Write(): %v", err)
		}
		return
	}

	flusher, _ := w.(http.Flusher)
	for off := 0; off < len(s.cfg.Firmware); off += 4096 {
		end := min(off+4096, len(s.cfg.Firmware))
		if _, err := w.Write(s.cfg.Firmware[off:end]); err != nil {
			glog.Errorf("w.Write(): %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.ChunkDelay):
		}
	}
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("cannot read request body: %v", err), http.StatusBadRequest)
		return
	}
	var req struct {
		Algorithm    string `json:"algorithm"`
		SerialNumber string `json:"serial_number"`
		Challenge    string `json:"challenge"`
		HMAC         string `json:"hmac"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("cannot parse request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Algorithm != auth.Algorithm {
		http.Error(w, fmt.Sprintf("unsupported algorithm %q", req.Algorithm), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Activations++

	if s.challenges[req.Challenge] != req.SerialNumber || req.SerialNumber == "" {
		http.Error(w, "unknown challenge", http.StatusForbidden)
		return
	}
	if s.cfg.KeySeed != nil {
		key, err := auth.NewSoftwareKey(s.cfg.KeySeed, req.SerialNumber)
		if err != nil || !auth.VerifyActivationCode(key, req.Challenge, req.HMAC) {
			http.Error(w, "invalid hmac", http.StatusForbidden)
			return
		}
	}
	delete(s.challenges, req.Challenge)

	s.answered++
	if s.answered <= s.cfg.PendingActivations {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.activated[req.SerialNumber] = true
	glog.Infof("Device %s activated", req.SerialNumber)
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		glog.Errorf("w.Write(): %v", err)
	}
}
