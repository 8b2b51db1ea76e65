// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/inertial_steps/internal/calibration"
	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/fusion"
	"github.com/relabs-tech/inertial_steps/internal/pipeline"
	"github.com/relabs-tech/inertial_steps/internal/power"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// Monitor exposes the read side of a running engine.
type Monitor interface {
	State() fusion.State
	Profile() power.Profile
	Settings() pipeline.Settings
	Stats() pipeline.Stats
	EffectiveRateHz() float64
	MeasuredRateHz() float64
	NeedsAttention() bool
	CalibrationSession() (calibration.Session, bool)
}

// StateView is the /api/state document and the first websocket message.
type StateView struct {
	Fusion          fusion.State         `json:"fusion"`
	Power           power.Profile        `json:"power"`
	Settings        pipeline.Settings    `json:"settings"`
	Stats           pipeline.Stats       `json:"stats"`
	EffectiveRateHz float64              `json:"effective_rate_hz"`
	MeasuredRateHz  float64              `json:"measured_rate_hz"`
	NeedsAttention  bool                 `json:"needs_attention"`
	Calibration     *calibration.Session `json:"calibration,omitempty"`
}

func viewOf(m Monitor) StateView {
	v := StateView{
		Fusion:          m.State(),
		Power:           m.Profile(),
		Settings:        m.Settings(),
		Stats:           m.Stats(),
		EffectiveRateHz: m.EffectiveRateHz(),
		MeasuredRateHz:  m.MeasuredRateHz(),
		NeedsAttention:  m.NeedsAttention(),
	}
	if sess, ok := m.CalibrationSession(); ok {
		v.Calibration = &sess
	}
	return v
}

// WSResponse is one message pushed to websocket clients.
type WSResponse struct {
	Type    string `json:"type"` // state, steps, walking, power, calibration, condition, error
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	clientBuffer = 32
	writeWait    = 2 * time.Second
)

type streamClient struct {
	conn *websocket.Conn
	send chan WSResponse
}

// Stream fans engine outputs out to websocket clients. It is a
// pipeline.Sink; slow clients lose messages instead of stalling the engine.
type Stream struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

// NewStream builds an empty hub.
func NewStream(log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{log: log, clients: make(map[*streamClient]struct{})}
}

// Clients returns the number of connected websocket clients.
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Stream) broadcast(msg WSResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.log.Debug("stream: client behind, message dropped", "type", msg.Type)
		}
	}
}

func (s *Stream) Steps(v pipeline.StepCount)       { s.broadcast(WSResponse{Type: "steps", Data: v}) }
func (s *Stream) Walking(v pipeline.WalkingUpdate) { s.broadcast(WSResponse{Type: "walking", Data: v}) }
func (s *Stream) Power(v power.Profile)            { s.broadcast(WSResponse{Type: "power", Data: v}) }
func (s *Stream) Calibration(v calibration.Result) {
	s.broadcast(WSResponse{Type: "calibration", Data: v})
}
func (s *Stream) Condition(v faults.Condition) {
	s.broadcast(WSResponse{Type: "condition", Data: v, Message: v.String()})
}

// Handler serves the websocket stream, the JSON state endpoint and, when
// webDir is set, static files. Commands received on the websocket run
// against e until ctx ends.
func (s *Stream) Handler(ctx context.Context, e Engine, m Monitor, webDir string) http.Handler {
	cmds := NewCommandHandler(ctx, e, s.log)
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/steps", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, cmds, m)
	})

	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(viewOf(m)); err != nil {
			s.log.Warn("stream: json encode error", "err", err)
		}
	})

	mux.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var c Command
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := cmds.Handle(c); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if webDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(webDir)))
	}
	return mux
}

func (s *Stream) serveWS(w http.ResponseWriter, r *http.Request, cmds *CommandHandler, m Monitor) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("stream: websocket upgrade error", "err", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan WSResponse, clientBuffer)}
	c.send <- WSResponse{Type: "state", Data: viewOf(m)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info("stream: client connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug("stream: write error", "err", err)
				return
			}
		}
	}()

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			s.log.Debug("stream: websocket read error", "err", err)
			break
		}
		if err := cmds.Handle(cmd); err != nil {
			select {
			case c.send <- WSResponse{Type: "error", Message: err.Error()}:
			default:
			}
		}
	}

	s.mu.Lock()
	delete(s.clients, c)
	close(c.send)
	s.mu.Unlock()
	<-done
	conn.Close()
	s.log.Info("stream: client disconnected", "remote", r.RemoteAddr)
}
