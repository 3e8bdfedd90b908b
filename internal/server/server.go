// Package server streams an analysed scene to browser clients over a
// websocket and answers camera commands.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"focalfield/internal/models"
	"focalfield/pkg/transfer"
	"focalfield/pkg/visualization"
)

// Commands understood on the websocket
const (
	CommandFocus = "focus"
	CommandReset = "reset"
)

// SceneMessage is sent once to every client after it connects
type SceneMessage struct {
	Type        string               `json:"type"`
	RunID       string               `json:"runId"`
	Shape       models.Shape         `json:"shape"`
	VoxelSizeMM float64              `json:"voxelSizeMm"`
	Values      []float32            `json:"values"`
	Transfer    *transfer.Set        `json:"transfer"`
	Metrics     MetricsMessage       `json:"metrics"`
	Overlay     []string             `json:"overlay"`
	Camera      visualization.Camera `json:"camera"`
}

// MetricsMessage is the focal analysis as sent to clients
type MetricsMessage struct {
	MaxPressure   float64      `json:"maxPressure"`
	MaxIndex      models.Index `json:"maxIndex"`
	FWHMThreshold float64      `json:"fwhmThreshold"`
	Threshold     float64      `json:"threshold"`
	Fallback      bool         `json:"fallback"`
	Empty         bool         `json:"empty"`
	BoxMin        models.Index `json:"boxMin"`
	BoxMax        models.Index `json:"boxMax"`
	DimensionsMM  [3]float64   `json:"dimensionsMm"`
	VolumeMM3     float64      `json:"volumeMm3"`
	VoxelCount    int          `json:"voxelCount"`
}

// CommandMessage is what clients send
type CommandMessage struct {
	Command string `json:"command"`
}

// CameraMessage answers a camera command
type CameraMessage struct {
	Type    string               `json:"type"`
	Command string               `json:"command"`
	Camera  visualization.Camera `json:"camera"`
}

// ErrorMessage reports a command that could not be handled
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Server serves one scene to any number of clients
type Server struct {
	scene   SceneMessage
	cameras map[string]visualization.Camera
	logger  *log.Logger

	upgrader websocket.Upgrader

	clientsMutex sync.Mutex
	clients      map[*websocket.Conn]*sync.Mutex
}

// New prepares a server for scene. runID identifies the analysis run.
func New(scene *visualization.Scene, runID string, logger *log.Logger) (*Server, error) {
	if scene == nil || scene.Field == nil || scene.Transfer == nil {
		return nil, errors.New("scene needs a normalized field and transfer functions")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	m := scene.Metrics
	s := &Server{
		cameras: map[string]visualization.Camera{
			CommandFocus: visualization.Focus(m, scene.VoxelSizeMM),
			CommandReset: visualization.Reset(scene.Field.Shape, scene.VoxelSizeMM),
		},
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
	s.scene = SceneMessage{
		Type:        "scene",
		RunID:       runID,
		Shape:       scene.Field.Shape,
		VoxelSizeMM: scene.VoxelSizeMM,
		Values:      scene.Field.Float32(),
		Transfer:    scene.Transfer,
		Metrics: MetricsMessage{
			MaxPressure:   m.MaxPressure,
			MaxIndex:      m.MaxIndex,
			FWHMThreshold: m.FWHMThreshold,
			Threshold:     m.Threshold,
			Fallback:      m.Fallback,
			Empty:         m.BoundingBox.Empty,
			BoxMin:        m.BoundingBox.Min,
			BoxMax:        m.BoundingBox.Max,
			DimensionsMM:  m.DimensionsMM,
			VolumeMM3:     m.VolumeMM3,
			VoxelCount:    m.VoxelCount,
		},
		Overlay: scene.Overlay,
		Camera:  s.cameras[CommandReset],
	}
	return s, nil
}

// Handler returns the HTTP routes: /ws and /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// ListenAndServe serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Printf("Scene server listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Println("WebSocket upgrade error:", err)
		return
	}
	defer conn.Close()

	connMutex := &sync.Mutex{}
	s.clientsMutex.Lock()
	s.clients[conn] = connMutex
	s.clientsMutex.Unlock()
	defer func() {
		s.clientsMutex.Lock()
		delete(s.clients, conn)
		s.clientsMutex.Unlock()
	}()

	if err := send(conn, connMutex, s.scene); err != nil {
		s.logger.Println("WebSocket write error:", err)
		return
	}

	for {
		var msg CommandMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Println("WebSocket read error:", err)
			}
			return
		}

		if err := send(conn, connMutex, s.reply(msg)); err != nil {
			s.logger.Println("WebSocket write error:", err)
			return
		}
	}
}

// reply builds the answer to one command
func (s *Server) reply(msg CommandMessage) any {
	command := strings.ToLower(strings.TrimSpace(msg.Command))
	cam, ok := s.cameras[command]
	if !ok {
		known := maps.Keys(s.cameras)
		slices.Sort(known)
		return ErrorMessage{
			Type:  "error",
			Error: fmt.Sprintf("unknown command %q (must be one of %s)", msg.Command, strings.Join(known, ", ")),
		}
	}
	return CameraMessage{Type: "camera", Command: command, Camera: cam}
}

func (s *Server) closeClients() {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	for conn, mu := range s.clients {
		mu.Lock()
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		mu.Unlock()
		if err != nil {
			s.logger.Println("WebSocket close error:", err)
		}
	}
}

func send(conn *websocket.Conn, mu *sync.Mutex, v any) error {
	mu.Lock()
	defer mu.Unlock()
	return conn.WriteJSON(v)
}
