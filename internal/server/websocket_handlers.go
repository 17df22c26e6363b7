package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/greenday-app/leafdx/internal/diagnosis"
	"github.com/greenday-app/leafdx/internal/imgproc"
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS origin enforcement happens at the proxy; browsers that
		// reach this endpoint are allowed to stream.
		return true
	},
}

// WebSocketDiagnoseRequest is the single request frame a client sends.
// Image bytes travel base64-encoded per encoding/json convention.
type WebSocketDiagnoseRequest struct {
	Image   []byte                 `json:"image"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// WebSocketDiagnoseResponse is a frame sent back to the client: stage
// transitions while the pipeline runs, then a final result or error.
type WebSocketDiagnoseResponse struct {
	Type      string           `json:"type"`
	Status    string           `json:"status"` // "processing", "completed", "error"
	Stage     string           `json:"stage,omitempty"`
	Result    *DiagnosisResult `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorType string           `json:"error_type,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

// WebSocketConnWriter is an interface for writing WebSocket messages.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// diagnoseWebSocketHandler handles WebSocket connections that stream
// pipeline stage transitions while a diagnosis runs.
func (s *Server) diagnoseWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	websocketActiveConnections.Inc()
	defer websocketActiveConnections.Dec()

	slog.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)

	s.handleWebSocketConnection(r, conn)
}

// handleWebSocketConnection processes messages from a WebSocket connection.
func (s *Server) handleWebSocketConnection(r *http.Request, conn *websocket.Conn) {
	// Set read deadline to prevent hanging connections
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Send ping messages to keep connection alive
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			break
		}

		if messageType == websocket.TextMessage {
			s.handleWebSocketMessage(r, conn, data)
		}
	}
}

// handleWebSocketMessage runs one diagnosis for one request frame.
func (s *Server) handleWebSocketMessage(r *http.Request, conn *websocket.Conn, data []byte) {
	var req WebSocketDiagnoseRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendWebSocketError(conn, "invalid_request", fmt.Sprintf("Failed to parse request: %v", err), "")
		return
	}
	if len(req.Image) == 0 {
		s.sendWebSocketError(conn, "invalid_request", "No image data provided", "")
		return
	}
	if limit := s.maxUploadMB * 1024 * 1024; int64(len(req.Image)) > limit {
		s.sendWebSocketError(conn, "invalid_request", "Image exceeds the upload size limit", "")
		return
	}

	requestID := strconv.FormatInt(time.Now().UnixNano(), 10)
	opts := s.extractWebSocketOptions(r, req.Options)

	uploadSizeBytes.Observe(float64(len(req.Image)))

	progress := func(state diagnosis.State) {
		s.sendWebSocketResponse(conn, WebSocketDiagnoseResponse{
			Type:      "stage",
			Status:    "processing",
			Stage:     string(state),
			RequestID: requestID,
		})
	}

	ctx, cancel := s.requestContext(r.Context())
	defer cancel()

	result, err := s.diagnoser.DiagnoseWithProgress(ctx, req.Image, opts, progress)
	if err != nil {
		switch {
		case errors.Is(err, imgproc.ErrInvalidImage):
			s.sendWebSocketError(conn, "invalid_request", "Image could not be decoded", requestID)
		case errors.Is(err, diagnosis.ErrInferenceUnavailable):
			s.sendWebSocketError(conn, "inference_unavailable", "Inference backends are unavailable", requestID)
		default:
			slog.Error("WebSocket diagnosis failed", "error", err)
			s.sendWebSocketError(conn, "processing_error", "Diagnosis failed", requestID)
		}
		return
	}

	recordDiagnosisMetrics(result.Record.Severity, result.Cached)

	s.sendWebSocketResponse(conn, WebSocketDiagnoseResponse{
		Type:      "diagnosis",
		Status:    "completed",
		Result:    s.resultFromRecord(ctx, result.Record, result.Cached, opts.IncludePerModel),
		RequestID: requestID,
	})
}

// extractWebSocketOptions builds diagnosis options from a request frame.
// The owner comes from the upgrade request's header so the streaming
// path shares the HTTP path's identity model.
func (s *Server) extractWebSocketOptions(r *http.Request, options map[string]interface{}) diagnosis.Options {
	opts := diagnosis.DefaultOptions()
	opts.OwnerID = r.Header.Get(ownerHeader)

	if options == nil {
		return opts
	}

	if val, ok := options["top_k"].(float64); ok {
		opts.TopK = int(val)
	}
	if val, ok := options["use_preprocess"].(bool); ok {
		opts.UsePreprocess = val
	}
	if val, ok := options["use_tta"].(bool); ok {
		opts.UseTTA = val
	}
	if val, ok := options["include_clip"].(bool); ok {
		opts.IncludeZeroShot = val
	}
	if val, ok := options["include_per_model"].(bool); ok {
		opts.IncludePerModel = val
	}
	if val, ok := options["include_advice"].(bool); ok {
		opts.IncludeAdvice = val
	}

	return opts
}

// sendWebSocketResponse sends a response message over WebSocket.
func (s *Server) sendWebSocketResponse(conn WebSocketConnWriter, response WebSocketDiagnoseResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Failed to marshal WebSocket response", "error", err)
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error("Failed to send WebSocket message", "error", err)
	}
}

// sendWebSocketError sends an error message over WebSocket.
func (s *Server) sendWebSocketError(conn WebSocketConnWriter, errorType, message, requestID string) {
	s.sendWebSocketResponse(conn, WebSocketDiagnoseResponse{
		Type:      "error",
		Status:    "error",
		Error:     message,
		ErrorType: errorType,
		RequestID: requestID,
	})
}
