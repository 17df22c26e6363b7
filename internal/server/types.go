// Package server exposes the diagnosis pipeline over HTTP: multipart
// uploads, stored-record reads, a websocket progress stream, health
// and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/greenday-app/leafdx/internal/diagnosis"
	"github.com/greenday-app/leafdx/internal/store"
	"github.com/greenday-app/leafdx/internal/vocab"
)

// diagnoserInterface defines what the handlers need from the pipeline.
type diagnoserInterface interface {
	Diagnose(ctx context.Context, data []byte, opts diagnosis.Options) (*diagnosis.Result, error)
	DiagnoseWithProgress(ctx context.Context, data []byte, opts diagnosis.Options, progress diagnosis.ProgressFunc) (*diagnosis.Result, error)
}

// recordReader is the read side of the record store.
type recordReader interface {
	Get(ctx context.Context, id string) (*store.Record, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*store.Record, error)
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	diagnoser   diagnoserInterface
	records     recordReader
	localizer   diagnosis.Localizer
	vocabulary  *vocab.Vocabulary
	corsOrigin  string
	maxUploadMB int64
	timeoutSec  int
	rateLimiter *RateLimiter
}

// Config holds server configuration.
type Config struct {
	Host            string
	Port            int
	CORSOrigin      string
	MaxUploadMB     int64
	TimeoutSec      int
	RateLimitPerMin int
}

// Deps are the collaborators the server exposes over HTTP.
type Deps struct {
	Diagnoser  diagnoserInterface
	Records    recordReader
	Localizer  diagnosis.Localizer
	Vocabulary *vocab.Vocabulary
}

// Response types for API endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

type CandidateResult struct {
	Key         string  `json:"key"`
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

type DiagnosisResult struct {
	ID           string                  `json:"id"`
	Disease      string                  `json:"disease"`
	Label        string                  `json:"label"`
	Score        float64                 `json:"score"`
	Severity     string                  `json:"severity"`
	Cached       bool                    `json:"cached"`
	Candidates   []CandidateResult       `json:"candidates"`
	PerModel     []store.ModelPrediction `json:"per_model,omitempty"`
	Advice       []string                `json:"advice,omitempty"`
	UsedTTA      bool                    `json:"used_tta"`
	UsedZeroShot bool                    `json:"used_zero_shot"`
	Cropped      bool                    `json:"cropped"`
	Width        int                     `json:"width"`
	Height       int                     `json:"height"`
	CreatedAt    string                  `json:"created_at"`
}

type DiagnoseResponse struct {
	Success bool             `json:"success"`
	Result  *DiagnosisResult `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type VocabularyEntry struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

type VocabularyResponse struct {
	Entries []VocabularyEntry `json:"entries"`
	Count   int               `json:"count"`
}

type HistoryResponse struct {
	Records []DiagnosisResult `json:"records"`
	Count   int               `json:"count"`
}

// NewServer creates a new diagnosis server instance.
func NewServer(config Config, deps Deps) *Server {
	s := &Server{
		diagnoser:   deps.Diagnoser,
		records:     deps.Records,
		localizer:   deps.Localizer,
		vocabulary:  deps.Vocabulary,
		corsOrigin:  config.CORSOrigin,
		maxUploadMB: config.MaxUploadMB,
		timeoutSec:  config.TimeoutSec,
	}
	if s.vocabulary == nil {
		s.vocabulary = vocab.Default()
	}
	if config.RateLimitPerMin > 0 {
		s.rateLimiter = NewRateLimiter(config.RateLimitPerMin)
	}
	return s
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/diagnose", s.corsMiddleware(s.rateLimitMiddleware(s.diagnoseHandler)))
	mux.HandleFunc("/v1/diagnose/stream", s.diagnoseWebSocketHandler)
	mux.HandleFunc("/v1/diagnoses", s.corsMiddleware(s.historyHandler))
	mux.HandleFunc("/v1/diagnoses/", s.corsMiddleware(s.recordHandler))
	mux.HandleFunc("/v1/vocabulary", s.corsMiddleware(s.vocabularyHandler))
	mux.HandleFunc("/v1/remedy/", s.corsMiddleware(s.remedyHandler))
}

// requestContext derives the handler deadline from the configured
// request timeout. Websocket streams need this too: once the
// connection is hijacked, http.Server write timeouts no longer apply.
func (s *Server) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeoutSec <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(s.timeoutSec)*time.Second)
}

// resultFromRecord converts a stored record into the API shape.
func (s *Server) resultFromRecord(ctx context.Context, rec *store.Record, cached, includePerModel bool) *DiagnosisResult {
	res := &DiagnosisResult{
		ID:           rec.ID,
		Disease:      rec.DiseaseKey,
		Label:        rec.DiseaseLabel,
		Score:        rec.Score,
		Severity:     rec.Severity,
		Cached:       cached,
		UsedTTA:      rec.UsedTTA,
		UsedZeroShot: rec.UsedZeroShot,
		Cropped:      rec.Cropped,
		Width:        rec.Width,
		Height:       rec.Height,
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
	}
	for _, c := range rec.Candidates {
		label := c.Key
		if s.localizer != nil {
			label = s.localizer.Localize(ctx, c.Key)
		}
		res.Candidates = append(res.Candidates, CandidateResult{
			Key:         c.Key,
			Label:       label,
			Probability: c.Probability,
		})
	}
	if includePerModel {
		res.PerModel = rec.PerModel
	}
	return res
}
