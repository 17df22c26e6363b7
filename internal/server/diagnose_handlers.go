package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/greenday-app/leafdx/internal/advice"
	"github.com/greenday-app/leafdx/internal/aggregate"
	"github.com/greenday-app/leafdx/internal/diagnosis"
	"github.com/greenday-app/leafdx/internal/imgproc"
)

// ownerHeader carries the caller's plant/owner identity. Requests
// without it share the anonymous history bucket.
const ownerHeader = "X-Owner-ID"

// diagnoseHandler handles POST /v1/diagnose with a multipart image.
func (s *Server) diagnoseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	data, status, msg := s.readUpload(w, r)
	if data == nil {
		s.writeError(w, status, msg)
		return
	}
	uploadSizeBytes.Observe(float64(len(data)))

	opts := parseOptions(r)

	ctx, cancel := s.requestContext(r.Context())
	defer cancel()

	result, err := s.diagnoser.Diagnose(ctx, data, opts)
	if err != nil {
		s.writeDiagnoseError(w, err)
		return
	}

	recordDiagnosisMetrics(result.Record.Severity, result.Cached)

	res := s.resultFromRecord(ctx, result.Record, result.Cached, opts.IncludePerModel)
	if opts.IncludeAdvice {
		guide, _ := advice.For(result.Record.DiseaseKey)
		res.Advice = guide.Lines(aggregate.Severity(result.Record.Severity))
	}

	s.writeJSON(w, http.StatusOK, DiagnoseResponse{Success: true, Result: res})
}

// readUpload extracts the image bytes from the multipart form. A nil
// slice means the request was rejected with the returned status.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, int, string) {
	maxBytes := s.maxUploadMB * 1024 * 1024
	if r.ContentLength > maxBytes {
		return nil, http.StatusRequestEntityTooLarge, "image exceeds the upload size limit"
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, "image exceeds the upload size limit"
		}
		return nil, http.StatusBadRequest, "invalid multipart form"
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, http.StatusBadRequest, "missing image field"
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, "image exceeds the upload size limit"
		}
		return nil, http.StatusBadRequest, "failed to read image"
	}
	if len(data) == 0 {
		return nil, http.StatusBadRequest, "empty image"
	}

	return data, 0, ""
}

// parseOptions builds diagnosis options from form values and headers.
func parseOptions(r *http.Request) diagnosis.Options {
	opts := diagnosis.DefaultOptions()
	opts.OwnerID = r.Header.Get(ownerHeader)

	if v := r.FormValue("top_k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.TopK = n
		}
	}
	opts.UsePreprocess = formBool(r, "use_preprocess", opts.UsePreprocess)
	opts.UseTTA = formBool(r, "use_tta", opts.UseTTA)
	opts.IncludeZeroShot = formBool(r, "include_clip", opts.IncludeZeroShot)
	opts.IncludePerModel = formBool(r, "include_per_model", opts.IncludePerModel)
	opts.IncludeAdvice = formBool(r, "include_advice", opts.IncludeAdvice)

	return opts
}

func formBool(r *http.Request, name string, fallback bool) bool {
	v := r.FormValue(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// writeDiagnoseError maps pipeline failures to HTTP statuses.
func (s *Server) writeDiagnoseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, imgproc.ErrInvalidImage):
		s.writeError(w, http.StatusBadRequest, "image could not be decoded")
	case errors.Is(err, diagnosis.ErrInferenceUnavailable):
		s.writeError(w, http.StatusBadGateway, "inference backends are unavailable")
	default:
		slog.Error("Diagnosis failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "diagnosis failed")
	}
}
