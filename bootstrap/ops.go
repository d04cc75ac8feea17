package bootstrap

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/degradation"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/util"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxEnqueueBody bounds POST /queues/{queue} request bodies
const maxEnqueueBody = 1 << 20

var validate = validator.New()

// enqueueRequest is the body of POST /queues/{queue}
type enqueueRequest struct {
	Queue   string          `json:"-" validate:"required,max=256,printascii"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type opsHandler struct {
	app    *App
	logger *zap.SugaredLogger
}

// NewOpsRouter serves metrics, liveness, readiness, the status report,
// remote enqueue and manual fallback drains
func NewOpsRouter(app *App, logger *zap.SugaredLogger) *mux.Router {
	h := &opsHandler{app: app, logger: logger}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/health", h.health).Methods("GET")
	router.HandleFunc("/ready", h.ready).Methods("GET")
	router.HandleFunc("/status", h.status).Methods("GET")
	router.HandleFunc("/queues/{queue}", h.enqueue).Methods("POST")
	router.HandleFunc("/drain", h.drainAll).Methods("POST")
	router.HandleFunc("/drain/{queue}", h.drainQueue).Methods("POST")
	return router
}

// health reports the degradation mode; minimal mode is a failure
func (h *opsHandler) health(w http.ResponseWriter, r *http.Request) {
	mode := h.app.Degradation.Mode()

	code := http.StatusOK
	if mode == degradation.ModeMinimal {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":             string(mode),
		"available_features": h.app.Degradation.GetAvailableFeatures(),
		"time":               time.Now().Format(time.RFC3339),
	}, h.logger)
}

// ready reports whether new work reaches the store directly
func (h *opsHandler) ready(w http.ResponseWriter, r *http.Request) {
	if !h.app.Degradation.StoreAvailable() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"}, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, h.logger)
}

// status serves the full report; ?queue= may be repeated
func (h *opsHandler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Report(r.Context(), r.URL.Query()["queue"]), h.logger)
}

// enqueue adds {"payload": ...} to the named queue through the fallback
// path. A rejected add is answered with 429 and the add result.
func (h *opsHandler) enqueue(w http.ResponseWriter, r *http.Request) {
	req := enqueueRequest{Queue: mux.Vars(r)["queue"]}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON in request body", err, h.logger)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid enqueue request", err, h.logger)
		return
	}
	if string(req.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "Invalid enqueue request", nil, h.logger)
		return
	}

	result, err := h.app.Degradation.QueueWithFallback(r.Context(), req.Queue, req.Payload)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to enqueue", err, h.logger)
		return
	}
	code := http.StatusOK
	if !result.Success {
		code = http.StatusTooManyRequests
	}
	writeJSON(w, code, result, h.logger)
}

func (h *opsHandler) drainAll(w http.ResponseWriter, r *http.Request) {
	drained, err := h.app.Degradation.DrainAll(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to drain fallback queues", err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"drained": drained}, h.logger)
}

func (h *opsHandler) drainQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["queue"]
	drained, err := h.app.Degradation.DrainFallbackQueue(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to drain fallback queue", err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queue": name, "drained": drained}, h.logger)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("Failed to encode response", "error", err)
	}
}

// writeError logs the full error and sends only the message
func writeError(w http.ResponseWriter, code int, message string, err error, logger *zap.SugaredLogger) {
	logger.Errorw(message, "error", util.SanitizeError(err), "status_code", code)
	http.Error(w, message, code)
}
