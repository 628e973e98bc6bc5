package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/kacperjurak/goretro"
	"github.com/kacperjurak/goretro/internal/logger"
	"github.com/kacperjurak/goretro/internal/storage"
	"github.com/kacperjurak/goretro/internal/utils"
	"github.com/kacperjurak/goretro/pkg/config"
	"github.com/kacperjurak/goretro/pkg/models"
)

// ProcessorFunc reconstructs one event.
type ProcessorFunc func(ctx context.Context, ef *models.EventFile, tf *models.TableFile, cfg *config.Config) (goretro.Result, error)

// ResultStore persists finished results.
type ResultStore interface {
	SaveResult(ctx context.Context, r goretro.Result) error
	GetResult(ctx context.Context, id string) (goretro.Result, error)
}

// Notifier is told about every finished request.
type Notifier interface {
	Send(ctx context.Context, id string, res *goretro.Result, err error) error
}

// RecoHandler accepts reconstruction requests and processes them in the
// background.
type RecoHandler struct {
	config    *config.Config
	processor ProcessorFunc
	store     ResultStore
	notifier  Notifier

	ctx   context.Context
	slots chan struct{}
	wg    sync.WaitGroup
}

// RecoOptions holds the dependencies of a RecoHandler. Store and Notifier
// are optional.
type RecoOptions struct {
	Config    *config.Config
	Processor ProcessorFunc
	Store     ResultStore
	Notifier  Notifier
	// Workers bounds concurrent reconstructions.
	Workers int
}

// NewRecoHandler creates a new reconstruction handler. Background work is
// cancelled with ctx.
func NewRecoHandler(ctx context.Context, opts RecoOptions) *RecoHandler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &RecoHandler{
		config:    opts.Config,
		processor: opts.Processor,
		store:     opts.Store,
		notifier:  opts.Notifier,
		ctx:       ctx,
		slots:     make(chan struct{}, opts.Workers),
	}
}

// ServeHTTP implements the http.Handler interface
func (h *RecoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setupCORS(w, "POST, OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.RecoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(req.Event.Hits) == 0 {
		writeError(w, "No hits provided", http.StatusBadRequest)
		return
	}
	if len(req.Table.Sensors) == 0 {
		writeError(w, "No sensors provided", http.StatusBadRequest)
		return
	}

	requestID := utils.GenerateID()
	h.wg.Add(1)
	go h.processAsync(requestID, req)

	logger.Info("request %s: event %s with %d hits", requestID, req.Event.ID, len(req.Event.Hits))

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"request_id": requestID,
		"message":    "Processing started",
	})
}

// processAsync reconstructs the event, stores the result and notifies the
// webhook.
func (h *RecoHandler) processAsync(requestID string, req models.RecoRequest) {
	defer h.wg.Done()

	select {
	case h.slots <- struct{}{}:
		defer func() { <-h.slots }()
	case <-h.ctx.Done():
		return
	}

	res, err := h.processor(h.ctx, &req.Event, &req.Table, h.config)
	if err == nil {
		res.ID = requestID
		if h.store != nil {
			if serr := h.store.SaveResult(h.ctx, res); serr != nil {
				logger.Error("request %s: failed to store result: %v", requestID, serr)
			}
		}
		logger.Info("request %s finished: status=%s -llh=%.4f", requestID, res.Status, res.NegLLH)
	} else {
		logger.Warn("request %s failed: %v", requestID, err)
	}

	if h.notifier != nil {
		var out *goretro.Result
		if err == nil {
			out = &res
		}
		if nerr := h.notifier.Send(h.ctx, requestID, out, err); nerr != nil {
			logger.Warn("request %s: webhook failed: %v", requestID, nerr)
		}
	}
}

// Wait blocks until all background reconstructions returned.
func (h *RecoHandler) Wait() {
	h.wg.Wait()
}

// ResultsHandler serves stored results by id.
type ResultsHandler struct {
	store ResultStore
}

// NewResultsHandler creates a handler reading from store.
func NewResultsHandler(store ResultStore) *ResultsHandler {
	return &ResultsHandler{store: store}
}

// ServeHTTP implements the http.Handler interface
func (h *ResultsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setupCORS(w, "GET, OPTIONS")
	if h.store == nil {
		writeError(w, "Result storage is disabled", http.StatusServiceUnavailable)
		return
	}

	res, err := h.store.GetResult(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "Result not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("failed to load result: %v", err)
		writeError(w, "Failed to load result", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(res)
}

// setupCORS sets up CORS headers
func setupCORS(w http.ResponseWriter, methods string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// writeError writes an error response
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
