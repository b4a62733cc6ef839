// Package runner contains the low-level generation engine: sequence
// assembly, the decoder session state machine, KV cache slots and a minimal
// HTTP service exposing them.
package runner

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/chenwanqq/llava-go/api"
	"github.com/chenwanqq/llava-go/envconfig"
	"github.com/chenwanqq/llava-go/imageproc"
	"github.com/chenwanqq/llava-go/logutil"
	"github.com/chenwanqq/llava-go/model"

	_ "github.com/chenwanqq/llava-go/model/llava"
)

// LoadBackends supplies the numeric vision and decoder backends for a model
// path. Checkpoint parsing is out of scope here, so the default rejects every
// path; binaries that link a real backend override this hook.
var LoadBackends = func(modelPath string) (model.Config, model.Backends, error) {
	return model.Config{}, model.Backends{}, fmt.Errorf("no numeric backend linked for %q", modelPath)
}

type Server struct {
	engine *Engine
}

func NewServer(engine *Engine) *Server {
	return &Server{engine: engine}
}

func (s *Server) completion(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Transfer-Encoding", "chunked")

	var streamed bool
	enc := json.NewEncoder(w)
	err := s.engine.Complete(r.Context(), &req, func(resp api.GenerateResponse) error {
		if err := enc.Encode(resp); err != nil {
			return err
		}
		streamed = true
		flusher.Flush()
		return nil
	})
	if err != nil {
		slog.Error("completion failed", "error", err)
		if !streamed {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}

		// partial output already went out; close the stream with the
		// failure attached
		_ = enc.Encode(api.GenerateResponse{Done: true, DoneReason: api.DoneReasonError, Error: err.Error()})
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrPlaceholderCount),
		errors.Is(err, ErrContextOverflow),
		errors.Is(err, imageproc.ErrInvalidImage),
		errors.Is(err, model.ErrEmptyImageFeatures):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
	}
}

// Execute starts the runner service. It loads backends through LoadBackends,
// builds the engine and serves until the listener fails.
func Execute(args []string) error {
	fs := flag.NewFlagSet("runner", flag.ExitOnError)
	mpath := fs.String("model", "", "path to the model")
	arch := fs.String("arch", "llava", "registered model architecture")
	port := fs.Int("port", 8080, "port to expose the runner on")
	parallel := fs.Int("parallel", envconfig.Parallel(), "number of parallel sessions")
	multiUser := fs.Bool("multiuser-cache", false, "optimize slot eviction for multiple users")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Runner usage\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("starting runner", "model", *mpath, "arch", *arch)

	cfg, backends, err := LoadBackends(*mpath)
	if err != nil {
		return err
	}

	m, err := model.New(*arch, cfg, backends)
	if err != nil {
		return err
	}

	engine, err := NewEngine(m, EngineParams{Parallel: *parallel, MultiUserCache: *multiUser})
	if err != nil {
		return err
	}
	defer engine.Close()

	server := NewServer(engine)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(*port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer listener.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /completion", server.completion)
	mux.HandleFunc("GET /health", server.health)

	slog.Info("runner listening", "addr", addr)
	return (&http.Server{Handler: mux}).Serve(listener)
}
