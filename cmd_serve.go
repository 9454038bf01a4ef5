package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Tutortoise/pointcloud-segmentation/config"
	"github.com/Tutortoise/pointcloud-segmentation/dataset"
	"github.com/Tutortoise/pointcloud-segmentation/models"
	"github.com/Tutortoise/pointcloud-segmentation/pointio"
	"github.com/Tutortoise/pointcloud-segmentation/segmentation"
	"github.com/gorilla/mux"
	"github.com/seqsense/pcgol/mat"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	maxUploadSize     = 256 << 20
	maxSamplesPerCall = 64
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Label uploaded point clouds over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := loadParams(configPath, "")
		if err != nil {
			return err
		}

		release, err := initRuntime(resolveLibrary(ortLib))
		if err != nil {
			return err
		}
		defer release()
		segmentation.LogCPUFeatures(logger)

		pool, err := NewModelSessionPool(sessionFactory(params), params.PoolSize, logger)
		if err != nil {
			return fmt.Errorf("failed to create model session pool: %w", err)
		}
		defer pool.Destroy()

		state := &AppState{Params: params, Pool: pool}
		if err := state.checkModel(cmd.Context()); err != nil {
			return err
		}
		srv := &http.Server{
			Handler:      state.router(),
			Addr:         serveAddr,
			WriteTimeout: 60 * time.Second,
			ReadTimeout:  60 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 1)
		go func() {
			logger.Info("Starting server", zap.String("addr", srv.Addr))
			errc <- srv.ListenAndServe()
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8080", "listen address")
}

type AppState struct {
	Params *config.HyperParams
	Pool   *ModelSessionPool
}

type PredictResponse struct {
	RequestID   string         `json:"request_id"`
	NumSamples  int            `json:"num_samples"`
	Points      []mat.Vec3     `json:"points"`
	Labels      []int          `json:"labels"`
	ClassCounts map[string]int `json:"class_counts"`
	Message     string         `json:"message"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// checkModel logs the tensor layout of the pooled sessions and verifies it
// matches the hyper-parameters requests are sampled with.
func (s *AppState) checkModel(ctx context.Context) error {
	shape, err := s.Pool.Shape(ctx)
	if err != nil {
		return err
	}
	logger.Info("Model layout", zap.Stringer("shape", shape), zap.String("model", s.Params.ModelPath))
	if want := modelShape(s.Params); shape != want {
		return fmt.Errorf("model layout %s does not match configuration %s", shape, want)
	}
	return nil
}

func (s *AppState) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/predict", s.handlePredict).Methods("POST")
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// handlePredict samples num_samples boxes (default one batch) from the
// uploaded cloud and returns the sampled points with their labels.
func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := fmt.Sprintf("%d", time.Now().UnixNano())
	timings := &models.ProcessingTimings{RequestID: requestID}
	ctx := r.Context()

	numSamples, seed, err := parsePredictQuery(r, s.Params.BatchSize)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	if numSamples > maxSamplesPerCall {
		sendErrorResponse(w, "invalid_request", MsgTooManySamples, http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	var body []byte
	switch contentType := r.Header.Get("Content-Type"); {
	case strings.HasPrefix(contentType, "application/json"):
		body, err = handleJSONRequest(r)
	case strings.HasPrefix(contentType, "multipart/form-data"):
		body, err = handleMultipartRequest(r)
	default:
		body, err = handleRawRequest(r)
	}
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	cloud, err := pointio.DecodeCloud(bytes.NewReader(body))
	if err != nil {
		sendErrorResponse(w, "invalid_cloud", "Failed to decode point cloud", http.StatusBadRequest)
		return
	}
	fd, err := dataset.NewFileData(requestID, cloud, nil, s.Params.BoxSize)
	if errors.Is(err, dataset.ErrEmptyCloud) {
		sendErrorResponse(w, "invalid_cloud", MsgEmptyCloud, http.StatusBadRequest)
		return
	}
	if err != nil {
		sendErrorResponse(w, "invalid_cloud", err.Error(), http.StatusBadRequest)
		return
	}

	rng := rand.New(rand.NewPCG(seed, 0))
	resp := PredictResponse{
		RequestID:   requestID,
		NumSamples:  numSamples,
		ClassCounts: make(map[string]int),
		Message:     MsgPredicted,
	}
	names := s.Params.ClassNames()

	for done := 0; done < numSamples; done += s.Params.BatchSize {
		size := min(s.Params.BatchSize, numSamples-done)

		sampleStart := time.Now()
		batch := fd.SampleBatch(rng, size, s.Params.NumPoint)
		timings.Sample += time.Since(sampleStart)

		session, err := s.Pool.Acquire(ctx)
		if err != nil {
			sendErrorResponse(w, "session_error", MsgNotReady, http.StatusServiceUnavailable)
			return
		}
		labels, err := segmentation.Predict(ctx, session, batch, timings)
		if err != nil {
			s.Pool.Discard(session, err)
			sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
			return
		}
		s.Pool.Release(session)

		for i := range labels {
			resp.Points = append(resp.Points, batch.PointsRaw[i]...)
			resp.Labels = append(resp.Labels, labels[i]...)
			for _, l := range labels[i] {
				resp.ClassCounts[names[l]]++
			}
		}
	}

	timings.Total = time.Since(startTotal)
	logTimings(timings)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func parsePredictQuery(r *http.Request, defaultSamples int) (int, uint64, error) {
	q := r.URL.Query()
	numSamples := defaultSamples
	if v := q.Get("num_samples"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("num_samples must be a positive integer, got %q", v)
		}
		numSamples = n
	}
	var seed uint64
	if v := q.Get("seed"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("seed must be a non-negative integer, got %q", v)
		}
		seed = n
	}
	return numSamples, seed, nil
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Pool.GetMetrics())
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var lastErrors []string
	for _, err := range s.Pool.LastErrors() {
		lastErrors = append(lastErrors, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"model":       s.Params.ModelPath,
		"last_errors": lastErrors,
	})
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		PCD string `json:"pcd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.PCD)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
