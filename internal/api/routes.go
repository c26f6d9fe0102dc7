package api

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/quadscatter/server/internal/aesthetic"
	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/selection"
	"github.com/quadscatter/server/internal/selstore"
	"github.com/quadscatter/server/internal/service"
	"github.com/quadscatter/server/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Snapshots   *selstore.Store
	// Metrics serves /metrics; promhttp.Handler() when nil.
	Metrics http.Handler
	Logger  *logrus.Entry
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json", "application/octet-stream"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	metricsHandler := cfg.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/palettes", palettesHandler)

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/tiles/{z}/{x}/{y}.arrow", tileHandler)
		r.Get("/preview.png", previewHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/schema", schemaHandler)
			r.Get("/encoding", encodingStateHandler)
			r.Post("/encoding", encodingUpdateHandler)
			// chi treats '.' as a param delimiter, so the extension is
			// split off in the handler.
			r.Get("/textures/{channel}", textureHandler)
			r.Post("/download", downloadHandler)

			r.Route("/selections", func(r chi.Router) {
				r.Get("/", selectionListHandler)
				r.Post("/", selectionCreateHandler)
				r.Post("/combine", selectionCombineHandler)
				r.Post("/union", selectionUnionHandler)
				r.Get("/{name}", selectionGetHandler)
				r.Delete("/{name}", selectionDeleteHandler)
				r.Post("/{name}/evaluate", selectionEvaluateHandler)
				r.Get("/{name}/rows", selectionRowsHandler)
				r.Get("/{name}/rows/{i}", selectionRowHandler)
				r.Post("/{name}/cursor", selectionCursorHandler)
				r.Post("/{name}/snapshots", snapshotSaveHandler(cfg.Snapshots))
			})

			r.Route("/snapshots", func(r chi.Router) {
				r.Get("/", snapshotListHandler(cfg.Snapshots))
				r.Post("/{id}/load", snapshotLoadHandler(cfg.Snapshots))
				r.Delete("/{id}", snapshotDeleteHandler(cfg.Snapshots))
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", jobListHandler(cfg.JobManager))
				r.Post("/", jobSubmitHandler(cfg.JobManager))
				r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
				r.Delete("/{job_id}", jobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the plot service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.PlotService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.PlotService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrSelectionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrSelectionExists):
		status = http.StatusConflict
	case errors.Is(err, aesthetic.ErrEncodingParse),
		errors.Is(err, aesthetic.ErrUnknownChannel),
		errors.Is(err, selection.ErrInvalidSelection),
		errors.Is(err, selection.ErrOutOfRange),
		errors.Is(err, dataset.ErrColumnNotFound),
		errors.Is(err, dataset.ErrTransformationCycle):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

type paletteInfo struct {
	Name        string `json:"name"`
	Categorical bool   `json:"categorical"`
	Colors      int    `json:"colors,omitempty"`
}

// palettesHandler lists the named color ranges an encoding may use.
func palettesHandler(w http.ResponseWriter, r *http.Request) {
	names := colormap.Default.Names()
	out := make([]paletteInfo, 0, len(names))
	for _, name := range names {
		c, _ := colormap.Default.Lookup(name)
		info := paletteInfo{Name: name, Categorical: colormap.IsCategorical(c)}
		if info.Categorical {
			info.Colors = c.Len()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"palettes": out})
}

// tileHandler serves one tile as an Arrow IPC stream: the file itself for
// directory-backed datasets, otherwise the ready tile re-encoded.
func tileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	key, err := dataset.ParseKey(chi.URLParam(r, "z") + "/" + chi.URLParam(r, "x") + "/" + chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if path, ok := svc.TilePath(key); ok {
		if _, err := os.Stat(path); err != nil {
			http.Error(w, "tile not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		http.ServeFile(w, r, path)
		return
	}

	t := svc.Dataset().Tile(key)
	if t == nil || !t.Ready() {
		http.Error(w, "tile not loaded", http.StatusNotFound)
		return
	}
	children := t.Children()
	keys := make([]dataset.Key, len(children))
	for i, c := range children {
		keys[i] = c.Key()
	}
	extent := t.Extent()
	compress := r.URL.Query().Get("compress") == "zstd"
	data, err := dataset.EncodePayload(t.Record(), keys, &extent, compress)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.Write(data)
}

func schemaHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	schema, err := svc.Schema(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dataset":          svc.ID(),
		"columns":          schema,
		"tiles":            svc.Dataset().NumTiles(),
		"highest_known_ix": svc.Dataset().HighestKnownIx(),
	})
}

func encodingStateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getDatasetService(r).EncodingState())
}

// encodingUpdateHandler applies a partial encoding. Channel failures leave
// the other channels updated and are reported next to the new state.
func encodingUpdateHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	enc, err := aesthetic.ParseEncoding(body)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := svc.UpdateEncoding(r.Context(), enc)
	if state == nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"state": state}
	if err != nil {
		var errs aesthetic.ChannelErrors
		if errors.As(err, &errs) {
			failed := make(map[string]string, len(errs))
			for _, e := range errs {
				failed[string(e.Channel)] = e.Err.Error()
			}
			resp["errors"] = failed
		} else {
			resp["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// textureHandler serves a channel's lookup texture: raw bytes for .bin (the
// default), a PNG strip for .png. ?state=last selects the previous
// aesthetic.
func textureHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	channel := chi.URLParam(r, "channel")
	format := "bin"
	if i := strings.LastIndexByte(channel, '.'); i >= 0 {
		channel, format = channel[:i], channel[i+1:]
	}
	last := r.URL.Query().Get("state") == "last"

	var data []byte
	var err error
	switch format {
	case "bin":
		data, err = svc.Texture(channel, last)
		w.Header().Set("Content-Type", "application/octet-stream")
	case "png":
		data, err = svc.TextureStrip(channel, last)
		w.Header().Set("Content-Type", "image/png")
	default:
		http.Error(w, "unknown texture format: "+format, http.StatusBadRequest)
		return
	}
	if err != nil {
		w.Header().Del("Content-Type")
		writeError(w, err)
		return
	}
	w.Write(data)
}

type downloadRequest struct {
	BBox        *dataset.Rect `json:"bbox"`
	MaxIx       *int64        `json:"max_ix"`
	QueueLength int           `json:"queue_length"`
}

// downloadHandler queues the tiles most needed for a viewport.
func downloadHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	var req downloadRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	bbox := req.BBox
	if bbox == nil {
		ext, err := svc.Dataset().Extent(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		bbox = &ext
	}
	maxIx := int64(math.MaxInt64)
	if req.MaxIx != nil {
		maxIx = *req.MaxIx
	}
	if req.QueueLength <= 0 {
		req.QueueLength = 8
	}
	if req.QueueLength > 256 {
		req.QueueLength = 256
	}
	writeJSON(w, http.StatusAccepted, svc.Download(r.Context(), *bbox, maxIx, req.QueueLength))
}

// previewHandler renders the ready points, optionally limited to
// ?bbox=x0,y0,x1,y1 and to the rows of ?selection=name.
func previewHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	var bbox *dataset.Rect
	if s := r.URL.Query().Get("bbox"); s != "" {
		b, err := parseBBox(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bbox = &b
	}
	data, err := svc.Preview(r.Context(), bbox, r.URL.Query().Get("selection"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

func parseBBox(s string) (dataset.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return dataset.Rect{}, errors.Newf("bbox needs 4 numbers, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) {
			return dataset.Rect{}, errors.Newf("invalid bbox %q", s)
		}
		v[i] = f
	}
	return dataset.Rect{
		X: [2]float64{math.Min(v[0], v[2]), math.Max(v[0], v[2])},
		Y: [2]float64{math.Min(v[1], v[3]), math.Max(v[1], v[3])},
	}, nil
}
