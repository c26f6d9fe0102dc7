package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/selection"
	"github.com/quadscatter/server/internal/selstore"
)

const maxRowsPerPage = 1000

func selectionListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"selections": getDatasetService(r).Selections(),
	})
}

// selectionCreateHandler registers a leaf selection from a spec body.
func selectionCreateHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	var spec selection.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	sel, err := svc.CreateSelection(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sel.Summary())
}

type combineRequest struct {
	Name string `json:"name"`
	Op   string `json:"op"`
	A    string `json:"a"`
	B    string `json:"b"`
}

func selectionCombineHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	var req combineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	op, err := selection.ParseOp(req.Op)
	if err != nil {
		writeError(w, err)
		return
	}
	sel, err := svc.Combine(r.Context(), req.Name, op, req.A, req.B)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sel.Summary())
}

type unionRequest struct {
	Name  string   `json:"name"`
	All   bool     `json:"all"`
	Names []string `json:"names"`
}

func selectionUnionHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	var req unionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	sel, err := svc.Union(r.Context(), req.Name, req.All, req.Names...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sel.Summary())
}

func selectionGetHandler(w http.ResponseWriter, r *http.Request) {
	sel, err := getDatasetService(r).Selection(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel.Summary())
}

func selectionDeleteHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := getDatasetService(r).DeleteSelection(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "deleted": true})
}

// selectionEvaluateHandler brings a selection up to date with the loaded
// tiles. Whole-tree evaluation belongs to an evaluate job.
func selectionEvaluateHandler(w http.ResponseWriter, r *http.Request) {
	sel, err := getDatasetService(r).EvaluateSelection(r.Context(), chi.URLParam(r, "name"), false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel.Summary())
}

// selectionRowsHandler pages through selected rows of evaluated tiles.
func selectionRowsHandler(w http.ResponseWriter, r *http.Request) {
	sel, err := getDatasetService(r).Selection(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > maxRowsPerPage {
		limit = maxRowsPerPage
	}

	rows := make([]map[string]interface{}, 0, limit)
	i := 0
	for row := range sel.Rows() {
		if i >= offset {
			rows = append(rows, row.Map())
			if len(rows) == limit {
				break
			}
		}
		i++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":           sel.Name(),
		"offset":         offset,
		"limit":          limit,
		"selection_size": sel.SelectionSize(),
		"rows":           rows,
	})
}

func selectionRowHandler(w http.ResponseWriter, r *http.Request) {
	sel, err := getDatasetService(r).Selection(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	i, err := strconv.Atoi(chi.URLParam(r, "i"))
	if err != nil {
		http.Error(w, "invalid row index", http.StatusBadRequest)
		return
	}
	row, err := sel.Get(r.Context(), i)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rowResponse(i, row))
}

type cursorRequest struct {
	Move string `json:"move"`
}

// selectionCursorHandler moves the cursor ("next", "prev", "reset" or
// "current") and returns the row under it.
func selectionCursorHandler(w http.ResponseWriter, r *http.Request) {
	sel, err := getDatasetService(r).Selection(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req cursorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var row dataset.Row
	switch req.Move {
	case "next":
		row, err = sel.Next(r.Context())
	case "prev":
		row, err = sel.Prev(r.Context())
	case "reset":
		sel.Reset()
		row, err = sel.Current(r.Context())
	case "", "current":
		row, err = sel.Current(r.Context())
	default:
		http.Error(w, "unknown cursor move: "+req.Move, http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rowResponse(sel.Cursor(), row))
}

func rowResponse(i int, row dataset.Row) map[string]interface{} {
	return map[string]interface{}{
		"index":   i,
		"tile":    row.Tile.Key().String(),
		"tile_id": row.Tile.NumericID(),
		"ix":      row.Ix(),
		"row":     row.Map(),
	}
}

// snapshotSaveHandler persists a selection's masks.
func snapshotSaveHandler(store *selstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "selection store not configured", http.StatusNotImplemented)
			return
		}
		sel, err := getDatasetService(r).Selection(chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := store.Save(r.Context(), sel)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	}
}

func snapshotListHandler(store *selstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "selection store not configured", http.StatusNotImplemented)
			return
		}
		snaps, err := store.ListByDataset(r.Context(), getDatasetService(r).Dataset().Name())
		if err != nil {
			writeError(w, err)
			return
		}
		if snaps == nil {
			snaps = []*selstore.Snapshot{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
	}
}

type loadRequest struct {
	Name string `json:"name"`
}

// snapshotLoadHandler restores a snapshot as a registered selection, under
// its saved name unless the body names another.
func snapshotLoadHandler(store *selstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "selection store not configured", http.StatusNotImplemented)
			return
		}
		svc := getDatasetService(r)
		var req loadRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		sel, err := store.Load(r.Context(), svc.Dataset(), chi.URLParam(r, "id"), req.Name, svc.SelectionOptions())
		if err != nil {
			writeError(w, err)
			return
		}
		sel, err = svc.Adopt(r.Context(), sel)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sel.Summary())
	}
}

func snapshotDeleteHandler(store *selstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "selection store not configured", http.StatusNotImplemented)
			return
		}
		id := chi.URLParam(r, "id")
		snap, err := store.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if snap == nil || snap.Dataset != getDatasetService(r).Dataset().Name() {
			http.Error(w, "snapshot not found", http.StatusNotFound)
			return
		}
		if err := store.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	if s := r.URL.Query().Get(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			return v
		}
	}
	return def
}
