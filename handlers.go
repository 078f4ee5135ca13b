package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/tudoshape/mesh"
)

// maxFitBody caps POST /fit request bodies.
const maxFitBody = 100 << 20

// fitRequestBody is the POST /fit payload: either an STL path/URL or a
// vertex list already in model topology.
type fitRequestBody struct {
	ID         string   `json:"id"`
	Path       string   `json:"path,omitempty"`
	Vertices   []r3.Vec `json:"vertices,omitempty"`
	Faces      [][3]int `json:"faces,omitempty"`
	Components int      `json:"components,omitempty"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		a.Log.Debugw("http request", "path", r.URL.Path, "remote", r.RemoteAddr)
		status := struct {
			Status    string              `json:"status"`
			Timestamp time.Time           `json:"timestamp"`
			HasModel  bool                `json:"hasModel"`
			Progress  *mesh.ProgressEvent `json:"progress,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasModel:  a.StateTracker.HasModel(),
		}
		if ev, ok := a.StateTracker.Progress(); ok {
			status.Progress = &ev
		}
		writeJSON(w, a, status)
	})

	mux.HandleFunc("GET /model", func(w http.ResponseWriter, r *http.Request) {
		model := a.StateTracker.Model()
		if model == nil {
			http.Error(w, "No shape model available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, a, model.Summary())
	})

	mux.HandleFunc("GET /mean.stl", func(w http.ResponseWriter, r *http.Request) {
		model := a.StateTracker.Model()
		if model == nil {
			http.Error(w, "No shape model available", http.StatusServiceUnavailable)
			return
		}
		mean := model.MeanMesh()
		w.Header().Set("Content-Type", "model/stl")
		w.Header().Set("Content-Disposition", `attachment; filename="mean.stl"`)
		if err := mesh.WriteSTL(w, &mean); err != nil {
			a.Log.Warnw("error writing mean STL", "error", err)
		}
	})

	// /modes/{k}.png?sigma= and /modes/{k}.svg, k is one-based.
	mux.HandleFunc("GET /modes/{file}", func(w http.ResponseWriter, r *http.Request) {
		model := a.StateTracker.Model()
		if model == nil {
			http.Error(w, "No shape model available", http.StatusServiceUnavailable)
			return
		}
		file := r.PathValue("file")
		dot := strings.LastIndexByte(file, '.')
		if dot < 0 {
			http.Error(w, "expected /modes/{k}.png or /modes/{k}.svg", http.StatusNotFound)
			return
		}
		k, err := strconv.Atoi(file[:dot])
		if err != nil || k < 1 || k > model.NumComponents() {
			http.Error(w, "mode out of range", http.StatusNotFound)
			return
		}
		sigma := a.Config.Render.Sigma
		if s := r.URL.Query().Get("sigma"); s != "" {
			sigma, err = strconv.ParseFloat(s, 64)
			if err != nil {
				http.Error(w, "invalid sigma", http.StatusBadRequest)
				return
			}
		}

		w.Header().Set("Cache-Control", "no-cache")
		switch file[dot+1:] {
		case "png":
			w.Header().Set("Content-Type", "image/png")
			err = mesh.NewModeRenderer(model, a.Config.Render).WritePNG(w, k-1, sigma)
		case "svg":
			w.Header().Set("Content-Type", "image/svg+xml")
			err = mesh.NewVectorModeRenderer(model, a.Config.Render.View).RenderToSVG(w, k-1, sigma)
		default:
			http.Error(w, "unsupported format", http.StatusNotFound)
			return
		}
		if err != nil {
			a.Log.Warnw("error rendering mode", "mode", k, "error", err)
		}
	})

	mux.HandleFunc("GET /scree.svg", func(w http.ResponseWriter, r *http.Request) {
		model := a.StateTracker.Model()
		if model == nil {
			http.Error(w, "No shape model available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := mesh.RenderScreeSVG(w, model); err != nil {
			a.Log.Warnw("error rendering scree plot", "error", err)
		}
	})

	mux.HandleFunc("POST /fit", func(w http.ResponseWriter, r *http.Request) {
		if !a.StateTracker.HasModel() {
			http.Error(w, "No shape model available", http.StatusServiceUnavailable)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxFitBody))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		var req fitRequestBody
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Path == "" && len(req.Vertices) == 0 {
			http.Error(w, "path or vertices required", http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			req.ID = strconv.FormatInt(time.Now().UnixNano(), 36)
		}

		var res *mesh.FitResult
		if req.Path != "" {
			res, err = a.FitRequestPath(r.Context(), req.Path, req.Components)
		} else {
			res, err = a.FitVertices(r.Context(), mesh.Mesh{Vertices: req.Vertices, Faces: req.Faces}, req.Components)
		}
		if err != nil {
			resp := mesh.FitResponse{ID: req.ID, Failure: err.Error(), Timestamp: time.Now().Unix()}
			a.publishFit(resp)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
		resp := mesh.NewFitResponse(req.ID, res)
		a.publishFit(resp)
		writeJSON(w, a, resp)
	})

	mux.HandleFunc("GET /fit/{id}", func(w http.ResponseWriter, r *http.Request) {
		resp, ok := a.StateTracker.Fit(r.PathValue("id"))
		if !ok {
			http.Error(w, "fit not found", http.StatusNotFound)
			return
		}
		writeJSON(w, a, resp)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, a *App, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Log.Warnw("error encoding response", "error", err)
	}
}
