package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kwv/tudoshape/mesh"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *mesh.Config
	StateTracker *mesh.StateTracker
	MQTTClient   *mesh.MQTTClient
	Publisher    *mesh.Publisher
	Store        mesh.MeshStore
	Log          *zap.SugaredLogger

	// CLI flags
	ConfigFile string
	ModelPath  string
	HttpPort   int
	MqttMode   bool
}

// NewApp creates an App with default configuration and an STL store.
func NewApp(log *zap.SugaredLogger) *App {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &App{
		Config:       mesh.DefaultConfig(),
		StateTracker: mesh.NewStateTracker(),
		Store:        mesh.NewSTLStore(),
		Log:          log,
	}
}

// LoadConfig reads ConfigFile when set and resolves the model path. A flag
// value for the model path overrides the config.
func (a *App) LoadConfig() error {
	if a.ConfigFile != "" {
		config, err := mesh.LoadConfig(a.ConfigFile)
		if err != nil {
			return errors.Wrapf(err, "loading config %s", a.ConfigFile)
		}
		a.Config = config
		a.Log.Infow("loaded config", "path", a.ConfigFile, "specimens", len(config.Specimens))
	}
	if a.ModelPath == "" {
		a.ModelPath = a.Config.ModelPath
	}
	return nil
}

// loadSpecimens reads every configured specimen. Relative paths resolve
// against the config file's directory.
func (a *App) loadSpecimens(ctx context.Context) ([]mesh.Mesh, []string, error) {
	if len(a.Config.Specimens) == 0 {
		return nil, nil, errors.New("no specimens configured")
	}
	meshes := make([]mesh.Mesh, len(a.Config.Specimens))
	ids := make([]string, len(a.Config.Specimens))
	for i, s := range a.Config.Specimens {
		m, err := a.Store.Load(ctx, a.resolvePath(s.Path))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "specimen %s", s.ID)
		}
		meshes[i] = *m
		ids[i] = s.ID
		a.Log.Debugw("specimen loaded", "id", s.ID, "vertices", len(m.Vertices), "faces", len(m.Faces))
	}
	return meshes, ids, nil
}

func (a *App) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || strings.Contains(path, "://") || a.ConfigFile == "" {
		return path
	}
	return filepath.Join(filepath.Dir(a.ConfigFile), path)
}

// Build registers the configured population, aligns it with GPA, builds the
// shape model and saves it to ModelPath.
func (a *App) Build(ctx context.Context) (*mesh.ShapeModel, error) {
	start := time.Now()
	specimens, ids, err := a.loadSpecimens(ctx)
	if err != nil {
		return nil, err
	}

	var template mesh.Mesh
	if a.Config.Template != "" {
		t, err := a.Store.Load(ctx, a.resolvePath(a.Config.Template))
		if err != nil {
			return nil, errors.Wrap(err, "template")
		}
		template = *t
	}

	regOpts := a.Config.Registration
	regOpts.Progress = a.progressFunc()
	reg, err := mesh.RegisterPopulation(ctx, specimens, template, regOpts)
	if err != nil {
		return nil, errors.Wrap(err, "registration")
	}
	reg.Set.IDs = ids
	a.Log.Infow("population registered",
		"specimens", reg.Set.Len(), "vertices", reg.Set.NumVertices(),
		"templateSource", reg.Template.SourceIndex, "roundError", reg.RoundError)

	gpa, err := mesh.AlignPopulation(reg.Set, a.Config.GPA)
	if err != nil {
		return nil, errors.Wrap(err, "procrustes")
	}
	a.Log.Infow("population aligned", "iterations", gpa.Convergence.Iterations, "converged", gpa.Convergence.Converged)

	model, err := mesh.BuildShapeModel(gpa.Set(reg.Set.Faces, ids), a.Config.PCA)
	if err != nil {
		return nil, errors.Wrap(err, "shape model")
	}

	if err := mesh.SaveModel(a.ModelPath, model); err != nil {
		return nil, err
	}
	if err := a.StateTracker.UpdateModel(model); err != nil {
		a.Log.Warnw("state not updated", "error", err)
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishModel(model); err != nil {
			a.Log.Warnw("model summary not published", "error", err)
		}
	}
	a.Log.Infow("shape model saved", "path", a.ModelPath, "components", model.NumComponents(), "elapsed", time.Since(start))
	return model, nil
}

func (a *App) progressFunc() mesh.ProgressFunc {
	var publish mesh.ProgressFunc
	if a.Publisher != nil {
		publish = a.Publisher.ProgressFunc()
	}
	return func(ev mesh.ProgressEvent) {
		a.StateTracker.UpdateProgress(ev)
		a.Log.Debugw("progress", "stage", ev.Stage, "round", ev.Round, "specimen", ev.Specimen, "meanError", ev.MeanError)
		if publish != nil {
			publish(ev)
		}
	}
}

// Model returns the tracked model, loading it from ModelPath on first use.
func (a *App) Model() (*mesh.ShapeModel, error) {
	if sm := a.StateTracker.Model(); sm != nil {
		return sm, nil
	}
	sm, err := mesh.LoadModel(a.ModelPath)
	if err != nil {
		return nil, err
	}
	if err := a.StateTracker.UpdateModel(sm); err != nil {
		return nil, err
	}
	return sm, nil
}

// Fit expresses the mesh at path in the model. components of 0 uses the
// configured default. STL files carry no stable vertex order, so the model
// mean is always registered onto the loaded mesh first. path is used as
// given; locations named by remote clients go through FitRequestPath.
func (a *App) Fit(ctx context.Context, path string, components int) (*mesh.FitResult, error) {
	m, err := a.Store.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return a.fit(ctx, *m, components, true)
}

var (
	errMeshNotAllowed  = errors.New("mesh location not allowed")
	errMeshUnavailable = errors.New("mesh could not be loaded")
)

// FitRequestPath fits a mesh named by an HTTP or MQTT client. Only meshes the
// fit request policy allows are read, and load failures are reported without
// filesystem detail.
func (a *App) FitRequestPath(ctx context.Context, path string, components int) (*mesh.FitResult, error) {
	resolved, err := a.requestMeshPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "mesh %q", path)
	}
	m, err := a.Store.Load(ctx, resolved)
	if err != nil {
		a.Log.Warnw("requested mesh not loaded", "path", path, "error", err)
		return nil, errors.Wrapf(errMeshUnavailable, "mesh %q", path)
	}
	return a.fit(ctx, *m, components, true)
}

// requestMeshPath maps a client-supplied mesh location onto a file inside
// the fit request data directory or a URL on an allowed host.
func (a *App) requestMeshPath(p string) (string, error) {
	policy := a.Config.FitRequests
	if strings.Contains(p, "://") {
		u, err := url.Parse(p)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.User != nil {
			return "", errMeshNotAllowed
		}
		for _, h := range policy.AllowedHosts {
			if strings.EqualFold(h, u.Hostname()) {
				return u.String(), nil
			}
		}
		return "", errMeshNotAllowed
	}

	if policy.DataDir == "" || !filepath.IsLocal(p) {
		return "", errMeshNotAllowed
	}
	root, err := filepath.EvalSymlinks(a.resolvePath(policy.DataDir))
	if err != nil {
		return "", errMeshUnavailable
	}
	full, err := filepath.EvalSymlinks(filepath.Join(root, p))
	if err != nil {
		return "", errMeshUnavailable
	}
	// A symlink inside the data directory must not lead out of it.
	rel, err := filepath.Rel(root, full)
	if err != nil || !filepath.IsLocal(rel) {
		return "", errMeshNotAllowed
	}
	return full, nil
}

// FitVertices fits a shape given in model vertex order. A mesh with a
// different vertex count is first brought into correspondence by deforming
// the model mean onto it.
func (a *App) FitVertices(ctx context.Context, m mesh.Mesh, components int) (*mesh.FitResult, error) {
	return a.fit(ctx, m, components, false)
}

func (a *App) fit(ctx context.Context, m mesh.Mesh, components int, register bool) (*mesh.FitResult, error) {
	model, err := a.Model()
	if err != nil {
		return nil, err
	}

	shape := m.Vertices
	if register || len(shape) != model.NumVertices() {
		if len(m.Faces) == 0 {
			return nil, &mesh.TopologyMismatchError{Want: model.NumVertices(), Got: len(shape)}
		}
		a.Log.Infow("registering model mean onto input",
			"modelVertices", model.NumVertices(), "inputVertices", len(shape))
		regOpts := a.Config.Registration
		regOpts.IterativeTemplate = false
		reg, err := mesh.RegisterPopulation(ctx, []mesh.Mesh{m}, model.MeanMesh(), regOpts)
		if err != nil {
			return nil, errors.Wrap(err, "registering input")
		}
		shape = reg.Set.Shapes[0]
	}

	opts := a.Config.Fit
	if components > 0 {
		opts.Components = components
	}
	return mesh.FitShape(model, shape, opts)
}

// Reconstruct writes the model instance for coeffs to out as STL.
func (a *App) Reconstruct(coeffs []float64, out string) error {
	model, err := a.Model()
	if err != nil {
		return err
	}
	vertices, err := model.Reconstruct(coeffs)
	if err != nil {
		return err
	}
	m := mesh.Mesh{Vertices: vertices, Faces: model.Faces}
	return a.Store.Save(out, &m)
}

// Render draws a mode of variation to out. The format follows the file
// extension: .svg for vector output, anything else as PNG.
func (a *App) Render(mode int, sigma float64, out string) error {
	model, err := a.Model()
	if err != nil {
		return err
	}
	if sigma == 0 {
		sigma = a.Config.Render.Sigma
	}

	f, err := os.Create(out)
	if err != nil {
		return errors.Wrapf(err, "creating %s", out)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(out), ".svg") {
		err = mesh.NewVectorModeRenderer(model, a.Config.Render.View).RenderToSVG(f, mode, sigma)
	} else {
		err = mesh.NewModeRenderer(model, a.Config.Render).WritePNG(f, mode, sigma)
	}
	if err != nil {
		return errors.Wrapf(err, "rendering mode %d", mode+1)
	}
	a.Log.Infow("mode rendered", "mode", mode+1, "sigma", sigma, "output", out)
	return nil
}

// RenderScree writes the variance plot to out as SVG.
func (a *App) RenderScree(out string) error {
	model, err := a.Model()
	if err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return errors.Wrapf(err, "creating %s", out)
	}
	defer f.Close()
	return mesh.RenderScreeSVG(f, model)
}

// handleFitRequest serves fit requests arriving over MQTT.
func (a *App) handleFitRequest(req mesh.FitRequest, err error) {
	if err != nil {
		a.Log.Warnw("invalid fit request", "id", req.ID, "error", err)
		if req.ID != "" {
			a.publishFit(mesh.FitResponse{ID: req.ID, Failure: err.Error(), Timestamp: time.Now().Unix()})
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var res *mesh.FitResult
	if req.Path != "" {
		res, err = a.FitRequestPath(ctx, req.Path, req.Components)
	} else {
		res, err = a.FitVertices(ctx, mesh.Mesh{Vertices: req.Vertices}, req.Components)
	}
	if err != nil {
		a.Log.Warnw("fit failed", "id", req.ID, "error", err)
		a.publishFit(mesh.FitResponse{ID: req.ID, Failure: err.Error(), Timestamp: time.Now().Unix()})
		return
	}
	a.Log.Infow("fit complete", "id", req.ID, "components", res.Components, "error", res.Error)
	a.publishFit(mesh.NewFitResponse(req.ID, res))
}

func (a *App) publishFit(resp mesh.FitResponse) {
	a.StateTracker.RecordFit(resp)
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishFit(resp); err != nil {
		a.Log.Warnw("fit result not published", "id", resp.ID, "error", err)
	}
}

// RunService loads the model, connects MQTT when enabled, serves HTTP and
// blocks until SIGINT or SIGTERM.
func (a *App) RunService(ctx context.Context) error {
	a.StateTracker = mesh.NewStateTrackerWithCache(a.ModelPath)
	if a.StateTracker.HasModel() {
		a.Log.Infow("loaded shape model", "path", a.ModelPath, "components", a.StateTracker.Model().NumComponents())
	} else {
		a.Log.Warnw("no shape model yet; run build or POST /fit will fail", "path", a.ModelPath)
	}

	if a.MqttMode {
		mqttClient, err := mesh.InitMQTT(a.Config, a.handleFitRequest)
		if err != nil {
			return errors.Wrap(err, "initializing MQTT")
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured")
		}
		a.MQTTClient = mqttClient
		a.Publisher = mesh.NewPublisherWithPrefix(mqttClient.GetClient(), mqttClient.Prefix())
		a.Log.Infow("MQTT enabled", "fitRequests", mqttClient.FitRequestTopic())
		if sm := a.StateTracker.Model(); sm != nil {
			go func() {
				// The retained summary is published once the connection is up.
				for i := 0; i < 30 && !mqttClient.IsConnected(); i++ {
					time.Sleep(time.Second)
				}
				if err := a.Publisher.PublishModel(sm); err != nil {
					a.Log.Warnw("model summary not published", "error", err)
				}
			}()
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.Log.Infow("HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Errorw("HTTP server error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	a.Log.Infow("shutting down service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Log.Warnw("HTTP shutdown", "error", err)
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	return nil
}

// parseCoefficients parses a comma separated list such as "1.5,-0.2".
func parseCoefficients(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &out[i]); err != nil {
			return nil, errors.Errorf("coefficient %d: %q is not a number", i+1, p)
		}
	}
	return out, nil
}
