package mesh

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config is the pipeline configuration. YAML values overlay DefaultConfig.
type Config struct {
	MQTT         MQTTConfig          `yaml:"mqtt" json:"mqtt"`
	Specimens    []SpecimenConfig    `yaml:"specimens" json:"specimens"`
	Template     string              `yaml:"template,omitempty" json:"template,omitempty"` // external template mesh; empty selects one from the population
	ModelPath    string              `yaml:"modelPath" json:"modelPath"`
	Registration RegistrationOptions `yaml:"registration" json:"-"`
	GPA          GPAOptions          `yaml:"gpa" json:"-"`
	PCA          PCAOptions          `yaml:"pca" json:"-"`
	Fit          FitOptions          `yaml:"fit" json:"-"`
	FitRequests  FitRequestConfig    `yaml:"fitRequests" json:"fitRequests"`
	Render       RenderConfig        `yaml:"render" json:"render"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
}

// SpecimenConfig names one input mesh.
type SpecimenConfig struct {
	ID   string `yaml:"id" json:"id"`
	Path string `yaml:"path" json:"path"`
}

// FitRequestConfig limits the meshes HTTP and MQTT fit requests may name.
// Paths must be local to DataDir; URLs must use a host in AllowedHosts. An
// empty DataDir rejects every path.
type FitRequestConfig struct {
	DataDir      string   `yaml:"dataDir,omitempty" json:"dataDir,omitempty"`
	AllowedHosts []string `yaml:"allowedHosts,omitempty" json:"allowedHosts,omitempty"`
}

// RenderConfig controls mode renderings.
type RenderConfig struct {
	Width  int     `yaml:"width" json:"width"`   // PNG width in pixels
	Height int     `yaml:"height" json:"height"` // PNG height in pixels
	Sigma  float64 `yaml:"sigma" json:"sigma"`   // default mode displacement in standard deviations
	View   string  `yaml:"view" json:"view"`     // projection plane: xy, xz or yz
}

// DefaultConfig returns the fixed defaults every loaded config starts from.
func DefaultConfig() *Config {
	return &Config{
		MQTT:         MQTTConfig{PublishPrefix: DefaultPublishPrefix, ClientID: "tudoshape"},
		ModelPath:    DefaultModelPath,
		Registration: DefaultRegistrationOptions(),
		GPA:          DefaultGPAOptions(),
		PCA:          DefaultPCAOptions(),
		Fit:          DefaultFitOptions(),
		Render:       RenderConfig{Width: 800, Height: 600, Sigma: 3, View: "xy"},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("config file not found: %s", path)
		}
		return nil, errors.Wrap(err, "reading config file")
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "marshaling config YAML")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing config file")
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var err error
	seen := make(map[string]bool, len(c.Specimens))
	for i, s := range c.Specimens {
		if s.ID == "" {
			err = multierr.Append(err, errors.Errorf("specimens[%d].id is required", i))
		} else if seen[s.ID] {
			err = multierr.Append(err, errors.Errorf("specimens[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = true
		if s.Path == "" {
			err = multierr.Append(err, errors.Errorf("specimens[%d].path is required for %s", i, s.ID))
		}
	}
	if c.ModelPath == "" {
		err = multierr.Append(err, errors.New("modelPath is required"))
	}

	r := c.Registration
	if r.Workers < 0 {
		err = multierr.Append(err, errors.New("registration.workers must not be negative"))
	}
	if r.Rounds < 1 {
		err = multierr.Append(err, errors.New("registration.rounds must be at least 1"))
	}
	if r.Rigid.MaxIterations < 1 {
		err = multierr.Append(err, errors.New("registration.rigid.maxIterations must be at least 1"))
	}
	if r.Rigid.Tolerance <= 0 {
		err = multierr.Append(err, errors.New("registration.rigid.tolerance must be positive"))
	}
	if r.NonRigid.Iterations < 0 {
		err = multierr.Append(err, errors.New("registration.nonRigid.iterations must not be negative"))
	}
	if r.NonRigid.Lambda < 0 {
		err = multierr.Append(err, errors.New("registration.nonRigid.lambda must not be negative"))
	}
	if r.NonRigid.KNeighbors < 1 {
		err = multierr.Append(err, errors.New("registration.nonRigid.kNeighbors must be at least 1"))
	}
	if r.NonRigid.GridStart < 2 || r.NonRigid.GridMax < r.NonRigid.GridStart {
		err = multierr.Append(err, errors.New("registration.nonRigid grid must satisfy 2 <= gridStart <= gridMax"))
	}
	if r.MaxCorrespondenceError < 0 {
		err = multierr.Append(err, errors.New("registration.maxCorrespondenceError must not be negative"))
	}

	if c.GPA.MaxIterations < 1 {
		err = multierr.Append(err, errors.New("gpa.maxIterations must be at least 1"))
	}
	if c.GPA.Tolerance <= 0 {
		err = multierr.Append(err, errors.New("gpa.tolerance must be positive"))
	}
	if c.GPA.Reference < -1 {
		err = multierr.Append(err, errors.New("gpa.reference must be -1 or a specimen index"))
	}
	if c.PCA.MaxComponents < 0 {
		err = multierr.Append(err, errors.New("pca.maxComponents must not be negative"))
	}
	if c.Fit.MaxIterations < 1 {
		err = multierr.Append(err, errors.New("fit.maxIterations must be at least 1"))
	}

	if c.MQTT.Broker == "" && c.MQTT.Username != "" {
		err = multierr.Append(err, errors.New("mqtt.username is set but mqtt.broker is empty"))
	}

	for i, h := range c.FitRequests.AllowedHosts {
		if h == "" || strings.ContainsAny(h, "/:") {
			err = multierr.Append(err, errors.Errorf("fitRequests.allowedHosts[%d] %q must be a bare host name", i, h))
		}
	}

	if c.Render.Width <= 0 || c.Render.Height <= 0 {
		err = multierr.Append(err, errors.New("render width and height must be positive"))
	}
	switch c.Render.View {
	case "xy", "xz", "yz":
	default:
		err = multierr.Append(err, errors.Errorf("render.view %q must be xy, xz or yz", c.Render.View))
	}
	return err
}
