package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/kwv/tudoshape/mesh"
)

// Version is set at build time via -ldflags
var Version = "dev"

const (
	flagConfig     = "config"
	flagModel      = "model"
	flagVerbose    = "verbose"
	flagOutput     = "output"
	flagComponents = "components"
	flagMode       = "mode"
	flagSigma      = "sigma"
	flagCoeffs     = "coefficients"
	flagScree      = "scree"
	flagHTTPPort   = "http-port"
	flagMQTT       = "mqtt"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:            "tudoshape",
		Usage:           "build and query statistical shape models from STL populations",
		Version:         Version,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load pipeline configuration from `FILE`",
				EnvVars: []string{"TUDOSHAPE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    flagModel,
				Aliases: []string{"m"},
				Usage:   "shape model `FILE` (default from config)",
			},
			&cli.BoolFlag{
				Name:    flagVerbose,
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "build",
				Usage:  "register, align and model the configured specimens",
				Action: buildAction,
			},
			{
				Name:      "fit",
				Usage:     "express an STL in the model",
				ArgsUsage: "<mesh.stl>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagComponents, Aliases: []string{"k"}, Usage: "number of modes, 0 for all"},
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "write the reconstruction to `FILE`"},
				},
				Action: fitAction,
			},
			{
				Name:  "reconstruct",
				Usage: "write the model instance for a coefficient vector",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagCoeffs, Usage: "comma separated mode coefficients"},
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Value: "reconstruction.stl", Usage: "output `FILE`"},
				},
				Action: reconstructAction,
			},
			{
				Name:  "render",
				Usage: "render a mode of variation as PNG or SVG",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagMode, Value: 1, Usage: "one-based mode index"},
					&cli.Float64Flag{Name: flagSigma, Usage: "displacement in standard deviations (default from config)"},
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Value: "mode-1.png", Usage: "output `FILE` (.png or .svg)"},
					&cli.StringFlag{Name: flagScree, Usage: "also write the variance plot to `FILE`"},
				},
				Action: renderAction,
			},
			{
				Name:  "serve",
				Usage: "serve the model over HTTP and optionally MQTT",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagHTTPPort, Value: 8080, Usage: "HTTP server port"},
					&cli.BoolFlag{Name: flagMQTT, Usage: "subscribe to fit requests and publish results over MQTT"},
				},
				Action: serveAction,
			},
		},
	}
}

// newLogger builds a development logger with --verbose, production otherwise.
func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		l, err = cfg.Build()
	}
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return l.Sugar(), nil
}

// appFromContext wires the logger and configuration shared by every command.
func appFromContext(c *cli.Context) (*App, error) {
	log, err := newLogger(c.Bool(flagVerbose))
	if err != nil {
		return nil, err
	}
	mesh.SetLogger(log)

	a := NewApp(log)
	a.ConfigFile = c.String(flagConfig)
	a.ModelPath = c.String(flagModel)
	if err := a.LoadConfig(); err != nil {
		return nil, err
	}
	return a, nil
}

func buildAction(c *cli.Context) error {
	a, err := appFromContext(c)
	if err != nil {
		return err
	}
	defer func() { _ = a.Log.Sync() }()

	model, err := a.Build(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "built model from %d specimens: %d vertices, %d components\n",
		model.NumSamples, model.NumVertices(), model.NumComponents())
	pop := model.PopulationVarianceExplained()
	for i, v := range model.VarianceExplained {
		fmt.Fprintf(c.App.Writer, "  mode %d: %5.1f%% (cumulative %5.1f%%, %5.1f%% of population)\n",
			i+1, 100*v, 100*model.CumulativeVariance[i], 100*pop[i])
	}
	return nil
}

func fitAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("fit needs exactly one mesh argument")
	}
	a, err := appFromContext(c)
	if err != nil {
		return err
	}
	defer func() { _ = a.Log.Sync() }()

	res, err := a.Fit(c.Context, c.Args().First(), c.Int(flagComponents))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "components: %d\nerror: %.6f\niterations: %d (converged %t)\n",
		res.Components, res.Error, res.Convergence.Iterations, res.Convergence.Converged)
	for i, b := range res.Coefficients {
		fmt.Fprintf(c.App.Writer, "  b%d = %+.4f\n", i+1, b)
	}

	if out := c.String(flagOutput); out != "" {
		model, err := a.Model()
		if err != nil {
			return err
		}
		m := mesh.Mesh{Vertices: res.InputFrame, Faces: model.Faces}
		if err := a.Store.Save(out, &m); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "reconstruction written to %s\n", out)
	}
	return nil
}

func reconstructAction(c *cli.Context) error {
	coeffs, err := parseCoefficients(c.String(flagCoeffs))
	if err != nil {
		return err
	}
	a, err := appFromContext(c)
	if err != nil {
		return err
	}
	defer func() { _ = a.Log.Sync() }()

	out := c.String(flagOutput)
	if err := a.Reconstruct(coeffs, out); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "reconstruction written to %s\n", out)
	return nil
}

func renderAction(c *cli.Context) error {
	a, err := appFromContext(c)
	if err != nil {
		return err
	}
	defer func() { _ = a.Log.Sync() }()

	mode := c.Int(flagMode)
	if mode < 1 {
		return errors.Errorf("mode must be at least 1, got %d", mode)
	}
	if err := a.Render(mode-1, c.Float64(flagSigma), c.String(flagOutput)); err != nil {
		return err
	}
	if scree := c.String(flagScree); scree != "" {
		if err := a.RenderScree(scree); err != nil {
			return err
		}
	}
	return nil
}

func serveAction(c *cli.Context) error {
	a, err := appFromContext(c)
	if err != nil {
		return err
	}
	defer func() { _ = a.Log.Sync() }()

	a.HttpPort = c.Int(flagHTTPPort)
	a.MqttMode = c.Bool(flagMQTT)
	return a.RunService(c.Context)
}
