package mesh

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

// RegistrationOptions configures RegisterPopulation.
type RegistrationOptions struct {
	Rigid                  RigidOptions    `yaml:"rigid"`
	NonRigid               NonRigidOptions `yaml:"nonRigid"`
	Workers                int             `yaml:"workers"` // concurrent specimens, 0 uses GOMAXPROCS
	Rounds                 int             `yaml:"rounds"`  // only used with IterativeTemplate
	IterativeTemplate      bool            `yaml:"iterativeTemplate"`
	ProjectToSurface       bool            `yaml:"projectToSurface"`       // snap registered vertices onto the specimen surface
	MaxCorrespondenceError float64         `yaml:"maxCorrespondenceError"` // 0 disables the check
	Progress               ProgressFunc    `yaml:"-"`
}

// DefaultRegistrationOptions returns a single fixed-template round. The
// non-rigid stage skips its own pre-alignment because the rigid stage runs
// first.
func DefaultRegistrationOptions() RegistrationOptions {
	nr := DefaultNonRigidOptions()
	nr.UseRigidPrealign = false
	return RegistrationOptions{
		Rigid:    DefaultRigidOptions(),
		NonRigid: nr,
		Rounds:   1,
	}
}

// SpecimenResult is the registration of the template onto one specimen.
type SpecimenResult struct {
	Index     int
	Mesh      Mesh      // template topology, specimen geometry
	Rigid     Transform // template to specimen pose
	MeanError float64   // mean correspondence distance after deformation
}

// RegistrationResult holds the corresponded population.
type RegistrationResult struct {
	Set        *CorrespondenceSet
	Specimens  []SpecimenResult
	Template   TemplateSnapshot // snapshot used in the final round
	RoundError []float64        // mean correspondence error per round
}

// RegisterPopulation brings every specimen into the template's topology.
//
// The template is the deforming source and each specimen the target, so all
// outputs share the template's vertex count and faces. Specimens within a
// round run concurrently against one read-only TemplateSnapshot and results
// are collected by specimen index. With IterativeTemplate the specimen closest
// to the population average becomes the next round's template. An empty
// template mesh selects one from the specimens.
func RegisterPopulation(ctx context.Context, specimens []Mesh, template Mesh, opts RegistrationOptions) (*RegistrationResult, error) {
	if len(specimens) == 0 {
		return nil, ErrEmptyInput
	}
	for i := range specimens {
		if err := specimens[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "specimen %d", i)
		}
	}

	var snapshot TemplateSnapshot
	if len(template.Vertices) == 0 {
		idx, err := SelectTemplate(vertexSets(specimens))
		if err != nil {
			return nil, err
		}
		snapshot = NewTemplateSnapshot(specimens[idx], 0, idx)
	} else {
		if err := template.Validate(); err != nil {
			return nil, errors.Wrap(err, "template")
		}
		snapshot = NewTemplateSnapshot(template, 0, -1)
	}

	rounds := 1
	if opts.IterativeTemplate && opts.Rounds > 1 {
		rounds = opts.Rounds
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	log := getLogger()
	result := &RegistrationResult{}
	for round := 0; round < rounds; round++ {
		log.Infow("registration round started",
			"round", round, "templateVersion", snapshot.Version, "templateSource", snapshot.SourceIndex,
			"specimens", len(specimens), "workers", workers)

		specResults, err := registerRound(ctx, specimens, snapshot, opts, round, workers)
		if err != nil {
			return nil, err
		}

		var sum float64
		for _, r := range specResults {
			sum += r.MeanError
		}
		meanErr := sum / float64(len(specResults))
		result.RoundError = append(result.RoundError, meanErr)
		result.Specimens = specResults
		result.Template = snapshot
		log.Infow("registration round finished", "round", round, "meanError", meanErr)

		if round == rounds-1 {
			break
		}
		registered := make([]Mesh, len(specResults))
		for i, r := range specResults {
			registered[i] = r.Mesh
		}
		idx, err := SelectTemplate(vertexSets(registered))
		if err != nil {
			return nil, err
		}
		snapshot = NewTemplateSnapshot(registered[idx], snapshot.Version+1, idx)
	}

	meshes := make([]Mesh, len(result.Specimens))
	for i, r := range result.Specimens {
		meshes[i] = r.Mesh
	}
	result.Set = NewCorrespondenceSet(nil, meshes)
	if err := result.Set.Validate(); err != nil {
		return nil, errors.Wrap(err, "registered population")
	}
	return result, nil
}

func registerRound(ctx context.Context, specimens []Mesh, snapshot TemplateSnapshot, opts RegistrationOptions, round, workers int) ([]SpecimenResult, error) {
	results := make([]SpecimenResult, len(specimens))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range specimens {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := registerSpecimen(snapshot.Mesh, specimens[i], opts)
			if err != nil {
				return errors.Wrapf(err, "specimen %d", i)
			}
			r.Index = i
			if opts.MaxCorrespondenceError > 0 && r.MeanError > opts.MaxCorrespondenceError {
				return &CorrespondenceFailureError{Index: i, MeanError: r.MeanError, Threshold: opts.MaxCorrespondenceError}
			}
			results[i] = *r

			if opts.Progress != nil {
				opts.Progress(ProgressEvent{
					Stage:     "register",
					Round:     round,
					Specimen:  i,
					Total:     len(specimens),
					MeanError: r.MeanError,
					Timestamp: time.Now().Unix(),
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// registerSpecimen moves the template onto one specimen: rigid alignment,
// non-rigid deformation and optional surface projection.
func registerSpecimen(template, specimen Mesh, opts RegistrationOptions) (*SpecimenResult, error) {
	rigidOpts := opts.Rigid
	rigidOpts.ExcludeSource = usableBoundary(FreeEdgeVertices(template.Faces), len(template.Vertices))
	rigidOpts.ExcludeTarget = usableBoundary(FreeEdgeVertices(specimen.Faces), len(specimen.Vertices))

	rigid, err := AlignRigid(template.Vertices, specimen.Vertices, rigidOpts)
	if err != nil {
		return nil, err
	}

	deformed, err := DeformNonRigid(template.WithVertices(rigid.Aligned), specimen, opts.NonRigid)
	if err != nil {
		return nil, err
	}

	vertices := deformed.Vertices
	if opts.ProjectToSurface {
		vertices, err = ProjectOntoSurface(vertices, specimen)
		if err != nil {
			return nil, err
		}
	}

	return &SpecimenResult{
		Mesh:      template.WithVertices(vertices),
		Rigid:     deformed.Rigid.Compose(rigid.Transform),
		MeanError: deformed.MeanError,
	}, nil
}

func vertexSets(meshes []Mesh) [][]r3.Vec {
	out := make([][]r3.Vec, len(meshes))
	for i, m := range meshes {
		out[i] = m.Vertices
	}
	return out
}
