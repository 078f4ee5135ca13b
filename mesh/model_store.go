package mesh

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ModelFormatVersion is written into every saved model artifact.
const ModelFormatVersion = 1

// DefaultModelPath is where the CLI saves and loads the shape model.
const DefaultModelPath = "shape-model.json"

// modelArtifact is the on-disk form of a ShapeModel. Modes and Scores are
// stored row-major.
type modelArtifact struct {
	Version            int       `json:"version"`
	CreatedAt          int64     `json:"createdAt"`
	NumVertices        int       `json:"numVertices"`
	NumComponents      int       `json:"numComponents"`
	NumSamples         int       `json:"numSamples"`
	Mean               []r3.Vec  `json:"mean"`
	Modes              []float64 `json:"modes"`
	Eigenvalues        []float64 `json:"eigenvalues"`
	VarianceExplained  []float64 `json:"varianceExplained"`
	CumulativeVariance []float64 `json:"cumulativeVariance"`
	TotalVariance      float64   `json:"totalVariance"`
	Scores             []float64 `json:"scores"`
	Faces              [][3]int  `json:"faces"`
	IDs                []string  `json:"ids,omitempty"`
}

// SaveModel writes sm as indented JSON, creating the directory if needed.
func SaveModel(path string, sm *ShapeModel) error {
	if sm == nil {
		return ErrEmptyInput
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating model directory")
	}

	k := sm.NumComponents()
	art := modelArtifact{
		Version:            ModelFormatVersion,
		CreatedAt:          time.Now().Unix(),
		NumVertices:        sm.NumVertices(),
		NumComponents:      k,
		NumSamples:         sm.NumSamples,
		Mean:               sm.Mean,
		Modes:              mat.DenseCopyOf(sm.Modes).RawMatrix().Data,
		Eigenvalues:        sm.Eigenvalues,
		VarianceExplained:  sm.VarianceExplained,
		CumulativeVariance: sm.CumulativeVariance,
		TotalVariance:      sm.TotalVariance,
		Scores:             mat.DenseCopyOf(sm.Scores).RawMatrix().Data,
		Faces:              sm.Faces,
		IDs:                sm.IDs,
	}

	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling shape model")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing shape model")
	}
	return nil
}

// LoadModel reads a model written by SaveModel.
func LoadModel(path string) (*ShapeModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading shape model")
	}

	var art modelArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, errors.Wrap(err, "parsing shape model")
	}
	if art.Version != ModelFormatVersion {
		return nil, errors.Errorf("shape model format version %d, want %d", art.Version, ModelFormatVersion)
	}

	n, k, m := art.NumVertices, art.NumComponents, art.NumSamples
	switch {
	case len(art.Mean) != n:
		return nil, &TopologyMismatchError{Index: -1, Want: n, Got: len(art.Mean)}
	case k < 1 || len(art.Modes) != 3*n*k:
		return nil, errors.Errorf("shape model has %d mode values, want %d", len(art.Modes), 3*n*k)
	case len(art.Eigenvalues) != k || len(art.VarianceExplained) != k || len(art.CumulativeVariance) != k:
		return nil, errors.Errorf("shape model variance arrays do not have %d entries", k)
	case len(art.Scores) != m*k:
		return nil, errors.Errorf("shape model has %d scores, want %d", len(art.Scores), m*k)
	}

	sm := &ShapeModel{
		Mean:               art.Mean,
		Modes:              mat.NewDense(3*n, k, art.Modes),
		Eigenvalues:        art.Eigenvalues,
		VarianceExplained:  art.VarianceExplained,
		CumulativeVariance: art.CumulativeVariance,
		TotalVariance:      art.TotalVariance,
		Faces:              art.Faces,
		IDs:                art.IDs,
		NumSamples:         m,
	}
	if m > 0 {
		sm.Scores = mat.NewDense(m, k, art.Scores)
	}
	return sm, nil
}

// ModelSummary is the compact description published over MQTT and HTTP.
type ModelSummary struct {
	NumVertices        int       `json:"numVertices"`
	NumFaces           int       `json:"numFaces"`
	NumComponents      int       `json:"numComponents"`
	NumSamples         int       `json:"numSamples"`
	Eigenvalues        []float64 `json:"eigenvalues"`
	VarianceExplained  []float64 `json:"varianceExplained"`
	CumulativeVariance []float64 `json:"cumulativeVariance"`
	IDs                []string  `json:"ids,omitempty"`
	Timestamp          int64     `json:"timestamp"`
}

// Summary describes sm without its mode vectors.
func (sm *ShapeModel) Summary() ModelSummary {
	return ModelSummary{
		NumVertices:        sm.NumVertices(),
		NumFaces:           len(sm.Faces),
		NumComponents:      sm.NumComponents(),
		NumSamples:         sm.NumSamples,
		Eigenvalues:        sm.Eigenvalues,
		VarianceExplained:  sm.VarianceExplained,
		CumulativeVariance: sm.CumulativeVariance,
		IDs:                sm.IDs,
		Timestamp:          time.Now().Unix(),
	}
}
