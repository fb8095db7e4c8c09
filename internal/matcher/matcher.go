// Package matcher resolves detected faces against the person registry.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/andresmejia3/doorsight/internal/registry"
	"github.com/andresmejia3/doorsight/internal/types"
	"github.com/andresmejia3/doorsight/internal/utils"
)

// Distance metrics.
const (
	MetricEuclidean = "euclidean"
	MetricCosine    = "cosine"
)

// Detection is one face found in a frame and, when matched, who it is.
type Detection struct {
	Box        types.Box `json:"box"`
	Score      float64   `json:"score"`
	PersonID   string    `json:"person_id,omitempty"`
	Distance   float64   `json:"distance"` // -1 when nothing enrolled was comparable
	Confidence float64   `json:"confidence"`
}

// Matched reports whether the face was resolved to a person.
func (d Detection) Matched() bool { return d.PersonID != "" }

// Registry is the subset of registry.Store the matcher needs.
type Registry interface {
	ActiveRecords(ctx context.Context) ([]registry.Person, error)
	RecordSighting(ctx context.Context, id string, confidence float64) error
}

// nearestSearcher is implemented by registries that can run the global
// nearest-embedding search themselves.
type nearestSearcher interface {
	Nearest(ctx context.Context, vec []float64, metric string) (string, float64, bool, error)
}

// Config holds the matching thresholds.
type Config struct {
	MaxDistance float64
	Threshold   float64
	Metric      string
}

// Matcher runs the face backend and finds the closest enrolled embedding
// for each face.
type Matcher struct {
	backend  Backend
	registry Registry
	cfg      Config
	dist     func(a, b []float64) float64
}

func New(backend Backend, reg Registry, cfg Config) *Matcher {
	m := &Matcher{backend: backend, registry: reg, cfg: cfg, dist: utils.EuclideanDist}
	if cfg.Metric == MetricCosine {
		m.dist = utils.CosineDist
	}
	return m
}

// Confidence maps a distance onto [0, 1] relative to maxDistance.
func Confidence(distance, maxDistance float64) float64 {
	if maxDistance <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, 1-distance/maxDistance))
}

// DetectAndMatch detects faces in frame and resolves each one independently.
// A frame with no faces yields an empty slice and no error.
func (m *Matcher) DetectAndMatch(ctx context.Context, frame types.Frame) ([]Detection, error) {
	faces, err := m.backend.DetectFaces(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(faces) == 0 {
		return []Detection{}, nil
	}

	find, err := m.nearestFunc(ctx)
	if err != nil {
		return nil, err
	}

	detections := make([]Detection, 0, len(faces))
	for _, face := range faces {
		d := Detection{Box: face.Loc, Score: face.Score, Distance: -1}

		id, dist, ok, err := find(face.Vec)
		if err != nil {
			return nil, fmt.Errorf("embedding search failed: %w", err)
		}
		if ok {
			d.Distance = dist
			d.Confidence = Confidence(dist, m.cfg.MaxDistance)
			if dist < m.cfg.MaxDistance && d.Confidence >= m.cfg.Threshold {
				d.PersonID = id
			}
		}

		if d.Matched() {
			if err := m.registry.RecordSighting(ctx, d.PersonID, d.Confidence); err != nil {
				slog.Warn("failed to record sighting", "person", d.PersonID, "error", err)
			}
		}
		detections = append(detections, d)
	}
	return detections, nil
}

// nearestFunc returns the global nearest-embedding search for this call.
// Registries that search natively are used directly; otherwise the active
// records are loaded once and scanned in memory.
func (m *Matcher) nearestFunc(ctx context.Context) (func([]float64) (string, float64, bool, error), error) {
	if ns, ok := m.registry.(nearestSearcher); ok {
		return func(vec []float64) (string, float64, bool, error) {
			return ns.Nearest(ctx, vec, m.cfg.Metric)
		}, nil
	}

	persons, err := m.registry.ActiveRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return func(vec []float64) (string, float64, bool, error) {
		id, dist, ok := nearest(persons, vec, m.dist)
		return id, dist, ok, nil
	}, nil
}

// nearest scans every embedding of every person for the single closest one.
// Ties keep the earlier person in registry order.
func nearest(persons []registry.Person, vec []float64, dist func(a, b []float64) float64) (string, float64, bool) {
	bestID := ""
	best := math.Inf(1)
	for _, p := range persons {
		for _, e := range p.Embeddings {
			if d := dist(vec, e); d < best {
				best, bestID = d, p.ID
			}
		}
	}
	return bestID, best, bestID != ""
}
