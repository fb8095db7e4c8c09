// Package registry stores enrolled persons and their face embeddings.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrEnrollment is returned when a registration cannot be stored.
	ErrEnrollment = errors.New("enrollment failed")
	// ErrNotFound is returned when no person has the given ID.
	ErrNotFound = errors.New("person not found")
)

// Relationships with their own greeting templates.
const (
	RelationshipFamily   = "family"
	RelationshipDelivery = "delivery"
	RelationshipPostal   = "postal"
	RelationshipFriend   = "friend"
	RelationshipOther    = "other"
)

// Person is an enrolled individual.
type Person struct {
	ID               string      `json:"person_id"`
	Name             string      `json:"name"`
	Relationship     string      `json:"relationship"`
	Notes            string      `json:"notes,omitempty"`
	Embeddings       [][]float64 `json:"-"`
	RecognitionCount int         `json:"recognition_count"`
	LastSeen         *time.Time  `json:"last_seen"`
	Active           bool        `json:"active"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Clone returns a deep copy of p.
func (p Person) Clone() Person {
	c := p
	c.Embeddings = make([][]float64, len(p.Embeddings))
	for i, e := range p.Embeddings {
		c.Embeddings[i] = slices.Clone(e)
	}
	if p.LastSeen != nil {
		t := *p.LastSeen
		c.LastSeen = &t
	}
	return c
}

// Stats aggregates recognition activity.
type Stats struct {
	ActivePersons     int `json:"active_persons"`
	TotalRecognitions int `json:"total_recognitions"`
	RecognitionsToday int `json:"recognitions_today"`
}

// Store is the person registry. Implementations are safe for concurrent use
// and return copies that callers may modify freely.
type Store interface {
	// Register stores a new person with zero recognitions. Registration is
	// all-or-nothing.
	Register(ctx context.Context, p Person) error
	// Deactivate soft-deletes a person. Embeddings and history are kept.
	Deactivate(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Person, error)
	// ActiveRecords lists active persons, most recognized first.
	ActiveRecords(ctx context.Context) ([]Person, error)
	RecordSighting(ctx context.Context, id string, confidence float64) error
	Stats(ctx context.Context) (Stats, error)
	// Reset removes every person and all history.
	Reset(ctx context.Context) error
	Close() error
}

// NewStore opens the registry backend selected by driver.
// dsn is a file path for sqlite and a connection string for postgres.
func NewStore(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown registry driver %q", driver)
	}
}

// validate checks that p can be enrolled and normalizes its fields.
func validate(p *Person) error {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	if p.ID == "" {
		return fmt.Errorf("%w: person id is required", ErrEnrollment)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrEnrollment)
	}
	if len(p.Embeddings) == 0 {
		return fmt.Errorf("%w: %s has no face embeddings", ErrEnrollment, p.ID)
	}
	dim := len(p.Embeddings[0])
	for i, e := range p.Embeddings {
		if len(e) == 0 || len(e) != dim {
			return fmt.Errorf("%w: embedding %d has dimension %d, want %d", ErrEnrollment, i, len(e), dim)
		}
	}
	p.Relationship = strings.ToLower(strings.TrimSpace(p.Relationship))
	if p.Relationship == "" {
		p.Relationship = RelationshipOther
	}
	return nil
}

// sortByRecognitions orders persons by recognition count descending, then ID.
func sortByRecognitions(ps []Person) {
	slices.SortStableFunc(ps, func(a, b Person) int {
		if c := cmp.Compare(b.RecognitionCount, a.RecognitionCount); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// startOfDay returns local midnight for t.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
