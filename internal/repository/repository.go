package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/methodology"
)

// ManifestName is the document listing every available methodology.
const ManifestName = "manifest.json"

var (
	// ErrNotFound indicates a methodology could not be fetched.
	ErrNotFound = errors.New("methodology not found")

	// ErrInvalidID indicates a methodology id that cannot name a document.
	ErrInvalidID = errors.New("invalid methodology id")
)

// validID matches ids that are safe to turn into document names.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Fetcher retrieves raw documents by name, e.g. "manifest.json" or
// "agile-sprint.json".
type Fetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, name string) ([]byte, error)

// Fetch calls f(ctx, name).
func (f FetcherFunc) Fetch(ctx context.Context, name string) ([]byte, error) {
	return f(ctx, name)
}

// DocumentName returns the document holding the methodology with the given id.
func DocumentName(id string) string {
	return id + ".json"
}

// ValidateID reports whether id can name a methodology document.
func ValidateID(id string) error {
	if !validID.MatchString(id) || DocumentName(id) == ManifestName {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Repository caches methodologies and the manifest loaded from a Fetcher.
type Repository struct {
	fetcher Fetcher
	logger  *logging.Logger
	metrics *Metrics
	now     func() time.Time

	mu            sync.RWMutex
	manifest      *methodology.Manifest
	methodologies map[string]*methodology.Methodology
	generation    uint64

	group singleflight.Group
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Repository) {
		r.metrics = m
	}
}

// New creates a repository over the given fetcher.
func New(fetcher Fetcher, opts ...Option) *Repository {
	r := &Repository{
		fetcher:       fetcher,
		logger:        logging.NewNop(),
		now:           time.Now,
		methodologies: make(map[string]*methodology.Methodology),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Manifest returns the manifest entries. A fetch or decode failure is logged
// and yields an empty list that is not cached.
func (r *Repository) Manifest(ctx context.Context) []methodology.ManifestEntry {
	r.mu.RLock()
	cached := r.manifest
	r.mu.RUnlock()
	if cached != nil {
		r.metrics.hit(kindManifest)
		return slices.Clone(cached.Methodologies)
	}
	r.metrics.miss(kindManifest)

	v, err, _ := r.group.Do(kindManifest, func() (interface{}, error) {
		gen := r.currentGeneration()
		data, err := r.fetch(ctx, kindManifest, ManifestName)
		if err != nil {
			return nil, err
		}
		m, err := methodology.ParseManifest(data)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.generation == gen {
			r.manifest = m
		}
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		r.metrics.fetchError(kindManifest)
		r.logger.Warn(ctx, "manifest unavailable", zap.Error(err))
		return []methodology.ManifestEntry{}
	}
	return slices.Clone(v.(*methodology.Manifest).Methodologies)
}

// Get returns the methodology with the given id, loading it on first use.
//
// Returns ErrInvalidID for unusable ids, ErrNotFound when the document cannot
// be fetched, and a methodology.ValidationError when it fails to parse.
func (r *Repository) Get(ctx context.Context, id string) (*methodology.Methodology, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	r.mu.RLock()
	cached, ok := r.methodologies[id]
	r.mu.RUnlock()
	if ok {
		r.metrics.hit(kindMethodology)
		return cached, nil
	}
	r.metrics.miss(kindMethodology)

	v, err, _ := r.group.Do(kindMethodology+":"+id, func() (interface{}, error) {
		gen := r.currentGeneration()
		data, err := r.fetch(ctx, kindMethodology, DocumentName(id))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
		}
		m, err := methodology.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("methodology %s: %w", id, err)
		}
		if m.ID != id {
			return nil, fmt.Errorf("methodology %s: %w: document declares id %q",
				id, methodology.ErrInvalidMethodology, m.ID)
		}

		r.mu.Lock()
		if r.generation == gen {
			r.methodologies[id] = m
			r.metrics.setCached(len(r.methodologies))
		}
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		r.metrics.fetchError(kindMethodology)
		r.logger.Warn(ctx, "methodology load failed", zap.String("methodology.id", id), zap.Error(err))
		return nil, err
	}
	return v.(*methodology.Methodology), nil
}

// Clear drops every cached document. Loads already in flight complete for
// their callers but are not stored.
func (r *Repository) Clear() {
	r.mu.Lock()
	r.manifest = nil
	r.methodologies = make(map[string]*methodology.Methodology)
	r.generation++
	r.mu.Unlock()

	if rs, ok := r.fetcher.(resetter); ok {
		rs.Reset()
	}
	r.metrics.cleared()
	r.logger.Debug(context.Background(), "repository cache cleared")
}

// resetter is implemented by fetchers that hold their own snapshot of the
// documents, such as a cloned git tree.
type resetter interface {
	Reset()
}

// Cached returns the number of methodologies currently cached.
func (r *Repository) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.methodologies)
}

func (r *Repository) currentGeneration() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

func (r *Repository) fetch(ctx context.Context, kind, name string) ([]byte, error) {
	if r.fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	start := r.now()
	data, err := r.fetcher.Fetch(ctx, name)
	r.metrics.observeFetch(kind, r.now().Sub(start).Seconds())
	return data, err
}
