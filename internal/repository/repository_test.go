package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/methodology"
)

const testManifest = `{"methodologies": [
  {"id": "research-sprint", "name": "Research Sprint", "domains": ["research"], "tags": ["agile", "discovery"], "complexity": "moderate"},
  {"id": "waterfall", "title": "Waterfall", "domains": ["engineering"], "tags": ["planning"], "complexity": "complex"},
  {"id": "lean-research", "name": "Lean Research", "domains": ["Research"], "tags": ["lean"], "complexity": "simple"},
  {"id": "agile-delivery", "name": "Agile Delivery", "domains": ["engineering"], "tags": ["Agile"], "complexity": "moderate"}
]}`

const researchSprint = `{
  "id": "research-sprint",
  "name": "Research Sprint",
  "phases": [
    {"id": "discover", "tasks": [{"id": "survey", "title": "Survey"}]}
  ]
}`

// fakeSource serves documents from memory and counts fetches per name.
type fakeSource struct {
	mu    sync.Mutex
	docs  map[string]string
	fail  map[string]error
	calls map[string]int
	delay time.Duration
}

func newFakeSource(docs map[string]string) *fakeSource {
	return &fakeSource{docs: docs, fail: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	f.calls[name]++
	err := f.fail[name]
	doc, ok := f.docs[name]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: no such document", name)
	}
	return []byte(doc), nil
}

func (f *fakeSource) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSource) setFail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, name)
		return
	}
	f.fail[name] = err
}

func TestRepository_GetCaches(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(map[string]string{"research-sprint.json": researchSprint})
	repo := New(src, WithMetrics(NewMetrics()))

	first, err := repo.Get(ctx, "research-sprint")
	require.NoError(t, err)
	assert.Equal(t, "Research Sprint", first.Name)

	second, err := repo.Get(ctx, "research-sprint")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, src.count("research-sprint.json"))
	assert.Equal(t, 1, repo.Cached())
}

func TestRepository_ManifestReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := New(newFakeSource(map[string]string{ManifestName: testManifest}))

	first := repo.Manifest(ctx)
	require.NotEmpty(t, first)
	want := first[0].ID
	first[0].ID = "mutated"

	assert.Equal(t, want, repo.Manifest(ctx)[0].ID, "cached manifest is untouched")
	assert.Equal(t, want, repo.Manifest(ctx)[0].ID)
}

func TestRepository_GetNotFound(t *testing.T) {
	tl := logging.NewTestLogger()
	repo := New(newFakeSource(nil), WithLogger(tl.Logger))

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, repo.Cached())
	tl.AssertLogged(t, zapcore.WarnLevel, "methodology load failed")
}

func TestRepository_GetInvalidID(t *testing.T) {
	repo := New(newFakeSource(nil))

	for _, id := range []string{"", "../etc/passwd", "a/b", "manifest", ".hidden"} {
		_, err := repo.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}
}

func TestRepository_GetInvalidDocument(t *testing.T) {
	src := newFakeSource(map[string]string{
		"broken.json":  `{"id": "broken", "phases": [{"id": "p", "exitCriteria": [{"type": "metric-threshold", "metric": "q"}]}]}`,
		"renamed.json": researchSprint,
		"cut.json":     `{"id": "cut",`,
	})
	repo := New(src)

	_, err := repo.Get(context.Background(), "broken")
	require.Error(t, err)
	assert.True(t, methodology.IsValidationError(err))
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = repo.Get(context.Background(), "renamed")
	assert.ErrorIs(t, err, methodology.ErrInvalidMethodology)

	_, err = repo.Get(context.Background(), "cut")
	assert.ErrorIs(t, err, methodology.ErrInvalidMethodology)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Zero(t, repo.Cached())
}

func TestRepository_ConcurrentGetFetchesOnce(t *testing.T) {
	src := newFakeSource(map[string]string{"research-sprint.json": researchSprint})
	src.delay = 20 * time.Millisecond
	repo := New(src)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Get(context.Background(), "research-sprint"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, src.count("research-sprint.json"))
}

func TestRepository_Clear(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(map[string]string{
		ManifestName:           testManifest,
		"research-sprint.json": researchSprint,
	})
	repo := New(src, WithMetrics(NewMetrics()))

	_, err := repo.Get(ctx, "research-sprint")
	require.NoError(t, err)
	require.Len(t, repo.Manifest(ctx), 4)

	repo.Clear()
	assert.Zero(t, repo.Cached())

	_, err = repo.Get(ctx, "research-sprint")
	require.NoError(t, err)
	repo.Manifest(ctx)
	assert.Equal(t, 2, src.count("research-sprint.json"))
	assert.Equal(t, 2, src.count(ManifestName))
}

func TestRepository_ManifestFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	tl := logging.NewTestLogger()
	src := newFakeSource(map[string]string{ManifestName: testManifest})
	src.setFail(ManifestName, errors.New("connection refused"))
	repo := New(src, WithLogger(tl.Logger))

	entries := repo.Manifest(ctx)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
	tl.AssertLogged(t, zapcore.WarnLevel, "manifest unavailable")

	src.setFail(ManifestName, nil)
	entries = repo.Manifest(ctx)
	require.Len(t, entries, 4)
	assert.Equal(t, "Waterfall", entries[1].Name, "title is accepted for name")

	repo.Manifest(ctx)
	assert.Equal(t, 2, src.count(ManifestName))
}

func TestRepository_ManifestMalformed(t *testing.T) {
	repo := New(newFakeSource(map[string]string{ManifestName: `{"methodologies": [`}))
	assert.Empty(t, repo.Manifest(context.Background()))
}

func TestRepository_NoFetcher(t *testing.T) {
	repo := New(nil)
	_, err := repo.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, repo.Manifest(context.Background()))
}

func TestFetcherFunc(t *testing.T) {
	f := FetcherFunc(func(_ context.Context, name string) ([]byte, error) {
		return []byte(name), nil
	})
	data, err := f.Fetch(context.Background(), "x.json")
	require.NoError(t, err)
	assert.Equal(t, "x.json", string(data))
}

type resettingSource struct {
	*fakeSource
	resets int
}

func (r *resettingSource) Reset() { r.resets++ }

func TestRepository_ClearResetsFetcher(t *testing.T) {
	src := &resettingSource{fakeSource: newFakeSource(nil)}
	repo := New(src)

	repo.Clear()
	repo.Clear()
	assert.Equal(t, 2, src.resets)
}
