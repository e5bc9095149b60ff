package source

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/logging"
)

// GitSource reads documents from a directory of any git remote. The remote
// is shallow-cloned into memory on first use and served from that snapshot
// until Reset is called.
type GitSource struct {
	url    string
	ref    string
	dir    string
	token  config.Secret
	logger *logging.Logger

	mu   sync.Mutex
	tree *object.Tree
}

// GitOption configures a GitSource.
type GitOption func(*GitSource)

// WithGitRef selects the ref to clone: a branch or tag name, or a full
// "refs/..." name. Short names are tried as a branch first, then as a tag.
// Empty means the remote HEAD.
func WithGitRef(ref string) GitOption {
	return func(s *GitSource) {
		s.ref = ref
	}
}

// WithGitPath sets the directory holding the documents.
func WithGitPath(dir string) GitOption {
	return func(s *GitSource) {
		s.dir = dir
	}
}

// WithGitToken authenticates HTTPS clones.
func WithGitToken(token config.Secret) GitOption {
	return func(s *GitSource) {
		s.token = token
	}
}

// WithGitLogger sets the source logger.
func WithGitLogger(l *logging.Logger) GitOption {
	return func(s *GitSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewGitSource creates a source for the given remote URL. Nothing is
// fetched until the first Fetch.
func NewGitSource(url string, opts ...GitOption) (*GitSource, error) {
	if url == "" {
		return nil, errors.New("git remote url is required")
	}
	s := &GitSource{url: url, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Fetch reads dir/name from the cloned tree.
func (s *GitSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	tree, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	f, err := tree.File(path.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if f.Size > maxDocumentSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, name)
	}

	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return []byte(content), nil
}

// Reset drops the cloned snapshot; the next Fetch clones again.
func (s *GitSource) Reset() {
	s.mu.Lock()
	s.tree = nil
	s.mu.Unlock()
}

// snapshot returns the cloned tree, cloning on first use. A failed clone is
// not cached.
func (s *GitSource) snapshot(ctx context.Context) (*object.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree != nil {
		return s.tree, nil
	}

	repo, err := s.clone(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", s.url, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD of %s: %w", s.url, err)
	}
	commit, err := headCommit(repo, head.Hash())
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", head.Hash(), err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree of %s: %w", head.Hash(), err)
	}

	s.logger.Info(ctx, "methodology repository cloned",
		zap.String("url", s.url),
		zap.String("ref", head.Name().Short()),
		zap.String("commit", head.Hash().String()),
	)
	s.tree = tree
	return tree, nil
}

// refCandidates lists the ref names a clone tries, in order.
func (s *GitSource) refCandidates() []plumbing.ReferenceName {
	switch {
	case s.ref == "":
		return []plumbing.ReferenceName{""}
	case plumbing.ReferenceName(s.ref).IsBranch(), plumbing.ReferenceName(s.ref).IsTag():
		return []plumbing.ReferenceName{plumbing.ReferenceName(s.ref)}
	default:
		return []plumbing.ReferenceName{
			plumbing.NewBranchReferenceName(s.ref),
			plumbing.NewTagReferenceName(s.ref),
		}
	}
}

// clone shallow-clones the first candidate ref that exists on the remote.
// The error of the first candidate is returned when none does.
func (s *GitSource) clone(ctx context.Context) (*git.Repository, error) {
	var firstErr error
	for _, ref := range s.refCandidates() {
		opts := &git.CloneOptions{
			URL:           s.url,
			ReferenceName: ref,
			Depth:         1,
			SingleBranch:  true,
			Tags:          git.NoTags,
		}
		if s.token.IsSet() {
			opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: s.token.Value()}
		}
		repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, opts)
		if err == nil {
			return repo, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, firstErr
}

// headCommit returns the commit at hash, peeling an annotated tag.
func headCommit(repo *git.Repository, hash plumbing.Hash) (*object.Commit, error) {
	if tag, err := repo.TagObject(hash); err == nil {
		return tag.Commit()
	}
	return repo.CommitObject(hash)
}
