// Package gitrepo implements the repository sync executor: shallow clone,
// fast-forward update, fresh clone fallback.
package gitrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-github/v53/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/metrics"
	"github.com/chainscope/harvester/internal/ratelimit"
	"github.com/chainscope/harvester/internal/source"
)

// Service is the rate-limiter bucket consumed by repository syncs.
const Service = "github"

// Config controls the repository executor.
type Config struct {
	// ReposDir is where working trees live, laid out category/source_name.
	ReposDir      string
	CloneDepth    int
	CloneTimeout  time.Duration
	UpdateTimeout time.Duration
	// Token enables authenticated GitHub metadata lookups.
	Token string
}

// Manifest is the artifact persisted per sync. It deliberately excludes
// timestamps: an unchanged repository produces identical manifest bytes, so
// the raw store treats the re-fetch as a no-op.
type Manifest struct {
	URL           string `json:"url"`
	Commit        string `json:"commit"`
	Category      string `json:"category"`
	LocalPath     string `json:"local_path"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Stars         int    `json:"stars,omitempty"`
}

// Fetcher syncs git repositories through the git CLI.
type Fetcher struct {
	cfg     Config
	limiter *ratelimit.Registry
	store   harvest.RawStore
	clock   harvest.Clock
	logger  *zap.Logger
	client  *github.Client
}

// New constructs a Fetcher. When a token is configured the GitHub client is
// authenticated; otherwise metadata lookups run anonymously.
func New(cfg Config, limiter *ratelimit.Registry, store harvest.RawStore, clock harvest.Clock, logger *zap.Logger) *Fetcher {
	if cfg.CloneDepth <= 0 {
		cfg.CloneDepth = 1
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = 5 * time.Minute
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 2 * time.Minute
	}
	client := github.NewClient(nil)
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	return &Fetcher{
		cfg:     cfg,
		limiter: limiter,
		store:   store,
		clock:   clock,
		logger:  logger,
		client:  client,
	}
}

// Kind implements harvest.Fetcher.
func (f *Fetcher) Kind() harvest.SourceKind {
	return harvest.KindRepository
}

// Fetch clones or updates the repository and persists a sync manifest.
// An up-to-date repository is a success, not an error.
func (f *Fetcher) Fetch(ctx context.Context, src harvest.Source) ([]harvest.RawArtifact, error) {
	owner, repo, err := splitRepoURL(src.Endpoint)
	if err != nil {
		metrics.CountFetch(string(f.Kind()), "malformed")
		return nil, harvest.MalformedSource(err)
	}

	if err := f.limiter.Acquire(ctx, Service); err != nil {
		return nil, err
	}

	localPath := filepath.Join(f.cfg.ReposDir, source.Sanitize(src.Category), source.Sanitize(src.Name))
	if err := f.sync(ctx, src, localPath); err != nil {
		metrics.CountFetch(string(f.Kind()), "failed")
		return nil, err
	}

	commit, err := f.headCommit(ctx, localPath)
	if err != nil {
		metrics.CountFetch(string(f.Kind()), "failed")
		return nil, err
	}

	manifest := Manifest{
		URL:       src.Endpoint,
		Commit:    commit,
		Category:  src.Category,
		LocalPath: localPath,
	}
	f.enrich(ctx, owner, repo, &manifest)

	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, harvest.StorageFailure(fmt.Errorf("marshal sync manifest: %w", err))
	}
	art, err := f.store.Put(ctx, harvest.PutRequest{
		SourceID:    src.ID,
		Kind:        harvest.KindRepository,
		ContentKind: "json",
		Data:        data,
		FetchedAt:   f.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	metrics.CountFetch(string(f.Kind()), "succeeded")
	return []harvest.RawArtifact{art}, nil
}

// sync clones when the working tree is absent and fast-forwards otherwise.
// A failed pull (diverged history, corruption) falls back to a fresh clone.
func (f *Fetcher) sync(ctx context.Context, src harvest.Source, localPath string) error {
	if _, err := os.Stat(filepath.Join(localPath, ".git")); err == nil {
		if err := f.update(ctx, localPath); err == nil {
			return nil
		}
		f.logger.Warn("fast-forward failed, recloning",
			zap.String("source", src.ID),
			zap.String("path", localPath),
		)
		if err := os.RemoveAll(localPath); err != nil {
			return harvest.StorageFailure(fmt.Errorf("remove stale clone: %w", err))
		}
	}
	return f.clone(ctx, src, localPath)
}

func (f *Fetcher) clone(ctx context.Context, src harvest.Source, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return harvest.StorageFailure(fmt.Errorf("create category directory: %w", err))
	}
	depth := src.CloneDepth
	if depth <= 0 {
		depth = f.cfg.CloneDepth
	}
	return f.git(ctx, f.cfg.CloneTimeout,
		"clone", "--depth", fmt.Sprint(depth), src.Endpoint, localPath)
}

func (f *Fetcher) update(ctx context.Context, localPath string) error {
	return f.git(ctx, f.cfg.UpdateTimeout, "-C", localPath, "pull", "--ff-only")
}

func (f *Fetcher) headCommit(ctx context.Context, localPath string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, "git", "-C", localPath, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", harvest.Transient(fmt.Errorf("resolve HEAD: %w", err))
	}
	return strings.TrimSpace(string(out)), nil
}

func (f *Fetcher) git(ctx context.Context, timeout time.Duration, args ...string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	return classifyGitError(cmdCtx, string(out), err)
}

func classifyGitError(ctx context.Context, output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "permission denied"):
		return harvest.AuthFailure(fmt.Errorf("git: %s", strings.TrimSpace(output)))
	case strings.Contains(lower, "repository not found"):
		return harvest.MalformedSource(fmt.Errorf("git: %s", strings.TrimSpace(output)))
	case ctx.Err() != nil:
		return harvest.Transient(fmt.Errorf("git timed out: %w", ctx.Err()))
	default:
		return harvest.Transient(fmt.Errorf("git: %w: %s", err, strings.TrimSpace(output)))
	}
}

// enrich attaches GitHub metadata when the endpoint is a GitHub URL.
// Lookup failures are tolerated; the sync already succeeded.
func (f *Fetcher) enrich(ctx context.Context, owner, repo string, manifest *Manifest) {
	if owner == "" || repo == "" {
		return
	}
	repository, _, err := f.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		f.logger.Debug("repository metadata lookup failed",
			zap.String("owner", owner),
			zap.String("repo", repo),
			zap.Error(err),
		)
		return
	}
	manifest.DefaultBranch = repository.GetDefaultBranch()
	manifest.Stars = repository.GetStargazersCount()
}

func splitRepoURL(endpoint string) (owner, repo string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("parse repository url %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("repository url %q must be absolute", endpoint)
	}
	// Only GitHub URLs need the owner/name shape; other hosts may serve
	// clone URLs with a single path segment.
	if !strings.Contains(u.Host, "github.com") {
		return "", "", nil
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository url %q lacks owner/name", endpoint)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
