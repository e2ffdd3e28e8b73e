// Package hub resolves models, tokenizers and datasets by name from the
// HuggingFace hub, caching downloads under the configured cache directory.
// Local paths pass through untouched so callers never need to distinguish
// "already on disk" from "needs a pull".
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gomlx/go-huggingface/hub"
)

// Well-known file names looked for in model repositories.
var modelFiles = []string{
	"config.json",
	"model.bin",
	"tokenizer_config.json",
	"vocab.txt",
	"tokenizer.json",
}

// ErrNotFound indicates the repository exposed none of the files we need.
var ErrNotFound = errors.New("no usable files found in repository")

// Client downloads repository files with a shared cache directory.
type Client struct {
	cacheDir  string
	authToken string
}

func New(cacheDir, authToken string) *Client {
	return &Client{cacheDir: cacheDir, authToken: authToken}
}

func (c *Client) repo(name, revision string, repoType hub.RepoType) *hub.Repo {
	r := hub.New(name).WithType(repoType)
	if c.cacheDir != "" {
		r = r.WithCacheDir(c.cacheDir)
	}
	if c.authToken != "" {
		r = r.WithAuth(c.authToken)
	}
	if revision != "" {
		r = r.WithRevision(revision)
	}
	return r
}

// EnsureModel makes the named model available locally and returns the
// directory holding its files. If name is an existing local directory it is
// returned as-is with no network access.
func (c *Client) EnsureModel(name, revision string) (string, error) {
	if fi, err := os.Stat(name); err == nil && fi.IsDir() {
		return name, nil
	}

	repo := c.repo(name, revision, hub.RepoTypeModel)
	var dir string
	found := 0
	for _, f := range modelFiles {
		if !repo.HasFile(f) {
			continue
		}
		path, err := repo.DownloadFile(f)
		if err != nil {
			return "", fmt.Errorf("failed to download %s from %s: %w", f, name, err)
		}
		dir = filepath.Dir(path)
		found++
	}
	if found == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	slog.Info("Resolved model repository", "name", name, "files", found, "dir", dir)
	return dir, nil
}

// EnsureDatasetFile makes the named dataset split available locally as a
// JSONL file and returns its path. Local files pass through untouched.
func (c *Client) EnsureDatasetFile(name, split string) (string, error) {
	if fi, err := os.Stat(name); err == nil && !fi.IsDir() {
		return name, nil
	}

	repo := c.repo(name, "", hub.RepoTypeDataset)
	candidates := []string{
		split + ".jsonl",
		split + ".json",
		filepath.Join("data", split+".jsonl"),
	}
	for _, f := range candidates {
		if !repo.HasFile(f) {
			continue
		}
		path, err := repo.DownloadFile(f)
		if err != nil {
			return "", fmt.Errorf("failed to download %s from %s: %w", f, name, err)
		}
		slog.Info("Resolved dataset file", "name", name, "split", split, "path", path)
		return path, nil
	}
	return "", fmt.Errorf("%w: dataset %s split %s", ErrNotFound, name, split)
}
