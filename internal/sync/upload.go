package sync

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/dvsync/internal/config"
	"github.com/schaermu/dvsync/internal/dataverse"
	"github.com/schaermu/dvsync/internal/manifest"
)

// localFile is a resolved manifest file entry
type localFile struct {
	// Path is slash-separated and relative to the data root
	Path string
	// LocalPath is the file on disk
	LocalPath string
}

// Uploader transfers the declared files of a dataset, skipping files whose
// fingerprint matches the one the repository recorded.
type Uploader struct {
	repo    dataverse.Repository
	cfg     *config.Config
	retry   *retrier
	logger  *slog.Logger
	dryRun  bool
	workers int
}

// NewUploader creates an uploader with a bounded worker pool per dataset
func NewUploader(cfg *config.Config, repo dataverse.Repository, retry *retrier, logger *slog.Logger, dryRun bool) *Uploader {
	workers := cfg.Sync.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	return &Uploader{
		repo:    repo,
		cfg:     cfg,
		retry:   retry,
		logger:  logger,
		dryRun:  dryRun,
		workers: workers,
	}
}

type fileOutcome struct {
	uploaded bool
	skipped  bool
	remote   dataverse.RemoteFile
	err      error
}

// Upload syncs n's files into remote. It returns the partial result for the
// dataset and the node state after the uploads. Each file is attempted
// independently; all file errors are joined into the result.
func (u *Uploader) Upload(ctx context.Context, n *manifest.Node, remote *dataverse.RemoteNode) (Result, *dataverse.RemoteNode) {
	res := Result{Identifier: n.Identifier, Kind: n.Kind}
	if len(n.Files) == 0 {
		return res, remote
	}

	logger := u.logger.With("node", n.Identifier, "kind", n.Kind)

	files, errs := resolveFiles(u.cfg, n.Files)
	for _, err := range errs {
		logger.Error("file resolution failed", "error", err)
	}

	outcomes := make([]fileOutcome, len(files))
	g := new(errgroup.Group)
	g.SetLimit(u.workers)
	for i, f := range files {
		g.Go(func() error {
			outcomes[i] = u.uploadOne(ctx, logger, remote, f)
			return nil
		})
	}
	_ = g.Wait()

	fresh := remote.Clone()
	if fresh.Files == nil {
		fresh.Files = make(map[string]dataverse.RemoteFile)
	}
	for _, o := range outcomes {
		switch {
		case o.err != nil:
			errs = append(errs, o.err)
		case o.skipped:
			res.Skipped++
		case o.uploaded:
			res.Uploaded++
			fresh.Files[o.remote.Path] = o.remote
		}
	}
	if res.Uploaded > 0 {
		fresh.State = dataverse.StateDraft
	}

	switch {
	case len(errs) > 0:
		res.Err = errors.Join(errs...)
	case res.Uploaded > 0:
		res.Actions = []Action{ActionUpdatedFiles}
	}

	logger.Info("files synced",
		"uploaded", res.Uploaded,
		"skipped", res.Skipped,
		"failed", len(errs))

	return res, fresh
}

func (u *Uploader) uploadOne(ctx context.Context, logger *slog.Logger, remote *dataverse.RemoteNode, f localFile) fileOutcome {
	existing, exists := remote.Files[f.Path]

	algorithm := u.cfg.Sync.Checksum
	if exists && existing.Checksum.Value != "" {
		algorithm = existing.Checksum.Algorithm
	}

	sum, err := fileHash(f.LocalPath, algorithm)
	if err != nil {
		if exists {
			logger.Warn("cannot fingerprint with remote algorithm, uploading",
				"file", f.Path,
				"algorithm", algorithm,
				"error", err)
		} else {
			return fileOutcome{err: &FileError{Path: f.Path, Err: err}}
		}
	}
	if exists && sum != "" && strings.EqualFold(sum, existing.Checksum.Value) {
		logger.Debug("file unchanged", "file", f.Path)
		return fileOutcome{skipped: true}
	}

	upload := dataverse.Upload{Path: f.Path, LocalPath: f.LocalPath}
	verb := "add"
	if exists {
		replace := existing
		upload.Replace = &replace
		verb = "replace"
	}

	if u.dryRun {
		logger.Info("[dry-run] would "+verb+" file", "file", f.Path)
		return fileOutcome{uploaded: true, remote: dataverse.RemoteFile{
			ID:       existing.ID,
			Path:     f.Path,
			Checksum: dataverse.Fingerprint{Algorithm: algorithm, Value: sum},
		}}
	}

	var uploaded dataverse.RemoteFile
	err = u.retry.do(ctx, verb+" file "+f.Path, func(ctx context.Context) error {
		var err error
		uploaded, err = u.repo.UploadFile(ctx, remote.ID, upload)
		return err
	})
	if err != nil {
		logger.Error("upload failed", "file", f.Path, "error", err)
		return fileOutcome{err: &FileError{Path: f.Path, Err: err}}
	}
	if uploaded.Path == "" {
		uploaded.Path = f.Path
	}

	logger.Info("file uploaded", "file", f.Path, "op", verb)
	return fileOutcome{uploaded: true, remote: uploaded}
}

// resolveFiles expands manifest file entries under the data root. Literal
// entries must name regular files; patterns must match at least one. Results
// keep declaration order without duplicates.
func resolveFiles(cfg *config.Config, entries []string) ([]localFile, []error) {
	fsys := os.DirFS(cfg.Paths.DataRoot)
	seen := make(map[string]bool)
	var files []localFile
	var errs []error

	add := func(p string) {
		if seen[p] {
			return
		}
		seen[p] = true
		files = append(files, localFile{Path: p, LocalPath: cfg.ResolveDataPath(p)})
	}

	for _, entry := range entries {
		if manifest.IsPattern(entry) {
			matches, err := doublestar.Glob(fsys, entry, doublestar.WithFilesOnly())
			if err != nil {
				errs = append(errs, fmt.Errorf("pattern %q: %w", entry, err))
				continue
			}
			var regular []string
			for _, m := range matches {
				if info, err := fs.Stat(fsys, m); err == nil && info.Mode().IsRegular() {
					regular = append(regular, m)
				}
			}
			if len(regular) == 0 {
				errs = append(errs, &MissingLocalFileError{Path: entry, Pattern: true})
				continue
			}
			for _, m := range regular {
				add(m)
			}
			continue
		}

		p := path.Clean(entry)
		info, err := fs.Stat(fsys, p)
		if err != nil || !info.Mode().IsRegular() {
			errs = append(errs, &MissingLocalFileError{Path: entry})
			continue
		}
		add(p)
	}

	return files, errs
}

// CheckFiles resolves the declared files of every dataset in tree and
// returns one error per missing file or unmatched pattern.
func CheckFiles(cfg *config.Config, tree *manifest.Tree) []error {
	var errs []error
	for _, n := range tree.Nodes() {
		if n.Kind != manifest.KindDataset {
			continue
		}
		_, missing := resolveFiles(cfg, n.Files)
		for _, err := range missing {
			errs = append(errs, fmt.Errorf("%s: %w", n.Identifier, err))
		}
	}
	return errs
}

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToUpper(strings.ReplaceAll(algorithm, "-", "")) {
	case "MD5":
		return md5.New(), nil
	case "SHA1":
		return sha1.New(), nil
	case "SHA256":
		return sha256.New(), nil
	case "SHA512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// fileHash computes the hex checksum of a file with the given algorithm
func fileHash(filename, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
