// Package sync reconciles a manifest tree against a Dataverse installation:
// it creates missing collections and datasets parent before child, uploads
// changed files and publishes flagged nodes, recording every step in a Report.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/dvsync/internal/config"
	"github.com/schaermu/dvsync/internal/dataverse"
	"github.com/schaermu/dvsync/internal/manifest"
)

// Options tune a single engine
type Options struct {
	// DryRun probes the repository but only logs the mutations it would make
	DryRun bool
	// RunID tags the report; a random UUID is used when empty
	RunID string
	// Now overrides the clock used for the run budget
	Now func() time.Time
}

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	repo   dataverse.Repository
	logger *slog.Logger
	dryRun bool
	runID  string
	now    func() time.Time
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, repo dataverse.Repository, logger *slog.Logger, opts Options) *Engine {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
		dryRun: opts.DryRun,
		runID:  runID,
		now:    now,
	}
}

// run holds the state of one Run call
type run struct {
	*Engine
	tree      *manifest.Tree
	report    *Report
	prober    *Prober
	uploader  *Uploader
	publisher *Publisher
	retry     *retrier
	gate      *gate
	workers   int
}

func (e *Engine) newRun(tree *manifest.Tree, report *Report) *run {
	workers := e.cfg.Sync.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	retry := &retrier{
		attempts: e.cfg.Sync.UploadRetries,
		base:     e.cfg.Sync.RetryDelay,
		logger:   e.logger,
	}
	g := newGate(e.cfg.Sync.RunTimeout, e.now)
	prober := NewProber(e.repo)

	return &run{
		Engine:   e,
		tree:     tree,
		report:   report,
		prober:   prober,
		uploader: NewUploader(e.cfg, e.repo, retry, e.logger, e.dryRun),
		publisher: &Publisher{
			repo:        e.repo,
			prober:      prober,
			retry:       retry,
			gate:        g,
			logger:      e.logger,
			dryRun:      e.dryRun,
			versionType: string(e.cfg.Dataverse.PublishType),
			workers:     workers,
		},
		retry:   retry,
		gate:    g,
		workers: workers,
	}
}

// Run executes the complete sync process. The returned report is never nil;
// the error is set only when the run was aborted by a fatal condition.
func (e *Engine) Run(ctx context.Context, tree *manifest.Tree) (*Report, error) {
	started := e.now()
	report := NewReport(e.runID, started)

	e.logger.Info("starting sync",
		"root", tree.Root(),
		"nodes", tree.Len(),
		"data_root", e.cfg.Paths.DataRoot,
		"workers", e.cfg.Sync.MaxWorkers,
		"dry_run", e.dryRun)

	r := e.newRun(tree, report)

	if err := r.resolveRoot(ctx); err != nil {
		r.gate.Abort(err)
		report.Finalize(tree, err, e.now())
		return report, fmt.Errorf("failed to resolve root collection: %w", err)
	}

	r.syncHierarchy(ctx)
	r.publisher.Publish(ctx, tree, report)

	report.Finalize(tree, r.gate.reason(), e.now())

	counts := report.Counts()
	e.logger.Info("sync finished",
		"created", counts[ActionCreated],
		"already_existed", counts[ActionAlreadyExisted],
		"updated_files", counts[ActionUpdatedFiles],
		"published", counts[ActionPublished],
		"failed", counts[ActionFailed],
		"duration", report.Finished.Sub(started).Round(time.Millisecond))

	if fatal := r.gate.Fatal(); fatal != nil {
		return report, fmt.Errorf("sync aborted: %w", fatal)
	}
	if err := r.gate.Err(); isRunTimeout(err) {
		e.logger.Warn("run budget expired, unprocessed nodes marked failed", "budget", e.cfg.Sync.RunTimeout)
	}
	return report, nil
}

// resolveRoot loads the pre-existing root collection into the cache
func (r *run) resolveRoot(ctx context.Context) error {
	alias := r.tree.Root()

	var root *dataverse.RemoteNode
	err := r.retry.do(ctx, "get root collection "+alias, func(ctx context.Context) error {
		var err error
		root, err = r.repo.Collection(ctx, alias)
		return err
	})
	if dataverse.IsNotFound(err) {
		return fmt.Errorf("root collection %q does not exist: %w", alias, err)
	}
	if err != nil {
		return err
	}

	r.logger.Info("root collection found", "alias", alias, "state", root.State)
	r.prober.Refresh(alias, root)
	return nil
}
