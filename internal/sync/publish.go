package sync

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/dvsync/internal/dataverse"
	"github.com/schaermu/dvsync/internal/manifest"
)

// Publisher releases flagged draft nodes, parents before children. It never
// publishes a node the manifest did not flag.
type Publisher struct {
	repo        dataverse.Repository
	prober      *Prober
	retry       *retrier
	gate        *gate
	logger      *slog.Logger
	dryRun      bool
	versionType string
	workers     int
}

// Publish runs after the whole tree was synced. Nodes whose sync failed keep
// their failed result and are not published.
func (p *Publisher) Publish(ctx context.Context, tree *manifest.Tree, report *Report) {
	for _, level := range tree.Levels() {
		g := new(errgroup.Group)
		g.SetLimit(p.workers)
		for _, n := range level {
			if !n.Publish || !report.Has(n.Identifier) || report.NodeFailed(n.Identifier) {
				continue
			}
			if err := p.gate.Err(); err != nil {
				report.Fail(n, fmt.Errorf("publish not attempted: %w", err))
				continue
			}
			g.Go(func() error {
				p.publishNode(ctx, tree, report, n)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (p *Publisher) publishNode(ctx context.Context, tree *manifest.Tree, report *Report, n *manifest.Node) {
	logger := p.logger.With("node", n.Identifier, "kind", n.Kind)

	node, ok := p.prober.Cached(n.Identifier)
	if !ok {
		report.Fail(n, fmt.Errorf("publish: remote state of %s unknown", n.Identifier))
		return
	}
	if node.Published() {
		logger.Debug("already published")
		report.Record(n, ActionAlreadyExisted)
		return
	}

	if parentID := tree.Parent(n.Identifier); parentID != tree.Root() {
		parent, ok := p.prober.Cached(parentID)
		if !ok || !parent.Published() {
			logger.Warn("parent still in draft, not publishing", "parent", parentID)
			report.Fail(n, fmt.Errorf("%w: %s", ErrParentNotPublished, parentID))
			return
		}
	}

	if p.dryRun {
		logger.Info("[dry-run] would publish", "remote_id", node.ID, "type", p.versionType)
	} else {
		err := p.retry.do(ctx, "publish "+n.Identifier, func(ctx context.Context) error {
			return p.repo.Publish(ctx, node, p.versionType)
		})
		if err != nil {
			logger.Error("publish failed", "error", err)
			report.Fail(n, fmt.Errorf("publish: %w", err))
			if dataverse.IsFatal(err) {
				p.gate.Abort(err)
			}
			return
		}
		logger.Info("node published", "remote_id", node.ID)
	}

	fresh := node.Clone()
	fresh.State = dataverse.StatePublished
	p.prober.Refresh(n.Identifier, fresh)
	report.Record(n, ActionPublished)
}
