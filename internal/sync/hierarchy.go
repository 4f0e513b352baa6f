package sync

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/dvsync/internal/dataverse"
	"github.com/schaermu/dvsync/internal/manifest"
)

// syncHierarchy walks the tree level by level. A level starts only after the
// previous one finished, so every parent is resolved before its children run.
func (r *run) syncHierarchy(ctx context.Context) {
	for depth, level := range r.tree.Levels() {
		if err := r.gate.Err(); err != nil {
			r.logger.Warn("not starting level", "level", depth, "reason", err)
			return
		}

		g := new(errgroup.Group)
		g.SetLimit(r.workers)
		for _, n := range level {
			if r.report.Has(n.Identifier) {
				continue
			}
			if r.gate.Err() != nil {
				break
			}
			g.Go(func() error {
				r.syncNode(ctx, n)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// syncNode probes n, creates it when absent and uploads its files. Errors are
// recorded on the node and never escape.
func (r *run) syncNode(ctx context.Context, n *manifest.Node) {
	if r.gate.Err() != nil {
		return
	}

	logger := r.logger.With("node", n.Identifier, "kind", n.Kind)

	parentID := r.tree.Parent(n.Identifier)
	parent, ok := r.prober.Cached(parentID)
	if !ok {
		r.fail(n, ancestorFailed(parentID))
		return
	}

	remote, found, err := r.probe(ctx, n, parent, parentID)
	if err != nil {
		logger.Error("probe failed", "error", err)
		r.fail(n, err)
		return
	}

	if found {
		logger.Info("node already exists", "remote_id", remote.ID, "state", remote.State)
		r.report.Record(n, ActionAlreadyExisted)
	} else {
		var action Action
		remote, action, err = r.create(ctx, logger, n, parent)
		if err != nil {
			logger.Error("create failed", "error", err)
			r.fail(n, err)
			return
		}
		r.report.Record(n, action)
	}

	if n.Kind != manifest.KindDataset {
		return
	}

	res, fresh := r.uploader.Upload(ctx, n, remote)
	r.prober.Refresh(n.Identifier, fresh)
	r.report.Merge(n, res)
	if dataverse.IsFatal(res.Err) {
		r.gate.Abort(res.Err)
	}
}

func (r *run) probe(ctx context.Context, n *manifest.Node, parent *dataverse.RemoteNode, parentID string) (*dataverse.RemoteNode, bool, error) {
	if r.dryRun && r.prober.cache.Planned(parentID) {
		return nil, false, nil
	}

	var remote *dataverse.RemoteNode
	var found bool
	err := r.retry.do(ctx, "probe "+n.Identifier, func(ctx context.Context) error {
		var err error
		remote, found, err = r.prober.Probe(ctx, n, parent)
		return err
	})
	return remote, found, err
}

func (r *run) create(ctx context.Context, logger *slog.Logger, n *manifest.Node, parent *dataverse.RemoteNode) (*dataverse.RemoteNode, Action, error) {
	payload, err := r.payload(n)
	if err != nil {
		return nil, "", err
	}

	if r.dryRun {
		logger.Info("[dry-run] would create "+string(n.Kind), "parent", parent.ID)
		id := n.Identifier
		if n.Kind == manifest.KindCollection {
			id = dataverse.CollectionAlias(n.Identifier, n.Metadata)
		}
		placeholder := &dataverse.RemoteNode{
			ID:    id,
			Kind:  dataverse.Kind(n.Kind),
			State: dataverse.StateDraft,
			Files: map[string]dataverse.RemoteFile{},
		}
		r.prober.cache.MarkPlanned(n.Identifier, placeholder)
		return placeholder, ActionCreated, nil
	}

	var created *dataverse.RemoteNode
	attempt := 0
	err = r.retry.do(ctx, "create "+n.Identifier, func(ctx context.Context) error {
		attempt++
		var err error
		switch n.Kind {
		case manifest.KindCollection:
			created, err = r.repo.CreateCollection(ctx, parent, payload)
		case manifest.KindDataset:
			// a failed attempt may still have created the dataset
			if attempt > 1 {
				if existing, perr := r.repo.ProbeChild(ctx, parent, dataverse.KindDataset, n.Identifier); perr == nil && existing != nil {
					created = existing
					return nil
				}
			}
			created, err = r.repo.CreateDataset(ctx, parent, payload)
		}
		return err
	})

	if n.Kind == manifest.KindCollection && dataverse.IsAlreadyExists(err) {
		alias := dataverse.CollectionAlias(n.Identifier, n.Metadata)
		existing, lerr := r.repo.Collection(ctx, alias)
		if lerr == nil {
			if parent.DatabaseID != 0 && existing.OwnerID != 0 && existing.OwnerID != parent.DatabaseID {
				return nil, "", fmt.Errorf("create %s: alias %q already exists outside %q", n.Kind, alias, parent.ID)
			}
			logger.Warn("collection appeared after probe, using existing", "alias", alias)
			return r.prober.Remember(n.Identifier, existing), ActionAlreadyExisted, nil
		}
	}
	if err != nil {
		return nil, "", fmt.Errorf("create %s: %w", n.Kind, err)
	}

	logger.Info("node created", "remote_id", created.ID, "parent", parent.ID)
	return r.prober.Remember(n.Identifier, created), ActionCreated, nil
}

// payload builds the create request body for n
func (r *run) payload(n *manifest.Node) (map[string]any, error) {
	if n.Kind == manifest.KindCollection {
		return dataverse.BuildCollection(n.Identifier, n.Metadata)
	}

	var template map[string]any
	if p := r.tree.TemplatePath(n); p != "" {
		var err error
		template, err = dataverse.LoadTemplate(p)
		if err != nil {
			return nil, err
		}
	}
	return dataverse.BuildDataset(n.Identifier, n.Metadata, template)
}

// fail records err on n and short-circuits its whole subtree
func (r *run) fail(n *manifest.Node, err error) {
	r.report.Fail(n, err)
	if dataverse.IsFatal(err) {
		r.gate.Abort(err)
	}
	for _, d := range r.tree.Descendants(n.Identifier) {
		r.report.Fail(d, ancestorFailed(n.Identifier))
	}
}
