package sync

import (
	"context"

	"github.com/schaermu/dvsync/internal/dataverse"
	"github.com/schaermu/dvsync/internal/manifest"
)

// Prober resolves manifest nodes to their remote counterparts. Nodes created
// or refreshed during the run are answered from the cache, so a node created
// moments ago is found even when the repository has not caught up yet.
type Prober struct {
	repo  dataverse.Repository
	cache *nodeCache
}

// NewProber creates a prober backed by repo
func NewProber(repo dataverse.Repository) *Prober {
	return &Prober{repo: repo, cache: newNodeCache()}
}

// Probe returns the remote node for n below parent and whether it exists.
// Failures are returned as *ProbeError.
func (p *Prober) Probe(ctx context.Context, n *manifest.Node, parent *dataverse.RemoteNode) (*dataverse.RemoteNode, bool, error) {
	if cached, ok := p.cache.Get(n.Identifier); ok {
		return cached, true, nil
	}

	remote, err := p.lookup(ctx, n, parent)
	if err != nil {
		return nil, false, &ProbeError{Node: n.Identifier, Fatal: dataverse.IsFatal(err), Err: err}
	}
	if remote == nil {
		return nil, false, nil
	}

	if remote.Kind == dataverse.KindDataset && remote.Files == nil {
		files, err := p.repo.ListDatasetFiles(ctx, remote.ID)
		if err != nil {
			return nil, false, &ProbeError{Node: n.Identifier, Fatal: dataverse.IsFatal(err), Err: err}
		}
		remote = remote.Clone()
		remote.Files = files
	}

	cached, _ := p.cache.LoadOrStore(n.Identifier, remote)
	return cached, true, nil
}

func (p *Prober) lookup(ctx context.Context, n *manifest.Node, parent *dataverse.RemoteNode) (*dataverse.RemoteNode, error) {
	switch n.Kind {
	case manifest.KindCollection:
		return p.repo.ProbeChild(ctx, parent, dataverse.KindCollection, dataverse.CollectionAlias(n.Identifier, n.Metadata))

	case manifest.KindDataset:
		if pid := dataverse.DatasetPIDHint(n.Metadata); pid != "" {
			remote, err := p.repo.Dataset(ctx, pid)
			if dataverse.IsNotFound(err) {
				return nil, nil
			}
			return remote, err
		}
		return p.repo.ProbeChild(ctx, parent, dataverse.KindDataset, n.Identifier)
	}
	return nil, nil
}

// Remember caches a node this run created
func (p *Prober) Remember(id string, node *dataverse.RemoteNode) *dataverse.RemoteNode {
	cached, _ := p.cache.LoadOrStore(id, node)
	return cached
}

// Refresh replaces a cached node after an upload or publish
func (p *Prober) Refresh(id string, node *dataverse.RemoteNode) {
	p.cache.Replace(id, node)
}

// Cached returns the node known for id
func (p *Prober) Cached(id string) (*dataverse.RemoteNode, bool) {
	return p.cache.Get(id)
}
