package dataverse

import (
	"context"
)

// Kind distinguishes collections (Dataverse "dataverses") from datasets
type Kind string

const (
	KindCollection Kind = "collection"
	KindDataset    Kind = "dataset"
)

// State is the publication state of a remote node
type State string

const (
	StateDraft     State = "draft"
	StatePublished State = "published"
)

// Fingerprint is a content checksum as recorded by the repository
type Fingerprint struct {
	Algorithm string `json:"type"`
	Value     string `json:"value"`
}

// RemoteFile is one file entry of a dataset's latest version
type RemoteFile struct {
	ID       int64       `json:"id"`
	Path     string      `json:"path"`
	Checksum Fingerprint `json:"checksum"`
}

// RemoteNode is the repository's view of a collection or dataset.
// ID is the alias for collections and the persistent identifier for datasets.
type RemoteNode struct {
	ID         string
	DatabaseID int64
	OwnerID    int64
	Kind       Kind
	State      State
	Files      map[string]RemoteFile
}

// Clone returns a deep copy so callers can derive post-call state without
// mutating a node other goroutines may be reading.
func (n *RemoteNode) Clone() *RemoteNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Files != nil {
		c.Files = make(map[string]RemoteFile, len(n.Files))
		for k, v := range n.Files {
			c.Files[k] = v
		}
	}
	return &c
}

// Published reports whether the node is in the published state
func (n *RemoteNode) Published() bool {
	return n != nil && n.State == StatePublished
}

// Upload describes a single file transfer into a dataset
type Upload struct {
	// Path is the slash-separated path relative to the data root; its
	// directory part becomes the file's directoryLabel.
	Path string
	// LocalPath is the absolute path of the file on disk
	LocalPath string
	// Replace is set when a remote file already occupies Path
	Replace *RemoteFile
}

// Repository is the subset of the Dataverse native API dvsync depends on
type Repository interface {
	// Collection looks up a collection by alias
	Collection(ctx context.Context, alias string) (*RemoteNode, error)
	// Dataset looks up a dataset by persistent identifier
	Dataset(ctx context.Context, pid string) (*RemoteNode, error)
	// ProbeChild finds a child of parent by its matching key: the alias for
	// collections, the dvsync identifier recorded in otherId for datasets.
	// It returns nil, nil when no such child exists.
	ProbeChild(ctx context.Context, parent *RemoteNode, kind Kind, key string) (*RemoteNode, error)
	// CreateCollection creates a collection below parent
	CreateCollection(ctx context.Context, parent *RemoteNode, payload map[string]any) (*RemoteNode, error)
	// CreateDataset creates a draft dataset below parent
	CreateDataset(ctx context.Context, parent *RemoteNode, payload map[string]any) (*RemoteNode, error)
	// ListDatasetFiles returns the files of the dataset's latest version keyed by path
	ListDatasetFiles(ctx context.Context, pid string) (map[string]RemoteFile, error)
	// UploadFile adds a file to the dataset or replaces upload.Replace
	UploadFile(ctx context.Context, pid string, upload Upload) (RemoteFile, error)
	// Publish releases a draft collection or dataset
	Publish(ctx context.Context, node *RemoteNode, versionType string) error
}
