package dataverse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type datasetData struct {
	ID            int64         `json:"id"`
	PersistentID  string        `json:"persistentId"`
	Protocol      string        `json:"protocol"`
	Authority     string        `json:"authority"`
	Identifier    string        `json:"identifier"`
	OwnerID       int64         `json:"ownerId"`
	LatestVersion latestVersion `json:"latestVersion"`
}

type latestVersion struct {
	VersionState   string                   `json:"versionState"`
	MetadataBlocks map[string]metadataBlock `json:"metadataBlocks"`
	Files          []fileEntry              `json:"files"`
}

type metadataBlock struct {
	Fields []Field `json:"fields"`
}

func (d datasetData) pid() string {
	if d.PersistentID != "" {
		return d.PersistentID
	}
	if d.Protocol == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s/%s", d.Protocol, d.Authority, d.Identifier)
}

func (d datasetData) node() *RemoteNode {
	state := StateDraft
	if d.LatestVersion.VersionState == "RELEASED" {
		state = StatePublished
	}
	return &RemoteNode{
		ID:         d.pid(),
		DatabaseID: d.ID,
		OwnerID:    d.OwnerID,
		Kind:       KindDataset,
		State:      state,
		Files:      filesByPath(d.LatestVersion.Files),
	}
}

// hasOtherID reports whether the citation block carries an otherId entry
// written by dvsync for the given identifier.
func (d datasetData) hasOtherID(identifier string) bool {
	citation, ok := d.LatestVersion.MetadataBlocks["citation"]
	if !ok {
		return false
	}
	field := findField(citation.Fields, "otherId")
	if field == nil {
		return false
	}
	for _, entry := range compoundEntries(field.Value) {
		if primitiveValue(entry["otherIdAgency"]) == OtherIDAgency &&
			primitiveValue(entry["otherIdValue"]) == identifier {
			return true
		}
	}
	return false
}

// Dataset looks up a dataset by persistent identifier
func (c *Client) Dataset(ctx context.Context, pid string) (*RemoteNode, error) {
	ds, err := c.dataset(ctx, pid)
	if err != nil {
		return nil, err
	}
	return ds.node(), nil
}

func (c *Client) dataset(ctx context.Context, pid string) (*datasetData, error) {
	var data datasetData
	err := c.do(ctx, request{
		op:     "get dataset " + pid,
		method: http.MethodGet,
		path:   "api/datasets/:persistentId/",
		query:  pidQuery(pid),
	}, &data)
	if err != nil {
		return nil, err
	}
	if data.PersistentID == "" {
		data.PersistentID = pid
	}
	return &data, nil
}

// CreateDataset creates a draft dataset below parent from a native JSON payload
func (c *Client) CreateDataset(ctx context.Context, parent *RemoteNode, payload map[string]any) (*RemoteNode, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dataset payload: %w", err)
	}

	var data struct {
		ID           int64  `json:"id"`
		PersistentID string `json:"persistentId"`
	}
	err = c.do(ctx, request{
		op:          "create dataset under " + parent.ID,
		method:      http.MethodPost,
		path:        "api/dataverses/" + url.PathEscape(parent.ID) + "/datasets",
		body:        bytes.NewReader(body),
		contentType: "application/json",
	}, &data)
	if err != nil {
		return nil, err
	}

	return &RemoteNode{
		ID:         data.PersistentID,
		DatabaseID: data.ID,
		OwnerID:    parent.DatabaseID,
		Kind:       KindDataset,
		State:      StateDraft,
		Files:      map[string]RemoteFile{},
	}, nil
}
