// Package manifest parses the declarative description of the collection and
// dataset tree that dvsync reconciles against a Dataverse installation.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind distinguishes collections from datasets
type Kind string

const (
	KindCollection Kind = "collection"
	KindDataset    Kind = "dataset"
)

// Document is the on-disk manifest layout
type Document struct {
	Root  string `yaml:"root"`
	Nodes []Node `yaml:"nodes"`
}

// Node describes one desired collection or dataset
type Node struct {
	Kind       Kind           `yaml:"kind" json:"kind"`
	Identifier string         `yaml:"identifier" json:"identifier"`
	ParentKey  string         `yaml:"parentKey,omitempty" json:"parentKey,omitempty"`
	Metadata   map[string]any `yaml:"metadata" json:"metadata"`
	Files      []string       `yaml:"files,omitempty" json:"files,omitempty"`
	Publish    bool           `yaml:"publish" json:"publish"`
	Template   string         `yaml:"template,omitempty" json:"template,omitempty"`
}

// Load reads and parses the manifest at path. Template paths are resolved
// relative to the manifest's directory.
func Load(filename, rootAlias string) (*Tree, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	tree, err := Parse(data, rootAlias)
	if err != nil {
		return nil, err
	}
	tree.dir = filepath.Dir(filename)
	return tree, nil
}

// Parse builds a Tree from manifest bytes anchored at rootAlias.
func Parse(data []byte, rootAlias string) (*Tree, error) {
	if rootAlias == "" {
		return nil, formatErrorf("", "root alias is required")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, formatErrorf("", "manifest is empty")
		}
		return nil, &FormatError{Msg: "malformed manifest", Err: err}
	}

	if doc.Root != "" && doc.Root != rootAlias {
		return nil, formatErrorf("", "manifest root %q does not match configured parent alias %q", doc.Root, rootAlias)
	}

	return build(doc.Nodes, rootAlias)
}

func build(nodes []Node, rootAlias string) (*Tree, error) {
	t := &Tree{
		root:     rootAlias,
		nodes:    make(map[string]*Node, len(nodes)),
		children: make(map[string][]string),
	}

	for i := range nodes {
		n := nodes[i]
		if err := validateNode(&n, i); err != nil {
			return nil, err
		}
		if n.Identifier == rootAlias {
			return nil, formatErrorf(n.Identifier, "identifier collides with the root alias")
		}
		if _, dup := t.nodes[n.Identifier]; dup {
			return nil, formatErrorf(n.Identifier, "duplicate identifier")
		}
		// Nodes may name the root alias explicitly
		if n.ParentKey == rootAlias {
			n.ParentKey = ""
		}
		t.nodes[n.Identifier] = &n
		t.order = append(t.order, n.Identifier)
	}

	for _, id := range t.order {
		n := t.nodes[id]
		if n.ParentKey == "" {
			continue
		}
		if _, ok := t.nodes[n.ParentKey]; !ok {
			return nil, formatErrorf(id, "parent %q is not defined", n.ParentKey)
		}
	}

	// A loop is reported as a cycle even when it runs through a dataset
	if err := t.checkAcyclic(); err != nil {
		return nil, err
	}

	for _, id := range t.order {
		n := t.nodes[id]
		if n.ParentKey == "" {
			continue
		}
		if parent := t.nodes[n.ParentKey]; parent.Kind != KindCollection {
			return nil, formatErrorf(id, "parent %q is a %s, only collections can contain children", n.ParentKey, parent.Kind)
		}
	}

	for _, id := range t.order {
		n := t.nodes[id]
		key := n.ParentKey
		if key == "" {
			key = rootAlias
		}
		t.children[key] = append(t.children[key], id)
	}

	return t, nil
}

func validateNode(n *Node, index int) error {
	n.Identifier = strings.TrimSpace(n.Identifier)
	n.ParentKey = strings.TrimSpace(n.ParentKey)

	if n.Identifier == "" {
		return formatErrorf(fmt.Sprintf("nodes[%d]", index), "identifier is required")
	}

	switch n.Kind {
	case KindCollection:
		if len(n.Files) > 0 {
			return formatErrorf(n.Identifier, "files are only allowed on datasets")
		}
		if n.Template != "" {
			return formatErrorf(n.Identifier, "template is only allowed on datasets")
		}
	case KindDataset:
		for _, f := range n.Files {
			if err := validateFilePath(f); err != nil {
				return formatErrorf(n.Identifier, "file %q: %v", f, err)
			}
		}
	case "":
		return formatErrorf(n.Identifier, "kind is required")
	default:
		return formatErrorf(n.Identifier, "unknown kind %q (must be collection or dataset)", n.Kind)
	}

	if n.ParentKey == n.Identifier {
		return &CycleError{Path: []string{n.Identifier, n.Identifier}}
	}

	// An explicit empty mapping is fine, an absent or null one is not
	if n.Metadata == nil {
		return formatErrorf(n.Identifier, "metadata is required")
	}

	return nil
}

// validateFilePath rejects paths that would escape the data root.
func validateFilePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("path is empty")
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(slashed, "/") {
		return errors.New("path must be relative to the data root")
	}
	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.New("path escapes the data root")
	}
	return nil
}

// IsPattern reports whether a declared file entry is a glob pattern rather
// than a literal path.
func IsPattern(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
