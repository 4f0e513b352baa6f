package sync

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/schaermu/dvsync/internal/config"
	"github.com/schaermu/dvsync/internal/dataverse"
	"github.com/schaermu/dvsync/internal/manifest"
)

// fakeEntry is one node stored by fakeRepo
type fakeEntry struct {
	node   *dataverse.RemoteNode
	key    string
	parent string
}

// fakeRepo implements dataverse.Repository in memory and logs every call as
// "<verb> <key>", where key is the alias or the manifest identifier.
type fakeRepo struct {
	mu       gosync.Mutex
	nextID   int64
	entries  map[string]*fakeEntry
	calls    []string
	errs     map[string][]error
	replaced int
	onCall   func(call string)
}

func newFakeRepo(root string) *fakeRepo {
	f := &fakeRepo{
		nextID:  1,
		entries: make(map[string]*fakeEntry),
		errs:    make(map[string][]error),
	}
	f.seedCollection(root, "", dataverse.StatePublished)
	return f
}

func (f *fakeRepo) seedCollection(alias, parent string, state dataverse.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[alias] = &fakeEntry{
		node:   &dataverse.RemoteNode{ID: alias, DatabaseID: f.id(), Kind: dataverse.KindCollection, State: state},
		key:    alias,
		parent: parent,
	}
}

func (f *fakeRepo) seedDataset(identifier, parent string, state dataverse.State, files map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node := &dataverse.RemoteNode{
		ID:         "pid:" + identifier,
		DatabaseID: f.id(),
		Kind:       dataverse.KindDataset,
		State:      state,
		Files:      make(map[string]dataverse.RemoteFile),
	}
	for p, content := range files {
		node.Files[p] = dataverse.RemoteFile{
			ID:       f.id(),
			Path:     p,
			Checksum: dataverse.Fingerprint{Algorithm: "MD5", Value: md5Hex([]byte(content))},
		}
	}
	f.entries[node.ID] = &fakeEntry{node: node, key: identifier, parent: parent}
}

// failNext queues errors returned by the next calls matching "<verb> <key>"
func (f *fakeRepo) failNext(call string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[call] = append(f.errs[call], errs...)
}

func (f *fakeRepo) id() int64 {
	id := f.nextID
	f.nextID++
	return id
}

// call logs a call and pops a queued error. Must be called with f.mu held.
func (f *fakeRepo) call(verb, key string) error {
	c := verb + " " + key
	f.calls = append(f.calls, c)
	if f.onCall != nil {
		f.onCall(c)
	}
	if queued := f.errs[c]; len(queued) > 0 {
		f.errs[c] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *fakeRepo) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRepo) count(verb string) int {
	n := 0
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, verb+" ") {
			n++
		}
	}
	return n
}

func (f *fakeRepo) mutations() int {
	return f.count("create") + f.count("upload") + f.count("publish")
}

func (f *fakeRepo) byKey(key string) *fakeEntry {
	for _, e := range f.entries {
		if e.key == key {
			return e
		}
	}
	return nil
}

func (f *fakeRepo) Collection(_ context.Context, alias string) (*dataverse.RemoteNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("get", alias); err != nil {
		return nil, err
	}
	e, ok := f.entries[alias]
	if !ok || e.node.Kind != dataverse.KindCollection {
		return nil, &dataverse.APIError{Op: "get " + alias, StatusCode: http.StatusNotFound}
	}
	return e.node.Clone(), nil
}

func (f *fakeRepo) Dataset(_ context.Context, pid string) (*dataverse.RemoteNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("get", pid); err != nil {
		return nil, err
	}
	e, ok := f.entries[pid]
	if !ok || e.node.Kind != dataverse.KindDataset {
		return nil, &dataverse.APIError{Op: "get " + pid, StatusCode: http.StatusNotFound}
	}
	return e.node.Clone(), nil
}

func (f *fakeRepo) ProbeChild(_ context.Context, parent *dataverse.RemoteNode, kind dataverse.Kind, key string) (*dataverse.RemoteNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("probe", key); err != nil {
		return nil, err
	}
	e := f.byKey(key)
	if e == nil || e.node.Kind != kind {
		return nil, nil
	}
	if e.parent != parent.ID {
		return nil, fmt.Errorf("%s exists below %s, not %s", key, e.parent, parent.ID)
	}
	return e.node.Clone(), nil
}

func (f *fakeRepo) CreateCollection(_ context.Context, parent *dataverse.RemoteNode, payload map[string]any) (*dataverse.RemoteNode, error) {
	alias, _ := payload["alias"].(string)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("create", alias); err != nil {
		return nil, err
	}
	if _, ok := f.entries[alias]; ok {
		return nil, &dataverse.APIError{Op: "create " + alias, StatusCode: http.StatusBadRequest, Message: "alias already exists"}
	}
	node := &dataverse.RemoteNode{ID: alias, DatabaseID: f.id(), OwnerID: parent.DatabaseID, Kind: dataverse.KindCollection, State: dataverse.StateDraft}
	f.entries[alias] = &fakeEntry{node: node, key: alias, parent: parent.ID}
	return node.Clone(), nil
}

func (f *fakeRepo) CreateDataset(_ context.Context, parent *dataverse.RemoteNode, payload map[string]any) (*dataverse.RemoteNode, error) {
	key := otherID(payload)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("create", key); err != nil {
		return nil, err
	}
	node := &dataverse.RemoteNode{
		ID:         "pid:" + key,
		DatabaseID: f.id(),
		OwnerID:    parent.DatabaseID,
		Kind:       dataverse.KindDataset,
		State:      dataverse.StateDraft,
		Files:      map[string]dataverse.RemoteFile{},
	}
	f.entries[node.ID] = &fakeEntry{node: node, key: key, parent: parent.ID}
	return node.Clone(), nil
}

func (f *fakeRepo) ListDatasetFiles(_ context.Context, pid string) (map[string]dataverse.RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("list", pid); err != nil {
		return nil, err
	}
	e, ok := f.entries[pid]
	if !ok {
		return nil, &dataverse.APIError{Op: "list " + pid, StatusCode: http.StatusNotFound}
	}
	return e.node.Clone().Files, nil
}

func (f *fakeRepo) UploadFile(_ context.Context, pid string, upload dataverse.Upload) (dataverse.RemoteFile, error) {
	data, readErr := os.ReadFile(upload.LocalPath)

	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[pid]
	if !ok {
		return dataverse.RemoteFile{}, &dataverse.APIError{Op: "upload", StatusCode: http.StatusNotFound}
	}
	if err := f.call("upload", e.key+"/"+upload.Path); err != nil {
		return dataverse.RemoteFile{}, err
	}
	if readErr != nil {
		return dataverse.RemoteFile{}, readErr
	}
	if upload.Replace != nil {
		f.replaced++
	}
	rf := dataverse.RemoteFile{
		ID:       f.id(),
		Path:     upload.Path,
		Checksum: dataverse.Fingerprint{Algorithm: "MD5", Value: md5Hex(data)},
	}
	if e.node.Files == nil {
		e.node.Files = make(map[string]dataverse.RemoteFile)
	}
	e.node.Files[upload.Path] = rf
	e.node.State = dataverse.StateDraft
	return rf, nil
}

func (f *fakeRepo) Publish(_ context.Context, node *dataverse.RemoteNode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[node.ID]
	if !ok {
		return &dataverse.APIError{Op: "publish", StatusCode: http.StatusNotFound}
	}
	if err := f.call("publish", e.key); err != nil {
		return err
	}
	if parent, ok := f.entries[e.parent]; ok && parent.node.State != dataverse.StatePublished {
		return &dataverse.APIError{Op: "publish " + e.key, StatusCode: http.StatusBadRequest, Message: "parent is unpublished"}
	}
	e.node.State = dataverse.StatePublished
	return nil
}

// otherID extracts the identifier BuildDataset records in the citation block
func otherID(payload map[string]any) string {
	version, _ := payload["datasetVersion"].(map[string]any)
	blocks, _ := version["metadataBlocks"].(map[string]any)
	citation, _ := blocks["citation"].(map[string]any)
	fields, _ := citation["fields"].([]any)
	for _, fld := range fields {
		m, _ := fld.(map[string]any)
		if m["typeName"] != "otherId" {
			continue
		}
		entries, _ := m["value"].([]any)
		for _, e := range entries {
			entry, _ := e.(map[string]any)
			agency, _ := entry["otherIdAgency"].(map[string]any)
			value, _ := entry["otherIdValue"].(map[string]any)
			if agency["value"] == dataverse.OtherIDAgency {
				s, _ := value["value"].(string)
				return s
			}
		}
	}
	return ""
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Dataverse: config.DataverseConfig{
			BaseURL:     "https://dataverse.example.org/",
			ParentAlias: "R",
			PublishType: config.PublishMajor,
		},
		Paths: config.PathsConfig{
			DataRoot: t.TempDir(),
			Manifest: config.DefaultManifest,
		},
		Sync: config.SyncConfig{
			UploadRetries: 3,
			RetryDelay:    0,
			MaxWorkers:    4,
			Checksum:      "MD5",
		},
	}
}

func writeData(t *testing.T, cfg *config.Config, rel, content string) {
	t.Helper()
	p := filepath.Join(cfg.Paths.DataRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func parseTree(t *testing.T, doc string) *manifest.Tree {
	t.Helper()
	tree, err := manifest.Parse([]byte(doc), "R")
	if err != nil {
		t.Fatalf("failed to parse manifest: %v", err)
	}
	return tree
}

func runEngine(t *testing.T, cfg *config.Config, repo dataverse.Repository, tree *manifest.Tree, opts Options) *Report {
	t.Helper()
	report, err := NewEngine(cfg, repo, testLogger(), opts).Run(context.Background(), tree)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return report
}

func assertResult(t *testing.T, report *Report, id string, want ...Action) Result {
	t.Helper()
	res, ok := report.Result(id)
	if !ok {
		t.Fatalf("no result for %s", id)
	}
	if fmt.Sprint(res.Actions) != fmt.Sprint(want) {
		t.Errorf("%s: actions = %v, want %v (err: %v)", id, res.Actions, want, res.Err)
	}
	return res
}

const basicManifest = `
root: R
nodes:
  - kind: collection
    identifier: C1
    metadata: {}
    publish: true
  - kind: collection
    identifier: C2
    metadata: {}
  - kind: dataset
    identifier: D1
    parentKey: C1
    publish: true
    files: ["a.txt"]
    metadata:
      title: Dataset One
  - kind: dataset
    identifier: D2
    metadata: {}
    parentKey: C2
    files: ["data/**/*.csv"]
`

func TestEngine_IdempotentSecondRun(t *testing.T) {
	cfg := testConfig(t)
	writeData(t, cfg, "a.txt", "alpha")
	writeData(t, cfg, "data/x/1.csv", "1")
	writeData(t, cfg, "data/2.csv", "2")
	repo := newFakeRepo("R")
	tree := parseTree(t, basicManifest)

	first := runEngine(t, cfg, repo, tree, Options{})
	if first.Failed() {
		t.Fatalf("first run failed: %+v", first.Results())
	}
	assertResult(t, first, "C1", ActionCreated, ActionPublished)
	assertResult(t, first, "C2", ActionCreated)
	d1 := assertResult(t, first, "D1", ActionCreated, ActionUpdatedFiles, ActionPublished)
	d2 := assertResult(t, first, "D2", ActionCreated, ActionUpdatedFiles)
	if d1.Uploaded != 1 || d2.Uploaded != 2 {
		t.Errorf("uploaded D1=%d D2=%d, want 1 and 2", d1.Uploaded, d2.Uploaded)
	}

	before := repo.mutations()
	second := runEngine(t, cfg, repo, tree, Options{})
	if second.Failed() {
		t.Fatalf("second run failed: %+v", second.Results())
	}
	for _, id := range []string{"C1", "C2", "D1", "D2"} {
		res := assertResult(t, second, id, ActionAlreadyExisted)
		if res.Uploaded != 0 {
			t.Errorf("%s uploaded %d files on second run", id, res.Uploaded)
		}
	}
	if got := repo.mutations() - before; got != 0 {
		t.Errorf("second run made %d mutating calls, want 0", got)
	}
}

func TestEngine_ParentBeforeChild(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.MaxWorkers = 8
	repo := newFakeRepo("R")
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: A, metadata: {}}
  - {kind: collection, identifier: B, metadata: {}}
  - {kind: collection, identifier: A1, parentKey: A, metadata: {}}
  - {kind: collection, identifier: A2, parentKey: A, metadata: {}}
  - {kind: collection, identifier: A11, parentKey: A1, metadata: {}}
  - {kind: dataset, identifier: DA11, parentKey: A11, metadata: {}}
  - {kind: dataset, identifier: DB, parentKey: B, metadata: {}}
`)

	report := runEngine(t, cfg, repo, tree, Options{})
	if report.Failed() {
		t.Fatalf("run failed: %+v", report.Results())
	}

	pos := make(map[string]int)
	for i, c := range repo.callLog() {
		if strings.HasPrefix(c, "create ") {
			pos[strings.TrimPrefix(c, "create ")] = i
		}
	}
	for _, n := range tree.Nodes() {
		child, ok := pos[n.Identifier]
		if !ok {
			t.Fatalf("%s was never created", n.Identifier)
		}
		if n.ParentKey == "" {
			continue
		}
		if parent := pos[n.ParentKey]; parent >= child {
			t.Errorf("%s created at call %d, before or with its parent %s at %d", n.Identifier, child, n.ParentKey, parent)
		}
	}
}

func TestEngine_FingerprintSkip(t *testing.T) {
	cfg := testConfig(t)
	writeData(t, cfg, "same.txt", "unchanged")
	writeData(t, cfg, "changed.txt", "new content")
	writeData(t, cfg, "fresh.txt", "fresh")

	repo := newFakeRepo("R")
	repo.seedDataset("D1", "R", dataverse.StateDraft, map[string]string{
		"same.txt":    "unchanged",
		"changed.txt": "old content",
	})
	tree := parseTree(t, `
nodes:
  - kind: dataset
    identifier: D1
    metadata: {}
    files: [same.txt, changed.txt, fresh.txt]
`)

	report := runEngine(t, cfg, repo, tree, Options{})

	res := assertResult(t, report, "D1", ActionAlreadyExisted, ActionUpdatedFiles)
	if res.Uploaded != 2 || res.Skipped != 1 {
		t.Errorf("uploaded=%d skipped=%d, want 2 and 1", res.Uploaded, res.Skipped)
	}
	for _, c := range repo.callLog() {
		if c == "upload D1/same.txt" {
			t.Error("unchanged file was uploaded")
		}
	}
	if repo.replaced != 1 {
		t.Errorf("replaced = %d, want 1", repo.replaced)
	}
}

func TestEngine_FingerprintUsesRemoteAlgorithm(t *testing.T) {
	cfg := testConfig(t)
	writeData(t, cfg, "a.txt", "content")

	sum, err := fileHash(filepath.Join(cfg.Paths.DataRoot, "a.txt"), "SHA-256")
	if err != nil {
		t.Fatal(err)
	}

	repo := newFakeRepo("R")
	repo.seedDataset("D1", "R", dataverse.StateDraft, nil)
	repo.entries["pid:D1"].node.Files = map[string]dataverse.RemoteFile{
		"a.txt": {ID: 99, Path: "a.txt", Checksum: dataverse.Fingerprint{Algorithm: "SHA-256", Value: strings.ToUpper(sum)}},
	}
	tree := parseTree(t, "nodes:\n  - {kind: dataset, identifier: D1, files: [a.txt], metadata: {}}\n")

	report := runEngine(t, cfg, repo, tree, Options{})

	res := assertResult(t, report, "D1", ActionAlreadyExisted)
	if res.Skipped != 1 || repo.count("upload") != 0 {
		t.Errorf("skipped=%d uploads=%d, want 1 and 0", res.Skipped, repo.count("upload"))
	}
}

func TestEngine_PartialFailureIsolation(t *testing.T) {
	cfg := testConfig(t)
	repo := newFakeRepo("R")
	repo.failNext("create C1", &dataverse.APIError{Op: "create C1", StatusCode: http.StatusBadRequest, Message: "invalid metadata"})
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, metadata: {}}
  - {kind: collection, identifier: C2, metadata: {}}
  - {kind: collection, identifier: C11, parentKey: C1, metadata: {}}
  - {kind: dataset, identifier: D111, parentKey: C11, metadata: {}}
  - {kind: dataset, identifier: D21, parentKey: C2, metadata: {}}
`)

	report := runEngine(t, cfg, repo, tree, Options{})

	if !report.Failed() {
		t.Fatal("expected the run to report a failure")
	}
	assertResult(t, report, "C1", ActionFailed)
	assertResult(t, report, "C2", ActionCreated)
	assertResult(t, report, "D21", ActionCreated)

	for _, id := range []string{"C11", "D111"} {
		res := assertResult(t, report, id, ActionFailed)
		if !errors.Is(res.Err, ErrAncestorFailed) {
			t.Errorf("%s: err = %v, want ErrAncestorFailed", id, res.Err)
		}
	}
	for _, c := range repo.callLog() {
		if strings.HasSuffix(c, " C11") || strings.HasSuffix(c, " D111") {
			t.Errorf("unexpected call for a descendant of a failed node: %s", c)
		}
	}
}

func TestEngine_TransientErrorsRetried(t *testing.T) {
	cfg := testConfig(t)
	writeData(t, cfg, "a.txt", "alpha")
	repo := newFakeRepo("R")
	unavailable := &dataverse.APIError{Op: "x", StatusCode: http.StatusServiceUnavailable}
	repo.failNext("probe C1", unavailable)
	repo.failNext("create C1", unavailable)
	repo.failNext("upload D1/a.txt", unavailable, unavailable)
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, metadata: {}}
  - {kind: dataset, identifier: D1, parentKey: C1, files: [a.txt], metadata: {}}
`)

	report := runEngine(t, cfg, repo, tree, Options{})

	if report.Failed() {
		t.Fatalf("run failed: %+v", report.Results())
	}
	if got := repo.count("create"); got != 3 {
		t.Errorf("create calls = %d, want 3 (C1 twice, D1 once)", got)
	}
	if got := repo.count("upload"); got != 3 {
		t.Errorf("upload calls = %d, want 3", got)
	}
}

func TestEngine_RetriesExhausted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.UploadRetries = 2
	writeData(t, cfg, "a.txt", "alpha")
	writeData(t, cfg, "b.txt", "beta")
	repo := newFakeRepo("R")
	unavailable := &dataverse.APIError{Op: "x", StatusCode: http.StatusBadGateway}
	repo.failNext("upload D1/a.txt", unavailable, unavailable, unavailable)
	tree := parseTree(t, "nodes:\n  - {kind: dataset, identifier: D1, files: [a.txt, b.txt], metadata: {}}\n")

	report := runEngine(t, cfg, repo, tree, Options{})

	res := assertResult(t, report, "D1", ActionCreated, ActionFailed)
	if res.Uploaded != 1 {
		t.Errorf("uploaded = %d, want 1 (b.txt)", res.Uploaded)
	}
	var fileErr *FileError
	if !errors.As(res.Err, &fileErr) || fileErr.Path != "a.txt" {
		t.Errorf("err = %v, want FileError for a.txt", res.Err)
	}
	if got := repo.count("upload"); got != 3 {
		t.Errorf("upload calls = %d, want 3 (two attempts for a.txt, one for b.txt)", got)
	}
}

func TestEngine_MissingLocalFile(t *testing.T) {
	cfg := testConfig(t)
	writeData(t, cfg, "a.txt", "alpha")
	repo := newFakeRepo("R")
	tree := parseTree(t, `
nodes:
  - kind: dataset
    identifier: D1
    metadata: {}
    files: [a.txt, missing.txt, "*.csv", a.txt]
`)

	report := runEngine(t, cfg, repo, tree, Options{})

	res := assertResult(t, report, "D1", ActionCreated, ActionFailed)
	if res.Uploaded != 1 {
		t.Errorf("uploaded = %d, want 1", res.Uploaded)
	}
	var missing *MissingLocalFileError
	if !errors.As(res.Err, &missing) {
		t.Fatalf("err = %v, want MissingLocalFileError", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "missing.txt") || !strings.Contains(res.Err.Error(), "*.csv") {
		t.Errorf("err = %v, want both missing entries reported", res.Err)
	}
	if got := repo.count("upload"); got != 1 {
		t.Errorf("upload calls = %d, want 1", got)
	}
}

func TestEngine_PublishRequiresPublishedParent(t *testing.T) {
	cfg := testConfig(t)
	repo := newFakeRepo("R")
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, metadata: {}}
  - {kind: dataset, identifier: D1, parentKey: C1, publish: true, metadata: {}}
`)

	report := runEngine(t, cfg, repo, tree, Options{})

	assertResult(t, report, "C1", ActionCreated)
	res := assertResult(t, report, "D1", ActionCreated, ActionFailed)
	if !errors.Is(res.Err, ErrParentNotPublished) {
		t.Errorf("err = %v, want ErrParentNotPublished", res.Err)
	}
	if got := repo.count("publish"); got != 0 {
		t.Errorf("publish calls = %d, want 0", got)
	}
}

func TestEngine_PublishAlreadyPublishedIsNoop(t *testing.T) {
	cfg := testConfig(t)
	repo := newFakeRepo("R")
	repo.seedCollection("C1", "R", dataverse.StatePublished)
	repo.seedCollection("C2", "C1", dataverse.StateDraft)
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, publish: true, metadata: {}}
  - {kind: collection, identifier: C2, parentKey: C1, publish: true, metadata: {}}
`)

	report := runEngine(t, cfg, repo, tree, Options{})

	assertResult(t, report, "C1", ActionAlreadyExisted)
	assertResult(t, report, "C2", ActionAlreadyExisted, ActionPublished)
	if calls := repo.callLog(); fmt.Sprint(filterCalls(calls, "publish")) != "[publish C2]" {
		t.Errorf("publish calls = %v, want [publish C2]", filterCalls(calls, "publish"))
	}
}

func TestEngine_PublishFailureBlocksChildren(t *testing.T) {
	cfg := testConfig(t)
	repo := newFakeRepo("R")
	repo.failNext("publish C1", &dataverse.APIError{Op: "publish C1", StatusCode: http.StatusBadRequest, Message: "nope"})
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, publish: true, metadata: {}}
  - {kind: dataset, identifier: D1, parentKey: C1, publish: true, metadata: {}}
`)

	report := runEngine(t, cfg, repo, tree, Options{})

	assertResult(t, report, "C1", ActionCreated, ActionFailed)
	res := assertResult(t, report, "D1", ActionCreated, ActionFailed)
	if !errors.Is(res.Err, ErrParentNotPublished) {
		t.Errorf("err = %v, want ErrParentNotPublished", res.Err)
	}
}

func TestEngine_FatalErrorAbortsRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.MaxWorkers = 1
	repo := newFakeRepo("R")
	repo.failNext("probe C1", &dataverse.APIError{Op: "probe C1", StatusCode: http.StatusUnauthorized})
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, metadata: {}}
  - {kind: collection, identifier: C2, metadata: {}}
  - {kind: collection, identifier: C3, metadata: {}}
  - {kind: dataset, identifier: D1, parentKey: C1, metadata: {}}
`)

	report, err := NewEngine(cfg, repo, testLogger(), Options{}).Run(context.Background(), tree)
	if err == nil {
		t.Fatal("expected an error from an aborted run")
	}
	var probeErr *ProbeError
	if !errors.As(err, &probeErr) || !probeErr.Fatal {
		t.Fatalf("err = %v, want fatal ProbeError", err)
	}
	if report == nil || !report.Failed() {
		t.Fatal("expected a partial report with failures")
	}
	for _, n := range tree.Nodes() {
		assertResult(t, report, n.Identifier, ActionFailed)
	}
	if got := repo.count("create"); got != 0 {
		t.Errorf("create calls = %d, want 0", got)
	}
	if got := repo.count("probe"); got != 1 {
		t.Errorf("probe calls = %d, want 1 (no retry, no further nodes)", got)
	}
}

func TestEngine_RunTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.MaxWorkers = 1
	cfg.Sync.RunTimeout = time.Minute

	var mu gosync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	repo := newFakeRepo("R")
	repo.onCall = func(call string) {
		if call == "create C1" {
			mu.Lock()
			now = now.Add(2 * time.Minute)
			mu.Unlock()
		}
	}
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, metadata: {}}
  - {kind: collection, identifier: C2, metadata: {}}
  - {kind: collection, identifier: C11, parentKey: C1, metadata: {}}
`)

	report := runEngine(t, cfg, repo, tree, Options{Now: clock})

	assertResult(t, report, "C1", ActionCreated)
	for _, id := range []string{"C2", "C11"} {
		res := assertResult(t, report, id, ActionFailed)
		if !errors.Is(res.Err, ErrRunTimeout) {
			t.Errorf("%s: err = %v, want ErrRunTimeout", id, res.Err)
		}
	}
	if got := repo.count("create"); got != 1 {
		t.Errorf("create calls = %d, want 1", got)
	}
}

func TestEngine_MissingRoot(t *testing.T) {
	cfg := testConfig(t)
	repo := newFakeRepo("other")
	tree := parseTree(t, "nodes:\n  - {kind: collection, identifier: C1, metadata: {}}\n")

	report, err := NewEngine(cfg, repo, testLogger(), Options{}).Run(context.Background(), tree)
	if err == nil || !dataverse.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found root error", err)
	}
	assertResult(t, report, "C1", ActionFailed)
	if got := repo.count("probe"); got != 0 {
		t.Errorf("probe calls = %d, want 0", got)
	}
}

func TestEngine_CollectionAliasTakenAfterProbe(t *testing.T) {
	cfg := testConfig(t)
	repo := newFakeRepo("R")
	repo.onCall = func(call string) {
		// another writer takes the alias between our probe and create
		if call == "create C1" {
			repo.entries["C1"] = &fakeEntry{
				node: &dataverse.RemoteNode{
					ID:         "C1",
					DatabaseID: 500,
					OwnerID:    repo.entries["R"].node.DatabaseID,
					Kind:       dataverse.KindCollection,
					State:      dataverse.StateDraft,
				},
				key:    "C1",
				parent: "R",
			}
		}
	}
	tree := parseTree(t, "nodes:\n  - {kind: collection, identifier: C1, metadata: {}}\n")

	report := runEngine(t, cfg, repo, tree, Options{})

	assertResult(t, report, "C1", ActionAlreadyExisted)
}

func TestEngine_CollectionAliasTakenElsewhere(t *testing.T) {
	cfg := testConfig(t)
	repo := newFakeRepo("R")
	repo.seedCollection("OTHER", "R", dataverse.StateDraft)
	repo.onCall = func(call string) {
		// the alias is claimed below a different collection
		if call == "create C1" {
			repo.entries["C1"] = &fakeEntry{
				node: &dataverse.RemoteNode{
					ID:         "C1",
					DatabaseID: 500,
					OwnerID:    repo.entries["OTHER"].node.DatabaseID,
					Kind:       dataverse.KindCollection,
					State:      dataverse.StateDraft,
				},
				key:    "C1",
				parent: "OTHER",
			}
		}
	}
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, metadata: {}}
  - {kind: dataset, identifier: D1, parentKey: C1, metadata: {}}
`)

	report := runEngine(t, cfg, repo, tree, Options{})

	res := assertResult(t, report, "C1", ActionFailed)
	if res.Err == nil || !strings.Contains(res.Err.Error(), "already exists outside") {
		t.Errorf("C1 err = %v, want a foreign alias error", res.Err)
	}
	if !report.NodeFailed("D1") {
		t.Error("expected D1 to be failed with its parent")
	}
	if got := repo.count("create"); got != 1 {
		t.Errorf("create calls = %d, want only the rejected collection create", got)
	}
}

func TestEngine_DatasetPIDHint(t *testing.T) {
	cfg := testConfig(t)
	repo := newFakeRepo("R")
	repo.seedDataset("legacy", "R", dataverse.StatePublished, nil)
	tree := parseTree(t, `
nodes:
  - kind: dataset
    identifier: D1
    publish: true
    metadata:
      persistentId: "pid:legacy"
`)

	report := runEngine(t, cfg, repo, tree, Options{})

	assertResult(t, report, "D1", ActionAlreadyExisted)
	if got := repo.count("probe"); got != 0 {
		t.Errorf("probe calls = %d, want direct lookup only", got)
	}
	if got := repo.mutations(); got != 0 {
		t.Errorf("mutations = %d, want 0", got)
	}
}

func TestEngine_DryRun(t *testing.T) {
	cfg := testConfig(t)
	writeData(t, cfg, "a.txt", "alpha")
	repo := newFakeRepo("R")
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, publish: true, metadata: {}}
  - {kind: dataset, identifier: D1, parentKey: C1, publish: true, files: [a.txt], metadata: {}}
`)

	report := runEngine(t, cfg, repo, tree, Options{DryRun: true})

	if report.Failed() {
		t.Fatalf("dry run failed: %+v", report.Results())
	}
	assertResult(t, report, "C1", ActionCreated, ActionPublished)
	res := assertResult(t, report, "D1", ActionCreated, ActionUpdatedFiles, ActionPublished)
	if res.Uploaded != 1 {
		t.Errorf("uploaded = %d, want 1", res.Uploaded)
	}
	if got := repo.mutations(); got != 0 {
		t.Errorf("dry run made %d mutating calls", got)
	}
	if got := filterCalls(repo.callLog(), "probe"); fmt.Sprint(got) != "[probe C1]" {
		t.Errorf("probe calls = %v, want only C1 (D1 sits below a planned node)", got)
	}
}

func TestEngine_Template(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tmpl.json"), []byte(`{"datasetVersion":{"metadataBlocks":{"citation":{"fields":[]}}}}`), 0644); err != nil {
		t.Fatal(err)
	}
	manifestPath := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(manifestPath, []byte("nodes:\n  - {kind: dataset, identifier: D1, template: tmpl.json, metadata: {}}\n  - {kind: dataset, identifier: D2, template: nope.json, metadata: {}}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tree, err := manifest.Load(manifestPath, "R")
	if err != nil {
		t.Fatal(err)
	}
	repo := newFakeRepo("R")

	report := runEngine(t, cfg, repo, tree, Options{})

	assertResult(t, report, "D1", ActionCreated)
	assertResult(t, report, "D2", ActionFailed)
}

func filterCalls(calls []string, verb string) []string {
	var out []string
	for _, c := range calls {
		if strings.HasPrefix(c, verb+" ") {
			out = append(out, c)
		}
	}
	return out
}

func TestNodeCache_LoadOrStore(t *testing.T) {
	cache := newNodeCache()

	var wg gosync.WaitGroup
	winners := make(chan *dataverse.RemoteNode, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stored, _ := cache.LoadOrStore("C1", &dataverse.RemoteNode{ID: fmt.Sprintf("c-%d", i)})
			winners <- stored
		}(i)
	}
	wg.Wait()
	close(winners)

	var first *dataverse.RemoteNode
	for w := range winners {
		if first == nil {
			first = w
		}
		if w != first {
			t.Fatalf("LoadOrStore returned different nodes: %s and %s", first.ID, w.ID)
		}
	}

	cache.Replace("C1", &dataverse.RemoteNode{ID: "fresh"})
	if got, _ := cache.Get("C1"); got.ID != "fresh" {
		t.Errorf("after Replace got %s, want fresh", got.ID)
	}
}

func TestRetrier_Backoff(t *testing.T) {
	r := &retrier{base: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, maxBackoff},
		{20, maxBackoff},
	}
	for _, tt := range tests {
		if got := r.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetrier_StopsOnPermanentError(t *testing.T) {
	r := &retrier{attempts: 5, logger: testLogger()}
	calls := 0
	err := r.do(context.Background(), "op", func(context.Context) error {
		calls++
		return &dataverse.APIError{Op: "op", StatusCode: http.StatusBadRequest}
	})
	if err == nil || calls != 1 {
		t.Errorf("calls = %d, err = %v; want 1 call and an error", calls, err)
	}
}

func TestRetrier_ContextCanceled(t *testing.T) {
	r := &retrier{attempts: 5, base: time.Hour, logger: testLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.do(ctx, "op", func(context.Context) error {
		calls++
		return &dataverse.APIError{Op: "op", StatusCode: http.StatusServiceUnavailable}
	})
	if err == nil || calls != 1 {
		t.Errorf("calls = %d, err = %v; want 1 call and an error", calls, err)
	}
}

func TestFileHash(t *testing.T) {
	tmpPath := filepath.Join(t.TempDir(), "test.txt")
	if err := os.WriteFile(tmpPath, []byte("test content"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		algorithm string
		length    int
	}{
		{"MD5", 32},
		{"SHA-1", 40},
		{"sha256", 64},
		{"SHA-512", 128},
	}
	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			h1, err := fileHash(tmpPath, tt.algorithm)
			if err != nil {
				t.Fatal(err)
			}
			h2, err := fileHash(tmpPath, tt.algorithm)
			if err != nil {
				t.Fatal(err)
			}
			if h1 != h2 {
				t.Errorf("hash mismatch: %s != %s", h1, h2)
			}
			if len(h1) != tt.length {
				t.Errorf("hash length = %d, want %d", len(h1), tt.length)
			}
		})
	}

	if h, _ := fileHash(tmpPath, "MD5"); h != md5Hex([]byte("test content")) {
		t.Errorf("MD5 = %s, want %s", h, md5Hex([]byte("test content")))
	}
	if _, err := fileHash(tmpPath, "CRC32"); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestResolveFiles(t *testing.T) {
	cfg := testConfig(t)
	writeData(t, cfg, "a.txt", "a")
	writeData(t, cfg, "results/run1/out.csv", "1")
	writeData(t, cfg, "results/run2/out.csv", "2")
	writeData(t, cfg, "results/notes.md", "n")
	if err := os.MkdirAll(filepath.Join(cfg.Paths.DataRoot, "emptydir"), 0755); err != nil {
		t.Fatal(err)
	}

	files, errs := resolveFiles(cfg, []string{
		"a.txt",
		"results/**/*.csv",
		"./a.txt",
		"emptydir",
		"*.xlsx",
	})

	var got []string
	for _, f := range files {
		got = append(got, f.Path)
	}
	want := "[a.txt results/run1/out.csv results/run2/out.csv]"
	if fmt.Sprint(got) != want {
		t.Errorf("paths = %v, want %s", got, want)
	}
	if want := filepath.Join(cfg.Paths.DataRoot, "results", "run1", "out.csv"); files[1].LocalPath != want {
		t.Errorf("local path = %s, want %s", files[1].LocalPath, want)
	}

	if len(errs) != 2 {
		t.Fatalf("errors = %v, want 2", errs)
	}
	var missing *MissingLocalFileError
	if !errors.As(errs[0], &missing) || missing.Path != "emptydir" || missing.Pattern {
		t.Errorf("errs[0] = %v, want missing literal emptydir", errs[0])
	}
	if !errors.As(errs[1], &missing) || !missing.Pattern {
		t.Errorf("errs[1] = %v, want unmatched pattern", errs[1])
	}
}

func TestCheckFiles(t *testing.T) {
	cfg := testConfig(t)
	writeData(t, cfg, "a.txt", "a")
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, metadata: {}}
  - {kind: dataset, identifier: D1, parentKey: C1, files: [a.txt, b.txt], metadata: {}}
  - {kind: dataset, identifier: D2, files: ["*.csv"], metadata: {}}
`)

	errs := CheckFiles(cfg, tree)
	if len(errs) != 2 {
		t.Fatalf("errors = %v, want 2", errs)
	}
	if !strings.HasPrefix(errs[0].Error(), "D1: ") || !strings.HasPrefix(errs[1].Error(), "D2: ") {
		t.Errorf("errors = %v, want node-prefixed messages", errs)
	}
	var missing *MissingLocalFileError
	if !errors.As(errs[1], &missing) || !missing.Pattern {
		t.Errorf("errs[1] = %v, want unmatched pattern", errs[1])
	}
}

func TestReport_FinalizeAndRender(t *testing.T) {
	tree := parseTree(t, `
nodes:
  - {kind: collection, identifier: C1, metadata: {}}
  - {kind: dataset, identifier: D1, parentKey: C1, metadata: {}}
  - {kind: collection, identifier: C2, metadata: {}}
`)
	c1, _ := tree.Node("C1")
	d1, _ := tree.Node("D1")

	report := NewReport("run-1", time.Now())
	report.Record(d1, ActionCreated)
	report.Merge(d1, Result{Actions: []Action{ActionUpdatedFiles}, Uploaded: 2, Skipped: 1})
	report.Record(c1, ActionAlreadyExisted)
	report.Record(c1, ActionAlreadyExisted)
	report.Finalize(tree, ErrRunTimeout, time.Now())

	results := report.Results()
	var order []string
	for _, r := range results {
		order = append(order, r.Identifier)
	}
	if fmt.Sprint(order) != "[C1 D1 C2]" {
		t.Errorf("order = %v, want manifest order", order)
	}
	assertResult(t, report, "C1", ActionAlreadyExisted)
	assertResult(t, report, "D1", ActionCreated, ActionUpdatedFiles)
	c2 := assertResult(t, report, "C2", ActionFailed)
	if !errors.Is(c2.Err, ErrRunTimeout) {
		t.Errorf("C2 err = %v, want ErrRunTimeout", c2.Err)
	}
	if !report.Failed() || report.NodeFailed("C1") || !report.NodeFailed("C2") {
		t.Error("unexpected failure flags")
	}

	counts := report.Counts()
	if counts[ActionAlreadyExisted] != 1 || counts[ActionUpdatedFiles] != 1 || counts[ActionFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}

	var table bytes.Buffer
	if err := report.Render(&table, FormatTable); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"C1", "D1", "C2", "UPDATED-FILES", "run timeout"} {
		if !strings.Contains(strings.ToUpper(table.String()), strings.ToUpper(want)) {
			t.Errorf("table output missing %q:\n%s", want, table.String())
		}
	}

	var js bytes.Buffer
	if err := report.Render(&js, FormatJSON); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"run_id": "run-1"`, `"failed": true`, `"identifier": "D1"`, `"uploaded": 2`} {
		if !strings.Contains(js.String(), want) {
			t.Errorf("json output missing %q:\n%s", want, js.String())
		}
	}

	if err := report.Render(&js, "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
