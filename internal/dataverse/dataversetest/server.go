// Package dataversetest provides an in-memory Dataverse native API server for
// tests. It implements the endpoints the dataverse client calls and counts
// every call by operation.
package dataversetest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Operation names used by Calls and FailNext.
const (
	OpGetCollection     = "get-collection"
	OpContents          = "contents"
	OpGetDataset        = "get-dataset"
	OpCreateCollection  = "create-collection"
	OpCreateDataset     = "create-dataset"
	OpListFiles         = "list-files"
	OpAddFile           = "add-file"
	OpReplaceFile       = "replace-file"
	OpPublishCollection = "publish-collection"
	OpPublishDataset    = "publish-dataset"
)

const authority = "10.5072"

// Collection is a stored collection
type Collection struct {
	ID       int64
	Alias    string
	Name     string
	Owner    string
	Released bool
}

// Dataset is a stored dataset
type Dataset struct {
	ID       int64
	PID      string
	Owner    string
	Released bool
	Fields   []any
	Files    []*File
}

// File is a stored dataset file
type File struct {
	ID             int64
	Label          string
	DirectoryLabel string
	// OriginalFileName is set once tabular ingest has relabeled the file
	OriginalFileName string
	MD5              string
	Content          []byte
}

// tabularExts are the upload formats Dataverse ingests into .tab files
var tabularExts = map[string]bool{
	".csv":  true,
	".tsv":  true,
	".xlsx": true,
	".dta":  true,
	".sav":  true,
}

// ingest relabels tabular uploads the way Dataverse does after an add
// or replace, keeping the upload name and the original checksum.
func (f *File) ingest() {
	ext := path.Ext(f.Label)
	if !tabularExts[strings.ToLower(ext)] {
		return
	}
	f.OriginalFileName = f.Label
	f.Label = strings.TrimSuffix(f.Label, ext) + ".tab"
}

// Path returns the file's path inside its dataset
func (f *File) Path() string {
	if f.DirectoryLabel == "" {
		return f.Label
	}
	return path.Join(f.DirectoryLabel, f.Label)
}

type failure struct {
	status int
	times  int
}

// Server is a fake Dataverse installation
type Server struct {
	*httptest.Server

	// Token, when set, must be sent as X-Dataverse-key or requests get 401
	Token string

	mu          sync.Mutex
	nextID      int64
	collections map[string]*Collection
	datasets    map[string]*Dataset
	calls       map[string]int
	log         []string
	failures    map[string]*failure
}

// New starts a server holding a single released root collection. The server
// is closed when the test ends.
func New(t testing.TB, root string) *Server {
	t.Helper()

	s := &Server{
		nextID:      1,
		collections: make(map[string]*Collection),
		datasets:    make(map[string]*Dataset),
		calls:       make(map[string]int),
		failures:    make(map[string]*failure),
	}
	s.collections[root] = &Collection{ID: s.id(), Alias: root, Name: root, Released: true}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/dataverses/{alias}", s.handle(OpGetCollection, s.getCollection))
	mux.HandleFunc("GET /api/dataverses/{alias}/contents", s.handle(OpContents, s.contents))
	mux.HandleFunc("POST /api/dataverses/{alias}", s.handle(OpCreateCollection, s.createCollection))
	mux.HandleFunc("POST /api/dataverses/{alias}/datasets", s.handle(OpCreateDataset, s.createDataset))
	mux.HandleFunc("POST /api/dataverses/{alias}/actions/:publish", s.handle(OpPublishCollection, s.publishCollection))
	mux.HandleFunc("GET /api/datasets/:persistentId/{$}", s.handle(OpGetDataset, s.getDataset))
	mux.HandleFunc("GET /api/datasets/:persistentId/versions/:latest/files", s.handle(OpListFiles, s.listFiles))
	mux.HandleFunc("POST /api/datasets/:persistentId/add", s.handle(OpAddFile, s.addFile))
	mux.HandleFunc("POST /api/datasets/:persistentId/actions/:publish", s.handle(OpPublishDataset, s.publishDataset))
	mux.HandleFunc("POST /api/files/{id}/replace", s.handle(OpReplaceFile, s.replaceFile))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AddCollection seeds a collection below owner
func (s *Server) AddCollection(alias, owner string, released bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[alias] = &Collection{ID: s.id(), Alias: alias, Name: alias, Owner: owner, Released: released}
}

// FailNext makes the next times calls of op answer with status
func (s *Server) FailNext(op string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{status: status, times: times}
}

// Calls returns how often op was called, including injected failures
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Mutations returns the number of state-changing calls
func (s *Server) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[OpCreateCollection] + s.calls[OpCreateDataset] + s.calls[OpAddFile] +
		s.calls[OpReplaceFile] + s.calls[OpPublishCollection] + s.calls[OpPublishDataset]
}

// ResetCalls clears call counters and the call log
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
	s.log = nil
}

// Log returns successful mutations in call order, e.g. "create-collection C1"
func (s *Server) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// Collection returns a copy of the stored collection
func (s *Server) Collection(alias string) (Collection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[alias]
	if !ok {
		return Collection{}, false
	}
	return *c, true
}

// DatasetByOtherID finds a dataset by the otherId value recorded at creation
func (s *Server) DatasetByOtherID(value string) (Dataset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ds := range s.datasets {
		if otherIDValue(ds.Fields) == value {
			return *ds, true
		}
	}
	return Dataset{}, false
}

func (s *Server) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *Server) handle(op string, fn func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[op]++
		if f := s.failures[op]; f != nil && f.times > 0 {
			f.times--
			s.mu.Unlock()
			writeError(w, f.status, fmt.Sprintf("injected failure for %s", op))
			return
		}
		token := s.Token
		s.mu.Unlock()

		if token != "" && r.Header.Get("X-Dataverse-key") != token {
			writeError(w, http.StatusUnauthorized, "Bad API key")
			return
		}
		fn(w, r)
	}
}

func (s *Server) record(op, target string) {
	s.log = append(s.log, op+" "+target)
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[r.PathValue("alias")]
	if !ok {
		writeError(w, http.StatusNotFound, "Can't find dataverse with identifier='"+r.PathValue("alias")+"'")
		return
	}
	writeData(w, http.StatusOK, s.collectionJSON(c))
}

func (s *Server) contents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alias := r.PathValue("alias")
	if _, ok := s.collections[alias]; !ok {
		writeError(w, http.StatusNotFound, "Can't find dataverse with identifier='"+alias+"'")
		return
	}

	items := []map[string]any{}
	for _, c := range s.collections {
		if c.Owner == alias {
			items = append(items, map[string]any{"type": "dataverse", "id": c.ID, "title": c.Name})
		}
	}
	for _, ds := range s.datasets {
		if ds.Owner != alias {
			continue
		}
		items = append(items, map[string]any{
			"type":       "dataset",
			"id":         ds.ID,
			"protocol":   "doi",
			"authority":  authority,
			"identifier": strings.TrimPrefix(ds.PID, "doi:"+authority+"/"),
		})
	}
	writeData(w, http.StatusOK, items)
}

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Alias string `json:"alias"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Alias == "" {
		writeError(w, http.StatusBadRequest, "alias is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	owner := r.PathValue("alias")
	if _, ok := s.collections[owner]; !ok {
		writeError(w, http.StatusNotFound, "Can't find dataverse with identifier='"+owner+"'")
		return
	}
	if _, ok := s.collections[body.Alias]; ok {
		writeError(w, http.StatusBadRequest, "A dataverse with alias "+body.Alias+" already exists")
		return
	}

	c := &Collection{ID: s.id(), Alias: body.Alias, Name: body.Name, Owner: owner}
	s.collections[c.Alias] = c
	s.record(OpCreateCollection, c.Alias)
	writeData(w, http.StatusCreated, s.collectionJSON(c))
}

func (s *Server) createDataset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DatasetVersion struct {
			MetadataBlocks struct {
				Citation struct {
					Fields []any `json:"fields"`
				} `json:"citation"`
			} `json:"metadataBlocks"`
		} `json:"datasetVersion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid dataset JSON: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	owner := r.PathValue("alias")
	if _, ok := s.collections[owner]; !ok {
		writeError(w, http.StatusNotFound, "Can't find dataverse with identifier='"+owner+"'")
		return
	}

	id := s.id()
	ds := &Dataset{
		ID:     id,
		PID:    fmt.Sprintf("doi:%s/FK2/%06d", authority, id),
		Owner:  owner,
		Fields: body.DatasetVersion.MetadataBlocks.Citation.Fields,
	}
	s.datasets[ds.PID] = ds
	s.record(OpCreateDataset, otherIDValue(ds.Fields))
	writeData(w, http.StatusCreated, map[string]any{"id": ds.ID, "persistentId": ds.PID})
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.lookupDataset(w, r)
	if !ok {
		return
	}
	state := "DRAFT"
	if ds.Released {
		state = "RELEASED"
	}
	writeData(w, http.StatusOK, map[string]any{
		"id":           ds.ID,
		"persistentId": ds.PID,
		"ownerId":      s.collections[ds.Owner].ID,
		"latestVersion": map[string]any{
			"versionState": state,
			"metadataBlocks": map[string]any{
				"citation": map[string]any{"fields": ds.Fields},
			},
			"files": filesJSON(ds.Files),
		},
	})
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.lookupDataset(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, filesJSON(ds.Files))
}

func (s *Server) addFile(w http.ResponseWriter, r *http.Request) {
	upload, ok := readUpload(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.lookupDataset(w, r)
	if !ok {
		return
	}
	for _, f := range ds.Files {
		if f.Path() == upload.Path() {
			writeError(w, http.StatusBadRequest, "Duplicate file name "+f.Path())
			return
		}
	}

	upload.ID = s.id()
	s.record(OpAddFile, upload.Path())
	upload.ingest()
	ds.Files = append(ds.Files, upload)
	ds.Released = false
	writeData(w, http.StatusOK, map[string]any{"files": filesJSON([]*File{upload})})
}

func (s *Server) replaceFile(w http.ResponseWriter, r *http.Request) {
	upload, ok := readUpload(w, r)
	if !ok {
		return
	}
	fileID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ds := range s.datasets {
		for i, f := range ds.Files {
			if f.ID != fileID {
				continue
			}
			if upload.DirectoryLabel == "" {
				upload.DirectoryLabel = f.DirectoryLabel
			}
			upload.ID = s.id()
			s.record(OpReplaceFile, upload.Path())
			upload.ingest()
			ds.Files[i] = upload
			ds.Released = false
			writeData(w, http.StatusOK, map[string]any{"files": filesJSON([]*File{upload})})
			return
		}
	}
	writeError(w, http.StatusNotFound, "File not found for given id.")
}

func (s *Server) publishCollection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[r.PathValue("alias")]
	if !ok {
		writeError(w, http.StatusNotFound, "Can't find dataverse with identifier='"+r.PathValue("alias")+"'")
		return
	}
	if owner := s.collections[c.Owner]; owner != nil && !owner.Released {
		writeError(w, http.StatusBadRequest, "Cannot publish dataverse because its parent is unpublished")
		return
	}
	c.Released = true
	s.record(OpPublishCollection, c.Alias)
	writeData(w, http.StatusOK, s.collectionJSON(c))
}

func (s *Server) publishDataset(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.lookupDataset(w, r)
	if !ok {
		return
	}
	if owner := s.collections[ds.Owner]; owner != nil && !owner.Released {
		writeError(w, http.StatusBadRequest, "Cannot publish dataset because its dataverse is unpublished")
		return
	}
	ds.Released = true
	s.record(OpPublishDataset, otherIDValue(ds.Fields))
	writeData(w, http.StatusOK, map[string]any{"id": ds.ID, "persistentId": ds.PID})
}

// lookupDataset must be called with s.mu held
func (s *Server) lookupDataset(w http.ResponseWriter, r *http.Request) (*Dataset, bool) {
	pid := r.URL.Query().Get("persistentId")
	ds, ok := s.datasets[pid]
	if !ok {
		writeError(w, http.StatusNotFound, "Dataset with Persistent ID "+pid+" not found.")
		return nil, false
	}
	return ds, true
}

func (s *Server) collectionJSON(c *Collection) map[string]any {
	data := map[string]any{
		"id":         c.ID,
		"alias":      c.Alias,
		"name":       c.Name,
		"isReleased": c.Released,
	}
	if owner, ok := s.collections[c.Owner]; ok {
		data["ownerId"] = owner.ID
	}
	return data
}

func readUpload(w http.ResponseWriter, r *http.Request) (*File, bool) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return nil, false
	}
	part, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part is required")
		return nil, false
	}
	defer func() {
		_ = part.Close()
	}()
	content, err := io.ReadAll(part)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	var meta struct {
		DirectoryLabel string `json:"directoryLabel"`
	}
	if raw := r.FormValue("jsonData"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			writeError(w, http.StatusBadRequest, "invalid jsonData: "+err.Error())
			return nil, false
		}
	}

	sum := md5.Sum(content)
	return &File{
		Label:          hdr.Filename,
		DirectoryLabel: meta.DirectoryLabel,
		MD5:            hex.EncodeToString(sum[:]),
		Content:        content,
	}, true
}

func filesJSON(files []*File) []map[string]any {
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		entry := map[string]any{
			"label": f.Label,
			"dataFile": map[string]any{
				"id":       f.ID,
				"filename": f.Label,
				"md5":      f.MD5,
				"checksum": map[string]any{"type": "MD5", "value": f.MD5},
			},
		}
		if f.DirectoryLabel != "" {
			entry["directoryLabel"] = f.DirectoryLabel
		}
		if f.OriginalFileName != "" {
			entry["dataFile"].(map[string]any)["originalFileName"] = f.OriginalFileName
		}
		out = append(out, entry)
	}
	return out
}

// otherIDValue returns the first otherIdValue of a citation field list
func otherIDValue(fields []any) string {
	for _, f := range fields {
		field, ok := f.(map[string]any)
		if !ok || field["typeName"] != "otherId" {
			continue
		}
		entries, _ := field["value"].([]any)
		for _, e := range entries {
			entry, _ := e.(map[string]any)
			sub, _ := entry["otherIdValue"].(map[string]any)
			if v, ok := sub["value"].(string); ok {
				return v
			}
		}
	}
	return ""
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "OK", "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ERROR", "message": msg})
}
