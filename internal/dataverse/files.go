package dataverse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type fileEntry struct {
	Label          string `json:"label"`
	DirectoryLabel string `json:"directoryLabel"`
	DataFile       struct {
		ID               int64  `json:"id"`
		Filename         string `json:"filename"`
		OriginalFileName string `json:"originalFileName"`
		MD5              string `json:"md5"`
		Checksum         struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"checksum"`
	} `json:"dataFile"`
}

// remote keys the entry by the name it was uploaded under. Tabular ingest
// relabels x.csv as x.tab and keeps the upload name in originalFileName.
func (f fileEntry) remote() RemoteFile {
	name := f.Label
	if orig := f.DataFile.OriginalFileName; orig != "" {
		name = orig
	}
	if name == "" {
		name = f.DataFile.Filename
	}
	p := name
	if f.DirectoryLabel != "" {
		p = path.Join(f.DirectoryLabel, name)
	}

	sum := Fingerprint{Algorithm: f.DataFile.Checksum.Type, Value: f.DataFile.Checksum.Value}
	if sum.Value == "" && f.DataFile.MD5 != "" {
		sum = Fingerprint{Algorithm: "MD5", Value: f.DataFile.MD5}
	}

	return RemoteFile{ID: f.DataFile.ID, Path: p, Checksum: sum}
}

func filesByPath(entries []fileEntry) map[string]RemoteFile {
	files := make(map[string]RemoteFile, len(entries))
	for _, e := range entries {
		rf := e.remote()
		files[rf.Path] = rf
	}
	return files
}

// ListDatasetFiles returns the files of the dataset's latest version keyed by path
func (c *Client) ListDatasetFiles(ctx context.Context, pid string) (map[string]RemoteFile, error) {
	var entries []fileEntry
	err := c.do(ctx, request{
		op:     "list files of " + pid,
		method: http.MethodGet,
		path:   "api/datasets/:persistentId/versions/:latest/files",
		query:  pidQuery(pid),
	}, &entries)
	if err != nil {
		return nil, err
	}
	return filesByPath(entries), nil
}

// UploadFile adds a new file to the dataset, or replaces upload.Replace in
// place so the dataset keeps a single entry per path.
func (c *Client) UploadFile(ctx context.Context, pid string, upload Upload) (RemoteFile, error) {
	dir, name := path.Split(upload.Path)
	dir = strings.TrimSuffix(dir, "/")

	meta := map[string]any{}
	if dir != "" {
		meta["directoryLabel"] = dir
	}

	req := request{method: http.MethodPost}
	if upload.Replace != nil {
		meta["forceReplace"] = true
		req.op = "replace file " + upload.Path
		req.path = "api/files/" + strconv.FormatInt(upload.Replace.ID, 10) + "/replace"
	} else {
		req.op = "add file " + upload.Path
		req.path = "api/datasets/:persistentId/add"
		req.query = pidQuery(pid)
	}

	body, contentType, err := multipartBody(upload.LocalPath, name, meta)
	if err != nil {
		return RemoteFile{}, fmt.Errorf("%s: %w", req.op, err)
	}
	req.body = body
	req.contentType = contentType

	var data struct {
		Files []fileEntry `json:"files"`
	}
	if err := c.do(ctx, req, &data); err != nil {
		return RemoteFile{}, err
	}
	if len(data.Files) == 0 {
		return RemoteFile{}, &APIError{Op: req.op, StatusCode: http.StatusOK, Message: "response listed no files"}
	}

	rf := data.Files[0].remote()
	if rf.Path == "" || rf.Path == name {
		rf.Path = upload.Path
	}
	return rf, nil
}

// multipartBody buffers the file into a multipart form with the jsonData
// part Dataverse expects. The buffer is rebuilt per attempt so retries never
// send a drained reader.
func multipartBody(localPath, name string, meta map[string]any) (io.Reader, string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, "", err
	}

	jsonData, err := json.Marshal(meta)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", mimetype.Detect(data).String())
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	if err := w.WriteField("jsonData", string(jsonData)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}
