//go:build integration

package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/dvsync/internal/testutil"
)

const (
	envBaseURL     = "DVSYNC_IT_BASE_URL"
	envToken       = "DVSYNC_IT_API_TOKEN"
	envParentAlias = "DVSYNC_IT_PARENT_ALIAS"
	defaultTimeout = 10 * time.Minute
)

// Harness builds the dvsync binary and runs it against a live Dataverse
// installation configured through DVSYNC_IT_* variables.
type Harness struct {
	t           *testing.T
	binary      string
	workDir     string
	dataRoot    string
	baseURL     string
	token       string
	parentAlias string
	keepOnFail  bool
}

// NewHarness creates a new test harness, skipping the test when no live
// installation is configured
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	baseURL := os.Getenv(envBaseURL)
	parent := os.Getenv(envParentAlias)
	if baseURL == "" || parent == "" {
		t.Skipf("%s and %s must be set to run live integration tests", envBaseURL, envParentAlias)
	}

	workDir := t.TempDir()
	if os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1" {
		var err error
		if workDir, err = os.MkdirTemp("", "dvsync-it-"); err != nil {
			t.Fatalf("create work dir: %v", err)
		}
	}

	return &Harness{
		t:           t,
		workDir:     workDir,
		dataRoot:    filepath.Join(workDir, "data"),
		baseURL:     baseURL,
		token:       os.Getenv(envToken),
		parentAlias: parent,
		keepOnFail:  os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
	}
}

// Build compiles the dvsync binary into the work directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "dvsync")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/dvsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Cleanup reports where the work directory was kept for inspection
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, keeping %s", h.workDir)
		return
	}
	if h.keepOnFail {
		_ = os.RemoveAll(h.workDir)
	}
}

// Run executes dvsync with args and the harness environment
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.workDir
	cmd.Env = append(os.Environ(),
		"DATAVERSE_BASE_URL="+h.baseURL,
		"DATAVERSE_PARENT_ALIAS="+h.parentAlias,
		"DATAVERSE_API_TOKEN="+h.token,
		"DATA_ROOT="+h.dataRoot,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// Sync runs "dvsync sync" with a JSON report and parses the report
func (h *Harness) Sync(ctx context.Context, manifest string, extra ...string) (*RunReport, int) {
	h.t.Helper()

	args := append([]string{"sync", "--manifest", manifest, "--report-format", "json", "--log-format", "json", "--log-level", "warn"}, extra...)
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run dvsync: %v", err)
	}

	report, err := parseReport(stdout)
	if err != nil {
		h.t.Fatalf("parse report: %v\nstdout: %s\nstderr: %s", err, stdout, stderr)
	}
	return report, exitCode
}

// WriteFile writes a file below the work directory
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	p := filepath.Join(h.workDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// RunReport is the JSON summary printed by dvsync sync
type RunReport struct {
	RunID  string       `json:"run_id"`
	Failed bool         `json:"failed"`
	Nodes  []NodeReport `json:"nodes"`
}

// NodeReport is one node of a RunReport
type NodeReport struct {
	Identifier string   `json:"identifier"`
	Result     string   `json:"result"`
	Actions    []string `json:"actions"`
	Uploaded   int      `json:"uploaded"`
	Skipped    int      `json:"skipped"`
	Error      string   `json:"error"`
}

// Node returns the report of identifier
func (r *RunReport) Node(identifier string) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.Identifier == identifier {
			return n, true
		}
	}
	return NodeReport{}, false
}

// HasActions checks the node's steps match actions exactly
func (n NodeReport) HasActions(actions ...string) bool {
	return strings.Join(n.Actions, ",") == strings.Join(actions, ",")
}

// parseReport finds the JSON report in stdout, skipping interleaved log lines
func parseReport(stdout string) (*RunReport, error) {
	start := strings.Index(stdout, "{\n")
	if start < 0 {
		return nil, fmt.Errorf("no report in output")
	}

	var report RunReport
	dec := json.NewDecoder(strings.NewReader(stdout[start:]))
	if err := dec.Decode(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
