package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/schaermu/dvsync/internal/manifest"
)

// Action is one step taken for a node during a run
type Action string

const (
	ActionCreated        Action = "created"
	ActionAlreadyExisted Action = "already-existed"
	ActionUpdatedFiles   Action = "updated-files"
	ActionPublished      Action = "published"
	ActionFailed         Action = "failed"
)

// Report output formats
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Result is the outcome of one manifest node
type Result struct {
	Identifier string
	Kind       manifest.Kind
	Actions    []Action
	Uploaded   int
	Skipped    int
	Err        error
}

// Final returns failed if any step failed, otherwise the last action
func (r Result) Final() Action {
	if r.Err != nil {
		return ActionFailed
	}
	if len(r.Actions) == 0 {
		return ""
	}
	return r.Actions[len(r.Actions)-1]
}

func (r *Result) add(a Action) {
	if n := len(r.Actions); n > 0 && r.Actions[n-1] == a {
		return
	}
	r.Actions = append(r.Actions, a)
}

// Report aggregates node results. It is safe for concurrent use.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	mu      gosync.Mutex
	results map[string]*Result
	order   []string
}

// NewReport creates an empty report
func NewReport(runID string, started time.Time) *Report {
	return &Report{
		RunID:   runID,
		Started: started,
		results: make(map[string]*Result),
	}
}

func (r *Report) entry(n *manifest.Node) *Result {
	res, ok := r.results[n.Identifier]
	if !ok {
		res = &Result{Identifier: n.Identifier, Kind: n.Kind}
		r.results[n.Identifier] = res
		r.order = append(r.order, n.Identifier)
	}
	return res
}

// Record appends a successful action for n. Repeating the previous action is
// a no-op.
func (r *Report) Record(n *manifest.Node, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(n).add(a)
}

// Fail records a failed step for n. Errors of several failed steps are joined.
func (r *Report) Fail(n *manifest.Node, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.entry(n)
	res.add(ActionFailed)
	res.Err = errors.Join(res.Err, err)
}

// Merge folds a partial result (such as an upload outcome) into n's result
func (r *Report) Merge(n *manifest.Node, partial Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.entry(n)
	for _, a := range partial.Actions {
		res.add(a)
	}
	res.Uploaded += partial.Uploaded
	res.Skipped += partial.Skipped
	if partial.Err != nil {
		res.add(ActionFailed)
		res.Err = errors.Join(res.Err, partial.Err)
	}
}

// Has reports whether id has a result
func (r *Report) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.results[id]
	return ok
}

// Failed reports whether any node failed
func (r *Report) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if res.Err != nil {
			return true
		}
	}
	return false
}

// NodeFailed reports whether id has a failed step
func (r *Report) NodeFailed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return ok && res.Err != nil
}

// Result returns a copy of id's result
func (r *Report) Result(id string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	if !ok {
		return Result{}, false
	}
	return copyResult(res), true
}

// Results returns copies of all results in manifest order once finalized,
// recording order before that.
func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, copyResult(r.results[id]))
	}
	return out
}

// Counts returns the number of nodes per final action
func (r *Report) Counts() map[Action]int {
	counts := make(map[Action]int)
	for _, res := range r.Results() {
		counts[res.Final()]++
	}
	return counts
}

// Finalize marks every manifest node without a result as failed with reason
// and orders the results as in the manifest.
func (r *Report) Finalize(tree *manifest.Tree, reason error, finished time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order := make([]string, 0, tree.Len())
	for _, n := range tree.Nodes() {
		if _, ok := r.results[n.Identifier]; !ok {
			r.results[n.Identifier] = &Result{
				Identifier: n.Identifier,
				Kind:       n.Kind,
				Actions:    []Action{ActionFailed},
				Err:        reason,
			}
		}
		order = append(order, n.Identifier)
	}
	r.order = order
	r.Finished = finished
}

func copyResult(res *Result) Result {
	c := *res
	c.Actions = append([]Action(nil), res.Actions...)
	return c
}

// Render writes the report as a table or as JSON
func (r *Report) Render(w io.Writer, format string) error {
	switch format {
	case "", FormatTable:
		return r.renderTable(w)
	case FormatJSON:
		return r.renderJSON(w)
	default:
		return fmt.Errorf("unknown report format: %s", format)
	}
}

func (r *Report) renderTable(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Node", "Kind", "Result", "Steps", "Uploaded", "Skipped", "Error"})
	table.SetAutoWrapText(false)

	for _, res := range r.Results() {
		steps := make([]string, 0, len(res.Actions))
		for _, a := range res.Actions {
			steps = append(steps, string(a))
		}
		errText := ""
		if res.Err != nil {
			errText = strings.ReplaceAll(res.Err.Error(), "\n", "; ")
		}
		table.Append([]string{
			res.Identifier,
			string(res.Kind),
			string(res.Final()),
			strings.Join(steps, ","),
			strconv.Itoa(res.Uploaded),
			strconv.Itoa(res.Skipped),
			errText,
		})
	}

	counts := r.Counts()
	actions := make([]string, 0, len(counts))
	for a := range counts {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	summary := make([]string, 0, len(actions))
	for _, a := range actions {
		summary = append(summary, fmt.Sprintf("%s=%d", a, counts[Action(a)]))
	}
	table.SetFooter([]string{"", "", "", "", "", "", strings.Join(summary, " ")})

	table.Render()
	return nil
}

type jsonResult struct {
	Identifier string   `json:"identifier"`
	Kind       string   `json:"kind"`
	Result     string   `json:"result"`
	Actions    []string `json:"actions"`
	Uploaded   int      `json:"uploaded"`
	Skipped    int      `json:"skipped"`
	Error      string   `json:"error,omitempty"`
}

type jsonReport struct {
	RunID    string         `json:"run_id"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Failed   bool           `json:"failed"`
	Counts   map[Action]int `json:"counts"`
	Nodes    []jsonResult   `json:"nodes"`
}

func (r *Report) renderJSON(w io.Writer) error {
	out := jsonReport{
		RunID:    r.RunID,
		Started:  r.Started,
		Finished: r.Finished,
		Failed:   r.Failed(),
		Counts:   r.Counts(),
		Nodes:    []jsonResult{},
	}
	for _, res := range r.Results() {
		jr := jsonResult{
			Identifier: res.Identifier,
			Kind:       string(res.Kind),
			Result:     string(res.Final()),
			Actions:    make([]string, 0, len(res.Actions)),
			Uploaded:   res.Uploaded,
			Skipped:    res.Skipped,
		}
		for _, a := range res.Actions {
			jr.Actions = append(jr.Actions, string(a))
		}
		if res.Err != nil {
			jr.Error = res.Err.Error()
		}
		out.Nodes = append(out.Nodes, jr)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
