// Package flow executes task DAGs: bounded parallelism, dependency-ordered
// starts, failure isolation between independent branches, and run
// checkpoints for the reporter.
package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/task"
)

// Status of a run or one task inside it.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
	StatusUpstreamFailed Status = "upstream_failed"
	StatusCancelled      Status = "cancelled"
)

// Inputs exposes predecessor outputs to a node body, keyed by node name.
type Inputs map[string]any

// NodeFn is one node's body.
type NodeFn func(ctx context.Context, in Inputs, rec *task.Recorder) (any, error)

// Node is one vertex of a flow DAG.
type Node struct {
	Name string
	Deps []string
	Spec task.Spec
	// Fingerprint keys the task cache; empty disables caching for the run.
	Fingerprint string
	Fn          NodeFn
}

// Flow is a named DAG.
type Flow struct {
	Name  string
	Nodes []*Node
}

// Validate rejects duplicate names, unknown deps, and cycles.
func (f *Flow) Validate() error {
	const op = "flow.validate"
	byName := make(map[string]*Node, len(f.Nodes))
	for _, n := range f.Nodes {
		if _, dup := byName[n.Name]; dup {
			return errs.Newf(errs.Config, op, "flow %s: duplicate node %s", f.Name, n.Name)
		}
		byName[n.Name] = n
	}
	for _, n := range f.Nodes {
		for _, d := range n.Deps {
			if _, ok := byName[d]; !ok {
				return errs.Newf(errs.Config, op, "flow %s: node %s depends on unknown %s", f.Name, n.Name, d)
			}
		}
	}
	// Kahn's algorithm; leftovers are a cycle
	indegree := make(map[string]int, len(f.Nodes))
	dependents := make(map[string][]string)
	for _, n := range f.Nodes {
		indegree[n.Name] = len(n.Deps)
		for _, d := range n.Deps {
			dependents[d] = append(dependents[d], n.Name)
		}
	}
	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(f.Nodes) {
		return errs.Newf(errs.Config, op, "flow %s: dependency cycle", f.Name)
	}
	return nil
}

// TaskReport is the checkpointed view of one node.
type TaskReport struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	RowsIn   int           `json:"rows_in"`
	RowsOut  int           `json:"rows_out"`
	BytesOut int64         `json:"bytes_out"`
	Error    string        `json:"error,omitempty"`

	errKind errs.Kind
}

// RunReport is the checkpointed view of one flow run.
type RunReport struct {
	RunID     string            `json:"run_id"`
	Flow      string            `json:"flow"`
	Params    map[string]string `json:"params,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Status    Status            `json:"status"`
	Tasks     []*TaskReport     `json:"tasks"`
}

// Engine executes flows over a shared task runner.
type Engine struct {
	runner      *task.Runner
	parallelism int
	stateDir    string
	now         func() time.Time
}

func NewEngine(runner *task.Runner, parallelism int, stateDir string) *Engine {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Engine{
		runner:      runner,
		parallelism: parallelism,
		stateDir:    stateDir,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs the flow to completion. Node failures fail the flow but do
// not stop independent branches; dependents of a failed node are marked
// upstream_failed and never started. A cancelled context checkpoints the
// run as cancelled.
func (e *Engine) Execute(ctx context.Context, f *Flow, params map[string]string) (*RunReport, error) {
	const op = "flow.execute"
	if err := f.Validate(); err != nil {
		return nil, err
	}

	report := &RunReport{
		RunID:     uuid.NewString(),
		Flow:      f.Name,
		Params:    params,
		StartedAt: e.now(),
		Status:    StatusRunning,
	}
	taskReports := make(map[string]*TaskReport, len(f.Nodes))
	for _, n := range f.Nodes {
		tr := &TaskReport{Name: n.Name, Status: StatusPending}
		taskReports[n.Name] = tr
		report.Tasks = append(report.Tasks, tr)
	}

	log.Info().Str("flow", f.Name).Str("run_id", report.RunID).
		Interface("params", params).Msg("flow started")

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		outputs = make(Inputs, len(f.Nodes))
		sem     = make(chan struct{}, e.parallelism)
	)
	dependents := make(map[string][]string)
	for _, n := range f.Nodes {
		for _, d := range n.Deps {
			dependents[d] = append(dependents[d], n.Name)
		}
	}

	// markDownstream transitively flags dependents of a dead node.
	// Caller holds mu.
	var markDownstream func(name string)
	markDownstream = func(name string) {
		for _, dep := range dependents[name] {
			tr := taskReports[dep]
			if tr.Status == StatusPending {
				tr.Status = StatusUpstreamFailed
				markDownstream(dep)
			}
		}
	}

	var schedule func()
	schedule = func() {
		mu.Lock()
		defer mu.Unlock()
		for _, n := range f.Nodes {
			tr := taskReports[n.Name]
			if tr.Status != StatusPending {
				continue
			}
			ready := true
			for _, d := range n.Deps {
				if taskReports[d].Status != StatusSuccess {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			tr.Status = StatusRunning
			in := make(Inputs, len(n.Deps))
			for _, d := range n.Deps {
				in[d] = outputs[d]
			}
			node := n
			wg.Add(1)
			go func() {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				res, err := e.runner.Run(ctx, node.Spec, node.Fingerprint,
					func(c context.Context, rec *task.Recorder) (any, error) {
						return node.Fn(c, in, rec)
					})

				mu.Lock()
				tr := taskReports[node.Name]
				tr.Attempts = res.Attempts
				tr.Duration = res.Duration
				tr.RowsIn = res.RowsIn
				tr.RowsOut = res.RowsOut
				tr.BytesOut = res.BytesOut
				if err != nil {
					tr.Error = err.Error()
					tr.errKind = errs.KindOf(err)
					if errs.IsKind(err, errs.Cancelled) {
						tr.Status = StatusCancelled
					} else {
						tr.Status = StatusFailed
					}
					markDownstream(node.Name)
					mu.Unlock()
					log.Error().Str("flow", f.Name).Str("task", node.Name).Err(err).Msg("flow task failed")
					schedule()
					return
				}
				tr.Status = StatusSuccess
				outputs[node.Name] = res.Output
				mu.Unlock()
				schedule()
			}()
		}
	}

	schedule()
	wg.Wait()

	report.EndedAt = e.now()
	report.Status = finalStatus(ctx, report.Tasks)
	if err := e.checkpoint(report); err != nil {
		log.Error().Err(err).Str("run_id", report.RunID).Msg("checkpoint write failed")
	}
	log.Info().Str("flow", f.Name).Str("run_id", report.RunID).
		Str("status", string(report.Status)).Dur("elapsed", report.EndedAt.Sub(report.StartedAt)).
		Msg("flow finished")

	switch report.Status {
	case StatusCancelled:
		return report, errs.Wrap(errs.Cancelled, op, fmt.Errorf("flow %s cancelled", f.Name))
	case StatusFailed:
		return report, errs.Newf(worstKind(report.Tasks), op, "flow %s failed", f.Name)
	}
	return report, nil
}

func finalStatus(ctx context.Context, tasks []*TaskReport) Status {
	if ctx.Err() != nil {
		return StatusCancelled
	}
	for _, t := range tasks {
		if t.Status == StatusCancelled {
			return StatusCancelled
		}
	}
	for _, t := range tasks {
		if t.Status == StatusFailed || t.Status == StatusUpstreamFailed {
			return StatusFailed
		}
	}
	return StatusSuccess
}

// kindPrecedence orders failure kinds by exit-code specificity.
var kindPrecedence = []errs.Kind{
	errs.LoadMismatch, errs.Validation, errs.Config,
	errs.Network, errs.Timeout, errs.Warehouse,
}

// worstKind surfaces the most actionable exit class from failed tasks so
// the process exit code reflects the root cause.
func worstKind(tasks []*TaskReport) errs.Kind {
	seen := map[errs.Kind]bool{}
	for _, t := range tasks {
		if t.Status == StatusFailed {
			seen[t.errKind] = true
		}
	}
	for _, k := range kindPrecedence {
		if seen[k] {
			return k
		}
	}
	return errs.Unknown
}
