package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftflow/weft/internal/expressions"
	"github.com/weftflow/weft/internal/handlers"
	"github.com/weftflow/weft/internal/instrument"
	"github.com/weftflow/weft/internal/logging"
	"github.com/weftflow/weft/internal/state"
	"github.com/weftflow/weft/internal/store"
	"github.com/weftflow/weft/internal/template"
	"github.com/weftflow/weft/pkg/schema"
)

// DefaultPoolSize bounds concurrent iteration when a node asks for more
// workers than configured.
const DefaultPoolSize = 10

// RunnerConfig holds configuration for a Runner.
type RunnerConfig struct {
	// MaxConcurrency caps iterate-node worker counts.
	MaxConcurrency int
	Logger         *slog.Logger
}

// Runner executes one workflow's nodes against shared workflow state.
// A Runner is built once per workflow and can serve many runs; each run gets
// its own node states keyed by run ID.
type Runner struct {
	st       store.Store
	wf       *schema.Workflow
	records  *state.RecordStore
	vars     *state.VariableStore
	handlers *handlers.Registry
	port     instrument.Port
	cel      *expressions.CELEngine
	cfg      RunnerConfig
	logger   *slog.Logger

	byAlias      map[string]*schema.NodeDefinition
	byPosition   map[int]*schema.NodeDefinition
	positions    []int             // top-level positions in ascending order
	allPositions []int             // every position in ascending order
	owned        map[string]string // body alias -> owner alias

	// hidden guards the run-level set of variable keys filtered out of
	// downstream resolution by forwarding decisions.
	hiddenMu sync.RWMutex
	hidden   map[string]bool

	// lanes currently executing, for context-frame refresh fanout.
	lanesMu sync.Mutex
	lanes   map[*lane]struct{}
}

// lane is one sequential execution path: the main run walk, or one worker of
// a concurrent iteration. Each lane owns its context stack, so "current"
// never races across workers.
type lane struct {
	runID    string
	mode     schema.ExecMode
	stack    *state.ContextStack
	resolver *template.Resolver
	// caught is the error in scope inside a handle node's catch body.
	caught *schema.WeftError
}

// NodeResult summarizes the outcome of a single node execution. Its JSON
// shape is defined by MarshalJSON.
type NodeResult struct {
	Position   int
	Alias      string
	Status     schema.NodeStatus
	Output     any
	Error      *schema.WeftError
	Retries    int
	DurationMs int64
}

// Summary aggregates a selection run. ExecutionTime is the whole run's wall
// time in milliseconds.
type Summary struct {
	Requested     int   `json:"total_requested"`
	Executed      int   `json:"executed"`
	Completed     int   `json:"successfully_executed"`
	Failed        int   `json:"failed"`
	Skipped       int   `json:"skipped"`
	Missing       []int `json:"missing,omitempty"`
	ExecutionTime int64 `json:"execution_time"`
}

// SelectionResult is returned by Run and RunSelection. Its JSON shape is
// defined by MarshalJSON.
type SelectionResult struct {
	WorkflowID       string
	RunID            string
	Mode             schema.ExecMode
	ExecutionResults map[int]*NodeResult
	Summary          Summary
	StartedAt        time.Time
	CompletedAt      time.Time
}

// statusLabel maps internal node statuses to their external names.
func statusLabel(status schema.NodeStatus) string {
	switch status {
	case schema.NodeStatusCompleted:
		return "success"
	case schema.NodeStatusFailed:
		return "error"
	default:
		return string(status)
	}
}

// MarshalJSON emits the external result shape: node_id carries the alias,
// status uses the success/error/skipped labels, and execution_time is in
// milliseconds.
func (nr *NodeResult) MarshalJSON() ([]byte, error) {
	type wire struct {
		Position      int               `json:"node_position"`
		NodeID        string            `json:"node_id"`
		Status        string            `json:"status"`
		Result        any               `json:"result,omitempty"`
		ErrorDetails  *schema.WeftError `json:"error_details,omitempty"`
		Retries       int               `json:"retries,omitempty"`
		ExecutionTime int64             `json:"execution_time"`
	}
	return json.Marshal(wire{
		Position:      nr.Position,
		NodeID:        nr.Alias,
		Status:        statusLabel(nr.Status),
		Result:        nr.Output,
		ErrorDetails:  nr.Error,
		Retries:       nr.Retries,
		ExecutionTime: nr.DurationMs,
	})
}

// MarshalJSON emits execution_results as a list ordered by node position.
func (sr *SelectionResult) MarshalJSON() ([]byte, error) {
	positions := make([]int, 0, len(sr.ExecutionResults))
	for p := range sr.ExecutionResults {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	list := make([]*NodeResult, 0, len(positions))
	for _, p := range positions {
		list = append(list, sr.ExecutionResults[p])
	}

	type wire struct {
		WorkflowID       string          `json:"workflow_id"`
		RunID            string          `json:"run_id"`
		Mode             schema.ExecMode `json:"mode"`
		ExecutionResults []*NodeResult   `json:"execution_results"`
		Summary          Summary         `json:"summary"`
		StartedAt        time.Time       `json:"started_at"`
		CompletedAt      time.Time       `json:"completed_at"`
	}
	return json.Marshal(wire{
		WorkflowID:       sr.WorkflowID,
		RunID:            sr.RunID,
		Mode:             sr.Mode,
		ExecutionResults: list,
		Summary:          sr.Summary,
		StartedAt:        sr.StartedAt,
		CompletedAt:      sr.CompletedAt,
	})
}

// NewRunner builds a Runner for the workflow. The handler registry supplies
// browser/reasoning/transform execution; the port receives every execution
// trace.
func NewRunner(st store.Store, wf *schema.Workflow, registry *handlers.Registry, port instrument.Port, cfg RunnerConfig) (*Runner, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if port == nil {
		port = instrument.Nop{}
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	r := &Runner{
		st:         st,
		wf:         wf,
		records:    state.NewRecordStore(st, wf.ID),
		vars:       state.NewVariableStore(st, wf.ID),
		handlers:   registry,
		port:       port,
		cel:        cel,
		cfg:        cfg,
		logger:     cfg.Logger,
		byAlias:    make(map[string]*schema.NodeDefinition, len(wf.Nodes)),
		byPosition: make(map[int]*schema.NodeDefinition, len(wf.Nodes)),
		owned:      map[string]string{},
		hidden:     map[string]bool{},
		lanes:      map[*lane]struct{}{},
	}

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if _, dup := r.byAlias[node.Alias]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node alias %q", node.Alias)
		}
		if _, dup := r.byPosition[node.Position]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node position %d", node.Position)
		}
		r.byAlias[node.Alias] = node
		r.byPosition[node.Position] = node
		r.allPositions = append(r.allPositions, node.Position)
	}
	sort.Ints(r.allPositions)
	if err := r.indexOwnership(); err != nil {
		return nil, err
	}
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if _, isOwned := r.owned[node.Alias]; !isOwned {
			r.positions = append(r.positions, node.Position)
		}
	}
	sort.Ints(r.positions)

	// Record mutations refresh the snapshot of every live frame holding
	// that record, across all lanes.
	r.records.SetRefresher(func(recordID string, data map[string]any) {
		r.lanesMu.Lock()
		defer r.lanesMu.Unlock()
		for ln := range r.lanes {
			ln.stack.Refresh(recordID, data)
		}
	})

	return r, nil
}

// Records exposes the workflow's record store.
func (r *Runner) Records() *state.RecordStore { return r.records }

// Vars exposes the workflow's variable store.
func (r *Runner) Vars() *state.VariableStore { return r.vars }

// indexOwnership walks control-flow configs and maps each body alias to its
// owner. Body references are static, so this reads the raw config without
// template resolution.
func (r *Runner) indexOwnership() error {
	for _, node := range r.byAlias {
		if !node.Type.IsControlFlow() {
			continue
		}
		aliases, err := ownedAliases(node)
		if err != nil {
			return err
		}
		for _, alias := range aliases {
			member, ok := r.byAlias[alias]
			if !ok {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"node %q references unknown alias %q", node.Alias, alias).
					WithNode(node.Alias, node.Position)
			}
			if owner, taken := r.owned[alias]; taken && owner != node.Alias {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"alias %q owned by both %q and %q", alias, owner, node.Alias)
			}
			if member.Alias == node.Alias {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"node %q cannot own itself", node.Alias)
			}
			r.owned[alias] = node.Alias
		}
	}
	return nil
}

func ownedAliases(node *schema.NodeDefinition) ([]string, error) {
	var aliases []string
	switch node.Type {
	case schema.NodeTypeIterate:
		var cfg schema.IterateConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, badConfig(node, err)
		}
		aliases = cfg.Body
	case schema.NodeTypeRoute:
		var cfg schema.RouteConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, badConfig(node, err)
		}
		for _, members := range cfg.Paths {
			aliases = append(aliases, members...)
		}
		for _, branch := range cfg.Branches {
			aliases = append(aliases, branch.Nodes...)
		}
		aliases = append(aliases, cfg.Default...)
	case schema.NodeTypeHandle:
		var cfg schema.HandleConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, badConfig(node, err)
		}
		aliases = append(aliases, cfg.Try...)
		aliases = append(aliases, cfg.Catch...)
		aliases = append(aliases, cfg.Finally...)
	}
	return dedupStrings(aliases), nil
}

func badConfig(node *schema.NodeDefinition, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"invalid %s config: %s", node.Type, err.Error()).
		WithNode(node.Alias, node.Position).WithCause(err)
}

// Run executes the whole workflow in flow mode.
func (r *Runner) Run(ctx context.Context) (*SelectionResult, error) {
	return r.RunSelection(ctx, schema.Selection{All: true}, schema.ModeFlow)
}

// RunSelection executes the selected positions under a fresh run ID. In
// isolated mode each selected node runs independently, a failure does not
// stop the rest, and body members of control nodes may be selected directly.
// In flow mode the walk honors control-flow semantics: body members run only
// under their owner, unselected nodes are marked skipped, and the run stops
// at the first failure. Selected positions that do not exist are reported in
// the summary, not fatal.
func (r *Runner) RunSelection(ctx context.Context, sel schema.Selection, mode schema.ExecMode) (*SelectionResult, error) {
	return r.RunSelectionWithID(ctx, uuid.NewString(), sel, mode)
}

// RunSelectionWithID is RunSelection with a caller-supplied run ID. Reusing
// an ID replays the run: node states reset and run-scoped record IDs from
// the earlier attempt are reused instead of growing.
func (r *Runner) RunSelectionWithID(ctx context.Context, runID string, sel schema.Selection, mode schema.ExecMode) (*SelectionResult, error) {
	if runID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "run ID is empty")
	}
	if mode == "" {
		mode = schema.ModeIsolated
	}

	ctx = logging.WithWorkflowID(ctx, r.wf.ID)
	ctx = logging.WithRunID(ctx, runID)

	result := &SelectionResult{
		WorkflowID:       r.wf.ID,
		RunID:            runID,
		Mode:             mode,
		ExecutionResults: map[int]*NodeResult{},
		StartedAt:        time.Now().UTC(),
	}

	selected := map[int]bool{}
	if sel.All {
		for _, p := range r.positions {
			selected[p] = true
		}
	} else {
		for _, p := range sel.Positions {
			node, ok := r.byPosition[p]
			if !ok {
				result.Summary.Missing = append(result.Summary.Missing, p)
				result.ExecutionResults[p] = &NodeResult{
					Position: p, Status: schema.NodeStatusFailed,
					Error: schema.NewErrorf(schema.ErrCodeNotFound,
						"selection references position %d, which has no node", p),
				}
				continue
			}
			if owner, isOwned := r.owned[node.Alias]; isOwned && mode == schema.ModeFlow {
				// A flow run only reaches body members through their owner;
				// a direct selection is treated the same as a missing
				// position. Isolated mode runs them standalone.
				r.logger.WarnContext(ctx, "selected node is owned by a control node",
					slog.Int("position", p), slog.String("owner", owner))
				result.Summary.Missing = append(result.Summary.Missing, p)
				result.ExecutionResults[p] = &NodeResult{
					Position: p, Alias: node.Alias, Status: schema.NodeStatusFailed,
					Error: schema.NewErrorf(schema.ErrCodeNotFound,
						"position %d belongs to the body of %q and only runs under it in flow mode", p, owner).
						WithNode(node.Alias, p),
				}
				continue
			}
			selected[p] = true
		}
	}
	result.Summary.Requested = len(selected) + len(result.Summary.Missing)

	if err := r.resetBeforeRun(ctx, runID, selected, mode); err != nil {
		return nil, err
	}

	ln := r.newLane(runID)
	ln.mode = mode
	defer r.dropLane(ln)

	r.logger.InfoContext(ctx, "run started",
		slog.String("mode", string(mode)), slog.Int("selected", len(selected)))

	walk := r.positions
	if mode == schema.ModeIsolated {
		// Isolated runs honor direct selections of owned body members.
		walk = r.allPositions
	}
	for _, p := range walk {
		node := r.byPosition[p]
		if !selected[p] {
			if mode == schema.ModeFlow {
				r.markSkipped(ctx, runID, node, "not selected")
				result.ExecutionResults[p] = &NodeResult{
					Position: p, Alias: node.Alias, Status: schema.NodeStatusSkipped,
				}
				result.Summary.Skipped++
			}
			continue
		}

		nodeResult := r.executeNode(ctx, ln, node)
		result.ExecutionResults[p] = nodeResult
		result.Summary.Executed++
		switch nodeResult.Status {
		case schema.NodeStatusCompleted:
			result.Summary.Completed++
		case schema.NodeStatusFailed:
			result.Summary.Failed++
		case schema.NodeStatusSkipped:
			result.Summary.Skipped++
		}

		if nodeResult.Status == schema.NodeStatusFailed && mode == schema.ModeFlow {
			// A flow run is a pipeline: downstream nodes depend on this
			// one, so stop here. Isolated mode keeps going.
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.CompletedAt = time.Now().UTC()
	result.Summary.ExecutionTime = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
	r.logger.InfoContext(ctx, "run finished",
		slog.Int("completed", result.Summary.Completed),
		slog.Int("failed", result.Summary.Failed),
		slog.Int("skipped", result.Summary.Skipped))
	return result, nil
}

// resetBeforeRun clears node states from any previous use of the run ID and
// seeds pending states for every node that may execute.
func (r *Runner) resetBeforeRun(ctx context.Context, runID string, selected map[int]bool, mode schema.ExecMode) error {
	if err := r.st.ResetNodeStates(ctx, r.wf.ID, runID); err != nil {
		return storeErr("reset node states", err)
	}
	for i := range r.wf.Nodes {
		node := &r.wf.Nodes[i]
		topLevel := false
		if _, isOwned := r.owned[node.Alias]; !isOwned {
			topLevel = true
		}
		if mode == schema.ModeIsolated && topLevel && !selected[node.Position] {
			continue
		}
		if err := r.persistState(ctx, runID, node, schema.NodeStatusPending, nil, nil, 0, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) newLane(runID string) *lane {
	ln := &lane{runID: runID, stack: state.NewContextStack()}
	ln.resolver = &template.Resolver{
		Stack:   ln.stack,
		Records: r.records,
		Vars:    r.vars,
		Hidden:  r.isHidden,
	}
	r.lanesMu.Lock()
	r.lanes[ln] = struct{}{}
	r.lanesMu.Unlock()
	return ln
}

// forkLane derives a worker lane with a copy of the parent's context frames.
func (r *Runner) forkLane(parent *lane) *lane {
	ln := &lane{runID: parent.runID, mode: parent.mode, stack: parent.stack.Fork(), caught: parent.caught}
	ln.resolver = &template.Resolver{
		Stack:   ln.stack,
		Records: r.records,
		Vars:    r.vars,
		Hidden:  r.isHidden,
	}
	r.lanesMu.Lock()
	r.lanes[ln] = struct{}{}
	r.lanesMu.Unlock()
	return ln
}

func (r *Runner) dropLane(ln *lane) {
	r.lanesMu.Lock()
	delete(r.lanes, ln)
	r.lanesMu.Unlock()
}

func (r *Runner) isHidden(key string) bool {
	r.hiddenMu.RLock()
	defer r.hiddenMu.RUnlock()
	return r.hidden[key]
}

func (r *Runner) hideKeys(keys []string) {
	if len(keys) == 0 {
		return
	}
	r.hiddenMu.Lock()
	for _, k := range keys {
		r.hidden[k] = true
	}
	r.hiddenMu.Unlock()
}

// executeNode drives one node through its lifecycle: resolve config, run the
// instrumentation pipeline around the handler (or control-flow routine),
// apply persistence hooks, and record the terminal state. Failures at any
// stage land the node in failed with a structured error.
func (r *Runner) executeNode(ctx context.Context, ln *lane, node *schema.NodeDefinition) *NodeResult {
	ctx = logging.WithNodeAlias(ctx, node.Alias)
	if frame, err := ln.stack.Current(); err == nil {
		ctx = logging.WithRecordID(ctx, frame.RecordID)
	}

	result := &NodeResult{Position: node.Position, Alias: node.Alias}
	started := time.Now().UTC()

	var exec instrument.Execution
	inputsCaptured, outputsCaptured := false, false

	fail := func(err error) *NodeResult {
		weftErr := asWeftError(err)
		if weftErr.Alias == "" {
			weftErr = weftErr.WithNode(node.Alias, node.Position)
		}
		if inputsCaptured && !outputsCaptured {
			// Close the instrumentation trace so the captured inputs and
			// processing events are not lost with the failure.
			outputsCaptured = true
			_ = r.port.CaptureOutputs(ctx, exec, map[string]any{"error": weftErr})
		}
		result.Status = schema.NodeStatusFailed
		result.Error = weftErr
		result.DurationMs = time.Since(started).Milliseconds()
		r.logger.ErrorContext(ctx, "node failed", slog.String("error", weftErr.Error()))
		_ = r.persistState(ctx, ln.runID, node, schema.NodeStatusFailed, nil, weftErr, result.Retries, &started)
		return result
	}

	if err := ValidateTransition(node.Alias, node.Position, schema.NodeStatusPending, schema.NodeStatusRunning); err != nil {
		return fail(err)
	}
	if err := r.persistState(ctx, ln.runID, node, schema.NodeStatusRunning, nil, nil, 0, &started); err != nil {
		return fail(err)
	}
	r.logger.InfoContext(ctx, "node started", slog.String("type", string(node.Type)))

	// Resolve the config with template references substituted.
	resolvedConfig, err := r.resolveConfig(ctx, ln, node)
	if err != nil {
		return fail(err)
	}

	exec = instrument.Execution{
		WorkflowID:  r.wf.ID,
		RunID:       ln.runID,
		ExecutionID: uuid.NewString(),
		NodeAlias:   node.Alias,
		Position:    node.Position,
		StartedAt:   started,
	}
	if err := r.port.CaptureInputs(ctx, exec, resolvedConfig); err != nil {
		return fail(instrument.WrapErr("input capture", exec, err))
	}
	inputsCaptured = true

	output, execErr := r.executeWithRetry(ctx, ln, node, resolvedConfig, exec, result)
	if execErr != nil {
		return fail(execErr)
	}

	outputsCaptured = true
	if err := r.port.CaptureOutputs(ctx, exec, output); err != nil {
		return fail(instrument.WrapErr("output capture", exec, err))
	}
	decision, err := r.port.DecideForwarding(ctx, exec, output)
	if err != nil {
		return fail(instrument.WrapErr("forwarding", exec, err))
	}

	if err := r.applyPersistence(ctx, ln, node, output); err != nil {
		return fail(err)
	}
	if decision != nil {
		r.hideKeys(decision.HideKeys)
	}

	result.Status = schema.NodeStatusCompleted
	result.Output = output
	result.DurationMs = time.Since(started).Milliseconds()
	if err := r.persistState(ctx, ln.runID, node, schema.NodeStatusCompleted, output, nil, result.Retries, &started); err != nil {
		return fail(err)
	}
	r.logger.InfoContext(ctx, "node completed", slog.Int64("duration_ms", result.DurationMs))
	return result
}

// executeWithRetry runs the node body, retrying per the node's policy.
// Control-flow nodes never retry; their bodies own their error policies.
func (r *Runner) executeWithRetry(ctx context.Context, ln *lane, node *schema.NodeDefinition, config map[string]any, exec instrument.Execution, result *NodeResult) (any, error) {
	if node.Type.IsControlFlow() {
		return r.executeControlFlow(ctx, ln, node, config, exec)
	}

	maxRetries := 0
	if node.Retry != nil {
		maxRetries = node.Retry.Max
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		output, err := r.invokeHandler(ctx, ln, node, config, exec)
		if err == nil {
			return output, nil
		}
		lastErr = err

		if attempt >= maxRetries || !IsRetryableError(err) {
			break
		}
		result.Retries = attempt + 1
		r.logger.WarnContext(ctx, "node retrying",
			slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		_ = r.port.RecordProcessing(ctx, exec, instrument.Event{
			Type:    schema.EventNodeRetrying,
			Payload: map[string]any{"attempt": attempt + 1, "error": err.Error()},
		})
		if err := WaitForBackoff(ctx, ComputeBackoff(node.Retry, attempt)); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled during retry backoff").WithCause(err)
		}
	}
	return nil, lastErr
}

func (r *Runner) invokeHandler(ctx context.Context, ln *lane, node *schema.NodeDefinition, config map[string]any, exec instrument.Execution) (any, error) {
	handler, err := r.handlers.Get(node.Type)
	if err != nil {
		return nil, err
	}

	if node.Timeout != "" {
		dur, parseErr := time.ParseDuration(node.Timeout)
		if parseErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid timeout %q: %s", node.Timeout, parseErr.Error())
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dur)
		defer cancel()
	}

	scope, err := r.buildScope(ctx, ln, config["input"])
	if err != nil {
		return nil, err
	}

	req := handlers.Request{
		WorkflowID: r.wf.ID,
		RunID:      ln.runID,
		Node:       node,
		Config:     config,
		Input:      config["input"],
		Scope:      scope,
		Emit: func(eventType string, payload any) error {
			if err := r.port.RecordProcessing(ctx, exec, instrument.Event{Type: eventType, Payload: payload}); err != nil {
				return instrument.WrapErr("processing", exec, err)
			}
			return nil
		},
	}

	output, err := handler.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, schema.NewError(schema.ErrCodeCancelled, "node cancelled").WithCause(err)
		}
		return nil, err
	}
	return output, nil
}

// resolveConfig unmarshals the node config and substitutes every template
// reference in one pass, batching record lookups.
func (r *Runner) resolveConfig(ctx context.Context, ln *lane, node *schema.NodeDefinition) (map[string]any, error) {
	raw := map[string]any{}
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &raw); err != nil {
			return nil, badConfig(node, err)
		}
	}
	resolved, err := ln.resolver.Resolve(ctx, any(raw))
	if err != nil {
		return nil, err
	}
	config, ok := resolved.(map[string]any)
	if !ok {
		return nil, badConfig(node, errors.New("config did not resolve to an object"))
	}
	return config, nil
}

// buildScope assembles the expression environment for handlers and route
// conditions: the in-scope record view, all workflow variables (minus
// hidden ones), the node input, and the caught error inside catch bodies.
func (r *Runner) buildScope(ctx context.Context, ln *lane, input any) (map[string]any, error) {
	scope := map[string]any{
		expressions.ScopeCurrent: map[string]any{},
		expressions.ScopeInput:   input,
	}
	if frame, err := ln.stack.Current(); err == nil {
		scope[expressions.ScopeCurrent] = state.DeepCopyMap(frame.Data)
	}

	vars, err := r.vars.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for key := range vars {
		if r.isHidden(key) {
			delete(vars, key)
		}
	}
	scope[expressions.ScopeVars] = vars

	if ln.caught != nil {
		scope["error"] = map[string]any{
			"code":    ln.caught.Code,
			"message": ln.caught.Message,
			"alias":   ln.caught.Alias,
		}
	}
	return scope, nil
}

// applyPersistence runs the node's declared persistence hooks against its
// output, in declaration order: variable, current record, bulk creation.
func (r *Runner) applyPersistence(ctx context.Context, ln *lane, node *schema.NodeDefinition, output any) error {
	if node.StoreVariable != "" {
		if err := r.vars.Set(ctx, node.StoreVariable, output); err != nil {
			return err
		}
		r.logger.DebugContext(ctx, "variable stored", slog.String("key", node.StoreVariable))
	}

	if node.StoreToRecord {
		frame, err := ln.stack.Current()
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeContext,
				"store_to_record on %q requires an iteration scope", node.Alias)
		}
		key := node.As
		if key == "" {
			key = node.Alias
		}
		if _, err := r.records.SetVar(ctx, frame.RecordID, key, output, node.Alias); err != nil {
			return err
		}
	}

	if node.CreateRecords != nil {
		if err := r.createRecordsFromOutput(ctx, node, output); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) createRecordsFromOutput(ctx context.Context, node *schema.NodeDefinition, output any) error {
	spec := node.CreateRecords
	source := output
	if spec.ItemsPath != "" {
		root, ok := output.(map[string]any)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"create_records items_path %q: output is not an object", spec.ItemsPath)
		}
		source, ok = state.GetPath(root, spec.ItemsPath)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"create_records items_path %q not found in output", spec.ItemsPath)
		}
	}
	list, ok := source.([]any)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "create_records output is not a list")
	}

	items := make([]map[string]any, len(list))
	for i, item := range list {
		if m, ok := item.(map[string]any); ok {
			items[i] = m
		} else {
			items[i] = map[string]any{"value": item}
		}
	}

	created, err := r.records.CreateBulk(ctx, spec.RecordType, spec.IDPattern,
		state.CollisionMode(spec.Mode), items, node.Alias)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "records created",
		slog.Int("count", len(created)), slog.String("record_type", spec.RecordType))
	return nil
}

func (r *Runner) markSkipped(ctx context.Context, runID string, node *schema.NodeDefinition, reason string) {
	_ = r.persistState(ctx, runID, node, schema.NodeStatusSkipped, nil, nil, 0, nil)
	r.logger.DebugContext(ctx, "node skipped",
		slog.String("alias", node.Alias), slog.String("reason", reason))
}

func (r *Runner) persistState(ctx context.Context, runID string, node *schema.NodeDefinition, status schema.NodeStatus, output any, weftErr *schema.WeftError, retries int, startedAt *time.Time) error {
	st := &store.NodeState{
		WorkflowID: r.wf.ID,
		RunID:      runID,
		Position:   node.Position,
		Alias:      node.Alias,
		Status:     status,
		RetryCount: retries,
		StartedAt:  startedAt,
	}
	if output != nil {
		if raw, err := json.Marshal(output); err == nil {
			st.Result = raw
		}
	}
	if weftErr != nil {
		if raw, err := json.Marshal(weftErr); err == nil {
			st.Error = raw
		}
	}
	if IsTerminal(status) && status != schema.NodeStatusSkipped {
		now := time.Now().UTC()
		st.CompletedAt = &now
		if startedAt != nil {
			st.DurationMs = now.Sub(*startedAt).Milliseconds()
		}
	}
	if err := r.st.UpsertNodeState(ctx, st); err != nil {
		return storeErr("persist node state", err)
	}
	return nil
}

func storeErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func asWeftError(err error) *schema.WeftError {
	var weftErr *schema.WeftError
	if errors.As(err, &weftErr) {
		return weftErr
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, err.Error()).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
