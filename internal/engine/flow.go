package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/weftflow/weft/internal/instrument"
	"github.com/weftflow/weft/internal/state"
	"github.com/weftflow/weft/internal/store"
	"github.com/weftflow/weft/internal/template"
	"github.com/weftflow/weft/pkg/schema"
)

// executeControlFlow dispatches iterate, route and handle nodes. Their
// bodies are owned top-level nodes executed through the normal node
// lifecycle, so every body execution is instrumented and persisted like any
// other node.
func (r *Runner) executeControlFlow(ctx context.Context, ln *lane, node *schema.NodeDefinition, config map[string]any, exec instrument.Execution) (any, error) {
	switch node.Type {
	case schema.NodeTypeIterate:
		return r.runIterate(ctx, ln, node, config, exec)
	case schema.NodeTypeRoute:
		return r.runRoute(ctx, ln, node, config, exec)
	case schema.NodeTypeHandle:
		return r.runHandle(ctx, ln, node, config, exec)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "unknown control-flow type %q", node.Type)
	}
}

func decodeConfig[T any](config map[string]any) (*T, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Iterate ---

type iterItem struct {
	index  int
	record *store.Record
}

type iterOutcome struct {
	recordID string
	result   any
	err      *schema.WeftError
}

func (r *Runner) runIterate(ctx context.Context, ln *lane, node *schema.NodeDefinition, config map[string]any, exec instrument.Execution) (any, error) {
	cfg, err := decodeConfig[schema.IterateConfig](config)
	if err != nil {
		return nil, badConfig(node, err)
	}
	if len(cfg.Body) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "iterate node has an empty body").
			WithNode(node.Alias, node.Position)
	}
	onError := cfg.OnError
	if onError == "" {
		onError = schema.OnErrorMarkFailedContinue
	}
	switch onError {
	case schema.OnErrorStop, schema.OnErrorMarkFailedContinue, schema.OnErrorMarkFailedStop:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown on_error policy %q", onError).
			WithNode(node.Alias, node.Position)
	}

	items, err := r.iterItems(ctx, ln, node, cfg)
	if err != nil {
		return nil, err
	}

	// Detect mid-loop mutation of the variables the item source came from.
	// The materialized snapshot keeps iterating; the mutation is surfaced,
	// not applied retroactively. The watcher lives only as long as the loop.
	sourceKeys := iterateSourceVars(node)
	var stale atomic.Bool
	if len(sourceKeys) > 0 {
		unwatch := r.vars.Watch(func(key string) {
			if key == "*" || sourceKeys[key] {
				stale.Store(true)
			}
		})
		defer unwatch()
	}

	var outcomes []iterOutcome
	if cfg.Concurrency > 1 && len(items) > 1 {
		outcomes, err = r.iterateConcurrent(ctx, ln, node, cfg, onError, items, exec)
	} else {
		outcomes, err = r.iterateSequential(ctx, ln, node, cfg, onError, items, exec)
	}
	if err != nil {
		return nil, err
	}

	summary := map[string]any{
		"total":     len(items),
		"processed": 0,
		"failed":    0,
		"results":   []any{},
		"errors":    []any{},
	}
	results := make([]any, 0, len(outcomes))
	errs := make([]any, 0)
	processed, failed := 0, 0
	for _, outcome := range outcomes {
		if outcome.err != nil {
			failed++
			errs = append(errs, map[string]any{
				"record_id": outcome.recordID,
				"code":      outcome.err.Code,
				"message":   outcome.err.Message,
			})
			continue
		}
		processed++
		results = append(results, outcome.result)
	}
	summary["processed"] = processed
	summary["failed"] = failed
	summary["results"] = results
	summary["errors"] = errs
	if stale.Load() {
		summary["stale_source"] = true
		r.logger.WarnContext(ctx, "iteration source variable changed mid-loop",
			slog.String("alias", node.Alias))
	}

	if err := r.port.RecordProcessing(ctx, exec, instrument.Event{
		Type:    schema.EventIterCompleted,
		Payload: map[string]any{"processed": processed, "failed": failed, "total": len(items)},
	}); err != nil {
		return nil, instrument.WrapErr("processing", exec, err)
	}
	return summary, nil
}

// iterItems materializes the iteration source into records. An inline array
// becomes ephemeral temp records named after the run and node, so re-running
// the same run ID reuses them instead of duplicating.
func (r *Runner) iterItems(ctx context.Context, ln *lane, node *schema.NodeDefinition, cfg *schema.IterateConfig) ([]iterItem, error) {
	if cfg.OverRecords != "" {
		recs, err := r.records.Query(ctx, cfg.OverRecords)
		if err != nil {
			return nil, err
		}
		items := make([]iterItem, len(recs))
		for i, rec := range recs {
			items[i] = iterItem{index: i, record: rec}
		}
		return items, nil
	}

	list, ok := cfg.Over.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"iterate over resolved to %T, want an array", cfg.Over).
			WithNode(node.Alias, node.Position)
	}
	items := make([]iterItem, len(list))
	for i, item := range list {
		fields, ok := item.(map[string]any)
		if !ok {
			fields = map[string]any{"value": item}
		}
		id := fmt.Sprintf("temp:%s:%s:%03d", ln.runID, node.Alias, i)
		rec, err := r.records.Create(ctx, id, "temp", fields, node.Alias)
		if err != nil {
			return nil, err
		}
		items[i] = iterItem{index: i, record: rec}
	}
	return items, nil
}

func (r *Runner) iterateSequential(ctx context.Context, ln *lane, node *schema.NodeDefinition, cfg *schema.IterateConfig, onError string, items []iterItem, exec instrument.Execution) ([]iterOutcome, error) {
	outcomes := make([]iterOutcome, 0, len(items))
	for _, item := range items {
		// Cancellation is honored between items, never mid-item.
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "iteration cancelled").
				WithNode(node.Alias, node.Position).WithCause(ctx.Err())
		}

		outcome := r.runItem(ctx, ln, node, cfg, item, exec)
		outcomes = append(outcomes, outcome)
		if outcome.err == nil {
			continue
		}
		switch onError {
		case schema.OnErrorStop:
			return nil, outcome.err
		case schema.OnErrorMarkFailedStop:
			return outcomes, nil
		}
	}
	return outcomes, nil
}

func (r *Runner) iterateConcurrent(ctx context.Context, ln *lane, node *schema.NodeDefinition, cfg *schema.IterateConfig, onError string, items []iterItem, exec instrument.Execution) ([]iterOutcome, error) {
	size := cfg.Concurrency
	if size > r.cfg.MaxConcurrency {
		size = r.cfg.MaxConcurrency
	}
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]iterOutcome, len(items))
	var mu sync.Mutex
	var firstErr *schema.WeftError

	for _, item := range items {
		item := item
		err := pool.Submit(itemCtx, func(workerCtx context.Context) error {
			if workerCtx.Err() != nil {
				mu.Lock()
				outcomes[item.index] = iterOutcome{
					recordID: item.record.RecordID,
					err: schema.NewError(schema.ErrCodeCancelled, "iteration cancelled").
						WithNode(node.Alias, node.Position),
				}
				mu.Unlock()
				return workerCtx.Err()
			}

			// Each worker gets its own context stack; record writes still
			// serialize through the store's atomic upsert.
			workerLane := r.forkLane(ln)
			defer r.dropLane(workerLane)

			outcome := r.runItem(workerCtx, workerLane, node, cfg, item, exec)
			mu.Lock()
			outcomes[item.index] = outcome
			if outcome.err != nil {
				if firstErr == nil {
					firstErr = outcome.err
				}
				mu.Unlock()
				if onError != schema.OnErrorMarkFailedContinue {
					cancel()
				}
				return outcome.err
			}
			mu.Unlock()
			return nil
		})
		if err != nil {
			break
		}
	}
	pool.Wait()

	if onError == schema.OnErrorStop && firstErr != nil {
		return nil, firstErr
	}
	// Items never submitted (cancelled queue) have zero-value outcomes;
	// report them as cancelled so the summary accounts for every item.
	for i := range outcomes {
		if outcomes[i].recordID == "" && outcomes[i].err == nil {
			outcomes[i] = iterOutcome{
				recordID: items[i].record.RecordID,
				err:      schema.NewError(schema.ErrCodeCancelled, "iteration stopped before item ran"),
			}
		}
	}
	return outcomes, nil
}

// runItem executes the iterate body once with the record in scope.
func (r *Runner) runItem(ctx context.Context, ln *lane, node *schema.NodeDefinition, cfg *schema.IterateConfig, item iterItem, exec instrument.Execution) iterOutcome {
	recordID := item.record.RecordID
	outcome := iterOutcome{recordID: recordID}

	if err := r.port.RecordProcessing(ctx, exec, instrument.Event{
		Type:    schema.EventIterItemStarted,
		Payload: map[string]any{"record_id": recordID, "index": item.index},
	}); err != nil {
		outcome.err = asWeftError(instrument.WrapErr("processing", exec, err))
		return outcome
	}

	if _, err := r.records.SetStatus(ctx, recordID, schema.RecordStatusProcessing, "", node.Alias); err != nil {
		outcome.err = asWeftError(err)
		return outcome
	}

	// Refresh before pushing: the record may have changed since the query.
	rec, err := r.records.Get(ctx, recordID)
	if err != nil {
		outcome.err = asWeftError(err)
		return outcome
	}
	ln.stack.Push(recordID, state.View(rec))
	defer func() { _ = ln.stack.Pop() }()

	var lastOutput any
	for _, alias := range cfg.Body {
		body := r.byAlias[alias]
		result := r.executeNode(ctx, ln, body)
		if result.Status == schema.NodeStatusFailed {
			outcome.err = result.Error
			_, _ = r.records.SetStatus(ctx, recordID, schema.RecordStatusFailed, result.Error.Message, node.Alias)
			_ = r.port.RecordProcessing(ctx, exec, instrument.Event{
				Type:    schema.EventIterItemFailed,
				Payload: map[string]any{"record_id": recordID, "error": result.Error.Message},
			})
			return outcome
		}
		lastOutput = result.Output
	}

	if _, err := r.records.SetStatus(ctx, recordID, schema.RecordStatusComplete, "", node.Alias); err != nil {
		outcome.err = asWeftError(err)
		return outcome
	}
	outcome.result = lastOutput

	_ = r.port.RecordProcessing(ctx, exec, instrument.Event{
		Type:    schema.EventIterItemCompleted,
		Payload: map[string]any{"record_id": recordID, "index": item.index},
	})
	return outcome
}

// iterateSourceVars extracts the variable keys referenced by the node's raw
// "over" template, for mid-loop staleness detection.
func iterateSourceVars(node *schema.NodeDefinition) map[string]bool {
	var raw struct {
		Over any `json:"over"`
	}
	if err := json.Unmarshal(node.Config, &raw); err != nil {
		return nil
	}
	keys := map[string]bool{}
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, ref := range template.ParseRefs(val) {
				if ref.Kind == template.KindVariable {
					keys[ref.ID] = true
				}
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(raw.Over)
	if len(keys) == 0 {
		return nil
	}
	return keys
}

// --- Route ---

func (r *Runner) runRoute(ctx context.Context, ln *lane, node *schema.NodeDefinition, config map[string]any, exec instrument.Execution) (any, error) {
	cfg, err := decodeConfig[schema.RouteConfig](config)
	if err != nil {
		return nil, badConfig(node, err)
	}
	if len(cfg.Paths) > 0 && len(cfg.Branches) > 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"route node declares both paths and branches").
			WithNode(node.Alias, node.Position)
	}

	var taken []string
	var key string
	matched := false
	switch {
	case len(cfg.Branches) > 0:
		scope, err := r.buildScope(ctx, ln, nil)
		if err != nil {
			return nil, err
		}
		for i, branch := range cfg.Branches {
			ok, err := r.cel.EvaluateBool(ctx, branch.When, scope)
			if err != nil {
				return nil, asWeftError(err).WithNode(node.Alias, node.Position)
			}
			if ok {
				taken = branch.Nodes
				key = fmt.Sprintf("branch[%d]", i)
				matched = true
				break
			}
		}
	case len(cfg.Paths) > 0:
		key = routeKey(config["value"])
		if members, ok := cfg.Paths[key]; ok {
			taken = members
			matched = true
		}
	default:
		return nil, schema.NewError(schema.ErrCodeValidation,
			"route node declares neither paths nor branches").
			WithNode(node.Alias, node.Position)
	}
	// Exactly one branch resolves: an unmatched value without a declared
	// default is a routing failure, never a silent pass-through.
	if !matched {
		if len(cfg.Default) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"route matched no branch for %q and declares no default", key).
				WithNode(node.Alias, node.Position)
		}
		taken = cfg.Default
		key = "default"
	}

	if err := r.port.RecordProcessing(ctx, exec, instrument.Event{
		Type:    schema.EventRouteResolved,
		Payload: map[string]any{"key": key, "nodes": taken},
	}); err != nil {
		return nil, instrument.WrapErr("processing", exec, err)
	}
	r.logger.InfoContext(ctx, "route resolved",
		slog.String("key", key), slog.Int("nodes", len(taken)))

	// In flow mode the positions of non-taken members are marked skipped so
	// the run's state answers "why did this node not run".
	if ln.mode == schema.ModeFlow {
		takenSet := map[string]bool{}
		for _, alias := range taken {
			takenSet[alias] = true
		}
		for alias, owner := range r.owned {
			if owner == node.Alias && !takenSet[alias] {
				r.markSkipped(ctx, ln.runID, r.byAlias[alias], "branch not taken")
			}
		}
	}

	for _, alias := range taken {
		result := r.executeNode(ctx, ln, r.byAlias[alias])
		if result.Status == schema.NodeStatusFailed {
			return nil, result.Error
		}
	}
	return map[string]any{"taken": key, "nodes": taken}, nil
}

func routeKey(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case template.Undefined:
		return ""
	case float64:
		// JSON numbers decode as float64; render integral values without
		// the trailing ".0" so paths can key on "3".
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// --- Handle ---

func (r *Runner) runHandle(ctx context.Context, ln *lane, node *schema.NodeDefinition, config map[string]any, exec instrument.Execution) (output any, retErr error) {
	cfg, err := decodeConfig[schema.HandleConfig](config)
	if err != nil {
		return nil, badConfig(node, err)
	}
	if len(cfg.Try) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "handle node has an empty try body").
			WithNode(node.Alias, node.Position)
	}

	// Finally runs on every exit path, including panics unwinding through
	// the body. A finally failure only surfaces when nothing else failed.
	defer func() {
		if len(cfg.Finally) == 0 {
			return
		}
		_ = r.port.RecordProcessing(ctx, exec, instrument.Event{Type: schema.EventHandleFinally})
		if ferr := r.runAliases(ctx, ln, cfg.Finally); ferr != nil && retErr == nil {
			output, retErr = nil, ferr
		}
	}()

	tryErr := r.runAliases(ctx, ln, cfg.Try)
	if tryErr == nil {
		return map[string]any{"handled": false}, nil
	}

	caught := asWeftError(tryErr)
	if err := r.port.RecordProcessing(ctx, exec, instrument.Event{
		Type:    schema.EventHandleCaught,
		Payload: map[string]any{"code": caught.Code, "message": caught.Message},
	}); err != nil {
		return nil, instrument.WrapErr("processing", exec, err)
	}
	r.logger.WarnContext(ctx, "handle caught error", slog.String("error", caught.Error()))

	if len(cfg.Catch) == 0 {
		return nil, caught
	}

	ln.caught = caught
	catchErr := r.runAliases(ctx, ln, cfg.Catch)
	ln.caught = nil
	if catchErr != nil {
		return nil, catchErr
	}
	return map[string]any{
		"handled": true,
		"error":   map[string]any{"code": caught.Code, "message": caught.Message},
	}, nil
}

// runAliases executes body members in order, stopping at the first failure.
func (r *Runner) runAliases(ctx context.Context, ln *lane, aliases []string) error {
	for _, alias := range aliases {
		result := r.executeNode(ctx, ln, r.byAlias[alias])
		if result.Status == schema.NodeStatusFailed {
			return result.Error
		}
	}
	return nil
}
