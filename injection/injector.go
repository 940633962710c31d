package injection

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

// DefaultSummaryLength bounds the per-task output excerpt in the context summary.
const DefaultSummaryLength = 200

// ContextKey is the key under which injected context is merged into map inputs.
const ContextKey = "context"

// Context is the explicit section appended to a downstream task's input.
type Context struct {
	Values  map[string]any `json:"values"`
	Summary string         `json:"summary"`
}

// InjectedInput pairs the untouched original input with the injected context.
type InjectedInput struct {
	Input   any     `json:"input"`
	Context Context `json:"context"`
}

// Render merges the context into the input without mutating the original.
// String inputs get a trailing "Context" section, map inputs a "context" key,
// anything else is returned as the InjectedInput itself.
func (in *InjectedInput) Render() any {
	switch v := in.Input.(type) {
	case string:
		return in.renderText(v)
	case nil:
		return in.renderText("")
	case map[string]any:
		out := make(map[string]any, len(v)+1)
		for k, val := range v {
			out[k] = val
		}
		out[ContextKey] = map[string]any{
			"values":  in.Context.Values,
			"summary": in.Context.Summary,
		}
		return out
	default:
		return in
	}
}

func (in *InjectedInput) renderText(text string) string {
	var b strings.Builder
	b.WriteString(text)
	if text != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("## Context\n")
	keys := sortedKeys(in.Context.Values)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, render(in.Context.Values[k]))
	}
	if in.Context.Summary != "" {
		b.WriteString("\n## Upstream results\n")
		b.WriteString(in.Context.Summary)
	}
	return b.String()
}

// Injector extracts values from upstream results and builds downstream input.
type Injector struct {
	summaryLength int
	logger        *zap.Logger
}

// Option configures an Injector.
type Option func(*Injector)

// WithSummaryLength sets the excerpt length used in summaries.
func WithSummaryLength(n int) Option {
	return func(i *Injector) {
		if n > 0 {
			i.summaryLength = n
		}
	}
}

// NewInjector creates an injector.
func NewInjector(logger *zap.Logger, opts ...Option) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Injector{
		summaryLength: DefaultSummaryLength,
		logger:        logger.With(zap.String("component", "dependency_injector")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inject resolves every entry of task.InputMapping against upstream.
// A failure on any entry fails the whole injection for this task.
func (i *Injector) Inject(task *types.Task, upstream map[string]*types.TaskResult) (*InjectedInput, error) {
	values := make(map[string]any, len(task.InputMapping))
	for _, param := range sortedKeys(task.InputMapping) {
		expr := task.InputMapping[param]
		path, err := Parse(expr)
		if err != nil {
			return nil, types.Errorf(types.ErrDependencyInjection, "task %s parameter %s", task.ID, param).
				WithTask(task.ID).WithCause(err)
		}
		v, err := i.Extract(path, upstream)
		if err != nil {
			return nil, types.Errorf(types.ErrDependencyInjection, "task %s parameter %s", task.ID, param).
				WithTask(task.ID).WithCause(err)
		}
		values[param] = v
	}

	i.logger.Debug("injected upstream values",
		zap.String("task_id", task.ID),
		zap.Int("values", len(values)),
	)

	return &InjectedInput{
		Input: task.Input,
		Context: Context{
			Values:  values,
			Summary: i.Summarize(task.DependsOn, upstream),
		},
	}, nil
}

// Extract navigates path over the ParsedData of the referenced upstream result.
func (i *Injector) Extract(path *Path, upstream map[string]*types.TaskResult) (any, error) {
	res, ok := upstream[path.TaskID]
	if !ok || res == nil {
		return nil, types.Errorf(types.ErrDependencyInjection, "%s: upstream task %s has no result", path, path.TaskID)
	}
	if !res.Success {
		return nil, types.Errorf(types.ErrDependencyInjection, "%s: upstream task %s did not succeed", path, path.TaskID)
	}
	if res.ParsedData == nil {
		return nil, types.Errorf(types.ErrDependencyInjection, "%s: upstream task %s produced no structured data", path, path.TaskID)
	}

	var current any = res.ParsedData
	for _, seg := range path.Segments {
		next, err := step(current, seg)
		if err != nil {
			return nil, types.Errorf(types.ErrDependencyInjection, "%s: %v", path, err)
		}
		current = next
	}
	return current, nil
}

func step(current any, seg Segment) (any, error) {
	field, err := lookup(current, seg.Field)
	if err != nil {
		return nil, err
	}
	if !seg.Indexed && !seg.Wildcard {
		return field, nil
	}

	rv := reflect.ValueOf(field)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("field %q is not an array", seg.Field)
	}
	if seg.Wildcard {
		return field, nil
	}
	if seg.Index >= rv.Len() {
		return nil, fmt.Errorf("index %d out of bounds for %q (len %d)", seg.Index, seg.Field, rv.Len())
	}
	return rv.Index(seg.Index).Interface(), nil
}

func lookup(current any, field string) (any, error) {
	if m, ok := current.(map[string]any); ok {
		v, exists := m[field]
		if !exists {
			return nil, fmt.Errorf("field %q not found", field)
		}
		return v, nil
	}

	rv := reflect.ValueOf(current)
	if rv.IsValid() && rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		v := rv.MapIndex(reflect.ValueOf(field).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, fmt.Errorf("field %q not found", field)
		}
		return v.Interface(), nil
	}
	return nil, fmt.Errorf("cannot access field %q on %T", field, current)
}

// Summarize renders a short human-readable digest of upstream outputs.
// ids restricts and orders the summary; when empty every upstream result is listed.
func (i *Injector) Summarize(ids []string, upstream map[string]*types.TaskResult) string {
	if len(ids) == 0 {
		ids = sortedKeys(upstream)
	}
	var b strings.Builder
	for _, id := range ids {
		res, ok := upstream[id]
		if !ok || res == nil {
			continue
		}
		status := string(res.Outcome)
		if status == "" {
			status = "failure"
			if res.Success {
				status = "success"
			}
		}
		fmt.Fprintf(&b, "- %s (%s): ", id, status)
		if res.Success {
			b.WriteString(truncate(render(res.Output), i.summaryLength))
		} else {
			b.WriteString(truncate(res.Error, i.summaryLength))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func render(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
