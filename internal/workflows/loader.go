package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/hookflow/internal/validation"
	"github.com/rendis/hookflow/pkg/schema"
)

// Definitions is the read-only lookup the engine and actions use.
type Definitions interface {
	Workflow(ctx context.Context, name string) (*schema.WorkflowDefinition, error)
	LifecycleWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	Pipeline(ctx context.Context, name string) (*schema.PipelineDefinition, error)
}

// LoaderConfig configures a Loader. Empty directories are skipped.
type LoaderConfig struct {
	WorkflowsDir string
	PipelinesDir string
	Validator    *validation.DefinitionValidator
	Logger       *slog.Logger
}

// Loader reads workflow and pipeline definitions from YAML or JSON files.
// Files are read on first use and cached until Reload.
type Loader struct {
	cfg    LoaderConfig
	logger *slog.Logger

	mu        sync.RWMutex
	loaded    bool
	workflows map[string]*schema.WorkflowDefinition
	pipelines map[string]*schema.PipelineDefinition
}

var _ Definitions = (*Loader)(nil)

// NewLoader creates a Loader.
func NewLoader(cfg LoaderConfig) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		cfg:       cfg,
		logger:    logger,
		workflows: map[string]*schema.WorkflowDefinition{},
		pipelines: map[string]*schema.PipelineDefinition{},
	}
}

// AddWorkflow registers an in-memory definition, replacing any with the same name.
func (l *Loader) AddWorkflow(def *schema.WorkflowDefinition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workflows[def.Name] = def
}

// AddPipeline registers an in-memory pipeline, replacing any with the same name.
func (l *Loader) AddPipeline(def *schema.PipelineDefinition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pipelines[def.Name] = def
}

// Workflow returns the named definition or a NOT_FOUND error.
func (l *Loader) Workflow(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	l.ensureLoaded(ctx)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if def, ok := l.workflows[name]; ok {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
}

// LifecycleWorkflows returns every lifecycle definition sorted by name.
func (l *Loader) LifecycleWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	l.ensureLoaded(ctx)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*schema.WorkflowDefinition
	for _, def := range l.workflows {
		if def.Type == schema.WorkflowTypeLifecycle {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Workflows returns every workflow definition sorted by name.
func (l *Loader) Workflows(ctx context.Context) []*schema.WorkflowDefinition {
	l.ensureLoaded(ctx)
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(l.workflows))
	for _, def := range l.workflows {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Pipeline returns the named pipeline or a NOT_FOUND error.
func (l *Loader) Pipeline(ctx context.Context, name string) (*schema.PipelineDefinition, error) {
	l.ensureLoaded(ctx)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if def, ok := l.pipelines[name]; ok {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not found", name)
}

func (l *Loader) ensureLoaded(ctx context.Context) {
	l.mu.RLock()
	loaded := l.loaded
	l.mu.RUnlock()
	if loaded {
		return
	}
	if err := l.Reload(ctx); err != nil {
		l.logger.WarnContext(ctx, "some definitions were skipped", "error", err)
	}
}

// Reload re-reads both directories. Invalid files are skipped and reported in
// the returned error; valid ones stay usable. In-memory additions survive.
func (l *Loader) Reload(ctx context.Context) error {
	workflows := map[string]*schema.WorkflowDefinition{}
	pipelines := map[string]*schema.PipelineDefinition{}
	var errs []error

	for _, r := range l.ValidateDir(l.cfg.WorkflowsDir, KindWorkflow) {
		if err := r.Err(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := workflows[r.Workflow.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate workflow name %q", r.Path, r.Workflow.Name))
			continue
		}
		workflows[r.Workflow.Name] = r.Workflow
	}
	for _, r := range l.ValidateDir(l.cfg.PipelinesDir, KindPipeline) {
		if err := r.Err(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := pipelines[r.Pipeline.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate pipeline name %q", r.Path, r.Pipeline.Name))
			continue
		}
		pipelines[r.Pipeline.Name] = r.Pipeline
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for name, def := range workflows {
		l.workflows[name] = def
	}
	for name, def := range pipelines {
		l.pipelines[name] = def
	}
	l.loaded = true
	l.logger.DebugContext(ctx, "definitions loaded", "workflows", len(l.workflows), "pipelines", len(l.pipelines))
	return errors.Join(errs...)
}

// Kind selects which schema a definition file is checked against.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindPipeline Kind = "pipeline"
)

// FileResult is the outcome of loading one definition file.
type FileResult struct {
	Path       string
	Kind       Kind
	Workflow   *schema.WorkflowDefinition
	Pipeline   *schema.PipelineDefinition
	Validation *schema.ValidationResult
	ParseError error
}

// Err returns the parse error or the validation failure, or nil.
func (r FileResult) Err() error {
	if r.ParseError != nil {
		return fmt.Errorf("%s: %w", r.Path, r.ParseError)
	}
	if r.Validation != nil {
		if err := r.Validation.ToError(); err != nil {
			return fmt.Errorf("%s: %w", r.Path, err)
		}
	}
	return nil
}

// ValidateDir parses and validates every definition file under dir.
// A missing or empty dir yields no results.
func (l *Loader) ValidateDir(dir string, kind Kind) []FileResult {
	if dir == "" {
		return nil
	}
	var results []FileResult
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isDefinitionFile(path) {
			return nil
		}
		results = append(results, l.LoadFile(path, kind))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		results = append(results, FileResult{Path: dir, Kind: kind, ParseError: err})
	}
	return results
}

// LoadFile parses and validates a single definition file.
func (l *Loader) LoadFile(path string, kind Kind) FileResult {
	res := FileResult{Path: path, Kind: kind}
	data, err := os.ReadFile(path)
	if err != nil {
		res.ParseError = err
		return res
	}
	doc, err := ParseDocument(data)
	if err != nil {
		res.ParseError = err
		return res
	}

	switch kind {
	case KindWorkflow:
		def := &schema.WorkflowDefinition{}
		if err := decodeInto(doc, def); err != nil {
			res.ParseError = err
			return res
		}
		if def.Type == "" {
			def.Type = schema.WorkflowTypeStep
			doc["type"] = string(schema.WorkflowTypeStep)
		}
		res.Workflow = def
		if l.cfg.Validator != nil {
			res.Validation = l.cfg.Validator.ValidateWorkflow(doc, def)
		}
	case KindPipeline:
		def := &schema.PipelineDefinition{}
		if err := decodeInto(doc, def); err != nil {
			res.ParseError = err
			return res
		}
		res.Pipeline = def
		if l.cfg.Validator != nil {
			res.Validation = l.cfg.Validator.ValidatePipeline(doc, def)
		}
	default:
		res.ParseError = fmt.Errorf("unknown definition kind %q", kind)
	}
	return res
}

// ParseDocument decodes YAML or JSON bytes into a generic document.
func ParseDocument(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("definition payload is empty")
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("definition is not a mapping")
	}
	return doc, nil
}

// decodeInto routes the generic document through encoding/json so the custom
// unmarshalers on ToolSet and ActionSpec apply.
func decodeInto(doc map[string]any, out any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode definition: %w", err)
	}
	return nil
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
