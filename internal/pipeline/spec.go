// Package pipeline turns a YAML pipeline file into a runnable wiring:
// a validated execution graph, constructed plugin instances, and the
// engine settings derived from the file. Everything that can be wrong
// with a pipeline definition surfaces here, before a run begins and
// before anything reaches the audit trail.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/engine"
)

// Step kinds accepted in the steps list.
const (
	KindTransform   = "transform"
	KindGate        = "gate"
	KindAggregation = "aggregation"
	KindCoalesce    = "coalesce"
)

// Payload store backends.
const (
	BackendFilesystem = "filesystem"
	BackendRedis      = "redis"
	BackendMemory     = "memory"
)

// Spec is the parsed form of a pipeline YAML file. Steps run in
// declaration order; routing and forking are declared on the steps
// themselves and resolved when the graph is built.
//
//nolint:tagliatelle // snake_case is intentional for YAML pipeline files
type Spec struct {
	// Pipeline is an optional human-readable name. It has no effect on
	// execution.
	Pipeline string `yaml:"pipeline"`

	Source SourceSpec          `yaml:"source"`
	Steps  []StepSpec          `yaml:"steps"`
	Sinks  map[string]SinkSpec `yaml:"sinks"`

	// DefaultSink receives tokens that complete the final step without
	// being routed elsewhere.
	DefaultSink string `yaml:"default_sink"`

	// BranchSinks overrides the default sink per fork branch. Keys are
	// branch names declared in some step's fork_to.
	BranchSinks map[string]string `yaml:"branch_sinks"`

	Retry        *RetrySpec        `yaml:"retry"`
	PayloadStore *PayloadStoreSpec `yaml:"payload_store"`

	// Checkpoints enables checkpoint records after each sink delivery,
	// making the run resumable.
	Checkpoints bool `yaml:"checkpoints"`

	// raw holds the file bytes Load parsed, for config hashing.
	raw []byte
}

// SourceSpec declares the single source node.
//
//nolint:tagliatelle // snake_case is intentional for YAML pipeline files
type SourceSpec struct {
	Plugin string `yaml:"plugin"`

	// NodeID defaults to the plugin name.
	NodeID string `yaml:"node_id"`

	// OnInvalid names the sink receiving rows the source declares
	// invalid. Empty or "discard" quarantines them without routing.
	OnInvalid string `yaml:"on_invalid"`

	Options map[string]any `yaml:"options"`
	Schema  map[string]any `yaml:"schema"`
}

// StepSpec declares one processing step. Kind selects which of the
// remaining fields apply.
//
//nolint:tagliatelle // snake_case is intentional for YAML pipeline files
type StepSpec struct {
	Kind   string `yaml:"kind"`
	NodeID string `yaml:"node_id"`

	// Plugin names the registered plugin backing this step. Required
	// for transforms and aggregations; for gates it is mutually
	// exclusive with Condition.
	Plugin string `yaml:"plugin"`

	Options map[string]any `yaml:"options"`
	Schema  map[string]any `yaml:"schema"`

	// OnError names the sink receiving rows a transform declares as
	// errors. Empty means an error result is a plugin bug; "discard"
	// quarantines without routing.
	OnError string `yaml:"on_error"`

	// Condition is a CEL expression making this a config gate. The
	// expression's boolean or string result selects the route label.
	Condition string `yaml:"condition"`

	// Routes maps gate result labels to "continue", "fork", or a sink
	// name.
	Routes map[string]string `yaml:"routes"`

	// ForkTo names the branches spawned when a route resolves to
	// "fork".
	ForkTo []string `yaml:"fork_to"`

	// Trigger bounds the open batch of an aggregation step. Without it
	// the batch flushes only when the source ends.
	Trigger *TriggerSpec `yaml:"trigger"`

	// Coalesce fields.
	Branches     []string `yaml:"branches"`
	Policy       string   `yaml:"policy"`
	Merge        string   `yaml:"merge"`
	SelectBranch string   `yaml:"select_branch"`
	QuorumCount  int      `yaml:"quorum_count"`
	Timeout      string   `yaml:"timeout"`
}

// SinkSpec declares a named sink.
//
//nolint:tagliatelle // snake_case is intentional for YAML pipeline files
type SinkSpec struct {
	Plugin string `yaml:"plugin"`

	// NodeID defaults to the sink's name.
	NodeID string `yaml:"node_id"`

	Options map[string]any `yaml:"options"`
	Schema  map[string]any `yaml:"schema"`
}

// TriggerSpec declares when an aggregation flushes. Zero-valued fields
// leave that trigger disabled; end of source always flushes.
//
//nolint:tagliatelle // snake_case is intentional for YAML pipeline files
type TriggerSpec struct {
	Count    int    `yaml:"count"`
	MaxBytes int64  `yaml:"max_bytes"`
	Timeout  string `yaml:"timeout"`

	// Condition is a CEL expression over `row` and `batch` (count,
	// bytes). True flushes the batch.
	Condition string `yaml:"condition"`
}

// RetrySpec configures transform retry backoff. Zero-valued fields take
// the engine defaults.
//
//nolint:tagliatelle // snake_case is intentional for YAML pipeline files
type RetrySpec struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	InitialDelay string  `yaml:"initial_delay"`
	MaxDelay     string  `yaml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier"`
	Jitter       float64 `yaml:"jitter"`
}

// PayloadStoreSpec selects where row payloads above the inline
// threshold live.
//
//nolint:tagliatelle // snake_case is intentional for YAML pipeline files
type PayloadStoreSpec struct {
	Backend string `yaml:"backend"`

	// Filesystem backend.
	Path      string `yaml:"path"`
	Retention string `yaml:"retention"`

	// Redis backend.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      string `yaml:"ttl"`
}

// Load reads and parses a pipeline file. Unlike optional config files,
// the pipeline file is the program: a missing or unparseable file is an
// error, never a silent default.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is the operator's pipeline file
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline file %s: %w", path, err)
	}

	return spec, nil
}

// Parse decodes pipeline YAML. Unknown keys are rejected so a
// misspelled option fails here instead of being ignored at run time.
func Parse(data []byte) (*Spec, error) {
	var spec Spec

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("pipeline file is empty")
		}

		return nil, fmt.Errorf("failed to parse pipeline yaml: %w", err)
	}

	spec.raw = append([]byte(nil), data...)
	spec.applyDefaults()

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}

// Hash returns the config hash recorded on runs started from this
// spec: the digest of the raw file bytes, so any edit to the file
// changes the hash even when the parsed form is equivalent.
func (s *Spec) Hash() string {
	return audit.HashBytes(s.raw)
}

// applyDefaults fills derivable fields: node ids and coalesce policy
// and merge strategy.
func (s *Spec) applyDefaults() {
	if s.Source.NodeID == "" {
		s.Source.NodeID = s.Source.Plugin
	}

	for name, sink := range s.Sinks {
		if sink.NodeID == "" {
			sink.NodeID = name
			s.Sinks[name] = sink
		}
	}

	for i := range s.Steps {
		step := &s.Steps[i]
		if step.Kind != KindCoalesce {
			continue
		}

		if step.Policy == "" {
			step.Policy = string(engine.PolicyRequireAll)
		}

		if step.Merge == "" {
			step.Merge = string(engine.MergeUnion)
		}
	}
}

// Validate checks the spec's shape: required fields, step kinds, and
// cross-references that do not need the plugin registry. Assemble runs
// it again, so specs built in code get the same checks as loaded files.
func (s *Spec) Validate() error {
	if s.Source.Plugin == "" {
		return errors.New("source: plugin is required")
	}

	if len(s.Sinks) == 0 {
		return errors.New("sinks: at least one sink is required")
	}

	for name, sink := range s.Sinks {
		if sink.Plugin == "" {
			return fmt.Errorf("sink %q: plugin is required", name)
		}
	}

	if s.DefaultSink == "" {
		return errors.New("default_sink is required")
	}

	if _, ok := s.Sinks[s.DefaultSink]; !ok {
		return fmt.Errorf("default_sink %q is not a declared sink", s.DefaultSink)
	}

	forked := map[string]bool{}

	for i := range s.Steps {
		step := &s.Steps[i]
		if err := step.validate(i); err != nil {
			return err
		}

		for _, branch := range step.ForkTo {
			forked[branch] = true
		}
	}

	for branch, sink := range s.BranchSinks {
		if !forked[branch] {
			return fmt.Errorf("branch_sinks: branch %q is not declared in any fork_to", branch)
		}

		if _, ok := s.Sinks[sink]; !ok {
			return fmt.Errorf("branch_sinks: branch %q routes to unknown sink %q", branch, sink)
		}
	}

	return nil
}

func (st *StepSpec) validate(index int) error {
	if st.NodeID == "" {
		return fmt.Errorf("steps[%d]: node_id is required", index)
	}

	switch st.Kind {
	case KindTransform:
		if st.Plugin == "" {
			return fmt.Errorf("step %q: plugin is required", st.NodeID)
		}
	case KindGate:
		return st.validateGate()
	case KindAggregation:
		if st.Plugin == "" {
			return fmt.Errorf("step %q: plugin is required", st.NodeID)
		}

		// Aggregation nodes have no divert edge, so declared errors can
		// only be discarded.
		if st.OnError != "" && st.OnError != "discard" {
			return fmt.Errorf("aggregation %q: on_error must be empty or \"discard\", got %q", st.NodeID, st.OnError)
		}

		if st.Trigger != nil {
			return st.Trigger.validate(st.NodeID)
		}
	case KindCoalesce:
		return st.validateCoalesce()
	case "":
		return fmt.Errorf("step %q: kind is required", st.NodeID)
	default:
		return fmt.Errorf("step %q: unknown kind %q", st.NodeID, st.Kind)
	}

	return nil
}

func (st *StepSpec) validateGate() error {
	switch {
	case st.Plugin == "" && st.Condition == "":
		return fmt.Errorf("gate %q: either plugin or condition is required", st.NodeID)
	case st.Plugin != "" && st.Condition != "":
		return fmt.Errorf("gate %q: plugin and condition are mutually exclusive", st.NodeID)
	case len(st.Routes) == 0:
		return fmt.Errorf("gate %q: routes are required", st.NodeID)
	}

	if len(st.ForkTo) > 0 {
		forks := false

		for _, target := range st.Routes {
			if target == "fork" {
				forks = true

				break
			}
		}

		if !forks {
			return fmt.Errorf("gate %q: fork_to is declared but no route targets \"fork\"", st.NodeID)
		}
	}

	return nil
}

func (st *StepSpec) validateCoalesce() error {
	if len(st.Branches) == 0 {
		return fmt.Errorf("coalesce %q: branches are required", st.NodeID)
	}

	switch engine.CoalescePolicy(st.Policy) {
	case engine.PolicyRequireAll, engine.PolicyBestEffort, engine.PolicyFirst:
	case engine.PolicyQuorum:
		if st.QuorumCount < 1 || st.QuorumCount > len(st.Branches) {
			return fmt.Errorf("coalesce %q: quorum_count %d is outside 1..%d", st.NodeID, st.QuorumCount, len(st.Branches))
		}
	default:
		return fmt.Errorf("coalesce %q: unknown policy %q", st.NodeID, st.Policy)
	}

	switch engine.MergeStrategy(st.Merge) {
	case engine.MergeUnion, engine.MergeNested:
	case engine.MergeSelect, engine.MergePrimary:
		if !slices.Contains(st.Branches, st.SelectBranch) {
			return fmt.Errorf("coalesce %q: merge strategy %q needs select_branch from %v, got %q",
				st.NodeID, st.Merge, st.Branches, st.SelectBranch)
		}
	default:
		return fmt.Errorf("coalesce %q: unknown merge strategy %q", st.NodeID, st.Merge)
	}

	if st.Timeout != "" {
		if _, err := parseDuration("timeout", st.Timeout); err != nil {
			return fmt.Errorf("coalesce %q: %w", st.NodeID, err)
		}
	}

	return nil
}

func (t *TriggerSpec) validate(nodeID string) error {
	if t.Count < 0 {
		return fmt.Errorf("aggregation %q: trigger count must not be negative", nodeID)
	}

	if t.MaxBytes < 0 {
		return fmt.Errorf("aggregation %q: trigger max_bytes must not be negative", nodeID)
	}

	if t.Timeout != "" {
		if _, err := parseDuration("timeout", t.Timeout); err != nil {
			return fmt.Errorf("aggregation %q trigger: %w", nodeID, err)
		}
	}

	if t.Count == 0 && t.MaxBytes == 0 && t.Timeout == "" && t.Condition == "" {
		return fmt.Errorf("aggregation %q: trigger declares no count, max_bytes, timeout, or condition", nodeID)
	}

	return nil
}

// parseDuration parses a YAML duration string such as "30s" or "1h15m".
func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a valid duration", field, value)
	}

	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %q", field, value)
	}

	return d, nil
}
