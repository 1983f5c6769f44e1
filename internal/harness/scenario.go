package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offq/internal/op"
)

// Scenario is one conformance run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Config Config `yaml:"config,omitempty"`

	// Transport maps a resource to the outcomes its submissions get.
	Transport map[string][]string `yaml:"transport,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`

	// Timeout bounds each waiting step. Defaults to DefaultStepTimeout.
	Timeout string `yaml:"timeout,omitempty"`
}

// Config tunes the engine for a scenario.
type Config struct {
	MaxAttempts   int    `yaml:"max_attempts,omitempty"`
	MaxOperations int    `yaml:"max_operations,omitempty"`
	BackoffBase   string `yaml:"backoff_base,omitempty"`
	BackoffMax    string `yaml:"backoff_max,omitempty"`
}

// Step is a single scenario action. Exactly one field is set.
type Step struct {
	Enqueue     *EnqueueStep `yaml:"enqueue,omitempty"`
	Cancel      *CancelStep  `yaml:"cancel,omitempty"`
	Online      bool         `yaml:"online,omitempty"`
	Offline     bool         `yaml:"offline,omitempty"`
	Process     bool         `yaml:"process,omitempty"`
	AwaitSubmit int          `yaml:"await_submit,omitempty"`
	WaitIdle    bool         `yaml:"wait_idle,omitempty"`
	Restart     bool         `yaml:"restart,omitempty"`
}

// EnqueueStep queues an operation.
type EnqueueStep struct {
	Alias    string `yaml:"alias"`
	Kind     string `yaml:"kind,omitempty"` // defaults to create
	Resource string `yaml:"resource"`
	Payload  any    `yaml:"payload,omitempty"`
	Intent   string `yaml:"intent,omitempty"`

	// ExpectError is the RuntimeError code the call must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// CancelStep cancels an aliased operation.
type CancelStep struct {
	Alias string `yaml:"alias"`

	// ExpectError is "in_flight" or "not_found".
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Action names the step's action.
func (s Step) Action() string {
	var set []string
	if s.Enqueue != nil {
		set = append(set, "enqueue")
	}
	if s.Cancel != nil {
		set = append(set, "cancel")
	}
	if s.Online {
		set = append(set, "online")
	}
	if s.Offline {
		set = append(set, "offline")
	}
	if s.Process {
		set = append(set, "process")
	}
	if s.AwaitSubmit > 0 {
		set = append(set, "await_submit")
	}
	if s.WaitIdle {
		set = append(set, "wait_idle")
	}
	if s.Restart {
		set = append(set, "restart")
	}
	if len(set) != 1 {
		return ""
	}
	return set[0]
}

// Assertion validates the final state of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Alias names an operation (same_key, not_submitted, terminal).
	Alias string `yaml:"alias,omitempty"`

	// Aliases is the expected submission order (submissions).
	Aliases []string `yaml:"aliases,omitempty"`

	// Count is the expected queue size (queue_size).
	Count int `yaml:"count"`

	// Code optionally pins the terminal error code (terminal).
	Code string `yaml:"code,omitempty"`
}

// Assertion types.
const (
	AssertQueueSize    = "queue_size"
	AssertSubmissions  = "submissions"
	AssertSameKey      = "same_key"
	AssertNotSubmitted = "not_submitted"
	AssertTerminal     = "terminal"
)

// DefaultStepTimeout bounds waiting steps.
const DefaultStepTimeout = 10 * time.Second

// LoadScenario reads and validates a scenario file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios expands paths into scenario files. Directories contribute
// their *.yaml and *.yml files, sorted.
func FindScenarios(paths ...string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("scenario path: %w", err)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("read scenario dir: %w", err)
		}
		var found []string
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				found = append(found, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Timeout != "" {
		if _, err := time.ParseDuration(s.Timeout); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
	}
	if _, _, err := s.Config.durations(); err != nil {
		return err
	}
	if s.Config.MaxAttempts < 0 || s.Config.MaxOperations < 0 {
		return fmt.Errorf("config: limits must be non-negative")
	}

	for resource, outcomes := range s.Transport {
		for i, raw := range outcomes {
			if _, err := ParseOutcome(raw); err != nil {
				return fmt.Errorf("transport[%s][%d]: %w", resource, i, err)
			}
		}
	}

	aliases := map[string]bool{}
	for i, step := range s.Steps {
		action := step.Action()
		switch action {
		case "":
			return fmt.Errorf("steps[%d]: exactly one action is required", i)
		case "enqueue":
			e := step.Enqueue
			if e.Alias == "" {
				return fmt.Errorf("steps[%d].enqueue: alias is required", i)
			}
			if e.Resource == "" {
				return fmt.Errorf("steps[%d].enqueue: resource is required", i)
			}
			if e.Kind != "" {
				if _, err := op.ParseKind(e.Kind); err != nil {
					return fmt.Errorf("steps[%d].enqueue: %w", i, err)
				}
			}
			if e.ExpectError == "" {
				if aliases[e.Alias] {
					return fmt.Errorf("steps[%d].enqueue: duplicate alias %q", i, e.Alias)
				}
				aliases[e.Alias] = true
			}
		case "cancel":
			c := step.Cancel
			if !aliases[c.Alias] {
				return fmt.Errorf("steps[%d].cancel: unknown alias %q", i, c.Alias)
			}
			switch c.ExpectError {
			case "", "in_flight", "not_found":
			default:
				return fmt.Errorf("steps[%d].cancel: expect_error must be in_flight or not_found", i)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, aliases); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion, aliases map[string]bool) error {
	known := func(alias string) error {
		if !aliases[alias] {
			return fmt.Errorf("assertions[%d]: unknown alias %q", index, alias)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertQueueSize:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertSubmissions:
		for _, alias := range a.Aliases {
			if err := known(alias); err != nil {
				return err
			}
		}
	case AssertSameKey, AssertNotSubmitted, AssertTerminal:
		if a.Alias == "" {
			return fmt.Errorf("assertions[%d]: alias is required for %s", index, a.Type)
		}
		return known(a.Alias)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func (c Config) durations() (base, max time.Duration, err error) {
	base, max = time.Millisecond, 4*time.Millisecond
	if c.BackoffBase != "" {
		if base, err = time.ParseDuration(c.BackoffBase); err != nil {
			return 0, 0, fmt.Errorf("config.backoff_base: %w", err)
		}
	}
	if c.BackoffMax != "" {
		if max, err = time.ParseDuration(c.BackoffMax); err != nil {
			return 0, 0, fmt.Errorf("config.backoff_max: %w", err)
		}
	}
	return base, max, nil
}

// ParseOutcome reads a transport script entry.
func ParseOutcome(raw string) (Outcome, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 3)
	switch parts[0] {
	case "delivered":
		if len(parts) > 1 {
			return Outcome{}, fmt.Errorf("delivered takes no class")
		}
		return Outcome{Outcome: op.DeliveredOutcome()}, nil
	case "hang":
		if len(parts) > 1 {
			return Outcome{}, fmt.Errorf("hang takes no class")
		}
		return Outcome{Hang: true}, nil
	case "retryable", "terminal":
		if len(parts) < 2 || parts[1] == "" {
			return Outcome{}, fmt.Errorf("%s outcome needs a failure class", parts[0])
		}
		class := op.FailureClass(parts[1])
		reason := "scripted " + parts[0] + " failure"
		if len(parts) == 3 {
			reason = parts[2]
		}
		if parts[0] == "retryable" {
			return Outcome{Outcome: op.RetryableOutcome(class, reason)}, nil
		}
		return Outcome{Outcome: op.TerminalOutcome(class, reason)}, nil
	default:
		return Outcome{}, fmt.Errorf("unknown outcome %q", raw)
	}
}

// Outcome is a parsed script entry.
type Outcome struct {
	Outcome op.Outcome
	Hang    bool
}
