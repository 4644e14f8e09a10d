package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/timeledger/internal/normalize"
)

// Scenario is one reconciliation test case.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name string `yaml:"name"`

	// Description says what the scenario demonstrates.
	Description string `yaml:"description"`

	// Start is the initial clock reading.
	Start time.Time `yaml:"start"`

	// Location is the IANA zone used for period boundaries. Default UTC.
	Location string `yaml:"location,omitempty"`

	// Policy overrides the default idle thresholds and grace.
	Policy *PolicySpec `yaml:"policy,omitempty"`

	// MergeThreshold overrides the resolver merge threshold.
	MergeThreshold time.Duration `yaml:"merge_threshold,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// PolicySpec overrides engine policy fields. Zero fields keep defaults.
type PolicySpec struct {
	IdleAttendance  time.Duration `yaml:"idle_attendance,omitempty"`
	IdleUtilization time.Duration `yaml:"idle_utilization,omitempty"`
	Grace           time.Duration `yaml:"grace,omitempty"`
}

// Step is one scenario action. Exactly one of its action fields is set.
type Step struct {
	Event   *normalize.RawEvent `yaml:"event,omitempty"`
	Expect  *ExpectClause       `yaml:"expect,omitempty"`
	Clock   *time.Time          `yaml:"clock,omitempty"`
	Advance time.Duration       `yaml:"advance,omitempty"`
	Resolve bool                `yaml:"resolve,omitempty"`
	Recover *time.Time          `yaml:"recover,omitempty"`
}

// ExpectClause checks the outcome of an event step. Empty fields are not
// checked, except that a clause without Error expects success.
type ExpectClause struct {
	Transition string `yaml:"transition,omitempty"`
	Anomaly    string `yaml:"anomaly,omitempty"`
	Duplicate  bool   `yaml:"duplicate,omitempty"`
	Error      string `yaml:"error,omitempty"`
}

// Assertion checks the final ledger or the trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Where selects sessions (session_count, session). Keys: id,
	// subject_id, category, origin_id, state, close_reason, anomaly, merged.
	Where map[string]string `yaml:"where,omitempty"`

	// Expect holds expected values. For session: the Where keys plus
	// started_at, ended_at, last_activity_at, duration, merged_into. For
	// bucket: total, sessions, anomalies.
	Expect map[string]string `yaml:"expect,omitempty"`

	// Count is the expected number of matches (session_count).
	Count int `yaml:"count,omitempty"`

	// Bucket selection.
	SubjectID   string `yaml:"subject_id,omitempty"`
	Category    string `yaml:"category,omitempty"`
	Granularity string `yaml:"granularity,omitempty"`
	Period      string `yaml:"period,omitempty"`

	// Transitions is the expected order of event transitions.
	Transitions []string `yaml:"transitions,omitempty"`
}

// Assertion types.
const (
	AssertSessionCount    = "session_count"
	AssertSession         = "session"
	AssertBucket          = "bucket"
	AssertTransitionOrder = "transition_order"
)

// LoadScenario reads a scenario file. Unknown fields are rejected so typos
// fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

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

// LoadDir loads every *.yaml scenario in dir, ordered by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenarios found in %s", dir)
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
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
	if s.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	if s.Location != "" {
		if _, err := time.LoadLocation(s.Location); err != nil {
			return fmt.Errorf("location: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, st Step) error {
	actions := 0
	if st.Event != nil {
		actions++
	}
	if st.Clock != nil {
		actions++
	}
	if st.Advance != 0 {
		actions++
	}
	if st.Resolve {
		actions++
	}
	if st.Recover != nil {
		actions++
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one of event, clock, advance, resolve, recover is required", i)
	}
	if st.Expect != nil && st.Event == nil {
		return fmt.Errorf("steps[%d]: expect is only valid on event steps", i)
	}
	if st.Advance < 0 {
		return fmt.Errorf("steps[%d]: advance must be positive", i)
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	case AssertSessionCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", i)
		}
	case AssertSession:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for session", i)
		}
	case AssertBucket:
		if a.SubjectID == "" || a.Period == "" {
			return fmt.Errorf("assertions[%d]: subject_id and period are required for bucket", i)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for bucket", i)
		}
	case AssertTransitionOrder:
		if len(a.Transitions) == 0 {
			return fmt.Errorf("assertions[%d]: transitions list is required", i)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
