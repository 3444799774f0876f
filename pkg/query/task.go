// Package query defines the retrieval plan model produced by the planner
// collaborator: retrieval tasks, plans, and the validation rules the engine
// enforces on planner output before dispatching it.
package query

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Mode selects the retrieval scope of a task.
type Mode string

const (
	// ModePrecision scopes retrieval to a specific effective date and/or version.
	ModePrecision Mode = "precision"

	// ModeGlobal spans the full document history, ignoring date and version.
	ModeGlobal Mode = "global"
)

// ProtocolType classifies the document set a task targets.
type ProtocolType string

const (
	TestProtocol       ProtocolType = "Test Protocol"
	AssessmentProtocol ProtocolType = "Assessment Protocol"
)

// SystemDomain classifies the safety system family a task concerns.
type SystemDomain string

const (
	CarToCar           SystemDomain = "Car-to-Car"
	VulnerableRoadUser SystemDomain = "Vulnerable Road User"
)

// comparativeTerms are operator words the planner must strip from rewritten
// queries. A rewritten query containing one of these is malformed planner
// output, not a retrievable noun phrase.
var comparativeTerms = map[string]bool{
	"compare":    true,
	"compared":   true,
	"difference": true,
	"changed":    true,
	"new":        true,
	"old":        true,
}

// RetrievalTask is one atomic retrieval intent. Tasks are immutable once
// produced by the planner; each task is consumed by exactly one retrieval
// dispatch.
type RetrievalTask struct {
	// Mode is "precision" (specific date/version) or "global" (historical evolution).
	Mode Mode `json:"mode"`

	// TargetDate is the target effective date in YYYY-MM-DD form.
	// Empty unless Mode is precision.
	TargetDate string `json:"target_date,omitempty"`

	// TargetVersion is the target version string (e.g. "1.0", "4.3.1").
	// Empty unless Mode is precision.
	TargetVersion string `json:"target_version,omitempty"`

	// ProtocolType is "Test Protocol" or "Assessment Protocol", empty when
	// the task does not constrain the document type.
	ProtocolType ProtocolType `json:"protocol_type,omitempty"`

	// SystemDomain conditions the planner's query rewriting. It is never
	// used for document filtering.
	SystemDomain SystemDomain `json:"system_domain,omitempty"`

	// RewrittenQuery is the search topic as a noun phrase, with comparative
	// and temporal operator words stripped.
	RewrittenQuery string `json:"rewritten_query"`
}

// Plan is the ordered task list produced once per run by the planner.
// An empty plan is a valid terminal state, not an error.
type Plan struct {
	Tasks []RetrievalTask `json:"tasks"`
}

// Size returns the number of tasks in the plan.
func (p Plan) Size() int { return len(p.Tasks) }

// Empty reports whether the plan contains no tasks.
func (p Plan) Empty() bool { return len(p.Tasks) == 0 }

// Validate checks a single task against the plan invariants. Violations mean
// the planner produced malformed output; the engine treats them as a planning
// failure rather than guessing at intent.
func (t RetrievalTask) Validate() error {
	switch t.Mode {
	case ModePrecision, ModeGlobal:
	default:
		return fmt.Errorf("unknown retrieval mode %q", t.Mode)
	}

	if strings.TrimSpace(t.RewrittenQuery) == "" {
		return fmt.Errorf("rewritten query must not be empty")
	}

	if t.Mode == ModeGlobal && (t.TargetDate != "" || t.TargetVersion != "") {
		return fmt.Errorf("global mode task carries date %q / version %q", t.TargetDate, t.TargetVersion)
	}

	if t.TargetDate != "" {
		if _, err := time.Parse("2006-01-02", t.TargetDate); err != nil {
			return fmt.Errorf("target date %q is not YYYY-MM-DD: %w", t.TargetDate, err)
		}
	}

	switch t.ProtocolType {
	case "", TestProtocol, AssessmentProtocol:
	default:
		return fmt.Errorf("unknown protocol type %q", t.ProtocolType)
	}

	switch t.SystemDomain {
	case "", CarToCar, VulnerableRoadUser:
	default:
		return fmt.Errorf("unknown system domain %q", t.SystemDomain)
	}

	for _, word := range strings.Fields(strings.ToLower(t.RewrittenQuery)) {
		if comparativeTerms[strings.Trim(word, ".,;:")] {
			return fmt.Errorf("rewritten query contains comparative term %q", word)
		}
	}

	return nil
}

// Validate checks every task in the plan.
func (p Plan) Validate() error {
	for i, t := range p.Tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

// Normalize returns a copy of the task with its text fields cleaned up:
// Unicode NFC normalization and whitespace folding on the rewritten query,
// trimmed scalar fields. Planner output crosses a model boundary, so the
// engine normalizes before validating.
func (t RetrievalTask) Normalize() RetrievalTask {
	t.RewrittenQuery = NormalizeQueryText(t.RewrittenQuery)
	t.TargetDate = strings.TrimSpace(t.TargetDate)
	t.TargetVersion = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t.TargetVersion), "v"))
	t.ProtocolType = ProtocolType(strings.TrimSpace(string(t.ProtocolType)))
	t.SystemDomain = SystemDomain(strings.TrimSpace(string(t.SystemDomain)))
	return t
}

// Normalize returns a copy of the plan with every task normalized.
func (p Plan) Normalize() Plan {
	tasks := make([]RetrievalTask, len(p.Tasks))
	for i, t := range p.Tasks {
		tasks[i] = t.Normalize()
	}
	return Plan{Tasks: tasks}
}

// NormalizeQueryText applies Unicode NFC normalization and collapses runs of
// whitespace to single spaces.
func NormalizeQueryText(s string) string {
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// DateAsInt converts the task's target date to its YYYYMMDD integer form.
// Returns false when no target date is set or it does not parse.
func (t RetrievalTask) DateAsInt() (int, bool) {
	if t.TargetDate == "" {
		return 0, false
	}
	parsed, err := time.Parse("2006-01-02", t.TargetDate)
	if err != nil {
		return 0, false
	}
	return parsed.Year()*10000 + int(parsed.Month())*100 + parsed.Day(), true
}

// EffectiveDateLabel returns the target date for display, or "Any" when the
// task is not date-scoped.
func (t RetrievalTask) EffectiveDateLabel() string {
	if t.TargetDate == "" {
		return "Any"
	}
	return t.TargetDate
}

// DomainForScenario maps a scenario code to its system domain under the fixed
// planner contract: codes beginning "CC" are Car-to-Car, codes beginning
// "CP", "CB" or "CM" are Vulnerable Road User, anything else has no domain.
func DomainForScenario(code string) (SystemDomain, bool) {
	upper := strings.ToUpper(cases.Fold().String(norm.NFC.String(strings.TrimSpace(code))))
	switch {
	case strings.HasPrefix(upper, "CC"):
		return CarToCar, true
	case strings.HasPrefix(upper, "CP"), strings.HasPrefix(upper, "CB"), strings.HasPrefix(upper, "CM"):
		return VulnerableRoadUser, true
	default:
		return "", false
	}
}
