// Package retrieval compiles retrieval tasks into the metadata predicate sets
// the search backend consumes. Compilation is pure and deterministic: the same
// task always yields the same predicate set, and nothing here touches the index.
package retrieval

import (
	"fmt"

	"github.com/wehubfusion/Delphi/pkg/query"
)

// Operator is a predicate comparison operator.
type Operator string

const (
	OpEq  Operator = "=="
	OpLte Operator = "<="
	OpGte Operator = ">="
)

// Metadata keys the predicates target. These match the columns attached to
// every indexed chunk at ingestion time.
const (
	KeyStartDate    = "start_date"
	KeyEndDate      = "end_date"
	KeyVersion      = "version"
	KeyProtocolType = "protocol_type"
)

// Predicate is one condition against a document metadata field. IntValue is
// used for date keys, StringValue for everything else.
type Predicate struct {
	Key         string   `json:"key"`
	Operator    Operator `json:"operator"`
	StringValue string   `json:"string_value,omitempty"`
	IntValue    int      `json:"int_value,omitempty"`
}

func (p Predicate) String() string {
	if p.Key == KeyStartDate || p.Key == KeyEndDate {
		return fmt.Sprintf("%s %s %d", p.Key, p.Operator, p.IntValue)
	}
	return fmt.Sprintf("%s %s %q", p.Key, p.Operator, p.StringValue)
}

// CompileFilters translates a retrieval task into its predicate set.
//
// Precision tasks with a target date compile to an inclusive interval
// containment test (start_date <= date AND end_date >= date, both sides as
// YYYYMMDD integers); a target version compiles to a version equality.
// A protocol type compiles to an equality in either mode. Global tasks never
// compile date or version predicates: global mode is defined as searching
// across all versions and dates, so those fields are dropped even when a
// misbehaving planner populates them. The system domain field conditions
// query rewriting upstream and is never a filter.
//
// An empty predicate set is a valid result meaning unfiltered search.
func CompileFilters(task query.RetrievalTask) []Predicate {
	var predicates []Predicate

	if task.Mode == query.ModePrecision {
		if date, ok := task.DateAsInt(); ok {
			predicates = append(predicates,
				Predicate{Key: KeyStartDate, Operator: OpLte, IntValue: date},
				Predicate{Key: KeyEndDate, Operator: OpGte, IntValue: date},
			)
		}
		if task.TargetVersion != "" {
			predicates = append(predicates, Predicate{
				Key:         KeyVersion,
				Operator:    OpEq,
				StringValue: task.TargetVersion,
			})
		}
	}

	if task.ProtocolType != "" {
		predicates = append(predicates, Predicate{
			Key:         KeyProtocolType,
			Operator:    OpEq,
			StringValue: string(task.ProtocolType),
		})
	}

	return predicates
}
