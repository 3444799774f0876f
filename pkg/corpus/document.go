// Package corpus defines the document metadata model shared between the
// retrieval collaborators and the workflow engine. Each indexed chunk carries
// the metadata columns loaded by the ingestion pipeline: file name, version,
// validity window and protocol classification.
package corpus

import "fmt"

// Protocol type values carried in document metadata.
const (
	TestProtocol       = "Test Protocol"
	AssessmentProtocol = "Assessment Protocol"
)

// System domain values carried in document metadata.
const (
	CarToCar           = "Car-to-Car"
	VulnerableRoadUser = "Vulnerable Road User"
)

// Document is one retrieved chunk of a protocol document together with the
// metadata the filter predicates target. StartDate and EndDate are validity
// bounds encoded as YYYYMMDD integers so date containment can be tested with
// plain integer comparison.
type Document struct {
	FileName     string  `json:"file_name"`
	Version      string  `json:"version"`
	StartDate    int     `json:"start_date"`
	EndDate      int     `json:"end_date"`
	ProtocolType string  `json:"protocol_type"`
	SystemDomain string  `json:"system_domain,omitempty"`
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
}

// ValidOn reports whether the document's validity window contains the given
// YYYYMMDD date. Both bounds are inclusive.
func (d Document) ValidOn(date int) bool {
	return d.StartDate <= date && d.EndDate >= date
}

// Label returns a short human-readable identifier used in logs.
func (d Document) Label() string {
	return fmt.Sprintf("%s (v%s)", d.FileName, d.Version)
}
