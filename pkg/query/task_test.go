package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskValidateAcceptsWellFormedTasks(t *testing.T) {
	tests := []struct {
		name string
		task RetrievalTask
	}{
		{
			name: "precision with date",
			task: RetrievalTask{
				Mode:           ModePrecision,
				TargetDate:     "2023-06-15",
				RewrittenQuery: "AEB CCRs impact speed range",
			},
		},
		{
			name: "precision with version and protocol type",
			task: RetrievalTask{
				Mode:           ModePrecision,
				TargetVersion:  "4.3.1",
				ProtocolType:   TestProtocol,
				RewrittenQuery: "AEB CCRs impact speed range",
			},
		},
		{
			name: "global unconstrained",
			task: RetrievalTask{
				Mode:           ModeGlobal,
				RewrittenQuery: "lane support scoring",
			},
		},
		{
			name: "global with domain",
			task: RetrievalTask{
				Mode:           ModeGlobal,
				SystemDomain:   VulnerableRoadUser,
				RewrittenQuery: "pedestrian AEB scenarios",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.task.Validate())
		})
	}
}

func TestTaskValidateRejectsMalformedTasks(t *testing.T) {
	tests := []struct {
		name string
		task RetrievalTask
	}{
		{
			name: "unknown mode",
			task: RetrievalTask{Mode: "fuzzy", RewrittenQuery: "speed range"},
		},
		{
			name: "empty rewritten query",
			task: RetrievalTask{Mode: ModeGlobal, RewrittenQuery: "   "},
		},
		{
			name: "global with date",
			task: RetrievalTask{Mode: ModeGlobal, TargetDate: "2023-06-15", RewrittenQuery: "speed range"},
		},
		{
			name: "global with version",
			task: RetrievalTask{Mode: ModeGlobal, TargetVersion: "4.0", RewrittenQuery: "speed range"},
		},
		{
			name: "bad date format",
			task: RetrievalTask{Mode: ModePrecision, TargetDate: "15/06/2023", RewrittenQuery: "speed range"},
		},
		{
			name: "unknown protocol type",
			task: RetrievalTask{Mode: ModeGlobal, ProtocolType: "Field Manual", RewrittenQuery: "speed range"},
		},
		{
			name: "unknown system domain",
			task: RetrievalTask{Mode: ModeGlobal, SystemDomain: "Rail", RewrittenQuery: "speed range"},
		},
		{
			name: "comparative term in rewritten query",
			task: RetrievalTask{Mode: ModeGlobal, RewrittenQuery: "difference in speed range"},
		},
		{
			name: "comparative term with punctuation",
			task: RetrievalTask{Mode: ModeGlobal, RewrittenQuery: "speed range, compared."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.task.Validate())
		})
	}
}

func TestPlanValidateReportsTaskIndex(t *testing.T) {
	plan := Plan{Tasks: []RetrievalTask{
		{Mode: ModeGlobal, RewrittenQuery: "speed range"},
		{Mode: "fuzzy", RewrittenQuery: "speed range"},
	}}

	err := plan.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task 1")
}

func TestTaskNormalize(t *testing.T) {
	task := RetrievalTask{
		Mode:           ModePrecision,
		TargetDate:     " 2023-06-15 ",
		TargetVersion:  " v4.3.1 ",
		ProtocolType:   " Test Protocol ",
		RewrittenQuery: "  AEB   CCRs \t speed  range ",
	}.Normalize()

	assert.Equal(t, "2023-06-15", task.TargetDate)
	assert.Equal(t, "4.3.1", task.TargetVersion)
	assert.Equal(t, TestProtocol, task.ProtocolType)
	assert.Equal(t, "AEB CCRs speed range", task.RewrittenQuery)
}

func TestNormalizeQueryText(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeQueryText(" a \n b\tc "))
	assert.Equal(t, "", NormalizeQueryText("   "))
}

func TestDateAsInt(t *testing.T) {
	date, ok := RetrievalTask{Mode: ModePrecision, TargetDate: "2023-06-15"}.DateAsInt()
	require.True(t, ok)
	assert.Equal(t, 20230615, date)

	_, ok = RetrievalTask{Mode: ModeGlobal}.DateAsInt()
	assert.False(t, ok)

	_, ok = RetrievalTask{Mode: ModePrecision, TargetDate: "not-a-date"}.DateAsInt()
	assert.False(t, ok)
}

func TestEffectiveDateLabel(t *testing.T) {
	assert.Equal(t, "Any", RetrievalTask{Mode: ModeGlobal}.EffectiveDateLabel())
	assert.Equal(t, "2023-06-15", RetrievalTask{Mode: ModePrecision, TargetDate: "2023-06-15"}.EffectiveDateLabel())
}

func TestDomainForScenario(t *testing.T) {
	tests := []struct {
		code   string
		domain SystemDomain
		ok     bool
	}{
		{"CCRs", CarToCar, true},
		{"ccrb", CarToCar, true},
		{"CPFA-50", VulnerableRoadUser, true},
		{"CBNA", VulnerableRoadUser, true},
		{"CMRs", VulnerableRoadUser, true},
		{" cpna ", VulnerableRoadUser, true},
		{"LSS", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		domain, ok := DomainForScenario(tt.code)
		assert.Equal(t, tt.ok, ok, "code %q", tt.code)
		assert.Equal(t, tt.domain, domain, "code %q", tt.code)
	}
}
