package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createMemberScenario(name string, fail []Failure, expect *ExpectClause) *Scenario {
	return &Scenario{
		Name:        name,
		Description: "Create one member",
		ServerIDs:   map[string][]string{"member": {"HK1001"}},
		Steps: []Step{
			{
				Create: "member",
				Data:   map[string]any{"name": "Jane Doe", "email": "jane@example.com"},
				Fail:   fail,
				Expect: expect,
			},
		},
		Assertions: []Assertion{
			{Type: AssertCalls, Kind: "member", Op: "create", Count: intPtr(1)},
		},
	}
}

// First run with -update to create golden files:
//
//	go test ./internal/harness -run TestRunWithGolden -update
func TestRunWithGolden_CreateConfirmed(t *testing.T) {
	result, err := RunWithGolden(t, createMemberScenario("create_confirmed", nil, nil))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunWithGolden_CreateRejected(t *testing.T) {
	scenario := createMemberScenario("create_rejected",
		[]Failure{{Status: 409, Message: "Email already registered"}},
		&ExpectClause{Error: "SERVER_REJECTED"},
	)
	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestAssertGolden_FromResult(t *testing.T) {
	scenario := createMemberScenario("create_confirmed", nil, nil)
	result, err := Run(scenario)
	require.NoError(t, err)

	require.NoError(t, AssertGolden(t, "create_confirmed", result))
}

func TestTraceSnapshot_Marshal(t *testing.T) {
	s := TraceSnapshot{
		ScenarioName: "s",
		Trace: []TraceEvent{
			{Seq: 1, Step: "load member", Outcome: OutcomePending},
			{Seq: 2, Step: "load member", Outcome: "NETWORK_FAILURE", Message: "Failed to load member"},
		},
	}

	data, err := s.Marshal()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"s","trace":[{"outcome":"pending","seq":1,"step":"load member"},`+
			`{"message":"Failed to load member","outcome":"NETWORK_FAILURE","seq":2,"step":"load member"}]}`,
		string(data))
}

func TestRun_Deterministic(t *testing.T) {
	scenario := createMemberScenario("create_confirmed", nil, nil)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.State, second.State)
}
