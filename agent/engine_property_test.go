package agent_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dossierbot/dossier/agent"
	"github.com/dossierbot/dossier/testutil/mocks"
	"github.com/dossierbot/dossier/tools"
)

// Property: a run terminates within its iteration budget even against a
// model that never volunteers to stop.
func TestProperty_RunAlwaysTerminates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("adversarial always-continue model terminates at the cap", prop.ForAll(
		func(maxIterations int) bool {
			registry := tools.NewDefaultRegistry(nil)
			if _, err := mocks.RegisterEchoTool(registry, "web_search"); err != nil {
				return false
			}

			provider := mocks.NewMockProvider().WithResponse("1. Research endlessly")
			for i := 0; i < maxIterations; i++ {
				provider.
					WithResponse(`{"action": "web_search", "input": {"text": "more"}}`).
					WithResponse("NEXT: keep going")
			}

			eng, err := agent.NewEngine(agent.EngineConfig{MaxIterations: maxIterations},
				provider, registry, mocks.NewMockMemory())
			if err != nil {
				return false
			}

			st, err := eng.Run(context.Background(), "conv-p", "never stop", nil)
			if err != nil {
				t.Logf("run failed: %v", err)
				return false
			}
			if st.Status != agent.StatusFinalized {
				t.Logf("expected finalized, got %s", st.Status)
				return false
			}
			return st.IterationCount == maxIterations
		},
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

// Property: every iteration selects exactly one action; the action log never
// grows faster than the iteration count.
func TestProperty_SingleActionPerIteration(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("action log length equals completed act steps", prop.ForAll(
		func(cycles int) bool {
			registry := tools.NewDefaultRegistry(nil)
			if err := tools.RegisterCalculator(registry); err != nil {
				return false
			}

			provider := mocks.NewMockProvider().WithResponse("1. Compute")
			for i := 0; i < cycles; i++ {
				provider.
					WithResponse(`{"action": "calculator", "input": {"expression": "1+1"}}`).
					WithResponse("NEXT: once more")
			}
			provider.WithResponse("finalize").WithResponse("BRIEFING\n- counted")

			eng, err := agent.NewEngine(agent.EngineConfig{MaxIterations: cycles + 2},
				provider, registry, mocks.NewMockMemory())
			if err != nil {
				return false
			}

			st, err := eng.Run(context.Background(), "conv-p", "count for me", nil)
			if err != nil {
				return false
			}
			return len(st.ActionLog) == cycles
		},
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

// Property: event sequence numbers are dense and monotone, and the terminal
// event is always final or error, for arbitrary decision/reflection scripts.
func TestEventOrdering_Rapid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		registry := tools.NewDefaultRegistry(nil)
		require.NoError(rt, tools.RegisterCalculator(registry))

		provider := mocks.NewMockProvider().WithResponse("1. Work the request")

		cycles := rapid.IntRange(0, 3).Draw(rt, "cycles")
		for i := 0; i < cycles; i++ {
			if rapid.Bool().Draw(rt, "useTool") {
				provider.WithResponse(`{"action": "calculator", "input": {"expression": "2+2"}}`)
			} else {
				// Unknown action forces finalize; remaining script goes unused.
				provider.WithResponse("teleport")
				break
			}
			provider.WithResponse("NEXT: continue")
		}
		provider.WithResponse("finalize").WithResponse("BRIEFING\n- done")

		eng, err := agent.NewEngine(agent.EngineConfig{MaxIterations: 8},
			provider, registry, mocks.NewMockMemory())
		require.NoError(rt, err)

		sink := &collector{}
		_, err = eng.Run(context.Background(), "conv-r", "do the thing", sink)
		require.NoError(rt, err)

		evs := sink.all()
		require.NotEmpty(rt, evs)
		for i, ev := range evs {
			require.Equal(rt, i, ev.Sequence, "sequence must be dense and monotone")
		}
		last := evs[len(evs)-1].Type
		require.True(rt, last == agent.EventFinal || last == agent.EventError,
			"terminal event must be final or error, got %s", last)
	})
}
