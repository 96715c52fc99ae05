package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dossierbot/dossier/agent"
	"github.com/dossierbot/dossier/llm/retry"
	"github.com/dossierbot/dossier/testutil/mocks"
	"github.com/dossierbot/dossier/tools"
)

// fastRetryer keeps retry delays out of test time.
func fastRetryer(t *testing.T, maxRetries int) retry.Retryer {
	t.Helper()
	return retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   1.0,
	}, zap.NewNop())
}

func newTestEngine(t *testing.T, provider *mocks.MockProvider, mem *mocks.MockMemory, registry tools.Registry, cfg agent.EngineConfig) *agent.Engine {
	t.Helper()
	if registry == nil {
		registry = tools.NewDefaultRegistry(nil)
	}
	eng, err := agent.NewEngine(cfg, provider, registry, mem,
		agent.WithRetryer(fastRetryer(t, 2)))
	require.NoError(t, err)
	return eng
}

// collector gathers run events for assertion.
type collector struct {
	mu     sync.Mutex
	events []agent.Event
}

func (c *collector) Emit(ev agent.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) all() []agent.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]agent.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) types() []agent.EventType {
	var out []agent.EventType
	for _, ev := range c.all() {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunCalculatorHappyPath(t *testing.T) {
	registry := tools.NewDefaultRegistry(nil)
	require.NoError(t, tools.RegisterCalculator(registry))

	provider := mocks.NewMockProvider().
		WithResponse("1. Compute the requested sum\n2. Report the result").
		WithResponse(`{"action": "calculator", "input": {"expression": "19+23"}}`).
		WithResponse("BRIEFING\n- 19+23 equals 42")
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, registry, agent.EngineConfig{})
	sink := &collector{}

	st, err := eng.Run(context.Background(), "conv-1", "what is 19+23?", sink)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusFinalized, st.Status)
	assert.Contains(t, st.FinalAnswer, "42")
	require.Len(t, st.ActionLog, 1)
	assert.Equal(t, "calculator", st.ActionLog[0].Action)
	assert.Empty(t, st.ActionLog[0].Error)
	assert.Contains(t, string(st.ActionLog[0].Result), "42")

	assert.Equal(t, []agent.EventType{
		agent.EventPlan,
		agent.EventDecision,
		agent.EventToolResult,
		agent.EventReflection,
		agent.EventFinal,
	}, sink.types())

	// Both commit points landed: the user turn and the final answer.
	turns := mem.Turns("conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Contains(t, turns[1].Content, "42")
}

func TestRunDirectAnswerComposesBriefing(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponse("1. Answer directly with available knowledge").
		WithResponse(`{"action": "finalize"}`).
		WithResponse("BRIEFING\n- Paris is the capital of France.")
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, nil, agent.EngineConfig{})
	sink := &collector{}

	st, err := eng.Run(context.Background(), "conv-1", "what is the capital of France?", sink)
	require.NoError(t, err)

	// A no-tool question answered by a deliberate finalize is the most common
	// run; it must produce a model-composed answer, never the fallback text.
	assert.Equal(t, agent.StatusFinalized, st.Status)
	assert.Contains(t, st.FinalAnswer, "Paris")
	assert.NotContains(t, st.FinalAnswer, "unable to complete")
	assert.Empty(t, st.ActionLog)
	assert.Equal(t, 3, provider.Calls())

	assert.Equal(t, []agent.EventType{
		agent.EventPlan,
		agent.EventDecision,
		agent.EventReflection,
		agent.EventFinal,
	}, sink.types())

	turns := mem.Turns("conv-1")
	require.Len(t, turns, 2)
	assert.Contains(t, turns[1].Content, "Paris")
}

func TestRunUnknownActionForcesFinalize(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponse("1. Figure out what to do").
		WithResponse("BANANA")
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, nil, agent.EngineConfig{})
	sink := &collector{}

	st, err := eng.Run(context.Background(), "conv-1", "please help", sink)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusFinalized, st.Status)
	assert.Empty(t, st.ActionLog)
	assert.Contains(t, st.FinalAnswer, "incomplete")
	// Only plan and decide hit the model.
	assert.Equal(t, 2, provider.Calls())

	evs := sink.all()
	final := evs[len(evs)-1]
	assert.Equal(t, agent.EventFinal, final.Type)
	assert.Equal(t, agent.StatusFinalized, final.Status)
}

func TestRunUnparseableDecisionForcesFinalize(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponse("1. Do something useful").
		WithResponse("I cannot really decide between several options here")
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, nil, agent.EngineConfig{})

	st, err := eng.Run(context.Background(), "conv-1", "please help", nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusFinalized, st.Status)
	assert.Contains(t, st.FinalAnswer, "incomplete")
}

func TestRunToolFailureContinues(t *testing.T) {
	registry := tools.NewDefaultRegistry(nil)
	_, err := mocks.RegisterFailingTool(registry, "web_search")
	require.NoError(t, err)

	provider := mocks.NewMockProvider().
		WithResponse("1. Search the web\n2. Summarize").
		WithResponse(`{"action": "web_search", "input": {"text": "acme corp"}}`).
		WithResponse("NEXT: the search failed, answer from what we know").
		WithResponse("finalize").
		WithResponse("BRIEFING\n- the search tool was unavailable; answering from general knowledge")
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, registry, agent.EngineConfig{})
	sink := &collector{}

	st, err := eng.Run(context.Background(), "conv-1", "brief me on acme", sink)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusFinalized, st.Status)
	require.Len(t, st.ActionLog, 1)
	assert.NotEmpty(t, st.ActionLog[0].Error)
	// The failure was an observation, not a run failure: reflect, a second
	// decide, and the closing briefing still ran.
	assert.Equal(t, 5, provider.Calls())
}

func TestRunValidationFailureSkipsExecution(t *testing.T) {
	registry := tools.NewDefaultRegistry(nil)
	rec, err := mocks.RegisterEchoTool(registry, "web_search")
	require.NoError(t, err)

	provider := mocks.NewMockProvider().
		WithResponse("1. Search").
		WithResponse(`{"action": "web_search", "input": {"wrong_field": 7}}`).
		WithResponse("BRIEFING\nnothing found")
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, registry, agent.EngineConfig{})

	st, err := eng.Run(context.Background(), "conv-1", "brief me", nil)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusFinalized, st.Status)
	require.Len(t, st.ActionLog, 1)
	assert.NotEmpty(t, st.ActionLog[0].Error)
	// The handler body never ran.
	assert.Equal(t, 0, rec.Calls())
}

func TestRunIterationBudgetForcesFinalize(t *testing.T) {
	registry := tools.NewDefaultRegistry(nil)
	_, err := mocks.RegisterEchoTool(registry, "web_search")
	require.NoError(t, err)

	provider := mocks.NewMockProvider().WithResponse("1. Keep researching forever")
	for i := 0; i < 3; i++ {
		provider.
			WithResponse(`{"action": "web_search", "input": {"text": "more"}}`).
			WithResponse("NEXT: still not enough")
	}
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, registry, agent.EngineConfig{MaxIterations: 3})
	sink := &collector{}

	st, err := eng.Run(context.Background(), "conv-1", "research forever", sink)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusFinalized, st.Status)
	assert.Equal(t, 3, st.IterationCount)
	assert.Len(t, st.ActionLog, 3)
	// Plan + 3 cycles of decide/reflect; the budget stop makes no model call.
	assert.Equal(t, 7, provider.Calls())
	assert.Contains(t, st.FinalAnswer, "iteration budget")
}

func TestRunSerializesConversation(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponse("1. Answer briefly").
		WithResponse("finalize").
		WithResponse("BRIEFING\n- hello back").
		WithResponse("1. Answer briefly").
		WithResponse("finalize").
		WithResponse("BRIEFING\n- hello back")
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, nil, agent.EngineConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Run(context.Background(), "conv-1", "hello there", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Runs serialized: each user turn is directly followed by its answer.
	turns := mem.Turns("conv-1")
	require.Len(t, turns, 4)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, "user", turns[2].Role)
	assert.Equal(t, "assistant", turns[3].Role)
}

func TestRunAdmissionRejected(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponse("1. Answer").
		WithResponse("finalize").
		WithResponse("BRIEFING\n- here you go")
	mem := mocks.NewMockMemory()

	registry := tools.NewDefaultRegistry(nil)
	eng, err := agent.NewEngine(agent.EngineConfig{}, provider, registry, mem,
		agent.WithRetryer(fastRetryer(t, 0)),
		agent.WithAdmissionGate(agent.NewAdmissionGate(1, 1)))
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), "conv-1", "first", nil)
	require.NoError(t, err)

	st, err := eng.Run(context.Background(), "conv-1", "second", nil)
	require.Error(t, err)
	assert.Nil(t, st)
	// Nothing was persisted for the rejected run.
	assert.Len(t, mem.Turns("conv-1"), 2)
}

func TestRunAbortsOnRetryExhaustion(t *testing.T) {
	upstream := errors.New("upstream down")
	provider := mocks.NewMockProvider().
		WithError(upstream).
		WithError(upstream).
		WithError(upstream)
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, nil, agent.EngineConfig{})
	sink := &collector{}

	st, err := eng.Run(context.Background(), "conv-1", "hello", sink)
	require.Error(t, err)
	assert.Equal(t, agent.StatusAborted, st.Status)
	assert.Equal(t, 3, provider.Calls())

	evs := sink.all()
	require.NotEmpty(t, evs)
	assert.Equal(t, agent.EventError, evs[len(evs)-1].Type)
	assert.Equal(t, agent.StatusAborted, evs[len(evs)-1].Status)
}

func TestRunUnparseablePlanStillFinalizes(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponse("I would rather not make a plan today.").
		WithResponse("finalize").
		WithResponse("BRIEFING\n- answered directly")
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, nil, agent.EngineConfig{})
	sink := &collector{}

	st, err := eng.Run(context.Background(), "conv-1", "hello", sink)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusFinalized, st.Status)
	require.Len(t, st.Plan, 1)

	evs := sink.all()
	require.NotEmpty(t, evs)
	assert.Equal(t, agent.EventPlan, evs[0].Type)
	assert.Len(t, evs[0].Plan, 1)
}

func TestRunEmptyMessageShortCircuits(t *testing.T) {
	provider := mocks.NewMockProvider()
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, nil, agent.EngineConfig{})

	st, err := eng.Run(context.Background(), "conv-1", "   ", nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusFinalized, st.Status)
	assert.NotEmpty(t, st.FinalAnswer)
	assert.Equal(t, 0, provider.Calls())
}

func TestRunFlagsUnpersistedAnswer(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponse("1. Answer").
		WithResponse("finalize").
		WithResponse("BRIEFING\n- the answer")
	// The user turn persists, every later append fails.
	mem := mocks.NewMockMemory().WithAppendErrorAfter(1)

	eng := newTestEngine(t, provider, mem, nil, agent.EngineConfig{})
	sink := &collector{}

	st, err := eng.Run(context.Background(), "conv-1", "hello", sink)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusFinalized, st.Status)

	evs := sink.all()
	final := evs[len(evs)-1]
	require.Equal(t, agent.EventFinal, final.Type)
	assert.Equal(t, "answer not persisted", final.Reason)
	// One original attempt plus one retry after the user turn.
	assert.Equal(t, 3, mem.AppendCalls())
}

func TestRunUserTurnPersistFailureAborts(t *testing.T) {
	provider := mocks.NewMockProvider()
	mem := mocks.NewMockMemory().WithAppendError(errors.New("disk full"))

	eng := newTestEngine(t, provider, mem, nil, agent.EngineConfig{})

	st, err := eng.Run(context.Background(), "conv-1", "hello", nil)
	require.Error(t, err)
	assert.Equal(t, agent.StatusAborted, st.Status)
	assert.Equal(t, 0, provider.Calls())
}

func TestRunEventSequenceMonotone(t *testing.T) {
	registry := tools.NewDefaultRegistry(nil)
	require.NoError(t, tools.RegisterCalculator(registry))

	provider := mocks.NewMockProvider().
		WithResponse("1. Compute\n2. Answer").
		WithResponse(`{"action": "calculator", "input": {"expression": "2*3"}}`).
		WithResponse("NEXT: double check").
		WithResponse(`{"action": "calculator", "input": {"expression": "6/2"}}`).
		WithResponse("BRIEFING\n- six, three")
	mem := mocks.NewMockMemory()

	eng := newTestEngine(t, provider, mem, registry, agent.EngineConfig{})
	sink := &collector{}

	_, err := eng.Run(context.Background(), "conv-1", "some math", sink)
	require.NoError(t, err)

	evs := sink.all()
	for i, ev := range evs {
		assert.Equal(t, i, ev.Sequence)
		assert.Equal(t, "conv-1", ev.ConversationID)
		assert.NotEmpty(t, ev.RunID)
	}
}
