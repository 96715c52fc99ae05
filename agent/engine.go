package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dossierbot/dossier/internal/metrics"
	"github.com/dossierbot/dossier/llm"
	"github.com/dossierbot/dossier/llm/retry"
	"github.com/dossierbot/dossier/memory"
	"github.com/dossierbot/dossier/tools"
	"github.com/dossierbot/dossier/trace"
	"github.com/dossierbot/dossier/types"
)

// EngineConfig tunes one engine instance. Zero values fall back to the
// defaults noted per field.
type EngineConfig struct {
	Profile            Profile
	Model              string        // completion model (default gpt-4o)
	Temperature        float32       // sampling temperature
	MaxTokens          int           // completion token cap (default 2048)
	LLMTimeout         time.Duration // per-request timeout (default 60s)
	MaxIterations      int           // decide/act/reflect cycles per run (default 6)
	RetrievalTopK      int           // knowledge passages per run (default 4)
	HistoryLimit       int           // prior turns loaded per run (default 20)
	HistoryTokenBudget int           // prompt token budget for history (0 disables)
}

// Engine drives the reasoning state machine. One Engine serves many
// conversations concurrently; per-run state lives in ConversationState, never
// on the Engine.
type Engine struct {
	cfg      EngineConfig
	provider llm.Provider
	registry tools.Registry
	memory   memory.Adapter
	retryer  retry.Retryer
	profile  Profile

	logger    *zap.Logger
	collector *metrics.Collector
	traces    *trace.Writer
	tracer    oteltrace.Tracer

	locks *conversationLocks
	gate  *AdmissionGate

	historyTokenBudget int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithTraceWriter attaches a JSONL run-trace writer.
func WithTraceWriter(w *trace.Writer) Option {
	return func(e *Engine) { e.traces = w }
}

// WithRetryer overrides the LLM retry policy.
func WithRetryer(r retry.Retryer) Option {
	return func(e *Engine) {
		if r != nil {
			e.retryer = r
		}
	}
}

// WithAdmissionGate attaches a per-conversation admission rate limit.
func WithAdmissionGate(g *AdmissionGate) Option {
	return func(e *Engine) { e.gate = g }
}

// NewEngine assembles an engine over a provider, tool registry and memory
// adapter.
func NewEngine(cfg EngineConfig, provider llm.Provider, registry tools.Registry, mem memory.Adapter, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("engine: provider is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("engine: tool registry is required")
	}
	if mem == nil {
		return nil, fmt.Errorf("engine: memory adapter is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 60 * time.Second
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 6
	}
	if cfg.RetrievalTopK <= 0 {
		cfg.RetrievalTopK = 4
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.Profile.Name == "" {
		cfg.Profile = DefaultProfile()
	}

	e := &Engine{
		cfg:                cfg,
		provider:           provider,
		registry:           registry,
		memory:             mem,
		profile:            cfg.Profile,
		logger:             zap.NewNop(),
		tracer:             otel.Tracer("dossier/agent"),
		locks:              newConversationLocks(),
		historyTokenBudget: cfg.HistoryTokenBudget,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.traces == nil {
		e.traces = trace.NewWriter(trace.Config{Disabled: true}, nil)
	}
	if e.retryer == nil {
		policy := retry.DefaultPolicy()
		policy.OnRetry = func(int, error, time.Duration) { e.collector.RecordLLMRetry() }
		e.retryer = retry.NewBackoffRetryer(policy, e.logger)
	}
	e.logger = e.logger.With(zap.String("component", "engine"))
	return e, nil
}

// Profile returns the engine's agent profile.
func (e *Engine) Profile() Profile { return e.profile }

// Run executes one full reasoning run for a user message and returns the
// terminal state. Events stream to sink in state order; sink may be nil.
//
// The run is rejected up front when the conversation's admission bucket is
// empty or another run holds the conversation, in which case no state is
// created and nothing is persisted.
func (e *Engine) Run(ctx context.Context, conversationID, userMessage string, sink EventSink) (*ConversationState, error) {
	if conversationID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "conversation id is required")
	}

	if !e.gate.Allow(conversationID) {
		e.collector.RecordAdmissionRejected()
		e.logger.Warn("run rejected by admission gate", zap.String("conversation_id", conversationID))
		return nil, types.NewError(types.ErrAdmissionDenied, "rate limit exceeded for conversation")
	}

	release, err := e.locks.wait(ctx, conversationID)
	if err != nil {
		return nil, types.NewError(types.ErrConversationBusy,
			"gave up waiting for the conversation's active run").WithCause(err)
	}
	defer release()

	st := &ConversationState{
		ConversationID: conversationID,
		RunID:          uuid.NewString(),
		UserMessage:    userMessage,
		Status:         StatusRunning,
	}

	ctx, span := e.tracer.Start(ctx, "agent.run")
	defer span.End()

	runStart := time.Now()
	e.traces.Emit(conversationID, st.RunID, "run_started", string(StateStart),
		map[string]any{"user_message": userMessage}, 0)
	defer e.traces.CloseRun(st.RunID)

	r := &run{engine: e, state: st, sink: sink}
	err = r.loop(ctx)

	status := string(st.Status)
	e.collector.RecordRun(status, time.Since(runStart), st.IterationCount)
	e.traces.Emit(conversationID, st.RunID, "run_finished", string(StateFinalize),
		map[string]any{"status": status, "iterations": st.IterationCount}, time.Since(runStart))

	if err != nil {
		e.logger.Error("run aborted",
			zap.String("conversation_id", conversationID),
			zap.String("run_id", st.RunID),
			zap.Error(err))
		return st, err
	}

	e.logger.Info("run finalized",
		zap.String("conversation_id", conversationID),
		zap.String("run_id", st.RunID),
		zap.Int("iterations", st.IterationCount))
	return st, nil
}

// run is the per-invocation execution context of the state machine.
type run struct {
	engine *Engine
	state  *ConversationState
	sink   EventSink
	seq    int
}

// loop advances the state machine until finalize or abort. Every transition
// goes through step so illegal transitions fail loudly in development.
func (r *run) loop(ctx context.Context) error {
	current := StateStart
	for current != StateFinalize {
		if err := ctx.Err(); err != nil {
			return r.abort(types.NewError(types.ErrRunAborted, "run cancelled").WithCause(err))
		}

		next, err := r.step(ctx, current)
		if err != nil {
			return r.abort(err)
		}
		if !CanTransition(current, next) {
			return r.abort(types.NewError(types.ErrInternalError,
				fmt.Sprintf("illegal transition %s -> %s", current, next)))
		}
		current = next
	}
	return r.finalize(ctx)
}

func (r *run) step(ctx context.Context, state RunState) (RunState, error) {
	ctx, span := r.engine.tracer.Start(ctx, "agent."+string(state))
	defer span.End()

	start := time.Now()
	next, err := r.execute(ctx, state)
	if err == nil {
		r.engine.traces.Emit(r.state.ConversationID, r.state.RunID, "state_completed",
			string(state), r.traceData(state), time.Since(start))
	}
	return next, err
}

func (r *run) execute(ctx context.Context, state RunState) (RunState, error) {
	switch state {
	case StateStart:
		return r.start(ctx)
	case StatePlan:
		return r.plan(ctx)
	case StateDecide:
		return r.decide(ctx)
	case StateAct:
		return r.act(ctx)
	case StateToolsExec:
		return r.toolsExec(ctx)
	case StateReflect:
		return r.reflect(ctx)
	default:
		return "", types.NewError(types.ErrInternalError, "unknown state "+string(state))
	}
}

// start loads history and retrieves knowledge context. An empty user message
// short-circuits straight to finalize.
func (r *run) start(ctx context.Context) (RunState, error) {
	st := r.state
	if strings.TrimSpace(st.UserMessage) == "" {
		st.FinalAnswer = "I need a question or request to work on. What would you like me to research?"
		return StateFinalize, nil
	}

	turns, err := r.engine.memory.LoadHistory(ctx, st.ConversationID, r.engine.cfg.HistoryLimit)
	if err != nil {
		return "", types.NewError(types.ErrPersistence, "loading conversation history").WithCause(err)
	}
	// LoadHistory returns most recent first; prompts want chronological order.
	st.History = make([]types.Message, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		st.History = append(st.History, types.NewMessage(types.Role(turns[i].Role), turns[i].Content))
	}

	// The user turn commits before the first model call so a crash mid-run
	// never loses the user's message. The append is idempotent, so a client
	// retry of the same message does not duplicate it.
	if err := r.engine.memory.AppendTurn(ctx, st.ConversationID, string(types.RoleUser), st.UserMessage, ""); err != nil {
		r.engine.collector.RecordPersistenceFailure()
		return "", types.NewError(types.ErrPersistence, "persisting user turn").WithCause(err)
	}

	passages, err := r.engine.memory.SemanticSearch(ctx, st.UserMessage, r.engine.cfg.RetrievalTopK)
	if err != nil {
		// Retrieval is best effort; a run proceeds without knowledge context.
		r.engine.logger.Warn("knowledge retrieval failed",
			zap.String("run_id", st.RunID), zap.Error(err))
	} else {
		st.KnowledgeContext = passages
	}
	return StatePlan, nil
}

// plan asks the model for an action plan. Unparseable output degrades to a
// synthetic single-step plan rather than failing the run.
func (r *run) plan(ctx context.Context) (RunState, error) {
	st := r.state
	content, err := r.complete(ctx, StatePlan, r.engine.planMessages(st))
	if err != nil {
		return "", err
	}

	steps, ok := parsePlan(content)
	if !ok {
		r.engine.logger.Warn("plan output unparseable, using fallback plan",
			zap.String("run_id", st.RunID),
			zap.Error(types.NewError(types.ErrPlanningParse, "plan output not in numbered or bulleted form")))
		steps = []string{"Answer the user's request directly with available knowledge."}
		st.Notes = append(st.Notes, "plan could not be parsed; proceeding with a direct-answer plan")
	}
	st.Plan = steps

	r.emit(Event{Type: EventPlan, Plan: steps})
	return StateDecide, nil
}

// decide asks the model for exactly one next action. Parse failure or an
// action outside the tool vocabulary forces finalize with a degraded-quality
// note; the run must terminate on garbage, not loop.
func (r *run) decide(ctx context.Context) (RunState, error) {
	st := r.state

	if st.IterationCount >= r.engine.cfg.MaxIterations {
		r.engine.logger.Info("iteration budget reached, forcing finalize",
			zap.String("run_id", st.RunID),
			zap.String("code", string(types.ErrIterationBudget)),
			zap.Int("iterations", st.IterationCount))
		st.Notes = append(st.Notes, fmt.Sprintf("stopped after reaching the %d-iteration budget", r.engine.cfg.MaxIterations))
		st.CurrentAction = ActionFinalize
		r.emit(Event{Type: EventDecision, Action: ActionFinalize, Reason: "iteration budget exhausted"})
		return StateFinalize, nil
	}

	content, err := r.complete(ctx, StateDecide, r.engine.decideMessages(st))
	if err != nil {
		return "", err
	}

	d, ok := parseDecision(content)
	forced := false
	switch {
	case !ok:
		st.Notes = append(st.Notes, "a reasoning step produced unusable output; the answer may be incomplete")
		d = decision{Action: ActionFinalize}
		forced = true
		r.engine.logger.Warn("decision output unparseable, forcing finalize",
			zap.String("run_id", st.RunID),
			zap.Error(types.NewError(types.ErrDecisionParse, "decision output carried no recognizable action")))
	case d.Action != ActionFinalize && (!r.engine.registry.Has(d.Action) || !r.engine.profile.AllowsTool(d.Action)):
		st.Notes = append(st.Notes, fmt.Sprintf("requested action %q is not available; the answer may be incomplete", d.Action))
		r.engine.logger.Warn("decision selected unknown action, forcing finalize",
			zap.String("run_id", st.RunID), zap.String("action", d.Action),
			zap.Error(types.NewError(types.ErrUnknownAction, "action outside the tool vocabulary")))
		d = decision{Action: ActionFinalize}
		forced = true
	}

	st.CurrentAction = d.Action
	st.CurrentInput = d.Input
	r.emit(Event{Type: EventDecision, Action: d.Action, Input: d.Input})

	if d.Action == ActionFinalize {
		if forced {
			return StateFinalize, nil
		}
		// A deliberate finalize still needs the model to write the answer;
		// reflect composes the briefing before the run finishes.
		return StateReflect, nil
	}
	return StateAct, nil
}

// act validates the chosen action's input against its schema. Validation
// failure is an observation for reflect, not a run failure.
func (r *run) act(ctx context.Context) (RunState, error) {
	st := r.state
	spec, err := r.engine.registry.Resolve(st.CurrentAction)
	if err != nil {
		// Registry membership was checked in decide; a miss here means the
		// registry changed mid-run.
		terr := types.NewError(types.ErrToolNotFound, "tool disappeared between decide and act").WithCause(err)
		r.record(st.CurrentAction, st.CurrentInput, nil, terr)
		r.emitToolResult(st.CurrentAction, nil, terr, 0)
		return StateReflect, nil
	}

	if err := spec.Validate(st.CurrentInput); err != nil {
		verr := types.NewError(types.ErrToolValidation, "tool input rejected by schema").WithCause(err)
		r.engine.collector.RecordToolCall(st.CurrentAction, "validation_error", 0)
		r.record(st.CurrentAction, st.CurrentInput, nil, verr)
		r.emitToolResult(st.CurrentAction, nil, verr, 0)
		return StateReflect, nil
	}
	return StateToolsExec, nil
}

// toolsExec runs the validated action and records the observation, success or
// not.
func (r *run) toolsExec(ctx context.Context) (RunState, error) {
	st := r.state
	spec, err := r.engine.registry.Resolve(st.CurrentAction)
	if err != nil {
		terr := types.NewError(types.ErrToolNotFound, "tool disappeared before execution").WithCause(err)
		r.record(st.CurrentAction, st.CurrentInput, nil, terr)
		r.emitToolResult(st.CurrentAction, nil, terr, 0)
		return StateReflect, nil
	}

	start := time.Now()
	result, err := spec.Invoke(ctx, st.CurrentInput)
	elapsed := time.Since(start)

	if err != nil {
		err = types.NewError(types.ErrToolExecution, "tool handler failed").WithCause(err)
		r.engine.collector.RecordToolCall(st.CurrentAction, "error", elapsed)
		r.engine.logger.Warn("tool invocation failed",
			zap.String("run_id", st.RunID),
			zap.String("tool", st.CurrentAction),
			zap.Error(err))
	} else {
		r.engine.collector.RecordToolCall(st.CurrentAction, "ok", elapsed)
	}

	r.record(st.CurrentAction, st.CurrentInput, result, err)
	r.emitToolResult(st.CurrentAction, result, err, elapsed)
	return StateReflect, nil
}

// reflect reviews the action log and either continues the cycle or finalizes.
func (r *run) reflect(ctx context.Context) (RunState, error) {
	st := r.state
	content, err := r.complete(ctx, StateReflect, r.engine.reflectMessages(st))
	if err != nil {
		return "", err
	}

	st.IterationCount++
	ref := parseReflection(content)
	if ref.Final {
		st.FinalAnswer = ref.Answer
		r.emit(Event{Type: EventReflection, Verdict: "finalize"})
		return StateFinalize, nil
	}
	r.emit(Event{Type: EventReflection, Verdict: "continue", Reason: ref.Rationale})
	return StateDecide, nil
}

// finalize marks the run finished and emits the terminal event. Degraded
// runs get their notes appended so the caller sees what was skipped.
func (r *run) finalize(ctx context.Context) error {
	st := r.state
	if st.FinalAnswer == "" {
		st.FinalAnswer = r.composeFallbackAnswer()
	}
	if len(st.Notes) > 0 {
		var sb strings.Builder
		sb.WriteString(st.FinalAnswer)
		sb.WriteString("\n\nNotes:")
		for _, n := range st.Notes {
			sb.WriteString("\n- ")
			sb.WriteString(n)
		}
		st.FinalAnswer = sb.String()
	}
	st.Status = StatusFinalized

	// The answer commits before the final event so a consumer that sees the
	// event can trust the turn is durable. One immediate retry covers
	// transient store hiccups; beyond that the event flags the gap instead of
	// failing an otherwise complete run.
	var reason string
	if err := r.persistAnswer(ctx); err != nil {
		r.engine.logger.Error("final answer not persisted",
			zap.String("run_id", st.RunID), zap.Error(err))
		reason = "answer not persisted"
	}

	r.engine.traces.Emit(st.ConversationID, st.RunID, "state_completed", string(StateFinalize),
		map[string]any{"answer_length": len(st.FinalAnswer), "persist_failure": reason != ""}, 0)
	r.emit(Event{Type: EventFinal, Answer: st.FinalAnswer, Status: StatusFinalized, Reason: reason})
	return nil
}

func (r *run) persistAnswer(ctx context.Context) error {
	st := r.state
	err := r.engine.memory.AppendTurn(ctx, st.ConversationID, string(types.RoleAssistant), st.FinalAnswer, "")
	if err == nil {
		return nil
	}
	r.engine.collector.RecordPersistenceFailure()
	if err = r.engine.memory.AppendTurn(ctx, st.ConversationID, string(types.RoleAssistant), st.FinalAnswer, ""); err == nil {
		return nil
	}
	r.engine.collector.RecordPersistenceFailure()
	return err
}

// abort marks the run failed and emits the terminal error event. Called for
// unrecoverable failures only: provider retry exhaustion, persistence
// failure, cancellation.
func (r *run) abort(err error) error {
	st := r.state
	st.Status = StatusAborted
	r.engine.traces.Emit(st.ConversationID, st.RunID, "run_aborted", "",
		map[string]any{"error": err.Error()}, 0)
	r.emit(Event{Type: EventError, Status: StatusAborted, Reason: err.Error()})
	return err
}

// composeFallbackAnswer summarizes recorded observations when no reflection
// produced an answer (forced finalize paths).
func (r *run) composeFallbackAnswer() string {
	st := r.state
	var sb strings.Builder
	sb.WriteString("Here is what I gathered before stopping:\n")
	found := false
	for _, rec := range st.ActionLog {
		if rec.Error != "" || len(rec.Result) == 0 {
			continue
		}
		found = true
		fmt.Fprintf(&sb, "- %s: %s\n", rec.Action, truncate(string(rec.Result), passageSnippetLen))
	}
	if !found {
		return "I was unable to complete the request this time. Please try rephrasing or narrowing it."
	}
	return sb.String()
}

// complete issues one completion call under the retry policy. Exhausted
// retries surface as a run-aborting error.
func (r *run) complete(ctx context.Context, state RunState, msgs []types.Message) (string, error) {
	e := r.engine
	req := &llm.ChatRequest{
		TraceID:     r.state.RunID,
		Model:       e.cfg.Model,
		Messages:    msgs,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Timeout:     e.cfg.LLMTimeout,
	}

	start := time.Now()
	result, err := e.retryer.DoWithResult(ctx, func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
		defer cancel()
		return e.provider.Completion(callCtx, req)
	})
	elapsed := time.Since(start)

	if err != nil {
		e.collector.RecordLLMRequest(e.provider.Name(), string(state), "error", elapsed, 0, 0)
		return "", types.NewError(types.ErrRunAborted,
			fmt.Sprintf("completion failed in %s state", state)).WithCause(err)
	}

	resp := result.(*llm.ChatResponse)
	e.collector.RecordLLMRequest(e.provider.Name(), string(state), "ok", elapsed,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return "", types.NewError(types.ErrRunAborted,
			fmt.Sprintf("empty completion in %s state", state)).WithCause(err)
	}
	return choice.Message.Content, nil
}

// record appends one observation to the action log.
func (r *run) record(action string, input json.RawMessage, result json.RawMessage, err error) {
	rec := ActionRecord{Action: action, Input: input, Result: result}
	if err != nil {
		rec.Error = err.Error()
	}
	r.state.ActionLog = append(r.state.ActionLog, rec)
}

// emit stamps and forwards one event in sequence order.
func (r *run) emit(ev Event) {
	ev.ConversationID = r.state.ConversationID
	ev.RunID = r.state.RunID
	ev.Sequence = r.seq
	ev.Timestamp = time.Now()
	r.seq++
	if r.sink != nil {
		r.sink.Emit(ev)
	}
}

func (r *run) emitToolResult(action string, result json.RawMessage, err error, elapsed time.Duration) {
	tr := &types.ToolResult{
		Name:     action,
		Result:   result,
		Duration: elapsed,
	}
	if err != nil {
		tr.Error = err.Error()
	}
	r.emit(Event{Type: EventToolResult, Action: action, ToolResult: tr})
}

// traceData snapshots the trace payload for a completed state.
func (r *run) traceData(state RunState) map[string]any {
	st := r.state
	switch state {
	case StatePlan:
		return map[string]any{"plan": st.Plan}
	case StateDecide:
		return map[string]any{"action": st.CurrentAction, "input": string(st.CurrentInput)}
	case StateAct, StateToolsExec:
		if n := len(st.ActionLog); n > 0 {
			last := st.ActionLog[n-1]
			return map[string]any{"action": last.Action, "error": last.Error,
				"result": truncate(string(last.Result), 500)}
		}
		return nil
	case StateReflect:
		return map[string]any{"iteration": st.IterationCount}
	default:
		return map[string]any{"knowledge_passages": len(st.KnowledgeContext), "history_turns": len(st.History)}
	}
}
