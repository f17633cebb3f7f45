// Package workflow implements Attune's multi-step conversation engine.
//
// Definitions are static data; the engine interprets them. The live context
// map is a working set, not a source of truth: every mutation is persisted to
// the document store with a version check, and contexts are reloadable after
// a restart.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attuneai/attune/internal/genai"
	"github.com/attuneai/attune/internal/metrics"
	"github.com/attuneai/attune/internal/models"
	"github.com/attuneai/attune/internal/store"
)

// Opts holds engine configuration.
type Opts struct {
	Definitions map[string]*models.WorkflowDefinition
}

// Option configures engine creation.
type Option func(*Opts)

// WithDefinitions replaces the built-in workflow table.
func WithDefinitions(defs map[string]*models.WorkflowDefinition) Option {
	return func(o *Opts) { o.Definitions = defs }
}

// Engine sequences workflow steps per (user, workflow) pair. All state
// transitions for one pair are serialized through a per-key mutex.
type Engine struct {
	store     store.Store
	processor genai.Processor
	timer     metrics.Timer
	defs      map[string]*models.WorkflowDefinition

	mu    sync.Mutex
	live  map[string]*models.WorkflowContext
	locks map[string]*sync.Mutex
}

// NewEngine creates a workflow engine over the given store and processor.
func NewEngine(st store.Store, proc genai.Processor, timer metrics.Timer, opts ...Option) *Engine {
	cfg := Opts{Definitions: BuiltinDefinitions()}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Creating workflow Engine", "definitions", len(cfg.Definitions))
	return &Engine{
		store:     st,
		processor: proc,
		timer:     timer,
		defs:      cfg.Definitions,
		live:      make(map[string]*models.WorkflowContext),
		locks:     make(map[string]*sync.Mutex),
	}
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// keyLock returns the mutex serializing one (user, workflow) pair.
func (e *Engine) keyLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[key] = l
	return l
}

// StartWorkflow creates a fresh context at step 0 and executes step 0
// immediately: a workflow always speaks first. An existing context for the
// pair is replaced.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, userID, platform, sessionID string, initialData map[string]any) (*models.WorkflowResult, error) {
	tid := e.timer.StartTimer("workflow_start")
	defer e.timer.EndTimer(tid)
	slog.Debug("Engine.StartWorkflow", "workflowID", workflowID, "userID", userID, "platform", platform)

	def, ok := e.defs[workflowID]
	if !ok {
		slog.Error("Engine.StartWorkflow: unknown workflow", "workflowID", workflowID)
		return nil, fmt.Errorf("workflow %s: %w", workflowID, models.ErrUnknownWorkflow)
	}

	key := models.ContextKey(userID, workflowID)
	lock := e.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	data := initialData
	if data == nil {
		data = make(map[string]any)
	}
	now := nowUTC()
	wc := &models.WorkflowContext{
		UserID:       userID,
		WorkflowID:   workflowID,
		CurrentStep:  0,
		TotalSteps:   len(def.Steps),
		Data:         data,
		StartTime:    now,
		LastActivity: now,
		Platform:     platform,
		SessionID:    sessionID,
	}

	msg, err := e.renderStep(ctx, wc, def.Steps[0])
	if err != nil {
		return nil, fmt.Errorf("failed to execute step %s: %w", def.Steps[0].ID, err)
	}
	if err := e.saveContext(ctx, wc, true); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.live[key] = wc
	e.mu.Unlock()

	slog.Info("workflow_started", "workflowID", workflowID, "userID", userID, "steps", wc.TotalSteps)
	return &models.WorkflowResult{Message: msg, StepID: def.Steps[0].ID}, nil
}

// ContinueWorkflow advances a live workflow with one user input. Validation
// failures return a retryable result without touching state. A successful
// turn processes the input, runs the step's completion hook, resolves the
// next step, and either finalizes the workflow or renders the next prompt
// (one chained sub-turn at most, responses joined by a blank line).
func (e *Engine) ContinueWorkflow(ctx context.Context, userID, workflowID, userInput string) (*models.WorkflowResult, error) {
	tid := e.timer.StartTimer("workflow_continue")
	defer e.timer.EndTimer(tid)
	slog.Debug("Engine.ContinueWorkflow", "workflowID", workflowID, "userID", userID)

	def, ok := e.defs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, models.ErrUnknownWorkflow)
	}

	key := models.ContextKey(userID, workflowID)
	lock := e.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	wc, err := e.loadContext(ctx, key)
	if err != nil {
		return nil, err
	}
	if wc == nil {
		return nil, fmt.Errorf("workflow %s for user %s: %w", workflowID, userID, models.ErrNoActiveWorkflow)
	}
	if wc.CurrentStep < 0 || wc.CurrentStep >= len(def.Steps) {
		return nil, fmt.Errorf("workflow %s context has invalid step %d", workflowID, wc.CurrentStep)
	}
	step := def.Steps[wc.CurrentStep]

	if msg, ok := validate(step.Validation, userInput); !ok {
		slog.Debug("Engine.ContinueWorkflow: validation failed", "workflowID", workflowID, "userID", userID, "step", step.ID)
		return &models.WorkflowResult{Message: msg, StepID: step.ID, Retryable: true}, nil
	}

	resp, err := e.processor.Process(ctx, &models.ProcessingRequest{
		UserID:       userID,
		SessionID:    wc.SessionID,
		Platform:     wc.Platform,
		Type:         models.ProcessingWorkflowStep,
		Message:      userInput,
		SystemPrompt: step.SystemPrompt,
		Context:      wc.Data,
	})
	if err != nil {
		slog.Error("Engine.ContinueWorkflow: processing failed", "error", err, "workflowID", workflowID, "userID", userID, "step", step.ID)
		return nil, fmt.Errorf("failed to process step %s: %w", step.ID, err)
	}

	wc.Data[fmt.Sprintf("step%d_input", wc.CurrentStep)] = userInput
	wc.Data[fmt.Sprintf("step%d_result", wc.CurrentStep)] = resp.Response
	runHook(step.OnComplete, wc, userInput)

	message := resp.Response
	nextIdx := resolveNext(def, wc, step, userInput)
	if nextIdx >= 0 {
		wc.CurrentStep = nextIdx
	}
	wc.LastActivity = nowUTC()

	if def.Completion.Met(wc) {
		closing, err := e.finalizeLocked(ctx, def, wc)
		if err != nil {
			return nil, err
		}
		return &models.WorkflowResult{
			Message:   joinResponses(message, closing),
			StepID:    step.ID,
			Completed: true,
		}, nil
	}

	stepID := step.ID
	if nextIdx >= 0 {
		next := def.Steps[nextIdx]
		prompt, err := e.renderStep(ctx, wc, next)
		if err != nil {
			slog.Error("Engine.ContinueWorkflow: next step rendering failed", "error", err, "workflowID", workflowID, "step", next.ID)
			return nil, fmt.Errorf("failed to execute step %s: %w", next.ID, err)
		}
		message = joinResponses(message, prompt)
		stepID = next.ID
	}

	if err := e.saveContext(ctx, wc, false); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.live[key] = wc
	e.mu.Unlock()

	return &models.WorkflowResult{Message: message, StepID: stepID}, nil
}

// CompleteWorkflow finalizes a live workflow immediately: summary, audit
// record, context removal. A second call for the same pair fails with
// ErrNoActiveWorkflow because removal happens exactly once.
func (e *Engine) CompleteWorkflow(ctx context.Context, userID, workflowID string) (*models.WorkflowResult, error) {
	def, ok := e.defs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, models.ErrUnknownWorkflow)
	}
	key := models.ContextKey(userID, workflowID)
	lock := e.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	wc, err := e.loadContext(ctx, key)
	if err != nil {
		return nil, err
	}
	if wc == nil {
		return nil, fmt.Errorf("workflow %s for user %s: %w", workflowID, userID, models.ErrNoActiveWorkflow)
	}
	closing, err := e.finalizeLocked(ctx, def, wc)
	if err != nil {
		return nil, err
	}
	return &models.WorkflowResult{Message: closing, Completed: true}, nil
}

// finalizeLocked completes a workflow: final summary call, audit record,
// single removal of the context. Callers hold the pair's key lock. The
// summary call is best-effort; a processing failure degrades to a fixed
// closing line rather than leaving the workflow stuck at its last step.
func (e *Engine) finalizeLocked(ctx context.Context, def *models.WorkflowDefinition, wc *models.WorkflowContext) (string, error) {
	now := nowUTC()
	closing := "Thanks for completing " + def.Name + "."
	resp, err := e.processor.Process(ctx, &models.ProcessingRequest{
		UserID:    wc.UserID,
		SessionID: wc.SessionID,
		Platform:  wc.Platform,
		Type:      models.ProcessingSummary,
		Message:   "The user finished the " + def.Name + " workflow.",
		Context:   wc.Data,
	})
	if err != nil {
		slog.Error("Engine.finalize: summary generation failed", "error", err, "workflowID", wc.WorkflowID, "userID", wc.UserID)
	} else {
		closing = resp.Response
	}

	completion := &models.WorkflowCompletion{
		UserID:      wc.UserID,
		WorkflowID:  wc.WorkflowID,
		SessionID:   wc.SessionID,
		Platform:    wc.Platform,
		Duration:    now.Sub(wc.StartTime),
		CompletedAt: now,
		Data:        wc.Data,
	}
	if err := e.store.Set(ctx, models.CollectionWorkflowCompletions, uuid.NewString(), completion); err != nil {
		slog.Error("Engine.finalize: failed to persist completion record", "error", err, "workflowID", wc.WorkflowID, "userID", wc.UserID)
	}

	key := models.ContextKey(wc.UserID, wc.WorkflowID)
	if err := e.store.Delete(ctx, models.CollectionWorkflowContexts, key); err != nil {
		return "", fmt.Errorf("failed to remove workflow context: %w", err)
	}
	e.mu.Lock()
	delete(e.live, key)
	e.mu.Unlock()

	metrics.WorkflowsCompleted.WithLabelValues(wc.WorkflowID).Inc()
	slog.Info("workflow_completed", "workflowID", wc.WorkflowID, "userID", wc.UserID, "duration", completion.Duration)
	return closing, nil
}

// CancelWorkflow removes a live context without any terminal processing call.
func (e *Engine) CancelWorkflow(ctx context.Context, userID, workflowID string) error {
	key := models.ContextKey(userID, workflowID)
	lock := e.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	wc, err := e.loadContext(ctx, key)
	if err != nil {
		return err
	}
	if wc == nil {
		return fmt.Errorf("workflow %s for user %s: %w", workflowID, userID, models.ErrNoActiveWorkflow)
	}
	if err := e.store.Delete(ctx, models.CollectionWorkflowContexts, key); err != nil {
		return fmt.Errorf("failed to remove workflow context: %w", err)
	}
	e.mu.Lock()
	delete(e.live, key)
	e.mu.Unlock()
	slog.Info("workflow_cancelled", "workflowID", workflowID, "userID", userID)
	return nil
}

// GetWorkflowStatus projects a context into a read-only status. It never
// mutates state.
func (e *Engine) GetWorkflowStatus(ctx context.Context, userID, workflowID string) (models.WorkflowStatus, error) {
	key := models.ContextKey(userID, workflowID)

	e.mu.Lock()
	wc, ok := e.live[key]
	e.mu.Unlock()
	if !ok {
		var stored models.WorkflowContext
		found, err := e.store.Get(ctx, models.CollectionWorkflowContexts, key, &stored)
		if err != nil {
			return models.WorkflowStatus{}, fmt.Errorf("failed to load workflow context: %w", err)
		}
		if !found {
			return models.WorkflowStatus{Active: false}, nil
		}
		wc = &stored
	}

	progress := 0.0
	if wc.TotalSteps > 0 {
		progress = float64(wc.CurrentStep+1) / float64(wc.TotalSteps) * 100
	}
	return models.WorkflowStatus{
		Active:      true,
		WorkflowID:  wc.WorkflowID,
		CurrentStep: wc.CurrentStep + 1,
		TotalSteps:  wc.TotalSteps,
		Progress:    progress,
	}, nil
}

// ActiveWorkflowID returns the id of any live workflow for a user, or "".
// Used for routing continued conversations.
func (e *Engine) ActiveWorkflowID(userID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, wc := range e.live {
		if wc.UserID == userID {
			return wc.WorkflowID
		}
	}
	return ""
}

// Restore places a persisted context back into the live map. Used by the
// startup recovery pass.
func (e *Engine) Restore(wc *models.WorkflowContext) {
	key := models.ContextKey(wc.UserID, wc.WorkflowID)
	e.mu.Lock()
	e.live[key] = wc
	e.mu.Unlock()
}

// Definitions exposes the registered workflow table.
func (e *Engine) Definitions() map[string]*models.WorkflowDefinition {
	return e.defs
}

// loadContext resolves a context from the live map, falling back to the
// store. A nil context with nil error means no active workflow.
func (e *Engine) loadContext(ctx context.Context, key string) (*models.WorkflowContext, error) {
	e.mu.Lock()
	wc, ok := e.live[key]
	e.mu.Unlock()
	if ok {
		return wc, nil
	}
	var stored models.WorkflowContext
	found, err := e.store.Get(ctx, models.CollectionWorkflowContexts, key, &stored)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow context %s: %w", key, err)
	}
	if !found {
		return nil, nil
	}
	return &stored, nil
}

// saveContext persists a context with an optimistic version check. Fresh
// contexts overwrite unconditionally; updates fail with ErrVersionConflict
// when another writer advanced the stored version.
func (e *Engine) saveContext(ctx context.Context, wc *models.WorkflowContext, fresh bool) error {
	key := models.ContextKey(wc.UserID, wc.WorkflowID)
	if !fresh {
		var stored models.WorkflowContext
		found, err := e.store.Get(ctx, models.CollectionWorkflowContexts, key, &stored)
		if err != nil {
			return fmt.Errorf("failed to check workflow context version: %w", err)
		}
		if found && stored.Version != wc.Version {
			slog.Warn("Engine.saveContext: version conflict", "key", key, "stored", stored.Version, "local", wc.Version)
			return models.ErrVersionConflict
		}
	}
	wc.Version++
	if err := e.store.Set(ctx, models.CollectionWorkflowContexts, key, wc); err != nil {
		return fmt.Errorf("failed to persist workflow context %s: %w", key, err)
	}
	return nil
}

// renderStep produces a step's outbound message. Static steps send their
// prompt verbatim; genai steps generate through the processing capability.
func (e *Engine) renderStep(ctx context.Context, wc *models.WorkflowContext, step models.WorkflowStep) (string, error) {
	switch step.Kind {
	case models.StepKindGenAI:
		resp, err := e.processor.Process(ctx, &models.ProcessingRequest{
			UserID:       wc.UserID,
			SessionID:    wc.SessionID,
			Platform:     wc.Platform,
			Type:         models.ProcessingWorkflowStep,
			Message:      step.Prompt,
			SystemPrompt: step.SystemPrompt,
			Context:      wc.Data,
		})
		if err != nil {
			return "", err
		}
		return resp.Response, nil
	default:
		return step.Prompt, nil
	}
}

// resolveNext picks the index of the step following a completed one, or -1
// when progression stalls (end of steps or an unknown step id).
func resolveNext(def *models.WorkflowDefinition, wc *models.WorkflowContext, step models.WorkflowStep, input string) int {
	sequential := func() int {
		if wc.CurrentStep+1 < len(def.Steps) {
			return wc.CurrentStep + 1
		}
		return -1
	}
	rule := step.Next
	if rule == nil {
		return sequential()
	}
	switch rule.Kind {
	case models.NextFixed:
		return def.StepIndex(rule.StepID)
	case models.NextBranch:
		normalized := strings.ToLower(strings.TrimSpace(input))
		for prefix, stepID := range rule.Branches {
			if strings.HasPrefix(normalized, prefix) {
				return def.StepIndex(stepID)
			}
		}
		if rule.StepID != "" {
			return def.StepIndex(rule.StepID)
		}
		return sequential()
	default:
		return sequential()
	}
}

// validate applies a step's input check. Returns the retry message and false
// on failure.
func validate(kind models.ValidationKind, input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	switch kind {
	case models.ValidationNonEmpty:
		if trimmed == "" {
			return "I didn't catch that. Could you share a quick answer so we can continue?", false
		}
	case models.ValidationNumeric:
		if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
			return "Please answer with a number.", false
		}
	case models.ValidationYesNo:
		switch strings.ToLower(trimmed) {
		case "yes", "no", "y", "n":
		default:
			return "Please answer yes or no.", false
		}
	}
	return "", true
}

// runHook applies a step's best-effort completion side effect. Hook problems
// are logged, never raised.
func runHook(kind models.HookKind, wc *models.WorkflowContext, input string) {
	switch kind {
	case models.HookRecordMood:
		trimmed := strings.TrimSpace(input)
		if mood, err := strconv.ParseFloat(trimmed, 64); err == nil {
			wc.Data["mood"] = mood
		} else {
			slog.Warn("runHook: mood input not numeric", "workflowID", wc.WorkflowID, "userID", wc.UserID)
		}
	case models.HookRecordGoal:
		wc.Data["goal"] = strings.TrimSpace(input)
	case models.HookFlagFollowup:
		wc.Data["followup_flagged"] = true
	}
}

// joinResponses concatenates an answer and a follow-up prompt for one turn.
func joinResponses(first, second string) string {
	if first == "" {
		return second
	}
	if second == "" {
		return first
	}
	return first + "\n\n" + second
}
