package workflow

import "github.com/attuneai/attune/internal/models"

// BuiltinDefinitions returns the static workflow table registered by default.
// Definitions are data, interpreted by the engine; adding a workflow means
// adding an entry here.
func BuiltinDefinitions() map[string]*models.WorkflowDefinition {
	defs := []*models.WorkflowDefinition{
		dailyCheckin(),
		goalPlanning(),
		reflectionSession(),
	}
	table := make(map[string]*models.WorkflowDefinition, len(defs))
	for _, d := range defs {
		table[d.ID] = d
	}
	return table
}

func dailyCheckin() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   models.WorkflowDailyCheckin,
		Name: "Daily Check-in",
		Steps: []models.WorkflowStep{
			{
				ID:     "greeting",
				Kind:   models.StepKindStatic,
				Prompt: "Hi! Time for your daily check-in. Ready to start?",
			},
			{
				ID:         "mood_rating",
				Kind:       models.StepKindStatic,
				Prompt:     "On a scale of 1 to 10, how would you rate your mood right now?",
				Validation: models.ValidationNumeric,
				OnComplete: models.HookRecordMood,
			},
			{
				ID:           "mood_reflect",
				Kind:         models.StepKindGenAI,
				Prompt:       "Reflect briefly on the mood rating the user just gave, then ask what influenced it most today.",
				SystemPrompt: "You are a supportive wellness coach running a daily check-in. Acknowledge the user's mood rating warmly, then ask one open question about what influenced it.",
				Validation:   models.ValidationNonEmpty,
			},
			{
				ID:         "energy",
				Kind:       models.StepKindStatic,
				Prompt:     "Did you have enough energy for what you wanted to do today? (yes/no)",
				Validation: models.ValidationYesNo,
			},
			{
				ID:         "highlight",
				Kind:       models.StepKindStatic,
				Prompt:     "What was the highlight of your day?",
				Validation: models.ValidationNonEmpty,
			},
			{
				ID:           "challenge",
				Kind:         models.StepKindGenAI,
				Prompt:       "Ask about the hardest part of the user's day, building on their highlight.",
				SystemPrompt: "You are a supportive wellness coach. Acknowledge the highlight the user shared, then gently ask about the hardest part of their day.",
				Validation:   models.ValidationNonEmpty,
				OnComplete:   models.HookFlagFollowup,
			},
			{
				ID:     "closing",
				Kind:   models.StepKindStatic,
				Prompt: "Thanks for checking in today. See you tomorrow!",
			},
		},
		Completion: models.CompletionCriteria{Kind: models.CompletionStepReached, MinStep: 6},
	}
}

func goalPlanning() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   models.WorkflowGoalPlanning,
		Name: "Goal Planning",
		Steps: []models.WorkflowStep{
			{
				ID:     "intro",
				Kind:   models.StepKindStatic,
				Prompt: "Let's set a goal together. What would you like to work toward?",
			},
			{
				ID:         "goal",
				Kind:       models.StepKindStatic,
				Prompt:     "Great. Describe the goal in one sentence.",
				Validation: models.ValidationNonEmpty,
				OnComplete: models.HookRecordGoal,
			},
			{
				ID:           "obstacles",
				Kind:         models.StepKindGenAI,
				Prompt:       "Ask the user what might get in the way of the goal they just described.",
				SystemPrompt: "You are a supportive wellness coach helping a user plan a goal. Restate their goal briefly, then ask what obstacles they expect.",
				Validation:   models.ValidationNonEmpty,
			},
			{
				ID:         "first_step",
				Kind:       models.StepKindStatic,
				Prompt:     "What is one small step you can take this week?",
				Validation: models.ValidationNonEmpty,
			},
			{
				ID:     "commit",
				Kind:   models.StepKindStatic,
				Prompt: "Sounds like a plan. I'll check in with you on this soon.",
			},
		},
		Completion: models.CompletionCriteria{Kind: models.CompletionStepReached, MinStep: 4},
	}
}

func reflectionSession() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   models.WorkflowReflectionSession,
		Name: "Reflection Session",
		Steps: []models.WorkflowStep{
			{
				ID:     "opening",
				Kind:   models.StepKindStatic,
				Prompt: "Let's take a few minutes to reflect. What's been on your mind lately?",
			},
			{
				ID:           "explore",
				Kind:         models.StepKindGenAI,
				Prompt:       "Explore the topic the user raised with one thoughtful follow-up question.",
				SystemPrompt: "You are a supportive wellness coach leading a reflection session. Mirror what the user shared in one sentence, then ask one deeper follow-up question.",
				Validation:   models.ValidationNonEmpty,
			},
			{
				ID:         "takeaway",
				Kind:       models.StepKindStatic,
				Prompt:     "What is one thing you want to take away from this reflection?",
				Validation: models.ValidationNonEmpty,
			},
			{
				ID:     "wrap_up",
				Kind:   models.StepKindStatic,
				Prompt: "Thank you for reflecting with me today.",
			},
		},
		Completion: models.CompletionCriteria{Kind: models.CompletionStepReached, MinStep: 3},
	}
}
