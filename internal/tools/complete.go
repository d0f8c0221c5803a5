package tools

import "context"

// CompleteTool ends the agent's turn explicitly, optionally with a closing
// summary that becomes part of the final reply.
type CompleteTool struct{}

func (t *CompleteTool) Name() string { return "complete" }

func (t *CompleteTool) Description() string {
	return "Mark your work on this message as done and end your turn. " +
		"Use when no further action or reply is needed."
}

func (t *CompleteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "Optional closing summary",
			},
		},
		"additionalProperties": false,
	}
}

func (t *CompleteTool) Execute(ctx context.Context, args map[string]any, ec *ExecContext) *Result {
	summary, _ := args["summary"].(string)
	if summary == "" {
		summary = "Turn complete."
	}
	return StopResult(summary)
}

// Builtins registers the coordination tool set every project runtime gets.
func Builtins(r *Registry) {
	r.MustRegister(&DelegateTool{})
	r.MustRegister(&DelegateExternalTool{})
	r.MustRegister(&DelegateFollowupTool{})
	r.MustRegister(&DelegatePhaseTool{})
	r.MustRegister(&SwitchPhaseTool{})
	r.MustRegister(&CompleteTool{})
}
