package tools

import "fmt"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM        string `json:"for_llm"`        // content fed back into the model
	IsError       bool   `json:"is_error"`       // marks a tool failure (model may retry)
	StopExecution bool   `json:"stop_execution"` // halt the current agent turn
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func Errorf(format string, args ...any) *Result {
	return ErrorResult(fmt.Sprintf(format, args...))
}

// StopResult halts the turn after delivering forLLM.
func StopResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, StopExecution: true}
}
