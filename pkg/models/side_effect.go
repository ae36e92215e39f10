package models

import "time"

type SideEffectKind string

const (
	SideEffectWebhook SideEffectKind = "webhook"
	SideEffectAPICall SideEffectKind = "api_call"
)

// CallRequest is a fully resolved outbound HTTP call.
type CallRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout"`
}

// SideEffect is a request emitted by a processor. The orchestrator decides how it runs.
type SideEffect struct {
	Kind    SideEffectKind `json:"kind"`
	Request CallRequest    `json:"request"`
	Policy  string         `json:"policy,omitempty"`
}

// Task is a side effect handed to a background worker.
type Task struct {
	Key          IdempotencyKey `json:"key"`
	FlowID       string         `json:"flow_id"`
	Kind         SideEffectKind `json:"kind"`
	Request      CallRequest    `json:"request"`
	Policy       string         `json:"policy,omitempty"`
	DispatchedAt time.Time      `json:"dispatched_at"`
}

// TaskResult is the outcome of a task, delivered back to the engine whether it
// succeeded or exhausted its retries.
type TaskResult struct {
	Key        IdempotencyKey `json:"key"`
	Success    bool           `json:"success"`
	StatusCode int            `json:"status_code,omitempty"`
	Body       any            `json:"body,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
}
