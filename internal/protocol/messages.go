// Package protocol defines the websocket wire messages exchanged with the
// generation service and the subjects used on the internal bus.
package protocol

import (
	"time"

	"github.com/nanlingyin/SoulLink-Live2D/internal/param"
)

// Outbound message types.
const (
	TypeChat             = "chat"
	TypeChatWithReply    = "chat_with_reply"
	TypeExpression       = "expression"
	TypeUpdateParameters = "update_parameters"
	TypeLoadModel        = "load_model"
	TypePing             = "ping"
	TypeReset            = "reset"
)

// Inbound message types.
const (
	TypeModelList         = "model_list"
	TypeChatResponse      = "chat_response"
	TypeChatError         = "chat_error"
	TypeParametersUpdated = "parameters_updated"
	TypeError             = "error"
	TypePong              = "pong"
	// TypeExpression, TypeLoadModel and TypeReset also arrive inbound.
)

// ChatTurn is one entry of the rolling conversation history.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest asks the service for a conversational reply and/or a
// matching expression.
type ChatRequest struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	Message   string     `json:"message"`
	Context   string     `json:"context,omitempty"`
	History   []ChatTurn `json:"history,omitempty"`
	AutoReset bool       `json:"autoReset"`
}

// ExpressionPush directly pushes a target parameter set upstream.
type ExpressionPush struct {
	Type       string             `json:"type"`
	ID         string             `json:"id,omitempty"`
	Parameters map[string]float64 `json:"parameters"`
	Duration   int                `json:"duration,omitempty"`
	AutoReset  bool               `json:"autoReset,omitempty"`
}

// UpdateParameters informs the service of the loaded avatar's channels.
type UpdateParameters struct {
	Type       string                   `json:"type"`
	ID         string                   `json:"id,omitempty"`
	Parameters map[string]param.Channel `json:"parameters"`
}

// LoadModelRequest asks the service to switch avatars.
type LoadModelRequest struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Model string `json:"model"`
}

// Ping is the heartbeat message; Pong comes back as an Inbound.
type Ping struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ResetRequest asks for a revert to baseline.
type ResetRequest struct {
	Type     string `json:"type"`
	Duration int    `json:"duration,omitempty"`
}

// ModelInfo describes one discovered avatar on the service side.
type ModelInfo struct {
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	Directory string   `json:"directory"`
	ModelFile string   `json:"model_file"`
	Motions   []string `json:"motions,omitempty"`
}

// Inbound is the decoded envelope of any message received from the
// service. Only the fields matching Type carry meaning; the rest stay at
// their zero value. Unrecognized types are logged and ignored.
type Inbound struct {
	Type       string             `json:"type"`
	ID         string             `json:"id,omitempty"`
	Reply      string             `json:"reply,omitempty"`
	Label      string             `json:"expression,omitempty"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	Duration   *float64           `json:"duration,omitempty"`
	AutoReset  *bool              `json:"autoReset,omitempty"`
	Error      string             `json:"error,omitempty"`
	Message    string             `json:"message,omitempty"`
	Count      int                `json:"count,omitempty"`
	Models     []ModelInfo        `json:"models,omitempty"`
	Current    string             `json:"current,omitempty"`
	Model      *ModelInfo         `json:"model,omitempty"`
}

// Subjects on the internal bus. Commands drive the director; events are
// what it publishes for observers (CLI, renderer bridges, dashboards).
const (
	SubjectCmdChat       = "avatar.cmd.chat"
	SubjectCmdExpression = "avatar.cmd.expression"
	SubjectCmdPreset     = "avatar.cmd.preset"
	SubjectCmdParam      = "avatar.cmd.param"
	SubjectCmdReset      = "avatar.cmd.reset"
	SubjectCmdStatus     = "avatar.cmd.status"

	SubjectEventExpression = "avatar.event.expression"
	SubjectEventTranscript = "avatar.event.transcript"
	SubjectEventSession    = "avatar.event.session"
	SubjectEventModel      = "avatar.event.model"
	SubjectEventFrame      = "avatar.event.frame"

	SubjectSpeechStarted  = "avatar.speech.started"
	SubjectSpeechFinished = "avatar.speech.finished"

	SubjectModelParameters = "avatar.model.parameters"
)

// ChatCommand is the bus-side request to talk to the avatar.
type ChatCommand struct {
	Message   string `json:"message"`
	Context   string `json:"context,omitempty"`
	AutoReset *bool  `json:"auto_reset,omitempty"`
}

// ExpressionCommand applies a raw parameter set locally.
type ExpressionCommand struct {
	Parameters map[string]float64 `json:"parameters"`
	Duration   int                `json:"duration_ms,omitempty"`
	Easing     string             `json:"easing,omitempty"`
	AutoReset  bool               `json:"auto_reset,omitempty"`
}

// PresetCommand applies a named preset expression.
type PresetCommand struct {
	Name     string `json:"name"`
	Duration int    `json:"duration_ms,omitempty"`
}

// ParamCommand sets a single channel.
type ParamCommand struct {
	ID       string  `json:"id"`
	Value    float64 `json:"value"`
	Duration int     `json:"duration_ms,omitempty"`
}

// ResetCommand reverts all channels to their defaults.
type ResetCommand struct {
	Duration int `json:"duration_ms,omitempty"`
}

// StatusReply answers SubjectCmdStatus requests.
type StatusReply struct {
	SessionState string             `json:"session_state"`
	Model        string             `json:"model,omitempty"`
	Channels     int                `json:"channels"`
	Values       map[string]float64 `json:"values,omitempty"`
	Presets      []string           `json:"presets,omitempty"`
}

// ModelParameters is published by the asset-loading collaborator after a
// (re)load; it carries the new declared-channel table.
type ModelParameters struct {
	Model    string          `json:"model"`
	Channels []param.Channel `json:"channels"`
}

// ExpressionEvent reports an expression that started animating.
type ExpressionEvent struct {
	Target     string             `json:"target"`
	Label      string             `json:"label"`
	Parameters map[string]float64 `json:"parameters"`
	DurationMS int64              `json:"duration_ms"`
	AutoReset  bool               `json:"auto_reset"`
	Timestamp  time.Time          `json:"timestamp"`
}

// TranscriptEvent reports a conversational exchange.
type TranscriptEvent struct {
	Message   string    `json:"message"`
	Reply     string    `json:"reply,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent reports a session state change.
type SessionEvent struct {
	State     string    `json:"state"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelEvent reports an avatar swap instructed by the service.
type ModelEvent struct {
	Model     ModelInfo `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

// FrameEvent streams live channel values for out-of-process renderers.
type FrameEvent struct {
	Target    string             `json:"target"`
	Values    map[string]float64 `json:"values"`
	Timestamp time.Time          `json:"timestamp"`
}
