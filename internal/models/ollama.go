package models

import "encoding/json"

// OllamaModel describes one model known to the backend.
type OllamaModel struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// OllamaTagsResponse is the backend's model listing payload.
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaPullRequest asks the backend to download a model.
type OllamaPullRequest struct {
	Model string `json:"model" validate:"required"`
}

// OllamaChatMessage is a completion API message.
type OllamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaChatRequest is the streaming completion request.
type OllamaChatRequest struct {
	Model    string              `json:"model" validate:"required"`
	Messages []OllamaChatMessage `json:"messages" validate:"required,min=1"`
	Stream   bool                `json:"stream"`
	Options  json.RawMessage     `json:"options,omitempty"`
}

// OllamaChatChunk is one NDJSON frame of a streamed completion.
type OllamaChatChunk struct {
	Model     string            `json:"model"`
	CreatedAt string            `json:"created_at"`
	Message   OllamaChatMessage `json:"message"`
	Done      bool              `json:"done"`
}
