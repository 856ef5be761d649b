package models

import "time"

// ── Assistant Sessions ───────────────────────────────────────

// Provider identifies the language-model backend a session talks to.
type Provider string

const (
	ProviderAzureOpenAI Provider = "azure-openai"
	ProviderOllama      Provider = "ollama"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderAzureOpenAI || p == ProviderOllama
}

// Session is an assistant conversation that owns tool invocations.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Provider     Provider  `json:"provider"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	ActiveTools  []string  `json:"activeTools,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	UserID       string   `json:"userId"`
	Provider     Provider `json:"provider"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	ActiveTools  []string `json:"activeTools,omitempty"`
}
