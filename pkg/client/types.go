// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import "time"

// Session is one hosted session: a working directory plus its workers.
type Session struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"` // "worktree" or "quick"
	LocationPath  string    `json:"locationPath"`
	ServerPid     *int      `json:"serverPid"`
	InitialPrompt string    `json:"initialPrompt,omitempty"`
	Title         string    `json:"title,omitempty"`
	RepositoryID  string    `json:"repositoryId,omitempty"`
	WorktreeID    string    `json:"worktreeId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Workers       []Worker  `json:"workers"`
}

// Worker is one terminal-producing unit inside a session.
type Worker struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"` // "agent", "terminal", "gitdiff" or "sdk"
	Name          string    `json:"name"`
	AgentID       string    `json:"agentId,omitempty"`
	BaseCommit    string    `json:"baseCommit,omitempty"`
	ActivityState string    `json:"activityState,omitempty"`
	Active        bool      `json:"active"`
	Pid           int       `json:"pid,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ActivityPatterns carries an agent's asking-detection regexes.
type ActivityPatterns struct {
	AskingPatterns []string `json:"askingPatterns,omitempty"`
}

// Agent is a registered coding-agent command template.
type Agent struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	CommandTemplate  string            `json:"commandTemplate"`
	ContinueTemplate string            `json:"continueTemplate,omitempty"`
	HeadlessTemplate string            `json:"headlessTemplate,omitempty"`
	Description      string            `json:"description,omitempty"`
	IsBuiltIn        bool              `json:"isBuiltIn"`
	ActivityPatterns *ActivityPatterns `json:"activityPatterns,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Repository is a registered git repository.
type Repository struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Path           string            `json:"path"`
	Description    string            `json:"description,omitempty"`
	SetupCommand   string            `json:"setupCommand,omitempty"`
	CleanupCommand string            `json:"cleanupCommand,omitempty"`
	EnvVars        map[string]string `json:"envVars,omitempty"`
	DefaultAgentID string            `json:"defaultAgentId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Worktree is a git worktree created under the app home for a repository.
type Worktree struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Path         string    `json:"path"`
	IndexNumber  int       `json:"indexNumber"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SlackIntegration is a repository's notification webhook.
type SlackIntegration struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	WebhookURL   string    `json:"webhookUrl"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ServerConfig is the server identity returned by GET /api/config. Clients
// compare ServerPid against cached scrollback snapshots to detect restarts.
type ServerConfig struct {
	HomeDir   string `json:"homeDir"`
	ServerPid int    `json:"serverPid"`
}

// CreateSessionRequest describes a new session. When AgentID is set, an
// agent worker is spawned in the session immediately.
type CreateSessionRequest struct {
	Type          string `json:"type"`
	LocationPath  string `json:"locationPath"`
	Title         string `json:"title,omitempty"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
	RepositoryID  string `json:"repositoryId,omitempty"`
	WorktreeID    string `json:"worktreeId,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
}

// PatchSessionRequest carries partial session updates. Nil fields are left
// unchanged.
type PatchSessionRequest struct {
	Title  *string `json:"title,omitempty"`
	Branch *string `json:"branch,omitempty"`
}

// CreateWorkerRequest describes a worker to add to a session.
type CreateWorkerRequest struct {
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	BaseCommit string `json:"baseCommit,omitempty"`
}

// RestartWorkerRequest tunes an agent worker restart.
type RestartWorkerRequest struct {
	ContinueConversation bool   `json:"continueConversation"`
	AgentID              string `json:"agentId,omitempty"`
	Branch               string `json:"branch,omitempty"`
}

// RegisterAgentRequest describes a custom agent. Command is the launch
// template and may carry a {{prompt}} placeholder.
type RegisterAgentRequest struct {
	Name             string            `json:"name"`
	Command          string            `json:"command"`
	ContinueCommand  string            `json:"continueCommand,omitempty"`
	HeadlessCommand  string            `json:"headlessCommand,omitempty"`
	Description      string            `json:"description,omitempty"`
	ActivityPatterns *ActivityPatterns `json:"activityPatterns,omitempty"`
}

// UpdateAgentRequest carries partial agent updates. Nil fields are left
// unchanged.
type UpdateAgentRequest struct {
	Name             *string           `json:"name,omitempty"`
	Command          *string           `json:"command,omitempty"`
	ContinueCommand  *string           `json:"continueCommand,omitempty"`
	HeadlessCommand  *string           `json:"headlessCommand,omitempty"`
	Description      *string           `json:"description,omitempty"`
	ActivityPatterns *ActivityPatterns `json:"activityPatterns,omitempty"`
}

// Worktree creation modes.
const (
	WorktreeModeNewBranch      = "new-branch"
	WorktreeModeExistingBranch = "existing-branch"
)

// CreateWorktreeRequest describes a worktree to add to a repository.
type CreateWorktreeRequest struct {
	Mode   string `json:"mode"` // WorktreeModeNewBranch or WorktreeModeExistingBranch
	Branch string `json:"branch,omitempty"`
}

// SetSlackIntegrationRequest configures a repository's webhook.
type SetSlackIntegrationRequest struct {
	WebhookURL string `json:"webhookUrl"`
	Enabled    bool   `json:"enabled"`
}

// InboundEventRequest is the webhook body for external agent events (a PR
// comment, a CI failure) that should be surfaced on the session's channels.
type InboundEventRequest struct {
	JobID        string `json:"jobId"`
	SessionID    string `json:"sessionId"`
	WorkerID     string `json:"workerId"`
	HandlerID    string `json:"handlerId"`
	EventType    string `json:"eventType"`
	EventSummary string `json:"eventSummary,omitempty"`
}
