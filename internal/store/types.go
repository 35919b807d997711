// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import "time"

// Session row. Type is "worktree" or "quick"; WorktreeID holds the branch
// name for worktree sessions. A nil ServerPid means hibernated / unowned.
type Session struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	LocationPath  string    `json:"locationPath"`
	ServerPid     *int      `json:"serverPid"`
	InitialPrompt string    `json:"initialPrompt,omitempty"`
	Title         string    `json:"title,omitempty"`
	RepositoryID  string    `json:"repositoryId,omitempty"`
	WorktreeID    string    `json:"worktreeId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Worker row. Pid records the child process for orphan reconciliation.
type Worker struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Type       string    `json:"type"`
	Name       string    `json:"name"`
	Pid        *int      `json:"pid,omitempty"`
	AgentID    string    `json:"agentId,omitempty"`
	BaseCommit string    `json:"baseCommit,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Repository row, unique on Path.
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

// Worktree row, unique on Path, cascade-deleted with its repository.
type Worktree struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Path         string    `json:"path"`
	IndexNumber  int       `json:"indexNumber"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ActivityPatterns is the agent-supplied activity detection configuration,
// stored as JSON.
type ActivityPatterns struct {
	AskingPatterns []string `json:"askingPatterns,omitempty"`
}

// Agent definition row. CommandTemplate carries the {{prompt}} placeholder.
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

// SlackIntegration row, one per repository.
type SlackIntegration struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	WebhookURL   string    `json:"webhookUrl"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Job statuses.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job row for the durable queue. Payload is JSON.
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	NextRetryAt time.Time  `json:"nextRetryAt"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// InboundEventNotification row, unique on (job, session, worker, handler).
type InboundEventNotification struct {
	ID           string     `json:"id"`
	JobID        string     `json:"jobId"`
	SessionID    string     `json:"sessionId"`
	WorkerID     string     `json:"workerId"`
	HandlerID    string     `json:"handlerId"`
	EventType    string     `json:"eventType"`
	EventSummary string     `json:"eventSummary"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	NotifiedAt   *time.Time `json:"notifiedAt,omitempty"`
}
