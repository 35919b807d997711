// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agents

import "github.com/wingedpig/arbor/internal/store"

// DefaultAgentID is the agent used when a worker has no usable agent id.
const DefaultAgentID = "claude-code-builtin"

// builtInAgents returns the definitions shipped with the server. They are
// seeded at startup and cannot be deleted.
func builtInAgents() []store.Agent {
	return []store.Agent{
		{
			ID:               DefaultAgentID,
			Name:             "Claude Code",
			CommandTemplate:  `claude "{{prompt}}"`,
			ContinueTemplate: `claude --continue`,
			HeadlessTemplate: `claude -p "{{prompt}}" --output-format stream-json --verbose`,
			Description:      "Anthropic's Claude Code CLI",
			IsBuiltIn:        true,
			ActivityPatterns: &store.ActivityPatterns{
				AskingPatterns: []string{
					`Do you want`,
					`Would you like`,
					`❯\s+1\.`,
					`\(y/n\)`,
					`\[y/N\]`,
					`Press Enter to continue`,
				},
			},
		},
		{
			ID:               "codex-builtin",
			Name:             "Codex",
			CommandTemplate:  `codex "{{prompt}}"`,
			ContinueTemplate: `codex resume --last`,
			Description:      "OpenAI's Codex CLI",
			IsBuiltIn:        true,
			ActivityPatterns: &store.ActivityPatterns{
				AskingPatterns: []string{
					`Allow command\?`,
					`\(y/n\)`,
					`\[y/N\]`,
				},
			},
		},
	}
}
