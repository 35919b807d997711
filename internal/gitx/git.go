// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gitx wraps the git operations the session and diff machinery
// need: worktree management, branch bookkeeping and diffs.
package gitx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// WorktreeInfo describes one entry from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	Commit   string
	Branch   string
	IsBare   bool
	Detached bool
}

// FileStatus is one line of `git status --porcelain`. Index and Worktree
// are the two status columns.
type FileStatus struct {
	Path     string `json:"path"`
	Index    string `json:"index"`
	Worktree string `json:"worktree"`
}

// Status is a parsed working tree status.
type Status struct {
	Clean bool         `json:"clean"`
	Files []FileStatus `json:"files,omitempty"`
}

// Runner is the interface for git operations, so tests can substitute a
// fake.
type Runner interface {
	IsRepository(ctx context.Context, path string) bool
	Head(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	BranchExists(ctx context.Context, path, branch string) (bool, error)
	RenameBranch(ctx context.Context, path, from, to string) error
	CreateBranchAt(ctx context.Context, path, branch, startPoint string) error
	AddWorktree(ctx context.Context, repoPath, worktreePath, branch string, createBranch bool) error
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string, force bool) error
	ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeInfo, error)
	Diff(ctx context.Context, path, baseCommit string) (string, error)
	Status(ctx context.Context, path string) (Status, error)
}

// RealRunner executes real git commands.
type RealRunner struct{}

// NewRealRunner creates a new git runner.
func NewRealRunner() *RealRunner {
	return &RealRunner{}
}

func (r *RealRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmdArgs := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// IsRepository reports whether path sits inside a git working tree.
func (r *RealRunner) IsRepository(ctx context.Context, path string) bool {
	out, err := r.run(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Head returns the full commit hash of HEAD.
func (r *RealRunner) Head(ctx context.Context, path string) (string, error) {
	out, err := r.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name, or "" for a detached
// HEAD.
func (r *RealRunner) CurrentBranch(ctx context.Context, path string) (string, error) {
	out, err := r.run(ctx, path, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether the branch exists in the repository.
func (r *RealRunner) BranchExists(ctx context.Context, path, branch string) (bool, error) {
	_, err := r.run(ctx, path, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		// rev-parse --verify exits non-zero for unknown refs.
		return false, nil
	}
	return true, nil
}

// RenameBranch renames a local branch.
func (r *RealRunner) RenameBranch(ctx context.Context, path, from, to string) error {
	_, err := r.run(ctx, path, "branch", "-m", from, to)
	return err
}

// CreateBranchAt creates and checks out a branch at startPoint. An empty
// startPoint means HEAD.
func (r *RealRunner) CreateBranchAt(ctx context.Context, path, branch, startPoint string) error {
	args := []string{"checkout", "-b", branch}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	_, err := r.run(ctx, path, args...)
	return err
}

// AddWorktree adds a worktree at worktreePath. With createBranch the
// branch is created at HEAD, otherwise the existing branch is checked
// out.
func (r *RealRunner) AddWorktree(ctx context.Context, repoPath, worktreePath, branch string, createBranch bool) error {
	var args []string
	if createBranch {
		args = []string{"worktree", "add", "-b", branch, worktreePath}
	} else {
		args = []string{"worktree", "add", worktreePath, branch}
	}
	_, err := r.run(ctx, repoPath, args...)
	return err
}

// RemoveWorktree removes a worktree. Force discards uncommitted changes.
func (r *RealRunner) RemoveWorktree(ctx context.Context, repoPath, worktreePath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)
	_, err := r.run(ctx, repoPath, args...)
	return err
}

// ListWorktrees returns the repository's worktrees. Uses --porcelain so
// paths with spaces parse reliably.
func (r *RealRunner) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	out, err := r.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// Diff returns the unified diff against baseCommit, or against HEAD when
// baseCommit is empty. Untracked files do not appear; Status covers those.
func (r *RealRunner) Diff(ctx context.Context, path, baseCommit string) (string, error) {
	base := baseCommit
	if base == "" {
		base = "HEAD"
	}
	return r.run(ctx, path, "diff", base)
}

// Status returns the parsed `git status --porcelain` for path.
func (r *RealRunner) Status(ctx context.Context, path string) (Status, error) {
	out, err := r.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(out), nil
}

// ParseWorktreeListPorcelain parses `git worktree list --porcelain`
// output. Blocks are separated by blank lines:
//
//	worktree /path/to/worktree
//	HEAD abc1234...
//	branch refs/heads/main
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var result []WorktreeInfo
	for _, block := range strings.Split(output, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var info WorktreeInfo
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "worktree "):
				info.Path = strings.TrimPrefix(line, "worktree ")
			case strings.HasPrefix(line, "HEAD "):
				info.Commit = strings.TrimPrefix(line, "HEAD ")
			case strings.HasPrefix(line, "branch "):
				ref := strings.TrimPrefix(line, "branch ")
				info.Branch = strings.TrimPrefix(ref, "refs/heads/")
			case line == "bare":
				info.IsBare = true
			case line == "detached":
				info.Detached = true
			}
		}
		if info.Path != "" {
			result = append(result, info)
		}
	}
	return result
}

// ParseStatus parses `git status --porcelain` output. The two leading
// columns are the index and worktree statuses; leading whitespace is
// significant.
func ParseStatus(output string) Status {
	output = strings.TrimRight(output, " \t\n\r")
	if output == "" {
		return Status{Clean: true}
	}
	var status Status
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		status.Files = append(status.Files, FileStatus{
			Index:    line[0:1],
			Worktree: line[1:2],
			Path:     line[3:],
		})
	}
	status.Clean = len(status.Files) == 0
	return status
}
