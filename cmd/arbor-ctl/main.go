// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// arbor-ctl is a command-line tool for controlling a running Arbor instance.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wingedpig/arbor/pkg/client"
)

var (
	version    = "0.9"
	apiURL     = "http://localhost:8080"
	jsonOutput = false

	// API client instance
	apiClient *client.Client
)

func main() {
	// Check for ARBOR_API environment variable
	if env := os.Getenv("ARBOR_API"); env != "" {
		apiURL = strings.TrimSuffix(env, "/")
	}

	// Parse global flags and filter them out
	var filteredArgs []string
	for _, arg := range os.Args[1:] {
		if arg == "-json" {
			jsonOutput = true
		} else {
			filteredArgs = append(filteredArgs, arg)
		}
	}

	apiClient = client.New(apiURL)

	if len(filteredArgs) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmd := filteredArgs[0]
	args := filteredArgs[1:]

	var err error
	switch cmd {
	case "sessions":
		err = cmdSessions(args)
	case "workers":
		err = cmdWorkers(args)
	case "agents":
		err = cmdAgents(args)
	case "repos":
		err = cmdRepos(args)
	case "config":
		err = cmdConfig(args)
	case "version", "-v", "--version":
		fmt.Printf("arbor-ctl %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`arbor-ctl - Control a running Arbor instance

Usage:
  arbor-ctl [-json] <command> [arguments]

Global Flags:
  -json          Output in JSON format

Environment:
  ARBOR_API      Base URL of Arbor API (default: http://localhost:8080)

Commands:
  sessions list                     List all sessions and their workers
  sessions create [options]         Create a session
    -type <worktree|quick>          Session type (default: quick)
    -path <dir>                     Working directory (required)
    -title <title>                  Display title
    -prompt <text>                  Initial prompt for the first agent
    -agent <id>                     Spawn an agent worker immediately
    -repo <id>                      Repository id (worktree sessions)
    -worktree <id>                  Worktree id (worktree sessions)
  sessions delete <id>              Delete a session and its workers

  workers list <session>            List a session's workers
  workers create <session> [options]
    -type <agent|terminal|gitdiff>  Worker type (default: terminal)
    -name <name>                    Display name
    -agent <id>                     Agent id (agent workers)
    -base <commit>                  Base commit (gitdiff workers)
  workers delete <session> <worker>
  workers restart <session> <worker> [options]
    -continue                       Continue the previous conversation
    -agent <id>                     Switch to a different agent
    -branch <name>                  Rename the session branch

  agents list                       List registered agents
  agents register [options]         Register a custom agent
    -name <name>                    Display name (required)
    -command <template>             Launch template, may use {{prompt}} (required)
    -continue-command <template>    Continue-conversation template
    -headless-command <template>    Headless template
    -description <text>             Description
  agents delete <id>                Delete a custom agent

  repos list                        List registered repositories
  repos add <path>                  Register a git repository
  repos remove <id>                 Unregister a repository

  config                            Show server home directory and pid
  version                           Show version`)
}

// printJSON outputs any value as formatted JSON
func printJSON(v interface{}) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func cmdSessions(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arbor-ctl sessions <list|create|delete>")
	}
	ctx := context.Background()

	switch args[0] {
	case "list":
		sessions, err := apiClient.Sessions.List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(sessions)
			return nil
		}
		fmt.Printf("%-36s %-9s %-8s %-20s %s\n", "ID", "TYPE", "WORKERS", "TITLE", "PATH")
		fmt.Println(strings.Repeat("-", 100))
		for _, s := range sessions {
			title := s.Title
			if title == "" {
				title = "-"
			}
			fmt.Printf("%-36s %-9s %-8d %-20s %s\n", s.ID, s.Type, len(s.Workers), title, s.LocationPath)
		}
		return nil

	case "create":
		fs := flag.NewFlagSet("sessions create", flag.ExitOnError)
		sessType := fs.String("type", "quick", "Session type (worktree or quick)")
		path := fs.String("path", "", "Working directory")
		title := fs.String("title", "", "Display title")
		prompt := fs.String("prompt", "", "Initial prompt")
		agent := fs.String("agent", "", "Agent id for the first worker")
		repo := fs.String("repo", "", "Repository id")
		worktree := fs.String("worktree", "", "Worktree id")
		fs.Parse(args[1:])

		if *path == "" {
			return fmt.Errorf("sessions create requires -path")
		}
		s, err := apiClient.Sessions.Create(ctx, client.CreateSessionRequest{
			Type:          *sessType,
			LocationPath:  *path,
			Title:         *title,
			InitialPrompt: *prompt,
			AgentID:       *agent,
			RepositoryID:  *repo,
			WorktreeID:    *worktree,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(s)
			return nil
		}
		fmt.Printf("Created session %s (%s) at %s\n", s.ID, s.Type, s.LocationPath)
		return nil

	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: arbor-ctl sessions delete <id>")
		}
		if err := apiClient.Sessions.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown sessions subcommand: %s", args[0])
	}
}

func cmdWorkers(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arbor-ctl workers <list|create|delete|restart>")
	}
	ctx := context.Background()

	switch args[0] {
	case "list":
		if len(args) < 2 {
			return fmt.Errorf("usage: arbor-ctl workers list <session>")
		}
		workers, err := apiClient.Workers.List(ctx, args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(workers)
			return nil
		}
		fmt.Printf("%-36s %-9s %-20s %-8s %-8s %s\n", "ID", "TYPE", "NAME", "ACTIVE", "PID", "ACTIVITY")
		fmt.Println(strings.Repeat("-", 100))
		for _, w := range workers {
			pid := "-"
			if w.Pid > 0 {
				pid = fmt.Sprintf("%d", w.Pid)
			}
			activity := w.ActivityState
			if activity == "" {
				activity = "-"
			}
			fmt.Printf("%-36s %-9s %-20s %-8t %-8s %s\n", w.ID, w.Type, w.Name, w.Active, pid, activity)
		}
		return nil

	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: arbor-ctl workers create <session> [options]")
		}
		fs := flag.NewFlagSet("workers create", flag.ExitOnError)
		wType := fs.String("type", "terminal", "Worker type (agent, terminal or gitdiff)")
		name := fs.String("name", "", "Display name")
		agent := fs.String("agent", "", "Agent id")
		base := fs.String("base", "", "Base commit for gitdiff workers")
		fs.Parse(args[2:])

		w, err := apiClient.Workers.Create(ctx, args[1], client.CreateWorkerRequest{
			Type:       *wType,
			Name:       *name,
			AgentID:    *agent,
			BaseCommit: *base,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(w)
			return nil
		}
		fmt.Printf("Created worker %s (%s, %q)\n", w.ID, w.Type, w.Name)
		return nil

	case "delete":
		if len(args) < 3 {
			return fmt.Errorf("usage: arbor-ctl workers delete <session> <worker>")
		}
		if err := apiClient.Workers.Delete(ctx, args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Deleted worker %s\n", args[2])
		return nil

	case "restart":
		if len(args) < 3 {
			return fmt.Errorf("usage: arbor-ctl workers restart <session> <worker> [options]")
		}
		fs := flag.NewFlagSet("workers restart", flag.ExitOnError)
		cont := fs.Bool("continue", false, "Continue the previous conversation")
		agent := fs.String("agent", "", "Switch to a different agent")
		branch := fs.String("branch", "", "Rename the session branch")
		fs.Parse(args[3:])

		w, err := apiClient.Workers.Restart(ctx, args[1], args[2], client.RestartWorkerRequest{
			ContinueConversation: *cont,
			AgentID:              *agent,
			Branch:               *branch,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(w)
			return nil
		}
		fmt.Printf("Restarted worker %s (pid %d)\n", w.ID, w.Pid)
		return nil

	default:
		return fmt.Errorf("unknown workers subcommand: %s", args[0])
	}
}

func cmdAgents(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arbor-ctl agents <list|register|delete>")
	}
	ctx := context.Background()

	switch args[0] {
	case "list":
		agents, err := apiClient.Agents.List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(agents)
			return nil
		}
		fmt.Printf("%-24s %-20s %-8s %s\n", "ID", "NAME", "BUILTIN", "COMMAND")
		fmt.Println(strings.Repeat("-", 90))
		for _, a := range agents {
			fmt.Printf("%-24s %-20s %-8t %s\n", a.ID, a.Name, a.IsBuiltIn, a.CommandTemplate)
		}
		return nil

	case "register":
		fs := flag.NewFlagSet("agents register", flag.ExitOnError)
		name := fs.String("name", "", "Display name")
		command := fs.String("command", "", "Launch template")
		contCmd := fs.String("continue-command", "", "Continue-conversation template")
		headless := fs.String("headless-command", "", "Headless template")
		desc := fs.String("description", "", "Description")
		fs.Parse(args[1:])

		if *name == "" || *command == "" {
			return fmt.Errorf("agents register requires -name and -command")
		}
		a, err := apiClient.Agents.Register(ctx, client.RegisterAgentRequest{
			Name:            *name,
			Command:         *command,
			ContinueCommand: *contCmd,
			HeadlessCommand: *headless,
			Description:     *desc,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(a)
			return nil
		}
		fmt.Printf("Registered agent %s (%s)\n", a.ID, a.Name)
		return nil

	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: arbor-ctl agents delete <id>")
		}
		if err := apiClient.Agents.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted agent %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown agents subcommand: %s", args[0])
	}
}

func cmdRepos(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arbor-ctl repos <list|add|remove>")
	}
	ctx := context.Background()

	switch args[0] {
	case "list":
		repos, err := apiClient.Repositories.List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(repos)
			return nil
		}
		fmt.Printf("%-36s %-20s %s\n", "ID", "NAME", "PATH")
		fmt.Println(strings.Repeat("-", 90))
		for _, r := range repos {
			fmt.Printf("%-36s %-20s %s\n", r.ID, r.Name, r.Path)
		}
		return nil

	case "add":
		if len(args) < 2 {
			return fmt.Errorf("usage: arbor-ctl repos add <path>")
		}
		r, err := apiClient.Repositories.Add(ctx, args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(r)
			return nil
		}
		fmt.Printf("Added repository %s (%s)\n", r.ID, r.Name)
		return nil

	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: arbor-ctl repos remove <id>")
		}
		if err := apiClient.Repositories.Remove(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Removed repository %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown repos subcommand: %s", args[0])
	}
}

func cmdConfig(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := apiClient.System.Config(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(cfg)
		return nil
	}
	fmt.Printf("Home directory: %s\n", cfg.HomeDir)
	fmt.Printf("Server pid:     %d\n", cfg.ServerPid)
	return nil
}
