// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// ImportLegacyJSON reads the pre-database JSON files from home and loads
// them into the store, renaming each file to *.migrated on success so the
// import runs once. On failure the database files are removed so the next
// startup retries from a clean slate; the store is unusable afterwards.
func (s *Store) ImportLegacyJSON(home string) error {
	steps := []struct {
		file string
		run  func(path string) (int, error)
	}{
		{"agents.json", s.importLegacyAgents},
		{"repositories.json", s.importLegacyRepositories},
		{"sessions.json", s.importLegacySessions},
	}
	for _, step := range steps {
		path := filepath.Join(home, step.file)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		n, err := step.run(path)
		if err != nil {
			s.Destroy()
			return fmt.Errorf("importing %s: %w", step.file, err)
		}
		if err := os.Rename(path, path+".migrated"); err != nil {
			s.Destroy()
			return fmt.Errorf("renaming %s after import: %w", step.file, err)
		}
		log.Printf("Store: imported %d records from %s", n, step.file)
	}

	// Worktree index files are scattered under the repositories tree and
	// only refine numbering, so their import is best-effort.
	s.importWorktreeIndexes(home)
	return nil
}

type legacyWorker struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	AgentID    string `json:"agentId"`
	BaseCommit string `json:"baseCommit"`
	CreatedAt  string `json:"createdAt"`
}

type legacySession struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	LocationPath  string         `json:"locationPath"`
	ServerPid     *int           `json:"serverPid"`
	InitialPrompt string         `json:"initialPrompt"`
	Title         string         `json:"title"`
	RepositoryID  string         `json:"repositoryId"`
	WorktreeID    string         `json:"worktreeId"`
	CreatedAt     string         `json:"createdAt"`
	Workers       []legacyWorker `json:"workers"`
}

func (s *Store) importLegacySessions(path string) (int, error) {
	var records []legacySession
	if err := readLegacyFile(path, &records); err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range records {
		if rec.ID == "" || rec.Type == "" || rec.LocationPath == "" {
			log.Printf("Store: skipping legacy session with missing fields (id=%q)", rec.ID)
			continue
		}
		created := parseLegacyTime(rec.CreatedAt)
		sess := Session{
			ID:            rec.ID,
			Type:          rec.Type,
			LocationPath:  rec.LocationPath,
			ServerPid:     rec.ServerPid,
			InitialPrompt: rec.InitialPrompt,
			Title:         rec.Title,
			RepositoryID:  rec.RepositoryID,
			WorktreeID:    rec.WorktreeID,
			CreatedAt:     created,
			UpdatedAt:     created,
		}
		var workers []Worker
		for _, lw := range rec.Workers {
			if lw.ID == "" || lw.Type == "" {
				log.Printf("Store: skipping legacy worker with missing fields in session %s", rec.ID)
				continue
			}
			wCreated := parseLegacyTime(lw.CreatedAt)
			workers = append(workers, Worker{
				ID:         lw.ID,
				SessionID:  rec.ID,
				Type:       lw.Type,
				Name:       lw.Name,
				AgentID:    lw.AgentID,
				BaseCommit: lw.BaseCommit,
				CreatedAt:  wCreated,
				UpdatedAt:  wCreated,
			})
		}
		if err := s.SaveSession(sess, workers); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

type legacyRepository struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Path           string            `json:"path"`
	Description    string            `json:"description"`
	SetupCommand   string            `json:"setupCommand"`
	CleanupCommand string            `json:"cleanupCommand"`
	EnvVars        map[string]string `json:"envVars"`
	DefaultAgentID string            `json:"defaultAgentId"`
	CreatedAt      string            `json:"createdAt"`
}

func (s *Store) importLegacyRepositories(path string) (int, error) {
	var records []legacyRepository
	if err := readLegacyFile(path, &records); err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range records {
		if rec.ID == "" || rec.Name == "" || rec.Path == "" {
			log.Printf("Store: skipping legacy repository with missing fields (id=%q)", rec.ID)
			continue
		}
		created := parseLegacyTime(rec.CreatedAt)
		err := s.CreateRepository(Repository{
			ID:             rec.ID,
			Name:           rec.Name,
			Path:           rec.Path,
			Description:    rec.Description,
			SetupCommand:   rec.SetupCommand,
			CleanupCommand: rec.CleanupCommand,
			EnvVars:        rec.EnvVars,
			DefaultAgentID: rec.DefaultAgentID,
			CreatedAt:      created,
			UpdatedAt:      created,
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

type legacyAgent struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	CommandTemplate  string            `json:"commandTemplate"`
	ContinueTemplate string            `json:"continueTemplate"`
	HeadlessTemplate string            `json:"headlessTemplate"`
	Description      string            `json:"description"`
	IsBuiltIn        bool              `json:"isBuiltIn"`
	ActivityPatterns *ActivityPatterns `json:"activityPatterns"`
	CreatedAt        string            `json:"createdAt"`
	// Older exports used registeredAt; createdAt wins when both exist.
	RegisteredAt string `json:"registeredAt"`
}

func (s *Store) importLegacyAgents(path string) (int, error) {
	var records []legacyAgent
	if err := readLegacyFile(path, &records); err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range records {
		if rec.IsBuiltIn {
			continue
		}
		if rec.ID == "" || rec.Name == "" || rec.CommandTemplate == "" {
			log.Printf("Store: skipping legacy agent with missing fields (id=%q)", rec.ID)
			continue
		}
		stamp := rec.CreatedAt
		if stamp == "" {
			stamp = rec.RegisteredAt
		}
		created := parseLegacyTime(stamp)
		err := s.CreateAgent(Agent{
			ID:               rec.ID,
			Name:             rec.Name,
			CommandTemplate:  rec.CommandTemplate,
			ContinueTemplate: rec.ContinueTemplate,
			HeadlessTemplate: rec.HeadlessTemplate,
			Description:      rec.Description,
			ActivityPatterns: rec.ActivityPatterns,
			CreatedAt:        created,
			UpdatedAt:        created,
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// importWorktreeIndexes walks {home}/repositories for legacy
// worktree-indexes.json files mapping branch names to index numbers and
// records the worktrees it can still resolve. Failures only log.
func (s *Store) importWorktreeIndexes(home string) {
	root := filepath.Join(home, "repositories")
	matches, err := filepath.Glob(filepath.Join(root, "*", "*", "worktrees", "worktree-indexes.json"))
	if err != nil || len(matches) == 0 {
		return
	}
	repos, err := s.ListRepositories()
	if err != nil {
		log.Printf("Store: skipping worktree index import: %v", err)
		return
	}
	byName := make(map[string]Repository, len(repos))
	for _, r := range repos {
		byName[r.Name] = r
	}

	for _, path := range matches {
		worktreesDir := filepath.Dir(path)
		repoName := filepath.Base(filepath.Dir(worktreesDir))
		repo, ok := byName[repoName]
		if !ok {
			log.Printf("Store: no repository named %q for %s, skipping", repoName, path)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Store: reading %s: %v", path, err)
			continue
		}
		var indexes map[string]int
		if err := json.Unmarshal(data, &indexes); err != nil {
			log.Printf("Store: parsing %s: %v", path, err)
			continue
		}
		for branch, index := range indexes {
			wtPath := filepath.Join(worktreesDir, branch)
			if _, err := os.Stat(wtPath); err != nil {
				continue
			}
			existing, err := s.GetWorktreeByPath(wtPath)
			if err != nil || existing != nil {
				continue
			}
			err = s.CreateWorktree(Worktree{
				ID:           fmt.Sprintf("%s-%d", repo.ID, index),
				RepositoryID: repo.ID,
				Path:         wtPath,
				IndexNumber:  index,
				CreatedAt:    time.Now().UTC(),
			})
			if err != nil {
				log.Printf("Store: recording legacy worktree %s: %v", wtPath, err)
			}
		}
		if err := os.Rename(path, path+".migrated"); err != nil {
			log.Printf("Store: renaming %s: %v", path, err)
		}
	}
}

func readLegacyFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func parseLegacyTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
