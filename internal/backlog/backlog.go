// Package backlog parses the declarative task backlog a target repository
// publishes at .leviathan/backlog.yaml.
//
// Two shapes are accepted: a mapping with a tasks: sequence (optionally
// carrying version and max_open_prs), or a bare top-level sequence of task
// records. Legacy task_id keys are normalized to id.
package backlog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the backlog location inside a target clone.
const DefaultPath = ".leviathan/backlog.yaml"

// Task is one declarative unit of work.
type Task struct {
	ID                 string   `yaml:"id"`
	LegacyID           string   `yaml:"task_id"`
	Title              string   `yaml:"title"`
	Scope              string   `yaml:"scope"`
	Priority           string   `yaml:"priority"`
	EstimatedSize      string   `yaml:"estimated_size"`
	Ready              bool     `yaml:"ready"`
	AllowedPaths       []string `yaml:"allowed_paths"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	Dependencies       []string `yaml:"dependencies"`
	Status             string   `yaml:"status"`
	BranchName         string   `yaml:"branch_name"`
	PRNumber           int      `yaml:"pr_number"`
	LastAttemptID      string   `yaml:"last_attempt_id"`
	CompletedAt        string   `yaml:"completed_at"`
}

// Backlog is the normalized backlog document.
type Backlog struct {
	Version    int    `yaml:"version"`
	MaxOpenPRs int    `yaml:"max_open_prs"`
	Tasks      []Task `yaml:"tasks"`
}

// Parse decodes either accepted backlog shape and validates that every task
// carries an id.
func Parse(data []byte) (*Backlog, error) {
	var doc Backlog
	mapErr := yaml.Unmarshal(data, &doc)
	if mapErr == nil && doc.Tasks != nil {
		return normalize(&doc)
	}

	var tasks []Task
	if seqErr := yaml.Unmarshal(data, &tasks); seqErr == nil && tasks != nil {
		return normalize(&Backlog{Tasks: tasks})
	}

	if mapErr != nil {
		return nil, fmt.Errorf("backlog: parse: %w", mapErr)
	}
	// A valid mapping with no tasks key is an empty backlog.
	return normalize(&doc)
}

// Load reads and parses the backlog at path.
func Load(path string) (*Backlog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backlog: read %s: %w", path, err)
	}
	return Parse(data)
}

func normalize(b *Backlog) (*Backlog, error) {
	for i := range b.Tasks {
		t := &b.Tasks[i]
		if t.ID == "" {
			t.ID = t.LegacyID
		}
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return nil, fmt.Errorf("backlog: task %d has no id", i)
		}
		if t.Priority == "" {
			t.Priority = "medium"
		}
	}
	return b, nil
}

// Find returns the task with the given id, or nil.
func (b *Backlog) Find(id string) *Task {
	for i := range b.Tasks {
		if b.Tasks[i].ID == id {
			return &b.Tasks[i]
		}
	}
	return nil
}

// PriorityRank orders priorities: lower is more urgent.
func PriorityRank(priority string) int {
	switch strings.ToLower(priority) {
	case "high":
		return 0
	case "medium", "":
		return 1
	case "low":
		return 2
	default:
		return 1
	}
}
