package taskgraph

import (
	"errors"
	"strings"
	"testing"
)

// TestLoad validates graph loading with various structures.
func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []*Task
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			tasks: []*Task{
				{ID: "a"},
				{ID: "b", DependsOn: []string{"a"}},
				{ID: "c", DependsOn: []string{"b"}},
			},
		},
		{
			name: "valid diamond",
			tasks: []*Task{
				{ID: "a"},
				{ID: "b", DependsOn: []string{"a"}},
				{ID: "c", DependsOn: []string{"a"}},
				{ID: "d", DependsOn: []string{"b", "c"}},
			},
		},
		{
			name:  "single task",
			tasks: []*Task{{ID: "a"}},
		},
		{
			name: "direct cycle",
			tasks: []*Task{
				{ID: "a", DependsOn: []string{"b"}},
				{ID: "b", DependsOn: []string{"a"}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			tasks: []*Task{
				{ID: "a", DependsOn: []string{"c"}},
				{ID: "b", DependsOn: []string{"a"}},
				{ID: "c", DependsOn: []string{"b"}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "self loop",
			tasks:       []*Task{{ID: "a", DependsOn: []string{"a"}}},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "unresolved dependency",
			tasks: []*Task{
				{ID: "a", DependsOn: []string{"ghost"}},
			},
			wantErr:     true,
			errContains: "ghost",
		},
		{
			name: "duplicate ID",
			tasks: []*Task{
				{ID: "a"},
				{ID: "a"},
			},
			wantErr:     true,
			errContains: "duplicate",
		},
		{
			name:        "empty ID",
			tasks:       []*Task{{ID: ""}},
			wantErr:     true,
			errContains: "empty",
		},
		{
			name: "disconnected components",
			tasks: []*Task{
				{ID: "a"},
				{ID: "b", DependsOn: []string{"a"}},
				{ID: "c"},
				{ID: "d", DependsOn: []string{"c"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Load(tt.tasks)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("expected ConfigurationError, got %T", err)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if g.Len() != len(tt.tasks) {
				t.Errorf("Len() = %d, want %d", g.Len(), len(tt.tasks))
			}
		})
	}
}

// TestGroups checks the canonical db/backend/frontend/tests grouping.
func TestGroups(t *testing.T) {
	g, err := Load([]*Task{
		{ID: "tests", DependsOn: []string{"backend", "frontend"}},
		{ID: "backend", DependsOn: []string{"db"}},
		{ID: "frontend", DependsOn: []string{"db"}},
		{ID: "db"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	groups := g.Groups()
	want := [][]string{{"db"}, {"backend", "frontend"}, {"tests"}}
	if len(groups) != len(want) {
		t.Fatalf("got %d groups, want %d", len(groups), len(want))
	}
	for i, group := range groups {
		if len(group) != len(want[i]) {
			t.Fatalf("group %d has %d tasks, want %d", i, len(group), len(want[i]))
		}
		for j, task := range group {
			if task.ID != want[i][j] {
				t.Errorf("group %d task %d = %q, want %q", i, j, task.ID, want[i][j])
			}
		}
	}
}

// TestGroupsPriorityOrder verifies priority then ID ordering within a group.
func TestGroupsPriorityOrder(t *testing.T) {
	g, err := Load([]*Task{
		{ID: "zeta", Priority: PriorityHigh},
		{ID: "alpha", Priority: PriorityLow},
		{ID: "mid-b", Priority: PriorityMedium},
		{ID: "mid-a", Priority: PriorityMedium},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	groups := g.Groups()
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	got := []string{}
	for _, task := range groups[0] {
		got = append(got, task.ID)
	}
	want := []string{"zeta", "mid-a", "mid-b", "alpha"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("group order = %v, want %v", got, want)
		}
	}
}

func TestTransitiveDependents(t *testing.T) {
	g, err := Load([]*Task{
		{ID: "db"},
		{ID: "backend", DependsOn: []string{"db"}},
		{ID: "frontend", DependsOn: []string{"db"}},
		{ID: "tests", DependsOn: []string{"backend", "frontend"}},
		{ID: "docs"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := g.TransitiveDependents("db")
	want := map[string]bool{"backend": true, "frontend": true, "tests": true}
	if len(got) != len(want) {
		t.Fatalf("TransitiveDependents = %v, want keys %v", got, want)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected dependent %q", id)
		}
	}

	if deps := g.TransitiveDependents("docs"); len(deps) != 0 {
		t.Errorf("docs has no dependents, got %v", deps)
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority(""); err != nil || p != PriorityMedium {
		t.Errorf("empty priority should default to medium, got %v, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestParseIsolation(t *testing.T) {
	if _, err := ParseIsolation("worktree"); err != nil {
		t.Errorf("worktree: %v", err)
	}
	if _, err := ParseIsolation("vm"); err == nil {
		t.Error("expected error for unknown isolation mode")
	}
}
