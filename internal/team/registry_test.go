package team

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	r := NewRegistry(Defaults())
	if r.Len() != 15 {
		t.Fatalf("default teams = %d, want 15", r.Len())
	}
	for _, name := range r.Names() {
		cfg, ok := r.Get(name)
		if !ok {
			t.Fatalf("Get(%q) missing", name)
		}
		if cfg.Lead == "" || len(cfg.Members) == 0 {
			t.Fatalf("team %q incomplete: %+v", name, cfg)
		}
	}
	if lead := r.Lead("finance-billing"); lead != "CFO" {
		t.Fatalf("finance-billing lead = %q", lead)
	}
}

func TestTeamForAgent(t *testing.T) {
	r := NewRegistry(Defaults())

	cfg, ok := r.TeamForAgent("CFO")
	if !ok || cfg.Name != "finance-billing" {
		t.Fatalf("TeamForAgent(CFO) = %+v, %v", cfg, ok)
	}
	cfg, ok = r.TeamForAgent("LeadScorer")
	if !ok || cfg.Name != "sales-crm" {
		t.Fatalf("TeamForAgent(LeadScorer) = %+v, %v", cfg, ok)
	}
	if _, ok := r.TeamForAgent("Nobody"); ok {
		t.Fatal("unknown agent matched a team")
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		r, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if r.Len() != 15 {
			t.Fatalf("teams = %d, want defaults", r.Len())
		}
	})

	t.Run("custom roster", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "teams.yaml")
		data := `
- name: ops
  display_name: Ops
  lead: OpsLead
  members: [OpsBotA, OpsBotB]
  description: day-to-day operations
`
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		r, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if r.Len() != 1 || r.Lead("ops") != "OpsLead" {
			t.Fatalf("registry = %v", r.Names())
		}
	})

	t.Run("rejects team without members", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "teams.yaml")
		if err := os.WriteFile(path, []byte("- name: empty\n  lead: X\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatal("empty team accepted")
		}
	})
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "teams.yaml")
	r, err := Load(path) // defaults
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 15 {
		t.Fatalf("teams = %d", r.Len())
	}

	data := "- name: skeleton\n  lead: Solo\n  members: [Bot]\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if r.Len() != 1 || r.Lead("skeleton") != "Solo" {
		t.Fatalf("after reload: %v", r.Names())
	}
}
