package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"quictun/internal/remote"
)

func TestSizeStringUnmarshalYAML(t *testing.T) {
	cases := []struct {
		input     string
		expect    int64
		shouldErr bool
	}{
		{"10K", 10 << 10, false},
		{"2M", 2 << 20, false},
		{"1G", 1 << 30, false},
		{"100", 100, false},
		{"bad", 0, true},
		{"10X", 0, true},
	}
	for _, c := range cases {
		var s SizeString
		var node yaml.Node
		node.Value = c.input
		err := s.UnmarshalYAML(&node)
		if c.shouldErr && err == nil {
			t.Errorf("input %q: expected error", c.input)
		}
		if !c.shouldErr && (err != nil || int64(s) != c.expect) {
			t.Errorf("input %q: got %d, err=%v, want %d", c.input, int64(s), err, c.expect)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quictun.yaml")
	data := "remotes:\n  - \"8080\"\n  - \"R:9090\"\nrateLimit: \"10M\"\ninterface: eth0\nlog:\n  filename: tunnel.log\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Remotes) != 2 {
		t.Fatalf("got %d remotes, want 2", len(f.Remotes))
	}
	if f.RateLimit != 10<<20 {
		t.Errorf("got rate limit %d, want %d", f.RateLimit, 10<<20)
	}
	if f.Interface != "eth0" {
		t.Errorf("got interface %q, want eth0", f.Interface)
	}
	if f.Log == nil || f.Log.Filename != "tunnel.log" {
		t.Errorf("got log %+v, want filename tunnel.log", f.Log)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/quictun.yaml"); err == nil {
		t.Errorf("expected error loading a missing file")
	}
}

func TestMergeRemotesDeduplicatesAgainstCLI(t *testing.T) {
	cli, err := remote.ParseAll([]string{"8080"})
	if err != nil {
		t.Fatalf("ParseAll: %v", err)
	}
	merged, err := MergeRemotes(cli, []string{"8080", "9090"})
	if err != nil {
		t.Fatalf("MergeRemotes: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("got %d remotes, want 2: %+v", len(merged), merged)
	}
}
