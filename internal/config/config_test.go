package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("trunk")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Trunk.Ref != "trunk" {
		t.Fatalf("ref = %q", cfg.Trunk.Ref)
	}
	if cfg.Readiness.Timeout != 2*time.Minute {
		t.Fatalf("timeout = %s", cfg.Readiness.Timeout)
	}
	if _, ok := cfg.RBAC.Roles[RoleDriver]; !ok {
		t.Fatalf("driver role missing")
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
trunk:
  ref: develop
liveness:
  mode: trust
readiness:
  command: [./scripts/gate.sh, --json]
  timeout: 30s
webhooks:
  - url: https://hooks.example.com/tl
    events: [lease.blocked]
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Trunk.Ref != "develop" || cfg.Liveness.Mode != LivenessTrust {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Server.Addr != "127.0.0.1:7420" {
		t.Fatalf("server addr default lost: %q", cfg.Server.Addr)
	}
	if len(cfg.Readiness.Command) != 2 || cfg.Readiness.Timeout != 30*time.Second {
		t.Fatalf("readiness = %+v", cfg.Readiness)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "lease.blocked" {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"liveness mode": "liveness:\n  mode: psychic\n",
		"empty ref":     "trunk:\n  ref: \"\"\n",
		"log level":     "logging:\n  level: LOUD\n",
		"webhook url":   "webhooks:\n  - url: ftp://nope\n",
		"unknown role":  "rbac:\n  actors:\n    alice: [admin]\n",
		"base path":     "server:\n  base_path: api\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "tl init") {
		t.Fatalf("expected init hint, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.Trunk.Ref != "main" {
		t.Fatalf("load optional: %v %+v", err, cfg)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("main")), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated: %v", err)
	}
	if got := cfg.TrunkDir(dir); got != filepath.Clean(dir) {
		t.Fatalf("trunk dir = %s", got)
	}
}

func TestParseBacklog(t *testing.T) {
	b, err := ParseBacklog([]byte(`
items:
  - slug: api
    group: core
    depends_on: [db]
  - slug: db
    description: schema first
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(b.Items) != 2 || b.Items[0].DependsOn[0] != "db" {
		t.Fatalf("items = %+v", b.Items)
	}
	bad := []string{
		"items:\n  - slug: Bad Slug\n",
		"items:\n  - slug: a\n  - slug: a\n",
		"items:\n  - slug: a\n    depends_on: [a]\n",
	}
	for _, doc := range bad {
		if _, err := ParseBacklog([]byte(doc)); err == nil {
			t.Fatalf("expected error for %q", doc)
		}
	}
}
