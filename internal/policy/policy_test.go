package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/latticerun/core/internal/policy"
	"github.com/latticerun/core/internal/store"
)

func TestFunctionChecker_DenyAllWhenScopeEmpty(t *testing.T) {
	global := policy.NewLivePolicy(policy.Default(), "")
	c := policy.NewFunctionChecker(store.Permissions{}, global)

	if c.AllowRead("/tmp/anything") {
		t.Fatal("expected deny: function declared no read scopes")
	}
	if c.AllowRun("curl") {
		t.Fatal("expected deny: function declared no run scopes")
	}
}

func TestFunctionChecker_AllowsDeclaredScope(t *testing.T) {
	global := policy.NewLivePolicy(policy.Default(), "")
	c := policy.NewFunctionChecker(store.Permissions{
		Read: []string{"/workspace/*"},
		Env:  []string{"API_KEY"},
		Run:  []string{"node"},
	}, global)

	if !c.AllowRead("/workspace/input.json") {
		t.Fatal("expected allow: path matches declared prefix scope")
	}
	if c.AllowRead("/etc/passwd") {
		t.Fatal("expected deny: path outside declared scope")
	}
	if !c.AllowEnv("API_KEY") {
		t.Fatal("expected allow: exact env scope match")
	}
	if c.AllowEnv("AWS_SECRET_ACCESS_KEY") {
		t.Fatal("expected deny: env var not in declared scope")
	}
	if !c.AllowRun("node") {
		t.Fatal("expected allow: exact run scope match")
	}
}

func TestFunctionChecker_GlobalPolicyNarrowsFunctionScope(t *testing.T) {
	dir := t.TempDir()
	global := policy.NewLivePolicy(policy.Policy{AllowPaths: []string{filepath.Join(dir, "allowed")}}, "")
	if err := os.MkdirAll(filepath.Join(dir, "allowed"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "denied"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	c := policy.NewFunctionChecker(store.Permissions{Read: []string{"*"}}, global)

	if !c.AllowRead(filepath.Join(dir, "allowed", "f.txt")) {
		t.Fatal("expected allow: path within global allow-list and function scope")
	}
	if c.AllowRead(filepath.Join(dir, "denied", "f.txt")) {
		t.Fatal("expected deny: path outside global allow-list even though function scope allows *")
	}
}

func TestReloadFromFile_PreservesPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("allow_paths: [\"/tmp\"]\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	lp := policy.NewLivePolicy(initial, path)
	beforeVersion := lp.PolicyVersion()

	if err := os.WriteFile(path, []byte("not: valid: yaml: [["), 0o644); err != nil {
		t.Fatalf("write bad policy: %v", err)
	}
	if err := lp.ReloadFromFile(); err == nil {
		t.Fatal("expected reload to fail on invalid yaml")
	}
	if lp.PolicyVersion() != beforeVersion {
		t.Fatal("expected policy to remain unchanged after failed reload")
	}
}

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.AllowPaths) != 0 || len(p.AllowEnv) != 0 || len(p.AllowCommands) != 0 {
		t.Fatalf("expected empty default policy, got %+v", p)
	}
}
