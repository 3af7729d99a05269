// Package policy translates a Function's {read, write, env, run}
// permission set into allow/deny checks consulted by the sandbox
// executors before each invocation, bounded by a process-wide default
// that can be hot-reloaded from disk.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/latticerun/core/internal/store"
)

// Checker is consulted by a sandbox executor before granting a resource
// access requested by a running Function.
type Checker interface {
	AllowRead(path string) bool
	AllowWrite(path string) bool
	AllowEnv(name string) bool
	AllowRun(cmd string) bool
	PolicyVersion() string
}

// Policy is the process-wide default bound, serialized to YAML. An empty
// list means "no additional restriction" (the Function's own permission
// list is the only gate), matching the teacher's empty-allow-list
// backward-compatible default.
type Policy struct {
	AllowPaths    []string `yaml:"allow_paths"`
	AllowEnv      []string `yaml:"allow_env"`
	AllowCommands []string `yaml:"allow_commands"`
}

func Default() Policy {
	return Policy{}
}

// Load reads a Policy from a YAML file. A missing file yields Default().
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	return p, nil
}

func (p Policy) allowPath(path string) bool {
	if len(p.AllowPaths) == 0 {
		return true
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return false
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return false
	}
	for _, allowed := range p.AllowPaths {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if evalAllowed, evalErr := filepath.EvalSymlinks(allowedAbs); evalErr == nil {
			allowedAbs = evalAllowed
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (p Policy) allowScope(list []string, val string) bool {
	if len(list) == 0 {
		return true
	}
	val = strings.ToLower(strings.TrimSpace(val))
	for _, v := range list {
		if strings.ToLower(strings.TrimSpace(v)) == val {
			return true
		}
	}
	return false
}

func (p Policy) version() string {
	h := fnv.New64a()
	for _, v := range p.AllowPaths {
		_, _ = h.Write([]byte("path:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowEnv {
		_, _ = h.Write([]byte("env:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowCommands {
		_, _ = h.Write([]byte("run:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe hot reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string
}

// NewLivePolicy creates a LivePolicy from an initial snapshot.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data
}

// PolicyVersion returns a content-derived fingerprint of the active policy.
func (lp *LivePolicy) PolicyVersion() string {
	return lp.snapshot().version()
}

// Reload replaces the active policy in place.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// ReloadFromFile re-reads the policy file. On parse error the previous
// policy stays active and the error is returned for logging.
func (lp *LivePolicy) ReloadFromFile() error {
	if lp.path == "" {
		return nil
	}
	p, err := Load(lp.path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

// FunctionChecker is the Checker seen by one invocation of one Function:
// the intersection of that Function's own permission lists and the
// process-wide LivePolicy bound.
type FunctionChecker struct {
	perms  store.Permissions
	global *LivePolicy
}

// NewFunctionChecker builds the effective Checker for a single invocation.
func NewFunctionChecker(perms store.Permissions, global *LivePolicy) *FunctionChecker {
	return &FunctionChecker{perms: perms, global: global}
}

func (c *FunctionChecker) AllowRead(path string) bool {
	return scopeAllows(c.perms.Read, path) && c.global.snapshot().allowPath(path)
}

func (c *FunctionChecker) AllowWrite(path string) bool {
	return scopeAllows(c.perms.Write, path) && c.global.snapshot().allowPath(path)
}

func (c *FunctionChecker) AllowEnv(name string) bool {
	return scopeAllows(c.perms.Env, name) && c.global.snapshot().allowScope(c.global.snapshot().AllowEnv, name)
}

func (c *FunctionChecker) AllowRun(cmd string) bool {
	return scopeAllows(c.perms.Run, cmd) && c.global.snapshot().allowScope(c.global.snapshot().AllowCommands, cmd)
}

func (c *FunctionChecker) PolicyVersion() string {
	return c.global.PolicyVersion()
}

// scopeAllows checks a Function's own declared scope list. Unlike the
// global Policy, an empty Function scope list means deny-all: a Function
// with no declared "run" permissions may not execute commands, etc.
func scopeAllows(scopes []string, val string) bool {
	if len(scopes) == 0 {
		return false
	}
	for _, scope := range scopes {
		if scopeMatches(scope, val) {
			return true
		}
	}
	return false
}

// scopeMatches treats a scope ending in "/" or "*" as a path/command
// prefix; anything else must match exactly.
func scopeMatches(scope, val string) bool {
	scope = strings.TrimSpace(scope)
	if scope == "*" {
		return true
	}
	if strings.HasSuffix(scope, "*") {
		return strings.HasPrefix(val, strings.TrimSuffix(scope, "*"))
	}
	return scope == val
}
