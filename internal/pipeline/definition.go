package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/spf13/afero"

	"cropharvest-orchestrator/internal/domain"
)

// Definition describes one verification pipeline: what triggers it, the
// runtime it expects on the worker, an optional dependency cache, and the
// jobs it runs. Definitions are loaded from YAML with unknown fields
// rejected so typos fail at load time instead of silently changing behavior.
type Definition struct {
	Name     string        `yaml:"name"`
	On       Triggers      `yaml:"on"`
	Runtime  Runtime       `yaml:"runtime,omitempty"`
	Cache    CacheSpec     `yaml:"cache,omitempty"`
	Approval *BranchFilter `yaml:"approval,omitempty"`
	Jobs     []Job         `yaml:"jobs"`
}

type Triggers struct {
	Push        *BranchFilter `yaml:"push,omitempty"`
	PullRequest *BranchFilter `yaml:"pull_request,omitempty"`
	Schedules   []Schedule    `yaml:"schedule,omitempty"`
}

// BranchFilter lists exact branch names. Matching is case-sensitive.
type BranchFilter struct {
	Branches []string `yaml:"branches"`
}

type Schedule struct {
	Cron string `yaml:"cron"`
}

// Runtime names the toolchain a worker must provide. Version is a semver
// constraint, e.g. "3.8.x".
type Runtime struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type Job struct {
	ID    string   `yaml:"id"`
	Needs []string `yaml:"needs,omitempty"`
	Steps []Step   `yaml:"steps"`
}

type Step struct {
	Name string            `yaml:"name"`
	Run  string            `yaml:"run"`
	Env  map[string]string `yaml:"env,omitempty"`
}

type CacheSpec struct {
	Key         string   `yaml:"key"`
	RestoreKeys []string `yaml:"restore_keys,omitempty"`
	Paths       []string `yaml:"paths,omitempty"`
}

func (c CacheSpec) Enabled() bool {
	return c.Key != ""
}

// Parse decodes a single pipeline definition. Unknown fields are an error.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.UnmarshalWithOptions(data, &def, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("parse pipeline definition: %w", err)
	}
	return &def, nil
}

// LoadDir loads and validates every *.yaml / *.yml definition in dir,
// sorted by file name. An invalid definition fails the whole load so a
// bad file cannot be silently skipped.
func LoadDir(fsys afero.Fs, dir string) ([]*Definition, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read pipeline dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		data, err := afero.ReadFile(fsys, filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read pipeline %s: %w", name, err)
		}
		def, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Matches reports whether a repository event should trigger this
// definition. Push events match on the pushed branch, pull requests on the
// target branch. Schedules never match repository events.
func (d *Definition) Matches(ev domain.Event) bool {
	switch ev.Kind {
	case domain.EventPush:
		return d.On.Push != nil && containsBranch(d.On.Push.Branches, ev.Branch)
	case domain.EventPullRequest:
		return d.On.PullRequest != nil && containsBranch(d.On.PullRequest.Branches, ev.Branch)
	}
	return false
}

// RequiresApproval reports whether runs triggered on branch must pass the
// manual approval gate before any step executes.
func (d *Definition) RequiresApproval(branch string) bool {
	return d.Approval != nil && containsBranch(d.Approval.Branches, branch)
}

// DefinitionHash is a stable hash of the definition, used to build
// idempotent workflow IDs. Two loads of the same bytes hash identically.
func (d *Definition) DefinitionHash() (string, error) {
	h, err := hashstructure.Hash(d, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hash definition %s: %w", d.Name, err)
	}
	return fmt.Sprintf("%016x", h), nil
}

func containsBranch(branches []string, branch string) bool {
	for _, b := range branches {
		if b == branch {
			return true
		}
	}
	return false
}
