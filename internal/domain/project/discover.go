// Package project locates the web project inside a session's working
// directory. Sessions are free-form workspaces; the agent may have put the
// frontend at the root, under web/, or three levels deep, so discovery is
// a bounded scored search rather than a fixed path.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charlievieth/fastwalk"
)

// ErrNoProject is returned when the tree holds neither a package manifest
// nor a static entry page.
var ErrNoProject = errors.New("no web project found in working directory")

// maxDepth bounds the search below the working directory root.
const maxDepth = 4

// skipDirs are never descended into: dependency caches, VCS metadata, and
// build output all contain manifests that are not the user's project.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
	".vite":        true,
	"__pycache__":  true,
}

// conventionalNames get a scoring bonus; people put frontends there.
var conventionalNames = map[string]bool{
	"web":      true,
	"frontend": true,
	"app":      true,
	"client":   true,
}

// webFrameworks are the dependency names that mark a manifest as a web
// project rather than a utility package.
var webFrameworks = []string{"vite", "react", "vue", "next", "svelte"}

// Manifest is the subset of package.json discovery cares about.
type Manifest struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// HasScript reports whether the manifest declares the named script.
func (m *Manifest) HasScript(name string) bool {
	if m == nil {
		return false
	}
	_, ok := m.Scripts[name]
	return ok
}

// HasDependency checks both regular and dev dependencies.
func (m *Manifest) HasDependency(name string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.Dependencies[name]; ok {
		return true
	}
	_, ok := m.DevDependencies[name]
	return ok
}

// Project is a located project directory.
type Project struct {
	// Dir is the absolute project directory.
	Dir string
	// Manifest is nil for the static-root fallback.
	Manifest *Manifest
	// Static marks a project served as plain files (no manifest, just an
	// index.html at the working directory root).
	Static bool
	// Score and Depth are retained for diagnostics.
	Score int
	Depth int
}

// UsesVite reports whether the project is driven by a vite toolchain,
// detected by config file presence or a declared dependency.
func (p *Project) UsesVite() bool {
	if p.Manifest != nil && p.Manifest.HasDependency("vite") {
		return true
	}
	for _, name := range []string{"vite.config.js", "vite.config.ts", "vite.config.mjs"} {
		if _, err := os.Stat(filepath.Join(p.Dir, name)); err == nil {
			return true
		}
	}
	return false
}

type candidate struct {
	dir      string
	manifest *Manifest
	depth    int
	score    int
	order    int
}

// Discover walks root (bounded depth, pruned skip set), scores every
// directory holding a package.json, and returns the best one. Scoring:
// +10 for a dev or build script, +5 for a known web-framework dependency,
// +3 for a conventional directory name, -2 per depth level. Ties go to
// the first candidate in traversal order. With no manifest anywhere, a
// root index.html makes the root itself a static project.
func Discover(root string) (*Project, error) {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}

	var (
		cands []candidate
		order int
	)

	// Single worker with sorted entries keeps traversal order stable so
	// the first-found tie break is reproducible.
	conf := fastwalk.Config{Follow: false, NumWorkers: 1, Sort: fastwalk.SortDirsFirst}
	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		depth := pathDepth(rel)

		if d.IsDir() {
			if p != root && (skipDirs[d.Name()] || depth > maxDepth) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != "package.json" {
			return nil
		}

		manifest, loadErr := LoadManifest(filepath.Dir(p))
		if loadErr != nil {
			// Corrupt manifest: skip the candidate, keep walking.
			return nil
		}

		dirDepth := depth - 1
		cands = append(cands, candidate{
			dir:      filepath.Dir(p),
			manifest: manifest,
			depth:    dirDepth,
			score:    scoreCandidate(manifest, filepath.Base(filepath.Dir(p)), dirDepth),
			order:    order,
		})
		order++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan working directory: %w", err)
	}

	if len(cands) == 0 {
		if _, err := os.Stat(filepath.Join(root, "index.html")); err == nil {
			return &Project{Dir: root, Static: true}, nil
		}
		return nil, ErrNoProject
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].order < cands[j].order
	})

	best := cands[0]
	return &Project{
		Dir:      best.dir,
		Manifest: best.manifest,
		Score:    best.score,
		Depth:    best.depth,
	}, nil
}

// LoadManifest parses dir/package.json.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	return &m, nil
}

func scoreCandidate(m *Manifest, dirName string, depth int) int {
	score := 0
	if m.HasScript("dev") || m.HasScript("build") {
		score += 10
	}
	for _, fw := range webFrameworks {
		if m.HasDependency(fw) {
			score += 5
			break
		}
	}
	if conventionalNames[strings.ToLower(dirName)] {
		score += 3
	}
	score -= 2 * depth
	return score
}

func pathDepth(rel string) int {
	if rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
