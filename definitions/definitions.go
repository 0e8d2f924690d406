// Package definitions loads, validates, and serves workflow definitions.
// Definitions are YAML or JSON documents authored out-of-band; the engine
// treats them as read-only and matches triggers against them by explicit id
// or by AE title.
package definitions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"

	"github.com/deepnoodle-ai/radflow"
	"github.com/deepnoodle-ai/radflow/condition"
)

// Parse decodes a workflow definition from YAML or JSON and validates it.
// JSON is a subset of YAML, so one decoder handles both.
func Parse(data []byte) (*radflow.WorkflowDefinition, error) {
	var def radflow.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses one definition file.
func LoadFile(path string) (*radflow.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition %q: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDirectory parses every .yaml, .yml, and .json file under dir,
// recursively.
func LoadDirectory(dir string) ([]*radflow.WorkflowDefinition, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.{yaml,yml,json}")
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow definitions in %q: %w", dir, err)
	}
	var defs []*radflow.WorkflowDefinition
	for _, match := range matches {
		def, err := LoadFile(filepath.Join(dir, match))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Validate checks a definition for structural problems: missing required
// fields, duplicate ids, dangling template or branch references, malformed
// branch conditions, and cycles in the task graph. All problems are
// reported at once.
func Validate(def *radflow.WorkflowDefinition) error {
	var problems []string
	if def.ID == "" {
		problems = append(problems, "id is required")
	}
	if def.Name == "" {
		problems = append(problems, "name is required")
	}
	if def.Version == "" {
		problems = append(problems, "version is required")
	}
	if def.InformaticsGateway.AETitle == "" {
		problems = append(problems, "informatics_gateway.ae_title is required")
	}
	if len(def.Tasks) == 0 {
		problems = append(problems, "at least one task is required")
	}

	templates := make(map[string]bool, len(def.TaskTemplates))
	for _, tmpl := range def.TaskTemplates {
		if tmpl.ID == "" {
			problems = append(problems, "task template with empty id")
			continue
		}
		if templates[tmpl.ID] {
			problems = append(problems, fmt.Sprintf("duplicate task template id %q", tmpl.ID))
		}
		templates[tmpl.ID] = true
	}

	nodes := make(map[string]bool, len(def.Tasks))
	for _, task := range def.Tasks {
		if task.ID == "" {
			problems = append(problems, "task with empty id")
			continue
		}
		if nodes[task.ID] {
			problems = append(problems, fmt.Sprintf("duplicate task id %q", task.ID))
		}
		nodes[task.ID] = true
	}

	for _, task := range def.Tasks {
		if task.Ref != "" && !templates[task.Ref] {
			problems = append(problems, fmt.Sprintf("task %q references unknown template %q", task.ID, task.Ref))
		}
		if task.Type == "" && task.Ref == "" {
			problems = append(problems, fmt.Sprintf("task %q has neither a type nor a template ref", task.ID))
		}
		for _, branch := range task.Branches {
			if len(branch.Destinations) == 0 {
				problems = append(problems, fmt.Sprintf("task %q has a branch with no destinations", task.ID))
			}
			for _, dest := range branch.Destinations {
				if !nodes[dest] {
					problems = append(problems, fmt.Sprintf("task %q branches to unknown task %q", task.ID, dest))
				}
			}
			if branch.Condition != "" {
				if _, err := condition.Parse(branch.Condition); err != nil {
					problems = append(problems, fmt.Sprintf("task %q has an invalid branch condition: %v", task.ID, err))
				}
			}
		}
	}

	if len(nodes) > 0 {
		if cycle := findCycle(def); len(cycle) > 0 {
			problems = append(problems, fmt.Sprintf("task graph contains a cycle: %s", strings.Join(cycle, " -> ")))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("workflow definition %q invalid: %s: %w",
			def.ID, strings.Join(problems, "; "), radflow.ErrValidationFailed)
	}
	return nil
}

// findCycle runs Kahn's algorithm over the branch edges and returns the
// node ids left with incoming edges when no cycle-free ordering exists.
func findCycle(def *radflow.WorkflowDefinition) []string {
	declared := make(map[string]bool, len(def.Tasks))
	for _, task := range def.Tasks {
		declared[task.ID] = true
	}
	indegree := make(map[string]int, len(def.Tasks))
	edges := make(map[string][]string, len(def.Tasks))
	for _, task := range def.Tasks {
		for _, branch := range task.Branches {
			for _, dest := range branch.Destinations {
				// Dangling destinations are reported separately.
				if !declared[dest] {
					continue
				}
				edges[task.ID] = append(edges[task.ID], dest)
				indegree[dest]++
			}
		}
	}

	var queue []string
	for _, task := range def.Tasks {
		if indegree[task.ID] == 0 {
			queue = append(queue, task.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dest := range edges[id] {
			indegree[dest]--
			if indegree[dest] == 0 {
				queue = append(queue, dest)
			}
		}
	}
	if visited >= len(declared) {
		return nil
	}
	var cycle []string
	for _, task := range def.Tasks {
		if indegree[task.ID] > 0 {
			cycle = append(cycle, task.ID)
		}
	}
	return cycle
}
