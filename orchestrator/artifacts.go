package orchestrator

import (
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/radflow"
)

const (
	payloadInputReference = "context.input.dicom"
	executionsReference   = "context.executions."
	outputDirSuffix       = ".output_dir"
	artifactsInfix        = ".artifacts."
)

// outputDirectory is the deterministic location a task writes to. The
// bucket itself is carried separately on storage descriptors.
func outputDirectory(instance *radflow.WorkflowInstance, executionID string) string {
	return fmt.Sprintf("%s/workflows/%s/%s", instance.PayloadID, instance.ID, executionID)
}

// resolveInputArtifacts maps a node's declared input artifacts to concrete
// bucket-relative paths. An input resolves to the trigger payload root, an
// upstream task's output directory, or one of an upstream task's named
// output artifacts; an empty value falls back to the completed upstream
// task's output directory. Anything else is refused, so a definition can
// never point a task at an arbitrary path. A mandatory artifact that fails
// to resolve aborts materialization of the node.
func resolveInputArtifacts(instance *radflow.WorkflowInstance, node *radflow.TaskNode, previous *radflow.TaskExecution) (map[string]string, error) {
	if len(node.Artifacts.Input) == 0 {
		return nil, nil
	}
	inputs := make(map[string]string, len(node.Artifacts.Input))
	for _, artifact := range node.Artifacts.Input {
		path, err := resolveArtifactValue(instance, artifact.Value, previous)
		if err != nil {
			if artifact.Mandatory {
				return nil, fmt.Errorf("task %q input artifact %q: %w", node.ID, artifact.Name, err)
			}
			continue
		}
		inputs[artifact.Name] = path
	}
	return inputs, nil
}

func resolveArtifactValue(instance *radflow.WorkflowInstance, value string, previous *radflow.TaskExecution) (string, error) {
	reference := strings.TrimSpace(value)
	if strings.HasPrefix(reference, "{{") && strings.HasSuffix(reference, "}}") {
		reference = strings.TrimSpace(reference[2 : len(reference)-2])
	}

	if reference == "" {
		if previous == nil {
			return "", fmt.Errorf("no upstream task to inherit from: %w", radflow.ErrValidationFailed)
		}
		return previous.OutputDirectory, nil
	}
	if reference == payloadInputReference {
		return instance.PayloadID, nil
	}
	if rest, ok := strings.CutPrefix(reference, executionsReference); ok {
		if taskID, ok := strings.CutSuffix(rest, outputDirSuffix); ok {
			upstream, found := instance.TaskByID(taskID)
			if !found {
				return "", fmt.Errorf("upstream task %q: %w", taskID, radflow.ErrNotFound)
			}
			return upstream.OutputDirectory, nil
		}
		if taskID, name, ok := strings.Cut(rest, artifactsInfix); ok {
			upstream, found := instance.TaskByID(taskID)
			if !found {
				return "", fmt.Errorf("upstream task %q: %w", taskID, radflow.ErrNotFound)
			}
			path, found := upstream.OutputArtifacts[name]
			if !found {
				return "", fmt.Errorf("upstream task %q artifact %q: %w", taskID, name, radflow.ErrNotFound)
			}
			return path, nil
		}
	}
	return "", fmt.Errorf("unsupported artifact reference %q: %w", value, radflow.ErrValidationFailed)
}

// storageInputs converts resolved input artifact paths into storage
// descriptors for the dispatch event.
func storageInputs(bucket string, inputs map[string]string) []radflow.Storage {
	if len(inputs) == 0 {
		return nil
	}
	storages := make([]radflow.Storage, 0, len(inputs))
	for name, path := range inputs {
		storages = append(storages, radflow.Storage{
			Name:             name,
			Bucket:           bucket,
			RelativeRootPath: path,
		})
	}
	return storages
}

// outputArtifactPaths indexes callback output descriptors by name.
func outputArtifactPaths(outputs []radflow.Storage) map[string]string {
	if len(outputs) == 0 {
		return nil
	}
	paths := make(map[string]string, len(outputs))
	for _, output := range outputs {
		name := output.Name
		if name == "" {
			name = "output"
		}
		paths[name] = output.RelativeRootPath
	}
	return paths
}
