package agent

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

// TaskFile is the YAML document of tasks a machine sitter defines at boot.
type TaskFile struct {
	Tasks []api.TaskConfig `yaml:"tasks"`
}

// LoadTaskFile reads and validates a task file.
func LoadTaskFile(path string) ([]api.TaskConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tf TaskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	seen := make(map[string]bool, len(tf.Tasks))
	for _, t := range tf.Tasks {
		if err := validate(t); err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("%w: duplicate task %s", ErrInvalidTask, t.Name)
		}
		seen[t.Name] = true
	}
	return tf.Tasks, nil
}

// DefineTasks defines every task, starting the auto_start ones. It stops at
// the first failure.
func (s *Server) DefineTasks(ctx context.Context, tasks []api.TaskConfig) error {
	for _, t := range tasks {
		if err := s.DefineTask(ctx, t); err != nil {
			return fmt.Errorf("define %s: %w", t.Name, err)
		}
	}
	return nil
}
