package job

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a job file, selecting the codec by extension (.json, .yaml,
// .yml). The job is validated and assigned a trace id before it is returned.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var j *Job
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		j, err = Parse(data)
	case ".yaml", ".yml":
		j, err = ParseYAML(data)
	default:
		return nil, fmt.Errorf("job file %s: unsupported extension (want .json, .yaml, or .yml)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("job file %s: %w", path, err)
	}
	return j, nil
}

// Parse decodes a JSON job document.
func Parse(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse job: %w", err)
	}
	return finish(&j)
}

// ParseYAML decodes a YAML job document. The YAML tree is re-encoded as JSON
// so the same field tags and the schema type cover both codecs.
func ParseYAML(data []byte) (*Job, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse job: %w", err)
	}
	encoded, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("parse job: %w", err)
	}
	return Parse(encoded)
}

func finish(j *Job) (*Job, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	j.EnsureTrace()
	return j, nil
}
