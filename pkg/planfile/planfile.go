// Package planfile loads and saves plans as JSON or YAML, chosen by file
// extension. Saves are atomic: content lands in a temp file that is renamed
// over the target, so a crash mid-write never truncates the plan.
package planfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pairvibe/pkg/logx"
	"pairvibe/pkg/proto"
)

// Plan file formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// FormatForPath derives the plan format from the file extension.
func FormatForPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported plan format %q (use .json, .yaml, or .yml)", filepath.Ext(path))
	}
}

// Load reads and validates a plan file.
func Load(path string) (*proto.Plan, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	plan := &proto.Plan{}
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, plan); err != nil {
			return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
		}
	case FormatYAML:
		if err := unmarshalYAML(data, plan); err != nil {
			return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
		}
	}

	if plan.Name == "" {
		plan.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}

	return plan, nil
}

// Save writes a plan file atomically. The stored copy gets a fresh UpdatedAt
// stamp; the caller's plan is not mutated.
func Save(path string, plan *proto.Plan) error {
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}
	if plan == nil {
		return fmt.Errorf("nil plan")
	}

	stamped := plan.Clone()
	stamped.UpdatedAt = time.Now().UTC()

	var data []byte
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(stamped, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		data = append(data, '\n')
	case FormatYAML:
		data, err = marshalYAML(stamped)
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
	}

	return writeAtomic(path, data)
}

// writeAtomic writes data to a temp file in the target directory and renames
// it over the target.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp plan file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp plan file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set plan file mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace plan file: %w", err)
	}
	return nil
}

// Hooks returns the save/reload closures the engine consumes. The save hook
// runs inside the ledger's mutation path, so failures are logged rather than
// surfaced: a full disk must not stall the run.
func Hooks(path string, logger *logx.Logger) (save func(*proto.Plan), reload func() (*proto.Plan, error)) {
	if logger == nil {
		logger = logx.NewLogger("planfile")
	}

	save = func(plan *proto.Plan) {
		if err := Save(path, plan); err != nil {
			logger.Error("plan save to %s failed: %v", path, err)
		}
	}
	reload = func() (*proto.Plan, error) {
		return Load(path)
	}
	return save, reload
}

// unmarshalYAML decodes YAML through a JSON intermediate so the proto structs'
// json tags stay the single naming source.
func unmarshalYAML(data []byte, plan *proto.Plan) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("yaml decode: %w", err)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("yaml conversion: %w", err)
	}
	if err := json.Unmarshal(buf, plan); err != nil {
		return fmt.Errorf("yaml conversion: %w", err)
	}
	return nil
}

// marshalYAML encodes through the same JSON intermediate as unmarshalYAML.
func marshalYAML(plan *proto.Plan) ([]byte, error) {
	buf, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("yaml conversion: %w", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("yaml conversion: %w", err)
	}
	out, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("yaml encode: %w", err)
	}
	return out, nil
}
