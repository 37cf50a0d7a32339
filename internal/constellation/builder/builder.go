// Package builder turns YAML constellation documents into constellation
// models. The document is decoded into a definition first and then built
// through the model's own mutation gates, so a document can never produce
// a graph the editor could not have produced itself.
package builder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/asterism-org/asterism/internal/constellation"
)

var (
	ErrNameRequired   = errors.New("constellation name is required")
	ErrTaskIDRequired = errors.New("task id is required")
)

// definition is a temporary struct to hold the decoded YAML document
// before it is converted into a constellation.
type definition struct {
	Name         string          `yaml:"name"`
	Metadata     map[string]any  `yaml:"metadata"`
	Tasks        []taskDef       `yaml:"tasks"`
	Dependencies []dependencyDef `yaml:"dependencies"`
}

type taskDef struct {
	ID                   string         `yaml:"id"`
	Name                 string         `yaml:"name"`
	Description          string         `yaml:"description"`
	Tips                 []string       `yaml:"tips"`
	Target               string         `yaml:"target"`
	DeviceType           string         `yaml:"device_type"`
	RequiredCapabilities []string       `yaml:"required_capabilities"`
	Priority             string         `yaml:"priority"`
	TimeoutSec           int64          `yaml:"timeout_s"`
	RetryCount           int            `yaml:"retry_count"`
	Data                 map[string]any `yaml:"data"`
	ExpectedOutputType   string         `yaml:"expected_output_type"`
}

type dependencyDef struct {
	ID        string         `yaml:"id"`
	From      string         `yaml:"from"`
	To        string         `yaml:"to"`
	Kind      string         `yaml:"kind"`
	Condition string         `yaml:"condition"`
	Metadata  map[string]any `yaml:"metadata"`
}

// ErrorList collects every problem found while building a constellation,
// so a bad document reports all of its mistakes in one pass.
type ErrorList []error

// Error implements the error interface.
func (e ErrorList) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is reach each collected error.
func (e ErrorList) Unwrap() []error {
	if len(e) == 0 {
		return nil
	}
	return append([]error(nil), e...)
}

// Build decodes a YAML document and builds the constellation it
// describes. Conditional dependencies come back without predicates;
// attaching one is an editor operation.
func Build(data []byte, opts ...constellation.Option) (*constellation.Constellation, error) {
	def, err := decode(data)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		return nil, ErrNameRequired
	}
	return build(def, opts...)
}

// Load reads a YAML document from a file and builds it. A file given
// without extension gets ".yaml" appended, and a document without a name
// is named after the file.
func Load(path string, opts ...constellation.Option) (*constellation.Constellation, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read constellation file: %w", err)
	}
	def, err := decode(data)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(resolved), filepath.Ext(resolved))
	}
	return build(def, opts...)
}

func resolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("file path is required")
	}
	if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
		path += ".yaml"
	}
	return filepath.Abs(path)
}

func decode(data []byte) (*definition, error) {
	def := new(definition)
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("decode constellation document: %w", err)
	}
	return def, nil
}

func build(def *definition, opts ...constellation.Option) (*constellation.Constellation, error) {
	c := constellation.New(def.Name,
		append([]constellation.Option{constellation.WithMetadata(def.Metadata)}, opts...)...)

	var errs ErrorList
	for i, task := range def.Tasks {
		if task.ID == "" {
			errs = append(errs, fmt.Errorf("task[%d]: %w", i, ErrTaskIDRequired))
			continue
		}
		priority, err := constellation.ParsePriority(task.Priority)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		_, _, err = c.AddStar(constellation.Star{
			ID:                   task.ID,
			Name:                 task.Name,
			Description:          task.Description,
			Tips:                 task.Tips,
			TargetDeviceID:       task.Target,
			DeviceType:           task.DeviceType,
			RequiredCapabilities: task.RequiredCapabilities,
			Priority:             priority,
			Timeout:              time.Duration(task.TimeoutSec) * time.Second,
			RetryCount:           task.RetryCount,
			TaskData:             task.Data,
			ExpectedOutputType:   task.ExpectedOutputType,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
		}
	}

	for i, dep := range def.Dependencies {
		kind, err := constellation.ParseLineKind(dep.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("dependency[%d]: %w", i, err))
			continue
		}
		_, _, err = c.AddLine(constellation.StarLine{
			ID:                   dep.ID,
			From:                 dep.From,
			To:                   dep.To,
			Kind:                 kind,
			ConditionDescription: dep.Condition,
			Metadata:             dep.Metadata,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("dependency %s -> %s: %w", dep.From, dep.To, err))
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}
