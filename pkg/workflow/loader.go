// Package workflow loads and validates workflow definitions from YAML or
// JSON documents.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/agentmux/agentmux/pkg/models"
)

var ErrInvalidDefinition = errors.New("invalid workflow definition")

// Loader parses definition documents and applies schema and struct-level
// validation.
type Loader struct {
	validate *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validate: validator.New(),
	}
}

// LoadFile reads a definition from a .yaml, .yml or .json file. Definitions
// without an id get one derived from the file name.
func (l *Loader) LoadFile(path string) (*models.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}

	def, err := l.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", path, err)
	}

	if def.ID == "" {
		base := filepath.Base(path)
		def.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return def, nil
}

// Load parses and validates one definition document. YAML is the primary
// format; JSON documents are valid YAML and need no special casing.
func (l *Loader) Load(raw []byte) (*models.WorkflowDefinition, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	if err := l.validate.Struct(&def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	def.Settings.ApplyDefaults()

	if err := checkStageReferences(&def); err != nil {
		return nil, err
	}

	return &def, nil
}

func validateSchema(doc map[string]any) error {
	// yaml.v3 produces map[string]any for mappings, which the schema loader
	// accepts directly once normalized through JSON.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewBytesLoader(normalized),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(details, "; "))
	}

	return nil
}

// checkStageReferences verifies stage ids are unique and every next_stage
// transition names a defined stage.
func checkStageReferences(def *models.WorkflowDefinition) error {
	seen := make(map[string]bool, len(def.Stages))

	for i := range def.Stages {
		id := def.Stages[i].ID
		if seen[id] {
			return fmt.Errorf("%w: duplicate stage id %q", ErrInvalidDefinition, id)
		}

		seen[id] = true
	}

	for i := range def.Stages {
		stage := &def.Stages[i]

		for _, list := range [][]models.Action{stage.OnSuccess, stage.OnFailure, stage.OnTimeout} {
			if err := checkActionTargets(list, seen); err != nil {
				return fmt.Errorf("stage %s: %w", stage.ID, err)
			}
		}
	}

	return nil
}

func checkActionTargets(actions []models.Action, stages map[string]bool) error {
	for i := range actions {
		action := &actions[i]

		if action.NextStage != "" && !stages[action.NextStage] {
			return fmt.Errorf("%w: next_stage %q is not a defined stage", ErrInvalidDefinition, action.NextStage)
		}

		for _, nested := range [][]models.Action{action.Then, action.Else, action.Body} {
			if err := checkActionTargets(nested, stages); err != nil {
				return err
			}
		}

		for _, branch := range action.Branches {
			if err := checkActionTargets(branch, stages); err != nil {
				return err
			}
		}
	}

	return nil
}
