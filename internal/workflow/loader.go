package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
	"github.com/gtsbahamas/taxflow/internal/workflow/statemachine"
)

// YAML document shape for workflow definition files. Durations are plain
// strings ("30s", "72h") parsed with time.ParseDuration.

type definitionsFile struct {
	Workflows []definitionYAML `yaml:"workflows"`
}

type definitionYAML struct {
	ID            string              `yaml:"id"`
	Name          string              `yaml:"name"`
	Entity        string              `yaml:"entity"`
	StateMachine  statemachine.Config `yaml:"state_machine"`
	Steps         []stepYAML          `yaml:"steps"`
	Compensations []compensationYAML  `yaml:"compensations"`
}

type stepYAML struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	State string   `yaml:"state"`
	Type  string   `yaml:"type"`
	Rules []string `yaml:"rules"`

	Task       *taskYAML       `yaml:"task"`
	Decision   *decisionYAML   `yaml:"decision"`
	Parallel   *parallelYAML   `yaml:"parallel"`
	Wait       *waitYAML       `yaml:"wait"`
	Subprocess *subprocessYAML `yaml:"subprocess"`
}

type taskYAML struct {
	Handler    string            `yaml:"handler"`
	Input      map[string]string `yaml:"input"`
	NextState  string            `yaml:"next_state"`
	NextStepID string            `yaml:"next_step_id"`
}

type decisionYAML struct {
	Conditions []struct {
		When string `yaml:"when"`
		Goto string `yaml:"goto"`
	} `yaml:"conditions"`
	Default string `yaml:"default"`
}

type parallelYAML struct {
	Join     string `yaml:"join"`
	Branches []struct {
		Name  string     `yaml:"name"`
		Steps []stepYAML `yaml:"steps"`
	} `yaml:"branches"`
}

type waitYAML struct {
	Event        string `yaml:"event"`
	Timeout      string `yaml:"timeout"`
	TimeoutEvent string `yaml:"timeout_event"`
}

type subprocessYAML struct {
	WorkflowID string            `yaml:"workflow_id"`
	Input      map[string]string `yaml:"input"`
}

type compensationYAML struct {
	ID             string `yaml:"id"`
	CompensatesFor string `yaml:"compensates_for"`
	Handler        string `yaml:"handler"`
	Order          int    `yaml:"order"`
	Idempotent     bool   `yaml:"idempotent"`
}

// LoadDefinitions reads a workflow definitions file and registers every
// definition it contains.
func LoadDefinitions(path string, registry *Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read workflow definitions file: %w", err)
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := registry.RegisterDefinition(def); err != nil {
			return err
		}
	}
	return nil
}

// ParseDefinitions decodes a workflow definitions YAML document.
func ParseDefinitions(data []byte) ([]*domain.Definition, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definitions: %w", err)
	}

	defs := make([]*domain.Definition, 0, len(file.Workflows))
	for _, wf := range file.Workflows {
		def, err := convertDefinition(wf)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func convertDefinition(wf definitionYAML) (*domain.Definition, error) {
	def := &domain.Definition{
		ID:           wf.ID,
		Name:         wf.Name,
		Entity:       wf.Entity,
		StateMachine: wf.StateMachine,
	}

	for _, sy := range wf.Steps {
		step, err := convertStep(wf.ID, sy)
		if err != nil {
			return nil, err
		}
		def.Steps = append(def.Steps, *step)
	}

	for _, cy := range wf.Compensations {
		def.Compensations = append(def.Compensations, domain.CompensationStep{
			ID:             cy.ID,
			CompensatesFor: cy.CompensatesFor,
			Handler:        cy.Handler,
			Order:          cy.Order,
			Idempotent:     cy.Idempotent,
		})
	}

	return def, nil
}

func convertStep(workflowID string, sy stepYAML) (*domain.Step, error) {
	step := &domain.Step{
		ID:    sy.ID,
		Name:  sy.Name,
		State: sy.State,
		Type:  domain.StepType(sy.Type),
		Rules: sy.Rules,
	}

	if sy.Task != nil {
		step.Task = &domain.TaskConfig{
			Handler:    sy.Task.Handler,
			Input:      sy.Task.Input,
			NextState:  sy.Task.NextState,
			NextStepID: sy.Task.NextStepID,
		}
	}
	if sy.Decision != nil {
		dec := &domain.DecisionConfig{Default: sy.Decision.Default}
		for _, cond := range sy.Decision.Conditions {
			dec.Conditions = append(dec.Conditions, domain.DecisionCondition{
				When: cond.When,
				Goto: cond.Goto,
			})
		}
		step.Decision = dec
	}
	if sy.Parallel != nil {
		par := &domain.ParallelConfig{Join: domain.JoinType(sy.Parallel.Join)}
		for _, by := range sy.Parallel.Branches {
			branch := domain.Branch{Name: by.Name}
			for _, bsy := range by.Steps {
				bstep, err := convertStep(workflowID, bsy)
				if err != nil {
					return nil, err
				}
				branch.Steps = append(branch.Steps, *bstep)
			}
			par.Branches = append(par.Branches, branch)
		}
		step.Parallel = par
	}
	if sy.Wait != nil {
		wait := &domain.WaitConfig{
			Event:        sy.Wait.Event,
			TimeoutEvent: sy.Wait.TimeoutEvent,
		}
		if sy.Wait.Timeout != "" {
			d, err := time.ParseDuration(sy.Wait.Timeout)
			if err != nil {
				return nil, fmt.Errorf("workflow %s step %s: invalid timeout %q: %w",
					workflowID, sy.ID, sy.Wait.Timeout, err)
			}
			wait.Timeout = d
		}
		step.Wait = wait
	}
	if sy.Subprocess != nil {
		step.Subprocess = &domain.SubprocessConfig{
			WorkflowID: sy.Subprocess.WorkflowID,
			Input:      sy.Subprocess.Input,
		}
	}

	return step, nil
}
