// Package statemachine answers two questions about a declarative state
// graph: where does execution begin, and is a given state final.
package statemachine

import (
	"fmt"
)

// State declares one node of the graph. The first state flagged Initial is
// the entry point; without the flag the first declared state is used.
type State struct {
	Name    string `yaml:"name" json:"name"`
	Initial bool   `yaml:"initial,omitempty" json:"initial,omitempty"`
	Final   bool   `yaml:"final,omitempty" json:"final,omitempty"`
}

// Transition declares one allowed edge.
type Transition struct {
	From  string `yaml:"from" json:"from"`
	To    string `yaml:"to" json:"to"`
	Event string `yaml:"event,omitempty" json:"event,omitempty"`
}

// Config is the declarative machine description embedded in a workflow
// definition.
type Config struct {
	States      []State      `yaml:"states" json:"states"`
	Transitions []Transition `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// Machine is an immutable, validated state machine.
type Machine struct {
	initial string
	final   map[string]bool
	edges   map[string]map[string]bool
}

// New validates the config and builds a machine.
func New(cfg Config) (*Machine, error) {
	if len(cfg.States) == 0 {
		return nil, fmt.Errorf("state machine needs at least one state")
	}

	known := make(map[string]bool, len(cfg.States))
	final := make(map[string]bool)
	initial := ""
	for _, st := range cfg.States {
		if st.Name == "" {
			return nil, fmt.Errorf("state machine has a state with an empty name")
		}
		if known[st.Name] {
			return nil, fmt.Errorf("duplicate state %q", st.Name)
		}
		known[st.Name] = true
		if st.Final {
			final[st.Name] = true
		}
		if st.Initial && initial == "" {
			initial = st.Name
		}
	}
	if initial == "" {
		initial = cfg.States[0].Name
	}

	edges := make(map[string]map[string]bool)
	for _, tr := range cfg.Transitions {
		if !known[tr.From] {
			return nil, fmt.Errorf("transition from unknown state %q", tr.From)
		}
		if !known[tr.To] {
			return nil, fmt.Errorf("transition to unknown state %q", tr.To)
		}
		if edges[tr.From] == nil {
			edges[tr.From] = make(map[string]bool)
		}
		edges[tr.From][tr.To] = true
	}

	return &Machine{initial: initial, final: final, edges: edges}, nil
}

// InitialState returns the entry state.
func (m *Machine) InitialState() string {
	return m.initial
}

// IsFinal reports whether a state is terminal.
func (m *Machine) IsFinal(state string) bool {
	return m.final[state]
}

// CanTransition reports whether an edge from one state to another was
// declared. A degenerate machine without transitions allows everything.
func (m *Machine) CanTransition(from, to string) bool {
	if len(m.edges) == 0 {
		return true
	}
	return m.edges[from][to]
}
