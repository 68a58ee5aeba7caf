// Package action defines the domain model shared by every part of the
// execution framework: action definitions and the catalog they live in,
// proposals and their lifecycle, execution records, audit events and the
// typed error taxonomy returned to callers.
package action

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// RiskTier classifies how dangerous an action is. Higher tiers can be
// configured to require human approval before execution.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Valid reports whether the tier is one of the known tiers.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Rank orders tiers so they can be compared.
func (r RiskTier) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

// ParamType is the declared runtime type of an action parameter.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeFloat  ParamType = "float"
	TypeBool   ParamType = "bool"
	TypeList   ParamType = "list"
	TypeObject ParamType = "object"
)

// Valid reports whether the parameter type is supported.
func (p ParamType) Valid() bool {
	switch p {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeList, TypeObject:
		return true
	}
	return false
}

// Param declares a single named parameter of an action.
type Param struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required" yaml:"required"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Definition describes an action a backend can perform. Definitions are
// immutable once registered in a Catalog.
type Definition struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Backend          string   `json:"backend"`
	Parameters       []Param  `json:"parameters"`
	RiskTier         RiskTier `json:"risk_tier"`
	RequiresApproval bool     `json:"requires_approval"`
}

// Param returns the declared parameter with the given name.
func (d Definition) Param(name string) (Param, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Check verifies the definition itself is well formed.
func (d Definition) Check() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("action definition has empty name")
	}
	if !d.RiskTier.Valid() {
		return fmt.Errorf("action %q: unknown risk tier %q", d.Name, d.RiskTier)
	}
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("action %q: parameter with empty name", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("action %q: duplicate parameter %q", d.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			return fmt.Errorf("action %q: parameter %q has unknown type %q", d.Name, p.Name, p.Type)
		}
	}
	return nil
}

func (d Definition) clone() Definition {
	out := d
	out.Parameters = make([]Param, len(d.Parameters))
	copy(out.Parameters, d.Parameters)
	return out
}

// NewID returns a new lexically sortable identifier.
func NewID() string {
	return ulid.Make().String()
}
