package types

import (
	"fmt"
	"strings"
)

// RoleKind is the closed set of role tags.
type RoleKind string

const (
	RoleOrchestrator RoleKind = "orchestrator"
	RoleDomainLead   RoleKind = "domain_lead"
	RoleWorker       RoleKind = "worker"
	RoleSpecialist   RoleKind = "specialist"
)

// AgentRole is a tagged variant. Domain is only set for DomainLead and
// Specialty only for Specialist.
type AgentRole struct {
	Kind      RoleKind `json:"kind" yaml:"kind"`
	Domain    string   `json:"domain,omitempty" yaml:"domain,omitempty"`
	Specialty string   `json:"specialty,omitempty" yaml:"specialty,omitempty"`
}

// Orchestrator returns the root role.
func Orchestrator() AgentRole { return AgentRole{Kind: RoleOrchestrator} }

// DomainLead returns a mid-tree coordinating role for domain.
func DomainLead(domain string) AgentRole { return AgentRole{Kind: RoleDomainLead, Domain: domain} }

// Worker returns the generic leaf role.
func Worker() AgentRole { return AgentRole{Kind: RoleWorker} }

// Specialist returns a leaf role with a specialty.
func Specialist(specialty string) AgentRole {
	return AgentRole{Kind: RoleSpecialist, Specialty: specialty}
}

// RoleDefaults is the per-kind behavior table consulted by the factory and
// the node loop.
type RoleDefaults struct {
	// Delegates is true for roles that call the planner and spawn children.
	Delegates bool
	// DefaultDepth is the depth the role normally occupies; -1 means any.
	DefaultDepth int
	// PlannerHint is passed along to the planner as free-form guidance.
	PlannerHint string
}

var roleTable = map[RoleKind]RoleDefaults{
	RoleOrchestrator: {Delegates: true, DefaultDepth: 0, PlannerHint: "decompose the request into domains"},
	RoleDomainLead:   {Delegates: true, DefaultDepth: 1, PlannerHint: "split domain work into concrete tasks"},
	RoleWorker:       {Delegates: false, DefaultDepth: -1},
	RoleSpecialist:   {Delegates: false, DefaultDepth: -1},
}

// Defaults returns the table entry for the role's kind.
func (r AgentRole) Defaults() RoleDefaults {
	if d, ok := roleTable[r.Kind]; ok {
		return d
	}
	return roleTable[RoleWorker]
}

// CanDelegate reports whether nodes with this role spawn children.
func (r AgentRole) CanDelegate() bool { return r.Defaults().Delegates }

// IsValid reports whether the kind is one of the known tags.
func (r AgentRole) IsValid() bool {
	_, ok := roleTable[r.Kind]
	return ok
}

// IsZero reports whether no role was set.
func (r AgentRole) IsZero() bool { return r.Kind == "" }

func (r AgentRole) String() string {
	switch r.Kind {
	case RoleDomainLead:
		return fmt.Sprintf("domain_lead(%s)", r.Domain)
	case RoleSpecialist:
		return fmt.Sprintf("specialist(%s)", r.Specialty)
	default:
		return string(r.Kind)
	}
}

// ParseRole parses the textual forms produced by String as well as a few
// loose spellings a planner may emit ("lead:backend", "specialist:sql").
func ParseRole(s string) (AgentRole, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return AgentRole{}, nil
	}

	name, arg := s, ""
	if i := strings.IndexAny(s, "(:"); i >= 0 {
		name = strings.TrimSpace(s[:i])
		arg = strings.TrimSpace(strings.TrimRight(s[i+1:], ")"))
	}

	switch name {
	case "orchestrator", "root", "coordinator":
		return Orchestrator(), nil
	case "domain_lead", "domainlead", "lead", "domain":
		return DomainLead(arg), nil
	case "worker":
		return Worker(), nil
	case "specialist", "expert":
		return Specialist(arg), nil
	default:
		return AgentRole{}, Errorf(ErrInvalidOp, "unknown role %q", s)
	}
}
