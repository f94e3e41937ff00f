// Package permissions computes the effective capability set of a user for a record.
//
// Capabilities are a closed set. Roles map to fixed capability sets, and grants attach
// roles to users either globally or for a department subtree. Ownership and step
// assignment add a small set of implicit capabilities on top of the grants.
package permissions

import (
	"fmt"
	"sort"
)

// Capability is an action a user may perform on a record
type Capability string

const (
	CapRead     Capability = "read"
	CapComment  Capability = "comment"
	CapEdit     Capability = "edit"
	CapSubmit   Capability = "submit"
	CapWithdraw Capability = "withdraw"

	// Step capabilities. A step names one of these as its requirement.
	CapReview      Capability = "review"
	CapApprove     Capability = "approve"
	CapInvestigate Capability = "investigate"
	CapImplement   Capability = "implement"
	CapVerify      Capability = "verify"

	// CapCompleteStep is granted only implicitly, to the named assignee of the active step.
	CapCompleteStep Capability = "complete_step"

	CapEscalate Capability = "escalate"
	CapReassign Capability = "reassign"
	CapRelease  Capability = "release"

	// CapAdmin implies every capability except CapCompleteStep.
	CapAdmin Capability = "admin"
)

// AllCapabilities returns every known capability
func AllCapabilities() []Capability {
	return []Capability{
		CapRead,
		CapComment,
		CapEdit,
		CapSubmit,
		CapWithdraw,
		CapReview,
		CapApprove,
		CapInvestigate,
		CapImplement,
		CapVerify,
		CapCompleteStep,
		CapEscalate,
		CapReassign,
		CapRelease,
		CapAdmin,
	}
}

// StepCapabilities returns the capabilities a workflow step may require
func StepCapabilities() []Capability {
	return []Capability{CapReview, CapApprove, CapInvestigate, CapImplement, CapVerify}
}

// ParseCapability validates a capability string
func ParseCapability(s string) (Capability, error) {
	for _, c := range AllCapabilities() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("invalid capability: %s", s)
}

// IsStepCapability reports whether c can be required by a workflow step
func IsStepCapability(c Capability) bool {
	for _, sc := range StepCapabilities() {
		if sc == c {
			return true
		}
	}
	return false
}

// CapabilitySet is an unordered set of capabilities
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	s.Add(caps...)
	return s
}

// Add inserts capabilities into the set
func (s CapabilitySet) Add(caps ...Capability) {
	for _, c := range caps {
		s[c] = struct{}{}
	}
}

// Has reports whether the set allows c.
// The admin capability acts as a wildcard for everything except complete_step.
func (s CapabilitySet) Has(c Capability) bool {
	if _, ok := s[c]; ok {
		return true
	}
	if c == CapCompleteStep {
		return false
	}
	_, admin := s[CapAdmin]
	return admin
}

// Strings returns the capabilities in sorted order
func (s CapabilitySet) Strings() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
