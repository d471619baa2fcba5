package api

import (
	"net"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Validate checks a rule read from or written to the rule store
func (r *ForwardRule) Validate() field.ErrorList {
	var allErrs field.ErrorList
	rulePath := field.NewPath("rule")

	for _, msg := range validation.IsValidPortNum(r.LocalPort) {
		allErrs = append(allErrs, field.Invalid(rulePath.Child("localPort"), r.LocalPort, msg))
	}

	for _, msg := range validation.IsValidPortNum(r.RemotePort) {
		allErrs = append(allErrs, field.Invalid(rulePath.Child("remotePort"), r.RemotePort, msg))
	}

	if strings.TrimSpace(r.OwningUser) == "" {
		allErrs = append(allErrs, field.Required(rulePath.Child("owningUser"), "owning user cannot be empty"))
	} else if strings.ContainsAny(r.OwningUser, ",\t\n") {
		// The status log is comma/tab separated, so such a name can never match a client
		allErrs = append(allErrs, field.Invalid(rulePath.Child("owningUser"), r.OwningUser,
			"must not contain separators"))
	}

	return allErrs
}

// Validate checks a roster entry parsed from the status log
func (e *RosterEntry) Validate() field.ErrorList {
	var allErrs field.ErrorList
	entryPath := field.NewPath("client")

	if e.UserIdentity == "" {
		allErrs = append(allErrs, field.Required(entryPath.Child("commonName"), "common name cannot be empty"))
	}

	if e.NetworkAddress == "" {
		allErrs = append(allErrs, field.Required(entryPath.Child("virtualAddress"), "virtual address cannot be empty"))
	} else if net.ParseIP(e.NetworkAddress) == nil {
		allErrs = append(allErrs, field.Invalid(entryPath.Child("virtualAddress"), e.NetworkAddress,
			"must be a valid IP address"))
	}

	return allErrs
}
