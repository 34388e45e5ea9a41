// Package paths expands templated remote log directories into concrete paths
// and recognizes which game a directory listing belongs to.
package paths

import (
	"errors"
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/security"
)

const (
	placeholderServiceID = "{serviceId}"
	placeholderUserID    = "{userId}"
)

var ErrEmptyServiceID = errors.New("service id is required")

// SanitizedIdentifier records an identifier that lost characters before substitution
type SanitizedIdentifier struct {
	Field    string `json:"field"`
	Original string `json:"original"`
	Clean    string `json:"clean"`
}

// SkippedTemplate is a template that produced no path
type SkippedTemplate struct {
	Template string `json:"template"`
	Reason   string `json:"reason"`
}

// Resolution is the outcome of resolving a template list
type Resolution struct {
	Paths     []string              `json:"paths"`
	Sanitized []SanitizedIdentifier `json:"sanitized,omitempty"`
	Skipped   []SkippedTemplate     `json:"skipped,omitempty"`
}

// Resolver substitutes identifiers into path templates and guards the result
type Resolver struct {
	validator *security.Validator
}

// NewResolver creates a resolver that only yields paths under roots
func NewResolver(roots ...string) *Resolver {
	return &Resolver{validator: security.NewValidator(roots...)}
}

// ResolvePaths resolves templates with a resolver that accepts any absolute path
func ResolvePaths(templates []string, serviceID, userID string) (Resolution, error) {
	return NewResolver().Resolve(templates, serviceID, userID)
}

// Resolve expands every template. Templates that need a user id are dropped
// when none is given; templates whose result fails the path guard are skipped.
// Neither aborts the rest of the list.
func (r *Resolver) Resolve(templates []string, serviceID, userID string) (Resolution, error) {
	var res Resolution

	if serviceID == "" {
		return res, ErrEmptyServiceID
	}
	cleanService, changed := security.SanitizeIdentifier(serviceID)
	if changed {
		res.Sanitized = append(res.Sanitized, SanitizedIdentifier{Field: "serviceId", Original: serviceID, Clean: cleanService})
	}
	if cleanService == "" {
		return res, fmt.Errorf("%w: %q has no usable characters", ErrEmptyServiceID, serviceID)
	}

	cleanUser := ""
	if userID != "" {
		var userChanged bool
		cleanUser, userChanged = security.SanitizeIdentifier(userID)
		if userChanged {
			res.Sanitized = append(res.Sanitized, SanitizedIdentifier{Field: "userId", Original: userID, Clean: cleanUser})
		}
	}

	seen := make(map[string]bool, len(templates))
	for _, tmpl := range templates {
		if strings.Contains(tmpl, placeholderUserID) && cleanUser == "" {
			res.Skipped = append(res.Skipped, SkippedTemplate{Template: tmpl, Reason: "requires user id"})
			continue
		}

		expanded := strings.ReplaceAll(tmpl, placeholderServiceID, cleanService)
		expanded = strings.ReplaceAll(expanded, placeholderUserID, cleanUser)

		guarded, err := r.validator.ValidatePath(expanded)
		if err != nil {
			res.Skipped = append(res.Skipped, SkippedTemplate{Template: tmpl, Reason: err.Error()})
			continue
		}
		if seen[guarded] {
			continue
		}
		seen[guarded] = true
		res.Paths = append(res.Paths, guarded)
	}

	return res, nil
}
