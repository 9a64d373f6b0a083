package token

import (
	"strings"

	dErrors "agentgate/pkg/domain-errors"
)

// Scopes are colon-separated action patterns, e.g. "email:send". A grant may
// end in a wildcard segment ("email:*") which authorizes every action under
// that prefix. A bare "*" is rejected: grants must name at least one domain.
func validateScope(scope string) error {
	if scope == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "scope cannot be empty")
	}
	segments := strings.Split(scope, ":")
	if len(segments) < 2 {
		return dErrors.Newf(dErrors.CodeInvalidInput, "scope %q must have at least two segments", scope)
	}
	for i, seg := range segments {
		if seg == "" {
			return dErrors.Newf(dErrors.CodeInvalidInput, "scope %q has an empty segment", scope)
		}
		// Wildcards are only legal as the final segment.
		if strings.Contains(seg, "*") && (seg != "*" || i != len(segments)-1) {
			return dErrors.Newf(dErrors.CodeInvalidInput, "scope %q: wildcard must be the final segment", scope)
		}
	}
	return nil
}

// scopeAllows reports whether a granted scope authorizes the requested
// action name: exact match, or the grant ends in "*" and every preceding
// segment matches the action's prefix.
func scopeAllows(granted, action string) bool {
	if granted == action {
		return true
	}
	if !strings.HasSuffix(granted, ":*") {
		return false
	}
	prefix := strings.TrimSuffix(granted, "*")
	if !strings.HasPrefix(action, prefix) {
		return false
	}
	// The wildcard must cover whole segments: "email:*" allows "email:send"
	// and "email:send:bulk", never "emailx".
	return len(action) > len(prefix)
}

// anyScopeAllows checks the action against every granted scope.
func anyScopeAllows(granted []string, action string) bool {
	for _, scope := range granted {
		if scopeAllows(scope, action) {
			return true
		}
	}
	return false
}
