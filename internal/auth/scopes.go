// Package auth - scopes.go defines permission scope constants for the admin
// console API and provides HasScope, HasAnyScope, and HasAllScopes helper
// functions for scope checking.
package auth

import (
	"errors"
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	// Activity ledger scopes
	ScopeActivityRead   Scope = "activity:read"   // View activity entries
	ScopeActivityVerify Scope = "activity:verify" // Run chain verification
	ScopeActivityExport Scope = "activity:export" // Export chain snapshots to the archive

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeActivityRead,
		ScopeActivityVerify,
		ScopeActivityExport,
		ScopeAdmin,
	}
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()

	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}

	return nil
}

// HasScope checks if a user has a required scope
// Supports wildcard admin scope
func HasScope(userScopes []string, required Scope) bool {
	requiredStr := string(required)

	for _, scope := range userScopes {
		// Check for exact match
		if scope == requiredStr {
			return true
		}

		// Check for admin wildcard
		if scope == string(ScopeAdmin) {
			return true
		}

		// Verify and export both require the ability to read entries, so
		// either implies activity:read.
		if required == ScopeActivityRead &&
			(scope == string(ScopeActivityVerify) || scope == string(ScopeActivityExport)) {
			return true
		}
	}

	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}

// HasAllScopes checks if a user has all of the required scopes
func HasAllScopes(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if !HasScope(userScopes, required) {
			return false
		}
	}
	return true
}

// GetDefaultScopes returns default scopes for a newly issued token
func GetDefaultScopes() []string {
	return []string{
		string(ScopeActivityRead),
	}
}

// GetAdminScopes returns all scopes including admin
func GetAdminScopes() []string {
	scopes := make([]string, 0)
	for _, scope := range AllScopes() {
		scopes = append(scopes, string(scope))
	}
	return scopes
}

// ValidateScopeString validates a single scope string
func ValidateScopeString(scope string) error {
	validScopes := ValidScopes()
	if !validScopes[scope] {
		return errors.New("invalid scope")
	}
	return nil
}
