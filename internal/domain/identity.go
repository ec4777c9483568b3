package domain

import "strings"

// NormalizeIdentity lower-cases and trims an email address so that it can be
// used as the natural key for login and entitlement lookups.
func NormalizeIdentity(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
