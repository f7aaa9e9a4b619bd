package notify

import (
	"context"
	"strings"
)

// StaticDirectory resolves roles from configuration. Roles listed under the "*"
// store apply to every store.
type StaticDirectory map[string]map[string][]string

// UsersWithRole implements escalation.Directory.
func (d StaticDirectory) UsersWithRole(_ context.Context, storeID, role string) ([]string, error) {
	role = strings.ToLower(role)

	var users []string
	seen := make(map[string]bool)
	for _, key := range []string{storeID, "*"} {
		for r, list := range d[key] {
			if strings.ToLower(r) != role {
				continue
			}
			for _, u := range list {
				if !seen[u] {
					seen[u] = true
					users = append(users, u)
				}
			}
		}
	}
	return users, nil
}
