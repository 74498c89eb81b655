// Package fanout runs commands across role-tagged host sets over SSH and
// replicates local trees with rsync. Every task targets exactly one role.
package fanout

import (
	"fmt"
	"sort"

	"github.com/campusweb/atlas/internal/config"
)

// Role names a host set in the deployment.
type Role string

const (
	// RoleWebservers fans out to every web server.
	RoleWebservers Role = "webservers"
	// RoleWebserverSingle targets one deterministic web server, used for
	// operations that must not run twice (database dumps, DDL).
	RoleWebserverSingle Role = "webserver_single"
	// RoleOperations targets the operations node.
	RoleOperations Role = "operations"
	// RoleLoadBalancers fans out to the load balancers.
	RoleLoadBalancers Role = "load_balancers"
)

// Hosts resolves a role to its host list. The single-server role picks
// the lexicographically first web server so every process agrees on the
// member without coordination.
func Hosts(roles config.RolesConfig, role Role) ([]string, error) {
	switch role {
	case RoleWebservers:
		return roles.Webservers, nil
	case RoleWebserverSingle:
		if len(roles.Webservers) == 0 {
			return nil, fmt.Errorf("fanout: no webservers configured")
		}
		sorted := append([]string(nil), roles.Webservers...)
		sort.Strings(sorted)
		return sorted[:1], nil
	case RoleOperations:
		if roles.Operations == "" {
			return nil, fmt.Errorf("fanout: no operations host configured")
		}
		return []string{roles.Operations}, nil
	case RoleLoadBalancers:
		return roles.LoadBalancers, nil
	}
	return nil, fmt.Errorf("fanout: unknown role %q", role)
}
