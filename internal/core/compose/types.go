package compose

import "sort"

// =============================================================================
// Catalog
// =============================================================================

// Catalog is the set of units a compose file makes deployable, keyed by
// service name.
type Catalog struct {
	Project string
	units   map[string]Unit
}

// Lookup returns the unit named name.
func (c *Catalog) Lookup(name string) (Unit, error) {
	u, ok := c.units[name]
	if !ok {
		return Unit{}, NewParseError("services."+name, "no such service in "+c.Project, ErrUnknownUnit)
	}
	return u, nil
}

// Names returns the unit names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.units))
	for n := range c.units {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Unit
// =============================================================================

// Unit is one compose service reduced to what is needed to run it as a
// single container.
type Unit struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Command     []string          `json:"command,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	User        string            `json:"user,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Ports       []Port            `json:"ports,omitempty"`
	Networks    []string          `json:"networks,omitempty"`
}

// Port represents a port mapping.
type Port struct {
	Target    uint32 `json:"target"`              // Container port
	Published uint32 `json:"published,omitempty"` // Host port (0 = dynamic)
	Protocol  string `json:"protocol,omitempty"`  // tcp, udp
	HostIP    string `json:"host_ip,omitempty"`   // Bind IP
}

// ExecPrefix is the label holding the command that wiring operations are
// appended to when run inside the unit's container.
const ExecPrefix = "deploychain.exec"
