package compose

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Parser Functions
// =============================================================================

// ParseCatalog parses Docker Compose YAML into a unit catalog.
// This is a pure function - no I/O, no side effects. Variables are
// interpolated from env only.
func ParseCatalog(project, yamlContent string, env map[string]string) (*Catalog, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	p, err := loadProject(project, yamlContent, env)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(p); err != nil {
		return nil, err
	}
	if len(p.Services) == 0 {
		return nil, ErrNoServices
	}

	catalog := &Catalog{Project: project, units: make(map[string]Unit, len(p.Services))}
	for _, svc := range p.Services {
		unit, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		if err := validatePorts(unit); err != nil {
			return nil, err
		}
		catalog.units[unit.Name] = unit
	}
	return catalog, nil
}

// loadProject loads a compose file using compose-go
func loadProject(project, yamlContent string, env map[string]string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	p, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
		Environment: types.Mapping(env),
	}, func(opts *loader.Options) {
		opts.SetProjectName(project, false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		// In-memory content: nothing to resolve against the filesystem.
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", "service must have an image", ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}
	return p, nil
}

// checkUnsupportedFeatures rejects compose features a single container cannot carry
func checkUnsupportedFeatures(p *types.Project) error {
	if len(p.Secrets) > 0 {
		return NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(p.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range p.Services {
		if svc.Build != nil {
			return NewParseError("services."+svc.Name+".build", "units must reference a prebuilt image", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService converts a compose-go service to a Unit
func convertService(svc types.ServiceConfig) (Unit, error) {
	if svc.Image == "" {
		return Unit{}, NewParseError("services."+svc.Name, "service must have an image", ErrServiceNoImage)
	}

	unit := Unit{
		Name:        svc.Name,
		Image:       svc.Image,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		WorkingDir:  svc.WorkingDir,
		User:        svc.User,
		Environment: make(map[string]string),
		Labels:      make(map[string]string),
	}

	for _, p := range svc.Ports {
		var published uint32
		if p.Published != "" {
			pub, err := strconv.ParseUint(p.Published, 10, 32)
			if err != nil {
				return Unit{}, NewParseError("services."+svc.Name+".ports", "published port must be a single number", ErrServiceInvalidPort)
			}
			published = uint32(pub)
		}
		unit.Ports = append(unit.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  p.Protocol,
			HostIP:    p.HostIP,
		})
	}

	for k, v := range svc.Environment {
		if v != nil {
			unit.Environment[k] = *v
		}
	}
	for k, v := range svc.Labels {
		unit.Labels[k] = v
	}
	for net := range svc.Networks {
		unit.Networks = append(unit.Networks, net)
	}
	sort.Strings(unit.Networks)

	return unit, nil
}

// validatePorts validates all port configurations
func validatePorts(unit Unit) error {
	for i, port := range unit.Ports {
		field := fmt.Sprintf("services.%s.ports[%d]", unit.Name, i)
		if port.Target == 0 {
			return NewParseError(field, "target port cannot be 0", ErrServiceInvalidPort)
		}
		if port.Target > 65535 {
			return NewParseError(field, "target port must be <= 65535", ErrServiceInvalidPort)
		}
		if port.Published > 65535 {
			return NewParseError(field, "published port must be <= 65535", ErrServiceInvalidPort)
		}
	}
	return nil
}

// ExecCommand builds the command that runs operation with args inside a
// unit's container: the unit's exec prefix label, split on spaces, followed
// by the operation and its arguments.
func (u Unit) ExecCommand(operation string, args []string) []string {
	cmd := strings.Fields(u.Labels[ExecPrefix])
	cmd = append(cmd, operation)
	return append(cmd, args...)
}
