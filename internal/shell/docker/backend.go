package docker

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/artpar/deploychain/internal/core/compose"
)

// ArgEnvPrefix prefixes the environment variables carrying provision
// arguments: DEPLOYCHAIN_ARG_0, DEPLOYCHAIN_ARG_1, ...
const ArgEnvPrefix = "DEPLOYCHAIN_ARG_"

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// =============================================================================
// Backend
// =============================================================================

// Backend provisions compose services as containers. The returned handle is
// the container ID; wiring operations run as execs inside the target.
type Backend struct {
	docker  Client
	catalog *compose.Catalog
	caller  string // exec user, empty for the image default
	logger  *slog.Logger
}

// NewBackend creates a backend for the units in catalog.
func NewBackend(docker Client, catalog *compose.Catalog, caller string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		docker:  docker,
		catalog: catalog,
		caller:  caller,
		logger:  logger.With("component", "docker", "project", catalog.Project),
	}
}

// Close releases the Docker connection.
func (b *Backend) Close() error {
	return b.docker.Close()
}

// Provision creates and starts a fresh container for unit. Arguments are
// appended to the service command and exported as ArgEnvPrefix variables.
func (b *Backend) Provision(ctx context.Context, unit string, args []string) (string, error) {
	u, err := b.catalog.Lookup(unit)
	if err != nil {
		return "", err
	}

	if err := b.ensureImage(ctx, u.Image); err != nil {
		return "", err
	}

	spec := b.containerSpec(u, args)
	id, err := b.docker.CreateContainer(ctx, spec)
	if err != nil {
		return "", err
	}

	// The container exists from here on; failures name it for manual removal.
	leftBehind := func(message string, err error) error {
		b.logger.Warn("container left behind", "unit", unit, "container", spec.Name, "id", id)
		return NewDockerError("Provision", "container", spec.Name,
			fmt.Sprintf("%s; container %s (%s) left behind, remove it with docker rm -f %s", message, spec.Name, id, spec.Name), err)
	}

	if err := b.docker.StartContainer(ctx, id); err != nil {
		return "", leftBehind("start failed: "+err.Error(), err)
	}

	info, err := b.docker.InspectContainer(ctx, id)
	if err != nil {
		return "", leftBehind("inspect failed: "+err.Error(), err)
	}
	if !info.Running {
		return "", leftBehind(fmt.Sprintf("exited right after start (state %s, exit code %d)", info.State, info.ExitCode), ErrContainerNotRunning)
	}

	b.logger.Info("container started", "unit", unit, "container", spec.Name, "id", id)
	return id, nil
}

func (b *Backend) ensureImage(ctx context.Context, image string) error {
	exists, err := b.docker.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	b.logger.Info("pulling image", "image", image)
	return b.docker.PullImage(ctx, image)
}

func (b *Backend) containerSpec(u compose.Unit, args []string) ContainerSpec {
	env := make(map[string]string, len(u.Environment)+len(args))
	for k, v := range u.Environment {
		env[k] = v
	}
	for i, a := range args {
		env[ArgEnvPrefix+strconv.Itoa(i)] = a
	}

	labels := make(map[string]string, len(u.Labels)+3)
	for k, v := range u.Labels {
		labels[k] = v
	}
	labels[LabelManaged] = "true"
	labels[LabelProject] = b.catalog.Project
	labels[LabelUnit] = u.Name

	var command []string
	if len(u.Command) > 0 || len(args) > 0 {
		command = append(append([]string{}, u.Command...), args...)
	}

	ports := make([]PortBinding, 0, len(u.Ports))
	for _, p := range u.Ports {
		ports = append(ports, PortBinding{
			ContainerPort: int(p.Target),
			HostPort:      int(p.Published),
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	return ContainerSpec{
		Name:       containerName(b.catalog.Project, u.Name),
		Image:      u.Image,
		Command:    command,
		Entrypoint: u.Entrypoint,
		Env:        env,
		Labels:     labels,
		Ports:      ports,
		Networks:   u.Networks,
		WorkingDir: u.WorkingDir,
		User:       u.User,
	}
}

// containerName is unique per provision; Provision is never idempotent.
func containerName(project, unit string) string {
	name := unsafeNameChars.ReplaceAllString(project+"-"+unit, "-")
	return strings.ToLower(name) + "-" + uuid.New().String()[:8]
}

// =============================================================================
// Invoker
// =============================================================================

// Invoke runs operation in the target container. A non-zero exit is a failure.
func (b *Backend) Invoke(ctx context.Context, target, operation string, args []string) error {
	if _, err := b.exec(ctx, target, operation, args); err != nil {
		return err
	}
	b.logger.Debug("operation applied", "target", target, "operation", operation)
	return nil
}

// Query runs call in the target container and returns its trimmed stdout.
func (b *Backend) Query(ctx context.Context, target, call string, args []string) (string, error) {
	res, err := b.exec(ctx, target, call, args)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (b *Backend) exec(ctx context.Context, target, operation string, args []string) (*ExecResult, error) {
	info, err := b.docker.InspectContainer(ctx, target)
	if err != nil {
		return nil, err
	}
	unit, ok := info.Labels[LabelUnit]
	if !ok {
		return nil, NewDockerError("Exec", "container", target, "missing "+LabelUnit+" label", ErrNotManaged)
	}
	if !info.Running {
		return nil, NewDockerError("Exec", "container", target, "state "+info.State, ErrContainerNotRunning)
	}
	u, err := b.catalog.Lookup(unit)
	if err != nil {
		return nil, err
	}

	res, err := b.docker.Exec(ctx, info.ID, ExecSpec{
		Cmd:  u.ExecCommand(operation, args),
		User: b.caller,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return nil, NewDockerError("Exec", operation, target,
			fmt.Sprintf("exit code %d: %s", res.ExitCode, msg), ErrExecFailed)
	}
	return res, nil
}
