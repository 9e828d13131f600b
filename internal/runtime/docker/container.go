package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/runtime"
)

const defaultRestartPolicy = "on-failure:2"

// List returns containers matching every label in opts.
func (c *Client) List(ctx context.Context, opts runtime.ListOptions) ([]domain.Container, error) {
	args := filters.NewArgs()
	for _, kv := range labelFilters(opts.Labels) {
		args.Add("label", kv)
	}
	summaries, err := c.inner.ContainerList(ctx, container.ListOptions{All: opts.All, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]domain.Container, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		out = append(out, domain.Container{
			ID:     s.ID,
			Name:   name,
			Image:  s.Image,
			State:  s.State,
			Status: s.Status,
			Labels: s.Labels,
		})
	}
	return out, nil
}

// Start creates and starts a labeled container for a project generation.
func (c *Client) Start(ctx context.Context, req runtime.StartRequest) (domain.Container, error) {
	if strings.TrimSpace(req.Name) == "" {
		return domain.Container{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(req.Image) == "" {
		return domain.Container{}, fmt.Errorf("image name cannot be empty")
	}

	labels := ContainerLabels(req)
	config := &container.Config{
		Image:  req.Image,
		Env:    envList(req.Config.Env),
		Labels: labels,
	}
	if req.Config.Port > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", req.Config.Port))
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
	}

	policy, err := RestartPolicy(req.Config.Restart)
	if err != nil {
		return domain.Container{}, err
	}
	hostCfg := &container.HostConfig{RestartPolicy: policy}

	networkName := req.Network
	if networkName == "" {
		networkName = c.network
	}
	if networkName != "" {
		if err := c.ensureNetwork(ctx, networkName); err != nil {
			return domain.Container{}, err
		}
		hostCfg.NetworkMode = container.NetworkMode(networkName)
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, req.Name)
	if err != nil {
		return domain.Container{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return domain.Container{}, fmt.Errorf("container start: %w", err)
	}

	started := domain.Container{ID: created.ID, Name: req.Name, Image: req.Image, Labels: labels}
	inspect, err := c.inner.ContainerInspect(ctx, created.ID)
	if err != nil {
		return started, fmt.Errorf("container inspect: %w", err)
	}
	if inspect.ContainerJSONBase != nil && inspect.State != nil {
		started.State = inspect.State.Status
		started.Status = inspect.State.Status
	}
	return started, nil
}

// Remove force-removes a container. A missing container is not an error.
func (c *Client) Remove(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Prune removes stopped deployment containers and dangling images.
func (c *Client) Prune(ctx context.Context) (runtime.PruneReport, error) {
	var report runtime.PruneReport
	containers, err := c.inner.ContainersPrune(ctx, filters.NewArgs(filters.Arg("label", domain.LabelUser)))
	if err != nil {
		return report, fmt.Errorf("prune containers: %w", err)
	}
	report.ContainersDeleted = len(containers.ContainersDeleted)
	report.SpaceReclaimed += containers.SpaceReclaimed

	images, err := c.inner.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return report, fmt.Errorf("prune images: %w", err)
	}
	report.ImagesDeleted = len(images.ImagesDeleted)
	report.SpaceReclaimed += images.SpaceReclaimed
	return report, nil
}

func (c *Client) ensureNetwork(ctx context.Context, name string) error {
	if _, err := c.inner.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}
	if _, err := c.inner.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

// ContainerLabels merges user labels with the deployment labels the
// rollout relies on, and adds traefik routing when a domain is set.
func ContainerLabels(req runtime.StartRequest) map[string]string {
	labels := make(map[string]string, len(req.Config.Labels)+6)
	for k, v := range req.Config.Labels {
		labels[k] = v
	}
	labels[domain.LabelUser] = req.Username
	labels[domain.LabelProject] = req.Project
	labels[domain.LabelName] = req.Name
	labels[domain.LabelDeployment] = req.Name

	if host := strings.TrimSpace(req.Config.Domain); host != "" {
		router := req.Project
		labels["traefik.enable"] = "true"
		labels["traefik.http.routers."+router+".rule"] = "Host(`" + host + "`)"
		if req.Config.Port > 0 {
			labels["traefik.http.services."+router+".loadbalancer.server.port"] = strconv.Itoa(req.Config.Port)
		}
	}
	return labels
}

// RestartPolicy parses "no", "always", "unless-stopped" or
// "on-failure[:N]". Empty selects on-failure:2.
func RestartPolicy(raw string) (container.RestartPolicy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = defaultRestartPolicy
	}
	name, count, hasCount := strings.Cut(raw, ":")
	policy := container.RestartPolicy{Name: container.RestartPolicyMode(name)}
	switch policy.Name {
	case container.RestartPolicyDisabled, container.RestartPolicyAlways, container.RestartPolicyUnlessStopped:
		if hasCount {
			return container.RestartPolicy{}, fmt.Errorf("restart policy %q does not take a retry count", name)
		}
	case container.RestartPolicyOnFailure:
		if hasCount {
			n, err := strconv.Atoi(count)
			if err != nil || n < 0 {
				return container.RestartPolicy{}, fmt.Errorf("invalid restart retry count %q", count)
			}
			policy.MaximumRetryCount = n
		}
	default:
		return container.RestartPolicy{}, fmt.Errorf("unknown restart policy %q", name)
	}
	return policy, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func labelFilters(labels map[string]string) []string {
	out := make([]string, 0, len(labels))
	for k, v := range labels {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
