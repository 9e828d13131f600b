package domain

import "strings"

// Container labels written by the runtime adapter and read by the rollout.
const (
	LabelUser       = "exoframe.user"
	LabelProject    = "exoframe.project"
	LabelName       = "exoframe.name"
	LabelDeployment = "exoframe.deployment"
)

// Container state reported by the runtime for a live container.
const ContainerStateRunning = "running"

// Container is a runtime-reported container.
type Container struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Image  string            `json:"image"`
	State  string            `json:"state"`
	Status string            `json:"status"`
	Labels map[string]string `json:"labels"`
}

// Label returns the value of key or an empty string.
func (c Container) Label(key string) string {
	if c.Labels == nil {
		return ""
	}
	return c.Labels[key]
}

// Up reports whether the runtime confirms sustained uptime: state running
// and a status text containing "up".
func (c Container) Up() bool {
	return c.State == ContainerStateRunning && strings.Contains(strings.ToLower(c.Status), "up")
}
