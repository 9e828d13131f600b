package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ProjectConfigFile is the per-project configuration file name.
const ProjectConfigFile = "exoframe.json"

// DefaultProjectName is used when the archive carries no config or no name.
const DefaultProjectName = "default"

// ProjectConfig declares how a project is built and run.
type ProjectConfig struct {
	Name     string            `json:"name"`
	Project  string            `json:"project,omitempty"`
	Template string            `json:"template,omitempty"`
	Image    string            `json:"image,omitempty"`
	Domain   string            `json:"domain,omitempty"`
	Port     int               `json:"port,omitempty"`
	Restart  string            `json:"restart,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// LoadProjectConfig reads exoframe.json from dir. A missing file yields the
// default config; a malformed one is an error.
func LoadProjectConfig(dir string) (ProjectConfig, error) {
	cfg := ProjectConfig{Name: DefaultProjectName}
	data, err := os.ReadFile(filepath.Join(dir, ProjectConfigFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read project config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ProjectConfig{Name: DefaultProjectName}, fmt.Errorf("parse project config: %w", err)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = DefaultProjectName
	}
	return cfg, nil
}

// ImageTag returns the image tag built for a user's project.
func ImageTag(username string, cfg ProjectConfig) string {
	return fmt.Sprintf("exo-%s-%s:latest", Kebab(username), Kebab(cfg.Name))
}

// ProjectID derives the project label shared by every generation of a
// user's project. An explicit config.project wins.
func ProjectID(username string, cfg ProjectConfig) string {
	if p := strings.TrimSpace(cfg.Project); p != "" {
		return p
	}
	tag := ImageTag(username, cfg)
	return tag[:strings.LastIndex(tag, ":")]
}

// ContainerName returns a unique container name for one generation.
func ContainerName(username string, cfg ProjectConfig, suffix string) string {
	return fmt.Sprintf("exo-%s-%s-%s", Kebab(username), Kebab(cfg.Name), suffix)
}

// CompareNames reports whether two container names belong to the same
// logical service, ignoring the trailing "-<id>" segment.
func CompareNames(a, b string) bool {
	return trimSuffix(a) == trimSuffix(b)
}

func trimSuffix(name string) string {
	name = strings.TrimPrefix(name, "/")
	if idx := strings.LastIndex(name, "-"); idx > 0 {
		return name[:idx]
	}
	return name
}

// Kebab lower-cases s and joins its words with dashes. Words break on
// separators, on lower-to-upper case changes, before the last capital of an
// acronym ("XMLHttp" is "xml-http") and between letters and digits.
func Kebab(s string) string {
	var words []string
	for _, chunk := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words = append(words, splitWords([]rune(chunk))...)
	}
	return strings.ToLower(strings.Join(words, "-"))
}

func splitWords(runes []rune) []string {
	var words []string
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case unicode.IsDigit(prev) != unicode.IsDigit(cur):
		case unicode.IsLower(prev) && unicode.IsUpper(cur):
		case unicode.IsUpper(prev) && unicode.IsUpper(cur) && unicode.IsLower(next):
		default:
			continue
		}
		words = append(words, string(runes[start:i]))
		start = i
	}
	return append(words, string(runes[start:]))
}
