package template

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	nodePort   = 3000
	staticPort = 80
)

type nodePackageManager string

const (
	nodePMNPM  nodePackageManager = "npm"
	nodePMYarn nodePackageManager = "yarn"
	nodePMPNPM nodePackageManager = "pnpm"
)

type npmManifest struct {
	PackageManager string `json:"packageManager"`
}

func renderNodeDockerfile(pm nodePackageManager) string {
	var b strings.Builder
	b.WriteString("FROM node:20-bullseye\n")
	b.WriteString("WORKDIR /app\n\n")
	switch pm {
	case nodePMYarn:
		b.WriteString("COPY package.json yarn.lock ./\n")
		b.WriteString("RUN corepack enable && yarn install --frozen-lockfile\n\n")
	case nodePMPNPM:
		b.WriteString("COPY package.json pnpm-lock.yaml ./\n")
		b.WriteString("RUN corepack enable && pnpm install --frozen-lockfile\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ]; then npm ci; else npm install; fi\n\n")
	}
	b.WriteString("COPY . ./\n")
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("ENV PORT=" + strconv.Itoa(nodePort) + "\n")
	b.WriteString("EXPOSE " + strconv.Itoa(nodePort) + "\n")
	switch pm {
	case nodePMYarn:
		b.WriteString("CMD [\"yarn\",\"start\"]\n")
	case nodePMPNPM:
		b.WriteString("CMD [\"pnpm\",\"start\"]\n")
	default:
		b.WriteString("CMD [\"npm\",\"start\"]\n")
	}
	return b.String()
}

func renderStaticDockerfile() string {
	var b strings.Builder
	b.WriteString("FROM nginx:alpine\n")
	b.WriteString("COPY . /usr/share/nginx/html\n")
	b.WriteString("RUN rm -f /usr/share/nginx/html/Dockerfile /usr/share/nginx/html/exoframe.json\n")
	b.WriteString("EXPOSE " + strconv.Itoa(staticPort) + "\n")
	return b.String()
}

func hasDockerfile(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(entry.Name(), "dockerfile") {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func detectNodePackageManager(dir string) nodePackageManager {
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var manifest npmManifest
		if json.Unmarshal(data, &manifest) == nil {
			if pm := parseNodePackageManager(manifest.PackageManager); pm != "" {
				return pm
			}
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return nodePMYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return nodePMPNPM
	default:
		return nodePMNPM
	}
}

func parseNodePackageManager(value string) nodePackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return nodePMYarn
	case "pnpm":
		return nodePMPNPM
	case "npm":
		return nodePMNPM
	default:
		return ""
	}
}
