package template

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/runtime/runtimetest"
	"github.com/splax/exoframed/internal/stream"
)

type stubTemplate struct {
	name    string
	matches bool
	probed  *[]string
}

func (s stubTemplate) Name() string { return s.name }

func (s stubTemplate) Matches(context.Context, *Context) bool {
	*s.probed = append(*s.probed, s.name)
	return s.matches
}

func (s stubTemplate) Execute(context.Context, *Context) error { return nil }

func TestResolvePriority(t *testing.T) {
	var probed []string
	r := NewResolver(
		stubTemplate{name: "A", matches: true, probed: &probed},
		stubTemplate{name: "B", matches: true, probed: &probed},
		stubTemplate{name: "C", matches: false, probed: &probed},
	)
	got, err := r.Resolve(context.Background(), &Context{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Name() != "A" {
		t.Fatalf("expected A, got %s", got.Name())
	}
	if strings.Join(probed, ",") != "A" {
		t.Fatalf("expected short circuit after A, probed %v", probed)
	}

	probed = nil
	got, err = r.Resolve(context.Background(), &Context{Config: domain.ProjectConfig{Template: "B"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Name() != "B" {
		t.Fatalf("expected explicit B, got %s", got.Name())
	}
	if len(probed) != 0 {
		t.Fatalf("explicit lookup must not call Matches, probed %v", probed)
	}
}

func TestResolveExplicitNameHasNoFallback(t *testing.T) {
	var probed []string
	r := NewResolver(stubTemplate{name: "A", matches: true, probed: &probed})
	_, err := r.Resolve(context.Background(), &Context{Config: domain.ProjectConfig{Template: "missing"}})
	var nf NotFoundError
	if !errors.As(err, &nf) || nf.Name != "missing" {
		t.Fatalf("expected NotFoundError{missing}, got %v", err)
	}
	if len(probed) != 0 {
		t.Fatalf("expected no fallback probing, probed %v", probed)
	}
}

func TestResolveNoMatch(t *testing.T) {
	var probed []string
	r := NewResolver(stubTemplate{name: "A", probed: &probed}, stubTemplate{name: "B", probed: &probed})
	_, err := r.Resolve(context.Background(), &Context{})
	var nf NotFoundError
	if !errors.As(err, &nf) || nf.Name != "" {
		t.Fatalf("expected empty NotFoundError, got %v", err)
	}
	if strings.Join(probed, ",") != "A,B" {
		t.Fatalf("expected sequential probing in order, got %v", probed)
	}
}

func TestBuiltinsDetection(t *testing.T) {
	r := NewResolver(Builtins()...)
	if got := strings.Join(r.Names(), ","); got != "image,dockerfile,node,static" {
		t.Fatalf("unexpected registry order %s", got)
	}
	cases := []struct {
		files map[string]string
		cfg   domain.ProjectConfig
		want  string
	}{
		{files: map[string]string{"index.html": "<h1>hi</h1>"}, want: "static"},
		{files: map[string]string{"package.json": "{}", "index.html": ""}, want: "node"},
		{files: map[string]string{"Dockerfile": "FROM scratch", "package.json": "{}"}, want: "dockerfile"},
		{files: map[string]string{"Dockerfile": "FROM scratch"}, cfg: domain.ProjectConfig{Image: "nginx:latest"}, want: "image"},
	}
	for _, tc := range cases {
		dir := writeProject(t, tc.files)
		got, err := r.Resolve(context.Background(), &Context{Folder: dir, Config: tc.cfg})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got.Name() != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, got.Name())
		}
	}
}

func TestNodeTemplateBuildsAndStarts(t *testing.T) {
	dir := writeProject(t, map[string]string{"package.json": `{"packageManager":"yarn@1.22.0"}`})
	rt := &runtimetest.Fake{}
	s := stream.New()
	tc := &Context{
		Config:   domain.ProjectConfig{Name: "web"},
		Username: "alice",
		Folder:   dir,
		Project:  "exo-alice-web",
		Stream:   s,
		Runtime:  rt,
	}

	go func() {
		defer s.Close()
		if err := (Node{}).Execute(context.Background(), tc); err != nil {
			t.Errorf("Execute: %v", err)
		}
	}()
	var messages []string
	for e := range s.Events() {
		if e.Level == domain.LevelInfo {
			messages = append(messages, e.Message)
		}
	}
	if strings.Join(messages, ",") != "building,started" {
		t.Fatalf("unexpected info events %v", messages)
	}

	dockerfile, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		t.Fatalf("expected generated Dockerfile: %v", err)
	}
	if !strings.Contains(string(dockerfile), "yarn install") {
		t.Fatalf("expected yarn Dockerfile, got:\n%s", dockerfile)
	}
	if len(rt.Builds) != 1 || rt.Builds[0].Tag != "exo-alice-web:latest" {
		t.Fatalf("unexpected builds %+v", rt.Builds)
	}
	if len(rt.Starts) != 1 || rt.Starts[0].Config.Port != nodePort || rt.Starts[0].Project != "exo-alice-web" {
		t.Fatalf("unexpected starts %+v", rt.Starts)
	}
	if !strings.HasPrefix(rt.Starts[0].Name, "exo-alice-web-") {
		t.Fatalf("unexpected container name %q", rt.Starts[0].Name)
	}
}

func TestImageTemplatePulls(t *testing.T) {
	rt := &runtimetest.Fake{}
	s := stream.New()
	go s.Drain()
	tc := &Context{Config: domain.ProjectConfig{Name: "db", Image: "redis:7"}, Username: "bob", Project: "exo-bob-db", Stream: s, Runtime: rt}
	if err := (Image{}).Execute(context.Background(), tc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	s.Close()
	if len(rt.Pulls) != 1 || rt.Pulls[0] != "redis:7" {
		t.Fatalf("unexpected pulls %v", rt.Pulls)
	}
	if len(rt.Builds) != 0 {
		t.Fatalf("image template must not build")
	}
	if len(rt.Starts) != 1 || rt.Starts[0].Image != "redis:7" {
		t.Fatalf("unexpected starts %+v", rt.Starts)
	}
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}
