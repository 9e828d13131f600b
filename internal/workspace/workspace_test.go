package workspace

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUnpackAndCleanup(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	archive := tarball(t, map[string]string{
		"exoframe.json": `{"name":"web"}`,
		"src/index.js":  "console.log('hi')",
	})
	folder, err := FolderName("alice")
	if err != nil {
		t.Fatalf("FolderName: %v", err)
	}
	if !strings.HasPrefix(folder, "alice-") {
		t.Fatalf("unexpected folder %q", folder)
	}
	dir, err := m.Unpack(bytes.NewReader(archive), folder)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "src", "index.js"))
	if err != nil || string(data) != "console.log('hi')" {
		t.Fatalf("unexpected unpacked file %q err=%v", data, err)
	}
	if err := m.Cleanup(dir); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, stat err=%v", err)
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Cleanup(t.TempDir()); err == nil {
		t.Fatalf("expected refusal for path outside root")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatalf("expected refusal for root itself")
	}
	if _, err := m.Prepare("../escape"); err == nil {
		t.Fatalf("expected invalid identifier error")
	}
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}
