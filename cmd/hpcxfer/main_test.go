package main

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tturner/hpcxfer/internal/config"
	"github.com/tturner/hpcxfer/internal/transport"
)

// runRoot executes the root command with args and returns its stdout.
func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--log-level", "silent"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRequiredArgsErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "exec missing command", args: []string{"exec"}, wantErr: "required argument COMMAND not set"},
		{name: "put missing local", args: []string{"put"}, wantErr: "required argument LOCAL not set"},
		{name: "put missing remote", args: []string{"put", "a"}, wantErr: "required argument REMOTE not set"},
		{name: "get missing local", args: []string{"get", "a"}, wantErr: "required argument LOCAL not set"},
		{name: "copy missing dest", args: []string{"copy", "a"}, wantErr: "required argument DEST not set"},
		{name: "ls missing dir", args: []string{"ls"}, wantErr: "required argument DIR not set"},
		{name: "glob missing pattern", args: []string{"glob"}, wantErr: "required argument PATTERN not set"},
		{name: "rm missing path", args: []string{"rm"}, wantErr: "required argument PATH not set"},
		{name: "compress missing source", args: []string{"compress", "out.tar"}, wantErr: "required argument SOURCE not set"},
		{name: "extract missing dest", args: []string{"extract", "in.tar"}, wantErr: "required argument DEST not set"},
		{name: "goto missing dir", args: []string{"goto"}, wantErr: "required argument DIR not set"},
		{name: "init-config missing path", args: []string{"init-config"}, wantErr: "required argument PATH not set"},
		{name: "compress bad format", args: []string{"compress", "--format", "zip", "o", "s"}, wantErr: "unknown archive format"},
		{name: "bad transport", args: []string{"--transport", "ftp://host", "whoami"}, wantErr: "configure transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runRoot(t, tt.args...)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error: got %q want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := runRoot(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "hpcxfer version") {
		t.Errorf("version output: %q", out)
	}
}

func TestInitConfigCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.toml")
	if _, err := runRoot(t, "init-config", path); err != nil {
		t.Fatalf("init-config: %v", err)
	}
	cfg, err := config.LoadComputer(path, false)
	if err != nil {
		t.Fatalf("load written profile: %v", err)
	}
	if cfg.Transport != config.TransportSSH {
		t.Errorf("transport: got %q", cfg.Transport)
	}

	if _, err := runRoot(t, "init-config", path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}
	if _, err := runRoot(t, "init-config", "--force", path); err != nil {
		t.Fatalf("init-config --force: %v", err)
	}
}

func TestLocalWorkflow(t *testing.T) {
	dir := t.TempDir()
	work := filepath.Join(dir, "remote", "run1")
	src := filepath.Join(dir, "input.dat")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := runRoot(t, "mkdir", "-p", work); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := runRoot(t, "put", src, filepath.Join(work, "input.dat")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := runRoot(t, "copy", filepath.Join(work, "input.dat"), filepath.Join(work, "copy.dat")); err != nil {
		t.Fatalf("copy: %v", err)
	}

	out, err := runRoot(t, "ls", work)
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if !strings.Contains(out, "input.dat") || !strings.Contains(out, "copy.dat") {
		t.Errorf("ls output: %q", out)
	}

	out, err = runRoot(t, "glob", filepath.Join(work, "*.dat"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	lines := strings.Fields(out)
	if len(lines) != 2 {
		t.Fatalf("glob: got %v", lines)
	}

	back := filepath.Join(dir, "back.dat")
	if _, err := runRoot(t, "get", filepath.Join(work, "copy.dat"), back); err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := os.ReadFile(back)
	if err != nil || string(data) != "payload" {
		t.Fatalf("get result: %q %v", data, err)
	}

	if _, err := runRoot(t, "rm", "-r", filepath.Join(dir, "remote")); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if _, err := os.Stat(work); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("work dir still present: %v", err)
	}
}

func TestLocalPutNoOverwrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	for _, p := range []string{src, dst} {
		if err := os.WriteFile(p, []byte(p), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := runRoot(t, "put", "--no-overwrite", src, dst); err == nil {
		t.Fatalf("expected error for existing destination")
	}
	if _, err := runRoot(t, "put", "--ignore-missing", filepath.Join(dir, "missing"), dst); err != nil {
		t.Fatalf("put --ignore-missing: %v", err)
	}
}

func TestExecCmd(t *testing.T) {
	out, err := runRoot(t, "exec", "--", "echo", "hello")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !strings.HasSuffix(out, "hello\n") {
		t.Errorf("exec output: %q", out)
	}

	_, err = runRoot(t, "exec", "--", "exit", "3")
	var exit exitCodeError
	if !errors.As(err, &exit) || exit.code != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
}

func TestGotoCmd(t *testing.T) {
	out, err := runRoot(t, "--transport", "ssh://alice@login1", "goto", "/scratch/alice")
	if err != nil {
		t.Fatalf("goto: %v", err)
	}
	if !strings.HasPrefix(out, "ssh -t -l alice login1 ") || !strings.Contains(out, "/scratch/alice") {
		t.Errorf("goto output: %q", out)
	}
}

func TestExitStatus(t *testing.T) {
	for in, want := range map[int]int{0: 0, 3: 3, -1: 124, 300: 1} {
		if got := exitStatus(in); got != want {
			t.Errorf("exitStatus(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestParseArchiveFormat(t *testing.T) {
	tests := map[string]transport.ArchiveFormat{
		"tar":     transport.FormatTar,
		"TAR.GZ":  transport.FormatTarGz,
		"tgz":     transport.FormatTarGz,
		"tar.bz2": transport.FormatTarBz,
		"txz":     transport.FormatTarXz,
	}
	for in, want := range tests {
		got, err := parseArchiveFormat(in)
		if err != nil || got != want {
			t.Errorf("parseArchiveFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := parseArchiveFormat("zip"); err == nil {
		t.Errorf("expected error for zip")
	}
}

func TestRenderListing(t *testing.T) {
	mtime := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	entries := []transport.DirEntry{
		{Name: "run1", IsDir: true, Attributes: transport.FileAttribute{Mode: fs.ModeDir | 0o755, Mtime: mtime}},
		{Name: "out.log", Attributes: transport.FileAttribute{Mode: 0o644, Size: 42, Mtime: mtime}},
	}

	short := renderListing(entries, false)
	if !strings.Contains(short, "run1/") || !strings.Contains(short, "out.log") {
		t.Errorf("short listing: %q", short)
	}
	if strings.Count(short, "\n") != 2 {
		t.Errorf("short listing lines: %q", short)
	}

	long := renderListing(entries, true)
	if !strings.Contains(long, "-rw-r--r--") || !strings.Contains(long, "42") || !strings.Contains(long, "2024-03-01 12:30") {
		t.Errorf("long listing: %q", long)
	}
}

func TestLocalPutMultiple(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "dest")
	if err := os.Mkdir(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	var sources []string
	for _, name := range []string{"a.txt", "b.txt"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		sources = append(sources, p)
	}

	args := append([]string{"put"}, sources...)
	args = append(args, dest)
	if _, err := runRoot(t, args...); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, name := range []string{"a.txt", "b.txt"} {
		data, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil || string(data) != name {
			t.Errorf("%s: %q %v", name, data, err)
		}
	}

	args = []string{"put", "--no-overwrite", sources[0], filepath.Join(dir, "missing.txt"), dest}
	_, err := runRoot(t, args...)
	if err == nil || !strings.Contains(err.Error(), "2 of 2 failed") {
		t.Fatalf("expected both uploads to fail, got %v", err)
	}
}

func TestLocalPutMultipleDirectories(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "dest")
	if err := os.Mkdir(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	tree := filepath.Join(dir, "run1")
	if err := os.MkdirAll(filepath.Join(tree, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tree, "sub", "out.dat"), []byte("out"), 0o644); err != nil {
		t.Fatal(err)
	}
	single := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(single, []byte("notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := runRoot(t, "put", tree, single, dest); err != nil {
		t.Fatalf("put: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dest, "run1", "sub", "out.dat")); err != nil || string(data) != "out" {
		t.Errorf("tree not placed at dest/run1: %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dest, "run1", "run1")); !os.IsNotExist(err) {
		t.Errorf("tree was nested twice: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dest, "notes.txt")); err != nil || string(data) != "notes" {
		t.Errorf("notes.txt: %q %v", data, err)
	}

	_, err := runRoot(t, "put", tree, single, filepath.Join(dir, "absent"))
	if err == nil || !strings.Contains(err.Error(), "must be an existing directory") {
		t.Fatalf("expected a directory error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "absent")); !os.IsNotExist(err) {
		t.Errorf("nothing should be created when REMOTE is not a directory: %v", err)
	}
}

func TestLocalGetMultipleNeedsDirectory(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte(filepath.Base(p)), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	_, err := runRoot(t, "get", a, b, filepath.Join(dir, "a-copy.txt"))
	if err == nil || !strings.Contains(err.Error(), "must be an existing directory") {
		t.Fatalf("expected a directory error, got %v", err)
	}

	dest := filepath.Join(dir, "dest")
	if err := os.Mkdir(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := runRoot(t, "get", a, b, dest); err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, name := range []string{"a.txt", "b.txt"} {
		if data, err := os.ReadFile(filepath.Join(dest, name)); err != nil || string(data) != name {
			t.Errorf("%s: %q %v", name, data, err)
		}
	}
}
