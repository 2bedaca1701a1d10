package ort

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func clearBootstrapEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{EnvLibraryPath, EnvCacheDir, EnvVersion, EnvDisableDownload} {
		t.Setenv(name, "")
	}
}

func TestReleaseFor(t *testing.T) {
	tests := []struct {
		goos, goarch string
		platform     string
		ext          string
	}{
		{"linux", "amd64", "linux-x64", "tgz"},
		{"linux", "arm64", "linux-aarch64", "tgz"},
		{"darwin", "arm64", "osx-arm64", "tgz"},
		{"windows", "amd64", "win-x64", "zip"},
	}
	for _, tt := range tests {
		rel, err := releaseFor(tt.goos, tt.goarch)
		if err != nil {
			t.Fatalf("%s/%s: %v", tt.goos, tt.goarch, err)
		}
		if rel.platform != tt.platform || rel.ext != tt.ext {
			t.Errorf("%s/%s: got %+v", tt.goos, tt.goarch, rel)
		}
	}
	if _, err := releaseFor("plan9", "386"); err == nil {
		t.Error("expected unsupported platform error")
	}

	rel, _ := releaseFor("linux", "amd64")
	want := "https://example.test/v1.23.1/onnxruntime-linux-x64-1.23.1.tgz"
	if got := rel.url("https://example.test", "1.23.1"); got != want {
		t.Errorf("url = %q, want %q", got, want)
	}
}

func TestNormalizeRuntimeVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr string
	}{
		{"1.23.1", "1.23.1", ""},
		{"v1.22.0", "1.22.0", ""},
		{" 2.0.0 ", "2.0.0", ""},
		{"1.23", "", "format x.y.z"},
		{"latest", "", "format x.y.z"},
		{"1.24.0-rc1", "", "must be a release"},
		{"1.16.3", "", "does not provide API version 22"},
	}
	for _, tt := range tests {
		got, err := NormalizeRuntimeVersion(tt.in)
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NormalizeRuntimeVersion(%q) error = %v, want %q", tt.in, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NormalizeRuntimeVersion(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestBootstrapOptionValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  BootstrapOption
	}{
		{"empty library path", WithLibraryPath(" ")},
		{"empty cache dir", WithCacheDir("")},
		{"empty version", WithVersion("")},
		{"short checksum", WithExpectedSHA256("abc")},
		{"non-hex checksum", WithExpectedSHA256(strings.Repeat("z", 64))},
		{"empty base URL", withBaseURL("/")},
		{"nil client", withHTTPClient(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newBootstrapConfig(tt.opt); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBootstrapConfigEnv(t *testing.T) {
	clearBootstrapEnv(t)
	t.Setenv(EnvCacheDir, "/tmp/ort-cache/")
	t.Setenv(EnvVersion, "v1.22.1")
	t.Setenv(EnvDisableDownload, "yes")

	cfg, err := newBootstrapConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.cacheDir != filepath.Clean("/tmp/ort-cache") || cfg.version != "1.22.1" || !cfg.disableDownload {
		t.Errorf("unexpected config %+v", cfg)
	}

	cfg, err = newBootstrapConfig(WithVersion("1.23.1"), WithDownloadDisabled(false))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.version != "1.23.1" || cfg.disableDownload {
		t.Errorf("options must override env: %+v", cfg)
	}

	t.Setenv(EnvDisableDownload, "maybe")
	if _, err := newBootstrapConfig(); err == nil {
		t.Error("expected invalid boolean error")
	}
}

func TestEnsureSharedLibraryExplicitPath(t *testing.T) {
	clearBootstrapEnv(t)
	dir := t.TempDir()
	lib := filepath.Join(dir, "libonnxruntime.so")
	if err := os.WriteFile(lib, []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := EnsureSharedLibrary(context.Background(), WithLibraryPath(lib))
	if err != nil || got != lib {
		t.Fatalf("got %q, %v", got, err)
	}

	empty := filepath.Join(dir, "empty.so")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{empty, dir, filepath.Join(dir, "missing.so")} {
		if _, err := EnsureSharedLibrary(context.Background(), WithLibraryPath(bad)); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestEnsureSharedLibraryDownloadAndCache(t *testing.T) {
	for _, platform := range [][2]string{{"linux", "amd64"}, {"windows", "amd64"}} {
		t.Run(platform[0], func(t *testing.T) {
			clearBootstrapEnv(t)
			rel, _ := releaseFor(platform[0], platform[1])
			server, hits := newArchiveServer(t, rel, "1.99.1", buildReleaseArchive(t, rel, "1.99.1", true))
			opts := []BootstrapOption{
				WithCacheDir(t.TempDir()),
				WithVersion("1.99.1"),
				withBaseURL(server.URL),
				withHTTPClient(server.Client()),
				withPlatform(platform[0], platform[1]),
			}

			first, err := EnsureSharedLibrary(context.Background(), opts...)
			if err != nil {
				t.Fatal(err)
			}
			if filepath.Base(first) != rel.library {
				t.Errorf("resolved %q", first)
			}
			second, err := EnsureSharedLibrary(context.Background(), opts...)
			if err != nil || second != first {
				t.Fatalf("second call got %q, %v", second, err)
			}
			if hits.Load() != 1 {
				t.Errorf("downloaded %d times, want 1", hits.Load())
			}
		})
	}
}

func TestEnsureSharedLibraryConcurrentSingleDownload(t *testing.T) {
	clearBootstrapEnv(t)
	rel, _ := releaseFor("linux", "amd64")
	server, hits := newArchiveServer(t, rel, "1.99.2", buildReleaseArchive(t, rel, "1.99.2", true))
	opts := []BootstrapOption{
		WithCacheDir(t.TempDir()),
		WithVersion("1.99.2"),
		withBaseURL(server.URL),
		withHTTPClient(server.Client()),
		withPlatform("linux", "amd64"),
	}

	const workers = 8
	var wg sync.WaitGroup
	paths := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = EnsureSharedLibrary(context.Background(), opts...)
		}(i)
	}
	wg.Wait()

	for i := range paths {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Errorf("worker %d resolved %q, worker 0 %q", i, paths[i], paths[0])
		}
	}
	if hits.Load() != 1 {
		t.Errorf("downloaded %d times, want 1", hits.Load())
	}
}

func TestEnsureSharedLibraryChecksum(t *testing.T) {
	clearBootstrapEnv(t)
	rel, _ := releaseFor("linux", "amd64")
	archive := buildReleaseArchive(t, rel, "1.99.3", true)
	server, _ := newArchiveServer(t, rel, "1.99.3", archive)
	sum := sha256.Sum256(archive)
	base := []BootstrapOption{
		WithVersion("1.99.3"),
		withBaseURL(server.URL),
		withHTTPClient(server.Client()),
		withPlatform("linux", "amd64"),
	}

	bad := append([]BootstrapOption{WithCacheDir(t.TempDir()), WithExpectedSHA256(strings.Repeat("0", 64))}, base...)
	if _, err := EnsureSharedLibrary(context.Background(), bad...); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}

	good := append([]BootstrapOption{WithCacheDir(t.TempDir()), WithExpectedSHA256(hex.EncodeToString(sum[:]))}, base...)
	if _, err := EnsureSharedLibrary(context.Background(), good...); err != nil {
		t.Fatalf("matching checksum rejected: %v", err)
	}
}

func TestEnsureSharedLibraryDownloadDisabled(t *testing.T) {
	clearBootstrapEnv(t)
	_, err := EnsureSharedLibrary(context.Background(),
		WithCacheDir(t.TempDir()),
		WithDownloadDisabled(true),
		withPlatform("linux", "amd64"),
	)
	if err == nil || !strings.Contains(err.Error(), "download is disabled") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestEnsureSharedLibraryArchiveWithoutLibrary(t *testing.T) {
	clearBootstrapEnv(t)
	rel, _ := releaseFor("linux", "amd64")
	server, _ := newArchiveServer(t, rel, "1.99.4", buildReleaseArchive(t, rel, "1.99.4", false))
	cache := t.TempDir()

	_, err := EnsureSharedLibrary(context.Background(),
		WithCacheDir(cache),
		WithVersion("1.99.4"),
		withBaseURL(server.URL),
		withHTTPClient(server.Client()),
		withPlatform("linux", "amd64"),
	)
	if err == nil || !strings.Contains(err.Error(), "archive does not contain") {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := os.Stat(filepath.Join(cache, rel.name("1.99.4"))); !os.IsNotExist(err) {
		t.Error("failed install must not leave an install directory behind")
	}
}

func TestDownloadHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone fishing", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)
	cache := t.TempDir()

	_, _, err := download(context.Background(), bootstrapConfig{cacheDir: cache, client: server.Client()}, server.URL+"/x.tgz")
	if err == nil || !strings.Contains(err.Error(), "HTTP 503: gone fishing") {
		t.Fatalf("unexpected error %v", err)
	}
	entries, _ := os.ReadDir(cache)
	if len(entries) != 0 {
		t.Errorf("temporary files left behind: %d", len(entries))
	}
}

func TestWithFileLockHonoursContext(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "a.lock")
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = withFileLock(context.Background(), lockPath, func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := withFileLock(ctx, lockPath, func() error { return nil })
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()
	if got, err := safeJoin(base, "onnxruntime/lib/libonnxruntime.so"); err != nil || got != filepath.Join(base, "onnxruntime", "lib", "libonnxruntime.so") {
		t.Errorf("got %q, %v", got, err)
	}
	for _, bad := range []string{"", "/etc/passwd", "../escape", "a/../../escape", `C:\windows`, "."} {
		if _, err := safeJoin(base, bad); err == nil {
			t.Errorf("safeJoin(%q) accepted", bad)
		}
	}
}

func TestExtractTGZSkipsSymlinks(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	_ = tw.WriteHeader(&tar.Header{Name: "root/lib/libonnxruntime.so", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"})
	_ = tw.WriteHeader(&tar.Header{Name: "root/README", Mode: 0o644, Size: 2})
	_, _ = tw.Write([]byte("hi"))
	_ = tw.Close()
	_ = gz.Close()

	archive := filepath.Join(t.TempDir(), "a.tgz")
	if err := os.WriteFile(archive, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := t.TempDir()
	if err := extract(archive, dst, "tgz"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(filepath.Join(dst, "root", "lib", "libonnxruntime.so")); !os.IsNotExist(err) {
		t.Error("symlink entry was extracted")
	}
}

func TestFindLibraryDistinguishesInvalidCandidates(t *testing.T) {
	rel, _ := releaseFor("linux", "amd64")
	dir := t.TempDir()
	if _, err := findLibrary(dir, rel); err != errLibraryNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", rel.library), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := findLibrary(dir, rel); err == nil || err == errLibraryNotFound {
		t.Fatalf("expected invalid candidate error, got %v", err)
	}
}

func newArchiveServer(t *testing.T, rel release, version string, archive []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v"+version+"/"+rel.name(version)+"."+rel.ext, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(40 * time.Millisecond)
		_, _ = w.Write(archive)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, hits
}

func buildReleaseArchive(t *testing.T, rel release, version string, withLibrary bool) []byte {
	t.Helper()
	root := rel.name(version)
	files := map[string]string{root + "/include/onnxruntime_c_api.h": "header"}
	if withLibrary {
		files[root+"/lib/"+rel.library] = "fake-library-bytes"
	} else {
		files[root+"/lib/README.txt"] = "no library here"
	}

	var buf bytes.Buffer
	switch rel.ext {
	case "tgz":
		gz := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gz)
		for name, content := range files {
			if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
				t.Fatal(err)
			}
			if _, err := tw.Write([]byte(content)); err != nil {
				t.Fatal(err)
			}
		}
		if err := tw.Close(); err != nil {
			t.Fatal(err)
		}
		if err := gz.Close(); err != nil {
			t.Fatal(err)
		}
	case "zip":
		zw := zip.NewWriter(&buf)
		for name, content := range files {
			w, err := zw.Create(name)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := w.Write([]byte(content)); err != nil {
				t.Fatal(err)
			}
		}
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}
