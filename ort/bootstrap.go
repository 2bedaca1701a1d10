package ort

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"k8s.io/klog/v2"
)

const (
	// DefaultRuntimeVersion is the ONNX Runtime release fetched when no
	// version is configured.
	DefaultRuntimeVersion = "1.23.1"

	// MinRuntimeVersion is the oldest release exposing ORT_API_VERSION.
	MinRuntimeVersion = "1.22.0"

	defaultReleaseBaseURL = "https://github.com/microsoft/onnxruntime/releases/download"
)

// Environment variables consulted by EnsureSharedLibrary. Options override
// them.
const (
	EnvLibraryPath     = "ONNXRUNTIME_LIB_PATH"
	EnvCacheDir        = "ONNXRUNTIME_CACHE_DIR"
	EnvVersion         = "ONNXRUNTIME_VERSION"
	EnvDisableDownload = "ONNXRUNTIME_DISABLE_DOWNLOAD"
)

var errLibraryNotFound = errors.New("ONNX Runtime shared library not found")

// BootstrapOption configures EnsureSharedLibrary.
type BootstrapOption func(*bootstrapConfig) error

type bootstrapConfig struct {
	libraryPath     string
	cacheDir        string
	version         string
	disableDownload bool
	sha256          string
	baseURL         string
	client          *http.Client
	goos, goarch    string
}

// WithLibraryPath skips discovery and validates path instead.
func WithLibraryPath(path string) BootstrapOption {
	return func(c *bootstrapConfig) error {
		if path = strings.TrimSpace(path); path == "" {
			return errors.New("library path cannot be empty")
		}
		c.libraryPath = path
		return nil
	}
}

// WithCacheDir sets where releases are downloaded and unpacked.
func WithCacheDir(dir string) BootstrapOption {
	return func(c *bootstrapConfig) error {
		if dir = strings.TrimSpace(dir); dir == "" {
			return errors.New("cache directory cannot be empty")
		}
		c.cacheDir = dir
		return nil
	}
}

// WithVersion selects the runtime release, e.g. "1.23.1".
func WithVersion(version string) BootstrapOption {
	return func(c *bootstrapConfig) error {
		if version = strings.TrimSpace(version); version == "" {
			return errors.New("runtime version cannot be empty")
		}
		c.version = version
		return nil
	}
}

// WithDownloadDisabled restricts discovery to the cache.
func WithDownloadDisabled(disabled bool) BootstrapOption {
	return func(c *bootstrapConfig) error {
		c.disableDownload = disabled
		return nil
	}
}

// WithExpectedSHA256 rejects a downloaded archive whose digest differs.
func WithExpectedSHA256(sum string) BootstrapOption {
	return func(c *bootstrapConfig) error {
		sum = strings.ToLower(strings.TrimSpace(sum))
		if b, err := hex.DecodeString(sum); err != nil || len(b) != sha256.Size {
			return fmt.Errorf("expected SHA256 must be %d hex characters", 2*sha256.Size)
		}
		c.sha256 = sum
		return nil
	}
}

func withBaseURL(u string) BootstrapOption {
	return func(c *bootstrapConfig) error {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u == "" {
			return errors.New("base URL cannot be empty")
		}
		c.baseURL = u
		return nil
	}
}

func withHTTPClient(client *http.Client) BootstrapOption {
	return func(c *bootstrapConfig) error {
		if client == nil {
			return errors.New("HTTP client cannot be nil")
		}
		c.client = client
		return nil
	}
}

func withPlatform(goos, goarch string) BootstrapOption {
	return func(c *bootstrapConfig) error {
		c.goos, c.goarch = goos, goarch
		return nil
	}
}

// EnsureSharedLibrary returns an absolute path to a usable ONNX Runtime
// shared library. An explicit path is validated as is. Otherwise the
// platform release is looked up in the cache and downloaded on a miss,
// guarded by a cross-process file lock.
func EnsureSharedLibrary(ctx context.Context, opts ...BootstrapOption) (string, error) {
	cfg, err := newBootstrapConfig(opts...)
	if err != nil {
		return "", err
	}
	if cfg.libraryPath != "" {
		return validateLibraryFile(cfg.libraryPath)
	}

	rel, err := releaseFor(cfg.goos, cfg.goarch)
	if err != nil {
		return "", err
	}
	installDir := filepath.Join(cfg.cacheDir, rel.name(cfg.version))
	if path, err := findLibrary(installDir, rel); !errors.Is(err, errLibraryNotFound) {
		return path, err
	}
	if cfg.disableDownload {
		return "", fmt.Errorf("ONNX Runtime %s not in cache %s and download is disabled", cfg.version, installDir)
	}

	lockPath := filepath.Join(cfg.cacheDir, ".locks", rel.name(cfg.version)+".lock")
	var path string
	err = withFileLock(ctx, lockPath, func() error {
		// Another process may have finished while we waited.
		var err error
		if path, err = findLibrary(installDir, rel); !errors.Is(err, errLibraryNotFound) {
			return err
		}
		klog.FromContext(ctx).Info("downloading ONNX Runtime", "version", cfg.version, "platform", rel.platform, "dir", installDir)
		if err := install(ctx, cfg, rel, installDir); err != nil {
			return err
		}
		if path, err = findLibrary(installDir, rel); err != nil {
			return fmt.Errorf("installed ONNX Runtime but shared library is missing: %w", err)
		}
		return nil
	})
	return path, err
}

func newBootstrapConfig(opts ...BootstrapOption) (bootstrapConfig, error) {
	disable, err := envBool(EnvDisableDownload)
	if err != nil {
		return bootstrapConfig{}, err
	}
	cfg := bootstrapConfig{
		libraryPath:     strings.TrimSpace(os.Getenv(EnvLibraryPath)),
		cacheDir:        strings.TrimSpace(os.Getenv(EnvCacheDir)),
		version:         strings.TrimSpace(os.Getenv(EnvVersion)),
		disableDownload: disable,
		baseURL:         defaultReleaseBaseURL,
		client:          &http.Client{Timeout: 2 * time.Minute},
		goos:            runtime.GOOS,
		goarch:          runtime.GOARCH,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return bootstrapConfig{}, err
		}
	}
	if cfg.version == "" {
		cfg.version = DefaultRuntimeVersion
	}
	if cfg.version, err = NormalizeRuntimeVersion(cfg.version); err != nil {
		return bootstrapConfig{}, err
	}
	if cfg.cacheDir == "" {
		cfg.cacheDir = defaultCacheDir()
	}
	cfg.cacheDir = filepath.Clean(cfg.cacheDir)
	return cfg, nil
}

// NormalizeRuntimeVersion accepts "1.23.1" or "v1.23.1" and rejects
// releases older than MinRuntimeVersion.
func NormalizeRuntimeVersion(version string) (string, error) {
	v, err := semver.StrictNewVersion(strings.TrimPrefix(strings.TrimSpace(version), "v"))
	if err != nil {
		return "", fmt.Errorf("ONNX Runtime version must have format x.y.z, got %q: %w", version, err)
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return "", fmt.Errorf("ONNX Runtime version %q must be a release", version)
	}
	supported, err := semver.NewConstraint(">= " + MinRuntimeVersion)
	if err != nil {
		return "", err
	}
	if !supported.Check(v) {
		return "", fmt.Errorf("ONNX Runtime %s predates %s and does not provide API version %d", v, MinRuntimeVersion, ORT_API_VERSION)
	}
	return v.String(), nil
}

type release struct {
	platform string
	ext      string
	library  string
	glob     string
}

var releases = map[string]release{
	"darwin/arm64":  {"osx-arm64", "tgz", "libonnxruntime.dylib", "libonnxruntime*.dylib"},
	"darwin/amd64":  {"osx-x86_64", "tgz", "libonnxruntime.dylib", "libonnxruntime*.dylib"},
	"linux/arm64":   {"linux-aarch64", "tgz", "libonnxruntime.so", "libonnxruntime.so*"},
	"linux/amd64":   {"linux-x64", "tgz", "libonnxruntime.so", "libonnxruntime.so*"},
	"windows/amd64": {"win-x64", "zip", "onnxruntime.dll", "onnxruntime*.dll"},
	"windows/arm64": {"win-arm64", "zip", "onnxruntime.dll", "onnxruntime*.dll"},
}

func releaseFor(goos, goarch string) (release, error) {
	r, ok := releases[goos+"/"+goarch]
	if !ok {
		return release{}, fmt.Errorf("no ONNX Runtime release for %s/%s", goos, goarch)
	}
	return r, nil
}

func (r release) name(version string) string {
	return "onnxruntime-" + r.platform + "-" + version
}

func (r release) url(baseURL, version string) string {
	return fmt.Sprintf("%s/v%s/%s.%s", baseURL, version, r.name(version), r.ext)
}

func install(ctx context.Context, cfg bootstrapConfig, rel release, installDir string) error {
	archive, sum, err := download(ctx, cfg, rel.url(cfg.baseURL, cfg.version))
	if err != nil {
		return err
	}
	defer os.Remove(archive)
	if cfg.sha256 != "" && sum != cfg.sha256 {
		return fmt.Errorf("download checksum mismatch: expected %s, got %s", cfg.sha256, sum)
	}

	staging, err := os.MkdirTemp(cfg.cacheDir, rel.name(cfg.version)+".staging-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(archive, staging, rel.ext); err != nil {
		return err
	}
	// Releases unpack into a single top-level directory named after the
	// archive; tolerate flat archives too.
	root := filepath.Join(staging, rel.name(cfg.version))
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		root = staging
	}
	if _, err := findLibrary(root, rel); err != nil {
		return fmt.Errorf("archive does not contain %s: %w", rel.library, err)
	}
	if err := os.RemoveAll(installDir); err != nil {
		return fmt.Errorf("failed to remove stale install %q: %w", installDir, err)
	}
	if err := os.Rename(root, installDir); err != nil {
		return fmt.Errorf("failed to install ONNX Runtime to %q: %w", installDir, err)
	}
	return nil
}

func download(ctx context.Context, cfg bootstrapConfig, url string) (path, sum string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := cfg.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if s := strings.TrimSpace(string(snippet)); s != "" {
			return "", "", fmt.Errorf("failed to download %s: HTTP %d: %s", url, resp.StatusCode, s)
		}
		return "", "", fmt.Errorf("failed to download %s: HTTP %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(cfg.cacheDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create cache directory %q: %w", cfg.cacheDir, err)
	}
	f, err := os.CreateTemp(cfg.cacheDir, "onnxruntime-*.archive")
	if err != nil {
		return "", "", err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to write archive: %w", err)
	}
	if n == 0 {
		return "", "", errors.New("downloaded archive is empty")
	}
	return f.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

func extract(archive, dst, ext string) error {
	var (
		files int
		err   error
	)
	switch ext {
	case "tgz":
		files, err = extractTGZ(archive, dst)
	case "zip":
		files, err = extractZIP(archive, dst)
	default:
		return fmt.Errorf("unsupported archive type %q", ext)
	}
	if err != nil {
		return err
	}
	if files == 0 {
		return fmt.Errorf("archive %q contains no regular files", archive)
	}
	return nil
}

func extractTGZ(archive, dst string) (int, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("failed to read gzip archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("failed to read tar entry: %w", err)
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return files, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(target, hdr.FileInfo().Mode().Perm(), tr); err != nil {
				return files, err
			}
			files++
		}
		// Links and special files are skipped; the libraries are regular files.
	}
}

func extractZIP(archive, dst string) (int, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return 0, fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer zr.Close()

	files := 0
	for _, entry := range zr.File {
		target, err := safeJoin(dst, entry.Name)
		if err != nil {
			return files, err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return files, fmt.Errorf("failed to open zip entry %q: %w", entry.Name, err)
		}
		err = writeFile(target, entry.Mode().Perm(), rc)
		rc.Close()
		if err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

func writeFile(path string, mode os.FileMode, r io.Reader) error {
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %q: %w", path, err)
	}
	return out.Close()
}

// safeJoin resolves an archive entry below base, rejecting absolute paths,
// drive letters and traversal.
func safeJoin(base, name string) (string, error) {
	norm := strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	if norm == "" || strings.HasPrefix(norm, "/") || (len(norm) >= 2 && norm[1] == ':') {
		return "", fmt.Errorf("unsafe archive entry path %q", name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(norm))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("unsafe archive entry path %q", name)
	}
	return filepath.Join(base, cleaned), nil
}

// findLibrary looks for the release library under dir/lib. It returns
// errLibraryNotFound when nothing is there at all.
func findLibrary(dir string, rel release) (string, error) {
	libDir := filepath.Join(dir, "lib")
	candidates := []string{filepath.Join(libDir, rel.library)}
	matches, err := filepath.Glob(filepath.Join(libDir, rel.glob))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	candidates = append(candidates, matches...)

	var invalid []error
	for _, c := range candidates {
		path, err := validateLibraryFile(c)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			invalid = append(invalid, err)
		}
	}
	if len(invalid) > 0 {
		return "", fmt.Errorf("no valid ONNX Runtime library in %q: %w", libDir, errors.Join(invalid...))
	}
	return "", errLibraryNotFound
}

func validateLibraryFile(path string) (string, error) {
	abs, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("library file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("library path %q is a directory", abs)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("library file %q is empty", abs)
	}
	return abs, nil
}

// withFileLock runs fn holding an exclusive lock on lockPath, polling
// until the lock is free or ctx is done.
func withFileLock(ctx context.Context, lockPath string, fn func() error) (err error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	for {
		err := lockFile(f)
		if err == nil {
			break
		}
		if !isLockWouldBlock(err) {
			return fmt.Errorf("failed to lock %q: %w", lockPath, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	defer func() {
		err = errors.Join(err, unlockFile(f))
	}()
	return fn()
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err == nil && dir != "" {
		return filepath.Join(dir, "onnx-bridge", "onnxruntime")
	}
	fallback := filepath.Join(os.TempDir(), "onnx-bridge", "onnxruntime")
	klog.InfoS("WARNING: no user cache directory, using temporary runtime cache", "dir", fallback, "err", err, "hint", "set "+EnvCacheDir)
	return fallback
}

func envBool(name string) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "":
		return false, nil
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %s=%q", name, v)
	}
	return b, nil
}
