//go:build cgo

package embeddings

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// DefaultONNXRuntimeVersion must match the runtime onnxruntime_go in go.mod
// was built against.
const DefaultONNXRuntimeVersion = "1.23.0"

// onnxPathEnv is read by fastembed-go when it loads the shared library.
const onnxPathEnv = "ONNX_PATH"

// ErrUnsupportedPlatform is returned when no runtime build exists for the
// host OS and architecture.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// onnxRelease identifies one prebuilt runtime tarball on GitHub.
type onnxRelease struct {
	version  string
	platform string // release asset suffix, e.g. linux-x64
	library  string // shared library file name inside lib/
}

func releaseFor(version, goos, goarch string) (onnxRelease, error) {
	var platform string
	switch goos + "/" + goarch {
	case "linux/amd64":
		platform = "linux-x64"
	case "linux/arm64":
		platform = "linux-aarch64"
	case "darwin/amd64":
		platform = "osx-x86_64"
	case "darwin/arm64":
		platform = "osx-arm64"
	default:
		return onnxRelease{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	return onnxRelease{version: version, platform: platform, library: sharedLibrary(goos)}, nil
}

func sharedLibrary(goos string) string {
	if goos == "darwin" {
		return "libonnxruntime.dylib"
	}
	return "libonnxruntime.so"
}

func (r onnxRelease) url() string {
	return fmt.Sprintf("https://github.com/microsoft/onnxruntime/releases/download/v%[1]s/onnxruntime-%[2]s-%[1]s.tgz",
		r.version, r.platform)
}

// libDir is the tarball path holding the shared libraries.
func (r onnxRelease) libDir() string {
	return fmt.Sprintf("onnxruntime-%s-%s/lib/", r.platform, r.version)
}

func (r onnxRelease) providesLibrary(name string) bool {
	return name == r.library || strings.HasPrefix(name, r.library+".")
}

// managedLibDir is where ragd keeps a runtime it downloaded itself.
func managedLibDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "ragd", "lib")
}

// GetONNXLibraryPath returns ONNX_PATH when set, otherwise the library in the
// managed directory if it was installed there, otherwise "".
func GetONNXLibraryPath() string {
	if p := os.Getenv(onnxPathEnv); p != "" {
		return p
	}
	p := filepath.Join(managedLibDir(), sharedLibrary(runtime.GOOS))
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// ONNXRuntimeExists reports whether GetONNXLibraryPath finds a library.
func ONNXRuntimeExists() bool {
	return GetONNXLibraryPath() != ""
}

// DownloadONNXRuntime installs the runtime for the host platform into the
// managed directory. An empty version means DefaultONNXRuntimeVersion.
func DownloadONNXRuntime(ctx context.Context, version string) error {
	if version == "" {
		version = DefaultONNXRuntimeVersion
	}
	rel, err := releaseFor(version, runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}
	return rel.install(ctx, managedLibDir())
}

func (r onnxRelease) install(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", r.url(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", r.url(), resp.Status)
	}

	if err := r.unpack(resp.Body, dir); err != nil {
		return fmt.Errorf("unpack runtime: %w", err)
	}
	return nil
}

// unpack copies the files and symlinks under libDir into dir, flattened.
// Everything else in the tarball is skipped.
func (r onnxRelease) unpack(src io.Reader, dir string) error {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	found := false
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if hdr.Typeflag == tar.TypeDir || !strings.HasPrefix(name, r.libDir()) {
			continue
		}

		base := filepath.Base(name)
		dst := filepath.Join(dir, base)
		switch hdr.Typeflag {
		case tar.TypeSymlink:
			_ = os.Remove(dst)
			// A link that cannot be created is not fatal: the file it points
			// to is unpacked on its own.
			if os.Symlink(hdr.Linkname, dst) != nil {
				continue
			}
		default:
			if err := writeFile(dst, tr); err != nil {
				return err
			}
		}
		found = found || r.providesLibrary(base)
	}

	if !found {
		return fmt.Errorf("%s not found in archive", r.library)
	}
	return nil
}

func writeFile(path string, src io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// setONNXPathEnv is swapped out in tests.
var setONNXPathEnv = func(path string) error {
	return os.Setenv(onnxPathEnv, path)
}

// EnsureONNXRuntime returns the runtime library path, downloading the
// library first when none is installed, and exports it as ONNX_PATH.
func EnsureONNXRuntime(ctx context.Context, logger *zap.Logger) (string, error) {
	if path := GetONNXLibraryPath(); path != "" {
		return path, setONNXPathEnv(path)
	}

	logger.Info("fetching onnx runtime",
		zap.String("version", DefaultONNXRuntimeVersion),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
	)
	if err := DownloadONNXRuntime(ctx, ""); err != nil {
		return "", fmt.Errorf("onnx runtime unavailable (set %s to an existing library): %w", onnxPathEnv, err)
	}

	path := GetONNXLibraryPath()
	if path == "" {
		return "", fmt.Errorf("onnx runtime installed under %s but %s is missing",
			managedLibDir(), sharedLibrary(runtime.GOOS))
	}
	logger.Info("onnx runtime ready", zap.String("path", path))
	return path, setONNXPathEnv(path)
}
