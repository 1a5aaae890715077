// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package binary resolves a cluster version matched client binary, downloading it on
// first use and caching it per version on disk.
package binary

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/blang/semver/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/open-edge-platform/orch-library/go/dazl"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/southbound"
	"golang.org/x/sync/singleflight"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

var log = dazl.GetPackageLogger()

var (
	ErrVersionNotFound  = errors.New("client version not found")
	ErrMalformedVersion = errors.New("malformed cluster version")
)

// ResolutionError reports a failure to produce a client binary for a version.
// Retryable is set for transport failures; a missing or malformed version never is.
type ResolutionError struct {
	Version   string
	Retryable bool
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unable to resolve client binary for version %q: %v", e.Version, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Source yields the client artifact for a version, either a bare binary or a
// tar.gz archive containing it.
type Source interface {
	Fetch(ctx context.Context, version string) (io.ReadCloser, error)
}

type Options struct {
	// used verbatim when set
	BinaryPath string
	// oc or kubectl, the file name looked up in archives
	Flavor       string
	CacheEnabled bool
	CacheDir     string
}

// Manager owns the on-disk client cache
type Manager struct {
	opts   Options
	source Source
	group  singleflight.Group

	mu        sync.Mutex
	throwaway []string
}

func NewManager(opts Options, source Source) *Manager {
	if opts.Flavor == "" {
		opts.Flavor = "oc"
	}
	if opts.CacheDir != "" {
		if abs, err := filepath.Abs(opts.CacheDir); err == nil {
			opts.CacheDir = abs
		} else {
			log.Warnf("Unable to make cache directory %s absolute: %v", opts.CacheDir, err)
		}
	}
	return &Manager{
		opts:   opts,
		source: source,
	}
}

// CachedPath is where the client for version lives when caching is enabled.
func (m *Manager) CachedPath(version string) string {
	return filepath.Join(m.opts.CacheDir, version, m.opts.Flavor)
}

// Resolve returns an absolute path to an executable client for version.
func (m *Manager) Resolve(ctx context.Context, version string) (string, error) {
	if m.opts.BinaryPath != "" {
		log.Debugf("Using configured client binary %s", m.opts.BinaryPath)
		return m.opts.BinaryPath, nil
	}

	if _, err := semver.ParseTolerant(version); err != nil {
		return "", &ResolutionError{Version: version, Err: fmt.Errorf("%w: %v", ErrMalformedVersion, err)}
	}

	if !m.opts.CacheEnabled {
		dir, err := os.MkdirTemp("", "olm-provisioner-client-")
		if err != nil {
			return "", &ResolutionError{Version: version, Retryable: true, Err: err}
		}
		m.mu.Lock()
		m.throwaway = append(m.throwaway, dir)
		m.mu.Unlock()
		return m.install(ctx, version, dir)
	}

	target := m.CachedPath(version)
	if isExecutable(target) {
		log.Debugf("Client %s for version %s found in cache", target, version)
		return target, nil
	}

	result, err, shared := m.group.Do(version, func() (interface{}, error) {
		if isExecutable(target) {
			return target, nil
		}
		return m.install(ctx, version, filepath.Dir(target))
	})
	if err != nil {
		return "", err
	}
	if shared {
		log.Debugf("Shared client download for version %s", version)
	}
	return result.(string), nil
}

// install downloads the client for version into dir. The binary is written to a
// temporary file in dir and renamed into place only once complete and executable.
func (m *Manager) install(ctx context.Context, version string, dir string) (string, error) {
	target := filepath.Join(dir, m.opts.Flavor)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &ResolutionError{Version: version, Retryable: true, Err: err}
	}

	log.Infof("Downloading %s client for version %s", m.opts.Flavor, version)
	body, err := m.source.Fetch(ctx, version)
	if err != nil {
		if errors.Is(err, southbound.ErrArtifactNotFound) {
			return "", &ResolutionError{Version: version, Err: fmt.Errorf("%w: %v", ErrVersionNotFound, err)}
		}
		return "", &ResolutionError{Version: version, Retryable: true, Err: err}
	}
	defer body.Close()

	tmp, err := os.CreateTemp(dir, "."+m.opts.Flavor+"-*")
	if err != nil {
		return "", &ResolutionError{Version: version, Retryable: true, Err: err}
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if err := m.extract(body, tmp); err != nil {
		_ = tmp.Close()
		return "", &ResolutionError{Version: version, Retryable: !errors.Is(err, ErrVersionNotFound), Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", &ResolutionError{Version: version, Retryable: true, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &ResolutionError{Version: version, Retryable: true, Err: err}
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return "", &ResolutionError{Version: version, Retryable: true, Err: err}
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", &ResolutionError{Version: version, Retryable: true, Err: err}
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return "", &ResolutionError{Version: version, Err: err}
	}
	log.Infof("Installed %s client for version %s at %s", m.opts.Flavor, version, abs)
	return abs, nil
}

// extract copies the client into dst, unpacking it when the artifact is gzip compressed.
func (m *Manager) extract(body io.Reader, dst io.Writer) error {
	br := bufio.NewReader(body)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if len(magic) < 2 || magic[0] != 0x1f || magic[1] != 0x8b {
		n, err := io.Copy(dst, br)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("empty client artifact")
		}
		return nil
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: archive does not contain %s", ErrVersionNotFound, m.opts.Flavor)
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg && path.Base(hdr.Name) == m.opts.Flavor {
			_, err = io.Copy(dst, tr) //nolint:gosec // archive comes from the configured release source
			return err
		}
	}
}

// Evict removes the cached client for version.
func (m *Manager) Evict(version string) error {
	if version == "" || m.opts.CacheDir == "" {
		return nil
	}
	log.Infof("Evicting cached client for version %s", version)
	return os.RemoveAll(filepath.Join(m.opts.CacheDir, version))
}

// Cleanup removes clients downloaded while caching was disabled.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	dirs := m.throwaway
	m.throwaway = nil
	m.mu.Unlock()

	var errs []error
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

func isExecutable(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
