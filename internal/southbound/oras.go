// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package southbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/file"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const (
	// Client archives are tens of megabytes
	orasLoadTimeout = 10 * time.Minute
)

// Oras pulls client archives from an OCI repository where each cluster version is a tag.
type Oras struct {
	repository string
	plainHTTP  bool
}

func NewOras(repository string) *Oras {
	return &Oras{
		repository: strings.TrimPrefix(strings.TrimPrefix(repository, "oci://"), "http://"),
		plainHTTP:  strings.HasPrefix(repository, "http://"),
	}
}

// Fetch copies the artifact tagged version into a scratch directory and opens the
// first file in it. Closing the returned reader removes the scratch directory.
func (o *Oras) Fetch(ctx context.Context, version string) (io.ReadCloser, error) {
	dest, err := os.MkdirTemp("", "oras-client-")
	if err != nil {
		return nil, err
	}

	path, err := o.load(ctx, dest, version)
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, err
	}
	return &scratchFile{File: f, dir: dest}, nil
}

func (o *Oras) load(ctx context.Context, dest string, tag string) (string, error) {
	store, err := file.New(dest)
	if err != nil {
		return "", err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, orasLoadTimeout)
	defer cancel()
	log.Infof("ORAS request repository %s tag %s", o.repository, tag)

	repo, err := remote.NewRepository(o.repository)
	if err != nil {
		return "", err
	}
	repo.PlainHTTP = o.plainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}

	_, err = oras.Copy(ctx, repo, tag, store, tag, oras.DefaultCopyOptions)
	if errors.Is(err, errdef.ErrNotFound) {
		return "", fmt.Errorf("%w: %s:%s", ErrArtifactNotFound, o.repository, tag)
	}
	if err != nil {
		return "", fmt.Errorf("pulling %s:%s: %w", o.repository, tag, err)
	}

	var found string
	err = filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if found == "" && d.Type().IsRegular() {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s:%s has no file layers", ErrArtifactNotFound, o.repository, tag)
	}
	return found, nil
}

type scratchFile struct {
	*os.File
	dir string
}

func (s *scratchFile) Close() error {
	err := s.File.Close()
	_ = os.RemoveAll(s.dir)
	return err
}
