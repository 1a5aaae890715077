// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package southbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
)

const (
	OpenShiftMirrorURL  = "https://mirror.openshift.com/pub/openshift-v4/clients/ocp"
	KubernetesMirrorURL = "https://dl.k8s.io/release"
)

// ErrArtifactNotFound is returned when a source has no client for the requested version.
var ErrArtifactNotFound = errors.New("client artifact not found")

// ReleaseMirror downloads client binaries from an HTTP release mirror.
type ReleaseMirror struct {
	baseURL string
	flavor  string
	goos    string
	goarch  string
	client  *http.Client
}

func NewReleaseMirror(baseURL string, flavor string) *ReleaseMirror {
	if baseURL == "" {
		baseURL = OpenShiftMirrorURL
		if flavor == "kubectl" {
			baseURL = KubernetesMirrorURL
		}
	}
	return &ReleaseMirror{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		flavor:  flavor,
		goos:    runtime.GOOS,
		goarch:  runtime.GOARCH,
		client:  &http.Client{},
	}
}

// URL returns the location of the client for version. oc is published as a
// tar.gz archive per OpenShift release, kubectl as a bare binary.
func (m *ReleaseMirror) URL(version string) string {
	if m.flavor == "kubectl" {
		if !strings.HasPrefix(version, "v") {
			version = "v" + version
		}
		return fmt.Sprintf("%s/%s/bin/%s/%s/kubectl", m.baseURL, version, m.goos, m.goarch)
	}

	version = strings.TrimPrefix(version, "v")
	archive := "openshift-client-linux"
	switch {
	case m.goos == "darwin" && m.goarch == "arm64":
		archive = "openshift-client-mac-arm64"
	case m.goos == "darwin":
		archive = "openshift-client-mac"
	case m.goarch == "arm64":
		archive = "openshift-client-linux-arm64"
	}
	return fmt.Sprintf("%s/%s/%s.tar.gz", m.baseURL, version, archive)
}

func (m *ReleaseMirror) doMirrorREST(ctx context.Context, method string, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	log.Infof("Release mirror request method %s URL %s", method, req.URL.String())

	resp, err := m.client.Do(req)
	if err != nil {
		log.Infof("Release mirror call failed with error %s", err.Error())
	} else {
		log.Infof("Release mirror call succeeded %s", resp.Status)
	}
	return resp, err
}

// Fetch opens the client artifact for version. A missing artifact yields
// ErrArtifactNotFound; any other failure is a transport error the caller may retry.
func (m *ReleaseMirror) Fetch(ctx context.Context, version string) (io.ReadCloser, error) {
	endpoint := m.URL(version)
	resp, err := m.doMirrorREST(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", endpoint, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %s", ErrArtifactNotFound, endpoint, resp.Status)
	case resp.StatusCode != http.StatusOK:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("downloading %s: unexpected status %s", endpoint, resp.Status)
	}
	return resp.Body, nil
}
