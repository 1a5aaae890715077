// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/open-edge-platform/orch-olm-provisioner/internal/southbound"
	"github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/tidwall/gjson"
)

// ErrNotFound is wrapped by lookups of resources missing from the cluster
var ErrNotFound = errors.New("resource not found")

// IllegalStateError reports cluster output this package cannot interpret.
type IllegalStateError struct {
	Op  string
	Err error
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("illegal state in %s: %v", e.Op, e.Err)
}

func (e *IllegalStateError) Unwrap() error {
	return e.Err
}

// Executor runs the client binary
type Executor interface {
	Execute(ctx context.Context, args ...string) (string, error)
	ExecuteInNamespace(ctx context.Context, namespace string, args ...string) (string, error)
	ExecuteWithInput(ctx context.Context, input []byte, args ...string) (string, error)
}

// OwnedCRD is a custom resource definition a CSV owns
type OwnedCRD struct {
	Name    string
	Version string
	Kind    string
}

type PackageChannel struct {
	Name       string
	CurrentCSV string
	OwnedCRDs  []OwnedCRD
}

// PackageManifest is the part of the packages.operators.coreos.com PackageManifest
// used to subscribe.
type PackageManifest struct {
	Name                   string
	CatalogSource          string
	CatalogSourceNamespace string
	DefaultChannel         string
	Channels               []PackageChannel
}

// Channel returns the named channel, or the default channel when name is empty.
func (p *PackageManifest) Channel(name string) (PackageChannel, bool) {
	if name == "" {
		name = p.DefaultChannel
	}
	for _, c := range p.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return PackageChannel{}, false
}

// Lookups are single reads of OLM state through the client binary.
type Lookups struct {
	cli Executor
}

func NewLookups(cli Executor) *Lookups {
	return &Lookups{cli: cli}
}

func (l *Lookups) getJSON(ctx context.Context, op string, namespace string, args ...string) (string, error) {
	out, err := l.cli.ExecuteInNamespace(ctx, namespace, append(args, "-o", "json")...)
	if southbound.IsNotFound(err) {
		return "", fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !gjson.Valid(out) {
		return "", &IllegalStateError{Op: op, Err: fmt.Errorf("unparsable output %q", truncate(out, 200))}
	}
	return out, nil
}

// GetPackageManifest reads the package manifest of operator name as seen from namespace.
func (l *Lookups) GetPackageManifest(ctx context.Context, name string, namespace string) (*PackageManifest, error) {
	op := fmt.Sprintf("package manifest %s/%s", namespace, name)
	out, err := l.getJSON(ctx, op, namespace, "get", "packagemanifest", name)
	if err != nil {
		return nil, err
	}
	doc := gjson.Parse(out)
	if doc.Get("metadata.name").String() == "" {
		return nil, &IllegalStateError{Op: op, Err: errors.New("package manifest without a name")}
	}

	pm := &PackageManifest{
		Name:                   doc.Get("metadata.name").String(),
		CatalogSource:          doc.Get("status.catalogSource").String(),
		CatalogSourceNamespace: doc.Get("status.catalogSourceNamespace").String(),
		DefaultChannel:         doc.Get("status.defaultChannel").String(),
	}
	for _, c := range doc.Get("status.channels").Array() {
		channel := PackageChannel{
			Name:       c.Get("name").String(),
			CurrentCSV: c.Get("currentCSV").String(),
		}
		for _, crd := range c.Get("currentCSVDesc.customresourcedefinitions.owned").Array() {
			channel.OwnedCRDs = append(channel.OwnedCRDs, OwnedCRD{
				Name:    crd.Get("name").String(),
				Version: crd.Get("version").String(),
				Kind:    crd.Get("kind").String(),
			})
		}
		pm.Channels = append(pm.Channels, channel)
	}
	return pm, nil
}

// GetCatalogSource reads one catalog source; a missing source is a lookup error naming it.
func (l *Lookups) GetCatalogSource(ctx context.Context, namespace string, name string) (*v1alpha1.CatalogSource, error) {
	op := fmt.Sprintf("catalog source %s/%s", namespace, name)
	out, err := l.getJSON(ctx, op, namespace, "get", "catalogsource", name)
	if err != nil {
		return nil, err
	}
	cs := &v1alpha1.CatalogSource{}
	if err := json.Unmarshal([]byte(out), cs); err != nil {
		return nil, &IllegalStateError{Op: op, Err: err}
	}
	return cs, nil
}

func (l *Lookups) GetCatalogSources(ctx context.Context, namespace string) ([]v1alpha1.CatalogSource, error) {
	op := fmt.Sprintf("catalog sources in %s", namespace)
	out, err := l.getJSON(ctx, op, namespace, "get", "catalogsources")
	if err != nil {
		return nil, err
	}
	list := &v1alpha1.CatalogSourceList{}
	if err := json.Unmarshal([]byte(out), list); err != nil {
		return nil, &IllegalStateError{Op: op, Err: err}
	}
	return list.Items, nil
}

func (l *Lookups) GetSubscription(ctx context.Context, namespace string, name string) (*v1alpha1.Subscription, error) {
	op := fmt.Sprintf("subscription %s/%s", namespace, name)
	out, err := l.getJSON(ctx, op, namespace, "get", "subscription", name)
	if err != nil {
		return nil, err
	}
	sub := &v1alpha1.Subscription{}
	if err := json.Unmarshal([]byte(out), sub); err != nil {
		return nil, &IllegalStateError{Op: op, Err: err}
	}
	return sub, nil
}

func (l *Lookups) GetInstallPlan(ctx context.Context, namespace string, name string) (*v1alpha1.InstallPlan, error) {
	op := fmt.Sprintf("install plan %s/%s", namespace, name)
	out, err := l.getJSON(ctx, op, namespace, "get", "installplan", name)
	if err != nil {
		return nil, err
	}
	ip := &v1alpha1.InstallPlan{}
	if err := json.Unmarshal([]byte(out), ip); err != nil {
		return nil, &IllegalStateError{Op: op, Err: err}
	}
	return ip, nil
}

func (l *Lookups) GetCSV(ctx context.Context, namespace string, name string) (*v1alpha1.ClusterServiceVersion, error) {
	op := fmt.Sprintf("cluster service version %s/%s", namespace, name)
	out, err := l.getJSON(ctx, op, namespace, "get", "csv", name)
	if err != nil {
		return nil, err
	}
	csv := &v1alpha1.ClusterServiceVersion{}
	if err := json.Unmarshal([]byte(out), csv); err != nil {
		return nil, &IllegalStateError{Op: op, Err: err}
	}
	return csv, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
