// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package plugins holds the provisioner contract and the registry that maps an
// application to the provisioner able to install it.
package plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-edge-platform/orch-library/go/dazl"
	coreV1 "k8s.io/api/core/v1"
)

var log = dazl.GetPackageLogger()

// Application is anything a test wants running in its namespace.
type Application interface {
	Name() string
}

// SecretsProvider is an application needing secrets in place before it is deployed.
type SecretsProvider interface {
	Secrets() []*coreV1.Secret
}

// ConfigMapsProvider is an application needing config maps in place before it is deployed.
type ConfigMapsProvider interface {
	ConfigMaps() []*coreV1.ConfigMap
}

type Provisioner interface {
	Name() string
	Configure(ctx context.Context) error
	Deploy(ctx context.Context) error
	Undeploy(ctx context.Context) error
	Dismiss(ctx context.Context) error
}

// PodsCapability is a provisioner able to list the pods it runs.
type PodsCapability interface {
	Pods(ctx context.Context) ([]coreV1.Pod, error)
}

func AsPods(p Provisioner) (PodsCapability, bool) {
	pods, ok := p.(PodsCapability)
	return pods, ok
}

// Match is the outcome of asking a factory for a provisioner.
type Match struct {
	Provisioner Provisioner
	Found       bool
}

func Matched(p Provisioner) Match {
	return Match{Provisioner: p, Found: true}
}

// NoMatch is returned by factories that do not handle an application.
var NoMatch = Match{}

// Factory builds provisioners for the applications it understands.
type Factory interface {
	Name() string
	Create(ctx context.Context, app Application, namespace string) (Match, error)
}

// Registry holds factories in registration order; the first match wins.
type Registry struct {
	mu        sync.RWMutex
	factories []Factory
}

func NewRegistry(factories ...Factory) *Registry {
	r := &Registry{}
	for _, f := range factories {
		r.Register(f)
	}
	return r
}

func (r *Registry) Register(factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Infof("Registering provisioner factory %s", factory.Name())
	r.factories = append(r.factories, factory)
}

func (r *Registry) Factories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for _, f := range r.factories {
		names = append(names, f.Name())
	}
	return names
}

// Lookup asks each factory in turn for a provisioner of app in namespace.
func (r *Registry) Lookup(ctx context.Context, app Application, namespace string) (Match, error) {
	r.mu.RLock()
	factories := append([]Factory(nil), r.factories...)
	r.mu.RUnlock()

	for _, factory := range factories {
		log.Debugf("Asking %s for a provisioner of %s", factory.Name(), app.Name())
		match, err := factory.Create(ctx, app, namespace)
		if err != nil {
			return NoMatch, fmt.Errorf("%s: %w", factory.Name(), err)
		}
		if match.Found {
			log.Infof("Provisioner %s of %s found by %s", match.Provisioner.Name(), app.Name(), factory.Name())
			return match, nil
		}
	}
	log.Infof("No provisioner found for %s", app.Name())
	return NoMatch, nil
}
