// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/open-edge-platform/orch-library/go/dazl"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/binary"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/config"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/diagnostics"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/namespace"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/olm"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/plugins"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/southbound"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/waiter"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

var log = dazl.GetPackageLogger()

// NewSource picks where client binaries are downloaded from.
func NewSource(cfg config.Configuration) binary.Source {
	if cfg.BinaryOCIRepository != "" {
		return southbound.NewOras(cfg.BinaryOCIRepository)
	}
	return southbound.NewReleaseMirror(cfg.BinaryMirrorURL, cfg.BinaryFlavor)
}

var SourceFactory = NewSource

// NewManager creates a new manager
func NewManager(cfg config.Configuration, k8s *southbound.K8sClient) (*Manager, error) {
	exemptions, err := namespace.ParseExemptions(cfg.CleanExemptions)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Config: cfg,
		k8s:    k8s,
		binaries: binary.NewManager(binary.Options{
			BinaryPath:   cfg.BinaryPath,
			Flavor:       cfg.BinaryFlavor,
			CacheEnabled: cfg.BinaryCacheEnabled,
			CacheDir:     cfg.BinaryCachePath,
		}, SourceFactory(cfg)),
		namespaces: namespace.NewManager(k8s.Kubernetes(), k8s.Dynamic(), namespace.Options{
			Default:        cfg.Namespace,
			PerTestCase:    cfg.NamespacePerTestCase,
			MaxLength:      cfg.NamespaceMaxLength,
			Exemptions:     exemptions,
			WaitInterval:   cfg.WaitInterval,
			WaitTimeout:    cfg.WaitTimeout,
			CleanupTimeout: cfg.CleanupTimeout,
		}),
		collector: diagnostics.NewCollector(k8s.Kubernetes()),
	}, nil
}

// Manager single point of entry for one provisioning run
type Manager struct {
	Config     config.Configuration
	k8s        *southbound.K8sClient
	binaries   *binary.Manager
	namespaces *namespace.Manager
	collector  *diagnostics.Collector

	mu           sync.Mutex
	cli          *southbound.CLI
	registry     *plugins.Registry
	provisioners []plugins.Provisioner
}

// Start resolves the client binary and registers the provisioner factories.
func (m *Manager) Start(ctx context.Context) error {
	log.Info("Starting Manager with config:")
	config.DumpConfig(m.Config)

	path, err := m.ResolveClient(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cli = southbound.NewCLI(path, southbound.Connection{
		Kubeconfig: m.Config.Kubeconfig,
		Server:     m.Config.ClusterURL,
		Token:      m.Config.ClusterToken,
	})
	m.registry = plugins.NewRegistry(plugins.NewOperatorFactory(olm.Dependencies{
		CLI:           m.cli,
		Kubernetes:    m.k8s.Kubernetes(),
		APIExtensions: m.k8s.APIExtensions(),
		Namespaces:    m.namespaces,
		Diagnostics:   m.collector,
		Waiter:        waiter.New(m.Config.WaitInterval, m.Config.WaitTimeout),
	}))
	log.Infof("Manager ready with client %s", path)
	return nil
}

// ResolveClient returns the client binary matching the cluster version, retrying
// transport failures until MaxWaitTime has passed.
func (m *Manager) ResolveClient(ctx context.Context) (string, error) {
	version := m.Config.ClusterVersion
	if version == "" && m.Config.BinaryPath == "" {
		v, err := m.k8s.ClusterVersion(ctx)
		if err != nil {
			return "", err
		}
		version = v
	}

	startTime := time.Now()
	sleepInterval := m.Config.InitialSleepInterval

	for {
		path, err := m.binaries.Resolve(ctx, version)
		if err == nil {
			return path, nil
		}

		var resolutionErr *binary.ResolutionError
		if !errors.As(err, &resolutionErr) || !resolutionErr.Retryable {
			log.Errorf("Unable to resolve client for version %s: %v", version, err)
			return "", err
		}
		log.Infof("Error resolving client, retrying: %+v", err)

		// Check if the maximum wait time has been exceeded
		if time.Since(startTime) > m.Config.MaxWaitTime {
			log.Errorf("Failed to resolve client for version %s within the maximum wait time", version)
			return "", err
		}

		log.Infof("Retrying in %d seconds", int(sleepInterval.Seconds()))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sleepInterval):
		}
	}
}

func (m *Manager) Namespaces() *namespace.Manager {
	return m.namespaces
}

func (m *Manager) Binaries() *binary.Manager {
	return m.binaries
}

func (m *Manager) Collector() *diagnostics.Collector {
	return m.collector
}

func (m *Manager) CLI() *southbound.CLI {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cli
}

func (m *Manager) Registry() *plugins.Registry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry
}

// Provisioner creates the namespace of the current test case, puts the secrets and
// config maps app declares in place and returns the provisioner of app.
func (m *Manager) Provisioner(ctx context.Context, app plugins.Application) (plugins.Provisioner, error) {
	registry := m.Registry()
	if registry == nil {
		return nil, errors.New("manager not started")
	}

	ns, err := m.namespaces.CreateCurrentIfDoesNotExist(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.preProvision(ctx, ns, app); err != nil {
		return nil, err
	}

	match, err := registry.Lookup(ctx, app, ns)
	if err != nil {
		return nil, err
	}
	if !match.Found {
		return nil, fmt.Errorf("no provisioner for application %s among %v", app.Name(), registry.Factories())
	}

	m.mu.Lock()
	m.provisioners = append(m.provisioners, match.Provisioner)
	m.mu.Unlock()
	return match.Provisioner, nil
}

func (m *Manager) preProvision(ctx context.Context, ns string, app plugins.Application) error {
	client := m.k8s.Kubernetes().CoreV1()
	if secrets, ok := app.(plugins.SecretsProvider); ok {
		for _, secret := range secrets.Secrets() {
			secret = secret.DeepCopy()
			secret.Namespace = ns
			_, err := client.Secrets(ns).Create(ctx, secret, metaV1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				_, err = client.Secrets(ns).Update(ctx, secret, metaV1.UpdateOptions{})
			}
			if err != nil {
				return fmt.Errorf("secret %s/%s of %s: %w", ns, secret.Name, app.Name(), err)
			}
			log.Infof("Secret %s/%s of %s in place", ns, secret.Name, app.Name())
		}
	}
	if configMaps, ok := app.(plugins.ConfigMapsProvider); ok {
		for _, cm := range configMaps.ConfigMaps() {
			cm = cm.DeepCopy()
			cm.Namespace = ns
			_, err := client.ConfigMaps(ns).Create(ctx, cm, metaV1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				_, err = client.ConfigMaps(ns).Update(ctx, cm, metaV1.UpdateOptions{})
			}
			if err != nil {
				return fmt.Errorf("config map %s/%s of %s: %w", ns, cm.Name, app.Name(), err)
			}
			log.Infof("Config map %s/%s of %s in place", ns, cm.Name, app.Name())
		}
	}
	return nil
}

// Release removes the client binaries downloaded while caching is disabled. Cluster
// state is left alone.
func (m *Manager) Release() error {
	return m.binaries.Cleanup()
}

// Finish dismisses the provisioners handed out, deletes the namespaces created
// during the run when CleanupOnFinish is set and removes throwaway client binaries.
func (m *Manager) Finish(ctx context.Context) error {
	log.Info("Finishing Manager")
	m.mu.Lock()
	provisioners := m.provisioners
	m.provisioners = nil
	m.mu.Unlock()

	var errs []error
	if m.Config.CleanupOnFinish {
		for i := len(provisioners) - 1; i >= 0; i-- {
			if err := provisioners[i].Dismiss(ctx); err != nil {
				log.Warnf("Unable to dismiss %s: %v", provisioners[i].Name(), err)
				errs = append(errs, err)
			}
		}
		errs = append(errs, m.namespaces.DeleteAll(ctx))
	} else {
		for _, r := range m.namespaces.Records() {
			log.Infof("Keeping namespace %s", r.Name)
		}
	}
	errs = append(errs, m.Release())
	return utilerrors.NewAggregate(errs)
}
