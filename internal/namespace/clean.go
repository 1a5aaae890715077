// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
)

type lister func(ctx context.Context, client kubernetes.Interface, namespace string) ([]string, error)

// removable built-in resources inspected by the clean check
var builtinListers = map[string]lister{
	"configmaps": func(ctx context.Context, c kubernetes.Interface, ns string) ([]string, error) {
		return objectNames(c.CoreV1().ConfigMaps(ns).List(ctx, metaV1.ListOptions{}))
	},
	"secrets": func(ctx context.Context, c kubernetes.Interface, ns string) ([]string, error) {
		return objectNames(c.CoreV1().Secrets(ns).List(ctx, metaV1.ListOptions{}))
	},
	"serviceaccounts": func(ctx context.Context, c kubernetes.Interface, ns string) ([]string, error) {
		return objectNames(c.CoreV1().ServiceAccounts(ns).List(ctx, metaV1.ListOptions{}))
	},
	"services": func(ctx context.Context, c kubernetes.Interface, ns string) ([]string, error) {
		return objectNames(c.CoreV1().Services(ns).List(ctx, metaV1.ListOptions{}))
	},
	"pods": func(ctx context.Context, c kubernetes.Interface, ns string) ([]string, error) {
		return objectNames(c.CoreV1().Pods(ns).List(ctx, metaV1.ListOptions{}))
	},
	"persistentvolumeclaims": func(ctx context.Context, c kubernetes.Interface, ns string) ([]string, error) {
		return objectNames(c.CoreV1().PersistentVolumeClaims(ns).List(ctx, metaV1.ListOptions{}))
	},
	"deployments": func(ctx context.Context, c kubernetes.Interface, ns string) ([]string, error) {
		return objectNames(c.AppsV1().Deployments(ns).List(ctx, metaV1.ListOptions{}))
	},
	"statefulsets": func(ctx context.Context, c kubernetes.Interface, ns string) ([]string, error) {
		return objectNames(c.AppsV1().StatefulSets(ns).List(ctx, metaV1.ListOptions{}))
	},
	"roles": func(ctx context.Context, c kubernetes.Interface, ns string) ([]string, error) {
		return objectNames(c.RbacV1().Roles(ns).List(ctx, metaV1.ListOptions{}))
	},
	"rolebindings": func(ctx context.Context, c kubernetes.Interface, ns string) ([]string, error) {
		return objectNames(c.RbacV1().RoleBindings(ns).List(ctx, metaV1.ListOptions{}))
	},
}

func objectNames(list runtime.Object, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	items, err := meta.ExtractList(list)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		accessor, err := meta.Accessor(item)
		if err != nil {
			return nil, err
		}
		names = append(names, accessor.GetName())
	}
	return names, nil
}

var builtinOrder = []string{
	"pods", "deployments", "statefulsets", "services", "persistentvolumeclaims",
	"configmaps", "secrets", "serviceaccounts", "roles", "rolebindings",
}

// RegisterCleanupCheck adds a custom resource type whose instances keep a namespace
// from being clean.
func (m *Manager) RegisterCleanupCheck(gvr schema.GroupVersionResource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.checks {
		if c == gvr {
			return
		}
	}
	log.Debugf("Registered cleanup check for %s", gvr.String())
	m.checks = append(m.checks, gvr)
}

// IsClean reports whether namespace name holds no custom resources of a registered
// type and no removable built-in resources outside the exemption list.
func (m *Manager) IsClean(ctx context.Context, name string) (bool, error) {
	outstanding, err := m.Outstanding(ctx, name)
	if err != nil {
		return false, err
	}
	if len(outstanding) > 0 {
		log.Debugf("Namespace %s not clean: %v", name, outstanding)
	}
	return len(outstanding) == 0, nil
}

// Outstanding lists the resources keeping namespace name from being clean, as
// resource/name. Listing failures for custom resources are treated as the type not
// being installed.
func (m *Manager) Outstanding(ctx context.Context, name string) ([]string, error) {
	var outstanding []string

	m.mu.Lock()
	checks := append([]schema.GroupVersionResource{}, m.checks...)
	m.mu.Unlock()

	if m.dynamic != nil {
		for _, gvr := range checks {
			list, err := m.dynamic.Resource(gvr).Namespace(name).List(ctx, metaV1.ListOptions{})
			if err != nil {
				log.Debugf("Ignoring %s in clean check of %s: %v", gvr.String(), name, err)
				continue
			}
			for _, item := range list.Items {
				outstanding = append(outstanding, fmt.Sprintf("%s/%s", gvr.GroupResource().String(), item.GetName()))
			}
		}
	}

	for _, resource := range builtinOrder {
		names, err := builtinListers[resource](ctx, m.client, name)
		if err != nil {
			return outstanding, fmt.Errorf("listing %s in %s: %w", resource, name, err)
		}
		for _, n := range names {
			if !m.opts.Exemptions.Exempt(resource, n) {
				outstanding = append(outstanding, resource+"/"+n)
			}
		}
	}
	return outstanding, nil
}
