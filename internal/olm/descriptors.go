// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"fmt"
	"os"
	"sort"

	operatorsv1 "github.com/operator-framework/api/pkg/operators/v1"
	"github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/namespace"
	coreV1 "k8s.io/api/core/v1"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

func managedLabels() map[string]string {
	return map[string]string{namespace.ManagedByLabel: namespace.ManagedByValue}
}

// isManaged reports whether labels mark an object created by a provisioner.
func isManaged(labels map[string]string) bool {
	return labels[namespace.ManagedByLabel] == namespace.ManagedByValue
}

// CatalogImage describes a custom catalog source served from an index image.
type CatalogImage struct {
	Name        string
	Image       string
	DisplayName string
	Publisher   string
}

func NewCatalogSource(namespace string, catalog CatalogImage) *v1alpha1.CatalogSource {
	return &v1alpha1.CatalogSource{
		TypeMeta: metaV1.TypeMeta{
			Kind:       v1alpha1.CatalogSourceKind,
			APIVersion: v1alpha1.SchemeGroupVersion.String(),
		},
		ObjectMeta: metaV1.ObjectMeta{
			Name:      catalog.Name,
			Namespace: namespace,
		},
		Spec: v1alpha1.CatalogSourceSpec{
			SourceType:  v1alpha1.SourceTypeGrpc,
			Image:       catalog.Image,
			DisplayName: catalog.DisplayName,
			Publisher:   catalog.Publisher,
		},
	}
}

// NewOperatorGroup scopes an operator to targetNamespaces, its own namespace when none given.
// The group is labelled as managed so a later run can tell it apart from a pre-existing one.
func NewOperatorGroup(name string, namespace string, targetNamespaces ...string) *operatorsv1.OperatorGroup {
	if len(targetNamespaces) == 0 {
		targetNamespaces = []string{namespace}
	}
	return &operatorsv1.OperatorGroup{
		TypeMeta: metaV1.TypeMeta{
			Kind:       operatorsv1.OperatorGroupKind,
			APIVersion: operatorsv1.SchemeGroupVersion.String(),
		},
		ObjectMeta: metaV1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    managedLabels(),
		},
		Spec: operatorsv1.OperatorGroupSpec{
			TargetNamespaces: targetNamespaces,
		},
	}
}

type SubscriptionOptions struct {
	CatalogSource          string
	CatalogSourceNamespace string
	Package                string
	Channel                string
	StartingCSV            string
	Approval               v1alpha1.Approval
	Env                    map[string]string
}

func NewSubscription(name string, namespace string, opts SubscriptionOptions) *v1alpha1.Subscription {
	approval := opts.Approval
	if approval == "" {
		approval = v1alpha1.ApprovalAutomatic
	}
	sub := &v1alpha1.Subscription{
		TypeMeta: metaV1.TypeMeta{
			Kind:       v1alpha1.SubscriptionKind,
			APIVersion: v1alpha1.SubscriptionCRDAPIVersion,
		},
		ObjectMeta: metaV1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
		Spec: &v1alpha1.SubscriptionSpec{
			CatalogSource:          opts.CatalogSource,
			CatalogSourceNamespace: opts.CatalogSourceNamespace,
			Package:                opts.Package,
			Channel:                opts.Channel,
			StartingCSV:            opts.StartingCSV,
			InstallPlanApproval:    approval,
		},
	}
	SetSubscriptionEnv(sub, opts.Env)
	return sub
}

// SetSubscriptionEnv replaces the operator environment of sub. Variables are written
// sorted by name so the serialized form is stable.
func SetSubscriptionEnv(sub *v1alpha1.Subscription, env map[string]string) {
	if len(env) == 0 {
		if sub.Spec.Config != nil {
			sub.Spec.Config.Env = nil
		}
		return
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make([]coreV1.EnvVar, 0, len(names))
	for _, name := range names {
		vars = append(vars, coreV1.EnvVar{Name: name, Value: env[name]})
	}
	if sub.Spec.Config == nil {
		sub.Spec.Config = &v1alpha1.SubscriptionConfig{}
	}
	sub.Spec.Config.Env = vars
}

// SubscriptionEnv returns the operator environment of sub as a map.
func SubscriptionEnv(sub *v1alpha1.Subscription) map[string]string {
	env := map[string]string{}
	if sub.Spec == nil || sub.Spec.Config == nil {
		return env
	}
	for _, v := range sub.Spec.Config.Env {
		env[v.Name] = v.Value
	}
	return env
}

// Save writes a descriptor as YAML.
func Save(path string, descriptor interface{}) error {
	data, err := yaml.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o600)
}

func load(path string, into interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, into); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func LoadSubscription(path string) (*v1alpha1.Subscription, error) {
	sub := &v1alpha1.Subscription{}
	if err := load(path, sub); err != nil {
		return nil, err
	}
	if sub.Spec == nil {
		return nil, fmt.Errorf("subscription %s has no spec", path)
	}
	return sub, nil
}

func LoadCatalogSource(path string) (*v1alpha1.CatalogSource, error) {
	cs := &v1alpha1.CatalogSource{}
	if err := load(path, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func LoadOperatorGroup(path string) (*operatorsv1.OperatorGroup, error) {
	og := &operatorsv1.OperatorGroup{}
	if err := load(path, og); err != nil {
		return nil, err
	}
	return og, nil
}
