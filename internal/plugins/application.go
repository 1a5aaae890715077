// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"fmt"
	"os"
	"strings"

	"github.com/open-edge-platform/orch-olm-provisioner/internal/olm"
	"github.com/operator-framework/api/pkg/operators/v1alpha1"
	yaml "gopkg.in/yaml.v2"
	coreV1 "k8s.io/api/core/v1"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// OperatorApplication is an application installed through an OLM subscription.
type OperatorApplication struct {
	Metadata struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Operator struct {
		Package                string            `yaml:"package"`
		Subscription           string            `yaml:"subscription"` // if unspecified, defaults to the package
		Namespace              string            `yaml:"namespace"`    // if unspecified, the test namespace
		Channel                string            `yaml:"channel"`      // if unspecified, the default channel
		StartingCSV            string            `yaml:"startingCSV"`
		CatalogSource          string            `yaml:"catalogSource"`
		CatalogSourceNamespace string            `yaml:"catalogSourceNamespace"`
		Approval               string            `yaml:"approval"` // Automatic or Manual
		PodSelector            string            `yaml:"podSelector"`
		Env                    map[string]string `yaml:"env"`
		Catalog                *struct {
			Name        string `yaml:"name"`
			Image       string `yaml:"image"`
			DisplayName string `yaml:"displayName"`
			Publisher   string `yaml:"publisher"`
		} `yaml:"catalog"`
	} `yaml:"operator"`
	SecretList []struct {
		Name       string            `yaml:"name"`
		Type       string            `yaml:"type"`
		StringData map[string]string `yaml:"stringData"`
	} `yaml:"secrets"`
	ConfigMapList []struct {
		Name string            `yaml:"name"`
		Data map[string]string `yaml:"data"`
	} `yaml:"configMaps"`
}

// LoadApplication reads an operator application descriptor.
func LoadApplication(path string) (*OperatorApplication, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseApplication(data)
}

func ParseApplication(data []byte) (*OperatorApplication, error) {
	app := &OperatorApplication{}
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.SetStrict(true)
	if err := decoder.Decode(app); err != nil {
		return nil, err
	}
	if app.Operator.Package == "" {
		return nil, fmt.Errorf("application %s has no operator package", app.Metadata.Name)
	}
	if app.Metadata.Name == "" {
		app.Metadata.Name = app.Operator.Package
	}
	switch v1alpha1.Approval(app.Operator.Approval) {
	case "", v1alpha1.ApprovalAutomatic, v1alpha1.ApprovalManual:
	default:
		return nil, fmt.Errorf("application %s: invalid approval %q", app.Metadata.Name, app.Operator.Approval)
	}
	if c := app.Operator.Catalog; c != nil && (c.Name == "" || c.Image == "") {
		return nil, fmt.Errorf("application %s: catalog needs a name and an image", app.Metadata.Name)
	}
	return app, nil
}

func (a *OperatorApplication) Name() string {
	return a.Metadata.Name
}

// OlmOperator describes the subscription of the application in namespace, unless
// the application pins its own namespace.
func (a *OperatorApplication) OlmOperator(namespace string) olm.Operator {
	op := a.Operator
	if op.Namespace != "" {
		namespace = op.Namespace
	}
	operator := olm.Operator{
		Name:                   op.Subscription,
		Namespace:              namespace,
		Package:                op.Package,
		Channel:                op.Channel,
		StartingCSV:            op.StartingCSV,
		CatalogSource:          op.CatalogSource,
		CatalogSourceNamespace: op.CatalogSourceNamespace,
		Approval:               v1alpha1.Approval(op.Approval),
		Env:                    op.Env,
		PodSelector:            op.PodSelector,
	}
	if op.Catalog != nil {
		operator.Catalog = &olm.CatalogImage{
			Name:        op.Catalog.Name,
			Image:       op.Catalog.Image,
			DisplayName: op.Catalog.DisplayName,
			Publisher:   op.Catalog.Publisher,
		}
	}
	return operator
}

func (a *OperatorApplication) Secrets() []*coreV1.Secret {
	secrets := make([]*coreV1.Secret, 0, len(a.SecretList))
	for _, s := range a.SecretList {
		secretType := coreV1.SecretTypeOpaque
		if s.Type != "" {
			secretType = coreV1.SecretType(s.Type)
		}
		secrets = append(secrets, &coreV1.Secret{
			ObjectMeta: metaV1.ObjectMeta{Name: s.Name},
			Type:       secretType,
			StringData: s.StringData,
		})
	}
	return secrets
}

func (a *OperatorApplication) ConfigMaps() []*coreV1.ConfigMap {
	configMaps := make([]*coreV1.ConfigMap, 0, len(a.ConfigMapList))
	for _, c := range a.ConfigMapList {
		configMaps = append(configMaps, &coreV1.ConfigMap{
			ObjectMeta: metaV1.ObjectMeta{Name: c.Name},
			Data:       c.Data,
		})
	}
	return configMaps
}
