// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"

	"github.com/open-edge-platform/orch-olm-provisioner/internal/olm"
)

// NewOperatorProvisioner builds the provisioner of one operator subscription.
func NewOperatorProvisioner(operator olm.Operator, deps olm.Dependencies) Provisioner {
	return olm.NewOperatorProvisioner(operator, deps)
}

var OperatorProvisionerFactory = NewOperatorProvisioner

// OperatorFactory provisions OperatorApplications through OLM.
type OperatorFactory struct {
	deps olm.Dependencies
}

func NewOperatorFactory(deps olm.Dependencies) *OperatorFactory {
	return &OperatorFactory{deps: deps}
}

func (f *OperatorFactory) Name() string {
	return "OLM Operator Provisioner"
}

func (f *OperatorFactory) Create(_ context.Context, app Application, namespace string) (Match, error) {
	operatorApp, ok := app.(*OperatorApplication)
	if !ok {
		return NoMatch, nil
	}
	return Matched(OperatorProvisionerFactory(operatorApp.OlmOperator(namespace), f.deps)), nil
}
