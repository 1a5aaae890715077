// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package component

import (
	"os"

	"github.com/open-edge-platform/orch-olm-provisioner/internal/plugins"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/testcontext"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// TestClusterVersion verifies the client resolved for the cluster runs
func (s *ComponentTestSuite) TestClusterVersion() {
	version, err := s.K8s.ClusterVersion(s.Context)
	s.Require().NoError(err)
	s.NotEmpty(version)

	out, err := s.Manager.CLI().Execute(s.Context, "version")
	s.NoError(err)
	s.NotEmpty(out)
}

// TestNamespaceLifecycle creates a test case namespace, checks it is clean and deletes it
func (s *ComponentTestSuite) TestNamespaceLifecycle() {
	ctx := testcontext.WithTestCase(s.Context, s.T().Name())
	namespaces := s.Manager.Namespaces()

	name, err := namespaces.CreateCurrentIfDoesNotExist(ctx)
	s.Require().NoError(err)
	s.LessOrEqual(len(name), s.Config.NamespaceMaxLength)

	ns, err := s.K8s.Kubernetes().CoreV1().Namespaces().Get(s.Context, name, metaV1.GetOptions{})
	s.Require().NoError(err)
	s.Equal(name, ns.Name)

	clean, err := namespaces.IsClean(ctx, name)
	s.NoError(err)
	if !clean {
		outstanding, _ := namespaces.Outstanding(ctx, name)
		s.Failf("fresh namespace is not clean", "outstanding: %v", outstanding)
	}

	s.NoError(namespaces.DeleteProjectIfUsedNamespacePerTestCase(ctx, false))
}

// TestSubscribeOperator subscribes the operator described by OPERATOR_APPLICATION
func (s *ComponentTestSuite) TestSubscribeOperator() {
	path := os.Getenv("OPERATOR_APPLICATION")
	if path == "" {
		s.T().Skip("set OPERATOR_APPLICATION to an operator application descriptor")
	}
	app, err := plugins.LoadApplication(path)
	s.Require().NoError(err)

	ctx := testcontext.WithTestCase(s.Context, s.T().Name())
	p, err := s.Manager.Provisioner(ctx, app)
	s.Require().NoError(err)
	s.AddCleanup(func() error {
		return p.Dismiss(s.Context)
	})

	s.Require().NoError(p.Configure(ctx))
	s.Require().NoError(p.Deploy(ctx))
	// subscribing twice is a no-op
	s.Require().NoError(p.Deploy(ctx))

	pods, ok := plugins.AsPods(p)
	s.Require().True(ok)
	running, err := pods.Pods(ctx)
	s.NoError(err)
	s.NotEmpty(running)

	s.NoError(p.Undeploy(ctx))
	s.NoError(s.Manager.Namespaces().DeleteProjectIfUsedNamespacePerTestCase(ctx, true))
}
