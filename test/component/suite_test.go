// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package component

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/open-edge-platform/orch-olm-provisioner/internal/config"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/manager"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/southbound"
	"github.com/stretchr/testify/suite"
)

// ComponentTestSuite runs against the live cluster named by KUBECONFIG
type ComponentTestSuite struct {
	suite.Suite
	Config       config.Configuration
	Context      context.Context
	Cancel       context.CancelFunc
	K8s          *southbound.K8sClient
	Manager      *manager.Manager
	CleanupFuncs []func() error
}

// SetupSuite runs once before all tests in the component test suite
func (s *ComponentTestSuite) SetupSuite() {
	if os.Getenv("KUBECONFIG") == "" || os.Getenv("OLM_COMPONENT_TESTS") == "" {
		s.T().Skip("set KUBECONFIG and OLM_COMPONENT_TESTS to run component tests")
	}
	s.T().Log("Starting Component Test Suite Setup")

	s.Context, s.Cancel = context.WithTimeout(context.Background(), 20*time.Minute)

	var err error
	s.Config, err = config.InitConfig()
	s.Require().NoError(err)
	s.Config.NamespacePerTestCase = true

	restConfig, err := southbound.NewRestConfig(s.Config.ClusterURL, s.Config.ClusterToken)
	s.Require().NoError(err)
	s.K8s, err = southbound.NewK8sClient(restConfig)
	s.Require().NoError(err)

	s.Manager, err = manager.NewManager(s.Config, s.K8s)
	s.Require().NoError(err)
	s.Require().NoError(s.Manager.Start(s.Context))

	s.T().Logf("  Namespace prefix: %s", s.Config.Namespace)
	s.T().Logf("  Client binary: %s", s.Manager.CLI().Binary())
	s.T().Log("Component Test Suite Setup Complete")
}

// TearDownSuite cleans up after the entire test suite
func (s *ComponentTestSuite) TearDownSuite() {
	s.T().Log("Running Component Test Suite Cleanup")
	for _, cleanup := range s.CleanupFuncs {
		if err := cleanup(); err != nil {
			s.T().Logf("Cleanup function failed: %v", err)
		}
	}
	if s.Manager != nil {
		if err := s.Manager.Finish(context.Background()); err != nil {
			s.T().Logf("Finish failed: %v", err)
		}
	}
	if s.Cancel != nil {
		s.Cancel()
	}
	s.T().Log("Component Test Suite Cleanup Complete")
}

// AddCleanup adds a cleanup function to be called during teardown
func (s *ComponentTestSuite) AddCleanup(cleanup func() error) {
	s.CleanupFuncs = append(s.CleanupFuncs, cleanup)
}

// TestComponentTestSuite runs the component test suite
func TestComponentTestSuite(t *testing.T) {
	suite.Run(t, &ComponentTestSuite{})
}
