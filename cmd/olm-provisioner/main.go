// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"

	"github.com/open-edge-platform/orch-library/go/dazl"
	_ "github.com/open-edge-platform/orch-library/go/dazl/zap"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/config"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/manager"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/southbound"
	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"
)

var log = dazl.GetPackageLogger()

func main() {
	rootCmd := &cobra.Command{
		Use:   "olm-provisioner",
		Short: "Provision OLM operators for integration tests",
		Long: `olm-provisioner subscribes operators through the Operator Lifecycle Manager
into per test case namespaces and tears them down again. It is configured
through environment variables such as KUBECONFIG, TEST_NAMESPACE and WAIT_TIMEOUT.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newResolveClientCmd(),
		newClusterVersionCmd(),
		newNamespaceCmd(),
		newSubscribeCmd(),
		newUnsubscribeCmd(),
		newDismissCmd(),
		newDiagnosticsCmd(),
		newSaveSubscriptionCmd(),
	)

	if err := rootCmd.ExecuteContext(signals.SetupSignalHandler()); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// newManager builds a manager for the cluster named by the environment.
func newManager(_ context.Context) (*manager.Manager, *southbound.K8sClient, error) {
	cfg, err := config.InitConfig()
	if err != nil {
		return nil, nil, err
	}
	restConfig, err := southbound.NewRestConfig(cfg.ClusterURL, cfg.ClusterToken)
	if err != nil {
		return nil, nil, err
	}
	k8s, err := southbound.NewK8sClient(restConfig)
	if err != nil {
		return nil, nil, err
	}
	m, err := manager.NewManager(cfg, k8s)
	if err != nil {
		return nil, nil, err
	}
	return m, k8s, nil
}

// startManager builds a manager and resolves its client binary.
func startManager(ctx context.Context) (*manager.Manager, error) {
	m, _, err := newManager(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// release removes the client binaries a command downloaded while caching is disabled.
func release(m *manager.Manager) {
	if err := m.Release(); err != nil {
		log.Warnf("Unable to remove client binaries: %v", err)
	}
}
