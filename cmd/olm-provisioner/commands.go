// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-edge-platform/orch-olm-provisioner/internal/diagnostics"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/manager"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/olm"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/plugins"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/testcontext"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/labels"
)

func newResolveClientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-client",
		Short: "Download the client binary matching the cluster version and print its path",
		Long: `Download the client binary matching the cluster version and print its path.
The binary is kept even when CLIENT_BINARY_CACHE_ENABLED is false so the printed
path stays usable; remove its directory when done.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			path, err := m.ResolveClient(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newClusterVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster-version",
		Short: "Print the OpenShift or Kubernetes version of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, k8s, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			version, err := k8s.ClusterVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newNamespaceCmd() *cobra.Command {
	namespaceCmd := &cobra.Command{
		Use:   "namespace",
		Short: "Manage test namespaces",
	}

	var testCase string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create the namespace of a test case, or the shared namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			ctx := withTestCase(cmd.Context(), testCase)
			name, err := m.Namespaces().CreateCurrentIfDoesNotExist(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
	createCmd.Flags().StringVarP(&testCase, "test-case", "t", "", "test case identity, used when NAMESPACE_PER_TESTCASE is set")

	var wait bool
	deleteCmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			return m.Namespaces().DeleteProject(cmd.Context(), args[0], wait)
		},
	}
	deleteCmd.Flags().BoolVar(&wait, "wait", true, "wait for the namespace to be gone")

	checkCmd := &cobra.Command{
		Use:   "check NAME",
		Short: "List the resources keeping a namespace from being clean",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			outstanding, err := m.Namespaces().Outstanding(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, o := range outstanding {
				fmt.Fprintln(cmd.OutOrStdout(), o)
			}
			if len(outstanding) > 0 {
				return fmt.Errorf("namespace %s is not clean", args[0])
			}
			return nil
		},
	}

	namespaceCmd.AddCommand(createCmd, deleteCmd, checkCmd)
	return namespaceCmd
}

// applicationFlags are shared by the commands acting on an application descriptor.
type applicationFlags struct {
	file     string
	testCase string
}

func (f *applicationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "filename", "f", "", "operator application descriptor")
	cmd.Flags().StringVarP(&f.testCase, "test-case", "t", "", "test case identity, used when NAMESPACE_PER_TESTCASE is set")
	if err := cmd.MarkFlagRequired("filename"); err != nil {
		log.Fatal(err)
	}
}

func (f *applicationFlags) provisioner(ctx context.Context) (*manager.Manager, plugins.Provisioner, error) {
	app, err := plugins.LoadApplication(f.file)
	if err != nil {
		return nil, nil, err
	}
	m, err := startManager(ctx)
	if err != nil {
		return nil, nil, err
	}
	p, err := m.Provisioner(ctx, app)
	if err != nil {
		release(m)
		return nil, nil, err
	}
	return m, p, nil
}

func newSubscribeCmd() *cobra.Command {
	flags := &applicationFlags{}
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe to an operator and wait for it to run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := withTestCase(cmd.Context(), flags.testCase)
			m, p, err := flags.provisioner(ctx)
			if err != nil {
				return err
			}
			defer release(m)
			if err := p.Configure(ctx); err != nil {
				return err
			}
			return p.Deploy(ctx)
		},
	}
	flags.register(cmd)
	return cmd
}

func newUnsubscribeCmd() *cobra.Command {
	flags := &applicationFlags{}
	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Remove an operator subscription and wait for its pods to go",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := withTestCase(cmd.Context(), flags.testCase)
			m, p, err := flags.provisioner(ctx)
			if err != nil {
				return err
			}
			defer release(m)
			return p.Undeploy(ctx)
		},
	}
	flags.register(cmd)
	return cmd
}

func newDismissCmd() *cobra.Command {
	flags := &applicationFlags{}
	var deleteNamespace bool
	cmd := &cobra.Command{
		Use:   "dismiss",
		Short: "Unsubscribe, remove the custom catalog source and optionally the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := withTestCase(cmd.Context(), flags.testCase)
			m, p, err := flags.provisioner(ctx)
			if err != nil {
				return err
			}
			defer release(m)
			if err := p.Undeploy(ctx); err != nil {
				return err
			}
			if err := p.Dismiss(ctx); err != nil {
				return err
			}
			if !cmd.Flags().Changed("delete-namespace") {
				deleteNamespace = m.Config.CleanupOnFinish
			}
			if !deleteNamespace {
				log.Infof("Keeping namespace %s", m.Namespaces().NamespaceFor(ctx))
				return nil
			}
			return m.Namespaces().DeleteProject(ctx, m.Namespaces().NamespaceFor(ctx), true)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&deleteNamespace, "delete-namespace", false, "delete the namespace of the test case as well, defaults to CLEANUP_ON_FINISH")
	return cmd
}

func newDiagnosticsCmd() *cobra.Command {
	var selector, grep string
	cmd := &cobra.Command{
		Use:   "diagnostics NAMESPACE",
		Short: "Print the logs of the pods in a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			var podSelector diagnostics.PodSelector
			if selector != "" {
				set, err := labels.ConvertSelectorToLabelsMap(selector)
				if err != nil {
					return err
				}
				podSelector = diagnostics.WithLabels(set)
			}
			var lineSelector diagnostics.LineSelector
			if grep != "" {
				lineSelector = diagnostics.Contains(strings.Split(grep, ",")...)
			}
			reports, err := m.Collector().CollectNamespace(cmd.Context(), args[0], podSelector, lineSelector)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), diagnostics.Generate(reports))
			return nil
		},
	}
	cmd.Flags().StringVarP(&selector, "selector", "l", "", "pod label selector, key=value[,key=value]")
	cmd.Flags().StringVar(&grep, "grep", "", "keep only log lines containing one of these comma separated strings")
	return cmd
}

func newSaveSubscriptionCmd() *cobra.Command {
	var file, output, namespace string
	cmd := &cobra.Command{
		Use:   "save-subscription",
		Short: "Write the Subscription an application descriptor results in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := plugins.LoadApplication(file)
			if err != nil {
				return err
			}
			op := app.OlmOperator(namespace)
			name := op.Name
			if name == "" {
				name = op.Package
			}
			sub := olm.NewSubscription(name, op.Namespace, olm.SubscriptionOptions{
				CatalogSource:          op.CatalogSource,
				CatalogSourceNamespace: op.CatalogSourceNamespace,
				Package:                op.Package,
				Channel:                op.Channel,
				StartingCSV:            op.StartingCSV,
				Approval:               op.Approval,
				Env:                    op.Env,
			})
			return olm.Save(output, sub)
		},
	}
	cmd.Flags().StringVarP(&file, "filename", "f", "", "operator application descriptor")
	cmd.Flags().StringVarP(&output, "output", "o", "subscription.yaml", "file to write")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "namespace of the subscription")
	if err := cmd.MarkFlagRequired("filename"); err != nil {
		log.Fatal(err)
	}
	return cmd
}

func withTestCase(ctx context.Context, testCase string) context.Context {
	if testCase == "" {
		return ctx
	}
	return testcontext.WithTestCase(ctx, testCase)
}
