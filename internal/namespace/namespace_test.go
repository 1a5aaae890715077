// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/open-edge-platform/orch-olm-provisioner/internal/config"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/testcontext"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/waiter"
	"github.com/stretchr/testify/suite"
	coreV1 "k8s.io/api/core/v1"
	rbacV1 "k8s.io/api/rbac/v1"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

var widgets = schema.GroupVersionResource{Group: "example.com", Version: "v1", Resource: "widgets"}

// Suite of namespace manager tests
type NamespaceTestSuite struct {
	suite.Suite
	ctx     context.Context
	cancel  context.CancelFunc
	client  *fake.Clientset
	dynamic *dynamicfake.FakeDynamicClient
}

func (s *NamespaceTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 1*time.Minute)
	s.client = fake.NewSimpleClientset()
	s.dynamic = dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{widgets: "WidgetList"})
}

func (s *NamespaceTestSuite) TearDownTest() {
	s.cancel()
}

func TestNamespace(t *testing.T) {
	suite.Run(t, &NamespaceTestSuite{})
}

func (s *NamespaceTestSuite) manager(perTestCase bool) *Manager {
	exemptions, err := ParseExemptions(config.DefaultCleanExemptions)
	s.NoError(err)
	return NewManager(s.client, s.dynamic, Options{
		Default:        "shared-namespace",
		PerTestCase:    perTestCase,
		MaxLength:      config.DefaultNamespaceMaxLength,
		Exemptions:     exemptions,
		WaitInterval:   10 * time.Millisecond,
		WaitTimeout:    200 * time.Millisecond,
		CleanupTimeout: 200 * time.Millisecond,
	})
}

func (s *NamespaceTestSuite) TestCreateIfDoesNotExistIsIdempotent() {
	m := s.manager(false)

	s.NoError(m.CreateIfDoesNotExist(s.ctx, "my-namespace"))
	s.NoError(m.CreateIfDoesNotExist(s.ctx, "my-namespace"))

	creates := 0
	for _, action := range s.client.Actions() {
		if action.GetVerb() == "create" && action.GetResource().Resource == "namespaces" {
			creates++
		}
	}
	s.Equal(1, creates)

	ns, err := s.client.CoreV1().Namespaces().Get(s.ctx, "my-namespace", metaV1.GetOptions{})
	s.NoError(err)
	s.Equal(ManagedByValue, ns.Labels[ManagedByLabel])
	s.Len(m.Records(), 1)
}

func (s *NamespaceTestSuite) terminating(name string) {
	_, err := s.client.CoreV1().Namespaces().Create(s.ctx, &coreV1.Namespace{
		ObjectMeta: metaV1.ObjectMeta{Name: name},
		Status:     coreV1.NamespaceStatus{Phase: coreV1.NamespaceTerminating},
	}, metaV1.CreateOptions{})
	s.Require().NoError(err)
}

func (s *NamespaceTestSuite) TestCreateWaitsForTerminatingNamespace() {
	s.terminating("my-namespace")
	m := s.manager(false)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		time.Sleep(50 * time.Millisecond)
		_ = s.client.CoreV1().Namespaces().Delete(context.Background(), "my-namespace", metaV1.DeleteOptions{})
	}()

	s.NoError(m.CreateIfDoesNotExist(s.ctx, "my-namespace"))
	<-gone
	ns, err := s.client.CoreV1().Namespaces().Get(s.ctx, "my-namespace", metaV1.GetOptions{})
	s.NoError(err)
	s.NotEqual(coreV1.NamespaceTerminating, ns.Status.Phase)
	s.Equal(ManagedByValue, ns.Labels[ManagedByLabel])
	s.Len(m.Records(), 1)
}

func (s *NamespaceTestSuite) TestCreateFailsOnStuckTerminatingNamespace() {
	s.terminating("my-namespace")
	m := s.manager(false)

	err := m.CreateIfDoesNotExist(s.ctx, "my-namespace")
	s.Error(err)
	s.Contains(err.Error(), "still terminating")
	var timeout *waiter.TimeoutError
	s.ErrorAs(err, &timeout)
	s.Empty(m.Records())
}

func (s *NamespaceTestSuite) TestExistingNamespaceNotTracked() {
	_, err := s.client.CoreV1().Namespaces().Create(s.ctx,
		&coreV1.Namespace{ObjectMeta: metaV1.ObjectMeta{Name: "preexisting"}}, metaV1.CreateOptions{})
	s.NoError(err)

	m := s.manager(false)
	s.NoError(m.CreateIfDoesNotExist(s.ctx, "preexisting"))
	s.Empty(m.Records())
}

func (s *NamespaceTestSuite) TestSharedNamespaceIgnoresTestCase() {
	m := s.manager(false)
	ctx := testcontext.WithTestCase(s.ctx, "SomeTest")
	s.Equal("shared-namespace", m.NamespaceFor(ctx))

	s.NoError(m.DeleteProjectIfUsedNamespacePerTestCase(ctx, true))
	s.Empty(s.client.Actions())
}

func (s *NamespaceTestSuite) TestNamespaceLengthLimit() {
	m := s.manager(true)
	ids := []string{
		"a",
		"io.example.integration.VeryLongIntegrationTestClassNameThatKeepsGoing#testMethodWithAnEvenLongerName",
		"io.example.integration.VeryLongIntegrationTestClassNameThatKeepsGoing#testMethodWithAnEvenLongerName2",
		"----",
		"UPPER_case_and.dots",
		"1234567890123456789012345678901234567890",
	}
	seen := map[string]bool{}
	for _, id := range ids {
		name := m.NameForTestCase(id)
		s.LessOrEqual(len(name), config.DefaultNamespaceMaxLength, name)
		s.Empty(validation.IsDNS1123Label(name), name)
		s.False(seen[name], name)
		seen[name] = true
		s.Equal(name, m.NameForTestCase(id))
	}

	short := NewManager(s.client, s.dynamic, Options{PerTestCase: true, MaxLength: 8})
	s.Len(short.NameForTestCase(ids[1]), 8)
}

func (s *NamespaceTestSuite) TestPerTestCaseIsolation() {
	m := s.manager(true)

	var wg sync.WaitGroup
	names := make([]string, 4)
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := testcontext.WithTestCase(s.ctx, fmt.Sprintf("ParallelTest#case%d", i))
			name, err := m.CreateCurrentIfDoesNotExist(ctx)
			s.NoError(err)
			names[i] = name
		}(i)
	}
	wg.Wait()

	tracked := m.Tracked()
	s.Len(tracked, 4)
	for i, name := range names {
		s.Equal(name, tracked[fmt.Sprintf("ParallelTest#case%d", i)])
		s.True(strings.HasPrefix(name, "paralleltest-cas"))
		_, err := s.client.CoreV1().Namespaces().Get(s.ctx, name, metaV1.GetOptions{})
		s.NoError(err)
	}
}

func (s *NamespaceTestSuite) TestDeleteProjectIfUsedNamespacePerTestCase() {
	m := s.manager(true)
	ctx := testcontext.WithTestCase(s.ctx, "DeleteTest")
	name, err := m.CreateCurrentIfDoesNotExist(ctx)
	s.NoError(err)

	_, err = s.client.CoreV1().ConfigMaps(name).Create(s.ctx,
		&coreV1.ConfigMap{ObjectMeta: metaV1.ObjectMeta{Name: "kube-root-ca.crt"}}, metaV1.CreateOptions{})
	s.NoError(err)

	s.NoError(m.DeleteProjectIfUsedNamespacePerTestCase(ctx, false))
	_, err = s.client.CoreV1().Namespaces().Get(s.ctx, name, metaV1.GetOptions{})
	s.Error(err)
	s.Empty(m.Tracked())
	s.Empty(m.Records())
}

func (s *NamespaceTestSuite) TestDeleteWaitsForClean() {
	m := s.manager(true)
	ctx := testcontext.WithTestCase(s.ctx, "DirtyTest")
	name, err := m.CreateCurrentIfDoesNotExist(ctx)
	s.NoError(err)

	_, err = s.client.CoreV1().ConfigMaps(name).Create(s.ctx,
		&coreV1.ConfigMap{ObjectMeta: metaV1.ObjectMeta{Name: "leftover"}}, metaV1.CreateOptions{})
	s.NoError(err)

	err = m.DeleteProjectIfUsedNamespacePerTestCase(ctx, false)
	var timeout *waiter.TimeoutError
	s.True(errors.As(err, &timeout))
	s.Contains(timeout.Outstanding, "configmaps/leftover")

	// force skips the clean check
	s.NoError(m.DeleteProjectIfUsedNamespacePerTestCase(ctx, true))
}

func (s *NamespaceTestSuite) TestDeleteProjectTimeoutListsOutstanding() {
	m := s.manager(false)
	s.NoError(m.CreateIfDoesNotExist(s.ctx, "stuck"))
	_, err := s.client.CoreV1().Secrets("stuck").Create(s.ctx,
		&coreV1.Secret{ObjectMeta: metaV1.ObjectMeta{Name: "credentials"}}, metaV1.CreateOptions{})
	s.NoError(err)

	// namespace finalization never completes
	s.client.PrependReactor("delete", "namespaces", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, nil
	})

	err = m.DeleteProject(s.ctx, "stuck", true)
	var timeout *waiter.TimeoutError
	s.True(errors.As(err, &timeout))
	s.Equal([]string{"secrets/credentials"}, timeout.Outstanding)
	s.Contains(err.Error(), "namespace stuck to be deleted")
}

func (s *NamespaceTestSuite) TestIsCleanHonoursExemptions() {
	m := s.manager(false)
	s.NoError(m.CreateIfDoesNotExist(s.ctx, "clean"))

	_, _ = s.client.CoreV1().ServiceAccounts("clean").Create(s.ctx,
		&coreV1.ServiceAccount{ObjectMeta: metaV1.ObjectMeta{Name: "default"}}, metaV1.CreateOptions{})
	_, _ = s.client.CoreV1().Secrets("clean").Create(s.ctx,
		&coreV1.Secret{ObjectMeta: metaV1.ObjectMeta{Name: "builder-dockercfg-x7k2p"}}, metaV1.CreateOptions{})
	_, _ = s.client.RbacV1().RoleBindings("clean").Create(s.ctx,
		&rbacV1.RoleBinding{ObjectMeta: metaV1.ObjectMeta{Name: "system:image-pullers"}}, metaV1.CreateOptions{})

	clean, err := m.IsClean(s.ctx, "clean")
	s.NoError(err)
	s.True(clean)

	_, _ = s.client.RbacV1().RoleBindings("clean").Create(s.ctx,
		&rbacV1.RoleBinding{ObjectMeta: metaV1.ObjectMeta{Name: "operator-binding"}}, metaV1.CreateOptions{})
	clean, err = m.IsClean(s.ctx, "clean")
	s.NoError(err)
	s.False(clean)
}

func (s *NamespaceTestSuite) TestCustomResourcesKeepNamespaceDirty() {
	m := s.manager(false)
	m.RegisterCleanupCheck(widgets)
	m.RegisterCleanupCheck(widgets)

	widget := &unstructured.Unstructured{}
	widget.SetAPIVersion("example.com/v1")
	widget.SetKind("Widget")
	widget.SetName("w1")
	widget.SetNamespace("custom")
	_, err := s.dynamic.Resource(widgets).Namespace("custom").Create(s.ctx, widget, metaV1.CreateOptions{})
	s.NoError(err)

	outstanding, err := m.Outstanding(s.ctx, "custom")
	s.NoError(err)
	s.Equal([]string{"widgets.example.com/w1"}, outstanding)
}

func (s *NamespaceTestSuite) TestCustomResourceListErrorsTolerated() {
	m := s.manager(false)
	m.RegisterCleanupCheck(widgets)
	s.dynamic.PrependReactor("list", "widgets", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("the server could not find the requested resource")
	})

	clean, err := m.IsClean(s.ctx, "custom")
	s.NoError(err)
	s.True(clean)
}

func (s *NamespaceTestSuite) TestDeleteAll() {
	m := s.manager(true)
	for _, id := range []string{"One", "Two"} {
		_, err := m.CreateCurrentIfDoesNotExist(testcontext.WithTestCase(s.ctx, id))
		s.NoError(err)
	}
	s.Len(m.Records(), 2)

	s.NoError(m.DeleteAll(s.ctx))
	s.Empty(m.Records())
	s.Empty(m.Tracked())
	list, err := s.client.CoreV1().Namespaces().List(s.ctx, metaV1.ListOptions{})
	s.NoError(err)
	s.Empty(list.Items)
}

func (s *NamespaceTestSuite) TestParseExemptions() {
	_, err := ParseExemptions([]string{"no-slash"})
	s.Error(err)

	exemptions, err := ParseExemptions([]string{"rolebindings/system:*"})
	s.NoError(err)
	s.True(exemptions.Exempt("rolebindings", "system:deployers"))
	s.False(exemptions.Exempt("roles", "system:deployers"))
	s.False(exemptions.Exempt("rolebindings", "admin"))
}
