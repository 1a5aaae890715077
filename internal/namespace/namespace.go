// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package namespace creates, tracks and deletes the namespaces backing a test run.
package namespace

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/open-edge-platform/orch-library/go/dazl"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/testcontext"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/waiter"
	coreV1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

var log = dazl.GetPackageLogger()

const (
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "orch-olm-provisioner"
	TestCaseLabel  = "orch-olm-provisioner/test-case"

	hashLength = 8
)

var invalidLabelChars = regexp.MustCompile(`[^a-z0-9-]+`)

type Options struct {
	// shared namespace, used for every test case unless PerTestCase is set
	Default        string
	PerTestCase    bool
	MaxLength      int
	Exemptions     Exemptions
	WaitInterval   time.Duration
	WaitTimeout    time.Duration
	CleanupTimeout time.Duration
}

// Record is a namespace created by the manager
type Record struct {
	Name      string
	TestCase  string
	CreatedAt time.Time
}

// Manager exclusively owns the namespace records of one test run.
type Manager struct {
	client  kubernetes.Interface
	dynamic dynamic.Interface
	opts    Options
	runID   uuid.UUID

	mu        sync.Mutex
	testCases map[string]string
	records   map[string]Record
	checks    []schema.GroupVersionResource
}

func NewManager(client kubernetes.Interface, dyn dynamic.Interface, opts Options) *Manager {
	if opts.MaxLength <= 0 {
		opts.MaxLength = 25
	}
	return &Manager{
		client:    client,
		dynamic:   dyn,
		opts:      opts,
		runID:     uuid.New(),
		testCases: map[string]string{},
		records:   map[string]Record{},
	}
}

// NameForTestCase derives a DNS label of at most MaxLength characters from a test
// case identity. The suffix is a hash of the identity scoped to this run, so long
// identities sharing a prefix stay distinct.
func (m *Manager) NameForTestCase(testCase string) string {
	suffix := strings.ReplaceAll(uuid.NewSHA1(m.runID, []byte(testCase)).String(), "-", "")[:hashLength]
	room := m.opts.MaxLength - hashLength - 1
	if room <= 0 {
		return suffix[:min(hashLength, m.opts.MaxLength)]
	}

	prefix := invalidLabelChars.ReplaceAllString(strings.ToLower(testCase), "-")
	prefix = strings.Trim(prefix, "-")
	if len(prefix) > room {
		prefix = strings.TrimRight(prefix[:room], "-")
	}
	if prefix == "" {
		return suffix
	}
	name := prefix + "-" + suffix
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return suffix
	}
	return name
}

// NamespaceFor returns the namespace the test case identified by ctx works in.
func (m *Manager) NamespaceFor(ctx context.Context) string {
	if !m.opts.PerTestCase {
		return m.opts.Default
	}
	testCase, ok := testcontext.TestCase(ctx)
	if !ok {
		log.Debugf("No test case in context, using namespace %s", m.opts.Default)
		return m.opts.Default
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.testCases[testCase]
	if !ok {
		name = m.NameForTestCase(testCase)
		m.testCases[testCase] = name
		log.Infof("Test case %s mapped to namespace %s", testCase, name)
	}
	return name
}

// CreateCurrentIfDoesNotExist creates the namespace of the test case identified by ctx.
func (m *Manager) CreateCurrentIfDoesNotExist(ctx context.Context) (string, error) {
	name := m.NamespaceFor(ctx)
	testCase, _ := testcontext.TestCase(ctx)
	return name, m.create(ctx, name, testCase)
}

// CreateIfDoesNotExist creates namespace name unless it exists, then blocks until
// the API server returns it.
func (m *Manager) CreateIfDoesNotExist(ctx context.Context, name string) error {
	return m.create(ctx, name, "")
}

func (m *Manager) create(ctx context.Context, name string, testCase string) error {
	namespaces := m.client.CoreV1().Namespaces()
	existing, err := namespaces.Get(ctx, name, metaV1.GetOptions{})
	if err == nil && existing.Status.Phase != coreV1.NamespaceTerminating {
		return nil
	}
	if err == nil {
		log.Infof("Namespace %s is terminating, waiting for it to be gone", name)
		if err := m.waitForDeletion(ctx, name); err != nil {
			return fmt.Errorf("namespace %s still terminating: %w", name, err)
		}
	} else if !errors.IsNotFound(err) {
		return fmt.Errorf("reading namespace %s: %w", name, err)
	}

	labels := map[string]string{ManagedByLabel: ManagedByValue}
	if testCase != "" {
		labels[TestCaseLabel] = invalidLabelChars.ReplaceAllString(strings.ToLower(testCase), "-")
		if len(labels[TestCaseLabel]) > validation.LabelValueMaxLength {
			labels[TestCaseLabel] = labels[TestCaseLabel][:validation.LabelValueMaxLength]
		}
		labels[TestCaseLabel] = strings.Trim(labels[TestCaseLabel], "-")
	}
	ns := &coreV1.Namespace{
		ObjectMeta: metaV1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
	}
	log.Infof("Creating namespace %s", name)
	_, err = namespaces.Create(ctx, ns, metaV1.CreateOptions{})
	if err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("creating namespace %s: %w", name, err)
	}

	err = waiter.New(m.opts.WaitInterval, m.opts.WaitTimeout).For(ctx, fmt.Sprintf("namespace %s to exist", name),
		func(ctx context.Context) (bool, error) {
			_, err := namespaces.Get(ctx, name, metaV1.GetOptions{})
			if errors.IsNotFound(err) {
				return false, nil
			}
			return err == nil, err
		})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.records[name] = Record{Name: name, TestCase: testCase, CreatedAt: time.Now()}
	m.mu.Unlock()
	return nil
}

// DeleteProjectIfUsedNamespacePerTestCase deletes the namespace of the test case
// identified by ctx when namespaces are allocated per test case. Unless force is set,
// it first waits for the namespace to be clean and then for the deletion to finish.
func (m *Manager) DeleteProjectIfUsedNamespacePerTestCase(ctx context.Context, force bool) error {
	if !m.opts.PerTestCase {
		return nil
	}
	testCase, ok := testcontext.TestCase(ctx)
	if !ok {
		log.Debugf("No test case in context, nothing to delete")
		return nil
	}
	m.mu.Lock()
	name, ok := m.testCases[testCase]
	m.mu.Unlock()
	if !ok {
		log.Debugf("Test case %s never used a namespace", testCase)
		return nil
	}

	if !force {
		if err := m.WaitForClean(ctx, name); err != nil {
			return err
		}
	}
	if err := m.DeleteProject(ctx, name, !force); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.testCases, testCase)
	m.mu.Unlock()
	return nil
}

// DeleteProject deletes namespace name. With wait set it blocks until the namespace
// is gone or the cleanup timeout elapses; the timeout error lists what is left in it.
func (m *Manager) DeleteProject(ctx context.Context, name string, wait bool) error {
	namespaces := m.client.CoreV1().Namespaces()
	log.Infof("Deleting namespace %s", name)
	policy := metaV1.DeletePropagationBackground
	err := namespaces.Delete(ctx, name, metaV1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("deleting namespace %s: %w", name, err)
	}

	m.mu.Lock()
	delete(m.records, name)
	m.mu.Unlock()

	if !wait {
		return nil
	}
	return m.withOutstanding(ctx, name, m.waitForDeletion(ctx, name))
}

func (m *Manager) waitForDeletion(ctx context.Context, name string) error {
	return waiter.New(m.opts.WaitInterval, m.opts.CleanupTimeout).For(ctx, fmt.Sprintf("namespace %s to be deleted", name),
		func(ctx context.Context) (bool, error) {
			_, err := m.client.CoreV1().Namespaces().Get(ctx, name, metaV1.GetOptions{})
			if errors.IsNotFound(err) {
				return true, nil
			}
			return false, err
		})
}

// WaitForClean blocks until namespace name is clean or the cleanup timeout elapses.
func (m *Manager) WaitForClean(ctx context.Context, name string) error {
	err := waiter.New(m.opts.WaitInterval, m.opts.CleanupTimeout).For(ctx, fmt.Sprintf("namespace %s to be clean", name),
		func(ctx context.Context) (bool, error) {
			return m.IsClean(ctx, name)
		})
	return m.withOutstanding(ctx, name, err)
}

func (m *Manager) withOutstanding(ctx context.Context, name string, err error) error {
	timeout, ok := err.(*waiter.TimeoutError)
	if !ok {
		return err
	}
	outstanding, listErr := m.Outstanding(ctx, name)
	if listErr != nil {
		log.Warnf("Unable to list outstanding resources in %s: %v", name, listErr)
	}
	timeout.Outstanding = outstanding
	return timeout
}

// Tracked returns the test case to namespace mapping.
func (m *Manager) Tracked() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked := make(map[string]string, len(m.testCases))
	for k, v := range m.testCases {
		tracked[k] = v
	}
	return tracked
}

// Records returns the namespaces created by this manager, oldest first.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// DeleteAll deletes every namespace this manager created.
func (m *Manager) DeleteAll(ctx context.Context) error {
	var errs []error
	for _, r := range m.Records() {
		if err := m.DeleteProject(ctx, r.Name, false); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Lock()
	m.testCases = map[string]string{}
	m.mu.Unlock()
	return utilerrors.NewAggregate(errs)
}
