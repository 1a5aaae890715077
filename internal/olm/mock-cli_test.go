// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-edge-platform/orch-olm-provisioner/internal/southbound"
	"github.com/tidwall/gjson"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/yaml"
)

const (
	testCSV         = "dummy-operator.v1.0.0"
	testInstallPlan = "install-dummy"
	testDeployment  = "dummy-operator-controller"
	testCRD         = "dummies.example.com"
)

// Client binary mock simulating OLM for one operator package
type fakeOLM struct {
	mu sync.Mutex

	calls          []string
	applied        map[string]int
	operatorGroups []string
	managedGroups  map[string]bool
	subscription   string
	approved       bool
	csvDeleted     bool
	catalogs       map[string]bool
	badManifest    bool
	onDelete       func(resource string, name string)
}

func newFakeOLM() *fakeOLM {
	return &fakeOLM{
		applied:       map[string]int{},
		managedGroups: map[string]bool{},
		catalogs:      map[string]bool{"redhat-operators": true},
	}
}

func notFound(resource string, name string) error {
	return &southbound.CommandError{
		Args:     []string{"get", resource, name},
		Output:   fmt.Sprintf(`Error from server (NotFound): %s "%s" not found`, resource, name),
		ExitCode: 1,
	}
}

func (f *fakeOLM) Execute(ctx context.Context, args ...string) (string, error) {
	return f.handle("", args, nil)
}

func (f *fakeOLM) ExecuteInNamespace(_ context.Context, namespace string, args ...string) (string, error) {
	return f.handle(namespace, args, nil)
}

func (f *fakeOLM) ExecuteWithInput(_ context.Context, input []byte, args ...string) (string, error) {
	return f.handle("", args, input)
}

func (f *fakeOLM) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeOLM) appliedKind(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[kind]
}

func (f *fakeOLM) handle(_ string, args []string, input []byte) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(args, " "))
	onDelete := f.onDelete
	f.mu.Unlock()

	switch args[0] {
	case "apply":
		return f.apply(input)
	case "patch":
		f.mu.Lock()
		defer f.mu.Unlock()
		if args[1] == "installplan" && args[2] == testInstallPlan {
			f.approved = true
			return "installplan.operators.coreos.com/install-dummy patched", nil
		}
		return "", notFound(args[1], args[2])
	case "delete":
		f.mu.Lock()
		switch args[1] {
		case "subscription":
			f.subscription = ""
		case "csv":
			f.csvDeleted = true
		case "catalogsource":
			delete(f.catalogs, args[2])
		case "operatorgroup":
			kept := f.operatorGroups[:0]
			for _, og := range f.operatorGroups {
				if og != args[2] {
					kept = append(kept, og)
				}
			}
			f.operatorGroups = kept
			delete(f.managedGroups, args[2])
		}
		f.mu.Unlock()
		if onDelete != nil {
			onDelete(args[1], args[2])
		}
		return fmt.Sprintf("%s %s deleted", args[1], args[2]), nil
	case "get":
		return f.get(args[1], args[2])
	}
	return "", fmt.Errorf("unexpected command %v", args)
}

func (f *fakeOLM) apply(input []byte) (string, error) {
	j, err := yaml.YAMLToJSON(input)
	if err != nil {
		return "", err
	}
	doc := gjson.ParseBytes(j)
	kind := doc.Get("kind").String()
	name := doc.Get("metadata.name").String()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[kind]++
	switch kind {
	case "OperatorGroup":
		f.operatorGroups = append(f.operatorGroups, name)
		f.managedGroups[name] = doc.Get(`metadata.labels.app\.kubernetes\.io/managed-by`).String() == "orch-olm-provisioner"
	case "Subscription":
		f.subscription = string(j)
		f.csvDeleted = false
	case "CatalogSource":
		f.catalogs[name] = true
	}
	return fmt.Sprintf("%s/%s created", strings.ToLower(kind), name), nil
}

func (f *fakeOLM) get(resource string, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch resource {
	case "operatorgroups":
		items := make([]string, 0, len(f.operatorGroups))
		for _, og := range f.operatorGroups {
			labels := "{}"
			if f.managedGroups[og] {
				labels = `{"app.kubernetes.io/managed-by":"orch-olm-provisioner"}`
			}
			items = append(items, fmt.Sprintf(`{"metadata":{"name":%q,"labels":%s}}`, og, labels))
		}
		return `{"items":[` + strings.Join(items, ",") + `]}`, nil

	case "subscription":
		if f.subscription == "" {
			return "", notFound("subscriptions.operators.coreos.com", name)
		}
		manual := gjson.Get(f.subscription, "spec.installPlanApproval").String() == "Manual"
		installed := ""
		if !manual || f.approved {
			installed = testCSV
		}
		return fmt.Sprintf(`{"apiVersion":"operators.coreos.com/v1alpha1","kind":"Subscription",
			"metadata":{"name":%q,"namespace":"my-namespace"},
			"spec":%s,
			"status":{"installPlanRef":{"name":%q,"namespace":"my-namespace"},"currentCSV":%q,"installedCSV":%q,"state":"AtLatestKnown"}}`,
			name, gjson.Get(f.subscription, "spec").Raw, testInstallPlan, testCSV, installed), nil

	case "packagemanifest":
		if f.badManifest {
			return "error: unable to decode", nil
		}
		if name != "dummy-operator" {
			return "", notFound("packagemanifests.packages.operators.coreos.com", name)
		}
		return `{"metadata":{"name":"dummy-operator"},
			"status":{"catalogSource":"redhat-operators","catalogSourceNamespace":"openshift-marketplace","defaultChannel":"stable",
			"channels":[
				{"name":"alpha","currentCSV":"dummy-operator.v2.0.0-alpha","currentCSVDesc":{"customresourcedefinitions":{"owned":[]}}},
				{"name":"stable","currentCSV":"dummy-operator.v1.0.0","currentCSVDesc":{"customresourcedefinitions":{"owned":[
					{"name":"dummies.example.com","version":"v1","kind":"Dummy"}]}}}]}}`, nil

	case "csv":
		if f.csvDeleted || name != testCSV {
			return "", notFound("clusterserviceversions.operators.coreos.com", name)
		}
		return fmt.Sprintf(`{"metadata":{"name":%q},"spec":{"install":{"strategy":"deployment","spec":{"deployments":[{"name":%q,"spec":{"selector":{}}}]}}},"status":{"phase":"Succeeded"}}`,
			testCSV, testDeployment), nil

	case "catalogsource":
		if !f.catalogs[name] {
			return "", notFound("catalogsources.operators.coreos.com", name)
		}
		return catalogSourceJSON(name), nil

	case "catalogsources":
		items := make([]string, 0, len(f.catalogs))
		for c := range f.catalogs {
			items = append(items, catalogSourceJSON(c))
		}
		return `{"apiVersion":"v1","kind":"List","items":[` + strings.Join(items, ",") + `]}`, nil

	case "installplan":
		if name != testInstallPlan {
			return "", notFound("installplans.operators.coreos.com", name)
		}
		return fmt.Sprintf(`{"metadata":{"name":%q},"spec":{"clusterServiceVersionNames":[%q],"approval":"Manual","approved":%t}}`,
			testInstallPlan, testCSV, f.approved), nil
	}
	return "", fmt.Errorf("unexpected get %s %s", resource, name)
}

func catalogSourceJSON(name string) string {
	return fmt.Sprintf(`{"metadata":{"name":%q,"namespace":"openshift-marketplace"},
		"spec":{"sourceType":"grpc","image":"registry.example.com/index:latest","displayName":%q,"publisher":"Example"},
		"status":{"connectionState":{"lastObservedState":"READY"}}}`, name, name)
}

// Namespace manager mock
type fakeNamespaces struct {
	mu      sync.Mutex
	created []string
	checks  []schema.GroupVersionResource
}

func (n *fakeNamespaces) CreateIfDoesNotExist(_ context.Context, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, name)
	return nil
}

func (n *fakeNamespaces) RegisterCleanupCheck(gvr schema.GroupVersionResource) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.checks = append(n.checks, gvr)
}
