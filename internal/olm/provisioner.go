// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package olm drives an operator subscription through the Operator Lifecycle Manager,
// from catalog source to running operator pods and back.
package olm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/open-edge-platform/orch-library/go/dazl"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/diagnostics"
	"github.com/open-edge-platform/orch-olm-provisioner/internal/waiter"
	"github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/tidwall/gjson"
	coreV1 "k8s.io/api/core/v1"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"
)

var log = dazl.GetPackageLogger()

type State string

const (
	Unconfigured    State = "Unconfigured"
	Configuring     State = "Configuring"
	Subscribing     State = "Subscribing"
	WaitingApproval State = "WaitingApproval"
	Subscribed      State = "Subscribed"
	Unsubscribing   State = "Unsubscribing"
	Dismissed       State = "Dismissed"
	Failed          State = "Failed"
)

const (
	catalogReadyState = "READY"
	approvePatch      = `{"spec":{"approved":true}}`
)

// Namespaces is the part of the namespace manager the provisioner uses.
type Namespaces interface {
	CreateIfDoesNotExist(ctx context.Context, name string) error
	RegisterCleanupCheck(gvr schema.GroupVersionResource)
}

// Diagnostics collects pod logs on failure.
type Diagnostics interface {
	CollectNamespace(ctx context.Context, namespace string, podSelector diagnostics.PodSelector, lineSelector diagnostics.LineSelector) ([]diagnostics.Report, error)
}

// Operator describes the operator to subscribe to.
type Operator struct {
	// subscription name, the package name when empty
	Name                   string
	Namespace              string
	Package                string
	Channel                string
	StartingCSV            string
	CatalogSource          string
	CatalogSourceNamespace string
	Approval               v1alpha1.Approval
	Env                    map[string]string
	// optional custom catalog created by Configure
	Catalog *CatalogImage
	// label selector of the operator pods, derived from the CSV deployments when empty
	PodSelector string
}

type Dependencies struct {
	CLI           Executor
	Kubernetes    kubernetes.Interface
	APIExtensions apiextensionsclient.Interface
	Namespaces    Namespaces
	Diagnostics   Diagnostics
	Waiter        waiter.Waiter
}

// OperatorProvisioner is the subscription state machine of one operator. Its
// operations are serialized; distinct provisioners own disjoint cluster objects.
type OperatorProvisioner struct {
	operator Operator
	deps     Dependencies
	lookups  *Lookups

	mu                   sync.Mutex
	state                State
	createdCatalog       bool
	createdOperatorGroup bool
	installPlan          string
	csv                  string
	deployments          []string
}

func NewOperatorProvisioner(operator Operator, deps Dependencies) *OperatorProvisioner {
	if operator.Name == "" {
		operator.Name = operator.Package
	}
	if operator.Approval == "" {
		operator.Approval = v1alpha1.ApprovalAutomatic
	}
	if operator.Catalog != nil {
		if operator.CatalogSource == "" {
			operator.CatalogSource = operator.Catalog.Name
		}
		if operator.CatalogSourceNamespace == "" {
			operator.CatalogSourceNamespace = operator.Namespace
		}
	}
	return &OperatorProvisioner{
		operator: operator,
		deps:     deps,
		lookups:  NewLookups(deps.CLI),
		state:    Unconfigured,
	}
}

func (p *OperatorProvisioner) Name() string {
	return p.operator.Name
}

func (p *OperatorProvisioner) Operator() Operator {
	return p.operator
}

func (p *OperatorProvisioner) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *OperatorProvisioner) Lookups() *Lookups {
	return p.lookups
}

func (p *OperatorProvisioner) setState(state State) {
	if p.state != state {
		log.Infof("Operator %s in %s: %s -> %s", p.operator.Name, p.operator.Namespace, p.state, state)
	}
	p.state = state
}

// Deploy is Subscribe
func (p *OperatorProvisioner) Deploy(ctx context.Context) error {
	return p.Subscribe(ctx)
}

// Undeploy is Unsubscribe
func (p *OperatorProvisioner) Undeploy(ctx context.Context) error {
	return p.Unsubscribe(ctx)
}

// Configure creates the custom catalog source, if any, and waits for it to serve.
func (p *OperatorProvisioner) Configure(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configure(ctx)
}

func (p *OperatorProvisioner) configure(ctx context.Context) error {
	if p.state != Unconfigured {
		return nil
	}
	p.setState(Configuring)
	if p.operator.Catalog == nil {
		return nil
	}

	ns := p.operator.CatalogSourceNamespace
	if err := p.deps.Namespaces.CreateIfDoesNotExist(ctx, ns); err != nil {
		p.setState(Failed)
		return err
	}
	if err := p.apply(ctx, NewCatalogSource(ns, *p.operator.Catalog)); err != nil {
		p.setState(Failed)
		return err
	}
	p.createdCatalog = true

	name := p.operator.Catalog.Name
	err := p.deps.Waiter.For(ctx, fmt.Sprintf("catalog source %s/%s to be %s", ns, name, catalogReadyState),
		func(ctx context.Context) (bool, error) {
			out, err := p.deps.CLI.ExecuteInNamespace(ctx, ns, "get", "catalogsource", name, "-o", "json")
			if err != nil {
				log.Debugf("Catalog source %s not readable yet: %v", name, err)
				return false, nil
			}
			return gjson.Get(out, "status.connectionState.lastObservedState").String() == catalogReadyState, nil
		})
	if err != nil {
		return p.fail(ctx, ns, err)
	}
	return nil
}

// IsSubscribed reports whether the subscription exists and has installed a CSV.
func (p *OperatorProvisioner) IsSubscribed(ctx context.Context) (bool, error) {
	sub, err := p.lookups.GetSubscription(ctx, p.operator.Namespace, p.operator.Name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.Status.InstalledCSV != "", nil
}

// Subscribe creates the operator group and subscription, approves the install plan
// when approval is manual, and waits for the owned CRDs and a running operator pod.
// It does nothing when the operator is already subscribed.
func (p *OperatorProvisioner) Subscribe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Subscribed {
		subscribed, err := p.IsSubscribed(ctx)
		if err != nil {
			return err
		}
		if subscribed {
			log.Infof("Operator %s already subscribed in %s", p.operator.Name, p.operator.Namespace)
			return nil
		}
	}
	if err := p.configure(ctx); err != nil {
		return err
	}

	ns := p.operator.Namespace
	p.setState(Subscribing)

	if err := p.deps.Namespaces.CreateIfDoesNotExist(ctx, ns); err != nil {
		p.setState(Failed)
		return err
	}
	if err := p.ensureOperatorGroup(ctx); err != nil {
		p.setState(Failed)
		return err
	}
	sub := NewSubscription(p.operator.Name, ns, SubscriptionOptions{
		CatalogSource:          p.operator.CatalogSource,
		CatalogSourceNamespace: p.operator.CatalogSourceNamespace,
		Package:                p.operator.Package,
		Channel:                p.operator.Channel,
		StartingCSV:            p.operator.StartingCSV,
		Approval:               p.operator.Approval,
		Env:                    p.operator.Env,
	})
	if err := p.apply(ctx, sub); err != nil {
		p.setState(Failed)
		return err
	}

	if err := p.waitForInstallPlan(ctx); err != nil {
		return p.fail(ctx, ns, err)
	}
	if p.operator.Approval == v1alpha1.ApprovalManual {
		p.setState(WaitingApproval)
		log.Infof("Approving install plan %s/%s", ns, p.installPlan)
		_, err := p.deps.CLI.ExecuteInNamespace(ctx, ns, "patch", "installplan", p.installPlan, "--type", "merge", "-p", approvePatch)
		if err != nil {
			p.setState(Failed)
			return fmt.Errorf("approving install plan %s/%s: %w", ns, p.installPlan, err)
		}
		p.setState(Subscribing)
	}

	crds, err := p.ownedCRDs(ctx)
	if err != nil {
		p.setState(Failed)
		return err
	}
	if err := p.waitForOperator(ctx, crds); err != nil {
		return p.fail(ctx, ns, err)
	}
	p.registerCleanupChecks(ctx, crds)
	p.setState(Subscribed)
	return nil
}

func (p *OperatorProvisioner) ensureOperatorGroup(ctx context.Context) error {
	ns := p.operator.Namespace
	out, err := p.deps.CLI.ExecuteInNamespace(ctx, ns, "get", "operatorgroups", "-o", "json")
	if err != nil {
		return fmt.Errorf("listing operator groups in %s: %w", ns, err)
	}
	if existing := gjson.Get(out, "items.#.metadata.name").Array(); len(existing) > 0 {
		log.Infof("Using operator group %s in %s", existing[0].String(), ns)
		p.createdOperatorGroup = managedGroup(out, p.operator.Name)
		return nil
	}
	if err := p.apply(ctx, NewOperatorGroup(p.operator.Name, ns)); err != nil {
		return err
	}
	p.createdOperatorGroup = true
	return nil
}

// managedGroup reports whether the operator group list out holds a group called
// name that carries the managed-by label.
func managedGroup(out string, name string) bool {
	managed := false
	gjson.Get(out, "items").ForEach(func(_, item gjson.Result) bool {
		if item.Get("metadata.name").String() != name {
			return true
		}
		labels := map[string]string{}
		for k, v := range item.Get("metadata.labels").Map() {
			labels[k] = v.String()
		}
		managed = isManaged(labels)
		return false
	})
	return managed
}

// ownsOperatorGroup reports whether the operator group named after the operator
// was created by this or an earlier provisioner.
func (p *OperatorProvisioner) ownsOperatorGroup(ctx context.Context) (bool, error) {
	if p.createdOperatorGroup {
		return true, nil
	}
	ns := p.operator.Namespace
	out, err := p.deps.CLI.ExecuteInNamespace(ctx, ns, "get", "operatorgroups", "-o", "json")
	if err != nil {
		return false, fmt.Errorf("listing operator groups in %s: %w", ns, err)
	}
	return managedGroup(out, p.operator.Name), nil
}

func (p *OperatorProvisioner) waitForInstallPlan(ctx context.Context) error {
	ns := p.operator.Namespace
	return p.deps.Waiter.For(ctx, fmt.Sprintf("an install plan for subscription %s/%s", ns, p.operator.Name),
		func(ctx context.Context) (bool, error) {
			out, err := p.deps.CLI.ExecuteInNamespace(ctx, ns, "get", "subscription", p.operator.Name, "-o", "json")
			if err != nil {
				log.Debugf("Subscription %s not readable yet: %v", p.operator.Name, err)
				return false, nil
			}
			name := gjson.Get(out, "status.installPlanRef.name").String()
			if name == "" {
				name = gjson.Get(out, "status.installplan.name").String()
			}
			if name == "" {
				return false, nil
			}
			p.installPlan = name
			p.csv = gjson.Get(out, "status.currentCSV").String()
			return true, nil
		})
}

func (p *OperatorProvisioner) ownedCRDs(ctx context.Context) ([]OwnedCRD, error) {
	ns := p.operator.CatalogSourceNamespace
	if ns == "" {
		ns = p.operator.Namespace
	}
	pm, err := p.lookups.GetPackageManifest(ctx, p.operator.Package, ns)
	if err != nil {
		return nil, err
	}
	channel, ok := pm.Channel(p.operator.Channel)
	if !ok {
		return nil, &IllegalStateError{
			Op:  "package manifest " + pm.Name,
			Err: fmt.Errorf("channel %q not found", p.operator.Channel),
		}
	}
	if p.csv == "" {
		p.csv = channel.CurrentCSV
	}
	return channel.OwnedCRDs, nil
}

func (p *OperatorProvisioner) waitForOperator(ctx context.Context, crds []OwnedCRD) error {
	ns := p.operator.Namespace
	return p.deps.Waiter.For(ctx, fmt.Sprintf("CRDs and operator pods of %s in %s", p.operator.Name, ns),
		func(ctx context.Context) (bool, error) {
			for _, crd := range crds {
				_, err := p.deps.APIExtensions.ApiextensionsV1().CustomResourceDefinitions().Get(ctx, crd.Name, metaV1.GetOptions{})
				if err != nil {
					if !apierrors.IsNotFound(err) {
						log.Debugf("Reading CRD %s: %v", crd.Name, err)
					}
					return false, nil
				}
			}
			pods, err := p.operatorPods(ctx)
			if err != nil {
				log.Debugf("Listing operator pods of %s: %v", p.operator.Name, err)
				return false, nil
			}
			for _, pod := range pods {
				if pod.Status.Phase == coreV1.PodRunning {
					return true, nil
				}
			}
			return false, nil
		})
}

// Pods returns the operator pods.
func (p *OperatorProvisioner) Pods(ctx context.Context) ([]coreV1.Pod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.operatorPods(ctx)
}

func (p *OperatorProvisioner) operatorPods(ctx context.Context) ([]coreV1.Pod, error) {
	pods := p.deps.Kubernetes.CoreV1().Pods(p.operator.Namespace)
	if p.operator.PodSelector != "" {
		list, err := pods.List(ctx, metaV1.ListOptions{LabelSelector: p.operator.PodSelector})
		if err != nil {
			return nil, err
		}
		return list.Items, nil
	}

	if len(p.deployments) == 0 {
		if p.csv == "" {
			return nil, nil
		}
		csv, err := p.lookups.GetCSV(ctx, p.operator.Namespace, p.csv)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		for _, d := range csv.Spec.InstallStrategy.StrategySpec.DeploymentSpecs {
			p.deployments = append(p.deployments, d.Name)
		}
	}

	list, err := pods.List(ctx, metaV1.ListOptions{})
	if err != nil {
		return nil, err
	}
	var matched []coreV1.Pod
	for _, pod := range list.Items {
		for _, d := range p.deployments {
			if strings.HasPrefix(pod.Name, d+"-") {
				matched = append(matched, pod)
				break
			}
		}
	}
	return matched, nil
}

// registerCleanupChecks makes instances of the owned CRDs keep the namespace from
// being considered clean.
func (p *OperatorProvisioner) registerCleanupChecks(ctx context.Context, crds []OwnedCRD) {
	for _, owned := range crds {
		crd, err := p.deps.APIExtensions.ApiextensionsV1().CustomResourceDefinitions().Get(ctx, owned.Name, metaV1.GetOptions{})
		if err != nil {
			log.Warnf("Unable to read CRD %s: %v", owned.Name, err)
			continue
		}
		version := owned.Version
		for _, v := range crd.Spec.Versions {
			if v.Storage {
				version = v.Name
			}
		}
		p.deps.Namespaces.RegisterCleanupCheck(schema.GroupVersionResource{
			Group:    crd.Spec.Group,
			Version:  version,
			Resource: crd.Spec.Names.Plural,
		})
	}
}

// Unsubscribe deletes the subscription, its CSV and the operator group a
// provisioner created, then waits for the operator pods to go. CRDs are left in place.
func (p *OperatorProvisioner) Unsubscribe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsubscribe(ctx)
}

func (p *OperatorProvisioner) unsubscribe(ctx context.Context) error {
	ns := p.operator.Namespace
	if p.state != Subscribed && p.state != Failed && p.state != Unsubscribing {
		subscribed, err := p.IsSubscribed(ctx)
		if err != nil {
			return err
		}
		if !subscribed {
			log.Infof("Operator %s not subscribed in %s, nothing to unsubscribe", p.operator.Name, ns)
			return nil
		}
	}
	p.setState(Unsubscribing)

	if sub, err := p.lookups.GetSubscription(ctx, ns, p.operator.Name); err == nil {
		if sub.Status.InstalledCSV != "" {
			p.csv = sub.Status.InstalledCSV
		} else if sub.Status.CurrentCSV != "" && p.csv == "" {
			p.csv = sub.Status.CurrentCSV
		}
	}
	if p.operator.PodSelector == "" && len(p.deployments) == 0 && p.csv != "" {
		// resolve deployment names while the CSV still exists
		_, _ = p.operatorPods(ctx)
	}

	var errs []error
	errs = append(errs, p.delete(ctx, ns, "subscription", p.operator.Name))
	if p.csv != "" {
		errs = append(errs, p.delete(ctx, ns, "csv", p.csv))
	}
	owned, err := p.ownsOperatorGroup(ctx)
	errs = append(errs, err)
	if owned {
		errs = append(errs, p.delete(ctx, ns, "operatorgroup", p.operator.Name))
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		p.setState(Failed)
		return err
	}
	p.createdOperatorGroup = false

	err = p.deps.Waiter.For(ctx, fmt.Sprintf("operator pods of %s in %s to disappear", p.operator.Name, ns),
		func(ctx context.Context) (bool, error) {
			pods, err := p.operatorPods(ctx)
			if err != nil {
				log.Debugf("Listing operator pods of %s: %v", p.operator.Name, err)
				return false, nil
			}
			return len(pods) == 0, nil
		})
	if err != nil {
		return p.fail(ctx, ns, err)
	}
	p.installPlan = ""
	p.csv = ""
	p.deployments = nil
	p.setState(Dismissed)
	return nil
}

// Dismiss unsubscribes if needed and removes the custom catalog source.
func (p *OperatorProvisioner) Dismiss(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Subscribed || p.state == Failed {
		if err := p.unsubscribe(ctx); err != nil {
			return err
		}
	}
	if p.createdCatalog {
		if err := p.delete(ctx, p.operator.CatalogSourceNamespace, "catalogsource", p.operator.Catalog.Name); err != nil {
			return err
		}
		p.createdCatalog = false
	}
	p.setState(Unconfigured)
	return nil
}

func (p *OperatorProvisioner) apply(ctx context.Context, obj interface{}) error {
	data, err := yaml.Marshal(obj)
	if err != nil {
		return err
	}
	out, err := p.deps.CLI.ExecuteWithInput(ctx, data, "apply", "-f", "-")
	if err != nil {
		return fmt.Errorf("applying to %s: %w", p.operator.Namespace, err)
	}
	log.Infof("Applied %s", strings.TrimSpace(out))
	return nil
}

func (p *OperatorProvisioner) delete(ctx context.Context, namespace string, resource string, name string) error {
	log.Infof("Deleting %s %s/%s", resource, namespace, name)
	_, err := p.deps.CLI.ExecuteInNamespace(ctx, namespace, "delete", resource, name, "--ignore-not-found")
	if err != nil {
		return fmt.Errorf("deleting %s %s/%s: %w", resource, namespace, name, err)
	}
	return nil
}

// fail moves to Failed and attaches the logs of the pods in namespace to a wait timeout.
func (p *OperatorProvisioner) fail(ctx context.Context, namespace string, err error) error {
	p.setState(Failed)
	var timeout *waiter.TimeoutError
	if !errors.As(err, &timeout) || p.deps.Diagnostics == nil {
		return err
	}
	reports, collectErr := p.deps.Diagnostics.CollectNamespace(ctx, namespace, nil, nil)
	if collectErr != nil {
		log.Warnf("Unable to collect diagnostics in %s: %v", namespace, collectErr)
		return err
	}
	timeout.Diagnostics = diagnostics.Generate(reports)
	log.Errorf("Operator %s failed in %s: %s", p.operator.Name, namespace, timeout.Condition)
	return timeout
}
