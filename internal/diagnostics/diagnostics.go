// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package diagnostics gathers pod logs into a report attached to provisioning failures.
package diagnostics

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-edge-platform/orch-library/go/dazl"
	coreV1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

var log = dazl.GetPackageLogger()

// ReportBoundary separates the per pod sections of a generated report.
const ReportBoundary = "\n==================== pod log boundary ====================\n"

// PodSelector filters the pods inspected; nil selects all.
type PodSelector func(pod *coreV1.Pod) bool

// LineSelector filters the log lines retained; nil retains all.
type LineSelector func(line string) bool

// Report is the log of one container of one pod
type Report struct {
	Pod       types.NamespacedName
	Container string
	Log       string
}

type Collector struct {
	client kubernetes.Interface
}

func NewCollector(client kubernetes.Interface) *Collector {
	return &Collector{client: client}
}

// Collect reads the logs of every container of the named pods. A named pod that does
// not exist fails the whole collection.
func (c *Collector) Collect(ctx context.Context, pods []types.NamespacedName, podSelector PodSelector, lineSelector LineSelector) ([]Report, error) {
	var reports []Report
	for _, name := range pods {
		pod, err := c.client.CoreV1().Pods(name.Namespace).Get(ctx, name.Name, metaV1.GetOptions{})
		if errors.IsNotFound(err) {
			return nil, fmt.Errorf("pod %s not found while collecting diagnostics: %w", name, err)
		}
		if err != nil {
			return nil, fmt.Errorf("reading pod %s: %w", name, err)
		}
		if podSelector != nil && !podSelector(pod) {
			continue
		}
		podReports, err := c.podLogs(ctx, pod, lineSelector)
		if err != nil {
			return nil, err
		}
		reports = append(reports, podReports...)
	}
	return reports, nil
}

// CollectNamespace collects the logs of every pod currently in namespace. The listed
// pods are used as is, so a pod deleted since the listing only loses its own log.
func (c *Collector) CollectNamespace(ctx context.Context, namespace string, podSelector PodSelector, lineSelector LineSelector) ([]Report, error) {
	list, err := c.client.CoreV1().Pods(namespace).List(ctx, metaV1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods in %s: %w", namespace, err)
	}
	log.Debugf("Collecting logs of %d pods in %s", len(list.Items), namespace)
	var reports []Report
	for i := range list.Items {
		pod := &list.Items[i]
		if podSelector != nil && !podSelector(pod) {
			continue
		}
		podReports, err := c.podLogs(ctx, pod, lineSelector)
		if err != nil {
			return nil, err
		}
		reports = append(reports, podReports...)
	}
	return reports, nil
}

func (c *Collector) podLogs(ctx context.Context, pod *coreV1.Pod, lineSelector LineSelector) ([]Report, error) {
	name := types.NamespacedName{Namespace: pod.Namespace, Name: pod.Name}
	reports := make([]Report, 0, len(pod.Spec.Containers))
	for _, container := range pod.Spec.Containers {
		raw, err := c.client.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &coreV1.PodLogOptions{Container: container.Name}).DoRaw(ctx)
		text := string(raw)
		if err != nil {
			// a container that has not started yet has no log; keep the reason instead
			log.Debugf("No log for %s container %s: %v", name, container.Name, err)
			text = fmt.Sprintf("<log unavailable: %v>", err)
		}
		reports = append(reports, Report{
			Pod:       name,
			Container: container.Name,
			Log:       filterLines(text, lineSelector),
		})
	}
	return reports, nil
}

func filterLines(text string, lineSelector LineSelector) string {
	if lineSelector == nil {
		return text
	}
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if lineSelector(line) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// Generate concatenates reports in order, separated by ReportBoundary.
func Generate(reports []Report) string {
	sections := make([]string, 0, len(reports))
	for _, r := range reports {
		header := "Pod: " + r.Pod.String()
		if r.Container != "" {
			header += " container: " + r.Container
		}
		sections = append(sections, header+"\n"+r.Log)
	}
	return strings.Join(sections, ReportBoundary)
}

// Contains returns a LineSelector keeping lines containing any of substrings.
func Contains(substrings ...string) LineSelector {
	return func(line string) bool {
		for _, s := range substrings {
			if strings.Contains(line, s) {
				return true
			}
		}
		return false
	}
}

// WithLabels returns a PodSelector keeping pods carrying all of labels.
func WithLabels(labels map[string]string) PodSelector {
	return func(pod *coreV1.Pod) bool {
		for k, v := range labels {
			if pod.Labels[k] != v {
				return false
			}
		}
		return true
	}
}
