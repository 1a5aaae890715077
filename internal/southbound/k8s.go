// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package southbound

import (
	"context"
	"fmt"

	"github.com/open-edge-platform/orch-library/go/dazl"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	k8sconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
)

var log = dazl.GetPackageLogger()

// ClusterVersionResource is the OpenShift config.openshift.io ClusterVersion resource
var ClusterVersionResource = schema.GroupVersionResource{
	Group:    "config.openshift.io",
	Version:  "v1",
	Resource: "clusterversions",
}

// K8sClient bundles the typed clients used against one cluster. It is built once per
// run and handed to every component that needs it.
type K8sClient struct {
	config        *rest.Config
	clientset     kubernetes.Interface
	dynamic       dynamic.Interface
	apiextensions apiextensionsclient.Interface
}

// NewRestConfig loads the client configuration the way controller-runtime does
// (--kubeconfig, KUBECONFIG, in-cluster, ~/.kube/config) and applies explicit overrides.
func NewRestConfig(server string, token string) (*rest.Config, error) {
	cfg, err := k8sconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	if server != "" {
		cfg.Host = server
	}
	if token != "" {
		cfg.BearerToken = token
		cfg.BearerTokenFile = ""
	}
	return cfg, nil
}

func NewK8sClient(config *rest.Config) (*K8sClient, error) {
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	ext, err := apiextensionsclient.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	return &K8sClient{
		config:        config,
		clientset:     clientset,
		dynamic:       dyn,
		apiextensions: ext,
	}, nil
}

// NewK8sClientFromInterfaces wraps already constructed clients, typically fakes.
func NewK8sClientFromInterfaces(clientset kubernetes.Interface, dyn dynamic.Interface, ext apiextensionsclient.Interface) *K8sClient {
	return &K8sClient{
		clientset:     clientset,
		dynamic:       dyn,
		apiextensions: ext,
	}
}

func (k *K8sClient) Config() *rest.Config {
	return k.config
}

func (k *K8sClient) Kubernetes() kubernetes.Interface {
	return k.clientset
}

func (k *K8sClient) Dynamic() dynamic.Interface {
	return k.dynamic
}

func (k *K8sClient) APIExtensions() apiextensionsclient.Interface {
	return k.apiextensions
}

// ClusterVersion returns the OpenShift desired version when the cluster is OpenShift,
// otherwise the API server git version.
func (k *K8sClient) ClusterVersion(ctx context.Context) (string, error) {
	if k.dynamic != nil {
		cv, err := k.dynamic.Resource(ClusterVersionResource).Get(ctx, "version", metaV1.GetOptions{})
		if err == nil {
			version, found, err := unstructured.NestedString(cv.Object, "status", "desired", "version")
			if err == nil && found && version != "" {
				log.Infof("OpenShift cluster version %s", version)
				return version, nil
			}
		} else {
			log.Debugf("No OpenShift ClusterVersion available: %v", err)
		}
	}

	info, err := k.clientset.Discovery().ServerVersion()
	if err != nil {
		return "", fmt.Errorf("querying server version: %w", err)
	}
	log.Infof("Kubernetes cluster version %s", info.GitVersion)
	return info.GitVersion, nil
}
