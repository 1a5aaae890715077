// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

//nolint:revive // Internal package
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/open-edge-platform/orch-library/go/dazl"
)

var log = dazl.GetPackageLogger()

const (
	FlavorOC      = "oc"
	FlavorKubectl = "kubectl"

	DefaultNamespaceMaxLength = 25
	minNamespaceMaxLength     = 8
	maxNamespaceMaxLength     = 63
)

// Configuration is a provisioner configuration
type Configuration struct {
	// cluster connection

	// path to a kubeconfig file, passed to the client binary as well
	Kubeconfig string

	// API server URL, overrides the kubeconfig server
	ClusterURL string

	// bearer token, overrides the kubeconfig credentials
	ClusterToken string

	// target cluster version, queried from the cluster when empty
	ClusterVersion string

	// namespaces

	// shared namespace for the whole run
	Namespace string

	// allocate one namespace per test case
	NamespacePerTestCase bool

	// maximum length of a per test case namespace name
	NamespaceMaxLength int

	// resources ignored by the namespace clean check, kind/name-glob
	CleanExemptions []string

	// delete namespaces created during the run when it finishes
	CleanupOnFinish bool

	// client binary

	// explicit client binary, used verbatim
	BinaryPath string

	// oc or kubectl
	BinaryFlavor string

	// keep downloaded clients between runs
	BinaryCacheEnabled bool

	// cache root, one directory per cluster version
	BinaryCachePath string

	// release mirror base URL
	BinaryMirrorURL string

	// OCI repository holding client archives tagged by version
	BinaryOCIRepository string

	// waits

	// bounded wait for cluster state to converge
	WaitTimeout time.Duration

	// interval between polls
	WaitInterval time.Duration

	// bounded wait for namespace deletion
	CleanupTimeout time.Duration

	// on retry, initial delay
	InitialSleepInterval time.Duration

	// maximum wait on retry
	MaxWaitTime time.Duration
}

// DefaultCleanExemptions lists the system managed resources a fresh namespace carries.
var DefaultCleanExemptions = []string{
	"configmaps/kube-root-ca.crt",
	"configmaps/openshift-service-ca.crt",
	"serviceaccounts/default",
	"serviceaccounts/builder",
	"serviceaccounts/deployer",
	"secrets/*-token-*",
	"secrets/*-dockercfg-*",
	"rolebindings/system:image-pullers",
	"rolebindings/system:image-builders",
	"rolebindings/system:deployers",
	"rolebindings/admin",
}

func DumpConfig(config Configuration) {
	log.Info("Creating Manager with config:")

	log.Infof("   kubeconfig: %s", config.Kubeconfig)
	log.Infof("   clusterURL: %s", config.ClusterURL)
	log.Infof("   clusterVersion: %s", config.ClusterVersion)
	log.Infof("   namespace: %s", config.Namespace)
	log.Infof("   namespacePerTestCase: %t", config.NamespacePerTestCase)
	log.Infof("   namespaceMaxLength: %d", config.NamespaceMaxLength)
	log.Infof("   cleanExemptions: %s", strings.Join(config.CleanExemptions, ","))
	log.Infof("   cleanupOnFinish: %t", config.CleanupOnFinish)
	log.Infof("   binaryPath: %s", config.BinaryPath)
	log.Infof("   binaryFlavor: %s", config.BinaryFlavor)
	log.Infof("   binaryCacheEnabled: %t", config.BinaryCacheEnabled)
	log.Infof("   binaryCachePath: %s", config.BinaryCachePath)
	log.Infof("   binaryMirrorURL: %s", config.BinaryMirrorURL)
	log.Infof("   binaryOCIRepository: %s", config.BinaryOCIRepository)
	log.Infof("   waitTimeout: %s", config.WaitTimeout)
	log.Infof("   waitInterval: %s", config.WaitInterval)
	log.Infof("   cleanupTimeout: %s", config.CleanupTimeout)
	log.Infof("   initialSleepInterval: %s", config.InitialSleepInterval)
	log.Infof("   maxWaitTime: %s", config.MaxWaitTime)
}

func InitConfig() (Configuration, error) {
	config := Configuration{}
	config.Kubeconfig = os.Getenv("KUBECONFIG")
	config.ClusterURL = os.Getenv("CLUSTER_URL")
	config.ClusterToken = os.Getenv("CLUSTER_TOKEN")
	config.ClusterVersion = os.Getenv("CLUSTER_VERSION")
	config.Namespace = os.Getenv("TEST_NAMESPACE")
	config.BinaryPath = os.Getenv("CLIENT_BINARY_PATH")
	config.BinaryFlavor = os.Getenv("CLIENT_BINARY_FLAVOR")
	config.BinaryCachePath = os.Getenv("CLIENT_BINARY_CACHE_PATH")
	config.BinaryMirrorURL = os.Getenv("CLIENT_BINARY_MIRROR_URL")
	config.BinaryOCIRepository = os.Getenv("CLIENT_BINARY_OCI_REPOSITORY")

	if config.Namespace == "" {
		config.Namespace = "olm-test-" + uuid.NewString()[:8]
	}
	if config.BinaryFlavor == "" {
		config.BinaryFlavor = FlavorOC
	}
	if config.BinaryFlavor != FlavorOC && config.BinaryFlavor != FlavorKubectl {
		log.Errorf("Invalid client binary flavor %s", config.BinaryFlavor)
		return config, fmt.Errorf("invalid client binary flavor %q, expected %s or %s", config.BinaryFlavor, FlavorOC, FlavorKubectl)
	}
	if config.BinaryCachePath == "" {
		config.BinaryCachePath = filepath.Join(os.TempDir(), "olm-provisioner", "clients")
	}

	if exemptions := os.Getenv("NAMESPACE_CLEAN_EXEMPTIONS"); exemptions != "" {
		for _, e := range strings.Split(exemptions, ",") {
			if e = strings.TrimSpace(e); e != "" {
				config.CleanExemptions = append(config.CleanExemptions, e)
			}
		}
	} else {
		config.CleanExemptions = append([]string{}, DefaultCleanExemptions...)
	}

	var err error

	if config.NamespacePerTestCase, err = boolEnv("NAMESPACE_PER_TESTCASE", false); err != nil {
		return config, err
	}
	if config.CleanupOnFinish, err = boolEnv("CLEANUP_ON_FINISH", true); err != nil {
		return config, err
	}
	if config.BinaryCacheEnabled, err = boolEnv("CLIENT_BINARY_CACHE_ENABLED", true); err != nil {
		return config, err
	}

	if config.NamespaceMaxLength, err = intEnv("NAMESPACE_MAX_LENGTH", DefaultNamespaceMaxLength); err != nil {
		return config, err
	}
	if config.NamespaceMaxLength < minNamespaceMaxLength || config.NamespaceMaxLength > maxNamespaceMaxLength {
		log.Errorf("Namespace max length %d out of range", config.NamespaceMaxLength)
		return config, fmt.Errorf("namespace max length %d must be between %d and %d",
			config.NamespaceMaxLength, minNamespaceMaxLength, maxNamespaceMaxLength)
	}

	if config.WaitTimeout, err = secondsEnv("WAIT_TIMEOUT", 300); err != nil {
		return config, err
	}
	if config.WaitInterval, err = secondsEnv("WAIT_INTERVAL", 5); err != nil {
		return config, err
	}
	if config.CleanupTimeout, err = secondsEnv("NAMESPACE_CLEANUP_TIMEOUT", 120); err != nil {
		return config, err
	}
	if config.InitialSleepInterval, err = secondsEnv("INITIAL_SLEEP_INTERVAL", 5); err != nil {
		return config, err
	}
	if config.MaxWaitTime, err = secondsEnv("MAX_WAIT_TIME", 60); err != nil {
		return config, err
	}

	if config.WaitInterval <= 0 {
		log.Errorf("Wait interval %s must be positive", config.WaitInterval)
		return config, fmt.Errorf("invalid wait interval %s must be at least one second", config.WaitInterval)
	}
	if config.InitialSleepInterval <= 0 {
		log.Errorf("Sleep interval %s must be positive", config.InitialSleepInterval)
		return config, fmt.Errorf("invalid sleep interval %s must be at least one second", config.InitialSleepInterval)
	}
	if config.WaitInterval > config.WaitTimeout {
		log.Errorf("Wait interval %s must be less than wait timeout %s", config.WaitInterval, config.WaitTimeout)
		return config, fmt.Errorf("invalid wait interval %s must be less than wait timeout %s", config.WaitInterval, config.WaitTimeout)
	}
	if config.InitialSleepInterval > config.MaxWaitTime {
		log.Errorf("Sleep interval %s must be less than max wait time %s", config.InitialSleepInterval, config.MaxWaitTime)
		return config, fmt.Errorf("invalid sleep interval %s must be less than max wait time %s", config.InitialSleepInterval, config.MaxWaitTime)
	}
	return config, nil
}

func intEnv(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		log.Errorf("Invalid %s %s", name, s)
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func secondsEnv(name string, def int) (time.Duration, error) {
	v, err := intEnv(name, def)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: negative duration %d", name, v)
	}
	return time.Duration(v) * time.Second, nil
}

func boolEnv(name string, def bool) (bool, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		log.Errorf("Invalid %s %s", name, s)
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
