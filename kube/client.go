// Package kube adapts the cluster control plane: applying manifest sets,
// retargeting a workload image, waiting for rollouts and reaching the
// deployed workload for health verification.
package kube

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
)

const fieldManager = "shiplane"

// Client talks to one cluster in one namespace.
type Client struct {
	clientset kubernetes.Interface
	dyn       dynamic.Interface
	mapper    meta.RESTMapper
	restcfg   *rest.Config
	namespace string
	lggr      *zap.SugaredLogger
}

// NewClient builds a Client from a kubeconfig path and context name. Empty
// values fall back to the standard loading rules and current context.
func NewClient(kubeconfig, kubectx, namespace string, lggr *zap.SugaredLogger) (*Client, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubectx}

	restcfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restcfg)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restcfg)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}

	groupResources, err := restmapper.GetAPIGroupResources(clientset.Discovery())
	if err != nil {
		return nil, fmt.Errorf("discovering API resources: %w", err)
	}

	return newClient(clientset, dyn, restmapper.NewDiscoveryRESTMapper(groupResources), restcfg, namespace, lggr), nil
}

func newClient(
	clientset kubernetes.Interface, dyn dynamic.Interface, mapper meta.RESTMapper,
	restcfg *rest.Config, namespace string, lggr *zap.SugaredLogger,
) *Client {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}

	return &Client{
		clientset: clientset,
		dyn:       dyn,
		mapper:    mapper,
		restcfg:   restcfg,
		namespace: namespace,
		lggr:      lggr,
	}
}

// Namespace returns the namespace the client operates in.
func (c *Client) Namespace() string { return c.namespace }

// ApplyManifests server-side-applies every manifest in dir. Re-applying an
// unchanged set is a no-op, which keeps the stage idempotent.
func (c *Client) ApplyManifests(ctx context.Context, dir string) error {
	objs, err := DecodeManifestDir(dir)
	if err != nil {
		return err
	}

	for _, obj := range objs {
		gvk := obj.GroupVersionKind()
		mapping, err := c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
		if err != nil {
			return fmt.Errorf("mapping %s %s: %w", gvk.Kind, obj.GetName(), err)
		}

		ri := c.dyn.Resource(mapping.Resource)
		var target dynamic.ResourceInterface = ri
		if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
			ns := obj.GetNamespace()
			if ns == "" {
				ns = c.namespace
			}
			target = ri.Namespace(ns)
		}

		c.lggr.Infow("Applying manifest", "kind", gvk.Kind, "name", obj.GetName())
		if _, err := target.Apply(ctx, obj.GetName(), obj, metav1.ApplyOptions{
			FieldManager: fieldManager,
			Force:        true,
		}); err != nil {
			return fmt.Errorf("applying %s %s: %w", gvk.Kind, obj.GetName(), err)
		}
	}

	return nil
}

// SetImage retargets one container of a deployment and returns the image it
// replaced, so a failed rollout can be compensated by reverting.
func (c *Client) SetImage(ctx context.Context, deployment, container, image string) (string, error) {
	deploy, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("getting deployment %s: %w", deployment, err)
	}

	previous := ""
	for _, cont := range deploy.Spec.Template.Spec.Containers {
		if cont.Name == container {
			previous = cont.Image

			break
		}
	}
	if previous == "" {
		return "", fmt.Errorf("deployment %s has no container %q", deployment, container)
	}

	patch := fmt.Sprintf(
		`{"spec":{"template":{"spec":{"containers":[{"name":%q,"image":%q}]}}}}`,
		container, image,
	)
	if _, err := c.clientset.AppsV1().Deployments(c.namespace).Patch(
		ctx, deployment, types.StrategicMergePatchType, []byte(patch),
		metav1.PatchOptions{FieldManager: fieldManager},
	); err != nil {
		return "", fmt.Errorf("patching deployment %s: %w", deployment, err)
	}

	c.lggr.Infow("Updated workload image",
		"deployment", deployment, "container", container, "image", image, "previous", previous)

	return previous, nil
}

// WaitForRollout blocks until the deployment's observed generation has fully
// rolled out or the timeout elapses.
func (c *Client) WaitForRollout(ctx context.Context, deployment string, timeout time.Duration) error {
	err := wait.PollUntilContextTimeout(ctx, 2*time.Second, timeout, true,
		func(ctx context.Context) (bool, error) {
			deploy, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, deployment, metav1.GetOptions{})
			if err != nil {
				return false, err
			}

			want := int32(1)
			if deploy.Spec.Replicas != nil {
				want = *deploy.Spec.Replicas
			}

			done := deploy.Generation <= deploy.Status.ObservedGeneration &&
				deploy.Status.UpdatedReplicas == want &&
				deploy.Status.AvailableReplicas == want

			return done, nil
		})
	if err != nil {
		return fmt.Errorf("waiting for rollout of %s: %w", deployment, err)
	}

	return nil
}

// ServiceEndpoint waits up to waitFor for the service's load balancer to
// expose an ingress and returns it as a URL.
func (c *Client) ServiceEndpoint(ctx context.Context, service string, waitFor time.Duration) (string, error) {
	var endpoint string

	err := wait.PollUntilContextTimeout(ctx, 2*time.Second, waitFor, true,
		func(ctx context.Context) (bool, error) {
			svc, err := c.clientset.CoreV1().Services(c.namespace).Get(ctx, service, metav1.GetOptions{})
			if err != nil {
				return false, err
			}
			if len(svc.Status.LoadBalancer.Ingress) == 0 || len(svc.Spec.Ports) == 0 {
				return false, nil
			}

			ingress := svc.Status.LoadBalancer.Ingress[0]
			host := ingress.Hostname
			if host == "" {
				host = ingress.IP
			}
			if host == "" {
				return false, nil
			}

			endpoint = fmt.Sprintf("http://%s:%d", host, svc.Spec.Ports[0].Port)

			return true, nil
		})
	if err != nil {
		return "", fmt.Errorf("waiting for endpoint of service %s: %w", service, err)
	}

	return endpoint, nil
}

// backingPod picks a running pod behind the service, for port-forwarding.
func (c *Client) backingPod(ctx context.Context, service string) (string, error) {
	svc, err := c.clientset.CoreV1().Services(c.namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("getting service %s: %w", service, err)
	}
	if len(svc.Spec.Selector) == 0 {
		return "", fmt.Errorf("service %s has no selector", service)
	}

	selector := labels.SelectorFromSet(svc.Spec.Selector).String()
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", fmt.Errorf("listing pods for service %s: %w", service, err)
	}

	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			return pod.Name, nil
		}
	}

	return "", fmt.Errorf("no running pod backing service %s", service)
}
