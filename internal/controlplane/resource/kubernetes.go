package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	k8sresource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	odooContainerName = "odoo"

	annotationCPUMilli    = "erplane.io/cpu-milli"
	annotationMemoryBytes = "erplane.io/memory-bytes"
)

// KubernetesConfig holds Kubernetes adapter settings.
type KubernetesConfig struct {
	Namespace        string
	Image            string
	StorageClassName string
	KubeconfigPath   string
	KubeContext      string
}

// KubernetesClient runs each instance as a dedicated pod plus a PVC. CPU and
// memory are patched in place through the pod resize subresource so a plan
// change never restarts the pod; storage rides on PVC expansion.
type KubernetesClient struct {
	clients kubernetes.Interface
	cfg     KubernetesConfig
}

// NewKubernetesClient connects using in-cluster config when available, falling
// back to the kubeconfig path.
func NewKubernetesClient(cfg KubernetesConfig) (*KubernetesClient, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		if cfg.KubeconfigPath != "" {
			loadingRules.ExplicitPath = cfg.KubeconfigPath
		}
		overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.KubeContext}
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
	}
	clients, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "erplane"
	}
	return &KubernetesClient{clients: clients, cfg: cfg}, nil
}

func podName(instanceID string) string { return "odoo-" + instanceID }
func pvcName(instanceID string) string { return "odoo-data-" + instanceID }

func cpuQuantity(milli int64) *k8sresource.Quantity {
	return k8sresource.NewMilliQuantity(milli, k8sresource.DecimalSI)
}

func bytesQuantity(b int64) *k8sresource.Quantity {
	return k8sresource.NewQuantity(b, k8sresource.BinarySI)
}

func podResources(a Allocation) corev1.ResourceRequirements {
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    *cpuQuantity(a.CPUMilli),
		corev1.ResourceMemory: *bytesQuantity(a.MemoryBytes),
	}
	return corev1.ResourceRequirements{
		Limits:   limits,
		Requests: limits.DeepCopy(),
	}
}

// Create provisions the PVC and pod for an instance.
func (k *KubernetesClient) Create(ctx context.Context, spec Spec) (Ref, error) {
	storageClass := k.cfg.StorageClassName
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:        pvcName(spec.InstanceID),
			Namespace:   k.cfg.Namespace,
			Labels:      map[string]string{"erplane.io/instance": spec.InstanceID},
			Annotations: allocationAnnotations(spec.Allocation),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *bytesQuantity(spec.Allocation.StorageBytes),
				},
			},
		},
	}
	if storageClass != "" {
		pvc.Spec.StorageClassName = &storageClass
	}
	if _, err := k.clients.CoreV1().PersistentVolumeClaims(k.cfg.Namespace).Create(ctx, pvc, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return Ref{}, fmt.Errorf("create pvc for %s: %w", spec.InstanceID, err)
	}

	if err := k.createPod(ctx, spec.InstanceID, spec.Hostname, spec.Allocation); err != nil {
		return Ref{}, err
	}

	log.Info().
		Str("instance_id", spec.InstanceID).
		Str("pod", podName(spec.InstanceID)).
		Str("allocation", spec.Allocation.String()).
		Msg("Instance pod created")

	return Ref{InstanceID: spec.InstanceID, ContainerID: podName(spec.InstanceID)}, nil
}

func (k *KubernetesClient) createPod(ctx context.Context, instanceID, hostname string, alloc Allocation) error {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        podName(instanceID),
			Namespace:   k.cfg.Namespace,
			Labels:      map[string]string{"erplane.io/instance": instanceID},
			Annotations: allocationAnnotations(alloc),
		},
		Spec: corev1.PodSpec{
			Hostname:      hostname,
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{
				{
					Name:      odooContainerName,
					Image:     k.cfg.Image,
					Resources: podResources(alloc),
					Ports: []corev1.ContainerPort{
						{ContainerPort: odooContainerPort},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "data", MountPath: "/var/lib/odoo"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "data",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: pvcName(instanceID),
						},
					},
				},
			},
		},
	}
	if _, err := k.clients.CoreV1().Pods(k.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create pod for %s: %w", instanceID, err)
	}
	return nil
}

// Observed reads the live pod limits and the PVC storage request.
func (k *KubernetesClient) Observed(ctx context.Context, ref Ref) (Allocation, error) {
	var obs Allocation

	pod, err := k.clients.CoreV1().Pods(k.cfg.Namespace).Get(ctx, podName(ref.InstanceID), metav1.GetOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return obs, fmt.Errorf("get pod for %s: %w", ref.InstanceID, err)
	}
	if err == nil {
		for _, c := range pod.Spec.Containers {
			if c.Name != odooContainerName {
				continue
			}
			obs.CPUMilli = c.Resources.Limits.Cpu().MilliValue()
			obs.MemoryBytes = c.Resources.Limits.Memory().Value()
		}
	}

	pvc, err := k.clients.CoreV1().PersistentVolumeClaims(k.cfg.Namespace).Get(ctx, pvcName(ref.InstanceID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return obs, nil
		}
		return obs, fmt.Errorf("get pvc for %s: %w", ref.InstanceID, err)
	}
	if q, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]; ok {
		obs.StorageBytes = q.Value()
	}
	return obs, nil
}

// ApplyCPUMemory patches the pod in place through the resize subresource.
// Clusters without in-place resize reject the patch as invalid, which maps to
// ErrUpdateIncompatible.
func (k *KubernetesClient) ApplyCPUMemory(ctx context.Context, ref Ref, desired Allocation) error {
	patch := map[string]any{
		"spec": map[string]any{
			"containers": []map[string]any{
				{
					"name": odooContainerName,
					"resources": map[string]any{
						"limits": map[string]string{
							"cpu":    cpuQuantity(desired.CPUMilli).String(),
							"memory": bytesQuantity(desired.MemoryBytes).String(),
						},
						"requests": map[string]string{
							"cpu":    cpuQuantity(desired.CPUMilli).String(),
							"memory": bytesQuantity(desired.MemoryBytes).String(),
						},
					},
				},
			},
		},
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal resize patch: %w", err)
	}

	_, err = k.clients.CoreV1().Pods(k.cfg.Namespace).Patch(ctx,
		podName(ref.InstanceID), types.StrategicMergePatchType, payload,
		metav1.PatchOptions{}, "resize")
	if err != nil {
		if apierrors.IsInvalid(err) || apierrors.IsForbidden(err) {
			return fmt.Errorf("pod resize rejected for %s: %v: %w", ref.InstanceID, err, ErrUpdateIncompatible)
		}
		return fmt.Errorf("resize pod for %s: %w", ref.InstanceID, err)
	}

	if err := k.annotateAllocation(ctx, ref.InstanceID, desired); err != nil {
		log.Warn().Err(err).Str("instance_id", ref.InstanceID).Msg("Failed to record allocation annotation")
	}

	log.Info().
		Str("instance_id", ref.InstanceID).
		Int64("cpu_milli", desired.CPUMilli).
		Int64("memory_bytes", desired.MemoryBytes).
		Msg("In-place pod resize applied")
	return nil
}

// ApplyStorageQuota expands the PVC storage request. Shrinking is not
// supported by Kubernetes and surfaces as a regular error.
func (k *KubernetesClient) ApplyStorageQuota(ctx context.Context, ref Ref, desired Allocation) error {
	pvcs := k.clients.CoreV1().PersistentVolumeClaims(k.cfg.Namespace)
	pvc, err := pvcs.Get(ctx, pvcName(ref.InstanceID), metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get pvc for %s: %w", ref.InstanceID, err)
	}
	pvc.Spec.Resources.Requests[corev1.ResourceStorage] = *bytesQuantity(desired.StorageBytes)
	if _, err := pvcs.Update(ctx, pvc, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update pvc for %s: %w", ref.InstanceID, err)
	}
	return nil
}

// Start recreates the instance pod from the allocation recorded on its PVC.
func (k *KubernetesClient) Start(ctx context.Context, ref Ref) error {
	pvc, err := k.clients.CoreV1().PersistentVolumeClaims(k.cfg.Namespace).Get(ctx, pvcName(ref.InstanceID), metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get pvc for %s: %w", ref.InstanceID, err)
	}
	alloc := allocationFromAnnotations(pvc.Annotations)
	if err := k.createPod(ctx, ref.InstanceID, "", alloc); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return err
	}
	return nil
}

// Stop deletes the instance pod; the PVC and its data remain.
func (k *KubernetesClient) Stop(ctx context.Context, ref Ref) error {
	err := k.clients.CoreV1().Pods(k.cfg.Namespace).Delete(ctx, podName(ref.InstanceID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod for %s: %w", ref.InstanceID, err)
	}
	return nil
}

// Remove deletes the pod and the PVC.
func (k *KubernetesClient) Remove(ctx context.Context, ref Ref) error {
	if err := k.Stop(ctx, ref); err != nil {
		return err
	}
	err := k.clients.CoreV1().PersistentVolumeClaims(k.cfg.Namespace).Delete(ctx, pvcName(ref.InstanceID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pvc for %s: %w", ref.InstanceID, err)
	}
	return nil
}

// State reports the pod phase as a coarse runtime state.
func (k *KubernetesClient) State(ctx context.Context, ref Ref) (RuntimeState, error) {
	pod, err := k.clients.CoreV1().Pods(k.cfg.Namespace).Get(ctx, podName(ref.InstanceID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return StateMissing, nil
		}
		return "", fmt.Errorf("get pod for %s: %w", ref.InstanceID, err)
	}
	if pod.Status.Phase == corev1.PodRunning {
		return StateRunning, nil
	}
	return StateStopped, nil
}

func (k *KubernetesClient) annotateAllocation(ctx context.Context, instanceID string, alloc Allocation) error {
	patch := map[string]any{
		"metadata": map[string]any{
			"annotations": allocationAnnotations(alloc),
		},
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = k.clients.CoreV1().PersistentVolumeClaims(k.cfg.Namespace).Patch(ctx,
		pvcName(instanceID), types.MergePatchType, payload, metav1.PatchOptions{})
	return err
}

func allocationAnnotations(a Allocation) map[string]string {
	return map[string]string{
		annotationCPUMilli:    strconv.FormatInt(a.CPUMilli, 10),
		annotationMemoryBytes: strconv.FormatInt(a.MemoryBytes, 10),
	}
}

func allocationFromAnnotations(ann map[string]string) Allocation {
	var a Allocation
	if v, err := strconv.ParseInt(ann[annotationCPUMilli], 10, 64); err == nil {
		a.CPUMilli = v
	}
	if v, err := strconv.ParseInt(ann[annotationMemoryBytes], 10, 64); err == nil {
		a.MemoryBytes = v
	}
	return a
}
