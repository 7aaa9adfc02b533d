package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	sigsyaml "sigs.k8s.io/yaml"

	"necrocode/internal/config"
	"necrocode/internal/logging"
	"necrocode/internal/subprocess"
)

// KubernetesLauncher runs runners as batch Jobs. Manifests are built
// from typed API objects and applied through kubectl, so the dispatcher
// needs no in-cluster credentials beyond a working kubeconfig.
type KubernetesLauncher struct {
	Logger    logging.Logger
	Namespace string
	// RegistryPath is the host registry directory mounted into runner
	// pods. Like the workspace mount it is a hostPath, which assumes
	// runner pods are scheduled on the dispatcher's node.
	RegistryPath string
	// Kubectl overrides the binary, for test doubles.
	Kubectl string
}

const registryMountPath = "/necrocode/registry"

// NewKubernetesLauncher builds the KUBERNETES launcher.
func NewKubernetesLauncher(namespace, registryPath string, log logging.Logger) *KubernetesLauncher {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesLauncher{
		Logger:       logging.OrNop(log),
		Namespace:    namespace,
		RegistryPath: registryPath,
		Kubectl:      "kubectl",
	}
}

// BuildJob renders the Job manifest for a launch.
func (k *KubernetesLauncher) BuildJob(spec LaunchSpec) (*batchv1.Job, error) {
	image := spec.Pool.TypeConfig["image"]
	if image == "" {
		return nil, fmt.Errorf("kubernetes launcher: pool %s has no image configured", spec.Pool.Name)
	}

	env := runnerEnv(spec)
	env["NECROCODE_WORKSPACE"] = "/workspace"
	if k.RegistryPath != "" {
		env["NECROCODE_REGISTRY_BASE_PATH"] = registryMountPath
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	envVars := make([]corev1.EnvVar, 0, len(env))
	for _, name := range names {
		envVars = append(envVars, corev1.EnvVar{Name: name, Value: env[name]})
	}
	if secretName := spec.Pool.TypeConfig["credentials_secret"]; secretName != "" {
		envVars = append(envVars, corev1.EnvVar{
			Name: "NECROCODE_CODEGEN_TOKEN",
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: secretName},
					Key:                  "codegen-token",
				},
			},
		})
	}

	limits := corev1.ResourceList{}
	if spec.Pool.MemoryQuotaMB > 0 {
		limits[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dMi", spec.Pool.MemoryQuotaMB))
	}
	if spec.Pool.CPUQuota > 0 {
		limits[corev1.ResourceCPU] = resource.MustParse(fmt.Sprintf("%dm", int(spec.Pool.CPUQuota*1000)))
	}

	mounts := []corev1.VolumeMount{{Name: "workspace", MountPath: "/workspace"}}
	volumes := []corev1.Volume{{
		Name: "workspace",
		VolumeSource: corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: spec.WorkspacePath},
		},
	}}
	if k.RegistryPath != "" {
		mounts = append(mounts, corev1.VolumeMount{Name: "registry", MountPath: registryMountPath})
		volumes = append(volumes, corev1.Volume{
			Name: "registry",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: k.RegistryPath},
			},
		})
	}

	backoffLimit := int32(0)
	ttl := int32(3600)
	job := &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.RunnerID,
			Namespace: k.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/name": "necrocode-runner",
				"necrocode.io/spec":      spec.SpecName,
				"necrocode.io/task":      strings.ReplaceAll(spec.TaskID, ".", "-"),
				"necrocode.io/pool":      spec.Pool.Name,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app.kubernetes.io/name": "necrocode-runner"},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: spec.Pool.TypeConfig["service_account"],
					Containers: []corev1.Container{{
						Name:            "runner",
						Image:           image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Env:             envVars,
						Resources:       corev1.ResourceRequirements{Limits: limits},
						VolumeMounts:    mounts,
					}},
					Volumes: volumes,
				},
			},
		},
	}
	return job, nil
}

func (k *KubernetesLauncher) Launch(ctx context.Context, spec LaunchSpec) (*RunnerHandle, error) {
	job, err := k.BuildJob(spec)
	if err != nil {
		return nil, err
	}
	manifest, err := sigsyaml.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("render job manifest: %w", err)
	}

	res, err := k.kubectl(ctx, string(manifest), "apply", "-f", "-")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("kubectl apply failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	k.Logger.Info("launched runner %s as job %s/%s", spec.RunnerID, k.Namespace, job.Name)
	return &RunnerHandle{
		RunnerID: spec.RunnerID,
		PoolName: spec.Pool.Name,
		Mode:     config.PoolKubernetes,
		JobName:  job.Name,
	}, nil
}

// Status reads the Job's completion counters. A deleted job reads as a
// failed exit so its task goes through retry policy.
func (k *KubernetesLauncher) Status(ctx context.Context, handle *RunnerHandle) (*RunnerStatus, error) {
	res, err := k.kubectl(ctx, "", "get", "job", handle.JobName,
		"--namespace", k.Namespace,
		"--output", "jsonpath={.status.succeeded}/{.status.failed}")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "NotFound") || strings.Contains(res.Stderr, "not found") {
			return &RunnerStatus{Finished: true, Reason: "job no longer exists"}, nil
		}
		return nil, fmt.Errorf("kubectl get job failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	succeeded, failed, ok := strings.Cut(strings.TrimSpace(res.Stdout), "/")
	if !ok {
		return nil, fmt.Errorf("kubectl get job: unexpected output %q", strings.TrimSpace(res.Stdout))
	}
	switch {
	case succeeded != "" && succeeded != "0":
		return &RunnerStatus{Finished: true, Success: true}, nil
	case failed != "" && failed != "0":
		return &RunnerStatus{Finished: true, Reason: "job failed"}, nil
	default:
		return &RunnerStatus{}, nil
	}
}

func (k *KubernetesLauncher) Terminate(ctx context.Context, handle *RunnerHandle) error {
	res, err := k.kubectl(ctx, "", "delete", "job", handle.JobName, "--namespace", k.Namespace, "--ignore-not-found")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("kubectl delete failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (k *KubernetesLauncher) kubectl(ctx context.Context, stdin string, args ...string) (*subprocess.Result, error) {
	cfg := subprocess.Config{Command: k.Kubectl, Args: args}
	if stdin == "" {
		return subprocess.Run(ctx, cfg)
	}
	return subprocess.RunWithInput(ctx, cfg, []byte(stdin))
}
