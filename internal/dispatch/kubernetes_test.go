package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"necrocode/internal/config"
)

func k8sLaunchSpec() LaunchSpec {
	return LaunchSpec{
		RunnerID:      "runner-123",
		SpecName:      "demo",
		TaskID:        "1.2",
		Title:         "Add parser",
		RequiredSkill: "backend",
		WorkspacePath: "/srv/workspaces/backend/worktrees/slot-0",
		BranchName:    "feature/task-demo-1-2-add-parser",
		Pool: config.AgentPool{
			Name:          "k8s-backend",
			Type:          config.PoolKubernetes,
			CPUQuota:      1.5,
			MemoryQuotaMB: 2048,
			TypeConfig: map[string]string{
				"image":              "necrocode/runner:latest",
				"service_account":    "necrocode-runner",
				"credentials_secret": "codegen-credentials",
			},
		},
	}
}

func TestBuildJobManifest(t *testing.T) {
	k := NewKubernetesLauncher("ci", "", nil)
	job, err := k.BuildJob(k8sLaunchSpec())
	require.NoError(t, err)

	assert.Equal(t, "runner-123", job.Name)
	assert.Equal(t, "ci", job.Namespace)
	assert.Equal(t, "demo", job.Labels["necrocode.io/spec"])
	assert.Equal(t, "1-2", job.Labels["necrocode.io/task"], "dots are not DNS-1123 safe in label values we key on")

	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit, "retry policy belongs to the dispatcher, not the cluster")

	pod := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	assert.Equal(t, "necrocode-runner", pod.ServiceAccountName)

	require.Len(t, pod.Containers, 1)
	ctr := pod.Containers[0]
	assert.Equal(t, "necrocode/runner:latest", ctr.Image)
	assert.Equal(t, "2048Mi", ctr.Resources.Limits.Memory().String())
	assert.Equal(t, "1500m", ctr.Resources.Limits.Cpu().String())

	require.Len(t, pod.Volumes, 1)
	require.NotNil(t, pod.Volumes[0].HostPath)
	assert.Equal(t, "/srv/workspaces/backend/worktrees/slot-0", pod.Volumes[0].HostPath.Path)
}

func TestBuildJobEnvContract(t *testing.T) {
	k := NewKubernetesLauncher("", "", nil)
	job, err := k.BuildJob(k8sLaunchSpec())
	require.NoError(t, err)

	env := map[string]corev1.EnvVar{}
	for _, v := range job.Spec.Template.Spec.Containers[0].Env {
		env[v.Name] = v
	}

	assert.Equal(t, "demo", env["NECROCODE_SPEC_NAME"].Value)
	assert.Equal(t, "1.2", env["NECROCODE_TASK_ID"].Value)
	assert.Equal(t, "runner-123", env["NECROCODE_RUNNER_ID"].Value)
	assert.Equal(t, "/workspace", env["NECROCODE_WORKSPACE"].Value, "in-pod path, not the host path")

	token, ok := env["NECROCODE_CODEGEN_TOKEN"]
	require.True(t, ok)
	require.NotNil(t, token.ValueFrom)
	assert.Equal(t, "codegen-credentials", token.ValueFrom.SecretKeyRef.Name)
}

func TestBuildJobMountsRegistry(t *testing.T) {
	k := NewKubernetesLauncher("", "/srv/necrocode/registry", nil)
	job, err := k.BuildJob(k8sLaunchSpec())
	require.NoError(t, err)

	pod := job.Spec.Template.Spec
	require.Len(t, pod.Volumes, 2)
	require.NotNil(t, pod.Volumes[1].HostPath)
	assert.Equal(t, "/srv/necrocode/registry", pod.Volumes[1].HostPath.Path)

	ctr := pod.Containers[0]
	require.Len(t, ctr.VolumeMounts, 2)
	assert.Equal(t, "/necrocode/registry", ctr.VolumeMounts[1].MountPath)

	env := map[string]string{}
	for _, v := range ctr.Env {
		env[v.Name] = v.Value
	}
	assert.Equal(t, "/necrocode/registry", env["NECROCODE_REGISTRY_BASE_PATH"], "the runner opens the registry at the in-pod mount")
	assert.Equal(t, "false", env["NECROCODE_REPORT_COMPLETION"], "the dispatcher owns the terminal transition")
}

func TestBuildJobRequiresImage(t *testing.T) {
	k := NewKubernetesLauncher("", "", nil)
	spec := k8sLaunchSpec()
	spec.Pool.TypeConfig = nil

	_, err := k.BuildJob(spec)
	assert.ErrorContains(t, err, "no image configured")
}
