package k8s

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/basetenlabs/avatar-generation-app-tutorial/config"
	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
	"github.com/basetenlabs/avatar-generation-app-tutorial/models"
	"github.com/basetenlabs/avatar-generation-app-tutorial/runstate"
)

func testConfig() config.PlatformConfig {
	return config.PlatformConfig{
		Namespace:    "finetune",
		TrainerImage: "trainer:test",
		ModelImage:   "model:test",
		Timeout:      time.Second,
	}
}

func newTestPlatform(clientset *fake.Clientset) *Platform {
	return NewPlatform(clientset, testConfig(), logger.NewNop())
}

func fineTuneConfig() models.FineTuneConfig {
	return models.FineTuneConfig{
		InstancePrompt:   "a photo of sks dog",
		DatasetURL:       "https://x/data.zip",
		TrainTextEncoder: models.DefaultTrainTextEncoder,
		MaxTrainSteps:    models.DefaultMaxTrainSteps,
	}
}

func TestSubmitJobCreatesResources(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	p := newTestPlatform(clientset)
	ctx := context.Background()

	runID, err := p.SubmitJob(ctx, fineTuneConfig(), "u1 training run 01/02/2026, 10:00:00")
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	job, err := clientset.BatchV1().Jobs("finetune").Get(ctx, trainJobName(runID), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "u1 training run 01/02/2026, 10:00:00", job.Annotations[runNameAnnotation])
	assert.Equal(t, runID, job.Labels[runIDLabel])

	trainer := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "trainer:test", trainer.Image)
	env := map[string]string{}
	for _, e := range trainer.Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "a photo of sks dog", env["INSTANCE_PROMPT"])
	assert.Equal(t, "https://x/data.zip", env["DATASET_URL"])
	assert.Equal(t, "1300", env["MAX_TRAIN_STEPS"])
	assert.Equal(t, "false", env["TRAIN_TEXT_ENCODER"])

	_, err = clientset.AppsV1().Deployments("finetune").Get(ctx, ModelName(runID), metav1.GetOptions{})
	require.NoError(t, err)
	_, err = clientset.CoreV1().Services("finetune").Get(ctx, ModelName(runID), metav1.GetOptions{})
	require.NoError(t, err)
}

func setJobCondition(t *testing.T, clientset *fake.Clientset, runID string, condType batchv1.JobConditionType) {
	t.Helper()
	ctx := context.Background()
	job, err := clientset.BatchV1().Jobs("finetune").Get(ctx, trainJobName(runID), metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Conditions = []batchv1.JobCondition{
		{Type: condType, Status: corev1.ConditionTrue},
	}
	_, err = clientset.BatchV1().Jobs("finetune").UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func setModelReady(t *testing.T, clientset *fake.Clientset, runID string) {
	t.Helper()
	ctx := context.Background()
	deployment, err := clientset.AppsV1().Deployments("finetune").Get(ctx, ModelName(runID), metav1.GetOptions{})
	require.NoError(t, err)
	deployment.Status.ReadyReplicas = 1
	_, err = clientset.AppsV1().Deployments("finetune").UpdateStatus(ctx, deployment, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestPollStatusLifecycle(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	p := newTestPlatform(clientset)
	ctx := context.Background()

	runID, err := p.SubmitJob(ctx, fineTuneConfig(), "run")
	require.NoError(t, err)

	// Freshly created: job has no conditions, deployment no ready pods.
	snap, err := p.PollStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runstate.JobTraining, snap.Status)
	require.NotNil(t, snap.DeployedModel)
	assert.Equal(t, runstate.ModelPending, snap.DeployedModel.Status)
	assert.Equal(t, runstate.StateTraining, runstate.Derive(true, snap))

	// Job complete but model not yet serving: still training.
	setJobCondition(t, clientset, runID, batchv1.JobComplete)
	snap, err = p.PollStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runstate.JobReady, snap.Status)
	assert.Equal(t, runstate.StateTraining, runstate.Derive(true, snap))

	// Model serving: deployed.
	setModelReady(t, clientset, runID)
	snap, err = p.PollStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runstate.ModelReady, snap.DeployedModel.Status)
	assert.Equal(t, ModelName(runID), snap.DeployedModel.ModelID)
	assert.Equal(t, runstate.StateDeployed, runstate.Derive(true, snap))
}

func TestPollStatusFailedJob(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	p := newTestPlatform(clientset)
	ctx := context.Background()

	runID, err := p.SubmitJob(ctx, fineTuneConfig(), "run")
	require.NoError(t, err)
	setJobCondition(t, clientset, runID, batchv1.JobFailed)

	snap, err := p.PollStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runstate.JobFailed, snap.Status)
	assert.Equal(t, runstate.StateFailed, runstate.Derive(true, snap))
}

func TestPollStatusMissingJobIsUnknown(t *testing.T) {
	p := newTestPlatform(fake.NewSimpleClientset())

	snap, err := p.PollStatus(context.Background(), "ft-gone")
	require.NoError(t, err)
	assert.Equal(t, runstate.JobUnknown, snap.Status)
	assert.Nil(t, snap.DeployedModel)
}

func TestDeploymentFailureMapsToModelFailed(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	p := newTestPlatform(clientset)
	ctx := context.Background()

	runID, err := p.SubmitJob(ctx, fineTuneConfig(), "run")
	require.NoError(t, err)

	deployment, err := clientset.AppsV1().Deployments("finetune").Get(ctx, ModelName(runID), metav1.GetOptions{})
	require.NoError(t, err)
	deployment.Status.Conditions = []appsv1.DeploymentCondition{
		{Type: appsv1.DeploymentReplicaFailure, Status: corev1.ConditionTrue},
	}
	_, err = clientset.AppsV1().Deployments("finetune").UpdateStatus(ctx, deployment, metav1.UpdateOptions{})
	require.NoError(t, err)

	snap, err := p.PollStatus(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, snap.DeployedModel)
	assert.Equal(t, runstate.ModelFailed, snap.DeployedModel.Status)
	assert.Equal(t, runstate.StateFailed, runstate.Derive(true, snap))
}
