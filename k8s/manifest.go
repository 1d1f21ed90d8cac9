package k8s

import (
	"fmt"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/basetenlabs/avatar-generation-app-tutorial/models"
)

const (
	trainJobSuffix = "-train"
	modelSuffix    = "-model"

	modelPort = 8080

	runIDLabel        = "finetune-run-id"
	runNameAnnotation = "finetune-run-name"
)

func trainJobName(runID string) string { return runID + trainJobSuffix }

// ModelName is the deployed-model handle for a run: the name shared by the
// model Deployment and its Service.
func ModelName(runID string) string { return runID + modelSuffix }

// buildTrainingJob builds the Job that runs the dreambooth fine-tune. The
// trainer writes weights where the model server's init container waits for
// them, so the Deployment can be created up-front alongside the Job.
func buildTrainingJob(runID, displayName, namespace, image string, cfg models.FineTuneConfig) *batchv1.Job {
	backoffLimit := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      trainJobName(runID),
			Namespace: namespace,
			Labels: map[string]string{
				"app":      trainJobName(runID),
				runIDLabel: runID,
			},
			Annotations: map[string]string{
				runNameAnnotation: displayName,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{runIDLabel: runID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "trainer",
							Image: image,
							Env: []corev1.EnvVar{
								{Name: "INSTANCE_PROMPT", Value: cfg.InstancePrompt},
								{Name: "DATASET_URL", Value: cfg.DatasetURL},
								{Name: "MAX_TRAIN_STEPS", Value: strconv.Itoa(cfg.MaxTrainSteps)},
								{Name: "TRAIN_TEXT_ENCODER", Value: strconv.FormatBool(cfg.TrainTextEncoder)},
								{Name: "MODEL_NAME", Value: ModelName(runID)},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("2"),
									corev1.ResourceMemory: resource.MustParse("8Gi"),
								},
							},
						},
					},
				},
			},
		},
	}
}

// buildModelDeployment builds the inference Deployment for a run's model.
// Readiness of this Deployment is what gates MODEL_READY.
func buildModelDeployment(runID, namespace, image string) *appsv1.Deployment {
	name := ModelName(runID)
	replicas := int32(1)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				"app":      name,
				runIDLabel: runID,
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": name, runIDLabel: runID},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "model",
							Image: image,
							Env: []corev1.EnvVar{
								{Name: "MODEL_NAME", Value: name},
							},
							Ports: []corev1.ContainerPort{
								{ContainerPort: modelPort},
							},
							ReadinessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									HTTPGet: &corev1.HTTPGetAction{
										Path: "/healthz",
										Port: intstr.FromInt32(modelPort),
									},
								},
								InitialDelaySeconds: 10,
								PeriodSeconds:       10,
							},
						},
					},
				},
			},
		},
	}
}

// buildModelService builds the Service fronting the model Deployment.
func buildModelService(runID, namespace string) *corev1.Service {
	name := ModelName(runID)
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				"app":      name,
				runIDLabel: runID,
			},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{
				{
					Port:       80,
					TargetPort: intstr.FromInt32(modelPort),
				},
			},
		},
	}
}

// modelEndpoint is the in-cluster URL for a deployed model's predict
// route.
func modelEndpoint(modelName, namespace string) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local/predict", modelName, namespace)
}
