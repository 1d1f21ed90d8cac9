package k8s

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/basetenlabs/avatar-generation-app-tutorial/apierr"
	"github.com/basetenlabs/avatar-generation-app-tutorial/config"
	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
	"github.com/basetenlabs/avatar-generation-app-tutorial/models"
	"github.com/basetenlabs/avatar-generation-app-tutorial/runstate"
)

// Platform runs fine-tunes inside a Kubernetes cluster: the training run
// is a Job, the deployed model a Deployment fronted by a Service. It
// satisfies the same adapter contract as the HTTP platform client.
type Platform struct {
	clientset    kubernetes.Interface
	namespace    string
	trainerImage string
	modelImage   string
	httpc        *http.Client
	log          *logger.Logger
}

// NewClientset builds a Kubernetes clientset from the given kubeconfig,
// falling back to in-cluster config when the path is empty.
func NewClientset(kubeconfig string) (*kubernetes.Clientset, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return clientset, nil
}

// NewPlatform creates a new Kubernetes platform adapter.
func NewPlatform(clientset kubernetes.Interface, cfg config.PlatformConfig, baseLog *logger.Logger) *Platform {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Platform{
		clientset:    clientset,
		namespace:    cfg.Namespace,
		trainerImage: cfg.TrainerImage,
		modelImage:   cfg.ModelImage,
		httpc:        &http.Client{Timeout: timeout},
		log:          baseLog.With("component", "K8sPlatform"),
	}
}

// SubmitJob creates the training Job plus the model Deployment and
// Service for a new run and returns the run id. The Deployment only turns
// ready once the trainer has produced weights, so creating everything
// up-front keeps submission a single step.
func (p *Platform) SubmitJob(ctx context.Context, cfg models.FineTuneConfig, name string) (string, error) {
	runID := "ft-" + uuid.New().String()[:8]

	job := buildTrainingJob(runID, name, p.namespace, p.trainerImage, cfg)
	if _, err := p.clientset.BatchV1().Jobs(p.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", apierr.Submission(fmt.Errorf("failed to create training job: %w", err))
	}

	deployment := buildModelDeployment(runID, p.namespace, p.modelImage)
	if _, err := p.clientset.AppsV1().Deployments(p.namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		// Roll the Job back so a failed submission leaves nothing running.
		_ = p.clientset.BatchV1().Jobs(p.namespace).Delete(ctx, job.Name, metav1.DeleteOptions{})
		return "", apierr.Submission(fmt.Errorf("failed to create model deployment: %w", err))
	}

	service := buildModelService(runID, p.namespace)
	if _, err := p.clientset.CoreV1().Services(p.namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil {
		_ = p.clientset.AppsV1().Deployments(p.namespace).Delete(ctx, deployment.Name, metav1.DeleteOptions{})
		_ = p.clientset.BatchV1().Jobs(p.namespace).Delete(ctx, job.Name, metav1.DeleteOptions{})
		return "", apierr.Submission(fmt.Errorf("failed to create model service: %w", err))
	}

	p.log.Info("Created fine-tuning resources", "run_id", runID, "namespace", p.namespace, "name", name)
	return runID, nil
}

// PollStatus maps the Job's conditions and the model Deployment's
// readiness onto the snapshot contract. A Job that has vanished reports
// UNKNOWN rather than an error, matching the optimistic treatment of
// unreliable status sources.
func (p *Platform) PollStatus(ctx context.Context, runID string) (runstate.Snapshot, error) {
	job, err := p.clientset.BatchV1().Jobs(p.namespace).Get(ctx, trainJobName(runID), metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return runstate.Snapshot{Status: runstate.JobUnknown}, nil
		}
		return runstate.Snapshot{}, classifyAPIError(err)
	}

	snap := runstate.Snapshot{Status: jobStatus(job)}

	deployment, err := p.clientset.AppsV1().Deployments(p.namespace).Get(ctx, ModelName(runID), metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return snap, nil
		}
		return runstate.Snapshot{}, classifyAPIError(err)
	}

	modelState := runstate.ModelPending
	if deployment.Status.ReadyReplicas > 0 {
		modelState = runstate.ModelReady
	} else if deploymentFailed(deployment.Status.Conditions) {
		modelState = runstate.ModelFailed
	}
	snap.DeployedModel = &runstate.DeployedModel{
		ModelID: deployment.Name,
		Status:  modelState,
	}
	return snap, nil
}

// InvokeDeployedModel posts the prompt to the model's in-cluster Service
// and returns the output reference.
func (p *Platform) InvokeDeployedModel(ctx context.Context, modelID, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, modelEndpoint(modelID, p.namespace), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return "", apierr.Timeout(fmt.Errorf("model request timed out: %w", err))
		}
		return "", apierr.NotReady(string(runstate.StateTraining),
			fmt.Errorf("model %s is not reachable: %w", modelID, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusNotFound {
		return "", apierr.NotReady(string(runstate.StateTraining),
			fmt.Errorf("model %s is not ready (status %d)", modelID, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", apierr.Unavailable(fmt.Errorf("model invocation returned status %d", resp.StatusCode))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apierr.Unavailable(fmt.Errorf("failed to decode model response: %w", err))
	}
	return out.URL, nil
}

func jobStatus(job *batchv1.Job) runstate.JobStatus {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return runstate.JobReady
		case batchv1.JobFailed:
			return runstate.JobFailed
		}
	}
	return runstate.JobTraining
}

func deploymentFailed(conditions []appsv1.DeploymentCondition) bool {
	for _, cond := range conditions {
		if cond.Type == appsv1.DeploymentReplicaFailure && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func classifyAPIError(err error) error {
	if k8serrors.IsTimeout(err) || k8serrors.IsServerTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Timeout(fmt.Errorf("kubernetes API timed out: %w", err))
	}
	return apierr.Unavailable(fmt.Errorf("kubernetes API failed: %w", err))
}
