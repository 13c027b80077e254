package workspace

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// JobSpec is one worker dispatch realized as a Kubernetes Job.
type JobSpec struct {
	Target    string
	TaskID    string
	AttemptID string
	// Env is passed through to the worker container; the control-plane
	// token travels here, never in args or labels.
	Env map[string]string
}

// KubeRunner submits worker Jobs and watches them to completion.
type KubeRunner struct {
	client    kubernetes.Interface
	namespace string
	image     string
	logger    *zap.Logger
}

const (
	jobTTLSeconds  = int32(3600)
	jobBackoff     = int32(0)
	jobPollEvery   = 10 * time.Second
	jobWaitDefault = 30 * time.Minute
)

// NewKubeRunner builds the runner from in-cluster config, falling back to
// the local kubeconfig for out-of-cluster development.
func NewKubeRunner(namespace, image, kubeconfig string, logger *zap.Logger) (*KubeRunner, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("workspace: kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("workspace: kubernetes client: %w", err)
	}
	if namespace == "" {
		namespace = "default"
	}
	return &KubeRunner{client: client, namespace: namespace, image: image, logger: logger}, nil
}

// NewKubeRunnerWithClient is the test constructor.
func NewKubeRunnerWithClient(client kubernetes.Interface, namespace, image string, logger *zap.Logger) *KubeRunner {
	return &KubeRunner{client: client, namespace: namespace, image: image, logger: logger}
}

func jobName(spec JobSpec) string {
	name := "leviathan-" + strings.ToLower(spec.AttemptID)
	name = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '-'
	}, name)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

// Submit creates the Job. One pod, no retries at the Job level: attempt
// retry semantics belong to the scheduler, not to kubelet.
func (r *KubeRunner) Submit(ctx context.Context, spec JobSpec) (string, error) {
	env := make([]corev1.EnvVar, 0, len(spec.Env)+3)
	env = append(env,
		corev1.EnvVar{Name: "LEVIATHAN_TARGET", Value: spec.Target},
		corev1.EnvVar{Name: "LEVIATHAN_TASK_ID", Value: spec.TaskID},
		corev1.EnvVar{Name: "LEVIATHAN_ATTEMPT_ID", Value: spec.AttemptID},
	)
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	ttl := jobTTLSeconds
	backoff := jobBackoff
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(spec),
			Namespace: r.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/name":      "leviathan-worker",
				"leviathan.dev/task-id":       sanitizeLabel(spec.TaskID),
				"leviathan.dev/attempt-id":    sanitizeLabel(spec.AttemptID),
				"app.kubernetes.io/component": "worker",
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app.kubernetes.io/name": "leviathan-worker"},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  "worker",
						Image: r.image,
						Env:   env,
					}},
				},
			},
		},
	}

	created, err := r.client.BatchV1().Jobs(r.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("workspace: submit job: %w", err)
	}
	r.logger.Info("worker job submitted",
		zap.String("job", created.Name),
		zap.String("task_id", spec.TaskID),
		zap.String("attempt_id", spec.AttemptID))
	return created.Name, nil
}

// Wait polls the Job until it completes or fails, returning an error on
// failure or deadline.
func (r *KubeRunner) Wait(ctx context.Context, name string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = jobWaitDefault
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(jobPollEvery)
	defer ticker.Stop()
	for {
		job, err := r.client.BatchV1().Jobs(r.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("workspace: poll job %s: %w", name, err)
		}
		if job.Status.Succeeded > 0 {
			return nil
		}
		if job.Status.Failed > 0 {
			return fmt.Errorf("workspace: job %s failed", name)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("workspace: job %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// PodLogs fetches the log of the Job's first pod, for artifact capture.
func (r *KubeRunner) PodLogs(ctx context.Context, jobName string) (string, error) {
	pods, err := r.client.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return "", fmt.Errorf("workspace: list pods for %s: %w", jobName, err)
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("workspace: no pods for job %s", jobName)
	}
	req := r.client.CoreV1().Pods(r.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("workspace: stream logs for %s: %w", jobName, err)
	}
	defer stream.Close()
	data, err := io.ReadAll(io.LimitReader(stream, 4<<20))
	if err != nil {
		return "", fmt.Errorf("workspace: read logs for %s: %w", jobName, err)
	}
	return string(data), nil
}

func sanitizeLabel(v string) string {
	v = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '-'
	}, v)
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}
