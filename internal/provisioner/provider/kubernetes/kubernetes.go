// SPDX-License-Identifier: MIT

// Package kubernetes launches session workloads as pods. One pod per
// session, labelled for rediscovery, no controller ownership: the
// provisioner's garbage policy is the only reaper.
package kubernetes

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/provisioner/provider"
)

// Provider implements provider.Provider on the Kubernetes API.
type Provider struct {
	client    kubernetes.Interface
	namespace string
	logger    zerolog.Logger
}

// New builds a provider on the in-cluster configuration.
func New(namespace string) (*Provider, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewWithClient(client, namespace), nil
}

// NewWithClient wraps an existing clientset. Used by tests.
func NewWithClient(client kubernetes.Interface, namespace string) *Provider {
	return &Provider{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("provider.kubernetes"),
	}
}

// Provision creates one session pod.
func (p *Provider) Provision(ctx context.Context, req provider.Request) (provider.Container, error) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: podName(req.SessionID),
			Labels: map[string]string{
				provider.LabelManaged:   "true",
				provider.LabelSessionID: req.SessionID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  "session",
				Image: req.Image,
				Env:   toEnvVars(req.Env),
			}},
		},
	}

	created, err := p.client.CoreV1().Pods(p.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return provider.Container{}, fmt.Errorf("create pod for session %s: %w", req.SessionID, err)
	}

	p.logger.Info().
		Str(log.FieldSessionID, req.SessionID).
		Str("pod", created.Name).
		Str("image", req.Image).
		Msg("pod created")
	return provider.Container{
		ID:        created.Name,
		SessionID: req.SessionID,
		CreatedAt: created.CreationTimestamp.Time,
	}, nil
}

// Terminate deletes one session pod.
func (p *Provider) Terminate(ctx context.Context, id string) error {
	if err := p.client.CoreV1().Pods(p.namespace).Delete(ctx, id, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("delete pod %s: %w", id, err)
	}
	return nil
}

// List returns every managed session pod.
func (p *Provider) List(ctx context.Context) ([]provider.Container, error) {
	pods, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: provider.LabelManaged + "=true",
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	out := make([]provider.Container, 0, len(pods.Items))
	for _, pod := range pods.Items {
		out = append(out, provider.Container{
			ID:        pod.Name,
			SessionID: pod.Labels[provider.LabelSessionID],
			CreatedAt: pod.CreationTimestamp.Time,
			Failed:    pod.Status.Phase == corev1.PodFailed,
		})
	}
	return out, nil
}

func podName(sessionID string) string {
	return "webgrid-session-" + sessionID
}

func toEnvVars(env []string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(env))
	for _, e := range env {
		name, value, _ := strings.Cut(e, "=")
		out = append(out, corev1.EnvVar{Name: name, Value: value})
	}
	return out
}
