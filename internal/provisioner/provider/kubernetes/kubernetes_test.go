// SPDX-License-Identifier: MIT

package kubernetes_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/webgrid/webgrid/internal/provisioner/provider"
	"github.com/webgrid/webgrid/internal/provisioner/provider/kubernetes"
)

const sessionID = "11111111-1111-1111-1111-111111111111"

func TestProvisionCreatesLabelledPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	p := kubernetes.NewWithClient(client, "grid")

	cont, err := p.Provision(t.Context(), provider.Request{
		SessionID: sessionID,
		Image:     "webgrid/node-chrome:99.0",
		Env:       []string{"WEBGRID_SESSION_ID=" + sessionID, "WEBGRID_REDIS_URL=redis://redis:6379"},
	})
	require.NoError(t, err)
	assert.Equal(t, "webgrid-session-"+sessionID, cont.ID)

	pod, err := client.CoreV1().Pods("grid").Get(t.Context(), cont.ID, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "true", pod.Labels[provider.LabelManaged])
	assert.Equal(t, sessionID, pod.Labels[provider.LabelSessionID])
	require.Len(t, pod.Spec.Containers, 1)
	assert.Equal(t, "webgrid/node-chrome:99.0", pod.Spec.Containers[0].Image)
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)

	env := map[string]string{}
	for _, e := range pod.Spec.Containers[0].Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, sessionID, env["WEBGRID_SESSION_ID"])
}

func TestListReportsFailedPods(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "webgrid-session-" + sessionID,
			Namespace: "grid",
			Labels: map[string]string{
				provider.LabelManaged:   "true",
				provider.LabelSessionID: sessionID,
			},
		},
		Status: corev1.PodStatus{Phase: corev1.PodFailed},
	})
	p := kubernetes.NewWithClient(client, "grid")

	containers, err := p.List(t.Context())
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, sessionID, containers[0].SessionID)
	assert.True(t, containers[0].Failed)
}

func TestTerminateDeletesPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	p := kubernetes.NewWithClient(client, "grid")

	cont, err := p.Provision(t.Context(), provider.Request{SessionID: sessionID, Image: "img"})
	require.NoError(t, err)
	require.NoError(t, p.Terminate(t.Context(), cont.ID))

	containers, err := p.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, containers)
}
