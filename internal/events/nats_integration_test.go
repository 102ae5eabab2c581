//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/raphaelgruber/minutegraph/internal/models"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	return endpoint
}

func TestPublishAndSubscribeRunnable(t *testing.T) {
	url := startNATS(t)

	pub, err := Connect(url, "test.jobs")
	require.NoError(t, err)
	defer pub.Close()

	got := make(chan Event, 4)
	subs, err := pub.SubscribeRunnable(func(ev Event) { got <- ev })
	require.NoError(t, err)
	assert.Len(t, subs, 3)

	raw, err := nats.Connect(url)
	require.NoError(t, err)
	defer raw.Close()
	all := make(chan *nats.Msg, 4)
	_, err = raw.ChanSubscribe("test.jobs.>", all)
	require.NoError(t, err)
	require.NoError(t, raw.Flush())

	ctx := context.Background()
	pub.JobChanged(ctx, models.Job{ID: "j1", Mode: "work", Status: models.JobBuilding}, models.JobGeneratingSiteConfig)
	pub.JobChanged(ctx, models.Job{ID: "j2", Mode: "work", Status: models.JobPending}, models.JobFailed)

	select {
	case ev := <-got:
		assert.Equal(t, "j2", ev.JobID, "only runnable statuses reach the subscriber")
	case <-time.After(5 * time.Second):
		t.Fatal("no runnable event received")
	}

	for range 2 {
		select {
		case msg := <-all:
			assert.Contains(t, []string{"test.jobs.work.building", "test.jobs.work.pending"}, msg.Subject)
		case <-time.After(5 * time.Second):
			t.Fatal("missing event")
		}
	}
}
