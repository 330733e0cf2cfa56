package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueStatsPrint(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, QueueStats{Queue: "default", Pending: 3, Failed: 1}.Print(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, []string{"QUEUE", "PENDING", "ACTIVE", "SCHEDULED", "RETRY", "FAILED"}, strings.Fields(lines[0]))
	require.Equal(t, []string{"default", "3", "0", "0", "0", "1"}, strings.Fields(lines[1]))
}

func TestUnconfiguredCLIRejectsCalls(t *testing.T) {
	var c *JobsCLI
	_, err := c.Trigger(context.Background(), "stock:verify")
	require.Error(t, err)
	_, err = c.InspectQueue()
	require.Error(t, err)
}
