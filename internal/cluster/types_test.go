package cluster

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorkerIDPort verifies the port derivation used by master and worker.
func TestWorkerIDPort(t *testing.T) {
	tests := []struct {
		name     string
		id       WorkerID
		basePort int
		expected int
	}{
		{name: "first worker", id: 1, basePort: 2089, expected: 2090},
		{name: "fourth worker", id: 4, basePort: 2089, expected: 2093},
		{name: "custom base", id: 2, basePort: 9000, expected: 9002},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.id.Port(tt.basePort))
		})
	}
}

func TestLivenessGone(t *testing.T) {
	assert.False(t, LivenessAlive.Gone())
	assert.False(t, LivenessUnhealthy.Gone())
	assert.True(t, LivenessDisconnected.Gone())
	assert.True(t, LivenessExited.Gone())
}

// TestWorkerSpecArgs verifies the spawn-time flags carry id and port explicitly.
func TestWorkerSpecArgs(t *testing.T) {
	spec := WorkerSpec{ID: 3, Port: 2092, Strict: true, LogLevel: "debug", Host: "127.0.0.1"}

	args := spec.Args()

	assert.Equal(t, []string{
		"--id", "3",
		"--port", "2092",
		"--strict=true",
		"--host", "127.0.0.1",
		"--log-level", "debug",
	}, args)

	minimal := WorkerSpec{ID: 1, Port: 2090}
	assert.Equal(t, []string{"--id", "1", "--port", "2090", "--strict=false"}, minimal.Args())
}

func TestWorkerInfoJSON(t *testing.T) {
	info := WorkerInfo{ID: 2, Port: 2091, PID: 4242, Ready: true, Liveness: LivenessAlive}

	data, err := json.Marshal(info)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.EqualValues(t, 2, fields["id"])
	assert.EqualValues(t, 2091, fields["port"])
	assert.Equal(t, "alive", fields["liveness"])
	assert.Equal(t, true, fields["ready"])
	_, hasReason := fields["reason"]
	assert.False(t, hasReason, "empty reason should be omitted")
}

// TestLifecycleMessage verifies the stdout line protocol between worker and master.
func TestLifecycleMessage(t *testing.T) {
	t.Run("write then parse", func(t *testing.T) {
		var buf bytes.Buffer
		err := WriteMessage(&buf, LifecycleMessage{Event: EventListening, WorkerID: 3, Addr: "127.0.0.1:2092"})
		require.NoError(t, err)
		assert.Equal(t, `{"event":"listening","addr":"127.0.0.1:2092","worker_id":3}`+"\n", buf.String())

		m, err := ParseMessage(bytes.TrimSpace(buf.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, WorkerID(3), m.WorkerID)
		assert.Equal(t, "127.0.0.1:2092", m.Addr)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseMessage([]byte("Listening for incoming LSP connections"))
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("rejects master-side events", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{"event":"exited","worker_id":1}`))
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}
