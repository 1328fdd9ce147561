package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/coordinator"
	"github.com/dreamware/lspfront/internal/fs"
	"github.com/dreamware/lspfront/internal/rpc"
)

// TestSessionEstablishment covers the pool-of-four scenario: two distinct
// workers, two dials, four routes.
func TestSessionEstablishment(t *testing.T) {
	registry := readyRegistry(t, 4)
	dialer := newPipeDialer(nil)
	coord, sessions := capture(nil)
	b, addr := startBroker(t, testConfig(), registry, coord, dialer)

	dialClient(t, addr, &stubProvider{}, nil)
	s := waitSession(t, sessions)

	require.Len(t, s.WorkerIDs, 2)
	assert.NotEqual(t, s.WorkerIDs[0], s.WorkerIDs[1])
	for _, id := range s.WorkerIDs {
		assert.Contains(t, []cluster.WorkerID{1, 2, 3, 4}, id)
		assert.NotNil(t, dialer.worker(id), "worker %d dialed", id)
	}
	assert.Equal(t, 2, dialer.dialCount())

	routes := 0
	for _, w := range s.Workers {
		assert.Equal(t, fs.Methods, w.Methods())
		routes += len(w.Methods())
	}
	assert.Equal(t, 4, routes)
	assert.NotEmpty(t, s.ID)

	require.Eventually(t, func() bool { return b.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)
	infos := b.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, s.ID, infos[0].ID)
	assert.Equal(t, s.WorkerIDs, infos[0].WorkerIDs)
}

// TestForwardReadDir verifies a worker's request reaches the client and the
// client's answer returns to that worker only.
func TestForwardReadDir(t *testing.T) {
	registry := readyRegistry(t, 2)
	dialer := newPipeDialer(nil)
	coord, sessions := capture(nil)
	_, addr := startBroker(t, testConfig(), registry, coord, dialer)

	provider := &stubProvider{
		dirs: map[string][]fs.FileInfo{
			"/a": {{Name: "b.txt", Kind: fs.KindFile, Size: 10, ModifiedTime: 1700000000}},
		},
		files: map[string]string{"/a/b.txt": "0123456789"},
	}
	dialClient(t, addr, provider, nil)
	s := waitSession(t, sessions)

	wc1 := dialer.worker(s.WorkerIDs[0])
	wc2 := dialer.worker(s.WorkerIDs[1])
	remote := fs.NewRemote(wc1.conn)
	ctx := context.Background()

	entries, err := remote.ReadDir(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []fs.FileInfo{{Name: "b.txt", Kind: fs.KindFile, Size: 10, ModifiedTime: 1700000000}}, entries)
	assert.Equal(t, 1, provider.count(), "exactly one client round trip")
	assert.Empty(t, wc2.methods(), "the other worker observes nothing")

	contents, err := remote.ReadFile(ctx, "/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", contents)

	t.Run("client errors are relayed verbatim", func(t *testing.T) {
		_, err := remote.ReadDir(ctx, "/missing")
		assert.True(t, fs.IsNotFound(err), "got %v", err)

		_, err = fs.NewRemote(wc2.conn).ReadFile(ctx, "/nope")
		assert.True(t, fs.IsNotFound(err), "got %v", err)
	})

	t.Run("invalid params", func(t *testing.T) {
		err := wc1.conn.Call(ctx, fs.MethodReadDir, map[string]int{"x": 1}, nil)
		code, ok := rpc.ErrorCode(err)
		require.True(t, ok)
		assert.Equal(t, int64(rpc.CodeInvalidParams), code)
	})
}

// TestForwardOutOfOrder verifies in-flight requests from one worker are
// matched by id rather than arrival order.
func TestForwardOutOfOrder(t *testing.T) {
	registry := readyRegistry(t, 2)
	dialer := newPipeDialer(nil)
	coord, sessions := capture(nil)
	_, addr := startBroker(t, testConfig(), registry, coord, dialer)

	release := make(chan struct{})
	provider := &stubProvider{
		dirs:  map[string][]fs.FileInfo{"/": {}},
		files: map[string]string{"/slow": "slow"},
		block: release,
	}
	dialClient(t, addr, provider, nil)
	s := waitSession(t, sessions)
	remote := fs.NewRemote(dialer.worker(s.WorkerIDs[0]).conn)

	slow := make(chan string, 1)
	go func() {
		c, _ := remote.ReadFile(context.Background(), "/slow")
		slow <- c
	}()
	require.Eventually(t, func() bool { return provider.count() == 1 }, time.Second, 5*time.Millisecond)

	entries, err := remote.ReadDir(context.Background(), "/")
	require.NoError(t, err)
	assert.Empty(t, entries)

	close(release)
	select {
	case c := <-slow:
		assert.Equal(t, "slow", c)
	case <-time.After(2 * time.Second):
		t.Fatal("slow request never completed")
	}
}

func TestForwardTimeout(t *testing.T) {
	registry := readyRegistry(t, 2)
	dialer := newPipeDialer(nil)
	coord, sessions := capture(nil)
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	_, addr := startBroker(t, cfg, registry, coord, dialer)

	release := make(chan struct{})
	defer close(release)
	dialClient(t, addr, &stubProvider{block: release}, nil)
	s := waitSession(t, sessions)

	_, err := fs.NewRemote(dialer.worker(s.WorkerIDs[1]).conn).ReadFile(context.Background(), "/x")
	assert.True(t, fs.IsRequestTimeout(err), "got %v", err)
}

// TestClientCloseTearsDownSession verifies both worker connections close and
// pending forwarded requests fail.
func TestClientCloseTearsDownSession(t *testing.T) {
	registry := readyRegistry(t, 3)
	dialer := newPipeDialer(nil)
	coord, sessions := capture(nil)
	b, addr := startBroker(t, testConfig(), registry, coord, dialer)

	release := make(chan struct{})
	defer close(release)
	client := dialClient(t, addr, &stubProvider{block: release}, nil)
	s := waitSession(t, sessions)

	wc1 := dialer.worker(s.WorkerIDs[0])
	wc2 := dialer.worker(s.WorkerIDs[1])

	pending := make(chan error, 1)
	go func() {
		_, err := fs.NewRemote(wc1.conn).ReadFile(context.Background(), "/big")
		pending <- err
	}()
	require.Eventually(t, func() bool { return b.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, client.conn.Close())

	waitDone(t, "wc1", wc1.conn.Done())
	waitDone(t, "wc2", wc2.conn.Done())
	select {
	case err := <-pending:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request left hanging")
	}
	require.Eventually(t, func() bool { return b.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
}

// TestWorkerCloseKeepsSession verifies a worker going away fails its own
// pending requests without closing the client or the sibling.
func TestWorkerCloseKeepsSession(t *testing.T) {
	registry := readyRegistry(t, 2)
	block := make(chan struct{})
	defer close(block)
	dialer := newPipeDialer(func(ctx context.Context, w *fakeWorker, req *rpc.Request) (any, error) {
		if req.Method == "textDocument/hover" {
			<-block
		}
		return fmt.Sprintf("worker-%d", w.id), nil
	})
	coord, sessions := capture(Relay{})
	b, addr := startBroker(t, testConfig(), registry, coord, dialer)

	client := dialClient(t, addr, &stubProvider{}, nil)
	s := waitSession(t, sessions)
	primary := dialer.worker(s.WorkerIDs[0])
	secondary := dialer.worker(s.WorkerIDs[1])

	pending := make(chan error, 1)
	go func() {
		pending <- client.conn.Call(context.Background(), "textDocument/hover", map[string]any{}, nil)
	}()
	require.Eventually(t, func() bool { return len(primary.methods()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, primary.conn.Close())
	select {
	case err := <-pending:
		assert.Error(t, err, "request on the closed worker fails")
	case <-time.After(2 * time.Second):
		t.Fatal("pending request left hanging")
	}

	var got string
	require.NoError(t, client.conn.Call(context.Background(), "workspace/symbol", map[string]any{}, &got))
	assert.Equal(t, fmt.Sprintf("worker-%d", secondary.id), got)
	assert.Equal(t, 1, b.ActiveSessions())
}

func TestSelectionFailure(t *testing.T) {
	registry := readyRegistry(t, 1)
	dialer := newPipeDialer(nil)
	b, addr := startBroker(t, testConfig(), registry, noCoordinator(), dialer)

	client := dialClient(t, addr, nil, nil)
	select {
	case msg := <-client.messages:
		assert.Equal(t, messageTypeError, msg.Type)
		assert.Contains(t, msg.Message, "insufficient candidates")
	case <-time.After(2 * time.Second):
		t.Fatal("client not told about the failure")
	}
	waitDone(t, "client", client.conn.Done())
	assert.Zero(t, dialer.dialCount())
	assert.Zero(t, b.ActiveSessions())
}

// TestSelectionSkipsGoneWorkers verifies an exited worker is never selected.
func TestSelectionSkipsGoneWorkers(t *testing.T) {
	registry := readyRegistry(t, 3)
	require.NoError(t, registry.MarkGone(2, cluster.LivenessExited, "SIGKILL"))
	dialer := newPipeDialer(nil)
	coord, sessions := capture(nil)
	_, addr := startBroker(t, testConfig(), registry, coord, dialer)

	for range 5 {
		c := dialClient(t, addr, nil, nil)
		s := waitSession(t, sessions)
		assert.ElementsMatch(t, []cluster.WorkerID{1, 3}, s.WorkerIDs)
		require.NoError(t, c.conn.Close())
	}
	assert.Nil(t, dialer.worker(2))
}

// TestReadinessAwaited verifies no worker is dialed until every selected
// worker is ready.
func TestReadinessAwaited(t *testing.T) {
	registry := coordinator.NewWorkerRegistry(testBasePort)
	require.NoError(t, registry.Register(1, 0))
	require.NoError(t, registry.Register(3, 0))
	require.NoError(t, registry.MarkReady(1))

	dialer := newPipeDialer(nil)
	coord, sessions := capture(nil)
	_, addr := startBroker(t, testConfig(), registry, coord, dialer)

	dialClient(t, addr, nil, nil)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, dialer.dialCount(), "dialed before w3 was ready")

	require.NoError(t, registry.MarkReady(3))
	s := waitSession(t, sessions)
	assert.ElementsMatch(t, []cluster.WorkerID{1, 3}, s.WorkerIDs)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestReadinessTimeout(t *testing.T) {
	registry := coordinator.NewWorkerRegistry(testBasePort)
	require.NoError(t, registry.Register(1, 0))
	require.NoError(t, registry.Register(2, 0))
	require.NoError(t, registry.MarkReady(1))

	cfg := testConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	dialer := newPipeDialer(nil)
	_, addr := startBroker(t, cfg, registry, noCoordinator(), dialer)

	client := dialClient(t, addr, nil, nil)
	select {
	case msg := <-client.messages:
		assert.Contains(t, msg.Message, ErrReadinessTimeout.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("session did not time out")
	}
	assert.Zero(t, dialer.dialCount())
}

func TestWorkerGoneWhileWaiting(t *testing.T) {
	registry := coordinator.NewWorkerRegistry(testBasePort)
	require.NoError(t, registry.Register(1, 0))
	require.NoError(t, registry.Register(2, 0))

	b := New(testConfig(), registry, noCoordinator(), WithDialer(newPipeDialer(nil)))

	errc := make(chan error, 1)
	go func() {
		_, err := b.Establish(context.Background(), "s1", nil)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, registry.MarkGone(2, cluster.LivenessExited, "1"))

	select {
	case err := <-errc:
		assert.Equal(t, StageReady, StageOf(err))
		assert.ErrorIs(t, err, coordinator.ErrWorkerGone)
	case <-time.After(2 * time.Second):
		t.Fatal("Establish not released by worker exit")
	}
}

// TestConnectFailure verifies a failed dial closes the sibling connection.
func TestConnectFailure(t *testing.T) {
	registry := readyRegistry(t, 2)
	dialer := newPipeDialer(nil)
	dialer.fail[2] = errors.New("connection refused")
	b := New(testConfig(), registry, noCoordinator(), WithDialer(dialer))

	_, err := b.Establish(context.Background(), "s1", nil)
	require.Error(t, err)
	assert.Equal(t, StageConnect, StageOf(err))
	assert.Contains(t, err.Error(), "connection refused")

	assert.Equal(t, 2, dialer.dialCount())
	if w := dialer.worker(1); w != nil {
		waitDone(t, "sibling worker connection", w.conn.Done())
	}
}

func TestAttachFailure(t *testing.T) {
	registry := readyRegistry(t, 2)
	dialer := newPipeDialer(nil)
	coord := SessionCoordinatorFunc(func(context.Context, *Session) error {
		return errors.New("unsupported client")
	})
	_, addr := startBroker(t, testConfig(), registry, coord, dialer)

	client := dialClient(t, addr, nil, nil)
	select {
	case msg := <-client.messages:
		assert.Contains(t, msg.Message, "unsupported client")
	case <-time.After(2 * time.Second):
		t.Fatal("client not told about the failure")
	}
	waitDone(t, "worker 1", dialer.worker(1).conn.Done())
	waitDone(t, "worker 2", dialer.worker(2).conn.Done())
}

func TestAttachPanicClosesWorkers(t *testing.T) {
	registry := readyRegistry(t, 2)
	dialer := newPipeDialer(nil)
	coord := SessionCoordinatorFunc(func(context.Context, *Session) error {
		panic("coordinator bug")
	})
	b, addr := startBroker(t, testConfig(), registry, coord, dialer)

	client := dialClient(t, addr, nil, nil)
	waitDone(t, "client", client.conn.Done())
	require.Eventually(t, func() bool {
		return dialer.worker(1) != nil && dialer.worker(2) != nil
	}, 2*time.Second, 10*time.Millisecond)
	waitDone(t, "worker 1", dialer.worker(1).conn.Done())
	waitDone(t, "worker 2", dialer.worker(2).conn.Done())
	assert.Zero(t, b.ActiveSessions())
	assert.Equal(t, 2, dialer.dialCount())
}

func TestSessionRateLimit(t *testing.T) {
	registry := readyRegistry(t, 2)
	dialer := newPipeDialer(nil)
	coord, sessions := capture(nil)
	cfg := testConfig()
	cfg.SessionRate = 0.001
	cfg.SessionBurst = 1
	_, addr := startBroker(t, cfg, registry, coord, dialer)

	dialClient(t, addr, nil, nil)
	waitSession(t, sessions)

	second := dialClient(t, addr, nil, nil)
	select {
	case msg := <-second.messages:
		assert.Contains(t, msg.Message, ErrRateLimited.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("second session was not rate limited")
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	registry := readyRegistry(t, 2)
	dialer := newPipeDialer(nil)
	coord, sessions := capture(nil)
	b, addr := startBroker(t, testConfig(), registry, coord, dialer)

	client := dialClient(t, addr, nil, nil)
	s := waitSession(t, sessions)

	b.Shutdown()
	waitDone(t, "client", client.conn.Done())
	for _, id := range s.WorkerIDs {
		waitDone(t, "worker", dialer.worker(id).conn.Done())
	}
	assert.Zero(t, b.ActiveSessions())
}

func TestSessionErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &SessionError{Stage: StageSelect, Err: coordinator.ErrInsufficientCandidates})
	assert.Equal(t, StageSelect, StageOf(err))
	assert.ErrorIs(t, err, coordinator.ErrInsufficientCandidates)
	assert.Equal(t, Stage(""), StageOf(errors.New("other")))
	assert.Contains(t, err.Error(), "session select")
}
