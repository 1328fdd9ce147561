package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lspfront/internal/admin"
	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/fs"
	"github.com/dreamware/lspfront/internal/rpc"
	"github.com/dreamware/lspfront/internal/worker"
)

const (
	clusterSize  = 3
	respawnLimit = 1
)

var workspace = fstest.MapFS{
	"project/go.mod":           {Data: []byte("module example.com/project\n")},
	"project/main.go":          {Data: []byte("package main\n")},
	"project/internal/a/a.go":  {Data: []byte("package a\n")},
	"project/internal/b/b.go":  {Data: []byte("package b\n")},
	"project/docs/README.md":   {Data: []byte("# project\n")},
	"unrelated/notes/todo.txt": {Data: []byte("nothing\n")},
}

// TestSystem is a running master with its worker processes.
type TestSystem struct {
	t          *testing.T
	master     *exec.Cmd
	exited     chan struct{}
	exitErr    error
	httpClient *http.Client
	adminAddr  string
	port       int
}

// buildBinaries compiles the master and the worker into one directory so the
// master finds the worker next to itself.
func buildBinaries(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("Skipping integration test: go toolchain not found")
	}
	dir := t.TempDir()
	for _, name := range []string{"master", "worker"} {
		cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
		cmd.Dir = filepath.Join("..", "..")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "build %s: %s", name, out)
	}
	return dir
}

// freePort returns a port that can currently be bound on all interfaces.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// freeRange finds a base port such that base..base+n are all free.
func freeRange(t *testing.T, n int) int {
	t.Helper()
	for range 50 {
		base := freePort(t)
		if base+n > 65535 {
			continue
		}
		ok := true
		for i := 1; i <= n && ok; i++ {
			ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(base+i)))
			if err != nil {
				ok = false
				break
			}
			_ = ln.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatal("no free port range")
	return 0
}

// StartSystem launches the master, which spawns its own workers, and waits
// until every worker is ready.
func StartSystem(t *testing.T, bin string) *TestSystem {
	t.Helper()
	ts := &TestSystem{
		t:          t,
		port:       freeRange(t, clusterSize*(respawnLimit+1)),
		adminAddr:  net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t))),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		exited:     make(chan struct{}),
	}

	ts.master = exec.Command(filepath.Join(bin, "master"),
		"--port", strconv.Itoa(ts.port),
		"--cluster", strconv.Itoa(clusterSize),
		"--respawn-limit", strconv.Itoa(respawnLimit),
		"--admin-addr", ts.adminAddr,
		"--log-level", "debug",
	)
	ts.master.Stdout = os.Stdout
	ts.master.Stderr = os.Stderr
	require.NoError(t, ts.master.Start())
	go func() {
		ts.exitErr = ts.master.Wait()
		close(ts.exited)
	}()
	t.Cleanup(ts.Stop)

	ts.waitLive(clusterSize)
	return ts
}

// Stop terminates the master, killing it if it does not exit in time.
func (ts *TestSystem) Stop() {
	select {
	case <-ts.exited:
		return
	default:
	}
	_ = ts.master.Process.Signal(syscall.SIGTERM)
	select {
	case <-ts.exited:
	case <-time.After(10 * time.Second):
		ts.t.Log("master did not stop, killing it")
		_ = ts.master.Process.Kill()
		<-ts.exited
	}
}

func (ts *TestSystem) getJSON(path string, v any) error {
	resp, err := ts.httpClient.Get("http://" + ts.adminAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Workers returns the master's view of the pool.
func (ts *TestSystem) Workers() (admin.WorkersResponse, error) {
	var body admin.WorkersResponse
	err := ts.getJSON("/workers", &body)
	return body, err
}

// Sessions returns the master's active sessions.
func (ts *TestSystem) Sessions() (admin.SessionsResponse, error) {
	var body admin.SessionsResponse
	err := ts.getJSON("/sessions", &body)
	return body, err
}

// waitLive waits until n workers are alive and ready.
func (ts *TestSystem) waitLive(n int) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		body, err := ts.Workers()
		if err != nil {
			return false
		}
		ready := 0
		for _, w := range body.Workers {
			if w.Liveness == cluster.LivenessAlive && w.Ready {
				ready++
			}
		}
		return ready == n
	}, 15*time.Second, 100*time.Millisecond)
}

// Connect opens an LSP client session that serves files from workspace.
func (ts *TestSystem) Connect(t *testing.T) *rpc.Conn {
	t.Helper()
	raw, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ts.port)))
	require.NoError(t, err)
	conn := rpc.NewConn(raw, rpc.WithName("integration-client"))
	require.NoError(t, fs.Register(conn, fs.FromFS(workspace)))
	require.NoError(t, conn.Listen(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestLSPFront(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts := StartSystem(t, buildBinaries(t))

	t.Run("InitializeAndListFiles", func(t *testing.T) {
		testInitializeAndListFiles(t, ts)
	})

	t.Run("ConcurrentSessions", func(t *testing.T) {
		testConcurrentSessions(t, ts)
	})

	t.Run("WorkerRespawn", func(t *testing.T) {
		testWorkerRespawn(t, ts)
	})

	t.Run("GracefulShutdown", func(t *testing.T) {
		testGracefulShutdown(t, ts)
	})
}

// testInitializeAndListFiles drives a worker that reads the workspace back
// through the master from the client.
func testInitializeAndListFiles(t *testing.T, ts *TestSystem) {
	client := ts.Connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var init worker.InitializeResult
	require.NoError(t, client.Call(ctx, "initialize", worker.InitializeParams{RootURI: "file:///project"}, &init))
	assert.Equal(t, worker.ServerName, init.ServerInfo.Name)
	assert.True(t, init.Capabilities.XFilesProvider)
	require.NoError(t, client.Notify(ctx, "initialized", struct{}{}))

	var files []worker.TextDocumentIdentifier
	require.NoError(t, client.Call(ctx, "workspace/xfiles", nil, &files))
	uris := make([]string, 0, len(files))
	for _, f := range files {
		uris = append(uris, f.URI)
	}
	assert.ElementsMatch(t, []string{
		"file:///project/go.mod",
		"file:///project/main.go",
		"file:///project/internal/a/a.go",
		"file:///project/internal/b/b.go",
		"file:///project/docs/README.md",
	}, uris)

	var sessions admin.SessionsResponse
	require.Eventually(t, func() bool {
		var err error
		sessions, err = ts.Sessions()
		return err == nil && sessions.Active == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Len(t, sessions.Sessions[0].WorkerIDs, 2)
	assert.NotEqual(t, sessions.Sessions[0].WorkerIDs[0], sessions.Sessions[0].WorkerIDs[1])

	require.NoError(t, client.Call(ctx, "shutdown", nil, nil))
	require.NoError(t, client.Close())

	assert.Eventually(t, func() bool {
		sessions, err := ts.Sessions()
		return err == nil && sessions.Active == 0
	}, 5*time.Second, 50*time.Millisecond, "session should end with its client")
}

func testConcurrentSessions(t *testing.T, ts *TestSystem) {
	const clients = 6
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conns := make([]*rpc.Conn, clients)
	for i := range conns {
		conns[i] = ts.Connect(t)
	}

	var wg sync.WaitGroup
	seen := make(chan cluster.WorkerID, clients)
	for _, c := range conns {
		wg.Add(1)
		go func(c *rpc.Conn) {
			defer wg.Done()
			var init worker.InitializeResult
			if assert.NoError(t, c.Call(ctx, "initialize", worker.InitializeParams{RootPath: "/project"}, &init)) {
				seen <- init.ServerInfo.WorkerID
			}
		}(c)
	}
	wg.Wait()
	close(seen)

	for id := range seen {
		assert.True(t, id >= 1 && int(id) <= clusterSize, "unexpected worker %s", id)
	}

	assert.Eventually(t, func() bool {
		sessions, err := ts.Sessions()
		return err == nil && sessions.Active == clients
	}, 5*time.Second, 50*time.Millisecond)

	for _, c := range conns {
		_ = c.Close()
	}
	assert.Eventually(t, func() bool {
		sessions, err := ts.Sessions()
		return err == nil && sessions.Active == 0
	}, 5*time.Second, 50*time.Millisecond)
}

// testWorkerRespawn kills a worker and expects the master to replace it
// with a fresh id on the next port.
func testWorkerRespawn(t *testing.T, ts *TestSystem) {
	body, err := ts.Workers()
	require.NoError(t, err)
	require.NotEmpty(t, body.Workers)
	victim := body.Workers[0]
	require.NotZero(t, victim.PID)

	proc, err := os.FindProcess(victim.PID)
	require.NoError(t, err)
	require.NoError(t, proc.Signal(syscall.SIGKILL))

	require.Eventually(t, func() bool {
		body, err := ts.Workers()
		if err != nil {
			return false
		}
		var gone bool
		for _, w := range body.Workers {
			if w.ID == victim.ID && w.Liveness == cluster.LivenessExited {
				gone = true
			}
		}
		return gone && body.Live == clusterSize
	}, 15*time.Second, 100*time.Millisecond)

	body, err = ts.Workers()
	require.NoError(t, err)
	for _, w := range body.Workers {
		assert.Equal(t, w.ID.Port(ts.port), w.Port, "worker %s", w.ID)
	}
	ts.waitLive(clusterSize)

	// Sessions keep working with the replacement in the pool.
	client := ts.Connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Call(ctx, "initialize", worker.InitializeParams{RootPath: "/project"}, nil))
}

func testGracefulShutdown(t *testing.T, ts *TestSystem) {
	body, err := ts.Workers()
	require.NoError(t, err)

	require.NoError(t, ts.master.Process.Signal(syscall.SIGTERM))
	select {
	case <-ts.exited:
		assert.NoError(t, ts.exitErr, "master should exit cleanly")
	case <-time.After(10 * time.Second):
		t.Fatal("master did not exit after SIGTERM")
	}

	for _, w := range body.Workers {
		if w.Liveness != cluster.LivenessAlive {
			continue
		}
		_, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(w.Port)), time.Second)
		assert.Error(t, err, "worker %s should be gone", w.ID)
	}
}
