// Package fs defines the file access operations a worker sends back through
// the master to the client, which owns the files:
//
//	fs/readDir  params: path string  result: []FileInfo
//	fs/readFile params: path string  result: string (full contents)
//
// Failures travel as JSON-RPC errors with the codes declared here, so a
// worker can tell a missing file from a permission problem after the error
// has crossed two connections.
//
// Remote is the worker-side view: it turns a Caller (normally the worker's
// rpc.Conn to the master) into a Provider. Register installs a Provider's
// operations on a connection; FromFS adapts an io/fs.FS into a Provider for
// clients that serve files from a directory tree.
package fs
