package worker

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/fs"
	"github.com/dreamware/lspfront/internal/log"
	"github.com/dreamware/lspfront/internal/rpc"
	"github.com/dreamware/lspfront/internal/storage"
)

// ServerName is reported in the initialize result.
const ServerName = "lspfront-worker"

// InitializeParams is the subset of the LSP initialize request the worker uses.
type InitializeParams struct {
	RootPath string `json:"rootPath,omitempty"`
	RootURI  string `json:"rootUri,omitempty"`
}

// InitializeResult answers initialize.
type InitializeResult struct {
	ServerInfo   ServerInfo         `json:"serverInfo"`
	Capabilities ServerCapabilities `json:"capabilities"`
}

// ServerInfo names the server and the worker that answered.
type ServerInfo struct {
	Name     string           `json:"name"`
	WorkerID cluster.WorkerID `json:"workerId"`
}

// ServerCapabilities lists what the handler supports.
type ServerCapabilities struct {
	TextDocumentSync int  `json:"textDocumentSync"`
	XFilesProvider   bool `json:"xfilesProvider"`
	XContentProvider bool `json:"xcontentProvider"`
}

// FilesParams are the parameters of workspace/xfiles.
type FilesParams struct {
	Base string `json:"base,omitempty"`
}

// TextDocumentIdentifier names one file by URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// TextDocumentItem is a document as sent by textDocument/didOpen.
type TextDocumentItem struct {
	URI     string `json:"uri"`
	Text    string `json:"text"`
	Version int    `json:"version"`
}

// VersionedTextDocumentIdentifier names one revision of a document.
type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

// DidOpenParams carries textDocument/didOpen.
type DidOpenParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeParams carries textDocument/didChange. With full sync the last
// change holds the whole text.
type DidChangeParams struct {
	ContentChanges []struct {
		Text string `json:"text"`
	} `json:"contentChanges"`
	TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
}

// ContentParams are the parameters of textDocument/xcontent.
type ContentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// ContentResult answers textDocument/xcontent.
type ContentResult struct {
	URI  string `json:"uri"`
	Text string `json:"text"`
}

// DidCloseParams carries textDocument/didClose.
type DidCloseParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

const textDocumentSyncFull = 1

// LanguageHandler is the default per-connection protocol handler. It tracks
// the workspace root and open documents, and reads workspace files through
// the master. Open documents shadow the files they name.
//
// Strict mode makes unknown requests fail with MethodNotFound; otherwise
// they return null. Once shutdown has been answered every further request
// fails with InvalidRequest; notifications, exit included, still apply.
type LanguageHandler struct {
	files    *fs.Remote
	conn     *rpc.Conn
	docs     storage.Store
	logger   zerolog.Logger
	rootPath string
	id       cluster.WorkerID
	mu       sync.Mutex
	strict   bool
	shutdown bool
}

// NewLanguageHandler returns a factory of language handlers for worker id.
func NewLanguageHandler(id cluster.WorkerID, strict bool) HandlerFactory {
	return func() Handler {
		return &LanguageHandler{
			id:     id,
			strict: strict,
			docs:   storage.NewMemoryStore(),
			logger: log.WithComponent("language").With().Int(log.FieldWorkerID, int(id)).Logger(),
		}
	}
}

// Register installs the handler on conn.
func (h *LanguageHandler) Register(conn *rpc.Conn) error {
	h.conn = conn
	h.files = fs.NewRemote(conn)

	for method, fn := range map[string]rpc.Handler{
		"initialize":             h.initialize,
		"initialized":            noop,
		"shutdown":               h.handleShutdown,
		"exit":                   h.exit,
		"workspace/xfiles":       h.xfiles,
		"textDocument/didOpen":   h.didOpen,
		"textDocument/didChange": h.didChange,
		"textDocument/didClose":  h.didClose,
		"textDocument/xcontent":  h.xcontent,
		"$/cancelRequest":        noop,
	} {
		if err := conn.OnRequest(method, h.guard(fn)); err != nil {
			return err
		}
	}
	return conn.OnFallback(h.guard(h.unknown))
}

// guard rejects requests that arrive after shutdown.
func (h *LanguageHandler) guard(fn rpc.Handler) rpc.Handler {
	return func(ctx context.Context, req *rpc.Request) (any, error) {
		if !req.Notif && h.isShutdown() {
			return nil, rpc.NewError(rpc.CodeInvalidRequest, "%s: server is shut down", req.Method)
		}
		return fn(ctx, req)
	}
}

func (h *LanguageHandler) isShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdown
}

// OpenDocuments returns the number of documents opened and not yet closed.
func (h *LanguageHandler) OpenDocuments() int {
	return h.docs.Stats().Documents
}

func noop(context.Context, *rpc.Request) (any, error) {
	return nil, nil
}

func (h *LanguageHandler) initialize(_ context.Context, req *rpc.Request) (any, error) {
	var params InitializeParams
	if err := req.Unmarshal(&params); err != nil {
		return nil, err
	}
	root := params.RootPath
	if root == "" {
		root = strings.TrimPrefix(params.RootURI, "file://")
	}
	if root == "" {
		root = "/"
	}

	h.mu.Lock()
	h.rootPath = root
	h.mu.Unlock()
	h.logger.Info().Str("root", root).Msg("initialized")

	return InitializeResult{
		ServerInfo: ServerInfo{Name: ServerName, WorkerID: h.id},
		Capabilities: ServerCapabilities{
			TextDocumentSync: textDocumentSyncFull,
			XFilesProvider:   true,
			XContentProvider: true,
		},
	}, nil
}

func (h *LanguageHandler) handleShutdown(context.Context, *rpc.Request) (any, error) {
	h.mu.Lock()
	h.shutdown = true
	h.mu.Unlock()
	return nil, nil
}

func (h *LanguageHandler) exit(context.Context, *rpc.Request) (any, error) {
	// Closing waits for the read loop, which is running this handler.
	go h.conn.Close()
	return nil, nil
}

// xfiles lists every file below the requested base, or the workspace root.
func (h *LanguageHandler) xfiles(ctx context.Context, req *rpc.Request) (any, error) {
	var params FilesParams
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := req.Unmarshal(&params); err != nil {
			return nil, err
		}
	}
	base := params.Base
	if base == "" {
		h.mu.Lock()
		base = h.rootPath
		h.mu.Unlock()
	}
	if base == "" {
		base = "/"
	}

	files := []TextDocumentIdentifier{}
	err := fs.Walk(ctx, h.files, base, func(p string, info fs.FileInfo) error {
		if info.Kind == fs.KindFile {
			files = append(files, TextDocumentIdentifier{URI: "file://" + p})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (h *LanguageHandler) didOpen(_ context.Context, req *rpc.Request) (any, error) {
	var params DidOpenParams
	if err := req.Unmarshal(&params); err != nil {
		return nil, err
	}
	doc := params.TextDocument
	if err := h.docs.Open(doc.URI, doc.Version, []byte(doc.Text)); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "didOpen: %v", err)
	}
	return nil, nil
}

func (h *LanguageHandler) didChange(_ context.Context, req *rpc.Request) (any, error) {
	var params DidChangeParams
	if err := req.Unmarshal(&params); err != nil {
		return nil, err
	}
	if len(params.ContentChanges) == 0 {
		return nil, nil
	}
	doc := params.TextDocument
	text := params.ContentChanges[len(params.ContentChanges)-1].Text
	if err := h.docs.Update(doc.URI, doc.Version, []byte(text)); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "didChange %s: %v", doc.URI, err)
	}
	return nil, nil
}

func (h *LanguageHandler) didClose(_ context.Context, req *rpc.Request) (any, error) {
	var params DidCloseParams
	if err := req.Unmarshal(&params); err != nil {
		return nil, err
	}
	return nil, h.docs.Close(params.TextDocument.URI)
}

// xcontent returns the text of a document, preferring the open buffer over
// the file read through the master.
func (h *LanguageHandler) xcontent(ctx context.Context, req *rpc.Request) (any, error) {
	var params ContentParams
	if err := req.Unmarshal(&params); err != nil {
		return nil, err
	}
	uri := params.TextDocument.URI
	if doc, err := h.docs.Get(uri); err == nil {
		return ContentResult{URI: uri, Text: string(doc.Text)}, nil
	}
	if !strings.HasPrefix(uri, "file://") {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "unsupported document uri %q", uri)
	}
	text, err := h.files.ReadFile(ctx, strings.TrimPrefix(uri, "file://"))
	if err != nil {
		return nil, err
	}
	return ContentResult{URI: uri, Text: text}, nil
}

func (h *LanguageHandler) unknown(_ context.Context, req *rpc.Request) (any, error) {
	if h.strict && !req.Notif {
		return nil, rpc.NewError(rpc.CodeMethodNotFound, "method not supported: %s", req.Method)
	}
	return nil, nil
}
