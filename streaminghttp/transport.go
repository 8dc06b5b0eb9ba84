package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/transport"
	"github.com/google/uuid"
	sse "github.com/tmaxmax/go-sse"
)

var (
	// ErrNoStream is returned by Send when no open exchange is waiting on
	// the related request.
	ErrNoStream = errors.New("streaminghttp: no stream for request")
	// ErrNotStarted is returned when a Transport serves before Start.
	ErrNotStarted = errors.New("streaminghttp: transport not started")
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	standaloneStreamName = "_GET_stream"
)

// errReplayPeek stops a replay after the store has resolved the stream id.
var errReplayPeek = errors.New("streaminghttp: replay peek")

// httpError is a rejection produced by the validation pipeline.
type httpError struct {
	status int
	code   jsonrpc.ErrorCode
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		JSONRPC string         `json:"jsonrpc"`
		Error   *jsonrpc.Error `json:"error"`
		ID      any            `json:"id"`
	}{jsonrpc.ProtocolVersion, &jsonrpc.Error{Code: code, Message: msg}, nil})
}

func (e *httpError) write(w http.ResponseWriter) { writeRPCError(w, e.status, e.code, e.msg) }

func accepts(r *http.Request, mt contenttype.MediaType) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{mt})
	return err == nil
}

// stream is one open (or detached) response channel. SSE writes are
// serialized by mu; JSON streams only collect responses. sendMu is held
// from storing an event until it is written, so event ids reach the wire
// in issue order.
type stream struct {
	id   string
	json bool

	sendMu sync.Mutex

	mu        sync.Mutex
	sess      *sse.Session
	pending   map[string]struct{}
	order     []string
	responses map[string]*jsonrpc.Response

	done     chan struct{}
	doneOnce sync.Once
}

func newStream(id string, jsonMode bool) *stream {
	return &stream{
		id:        id,
		json:      jsonMode,
		pending:   make(map[string]struct{}),
		responses: make(map[string]*jsonrpc.Response),
		done:      make(chan struct{}),
	}
}

func (s *stream) expect(key string) {
	s.pending[key] = struct{}{}
	s.order = append(s.order, key)
}

func (s *stream) write(eventID string, msg jsonrpc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	ev := &sse.Message{Type: sse.Type("message")}
	if eventID != "" {
		if id, err := sse.NewID(eventID); err == nil {
			ev.ID = id
		}
	}
	ev.AppendData(string(msg))
	if err := s.sess.Send(ev); err != nil {
		return err
	}
	return s.sess.Flush()
}

// deliver records resp and reports whether the stream has nothing left to wait for.
func (s *stream) deliver(key string, resp *jsonrpc.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	s.responses[key] = resp
	return len(s.pending) == 0
}

func (s *stream) attach(sess *sse.Session) {
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
}

func (s *stream) detach() { s.attach(nil) }

func (s *stream) finish() { s.doneOnce.Do(func() { close(s.done) }) }

func (s *stream) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Transport is the server side of one MCP session over streamable HTTP.
// It is an http.Handler; Start must be called once before serving.
type Transport struct {
	cfg     *config
	handler transport.MessageHandler
	log     *slog.Logger

	mu              sync.Mutex
	started         bool
	closed          bool
	sessionID       string
	initialized     bool
	initRequest     string
	protocolVersion string
	initParams      json.RawMessage
	userID          string
	streams         map[string]*stream
	requests        map[string]string

	// standaloneMu plays the role of stream.sendMu for the standalone
	// stream, which may have no stream value while no GET is open.
	standaloneMu sync.Mutex
}

var (
	_ http.Handler   = (*Transport)(nil)
	_ transport.Peer = (*Transport)(nil)
)

// NewTransport returns a Transport dispatching inbound messages to h.
func NewTransport(h transport.MessageHandler, opts ...Option) *Transport {
	return newTransport(h, newConfig(opts))
}

func newTransport(h transport.MessageHandler, cfg *config) *Transport {
	return &Transport{
		cfg:      cfg,
		handler:  h,
		log:      logctx.Wrap(cfg.log),
		streams:  make(map[string]*stream),
		requests: make(map[string]string),
	}
}

// Start marks the transport ready to serve. A second call fails.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return transport.ErrAlreadyStarted
	}
	t.started = true
	return nil
}

// SessionID returns the issued session id, or "" before initialize.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// ProtocolVersion returns the version negotiated by initialize.
func (t *Transport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

// UserID returns the authenticated user that initialized the session.
func (t *Transport) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// Event stream ids are prefixed with the session id so one EventStore can
// be shared by every session of a Handler.

func (t *Transport) newStreamIDLocked() string { return t.sessionID + "/" + uuid.NewString() }

func (t *Transport) standaloneIDLocked() string { return t.sessionID + "/" + standaloneStreamName }

func (t *Transport) ownsStreamLocked(streamID string) bool {
	rest, ok := strings.CutPrefix(streamID, t.sessionID+"/")
	return ok && rest != "" && !strings.Contains(rest, "/")
}

func (t *Transport) stateLocked() SessionState {
	return SessionState{
		SessionID:        t.sessionID,
		Initialized:      t.initialized,
		ProtocolVersion:  t.protocolVersion,
		InitializeParams: t.initParams,
		UserID:           t.userID,
	}
}

func (t *Transport) persist(ctx context.Context, st SessionState) {
	if t.cfg.state == nil || st.SessionID == "" {
		return
	}
	if err := t.cfg.state.Save(ctx, st); err != nil {
		t.log.ErrorContext(ctx, "session.state.save.fail", slog.String("err", err.Error()))
	}
}

// Restore loads sessionID from the state store. When the stored state
// carries initialize params the original initialize request is replayed
// through the message handler and its response discarded. It reports
// whether the session was found.
func (t *Transport) Restore(ctx context.Context, sessionID string) (bool, error) {
	if t.cfg.state == nil {
		return false, nil
	}
	st, err := t.cfg.state.Load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if st == nil || !st.Initialized {
		return false, nil
	}

	t.mu.Lock()
	t.sessionID = st.SessionID
	t.initialized = true
	t.protocolVersion = st.ProtocolVersion
	t.initParams = st.InitializeParams
	t.userID = st.UserID
	t.mu.Unlock()

	if len(st.InitializeParams) > 0 {
		t.replayInitialize(ctx, st.InitializeParams)
	}
	t.log.InfoContext(ctx, "session.restore.ok", slog.String("session_id", sessionID))
	return true, nil
}

func (t *Transport) replayInitialize(ctx context.Context, params json.RawMessage) {
	id := jsonrpc.NewRequestID("restore-" + uuid.NewString())
	sink := newStream(uuid.NewString(), true)

	t.mu.Lock()
	sink.expect(id.String())
	t.streams[sink.id] = sink
	t.requests[id.String()] = sink.id
	t.mu.Unlock()
	defer t.dropStream(sink)

	t.handler.HandleMessage(ctx, t, &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		Params:         params,
		ID:             id,
	})
	t.handler.HandleMessage(ctx, t, &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializedNotificationMethod),
	})
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, ErrNotStarted.Error())
		return
	}

	if r.Method != http.MethodOptions {
		applyCORS(t.cfg, t.log, w, r)
	}

	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	case http.MethodOptions:
		preflight(t.cfg, t.log, w, r)
	default:
		w.Header().Set("Allow", allowedMethods)
		writeRPCError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeTransport, "Method not allowed.")
	}
}

func (t *Transport) validateSession(r *http.Request) *httpError {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.newSessionID == nil {
		return nil
	}
	if !t.initialized {
		return &httpError{http.StatusBadRequest, jsonrpc.ErrorCodeTransport, "Bad Request: Server not initialized"}
	}
	vals := r.Header.Values(mcpSessionIDHeader)
	switch {
	case len(vals) == 0 || vals[0] == "":
		return &httpError{http.StatusBadRequest, jsonrpc.ErrorCodeTransport, "Bad Request: Mcp-Session-Id header is required"}
	case len(vals) > 1:
		return &httpError{http.StatusBadRequest, jsonrpc.ErrorCodeTransport, "Bad Request: Mcp-Session-Id header must be a single value"}
	case vals[0] != t.sessionID || t.closed:
		return &httpError{http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found"}
	}
	return nil
}

func validateProtocolVersion(r *http.Request) *httpError {
	v := r.Header.Get(mcpProtocolVersionHeader)
	if v == "" || mcp.IsSupportedProtocolVersion(v) {
		return nil
	}
	return &httpError{http.StatusBadRequest, jsonrpc.ErrorCodeTransport, fmt.Sprintf(
		"Bad Request: Unsupported protocol version (supported versions: %s)", strings.Join(mcp.SupportedProtocolVersions, ", "))}
}

func (t *Transport) setSessionHeaders(w http.ResponseWriter) {
	t.mu.Lock()
	id, pv := t.sessionID, t.protocolVersion
	t.mu.Unlock()
	if id != "" {
		w.Header().Set(mcpSessionIDHeader, id)
	}
	if pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t.log.InfoContext(ctx, "http.post.start")

	if !accepts(r, jsonMediaType) || !accepts(r, eventStreamMediaType) {
		t.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		writeRPCError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeTransport, "Not Acceptable: Client must accept both application/json and text/event-stream")
		return
	}
	if ct, err := contenttype.GetMediaType(r); err != nil || !ct.Matches(jsonMediaType) {
		t.log.WarnContext(ctx, "content_type.unsupported")
		writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeTransport, "Unsupported Media Type: Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.cfg.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, jsonrpc.ErrorCodeTransport, "Payload too large")
			return
		}
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error: "+err.Error())
		return
	}

	msgs, _, err := jsonrpc.ParseBatch(body)
	if err != nil {
		t.log.WarnContext(ctx, "jsonrpc.parse.fail", slog.String("err", err.Error()))
		msg := "Parse error"
		if !errors.Is(err, jsonrpc.ErrParse) {
			msg = "Parse error: Invalid JSON-RPC message"
		}
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, msg)
		return
	}

	var initReq *jsonrpc.AnyMessage
	for i := range msgs {
		if msgs[i].IsRequest() && msgs[i].Method == string(mcp.InitializeMethod) {
			initReq = &msgs[i]
		}
	}
	if initReq != nil {
		if herr := t.initialize(ctx, initReq, len(msgs)); herr != nil {
			t.log.WarnContext(ctx, "session.initialize.invalid", slog.String("err", herr.msg))
			herr.write(w)
			return
		}
	} else {
		if herr := t.validateSession(r); herr != nil {
			herr.write(w)
			return
		}
		if herr := validateProtocolVersion(r); herr != nil {
			herr.write(w)
			return
		}
	}

	t.mu.Lock()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: t.sessionID, UserID: t.userID, ProtocolVersion: t.protocolVersion})
	t.mu.Unlock()

	hasRequests := false
	for i := range msgs {
		if msgs[i].IsRequest() {
			hasRequests = true
		}
	}
	if !hasRequests {
		t.setSessionHeaders(w)
		w.WriteHeader(http.StatusAccepted)
		for i := range msgs {
			t.dispatch(ctx, &msgs[i])
		}
		t.log.InfoContext(ctx, "http.post.accepted", slog.Int("messages", len(msgs)))
		return
	}

	t.mu.Lock()
	streamID := t.newStreamIDLocked()
	t.mu.Unlock()
	st := newStream(streamID, t.cfg.jsonResponse)
	if !st.json {
		t.setSessionHeaders(w)
		w.Header().Set("X-Accel-Buffering", "no")
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			t.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
			writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
			return
		}
		st.sess = sess
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found")
		return
	}
	for i := range msgs {
		if msgs[i].IsRequest() {
			key := msgs[i].ID.String()
			st.expect(key)
			t.requests[key] = st.id
		}
	}
	t.streams[st.id] = st
	t.mu.Unlock()

	if !st.json {
		if err := st.sess.Flush(); err != nil {
			t.log.WarnContext(ctx, "sse.flush.fail", slog.String("err", err.Error()))
		}
		t.cfg.metrics.streams.Inc()
		defer t.cfg.metrics.streams.Dec()
	}

	defer func() {
		if st.finished() || st.json || t.cfg.events == nil {
			t.dropStream(st)
			return
		}
		// The client may resume with Last-Event-ID; keep routing and storing.
		st.detach()
	}()

	for i := range msgs {
		m := &msgs[i]
		if !m.IsRequest() {
			t.dispatch(ctx, m)
			continue
		}
		go t.dispatch(ctx, m)
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		t.log.InfoContext(ctx, "http.post.disconnect")
		return
	}

	if st.json {
		t.writeJSON(w, st)
	}
	t.log.InfoContext(ctx, "http.post.ok")
}

func (t *Transport) dispatch(ctx context.Context, m *jsonrpc.AnyMessage) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: m.Method, ID: m.ID.String(), Type: m.Type()})
	t.handler.HandleMessage(ctx, t, m)
}

func (t *Transport) writeJSON(w http.ResponseWriter, st *stream) {
	st.mu.Lock()
	out := make([]*jsonrpc.Response, 0, len(st.order))
	for _, key := range st.order {
		if resp := st.responses[key]; resp != nil {
			out = append(out, resp)
		}
	}
	st.mu.Unlock()

	b, err := jsonrpc.EncodeBatch(out)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to encode responses")
		return
	}
	t.setSessionHeaders(w)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// initialize validates an initialize POST and issues the session id.
func (t *Transport) initialize(ctx context.Context, req *jsonrpc.AnyMessage, batchLen int) *httpError {
	t.mu.Lock()
	if t.initialized && t.sessionID != "" {
		t.mu.Unlock()
		return &httpError{http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Server already initialized"}
	}
	if batchLen > 1 {
		t.mu.Unlock()
		return &httpError{http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Only one initialization request is allowed"}
	}
	if t.cfg.newSessionID != nil {
		t.sessionID = t.cfg.newSessionID()
	}
	t.initialized = true
	t.initRequest = req.ID.String()
	t.initParams = append(json.RawMessage(nil), req.Params...)
	if u := UserFromContext(ctx); u != nil {
		t.userID = u.UserID()
	}
	st := t.stateLocked()
	t.mu.Unlock()

	t.persist(ctx, st)
	if st.SessionID != "" {
		for _, fn := range t.cfg.onInitialized {
			fn(ctx, st.SessionID)
		}
	}
	t.log.InfoContext(ctx, "session.initialize.ok", slog.String("session_id", st.SessionID))
	return nil
}

// Send delivers msg to the client. A response is routed to the exchange
// that carried its request; other messages follow WithRelatedRequest or,
// without it, go to the standalone GET stream. Standalone messages are
// dropped when no GET is open unless an EventStore keeps them for replay.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message, opts ...transport.SendOption) error {
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInvalidBatch, err)
	}
	so := transport.ApplySendOptions(opts...)
	rid := so.RelatedRequestID
	if m.IsResponse() {
		rid = m.ID
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}

	if rid.IsNil() {
		if m.IsResponse() {
			t.mu.Unlock()
			return errors.New("streaminghttp: responses cannot be sent on the standalone stream")
		}
		streamID := t.standaloneIDLocked()
		t.mu.Unlock()
		return t.sendStandalone(ctx, streamID, msg)
	}

	key := rid.String()
	st := t.streams[t.requests[key]]
	if st == nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoStream, key)
	}
	var saveState bool
	if m.IsResponse() && key == t.initRequest && m.Result != nil {
		var res struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		if json.Unmarshal(m.Result, &res) == nil && res.ProtocolVersion != "" {
			t.protocolVersion = res.ProtocolVersion
			saveState = true
		}
	}
	state := t.stateLocked()
	t.mu.Unlock()
	if saveState {
		t.persist(ctx, state)
	}

	if !st.json {
		st.sendMu.Lock()
		eventID, err := t.storeEvent(ctx, st.id, msg)
		if err == nil {
			if werr := st.write(eventID, msg); werr != nil {
				t.log.WarnContext(ctx, "sse.write.fail", slog.String("err", werr.Error()))
			}
		}
		st.sendMu.Unlock()
		if err != nil {
			return err
		}
	}

	if m.IsResponse() {
		t.mu.Lock()
		delete(t.requests, key)
		t.mu.Unlock()
		if st.deliver(key, m.AsResponse()) {
			st.finish()
			t.dropStream(st)
		}
	}
	return nil
}

func (t *Transport) sendStandalone(ctx context.Context, streamID string, msg jsonrpc.Message) error {
	t.standaloneMu.Lock()
	defer t.standaloneMu.Unlock()

	t.mu.Lock()
	st := t.streams[streamID]
	t.mu.Unlock()

	eventID, err := t.storeEvent(ctx, streamID, msg)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	return st.write(eventID, msg)
}

func (t *Transport) storeEvent(ctx context.Context, streamID string, msg jsonrpc.Message) (string, error) {
	if t.cfg.events == nil {
		return "", nil
	}
	id, err := t.cfg.events.StoreEvent(ctx, streamID, msg)
	if err != nil {
		return "", fmt.Errorf("streaminghttp: store event: %w", err)
	}
	return id, nil
}

// dropStream forgets st and any request still routed to it.
func (t *Transport) dropStream(st *stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streams[st.id] == st {
		delete(t.streams, st.id)
	}
	for key, id := range t.requests {
		if id == st.id {
			delete(t.requests, key)
		}
	}
}

func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t.log.InfoContext(ctx, "http.get.start")

	if !accepts(r, eventStreamMediaType) {
		writeRPCError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeTransport, "Not Acceptable: Client must accept text/event-stream")
		return
	}
	if herr := t.validateSession(r); herr != nil {
		herr.write(w)
		return
	}
	if herr := validateProtocolVersion(r); herr != nil {
		herr.write(w)
		return
	}

	if last := r.Header.Get(lastEventIDHeader); last != "" && t.cfg.events != nil {
		t.resume(w, r, last)
		return
	}

	t.standaloneMu.Lock()
	t.mu.Lock()
	streamID := t.standaloneIDLocked()
	if _, ok := t.streams[streamID]; ok {
		t.mu.Unlock()
		t.standaloneMu.Unlock()
		t.log.WarnContext(ctx, "sse.standalone.conflict")
		writeRPCError(w, http.StatusConflict, jsonrpc.ErrorCodeTransport, "Conflict: Only one SSE stream is allowed per session")
		return
	}
	st := newStream(streamID, false)
	t.streams[streamID] = st
	t.mu.Unlock()
	defer t.dropStream(st)

	opened := t.openSSE(w, r, st)
	t.standaloneMu.Unlock()
	if !opened {
		return
	}
	t.log.InfoContext(ctx, "sse.standalone.open")
	select {
	case <-ctx.Done():
	case <-st.done:
	}
	t.log.InfoContext(ctx, "sse.standalone.close")
}

func (t *Transport) openSSE(w http.ResponseWriter, r *http.Request, st *stream) bool {
	t.setSessionHeaders(w)
	w.Header().Set("X-Accel-Buffering", "no")
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		t.log.ErrorContext(r.Context(), "sse.upgrade.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		return false
	}
	st.attach(sess)
	st.mu.Lock()
	err = sess.Flush()
	st.mu.Unlock()
	if err != nil {
		return false
	}
	t.cfg.metrics.streams.Inc()
	go func() {
		<-r.Context().Done()
		t.cfg.metrics.streams.Dec()
	}()
	return true
}

type replayed struct {
	id  string
	msg jsonrpc.Message
}

// resume replays events after lastEventID and re-attaches the stream they
// belong to if it is still live. Only streams of this session can be
// resumed. The stream's send lock is held from the replay until the stream
// is attached, so nothing stored in between is lost or sent twice.
func (t *Transport) resume(w http.ResponseWriter, r *http.Request, lastEventID string) {
	ctx := r.Context()
	streamID, err := t.cfg.events.ReplayEventsAfter(ctx, lastEventID, func(string, jsonrpc.Message) error { return errReplayPeek })
	if err != nil && !errors.Is(err, errReplayPeek) {
		t.log.WarnContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeTransport, "Bad Request: unknown Last-Event-ID")
		return
	}

	t.mu.Lock()
	owned := t.ownsStreamLocked(streamID)
	standalone := streamID == t.standaloneIDLocked()
	live := t.streams[streamID]
	t.mu.Unlock()
	if !owned {
		t.log.WarnContext(ctx, "sse.replay.foreign", slog.String("stream_id", streamID))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeTransport, "Bad Request: unknown Last-Event-ID")
		return
	}

	lock := new(sync.Mutex)
	switch {
	case standalone:
		lock = &t.standaloneMu
	case live != nil:
		lock = &live.sendMu
	}
	lock.Lock()
	locked := true
	defer func() {
		if locked {
			lock.Unlock()
		}
	}()

	var backlog []replayed
	if _, err := t.cfg.events.ReplayEventsAfter(ctx, lastEventID, func(id string, msg jsonrpc.Message) error {
		backlog = append(backlog, replayed{id, msg})
		return nil
	}); err != nil {
		t.log.WarnContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeTransport, "Bad Request: unknown Last-Event-ID")
		return
	}

	if standalone {
		t.mu.Lock()
		if t.streams[streamID] != nil {
			t.mu.Unlock()
			writeRPCError(w, http.StatusConflict, jsonrpc.ErrorCodeTransport, "Conflict: Only one SSE stream is allowed per session")
			return
		}
		live = newStream(streamID, false)
		t.streams[streamID] = live
		t.mu.Unlock()
	}
	release := func() {
		switch {
		case standalone:
			t.dropStream(live)
		case live != nil:
			live.detach()
		}
	}

	st := live
	if st == nil {
		st = newStream(streamID, false)
	}
	if !t.openSSE(w, r, st) {
		release()
		return
	}
	for _, ev := range backlog {
		if err := st.write(ev.id, ev.msg); err != nil {
			t.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			release()
			return
		}
	}
	lock.Unlock()
	locked = false
	t.log.InfoContext(ctx, "sse.replay.ok", slog.Int("events", len(backlog)), slog.String("stream_id", streamID))
	if live == nil {
		return
	}

	select {
	case <-ctx.Done():
		release()
	case <-live.done:
	}
}

func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if herr := t.validateSession(r); herr != nil {
		herr.write(w)
		return
	}
	if herr := validateProtocolVersion(r); herr != nil {
		herr.write(w)
		return
	}
	if err := t.Close(ctx); err != nil {
		t.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}
	w.WriteHeader(http.StatusOK)
	t.log.InfoContext(ctx, "http.delete.ok")
}

// shutdown stops serving without ending the session.
func (t *Transport) shutdown() {
	t.mu.Lock()
	t.closed = true
	streams := t.streams
	t.streams = make(map[string]*stream)
	t.requests = make(map[string]string)
	t.mu.Unlock()
	for _, st := range streams {
		st.finish()
	}
	t.closeHandler()
}

func (t *Transport) closeHandler() {
	if c, ok := t.handler.(io.Closer); ok {
		_ = c.Close()
	}
}

// Close ends the session: every open stream is closed, persisted state is
// deleted and the session-closed hooks run with the session id. A message
// handler that implements io.Closer is closed too.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	id := t.sessionID
	streams := t.streams
	t.streams = make(map[string]*stream)
	t.requests = make(map[string]string)
	t.mu.Unlock()

	for _, st := range streams {
		st.finish()
	}
	t.closeHandler()
	var err error
	if t.cfg.state != nil && id != "" {
		err = t.cfg.state.Delete(ctx, id)
	}
	if id != "" {
		for _, fn := range t.cfg.onClosed {
			fn(ctx, id)
		}
	}
	return err
}
