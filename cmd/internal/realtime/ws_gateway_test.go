package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"coedit/cmd/internal/archive"
	"coedit/cmd/internal/collab"
	v1 "coedit/shared/contracts/collab/v1"
)

func newTestGateway(t *testing.T, opts ...GatewayOption) (*WSGateway, *collab.Store) {
	t.Helper()
	store := collab.NewStore()
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return NewWSGateway(nil, store, cfg, opts...), store
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseHTTPURL string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func send(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

// readUntil returns the first envelope matching pred within maxReads frames.
func readUntil(t *testing.T, conn *websocket.Conn, maxReads int, pred func(v1.Envelope) bool) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if pred(env) {
			return env
		}
	}
	t.Fatalf("no matching envelope within %d reads", maxReads)
	return v1.Envelope{}
}

// request sends one envelope and decodes the ack result into out (if non-nil).
func request(t *testing.T, conn *websocket.Conn, typ, id string, payload, out any) {
	t.Helper()
	send(t, conn, typ, id, payload)
	env := readUntil(t, conn, 16, func(e v1.Envelope) bool {
		return (e.Type == v1.TypeAck || e.Type == v1.TypeError) && requestIDOf(t, e) == id
	})
	if env.Type == v1.TypeError {
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		t.Fatalf("%s %s failed: %s: %s", typ, id, p.Code, p.Message)
	}
	if out == nil {
		return
	}
	var ack v1.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if err := json.Unmarshal(ack.Result, out); err != nil {
		t.Fatalf("decode ack result: %v", err)
	}
}

// requestErr sends one envelope and returns the error code it fails with.
func requestErr(t *testing.T, conn *websocket.Conn, typ, id string, payload any) string {
	t.Helper()
	send(t, conn, typ, id, payload)
	env := readUntil(t, conn, 16, func(e v1.Envelope) bool {
		return (e.Type == v1.TypeAck || e.Type == v1.TypeError) && requestIDOf(t, e) == id
	})
	if env.Type != v1.TypeError {
		t.Fatalf("%s %s: expected error, got ack", typ, id)
	}
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p.Code
}

func requestIDOf(t *testing.T, env v1.Envelope) string {
	t.Helper()
	var p struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(env.Payload, &p)
	return p.RequestID
}

func awaitEvent(t *testing.T, conn *websocket.Conn, typ collab.EventType) v1.EventPayload {
	t.Helper()
	env := readUntil(t, conn, 16, func(e v1.Envelope) bool {
		if e.Type != v1.TypeEvent {
			return false
		}
		var p v1.EventPayload
		_ = json.Unmarshal(e.Payload, &p)
		return p.Type == string(typ)
	})
	var p v1.EventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return p
}

func hello(t *testing.T, conn *websocket.Conn, participantID string) {
	t.Helper()
	send(t, conn, v1.TypeHello, "hello-"+participantID, v1.HelloPayload{ParticipantID: participantID})
	env := readUntil(t, conn, 4, func(e v1.Envelope) bool { return e.Type == v1.TypeHelloAck })
	var p v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode hello_ack: %v", err)
	}
	if p.ParticipantID != participantID || p.ConnectionID == "" {
		t.Fatalf("unexpected hello_ack: %+v", p)
	}
}

func TestWSGateway_OriginRequired_Rejected(t *testing.T) {
	t.Parallel()

	gw := NewWSGateway(nil, nil, DefaultGatewayConfig())
	ts := startWSTestServer(t, gw)

	conn, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		t.Fatalf("expected dial to fail without Origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v", resp)
	}

	conn, resp, err = dialWS(t, ts.URL, "http://localhost")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("allowed origin dial failed: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestWSGateway_HelloRequired(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t)
	conn := mustDial(t, startWSTestServer(t, gw))

	code := requestErr(t, conn, v1.TypeSessionCreate, "c1", v1.SessionCreatePayload{DocumentID: "doc"})
	if code != codeHelloRequired {
		t.Fatalf("code=%q want %q", code, codeHelloRequired)
	}
}

func TestWSGateway_BadEnvelopeAndJSON(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t)
	conn := mustDial(t, startWSTestServer(t, gw))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readUntil(t, conn, 2, func(e v1.Envelope) bool { return e.Type == v1.TypeError })
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != codeBadJSON {
		t.Fatalf("code=%q want %q", p.Code, codeBadJSON)
	}

	if code := requestErr(t, conn, "message_send", "m1", map[string]string{}); code != codeBadEnvelope {
		t.Fatalf("code=%q want %q", code, codeBadEnvelope)
	}
}

func TestWSGateway_CollaborativeEditing(t *testing.T) {
	t.Parallel()

	gw, store := newTestGateway(t)
	ts := startWSTestServer(t, gw)

	a := mustDial(t, ts)
	b := mustDial(t, ts)
	hello(t, a, "A")
	hello(t, b, "B")

	var sess collab.Session
	request(t, a, v1.TypeSessionCreate, "create", v1.SessionCreatePayload{DocumentID: "doc-1"}, &sess)
	if sess.ID == "" || sess.CreatedBy != "A" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	var joined joinResult
	request(t, a, v1.TypeSessionJoin, "join-a", v1.SessionJoinPayload{SessionID: sess.ID}, &joined)
	request(t, b, v1.TypeSessionJoin, "join-b", v1.SessionJoinPayload{SessionID: sess.ID}, &joined)
	if len(joined.Participants) != 2 {
		t.Fatalf("expected 2 present participants, got %d", len(joined.Participants))
	}

	base := int64(0)
	var first collab.Change
	request(t, a, v1.TypeChangeSubmit, "ch-a", v1.ChangeSubmitPayload{
		SessionID: sess.ID, Kind: "insert", Position: 0, Content: "Hello", BaseVersion: &base,
	}, &first)
	if first.Version != 1 {
		t.Fatalf("version=%d want 1", first.Version)
	}

	ev := awaitEvent(t, b, collab.EventChangeApplied)
	if ev.Version != 1 || ev.SessionID != sess.ID {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// B has not seen A's insert yet, so its insert at 0 lands after it.
	var second collab.Change
	request(t, b, v1.TypeChangeSubmit, "ch-b", v1.ChangeSubmitPayload{
		SessionID: sess.ID, Kind: "insert", Position: 0, Content: "X", BaseVersion: &base,
	}, &second)
	if second.Position != 5 || second.Version != 2 {
		t.Fatalf("unexpected transformed change: pos=%d version=%d", second.Position, second.Version)
	}

	var chunk v1.HistoryChunkResult
	request(t, b, v1.TypeHistoryFetch, "hist", v1.HistoryFetchPayload{SessionID: sess.ID}, &chunk)
	if chunk.Source != "live" || len(chunk.Changes) != 2 || chunk.HasMore {
		t.Fatalf("unexpected history: %+v", chunk)
	}

	var undone collab.Change
	request(t, a, v1.TypeChangeUndo, "undo", v1.SessionRefPayload{SessionID: sess.ID}, &undone)
	if undone.ID != second.ID {
		t.Fatalf("undo popped %s want %s", undone.ID, second.ID)
	}
	undoEv := awaitEvent(t, b, collab.EventChangeUndone)
	var cp collab.ChangePayload
	if err := json.Unmarshal(undoEv.Data, &cp); err != nil {
		t.Fatalf("decode undo event: %v", err)
	}
	if cp.ActorID != "A" || cp.Change.ParticipantID != "B" {
		t.Fatalf("unexpected undo payload: %+v", cp)
	}

	var stats collab.Stats
	request(t, a, v1.TypeStatsGet, "stats", v1.SessionRefPayload{SessionID: sess.ID}, &stats)
	if stats.TotalChanges != 2 || stats.ParticipantCount != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// Disconnecting B removes it from the session.
	_ = b.Close(websocket.StatusNormalClosure, "bye")
	left := awaitEvent(t, a, collab.EventParticipantLeft)
	var pp collab.ParticipantPayload
	if err := json.Unmarshal(left.Data, &pp); err != nil {
		t.Fatalf("decode left event: %v", err)
	}
	if pp.ParticipantID != "B" {
		t.Fatalf("left participant=%q want B", pp.ParticipantID)
	}

	got, err := store.Session(sess.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(got.Participants) != 1 || got.Participants[0] != "A" {
		t.Fatalf("participants=%v want [A]", got.Participants)
	}
}

func TestWSGateway_CreatorDisconnectClosesSession(t *testing.T) {
	t.Parallel()

	gw, store := newTestGateway(t)
	ts := startWSTestServer(t, gw)

	a := mustDial(t, ts)
	hello(t, a, "A")

	var sess collab.Session
	request(t, a, v1.TypeSessionCreate, "create", v1.SessionCreatePayload{DocumentID: "doc"}, &sess)
	if len(sess.Participants) != 1 || sess.Participants[0] != "A" {
		t.Fatalf("participants=%v want [A]", sess.Participants)
	}

	// Joined implicitly: the creator can edit without session_join.
	var ch collab.Change
	request(t, a, v1.TypeChangeSubmit, "ch", v1.ChangeSubmitPayload{SessionID: sess.ID, Kind: "insert", Content: "x"}, &ch)
	if ch.Version != 1 {
		t.Fatalf("version=%d want 1", ch.Version)
	}

	_ = a.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for len(store.Sessions()) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b := mustDial(t, ts)
	hello(t, b, "B")
	if code := requestErr(t, b, v1.TypeStatsGet, "stats", v1.SessionRefPayload{SessionID: sess.ID}); code != "session_not_found" {
		t.Fatalf("code=%q want session_not_found", code)
	}
}

func TestWSGateway_NotJoinedAndSessionErrors(t *testing.T) {
	t.Parallel()

	gw, store := newTestGateway(t)
	conn := mustDial(t, startWSTestServer(t, gw))
	hello(t, conn, "C")

	sess, err := store.CreateSession(collab.SessionConfig{
		DocumentID: "doc", CreatorID: "A",
		Settings: &collab.Settings{MaxParticipants: 1, AllowComments: false},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name    string
		typ     string
		payload any
		want    string
	}{
		{"submit without join", v1.TypeChangeSubmit, v1.ChangeSubmitPayload{SessionID: sess.ID, Kind: "insert", Content: "x"}, codeNotJoined},
		{"join full session", v1.TypeSessionJoin, v1.SessionJoinPayload{SessionID: sess.ID}, "session_full"},
		{"join unknown session", v1.TypeSessionJoin, v1.SessionJoinPayload{SessionID: "nope"}, "session_not_found"},
		{"stats unknown session", v1.TypeStatsGet, v1.SessionRefPayload{SessionID: "nope"}, "session_not_found"},
		{"missing payload field", v1.TypeSessionJoin, v1.SessionJoinPayload{}, codeBadPayload},
	}
	for i, tc := range cases {
		if got := requestErr(t, conn, tc.typ, "req-"+string(rune('a'+i)), tc.payload); got != tc.want {
			t.Fatalf("%s: code=%q want %q", tc.name, got, tc.want)
		}
	}
}

func TestWSGateway_HistoryFromArchiveAfterClose(t *testing.T) {
	t.Parallel()

	mem := archive.NewInMemoryStore()
	gw, store := newTestGateway(t, WithArchive(mem))
	conn := mustDial(t, startWSTestServer(t, gw))
	hello(t, conn, "A")

	sess, err := store.CreateSession(collab.SessionConfig{DocumentID: "doc", CreatorID: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		ch, err := store.ApplyChange(sess.ID, "A", collab.Operation{Kind: collab.OpInsert, Position: i, Content: "x"})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if _, err := mem.AppendChange(context.Background(), archive.FromChange(ch)); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	store.CloseSession(sess.ID)

	after := int64(1)
	var chunk v1.HistoryChunkResult
	request(t, conn, v1.TypeHistoryFetch, "hist", v1.HistoryFetchPayload{SessionID: sess.ID, AfterVersion: &after, Limit: 1}, &chunk)
	if chunk.Source != "archive" || len(chunk.Changes) != 1 || !chunk.HasMore {
		t.Fatalf("unexpected archive chunk: %+v", chunk)
	}
	if chunk.Changes[0].Version != 2 {
		t.Fatalf("version=%d want 2", chunk.Changes[0].Version)
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{collab.OpError{Op: "x", Kind: collab.ErrNothingToUndo}, "nothing_to_undo"},
		{collab.OpError{Op: "x", Kind: collab.ErrCommentsNotAllowed}, "comments_not_allowed"},
		{collab.OpError{Op: "x", Kind: collab.ErrUserNotInSession}, "user_not_in_session"},
		{errNotJoined, codeNotJoined},
		{errors.New("boom"), codeInternal},
	}
	for _, tc := range cases {
		if got := errorCode(tc.err); got != tc.want {
			t.Fatalf("errorCode(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:3000", "https://Example.com", "127.0.0.1:8080", "*", "http://localhost",
	})
	want := []string{"*", "127.0.0.1", "example.com", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want %v", got, want)
	}
}
