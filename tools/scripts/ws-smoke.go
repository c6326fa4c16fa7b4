//go:build ignore

// Package main provides a CI-friendly WebSocket smoke test for the coedit realtime gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/hello_ack participant binding
//   - session create and join for two clients
//   - concurrent change submits transformed against each other
//   - change.applied fanout to the other client
//   - history fetch and undo
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "coedit/shared/contracts/collab/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name          string
	conn          *websocket.Conn
	participantID string
	seq           int

	inbox chan v1.Envelope
	errCh chan error
}

type change struct {
	ID            string `json:"id"`
	ParticipantID string `json:"participant_id"`
	Position      int    `json:"position"`
	Content       string `json:"content"`
	Version       int64  `json:"version"`
}

type changeEvent struct {
	Change  change `json:"change"`
	ActorID string `json:"actor_id"`
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		docID   = flag.String("doc", "smoke-doc", "Document ID to open a session for")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	a := mustConnect(root, "A", "smoke-a-"+suffix, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", "smoke-b-"+suffix, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.participantID, b.participantID, *origin)
	}

	var sess struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
	}
	a.mustRequest(root, v1.TypeSessionCreate, v1.SessionCreatePayload{DocumentID: *docID}, &sess, *timeout)
	if strings.TrimSpace(sess.ID) == "" {
		fatalf("session_create returned no id")
	}

	a.mustRequest(root, v1.TypeSessionJoin, v1.SessionJoinPayload{SessionID: sess.ID}, nil, *timeout)
	b.mustRequest(root, v1.TypeSessionJoin, v1.SessionJoinPayload{SessionID: sess.ID}, nil, *timeout)

	if *verbose {
		fmt.Printf("joined: session_id=%s doc=%s\n", sess.ID, *docID)
	}

	base := sess.Version
	var first change
	a.mustRequest(root, v1.TypeChangeSubmit, v1.ChangeSubmitPayload{
		SessionID:   sess.ID,
		Kind:        "insert",
		Position:    0,
		Content:     "Hello",
		BaseVersion: &base,
	}, &first, *timeout)

	ev := b.mustAwaitEvent(root, "change.applied", *timeout)
	var applied changeEvent
	if err := json.Unmarshal(ev.Data, &applied); err != nil {
		fatalf("unmarshal change.applied (%s): %v", b.name, err)
	}
	if applied.Change.ID != first.ID || applied.ActorID != a.participantID {
		fatalf("change.applied mismatch (%s): got=%+v want id=%s", b.name, applied, first.ID)
	}

	// B has not seen A's insert yet; its insert at 0 must land after "Hello".
	var second change
	b.mustRequest(root, v1.TypeChangeSubmit, v1.ChangeSubmitPayload{
		SessionID:   sess.ID,
		Kind:        "insert",
		Position:    0,
		Content:     " world",
		BaseVersion: &base,
	}, &second, *timeout)
	if second.Position != len("Hello") {
		fatalf("transform: position=%d want %d", second.Position, len("Hello"))
	}
	if second.Version != first.Version+1 {
		fatalf("version: got=%d want %d", second.Version, first.Version+1)
	}

	var chunk v1.HistoryChunkResult
	b.mustRequest(root, v1.TypeHistoryFetch, v1.HistoryFetchPayload{SessionID: sess.ID}, &chunk, *timeout)
	if chunk.Source != "live" || len(chunk.Changes) != 2 {
		fatalf("history: source=%q changes=%d", chunk.Source, len(chunk.Changes))
	}
	if chunk.Changes[0].ID != first.ID || chunk.Changes[1].ID != second.ID {
		fatalf("history order mismatch: %+v", chunk.Changes)
	}

	var undone change
	a.mustRequest(root, v1.TypeChangeUndo, v1.SessionRefPayload{SessionID: sess.ID}, &undone, *timeout)
	if undone.ID != second.ID {
		fatalf("undo: got=%s want %s", undone.ID, second.ID)
	}
	b.mustAwaitEvent(root, "change.undone", *timeout)

	a.mustRequest(root, v1.TypeSessionLeave, v1.SessionRefPayload{SessionID: sess.ID}, nil, *timeout)
	b.mustAwaitEvent(root, "participant.left", *timeout)

	fmt.Printf("OK: A=%s B=%s session_id=%s version=%d\n", a.participantID, b.participantID, sess.ID, second.Version)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, participantID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.mustWrite(parent, v1.TypeHello, v1.HelloPayload{ParticipantID: participantID}, stepTimeout)
	ack := c.mustReadUntil(parent, stepTimeout, func(env v1.Envelope) bool { return env.Type == v1.TypeHelloAck })

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if p.ParticipantID != participantID || strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack mismatch (%s): %+v", name, p)
	}
	c.participantID = p.ParticipantID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustRequest sends one request and decodes the ack result into out (when non-nil).
// Events that arrive before the ack are skipped.
func (c *smokeClient) mustRequest(parent context.Context, typ string, payload, out any, stepTimeout time.Duration) {
	id := c.mustWrite(parent, typ, payload, stepTimeout)

	env := c.mustReadUntil(parent, stepTimeout, func(env v1.Envelope) bool {
		if env.Type != v1.TypeAck {
			return false
		}
		var ack v1.AckPayload
		return json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID == id
	})

	var ack v1.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		fatalf("unmarshal ack (%s): %v", c.name, err)
	}
	if ack.RequestType != typ {
		fatalf("ack request_type mismatch (%s): got=%q want=%q", c.name, ack.RequestType, typ)
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal(ack.Result, out); err != nil {
		fatalf("unmarshal %s result (%s): %v", typ, c.name, err)
	}
}

func (c *smokeClient) mustAwaitEvent(parent context.Context, eventType string, stepTimeout time.Duration) v1.EventPayload {
	var got v1.EventPayload
	c.mustReadUntil(parent, stepTimeout, func(env v1.Envelope) bool {
		if env.Type != v1.TypeEvent {
			return false
		}
		var p v1.EventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Type != eventType {
			return false
		}
		got = p
		return true
	})
	return got
}

func (c *smokeClient) mustReadUntil(parent context.Context, stepTimeout time.Duration, match func(v1.Envelope) bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed (%s)", c.name)
			}
			fatalf("connection error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q request_id=%q", c.name, ep.Code, ep.Message, ep.RequestID)
			}
			if match(env) {
				return env
			}
		}
	}
}

func (c *smokeClient) mustWrite(parent context.Context, typ string, payload any, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	c.seq++
	id := fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq)
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
	return id
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
