package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"coedit/cmd/internal/archive"
	"coedit/cmd/internal/collab"
	v1 "coedit/shared/contracts/collab/v1"
)

var (
	errHelloRequired = errors.New("hello required")
	errNotJoined     = errors.New("join the session first")
	errUnsupported   = errors.New("unsupported type")
)

// wsConn is the per-connection routing state.
// The joined session is read by the shutdown path from other goroutines.
type wsConn struct {
	client *Client

	mu        sync.Mutex
	sessionID string
	link      *sessionLink
}

func (c *wsConn) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// sessionLink forwards one session's bus events to a client.
type sessionLink struct {
	sub  *collab.Subscription
	done chan struct{}
}

func (l *sessionLink) close() {
	l.sub.Close()
	<-l.done
}

func (g *WSGateway) link(client *Client, sub *collab.Subscription) *sessionLink {
	l := &sessionLink{sub: sub, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for {
			select {
			case <-client.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				env, err := eventEnvelope(ev)
				if err != nil {
					g.log.Error("ws.event.encode.fail", "conn_id", client.ConnID, "type", ev.Type, "err", err)
					continue
				}
				if !g.enqueue(context.Background(), client, env) {
					g.log.Info("ws.event.drop", "conn_id", client.ConnID, "session_id", ev.SessionID, "type", ev.Type)
				}
			}
		}
	}()
	return l
}

func eventEnvelope(ev collab.Event) (v1.Envelope, error) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	p, err := json.Marshal(v1.EventPayload{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Version:   ev.Version,
		At:        ev.At,
		Data:      data,
	})
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(v1.TypeEvent, ev.SessionID, p, ev.At), nil
}

// leaveJoined removes the participant from its joined session and stops event delivery.
func (g *WSGateway) leaveJoined(c *wsConn) {
	c.mu.Lock()
	sessionID, l := c.sessionID, c.link
	c.sessionID, c.link = "", nil
	c.mu.Unlock()

	if sessionID == "" {
		return
	}
	if l != nil {
		l.close()
	}
	if err := g.store.RemoveParticipant(sessionID, c.client.ParticipantID()); err != nil && !collab.IsNotFound(err) {
		g.log.Warn("ws.leave.fail", "conn_id", c.client.ConnID, "session_id", sessionID, "err", err)
	}
}

// ---- dispatch ----

func (g *WSGateway) dispatch(ctx context.Context, c *wsConn, env v1.Envelope) (any, error) {
	if env.Type == v1.TypeHello {
		return nil, g.onHello(ctx, c, env)
	}
	pid := c.client.ParticipantID()
	if pid == "" {
		return nil, errHelloRequired
	}

	switch env.Type {
	case v1.TypeSessionCreate:
		return g.onSessionCreate(c, pid, env)
	case v1.TypeSessionJoin:
		return g.onSessionJoin(c, pid, env)
	case v1.TypeSessionLeave:
		return g.onSessionLeave(c, env)
	case v1.TypeChangeSubmit:
		return g.onChangeSubmit(c, pid, env)
	case v1.TypeChangeUndo:
		return g.onUndoRedo(c, pid, env, g.store.Undo)
	case v1.TypeChangeRedo:
		return g.onUndoRedo(c, pid, env, g.store.Redo)
	case v1.TypePresenceUpdate:
		return g.onPresenceUpdate(c, pid, env)
	case v1.TypeTypingSet:
		return g.onTypingSet(c, pid, env)
	case v1.TypeCommentAdd:
		return g.onCommentAdd(c, pid, env)
	case v1.TypeCommentReply:
		return g.onCommentReply(c, pid, env)
	case v1.TypeCommentResolve:
		return g.onCommentResolve(c, pid, env)
	case v1.TypeHistoryFetch:
		return g.onHistoryFetch(ctx, env)
	case v1.TypeStatsGet:
		return g.onStatsGet(env)
	case v1.TypeExportGet:
		return g.onExportGet(env)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupported, env.Type)
	}
}

func decode(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", errBadPayload)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

// requireJoined checks that the connection joined sessionID.
func requireJoined(c *wsConn, sessionID string) error {
	if sessionID == "" || c.joined() != sessionID {
		return errNotJoined
	}
	return nil
}

func tooLong(s string, max int) bool {
	return len([]rune(s)) > max
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, c *wsConn, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	pid := strings.TrimSpace(p.ParticipantID)
	if pid == "" {
		return fmt.Errorf("%w: missing participant_id", errBadPayload)
	}
	if cur := c.client.ParticipantID(); cur != "" && cur != pid {
		return fmt.Errorf("%w: participant already bound", errBadPayload)
	}
	c.client.setParticipantID(pid)

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{ConnectionID: c.client.ConnID, ParticipantID: pid})
	ack := newEnvelope(v1.TypeHelloAck, "", ackPayload, time.Now().UTC())
	if !g.enqueue(ctx, c.client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onSessionCreate(c *wsConn, pid string, env v1.Envelope) (any, error) {
	var p v1.SessionCreatePayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}

	cfg := collab.SessionConfig{DocumentID: strings.TrimSpace(p.DocumentID), CreatorID: pid}
	if p.Settings != nil {
		cfg.Settings = &collab.Settings{
			MaxParticipants: p.Settings.MaxParticipants,
			AllowComments:   p.Settings.AllowComments,
			AllowTracking:   p.Settings.AllowTracking,
		}
	}
	sess, err := g.store.CreateSession(cfg)
	if err != nil {
		return nil, err
	}

	// The creator is a member from the start; bind the session to this
	// connection so a disconnect removes it like any other participant.
	if _, err := g.joinSession(c, pid, sess.ID, nil); err != nil {
		g.store.CloseSession(sess.ID)
		return nil, err
	}
	return g.store.Session(sess.ID)
}

type joinResult struct {
	Session      collab.Session    `json:"session"`
	Participants []collab.Presence `json:"participants"`
}

func (g *WSGateway) onSessionJoin(c *wsConn, pid string, env v1.Envelope) (any, error) {
	var p v1.SessionJoinPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: missing session_id", errBadPayload)
	}

	var initial *collab.PresenceUpdate
	if p.Cursor != nil || p.Selection != nil {
		initial = &collab.PresenceUpdate{Cursor: p.Cursor}
		if p.Selection != nil {
			initial.Selection = &collab.Selection{Start: p.Selection.Start, End: p.Selection.End}
		}
	}

	sess, err := g.joinSession(c, pid, sessionID, initial)
	if err != nil {
		return nil, err
	}

	participants, err := g.store.GetActiveParticipants(sessionID)
	if err != nil {
		return nil, err
	}
	return joinResult{Session: sess, Participants: participants}, nil
}

// joinSession adds pid to sessionID and binds the session to the connection,
// leaving any other session the connection had joined.
func (g *WSGateway) joinSession(c *wsConn, pid, sessionID string, initial *collab.PresenceUpdate) (collab.Session, error) {
	current := c.joined()
	if current != "" && current != sessionID {
		g.leaveJoined(c)
	}

	// Subscribe before joining so no event after the join is missed.
	var sub *collab.Subscription
	if current != sessionID {
		sub = g.store.Bus().Subscribe(sessionID)
	}

	sess, err := g.store.AddParticipant(sessionID, pid, initial)
	if err != nil {
		if sub != nil {
			sub.Close()
		}
		return collab.Session{}, err
	}

	if sub != nil {
		l := g.link(c.client, sub)
		c.mu.Lock()
		c.sessionID, c.link = sessionID, l
		c.mu.Unlock()
	}
	return sess, nil
}

func (g *WSGateway) onSessionLeave(c *wsConn, env v1.Envelope) (any, error) {
	var p v1.SessionRefPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	if err := requireJoined(c, p.SessionID); err != nil {
		return nil, err
	}
	g.leaveJoined(c)
	return nil, nil
}

func (g *WSGateway) onChangeSubmit(c *wsConn, pid string, env v1.Envelope) (any, error) {
	var p v1.ChangeSubmitPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	if err := requireJoined(c, p.SessionID); err != nil {
		return nil, err
	}
	if tooLong(p.Content, maxContentChars) {
		return nil, fmt.Errorf("%w: content too long: max=%d chars", errBadPayload, maxContentChars)
	}

	return g.store.ApplyChange(p.SessionID, pid, collab.Operation{
		Kind:        collab.OpKind(p.Kind),
		Position:    p.Position,
		Content:     p.Content,
		BaseVersion: p.BaseVersion,
	})
}

func (g *WSGateway) onUndoRedo(c *wsConn, pid string, env v1.Envelope, fn func(sessionID, participantID string) (collab.Change, error)) (any, error) {
	var p v1.SessionRefPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	if err := requireJoined(c, p.SessionID); err != nil {
		return nil, err
	}
	return fn(p.SessionID, pid)
}

func (g *WSGateway) onPresenceUpdate(c *wsConn, pid string, env v1.Envelope) (any, error) {
	var p v1.PresenceUpdatePayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	if err := requireJoined(c, p.SessionID); err != nil {
		return nil, err
	}

	u := collab.PresenceUpdate{Cursor: p.Cursor, ClearSelection: p.ClearSelection}
	if p.Selection != nil {
		u.Selection = &collab.Selection{Start: p.Selection.Start, End: p.Selection.End}
	}
	return g.store.UpdatePresence(p.SessionID, pid, u)
}

func (g *WSGateway) onTypingSet(c *wsConn, pid string, env v1.Envelope) (any, error) {
	var p v1.TypingSetPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	if err := requireJoined(c, p.SessionID); err != nil {
		return nil, err
	}
	return nil, g.store.SetTypingStatus(p.SessionID, pid, p.IsTyping)
}

func (g *WSGateway) onCommentAdd(c *wsConn, pid string, env v1.Envelope) (any, error) {
	var p v1.CommentAddPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	if err := requireJoined(c, p.SessionID); err != nil {
		return nil, err
	}
	if tooLong(p.Body, maxCommentChars) {
		return nil, fmt.Errorf("%w: body too long: max=%d chars", errBadPayload, maxCommentChars)
	}
	return g.store.AddComment(p.SessionID, pid, p.Position, p.Body)
}

func (g *WSGateway) onCommentReply(c *wsConn, pid string, env v1.Envelope) (any, error) {
	var p v1.CommentReplyPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	if c.joined() == "" {
		return nil, errNotJoined
	}
	if tooLong(p.Body, maxCommentChars) {
		return nil, fmt.Errorf("%w: body too long: max=%d chars", errBadPayload, maxCommentChars)
	}
	return g.store.ReplyToComment(p.CommentID, pid, p.Body)
}

func (g *WSGateway) onCommentResolve(c *wsConn, pid string, env v1.Envelope) (any, error) {
	var p v1.CommentResolvePayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	if c.joined() == "" {
		return nil, errNotJoined
	}
	return g.store.ResolveComment(p.CommentID, pid)
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, env v1.Envelope) (any, error) {
	var p v1.HistoryFetchPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: missing session_id", errBadPayload)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var after int64
	if p.AfterVersion != nil {
		after = *p.AfterVersion
	}

	live, err := g.store.Changes(sessionID, after)
	switch {
	case err == nil:
		out := v1.HistoryChunkResult{SessionID: sessionID, Source: "live", Changes: make([]v1.ChangeRecord, 0, len(live))}
		if len(live) > limit {
			live, out.HasMore = live[:limit], true
		}
		for _, ch := range live {
			out.Changes = append(out.Changes, liveRecord(ch))
		}
		return out, nil

	case collab.IsNotFound(err) && g.archive != nil:
		res, err := g.archive.FetchChanges(ctx, archive.FetchInput{SessionID: sessionID, AfterVersion: p.AfterVersion, Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("archive fetch: %w", err)
		}
		out := v1.HistoryChunkResult{SessionID: sessionID, Source: "archive", HasMore: res.HasMore, Changes: make([]v1.ChangeRecord, 0, len(res.Changes))}
		for _, sc := range res.Changes {
			out.Changes = append(out.Changes, archivedRecord(sc))
		}
		return out, nil

	default:
		return nil, err
	}
}

func liveRecord(ch collab.Change) v1.ChangeRecord {
	return v1.ChangeRecord{
		ID:            ch.ID,
		SessionID:     ch.SessionID,
		ParticipantID: ch.ParticipantID,
		Kind:          string(ch.Kind),
		Position:      ch.Position,
		Content:       ch.Content,
		Timestamp:     ch.Timestamp,
		Version:       ch.Version,
		Hash:          ch.Hash,
	}
}

func archivedRecord(sc archive.StoredChange) v1.ChangeRecord {
	return v1.ChangeRecord{
		ID:            sc.ChangeID,
		SessionID:     sc.SessionID,
		ParticipantID: sc.ParticipantID,
		Kind:          sc.Kind,
		Position:      sc.Position,
		Content:       sc.Content,
		Timestamp:     sc.AppliedAt,
		Version:       sc.Version,
		Hash:          sc.Hash,
	}
}

func (g *WSGateway) onStatsGet(env v1.Envelope) (any, error) {
	var p v1.SessionRefPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	st, ok := g.store.GetSessionStatistics(p.SessionID)
	if !ok {
		return nil, collab.OpError{Op: "realtime.stats_get", Kind: collab.ErrSessionNotFound, Msg: p.SessionID}
	}
	return st, nil
}

func (g *WSGateway) onExportGet(env v1.Envelope) (any, error) {
	var p v1.ExportGetPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	return g.store.ExportHistory(p.SessionID, collab.ExportOptions{ParticipantID: p.ParticipantID})
}
