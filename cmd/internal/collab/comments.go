package collab

import "strings"

// AddComment anchors a new comment thread at position.
// Comments are outside the edit timeline: they are never transformed and do not bump the version.
func (s *Store) AddComment(sessionID, participantID string, position int, body string) (Comment, error) {
	const op = "collab.AddComment"

	if participantID == "" {
		return Comment{}, opErr(op, ErrInvalidInput, "empty participant id")
	}
	if strings.TrimSpace(body) == "" {
		return Comment{}, opErr(op, ErrInvalidInput, "empty body")
	}

	st, err := s.acquire(op, sessionID)
	if err != nil {
		return Comment{}, err
	}
	defer st.mu.Unlock()

	if !st.session.Settings.AllowComments {
		return Comment{}, opErr(op, ErrCommentsNotAllowed, sessionID)
	}

	now := s.now()
	id, err := NewID(now)
	if err != nil {
		return Comment{}, opErr(op, ErrInternal, err.Error())
	}

	c := &Comment{
		ID:            id,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Position:      max(position, 0),
		Body:          body,
		CreatedAt:     now,
		Replies:       []Reply{},
	}
	st.comments = append(st.comments, c)

	s.mu.Lock()
	s.comments[id] = sessionID
	s.mu.Unlock()

	out := c.clone()
	s.publish(st, EventCommentAdded, now, CommentPayload{Comment: out.clone()})
	return out, nil
}

// lockComment resolves commentID to its locked session and the comment itself.
func (s *Store) lockComment(op, commentID string) (*sessionState, *Comment, error) {
	s.mu.RLock()
	sessionID, ok := s.comments[commentID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, opErr(op, ErrCommentNotFound, commentID)
	}

	st, err := s.acquire(op, sessionID)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range st.comments {
		if c.ID == commentID {
			return st, c, nil
		}
	}
	st.mu.Unlock()
	return nil, nil, opErr(op, ErrCommentNotFound, commentID)
}

// ReplyToComment appends a reply to a thread regardless of its resolved state.
func (s *Store) ReplyToComment(commentID, participantID, body string) (Reply, error) {
	const op = "collab.ReplyToComment"

	if participantID == "" {
		return Reply{}, opErr(op, ErrInvalidInput, "empty participant id")
	}
	if strings.TrimSpace(body) == "" {
		return Reply{}, opErr(op, ErrInvalidInput, "empty body")
	}

	st, c, err := s.lockComment(op, commentID)
	if err != nil {
		return Reply{}, err
	}
	defer st.mu.Unlock()

	now := s.now()
	id, err := NewID(now)
	if err != nil {
		return Reply{}, opErr(op, ErrInternal, err.Error())
	}

	r := Reply{
		ID:            id,
		CommentID:     commentID,
		ParticipantID: participantID,
		Body:          body,
		CreatedAt:     now,
	}
	c.Replies = append(c.Replies, r)

	s.publish(st, EventCommentReplyAdded, now, ReplyPayload{Reply: r})
	return r, nil
}

// ResolveComment marks a thread resolved. Resolving twice keeps the first resolution.
func (s *Store) ResolveComment(commentID, participantID string) (Comment, error) {
	const op = "collab.ResolveComment"

	st, c, err := s.lockComment(op, commentID)
	if err != nil {
		return Comment{}, err
	}
	defer st.mu.Unlock()

	if c.Resolved {
		return c.clone(), nil
	}

	now := s.now()
	c.Resolved = true
	c.ResolvedBy = participantID
	c.ResolvedAt = &now

	out := c.clone()
	s.publish(st, EventCommentResolved, now, CommentPayload{Comment: out.clone()})
	return out, nil
}

// Comments returns the session's threads in creation order.
func (s *Store) Comments(sessionID string) ([]Comment, error) {
	st, err := s.acquire("collab.Comments", sessionID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	out := make([]Comment, 0, len(st.comments))
	for _, c := range st.comments {
		out = append(out, c.clone())
	}
	return out, nil
}
