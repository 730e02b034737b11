package session

import (
	"fmt"

	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// WatchAdd registers an expression for tracking and returns a copy of
// the new watch, including its id.
// Watches are independent of stop context and survive relaunches.
func (s *Session) WatchAdd(expression string) (*types.Watch, error) {
	s.touch()
	if expression == "" {
		return nil, errors.InvalidArgument("expression is required").WithSession(s.id)
	}

	s.mu.Lock()
	s.watchSeq++
	w := &types.Watch{
		ID:         fmt.Sprintf("w%d", s.watchSeq),
		Expression: expression,
	}
	s.watches = append(s.watches, w)
	cp := *w
	s.mu.Unlock()

	s.notifyChange()
	return &cp, nil
}

// WatchRemove deletes a watch by id.
func (s *Session) WatchRemove(id string) error {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watches {
		if w.ID == id {
			s.watches = append(s.watches[:i], s.watches[i+1:]...)
			return nil
		}
	}
	return errors.NotFound("watch", id).WithSession(s.id)
}

// WatchList returns the watches with their last evaluation results.
func (s *Session) WatchList() []types.Watch {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Watch, len(s.watches))
	for i, w := range s.watches {
		out[i] = *w
	}
	return out
}

// WatchEvalAll evaluates every watch in the given frame (top frame when
// zero) and returns per-watch value or error. Requires STOPPED.
func (s *Session) WatchEvalAll(frameID int) ([]types.Watch, error) {
	s.touch()
	if err := s.requireState(types.StateStopped); err != nil {
		return nil, err
	}
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	if frameID == 0 {
		frameID = s.topFrameID()
	}

	s.mu.Lock()
	watches := make([]*types.Watch, len(s.watches))
	copy(watches, s.watches)
	s.mu.Unlock()

	out := make([]types.Watch, 0, len(watches))
	for _, w := range watches {
		body, err := client.Evaluate(w.Expression, frameID, "watch")

		s.mu.Lock()
		if err != nil {
			w.Value = ""
			w.Type = ""
			w.Error = errors.FromError(err).Message
		} else {
			w.Value = truncate(body.Result, valuePreviewLimit)
			w.Type = body.Type
			w.Error = ""
		}
		w.FrameID = frameID
		cp := *w
		s.mu.Unlock()

		out = append(out, cp)
	}
	return out, nil
}

// refreshWatches re-evaluates watches after a stop. Runs off the reader
// goroutine; failures only leave stale results behind.
func (s *Session) refreshWatches() {
	if s.State() != types.StateStopped {
		return
	}
	if _, err := s.WatchEvalAll(0); err != nil {
		s.log.V(1).Info("watch refresh failed", "error", err)
	}
}

// restoreWatches reloads persisted watch expressions.
func (s *Session) restoreWatches(expressions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, expr := range expressions {
		s.watchSeq++
		s.watches = append(s.watches, &types.Watch{
			ID:         fmt.Sprintf("w%d", s.watchSeq),
			Expression: expr,
		})
	}
}
