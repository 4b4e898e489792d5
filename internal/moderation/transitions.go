package moderation

// transitionKey indexes the transition table
type transitionKey struct {
	from   PostState
	action ActionKind
}

// transitions is the exhaustive post state machine. Pairs not listed are rejected.
// removed is terminal and has no outgoing edges.
var transitions = map[transitionKey]PostState{
	{PostStatePublished, ActionFlag}: PostStateFlagged,

	{PostStateFlagged, ActionApprove}: PostStatePublished,

	{PostStatePublished, ActionHide}: PostStateHidden,
	{PostStateFlagged, ActionHide}:   PostStateHidden,
	{PostStateHidden, ActionHide}:    PostStateHidden,

	{PostStatePublished, ActionRemove}: PostStateRemoved,
	{PostStateFlagged, ActionRemove}:   PostStateRemoved,
	{PostStateHidden, ActionRemove}:    PostStateRemoved,
}

// NextState returns the state a post moves to when action is applied in state from.
// Approving a hidden post is governed by Policy.ApproveFromHidden.
func NextState(from PostState, action ActionKind, policy Policy) (PostState, error) {
	if from == PostStateHidden && action == ActionApprove && policy.ApproveFromHidden {
		return PostStatePublished, nil
	}
	next, ok := transitions[transitionKey{from, action}]
	if !ok {
		return "", &TransitionError{From: from, Action: action}
	}
	return next, nil
}

// IsTerminal reports whether no action is accepted in state s
func IsTerminal(s PostState) bool {
	return s == PostStateRemoved
}
