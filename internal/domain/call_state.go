package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CallState is a participant's position in the call lifecycle
type CallState string

const (
	CallStateIdle       CallState = "idle"
	CallStateCalling    CallState = "calling"
	CallStateConnecting CallState = "connecting"
	CallStateConnected  CallState = "connected"
	CallStateEnded      CallState = "ended"
	CallStateRejected   CallState = "rejected"
	CallStateNoAnswer   CallState = "no_answer"
)

var knownCallStates = map[CallState]struct{}{
	CallStateIdle:       {},
	CallStateCalling:    {},
	CallStateConnecting: {},
	CallStateConnected:  {},
	CallStateEnded:      {},
	CallStateRejected:   {},
	CallStateNoAnswer:   {},
}

// ParseCallState returns the state named by raw, or false when it is unknown
func ParseCallState(raw string) (CallState, bool) {
	state := CallState(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := knownCallStates[state]
	return state, ok
}

// IsTerminal reports whether no transition leaves the state
func (s CallState) IsTerminal() bool {
	return s == CallStateEnded || s == CallStateRejected || s == CallStateNoAnswer
}

// CallStateRecord is the current state of a (room, user) pair
type CallStateRecord struct {
	RoomName  string    `json:"room_name"`
	UserID    string    `json:"user_id"`
	State     CallState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// StateHistoryEntry is one accepted transition
type StateHistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	From      CallState `json:"from"`
	To        CallState `json:"to"`
}

// Encode renders the entry as "<unixMillis>|<from>-><to>"
func (e StateHistoryEntry) Encode() string {
	return fmt.Sprintf("%d|%s->%s", e.Timestamp.UnixMilli(), e.From, e.To)
}

// DecodeStateHistoryEntry parses the format written by Encode
func DecodeStateHistoryEntry(raw string) (StateHistoryEntry, error) {
	stamp, edge, ok := strings.Cut(raw, "|")
	if !ok {
		return StateHistoryEntry{}, fmt.Errorf("malformed history entry %q", raw)
	}
	from, to, ok := strings.Cut(edge, "->")
	if !ok {
		return StateHistoryEntry{}, fmt.Errorf("malformed history entry %q", raw)
	}
	millis, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return StateHistoryEntry{}, fmt.Errorf("malformed history timestamp %q: %w", stamp, err)
	}
	return StateHistoryEntry{
		Timestamp: time.UnixMilli(millis),
		From:      CallState(from),
		To:        CallState(to),
	}, nil
}
