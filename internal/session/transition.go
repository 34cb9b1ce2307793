package session

// anyState matches every current state in the transition table.
const anyState State = "*"

type transitionRule struct {
	from    State
	event   EventType
	subtype string // "" matches any subtype
	to      State
}

// transitionTable is the complete set of state-changing rules. Rules with a
// concrete from-state are checked before anyState rules. A (state, event)
// pair absent from the table leaves the state unchanged.
var transitionTable = []transitionRule{
	{from: StateWorking, event: EventPreToolUse, to: StateWorking},
	{from: StateWorking, event: EventPostToolUse, to: StateWorking},
	{from: StateWorking, event: EventStop, to: StateReady},
	{from: StateWaiting, event: EventUserPromptSubmit, to: StateWorking},
	{from: StateCompacting, event: EventStop, to: StateWorking},

	{from: anyState, event: EventSessionStart, to: StateIdle},
	{from: anyState, event: EventUserPromptSubmit, to: StateWorking},
	{from: anyState, event: EventNotification, subtype: SubtypePermissionRequest, to: StateWaiting},
	{from: anyState, event: EventPreCompact, to: StateCompacting},
	{from: anyState, event: EventSessionEnd, to: StateIdle},
}

// Transition returns the state that follows current after ev. firstSight
// reports whether a SessionStart announces a session the record has not seen
// yet; a repeated SessionStart for a known session is ignored. The second
// return value is false when no rule matched.
func Transition(current State, ev EventType, subtype string, firstSight bool) (State, bool) {
	if ev == EventSessionStart && !firstSight {
		return current, false
	}
	if rule, ok := lookupRule(current, ev, subtype); ok {
		return rule.to, true
	}
	return current, false
}

func lookupRule(current State, ev EventType, subtype string) (transitionRule, bool) {
	var wildcard *transitionRule
	for i := range transitionTable {
		rule := &transitionTable[i]
		if rule.event != ev {
			continue
		}
		if rule.subtype != "" && rule.subtype != subtype {
			continue
		}
		if rule.from == current {
			return *rule, true
		}
		if rule.from == anyState && wildcard == nil {
			wildcard = rule
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return transitionRule{}, false
}
