package session

import "fmt"

// ValidateInvariants checks I1, I3, I5 against a message list. I2 (append-only)
// and I4 (exclusion semantics) are structural properties of the Session API
// surface rather than something checkable from a single snapshot, so they are
// not re-verified here.
func ValidateInvariants(messages []Message) error {
	if err := checkToolCallClosure(messages); err != nil {
		return err
	}
	if err := checkRoleSequence(messages); err != nil {
		return err
	}
	return checkToolCallIDUniqueness(messages)
}

// checkToolCallClosure enforces I1: every assistant tool_calls batch must be
// immediately covered by tool messages for exactly those ids before any
// further assistant message appears.
func checkToolCallClosure(messages []Message) error {
	for i, msg := range messages {
		if msg.Role != RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		pending := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			pending[tc.ID] = true
		}
		j := i + 1
		for j < len(messages) && len(pending) > 0 {
			m := messages[j]
			if m.Role == RoleTool && pending[m.ToolCallID] {
				delete(pending, m.ToolCallID)
				j++
				continue
			}
			if m.Role == RoleAssistant {
				break
			}
			j++
		}
		if len(pending) > 0 {
			return fmt.Errorf("session: invariant I1 violated: assistant message %s has unanswered tool_calls: %v", msg.MessageID, keys(pending))
		}
	}
	return nil
}

// checkRoleSequence enforces I3: system appears at most once and first;
// no two consecutive assistant messages without an intervening user or tool
// message.
func checkRoleSequence(messages []Message) error {
	systemSeen := false
	var lastRole Role
	for i, msg := range messages {
		if msg.Role == RoleSystem {
			if i != 0 {
				return fmt.Errorf("session: invariant I3 violated: system message not first (index %d)", i)
			}
			if systemSeen {
				return fmt.Errorf("session: invariant I3 violated: more than one system message")
			}
			systemSeen = true
		}
		if msg.Role == RoleAssistant && lastRole == RoleAssistant {
			return fmt.Errorf("session: invariant I3 violated: two consecutive assistant messages at index %d", i)
		}
		lastRole = msg.Role
	}
	return nil
}

// checkToolCallIDUniqueness enforces I5 within the message list.
func checkToolCallIDUniqueness(messages []Message) error {
	seen := make(map[string]bool)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == "" {
				continue
			}
			if seen[tc.ID] {
				return fmt.Errorf("session: invariant I5 violated: duplicate tool_call id %q", tc.ID)
			}
			seen[tc.ID] = true
		}
	}
	return nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
