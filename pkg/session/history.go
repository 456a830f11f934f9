package session

import "github.com/harun/clawgate/pkg/llm"

// TrimHistory keeps a leading system message plus the last maxUserTurns
// user turns. A turn is a user message together with every assistant and
// tool message that follows it, so tool results are never separated from
// the call that produced them. maxUserTurns <= 0 disables trimming.
func TrimHistory(msgs []llm.Message, maxUserTurns int) []llm.Message {
	if len(msgs) == 0 || maxUserTurns <= 0 {
		return msgs
	}

	cut := -1
	users := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != llm.RoleUser {
			continue
		}
		users++
		if users == maxUserTurns {
			cut = i
		}
		if users > maxUserTurns {
			break
		}
	}

	if users <= maxUserTurns {
		return msgs
	}

	kept := make([]llm.Message, 0, len(msgs)-cut+1)
	if msgs[0].Role == llm.RoleSystem {
		kept = append(kept, msgs[0])
	}
	return append(kept, msgs[cut:]...)
}
