package persist

import (
	"tablestage/internal/host"
)

// FloorReason records which rule picked the target entry.
type FloorReason string

const (
	FloorExplicit FloorReason = "explicit"
	FloorExisting FloorReason = "existing_bag"
	FloorLatestAI FloorReason = "latest_non_user"
)

// ResolveFloor picks the transcript entry a commit writes to: the explicit
// floor when it is in range, else the newest entry already carrying an
// isolated bag, else the newest non-user entry.
//
// The heuristic does not understand branched or rewound chats; a stale
// entry that still carries a bag wins over a newer reply without one.
func ResolveFloor(chat []*host.Entry, explicit *int) (int, FloorReason, error) {
	if explicit != nil && *explicit >= 0 && *explicit < len(chat) {
		return *explicit, FloorExplicit, nil
	}
	for i := len(chat) - 1; i >= 0; i-- {
		if chat[i] != nil && chat[i].HasIsolated() {
			return i, FloorExisting, nil
		}
	}
	for i := len(chat) - 1; i >= 0; i-- {
		if chat[i] != nil && !chat[i].IsUser {
			return i, FloorLatestAI, nil
		}
	}
	return -1, "", ErrNoTarget
}

// isolationKeyFor reuses the entry's existing bag key, preferring the
// session key, and otherwise starts a bag under the session key.
func isolationKeyFor(entry *host.Entry, sessionKey string) string {
	keys := entry.IsolationKeys()
	for _, k := range keys {
		if k == sessionKey {
			return k
		}
	}
	if len(keys) > 0 {
		return keys[0]
	}
	return sessionKey
}
