package store

import (
	"github.com/relstate/relstate/internal/protocol"
)

// AddCustomMutationMessage records a pending custom-procedure message so it
// survives restarts and replays after reconnect.
func (s *Store) AddCustomMutationMessage(m *protocol.Message) {
	s.mu.Lock()
	s.customStack = append(s.customStack, m)
	s.persistStacks()
	s.mu.Unlock()
}

// RegisterCustomMutation records which optimistic default mutations were
// produced locally on behalf of the custom message.
func (s *Store) RegisterCustomMutation(messageID string, refs []CustomRef) {
	s.mu.Lock()
	s.customIndex[messageID] = append(s.customIndex[messageID], refs...)
	s.persistStacks()
	s.mu.Unlock()
}

// ConfirmCustomMutation clears a confirmed custom message: its registered
// optimistic mutations are undone (the authoritative results arrive
// independently on the normal stream) and the pending message is dropped.
func (s *Store) ConfirmCustomMutation(messageID string) {
	s.undoCustom(messageID)
}

// UndoCustomMutation reverts a rejected custom message and returns the
// undone mutations so the caller can reject user-level promises.
func (s *Store) UndoCustomMutation(messageID string) []UndoneRef {
	return s.undoCustom(messageID)
}

func (s *Store) undoCustom(messageID string) []UndoneRef {
	s.mu.Lock()
	refs := s.customIndex[messageID]
	delete(s.customIndex, messageID)
	for i, m := range s.customStack {
		if m.ID == messageID {
			s.customStack = append(s.customStack[:i:i], s.customStack[i+1:]...)
			break
		}
	}
	s.persistStacks()
	s.mu.Unlock()

	undone := make([]UndoneRef, 0, len(refs))
	for _, ref := range refs {
		s.mu.Lock()
		entry, ok := s.findStackEntryLocked(ref.Resource, ref.MutationID)
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.UndoMutation(ref.Resource, ref.MutationID)
		undone = append(undone, UndoneRef{
			Resource:   ref.Resource,
			ResourceID: entry.ResourceID,
			MutationID: ref.MutationID,
		})
	}
	return undone
}

func (s *Store) findStackEntryLocked(resource, mutationID string) (protocol.Mutation, bool) {
	for _, m := range s.stack[resource] {
		if m.ID == mutationID {
			return m, true
		}
	}
	return protocol.Mutation{}, false
}

// PendingCustomMessages returns the unresolved custom mutation messages in
// submission order.
func (s *Store) PendingCustomMessages() []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Message(nil), s.customStack...)
}
