package service

import (
	"slices"

	"github.com/retailassist/session-server-go/internal/model"
)

// mergeAccess folds a new access into an existing session: the channel joins
// the set, and the customer id, phone and chat id are adopted only where the
// session has none. Data is never touched. The returned patch holds only the
// fields that changed.
func mergeAccess(s *model.Session, channel, phone, chatID, customerID string) model.SessionPatch {
	var patch model.SessionPatch

	if s.Channels.Add(channel) {
		patch.Channels = slices.Clone(s.Channels)
	}
	if customerID != "" && s.CustomerID == nil {
		id := customerID
		s.CustomerID = &id
		patch.CustomerID = &id
	}
	if phone != "" && s.Phone == "" {
		s.Phone = phone
		patch.Phone = &phone
	}
	if chatID != "" && s.ChatID == "" {
		s.ChatID = chatID
		patch.ChatID = &chatID
	}
	return patch
}

// withTouch adds the timestamps a touch moves to patch.
func withTouch(patch model.SessionPatch, s *model.Session) model.SessionPatch {
	last, expires := s.LastActivityAt, s.ExpiresAt
	patch.LastActivityAt = &last
	patch.ExpiresAt = &expires
	return patch
}
