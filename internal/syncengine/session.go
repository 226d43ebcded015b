package syncengine

import (
	"encoding/json"
	"strings"

	"github.com/agentworkforce/lifesync/internal/lifestore"
)

const (
	sessionKey        = "session"
	settingsRemoteURL = "remoteUrl"
	settingsRemoteKey = "apiKey"
)

type Session struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	UserID          string `json:"userId,omitempty"`
	Email           string `json:"email,omitempty"`
	Username        string `json:"username,omitempty"`
	AccessToken     string `json:"accessToken,omitempty"`
}

func (s Session) Valid() bool {
	return s.IsAuthenticated && strings.TrimSpace(s.UserID) != ""
}

// Sessions persists the auth session under identity.session.
type Sessions struct {
	store *lifestore.Store
}

func NewSessions(store *lifestore.Store) *Sessions {
	return &Sessions{store: store}
}

// Load returns the anonymous session when nothing usable is stored.
func (s *Sessions) Load() Session {
	raw, ok := s.store.Get(lifestore.NamespaceIdentity, sessionKey)
	if !ok {
		return Session{}
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return Session{}
	}
	var session Session
	if err := json.Unmarshal(encoded, &session); err != nil {
		return Session{}
	}
	return session
}

func (s *Sessions) Save(session Session) {
	s.store.Set(lifestore.NamespaceIdentity, sessionKey, session)
}

func (s *Sessions) Logout() {
	s.store.Set(lifestore.NamespaceIdentity, sessionKey, Session{})
}

// Token returns the stored access token; it suits HTTPRemoteOptions.Token.
func (s *Sessions) Token() string {
	return s.Load().AccessToken
}

// RemoteSettings reads the user-supplied endpoint and API key from the
// settings namespace.
func RemoteSettings(store *lifestore.Store) (remoteURL, apiKey string) {
	if raw, ok := store.Get(lifestore.NamespaceSettings, settingsRemoteURL); ok {
		remoteURL, _ = raw.(string)
	}
	if raw, ok := store.Get(lifestore.NamespaceSettings, settingsRemoteKey); ok {
		apiKey, _ = raw.(string)
	}
	return strings.TrimSpace(remoteURL), strings.TrimSpace(apiKey)
}

func SaveRemoteSettings(store *lifestore.Store, remoteURL, apiKey string) {
	store.Merge(lifestore.NamespaceSettings, lifestore.Object{
		settingsRemoteURL: strings.TrimSpace(remoteURL),
		settingsRemoteKey: strings.TrimSpace(apiKey),
	})
}
