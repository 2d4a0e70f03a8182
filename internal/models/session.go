package models

// User is the remote account profile returned by the auth endpoints.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// Session holds the token pair and profile for the current login.
// The pair is a process-wide singleton shared by all sync operations.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user,omitempty"`
}

// LoggedIn reports whether the session carries a usable access token.
func (s *Session) LoggedIn() bool {
	return s != nil && s.AccessToken != ""
}
