package api

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User describes an authenticated library user.
type User struct {
	// ID is the backend identifier of the user.
	ID string `json:"_id"`
	// Name is the display name.
	Name string `json:"name"`
	// Email is the login e-mail address.
	Email string `json:"email"`
	// Role is the user role (for example "user" or "admin").
	Role string `json:"role,omitempty"`
}

// LoginData carries the identity and access token issued at login.
type LoginData struct {
	User        User   `json:"user"`
	AccessToken string `json:"accessToken"`
}

// LoginResponse is the envelope returned by POST /auth/login. The refresh
// credential is delivered separately as an httpOnly cookie.
type LoginResponse struct {
	Message string    `json:"message,omitempty"`
	Data    LoginData `json:"data"`
}

// RefreshResponse is returned by POST /auth/refresh-token.
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
}

// ProfileResponse is the envelope returned by GET /users/profile.
type ProfileResponse struct {
	Message string `json:"message,omitempty"`
	Data    User   `json:"data"`
}
