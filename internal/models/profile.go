package models

// Profile is the signed-in user's identity as reported by the userinfo endpoint.
type Profile struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

// Session pairs the bearer token a client signed in with and the profile it resolved to.
type Session struct {
	Token   string  `json:"token"`
	Profile Profile `json:"profile"`
}
