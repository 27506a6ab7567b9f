package domain

// Principal is the authenticated caller attached to a gateway request after
// bearer-token verification.
type Principal struct {
	UserID        string   `json:"userId"`
	Email         string   `json:"email"`
	FullName      string   `json:"fullName"`
	Roles         []string `json:"roles"`
	EmailVerified bool     `json:"emailVerified"`
}
