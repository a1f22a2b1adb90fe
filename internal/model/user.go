package model

// Account is a login known to the dev counseling server.
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Password string `json:"-"`
}

// Credentials is the login request body.
type Credentials struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}
