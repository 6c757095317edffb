package models

// Credentials are the captive portal login details.
// Stored in plain text. A save with an empty password keeps the stored one.
type Credentials struct {
	Username   string `json:"username" validate:"max=256"`
	Password   string `json:"password,omitempty" validate:"max=256"`
	AutoSubmit bool   `json:"autoSubmit"`
}

// Complete reports whether a login can be attempted with these credentials
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != ""
}
