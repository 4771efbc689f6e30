package jwt

type Role int

const (
	RoleSession Role = iota
)

type TokenResponse struct {
	AccessToken string `json:"accessToken"`
}
