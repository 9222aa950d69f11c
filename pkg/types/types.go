package types

import (
	"time"
)

// Config holds all configuration values for the authorization server
type Config struct {
	Host        string
	Port        string
	DatabaseDSN string
	RedisAddr   string
	RedisDB     int

	Issuer   string
	Audience string

	PrivateKeyFile string
	PublicKeyFile  string

	// Base64-encoded AES key used to encrypt TOTP seeds at rest.
	MFAEncryptionKey string
	MFAIssuer        string
}

// Principal is a first-party user identity. TokenVersion is bumped on
// password change and MFA disable; outstanding tokens embedding an older
// version stop validating.
type Principal struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"not null"`
	Email         string `gorm:"uniqueIndex;not null"`
	PasswordHash  string `gorm:"not null"`
	TokenVersion  int64  `gorm:"not null;default:1"`
	EmailVerified bool
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// Client is a registered third-party OAuth client. Identity is immutable;
// metadata and the secret may be regenerated.
type Client struct {
	ClientID         string      `gorm:"primaryKey" json:"client_id"`
	SecretHash       string      `json:"-"`
	ClientName       string      `json:"client_name,omitempty"`
	RedirectURIs     StringSlice `gorm:"type:text" json:"redirect_uris"`
	Scopes           StringSlice `gorm:"type:text" json:"scopes"`
	GrantTypes       StringSlice `gorm:"type:text" json:"grant_types"`
	IsValid          bool        `gorm:"default:true;index" json:"-"`
	PrincipalID      string      `gorm:"index" json:"-"`
	LogoURI          string      `json:"logo_uri,omitempty"`
	ClientURI        string      `json:"client_uri,omitempty"`
	RegistrationDate int64       `json:"registration_date,omitempty"`
	CreatedAt        time.Time   `gorm:"autoCreateTime" json:"-"`
	UpdatedAt        time.Time   `gorm:"autoUpdateTime" json:"-"`
}

// Public reports whether the client was registered without a secret.
func (c *Client) Public() bool {
	return c.SecretHash == ""
}

// MFAState holds the durable TOTP state for exactly one principal. The TOTP
// seed is stored encrypted; backup codes are stored hashed with a used flag.
type MFAState struct {
	PrincipalID     string      `gorm:"primaryKey"`
	Enabled         bool        `gorm:"not null;default:false"`
	EncryptedSecret string      `gorm:"not null"`
	SecretIV        string      `gorm:"not null"`
	BackupCodes     BackupCodes `gorm:"type:text"`
	CreatedAt       time.Time   `gorm:"autoCreateTime"`
	UpdatedAt       time.Time   `gorm:"autoUpdateTime"`
}

// BackupCode is a single hashed backup code with its single-use marker.
type BackupCode struct {
	Hash   string     `json:"hash"`
	Used   bool       `json:"used"`
	UsedAt *time.Time `json:"used_at,omitempty"`
}

// TokenResponse represents the token endpoint response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse represents the introspection endpoint response per
// RFC 7662. Inactive tokens carry Active=false and nothing else.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	Audience  string `json:"aud,omitempty"`
}

// OAuthError represents an OAuth error response
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ServerMetadata represents OAuth authorization server metadata per RFC 8414
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}
