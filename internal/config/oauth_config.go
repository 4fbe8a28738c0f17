package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	parTTLVar                = "par_ttl"
	authCodeTTLVar           = "auth_code_ttl"
	accessTokenTTLVar        = "access_token_ttl"
	idTokenTTLVar            = "id_token_ttl"
	refreshTokenTTLVar       = "refresh_token_ttl"
	sessionTTLVar            = "session_ttl"
	deviceCodeTTLVar         = "device_code_ttl"
	devicePollIntervalVar    = "device_poll_interval"
	deviceVerificationURIVar = "device_verification_uri"
	revokeFamilyOnRevokeVar  = "revoke_family_on_revoke"
)

type OAuthConfig interface {
	GetPARTTL() time.Duration
	GetAuthCodeTTL() time.Duration
	GetAccessTokenExpiry() time.Duration
	GetIDTokenExpiry() time.Duration
	GetRefreshTokenExpiry() time.Duration
	GetSessionTTL() time.Duration
	GetDeviceCodeTTL() time.Duration
	GetDevicePollInterval() time.Duration
	GetDeviceVerificationURI() string
	GetRevokeFamilyOnRevoke() bool
}

type OAuth struct {
	v *viper.Viper
}

var _ OAuthConfig = OAuth{}

func (o OAuth) GetPARTTL() time.Duration {
	return o.v.GetDuration(parTTLVar)
}

func (o OAuth) GetAuthCodeTTL() time.Duration {
	return o.v.GetDuration(authCodeTTLVar)
}

func (o OAuth) GetAccessTokenExpiry() time.Duration {
	return o.v.GetDuration(accessTokenTTLVar)
}

func (o OAuth) GetIDTokenExpiry() time.Duration {
	return o.v.GetDuration(idTokenTTLVar)
}

func (o OAuth) GetRefreshTokenExpiry() time.Duration {
	return o.v.GetDuration(refreshTokenTTLVar)
}

func (o OAuth) GetSessionTTL() time.Duration {
	return o.v.GetDuration(sessionTTLVar)
}

func (o OAuth) GetDeviceCodeTTL() time.Duration {
	return o.v.GetDuration(deviceCodeTTLVar)
}

func (o OAuth) GetDevicePollInterval() time.Duration {
	return o.v.GetDuration(devicePollIntervalVar)
}

func (o OAuth) GetDeviceVerificationURI() string {
	return o.v.GetString(deviceVerificationURIVar)
}

// GetRevokeFamilyOnRevoke controls whether revoking a refresh token also
// revokes every other token in its family.
func (o OAuth) GetRevokeFamilyOnRevoke() bool {
	return o.v.GetBool(revokeFamilyOnRevokeVar)
}
