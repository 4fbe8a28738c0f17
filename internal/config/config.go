package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	DPoPConfig
	KeyConfig
	StorageConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetIssuerDomain() string
	GetPublicBaseURL() string
	GetAdminAPIKey() string
	GetBootstrapTenants() []string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	DPoP
	Keys
	Storage
}

// New reads configuration from the environment, falling back to defaults.
func New() Config {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return newMainConfig(v)
}

// NewWithValues builds a configuration from explicit values layered over the
// defaults. Keys use the lower case form of the environment variable names.
func NewWithValues(values map[string]any) Config {
	v := viper.New()
	setDefaults(v)
	for k, val := range values {
		v.Set(k, val)
	}
	return newMainConfig(v)
}

func newMainConfig(v *viper.Viper) mainConfig {
	return mainConfig{
		EnvVars: EnvVars{v: v},
		Cors:    Cors{v: v},
		OAuth:   OAuth{v: v},
		DPoP:    DPoP{v: v},
		Keys:    Keys{v: v},
		Storage: Storage{v: v},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(portEnvVar, "8080")
	v.SetDefault(appNameVar, "DPoP Auth Server")
	v.SetDefault(envVar, "DEV")
	v.SetDefault(logLevelVar, "info")
	v.SetDefault(issuerDomainVar, "example.com")
	v.SetDefault(publicBaseURLVar, "")
	v.SetDefault(adminAPIKeyVar, "")
	v.SetDefault(bootstrapTenantsVar, "")
	v.SetDefault(allowedOriginsVar, "*")

	v.SetDefault(parTTLVar, 60*time.Second)
	v.SetDefault(authCodeTTLVar, 120*time.Second)
	v.SetDefault(accessTokenTTLVar, 15*time.Minute)
	v.SetDefault(idTokenTTLVar, 15*time.Minute)
	v.SetDefault(refreshTokenTTLVar, 30*24*time.Hour)
	v.SetDefault(sessionTTLVar, 30*24*time.Hour)
	v.SetDefault(deviceCodeTTLVar, 30*time.Minute)
	v.SetDefault(devicePollIntervalVar, 5*time.Second)
	v.SetDefault(deviceVerificationURIVar, "https://example.com/device")
	v.SetDefault(revokeFamilyOnRevokeVar, true)

	v.SetDefault(dpopMaxSkewVar, 60*time.Second)
	v.SetDefault(dpopRequireOnIntrospectVar, false)

	v.SetDefault(signingAlgorithmVar, "ES256")
	v.SetDefault(keyRotationPeriodVar, 90*24*time.Hour)
	v.SetDefault(keyLifetimeVar, 97*24*time.Hour)
	v.SetDefault(keyRetentionVar, 7*24*time.Hour)

	v.SetDefault(storageBackendVar, "memory")
	v.SetDefault(sqliteDSNVar, "file:dpop-auth.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	v.SetDefault(redisAddrVar, "")
	v.SetDefault(redisKeyPrefixVar, "dpopauth:")
	v.SetDefault(eventsStreamVar, "revocation-events")
	v.SetDefault(sweepIntervalVar, time.Minute)
}
