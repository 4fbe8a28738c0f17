package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	signingAlgorithmVar  = "signing_algorithm"
	keyRotationPeriodVar = "key_rotation_period"
	keyLifetimeVar       = "key_lifetime"
	keyRetentionVar      = "key_retention"
)

type KeyConfig interface {
	GetSigningAlgorithm() string
	GetKeyRotationPeriod() time.Duration
	GetKeyLifetime() time.Duration
	GetKeyRetention() time.Duration
}

type Keys struct {
	v *viper.Viper
}

var _ KeyConfig = Keys{}

// GetSigningAlgorithm is ES256 or EdDSA.
func (k Keys) GetSigningAlgorithm() string {
	return k.v.GetString(signingAlgorithmVar)
}

func (k Keys) GetKeyRotationPeriod() time.Duration {
	return k.v.GetDuration(keyRotationPeriodVar)
}

// GetKeyLifetime bounds how long a key is usable from creation, including the
// time it spends ROLLED_OVER after rotation.
func (k Keys) GetKeyLifetime() time.Duration {
	return k.v.GetDuration(keyLifetimeVar)
}

// GetKeyRetention is how long EXPIRED keys are kept before deletion.
func (k Keys) GetKeyRetention() time.Duration {
	return k.v.GetDuration(keyRetentionVar)
}
