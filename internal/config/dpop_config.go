package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	dpopMaxSkewVar             = "dpop_max_skew"
	dpopRequireOnIntrospectVar = "dpop_require_on_introspect"
)

type DPoPConfig interface {
	GetDPoPMaxSkew() time.Duration
	GetDPoPRequireOnIntrospect() bool
}

type DPoP struct {
	v *viper.Viper
}

var _ DPoPConfig = DPoP{}

// GetDPoPMaxSkew is the accepted distance between a proof's iat and now, in
// either direction. Replay records live for twice this window.
func (d DPoP) GetDPoPMaxSkew() time.Duration {
	return d.v.GetDuration(dpopMaxSkewVar)
}

func (d DPoP) GetDPoPRequireOnIntrospect() bool {
	return d.v.GetBool(dpopRequireOnIntrospectVar)
}
