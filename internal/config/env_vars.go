package config

import (
	"fmt"
	"strings"

	"github.com/jrsteele09/dpop-auth-server/internal/utils"
	"github.com/spf13/viper"
)

const (
	portEnvVar          = "port"
	appNameVar          = "app_name"
	envVar              = "env"
	logLevelVar         = "log_level"
	issuerDomainVar     = "issuer_domain"
	publicBaseURLVar    = "public_base_url"
	adminAPIKeyVar      = "admin_api_key"
	bootstrapTenantsVar = "bootstrap_tenants"
)

type EnvVars struct {
	v *viper.Viper
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := e.v.GetString(portEnvVar)
	if !strings.HasPrefix(port, ":") {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return e.v.GetString(appNameVar)
}

func (e EnvVars) GetEnv() string {
	return strings.ToUpper(e.v.GetString(envVar))
}

func (e EnvVars) GetLogLevel() string {
	return e.v.GetString(logLevelVar)
}

// GetIssuerDomain returns the domain used to build tenant issuers:
// https://auth.<domain>/t/<tenant_id>
func (e EnvVars) GetIssuerDomain() string {
	return e.v.GetString(issuerDomainVar)
}

// GetPublicBaseURL is the externally visible base URL of this server, used to
// rebuild DPoP htu values behind a proxy. Empty means derive it from the request.
func (e EnvVars) GetPublicBaseURL() string {
	return strings.TrimSuffix(e.v.GetString(publicBaseURLVar), "/")
}

// GetAdminAPIKey guards the admin endpoints. Empty disables them.
func (e EnvVars) GetAdminAPIKey() string {
	return e.v.GetString(adminAPIKeyVar)
}

func (e EnvVars) GetBootstrapTenants() []string {
	return utils.SplitCSV(e.v.GetString(bootstrapTenantsVar))
}
