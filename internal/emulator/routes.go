package emulator

const (
	HealthCheckRoute = "/healthz"
	AboutRoute       = "/about"
	MetricsRoute     = "/metrics"
	AuditRoute       = "/audit"

	InstallationsParent     = "/v1/projects/{project}/installations"
	CreateInstallationRoute = "/"
	InstallationRoute       = "/{fid}"
	GenerateAuthTokenRoute  = "/{fid}/authTokens:generate"

	CallableRoute = "/{project}/{region}/{name}"
)
