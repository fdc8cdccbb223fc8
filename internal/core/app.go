package core

// DefaultAppName is used when an app is configured without an explicit name.
const DefaultAppName = "[DEFAULT]"

// AppConfig identifies the application an installation belongs to.
type AppConfig struct {
	// AppName is the local name of the app instance. Several named apps may
	// share one store, each with its own installation.
	AppName string `yaml:"name" mapstructure:"name"`

	// AppID is the server-side application id (e.g. "1:123:web:abc").
	AppID string `yaml:"app_id" mapstructure:"app_id"`

	// ProjectID is the cloud project the app belongs to.
	ProjectID string `yaml:"project_id" mapstructure:"project_id"`

	// APIKey is sent as x-goog-api-key with every registration request.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// Key returns the composite key under which the installation of this app is stored.
func (c AppConfig) Key() string {
	return c.name() + "!" + c.AppID
}

func (c AppConfig) name() string {
	if c.AppName == "" {
		return DefaultAppName
	}
	return c.AppName
}

// MissingFields returns the names of required values that are empty.
func (c AppConfig) MissingFields() []string {
	var missing []string
	if c.ProjectID == "" {
		missing = append(missing, "projectId")
	}
	if c.APIKey == "" {
		missing = append(missing, "apiKey")
	}
	if c.AppID == "" {
		missing = append(missing, "appId")
	}
	return missing
}
