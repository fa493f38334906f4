package stream

import (
	"strings"

	ingesterrors "github.com/aqstream/aqstream/internal/ingest/errors"
)

// ConnectionSettings holds the metadata extracted from a stream endpoint
// descriptor.
type ConnectionSettings struct {
	// Endpoint is the raw Endpoint value, e.g. "sb://host.example.net/".
	Endpoint string
	// Host is the bare hostname extracted from Endpoint.
	Host string
	// EntityPath names the consumable stream entity.
	EntityPath string
	// PolicyName is the shared-access policy name, when present.
	PolicyName string
}

// ParseConnectionString parses a semicolon-delimited Key=Value descriptor.
// Unknown keys are ignored. A descriptor without an EntityPath does not
// address a consumable stream entity and yields a ConfigurationError before
// any network call.
func ParseConnectionString(descriptor string) (ConnectionSettings, error) {
	parts := make(map[string]string)
	for _, kv := range strings.Split(descriptor, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		parts[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	endpoint := parts["Endpoint"]
	host := endpoint
	if strings.HasPrefix(strings.ToLower(endpoint), "sb://") {
		host = strings.Trim(endpoint[len("sb://"):], "/ ")
	}
	host = strings.ReplaceAll(host, "/", "")

	settings := ConnectionSettings{
		Endpoint:   endpoint,
		Host:       host,
		EntityPath: parts["EntityPath"],
		PolicyName: parts["SharedAccessKeyName"],
	}

	if settings.EntityPath == "" {
		return ConnectionSettings{}, ingesterrors.NewConfigurationError(ingesterrors.ErrEntityPathMissing)
	}
	return settings, nil
}
