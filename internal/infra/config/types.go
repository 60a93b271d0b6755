package config

import "strings"

// Environment identifies the deployment environment the bus runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

func normalizeEnvironment(value string) Environment {
	return Environment(strings.ToLower(strings.TrimSpace(value)))
}
