// Package config provides hangar configuration from defaults, an optional
// YAML file and environment variables.
//
// # Overview
//
// Load applies the defaults, then the file named by the --config flag or
// HANGAR_CONFIG, then HANGAR_* variables, and validates the result.
//
// # Configuration Structure
//
// Locations:
//
//	HANGAR_HOME="~/.hangar"           # plugins/, tmp/, data/, staging/, registry.json
//	HANGAR_PLUGIN_PATH="/opt/p:/srv/p" # search roots, first wins
//
// Sandbox and validation:
//
//	HANGAR_SANDBOX_MAX_CPU="30s"
//	HANGAR_SANDBOX_MAX_MEMORY="100MB"
//	HANGAR_SANDBOX_MAX_FILE_SIZE="10MB"
//	HANGAR_STRICT="false"
//	HANGAR_MAX_PACKAGE_SIZE="50MB"
//
// Registry:
//
//	HANGAR_REGISTRY_DRIVER="file"  # file, sqlite3, postgres
//	HANGAR_REGISTRY_DSN="postgres://localhost/hangar?sslmode=disable"
//
// Marketplace:
//
//	HANGAR_MARKETPLACE_URLS="https://plugins.hangar.dev/api,s3://bucket/index"
//	HANGAR_MARKETPLACE_TOKEN="..."
//	HANGAR_REDIS_URL="redis://localhost:6379/0"
//	HANGAR_UPDATE_SCHEDULE="0 3 * * *"
//
// Observability:
//
//	HANGAR_LOG_LEVEL="info"  # debug, info, warn, error
//	HANGAR_LOG_FORMAT="text" # text, json
//	HANGAR_OTEL_ENABLED="true"
//	HANGAR_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.Load(configPath)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(cfg.InstallRoot())
package config
