package errors

import (
	"sort"
	"sync"
)

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

var (
	registryMu sync.RWMutex

	// registry maps error codes to their templates.
	registry = map[string]ErrorTemplate{
		// Configuration (L100-L199)

		"L100": {
			Category:   CategoryConfig,
			Message:    "Config file not found",
			Suggestion: "Pass --config with the path to a livestate.json or livestate.yaml file",
		},
		"L101": {
			Category: CategoryConfig,
			Message:  "Config file could not be parsed",
			Detail:   "The file must be valid JSON or YAML. Durations are strings such as \"30s\" or \"2m\".",
		},
		"L102": {
			Category: CategoryConfig,
			Message:  "Invalid configuration value",
		},
		"L103": {
			Category:   CategoryConfig,
			Message:    "Snapshot signing key missing",
			Detail:     "The server signs component snapshots with an HMAC key. Clients cannot rehydrate without it.",
			Suggestion: "Set server.snapshotKey in the config file or the LIVESTATE_SNAPSHOT_KEY environment variable",
		},

		// Server (L200-L299)

		"L200": {
			Category: CategoryServer,
			Message:  "Server failed",
		},
		"L201": {
			Category:   CategoryServer,
			Message:    "Address already in use",
			Suggestion: "Stop the other process or pick another address with --addr",
		},

		// Connection (L300-L399)

		"L300": {
			Category:   CategoryConnection,
			Message:    "Could not connect to server",
			Suggestion: "Check that `livestate serve` is running and that --url points at its WebSocket path",
		},
		"L301": {
			Category: CategoryConnection,
			Message:  "Gave up reconnecting",
			Detail:   "The connection dropped and every reconnect attempt failed.",
		},

		// Upload (L400-L499)

		"L400": {
			Category: CategoryUpload,
			Message:  "Upload failed",
		},
		"L401": {
			Category:   CategoryUpload,
			Message:    "File too large",
			Suggestion: "Raise upload.maxFileSize on the server and --max-size on the client",
		},
		"L402": {
			Category: CategoryUpload,
			Message:  "File not readable",
		},
		"L403": {
			Category: CategoryUpload,
			Message:  "Upload rejected by server",
			Detail:   "The server refused the upload. It may have uploads disabled or restrict the allowed MIME types.",
		},

		// Storage (L500-L599)

		"L500": {
			Category: CategoryStorage,
			Message:  "Upload store unavailable",
		},
		"L501": {
			Category:   CategoryStorage,
			Message:    "Snapshot store unavailable",
			Suggestion: "Check that the --snapshots path is writable",
		},
	}
)

// GetAllCodes returns all registered error codes, sorted.
func GetAllCodes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for a code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[code]
	return t, ok
}

// Register adds or replaces an error template.
func Register(code string, template ErrorTemplate) {
	registryMu.Lock()
	registry[code] = template
	registryMu.Unlock()
}
