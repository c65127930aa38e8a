package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// providerEnvKeys are forwarded from the orchestrator's environment into
// every sandbox when set. They select and authenticate the model provider
// the agent talks to.
var providerEnvKeys = []string{
	// Google Vertex AI
	"CLAUDE_CODE_USE_VERTEX",
	"CLOUD_ML_REGION",
	"ANTHROPIC_VERTEX_PROJECT_ID",
	// Amazon Bedrock
	"CLAUDE_CODE_USE_BEDROCK",
	"AWS_REGION",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	// Microsoft Azure / Foundry
	"CLAUDE_CODE_USE_FOUNDRY",
	"AZURE_FOUNDRY_RESOURCE",
	"AZURE_API_KEY",
	// Custom base URL (proxy, self-hosted, OpenRouter)
	"ANTHROPIC_BASE_URL",
	"ANTHROPIC_AUTH_TOKEN",
	// Model name overrides (remap SDK aliases to provider model IDs)
	"ANTHROPIC_DEFAULT_SONNET_MODEL",
	"ANTHROPIC_DEFAULT_OPUS_MODEL",
	"ANTHROPIC_DEFAULT_HAIKU_MODEL",
}

// BuildEnv assembles the environment variables injected into a sandbox:
// request credentials layered over forwarded provider settings from the host
// environment.
func BuildEnv(anthropicKey, openRouterKey string) map[string]string {
	env := make(map[string]string)
	if anthropicKey != "" {
		env["ANTHROPIC_API_KEY"] = anthropicKey
	}
	for _, key := range providerEnvKeys {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}

	// A per-request OpenRouter key overrides the forwarded auth token.
	if openRouterKey != "" {
		env["ANTHROPIC_AUTH_TOKEN"] = openRouterKey
	}

	// Proxies behind a custom base URL (OpenRouter, LiteLLM) accept the key
	// in either header; mirror the auth token into the API key slot so the
	// SDK authenticates regardless of which one the proxy checks.
	if env["ANTHROPIC_BASE_URL"] != "" && env["ANTHROPIC_AUTH_TOKEN"] != "" {
		env["ANTHROPIC_API_KEY"] = env["ANTHROPIC_AUTH_TOKEN"]
	}
	return env
}

// LoadGCPCredentials reads the Vertex AI service-account key file named by
// GOOGLE_APPLICATION_CREDENTIALS. Returns nil content when Vertex is not
// enabled. Reading happens eagerly, before provisioning, so a missing file
// fails the request instead of a half-built sandbox.
func LoadGCPCredentials() ([]byte, error) {
	if os.Getenv("CLAUDE_CODE_USE_VERTEX") == "" {
		return nil, nil
	}
	credsPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	if credsPath == "" {
		return nil, fmt.Errorf("GOOGLE_APPLICATION_CREDENTIALS is required when CLAUDE_CODE_USE_VERTEX is set")
	}
	if !filepath.IsAbs(credsPath) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		credsPath = filepath.Join(wd, credsPath)
	}
	content, err := os.ReadFile(credsPath)
	if err != nil {
		return nil, fmt.Errorf("read GCP credentials %s: %w", credsPath, err)
	}
	return content, nil
}

// GCPCredentialsEnv returns the env var pointing the agent at the uploaded
// credentials file. Merge into the sandbox env when credentials are present.
func GCPCredentialsEnv() map[string]string {
	return map[string]string{"GOOGLE_APPLICATION_CREDENTIALS": gcpCredentialsPath}
}
