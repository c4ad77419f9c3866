package config

import "time"

// Config is the complete evexec configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Workers     WorkersConfig     `yaml:"workers"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`

	// Tokens holds named secrets referenced by webhook endpoints
	// (secret_ref). Values usually come from ${ENV} interpolation.
	Tokens map[string]string `yaml:"tokens,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type WorkersConfig struct {
	Count int `yaml:"count"`
}

type CoordinatorConfig struct {
	// Strategy is "coalesce" or "resubmit".
	Strategy              string `yaml:"strategy"`
	SerializeRegistration bool   `yaml:"serialize_registration"`
}

// WorkspaceConfig locates the shared filesystem tree.
type WorkspaceConfig struct {
	Root      string `yaml:"root"`
	ParentDir string `yaml:"parent_dir,omitempty"`
	TasksPath string `yaml:"tasks_path"`
}

// PipelineConfig tunes the commands each run executes.
type PipelineConfig struct {
	GitHost         string        `yaml:"git_host"`
	PullRemote      string        `yaml:"pull_remote"`
	PullBranch      string        `yaml:"pull_branch"`
	BuildCommand    []string      `yaml:"build_command"`
	TestCommand     []string      `yaml:"test_command"`
	FailFast        bool          `yaml:"fail_fast"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	NetworkAttempts int           `yaml:"network_attempts"`
	NetworkBackoff  time.Duration `yaml:"network_backoff"`
}

// WebhooksConfig defines webhook listener settings.
type WebhooksConfig struct {
	Listen       string            `yaml:"listen"`
	EventsBuffer int               `yaml:"events_buffer"`
	Endpoints    []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Path string `yaml:"path"`
	// Kind is "registration" or "push".
	Kind            string `yaml:"kind"`
	Secret          string `yaml:"secret,omitempty"`
	SecretRef       string `yaml:"secret_ref,omitempty"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	AllowUnsigned   bool   `yaml:"allow_unsigned,omitempty"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"`
}

// Default webhook paths, matching what the host application calls.
const (
	DefaultRegistrationPath = "/participant/registration/push"
	DefaultPushPath         = "/participant/push"
)

// Defaults returns a Config with the values used when a key is absent.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "evexec",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Workers: WorkersConfig{Count: 8},
		Coordinator: CoordinatorConfig{
			Strategy:              "coalesce",
			SerializeRegistration: true,
		},
		Workspace: WorkspaceConfig{
			Root:      "/app",
			TasksPath: "src/main/java/test/parent",
		},
		Pipeline: PipelineConfig{
			GitHost:         "github.com",
			PullRemote:      "origin",
			PullBranch:      "main",
			NetworkAttempts: 1,
			NetworkBackoff:  2 * time.Second,
		},
		Webhooks: WebhooksConfig{
			Listen:       "0.0.0.0:8080",
			EventsBuffer: 256,
		},
		Tokens: map[string]string{},
	}
}

// DefaultEndpoints are served when the config lists none. They accept
// unsigned deliveries, as the host application does not sign them.
func DefaultEndpoints() []WebhookEndpoint {
	return []WebhookEndpoint{
		{Path: DefaultRegistrationPath, Kind: "registration", AllowUnsigned: true},
		{Path: DefaultPushPath, Kind: "push", AllowUnsigned: true},
	}
}
