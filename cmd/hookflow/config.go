package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/hookflow/internal/mcpclient"
	"github.com/rendis/hookflow/internal/scheduler"
)

// Config holds all hookflow configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	DBPath             string                            `mapstructure:"db_path"`
	LogLevel           string                            `mapstructure:"log_level"`
	WorkflowsDir       string                            `mapstructure:"workflows_dir"`
	PipelinesDir       string                            `mapstructure:"pipelines_dir"`
	TranscriptsDir     string                            `mapstructure:"transcripts_dir"`
	EnvAllowlist       []string                          `mapstructure:"env_allowlist"`
	EnvDenylist        []string                          `mapstructure:"env_denylist"`
	ShellTimeout       time.Duration                     `mapstructure:"shell_timeout"`
	MaxOutputBytes     int64                             `mapstructure:"max_output_bytes"`
	LLMCommand         string                            `mapstructure:"llm_command"`
	LLMArgs            []string                          `mapstructure:"llm_args"`
	LLMModelFlag       string                            `mapstructure:"llm_model_flag"`
	MCPServers         map[string]mcpclient.ServerConfig `mapstructure:"mcp_servers"`
	ApprovalSweep      string                            `mapstructure:"approval_sweep"`
	ScheduledPipelines []scheduler.JobSpec               `mapstructure:"scheduled_pipelines"`
	MetricsAddr        string                            `mapstructure:"metrics_addr"`
}

func hookflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hookflow"
	}
	return filepath.Join(home, ".hookflow")
}

func settingsPath() string {
	return filepath.Join(hookflowDir(), "settings.yaml")
}

func setDefaults(v *viper.Viper) {
	dir := hookflowDir()
	v.SetDefault("db_path", filepath.Join(dir, "hookflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("workflows_dir", filepath.Join(dir, "workflows"))
	v.SetDefault("pipelines_dir", filepath.Join(dir, "pipelines"))
	v.SetDefault("transcripts_dir", "")
	v.SetDefault("env_allowlist", []string{})
	v.SetDefault("env_denylist", []string{})
	v.SetDefault("shell_timeout", 30*time.Second)
	v.SetDefault("max_output_bytes", int64(10*1024*1024))
	v.SetDefault("llm_command", "claude")
	v.SetDefault("llm_args", []string{"-p"})
	v.SetDefault("llm_model_flag", "--model")
	v.SetDefault("approval_sweep", scheduler.DefaultSweepSpec)
	v.SetDefault("metrics_addr", "")
}

// loadConfig layers defaults, the settings file and HOOKFLOW_* env vars.
// An empty path means ~/.hookflow/settings.yaml; a missing file is not an error.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("HOOKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.EnvAllowlist = splitList(cfg.EnvAllowlist)
	cfg.EnvDenylist = splitList(cfg.EnvDenylist)
	cfg.LLMArgs = splitList(cfg.LLMArgs)
	for name, srv := range cfg.MCPServers {
		srv.Env = upperKeys(srv.Env)
		cfg.MCPServers[name] = srv
	}
	return cfg, nil
}

// upperKeys restores env var names; viper lowercases every map key it reads.
func upperKeys(env map[string]string) map[string]string {
	if len(env) == 0 {
		return env
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
