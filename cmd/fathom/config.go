package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/acrylicshrimp/fathom/features/model/anthropic"
	"github.com/acrylicshrimp/fathom/features/model/bedrock"
	"github.com/acrylicshrimp/fathom/features/model/middleware"
	"github.com/acrylicshrimp/fathom/features/model/openai"
	"github.com/acrylicshrimp/fathom/runtime/agent/model"

	"context"
)

const defaultConfigPath = "fathom.yaml"

// fileConfig mirrors the optional static fathom.yaml file: lower-precedence
// defaults for settings that are otherwise read from the environment.
type fileConfig struct {
	WorkspaceRoot   string `yaml:"workspace_root"`
	TaskParallelism int    `yaml:"task_parallelism"`
	ModelProvider   string `yaml:"model_provider"`
	ModelDefault    string `yaml:"model_default"`
}

// loadFileConfig reads path if it exists; a missing file is not an error,
// since fathom.yaml is entirely optional (env vars and flags suffice on
// their own).
func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

const (
	defaultInitialTPM = 60000
	defaultMaxTPM     = 600000
)

const (
	defaultWorkspaceRoot   = "."
	defaultTaskParallelism = 4
)

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runtimeConfig bundles the environment-derived settings shared by the
// server and client commands.
type runtimeConfig struct {
	workspaceRoot   string
	taskParallelism int
	client          model.Client
}

// loadRuntimeConfig reads OPENAI_API_KEY (required), FATHOM_WORKSPACE_ROOT,
// FATHOM_TASK_PARALLELISM, and FATHOM_MODEL_PROVIDER from the environment.
func loadRuntimeConfig() (runtimeConfig, error) {
	cfg := runtimeConfig{
		workspaceRoot:   defaultWorkspaceRoot,
		taskParallelism: defaultTaskParallelism,
	}

	path := configPath
	if path == "" {
		path = envOrDefault("FATHOM_CONFIG", defaultConfigPath)
	}
	fc, err := loadFileConfig(path)
	if err != nil {
		return cfg, err
	}
	if fc.WorkspaceRoot != "" {
		cfg.workspaceRoot = fc.WorkspaceRoot
	}
	if fc.TaskParallelism > 0 {
		cfg.taskParallelism = fc.TaskParallelism
	}

	if v := os.Getenv("FATHOM_WORKSPACE_ROOT"); v != "" {
		cfg.workspaceRoot = v
	}
	if v := os.Getenv("FATHOM_TASK_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("FATHOM_TASK_PARALLELISM must be a positive integer, got %q", v)
		}
		cfg.taskParallelism = n
	}

	client, err := buildModelClient(fc)
	if err != nil {
		return cfg, err
	}
	limiter := middleware.NewAdaptiveRateLimiter(defaultInitialTPM, defaultMaxTPM)
	cfg.client = limiter.Middleware()(client)
	return cfg, nil
}

// buildModelClient selects a model.Client provider from FATHOM_MODEL_PROVIDER
// (default "openai", falling back to fc.ModelProvider when the env var is
// unset); OPENAI_API_KEY is required regardless of the chosen provider per
// the runtime's environment contract, since the default provider depends on
// it. When FATHOM_MODEL_DEFAULT and fc.ModelDefault are both unset, the
// openai and anthropic providers fall back to a built-in default model.
func buildModelClient(fc fileConfig) (model.Client, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required")
	}

	provider := os.Getenv("FATHOM_MODEL_PROVIDER")
	if provider == "" {
		provider = fc.ModelProvider
	}
	if provider == "" {
		provider = "openai"
	}

	modelDefault := os.Getenv("FATHOM_MODEL_DEFAULT")
	if modelDefault == "" {
		modelDefault = fc.ModelDefault
	}

	switch provider {
	case "openai":
		if modelDefault == "" {
			modelDefault = "gpt-4o"
		}
		return openai.NewFromAPIKey(apiKey, modelDefault)
	case "anthropic":
		anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
		if anthropicKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required when FATHOM_MODEL_PROVIDER=anthropic")
		}
		if modelDefault == "" {
			modelDefault = "claude-sonnet-4-5"
		}
		return anthropic.NewFromAPIKey(anthropicKey, modelDefault)
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load AWS config for bedrock provider: %w", err)
		}
		rt := bedrockruntime.NewFromConfig(awsCfg)
		return bedrock.New(rt, bedrock.Options{DefaultModel: modelDefault}), nil
	default:
		return nil, fmt.Errorf("unsupported FATHOM_MODEL_PROVIDER %q", provider)
	}
}
