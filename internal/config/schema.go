package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchema constrains the shapes a config file may take before any Go
// defaulting runs. Structural mistakes (a string where a map belongs, a
// negative limit, an unknown mode) fail loudly at load time.
const configSchema = `{
  "type": "object",
  "properties": {
    "home_dir": {"type": "string"},
    "db_path": {"type": "string"},
    "log_level": {"enum": ["debug", "info", "warn", "error"]},
    "repo_path": {"type": "string"},
    "worktree_base": {"type": "string"},
    "mode": {"enum": ["local", "container"]},
    "install_command": {"type": "array", "items": {"type": "string"}},
    "hook_files": {"type": "array", "items": {"type": "string"}},
    "secrets_env": {"type": "array", "items": {"type": "string"}},
    "tier_limits": {
      "type": "object",
      "additionalProperties": {"type": "integer", "minimum": 0}
    },
    "cache_ttl_seconds": {"type": "integer", "minimum": 0},
    "retry": {
      "type": "object",
      "properties": {
        "base_delay_seconds": {"type": "integer", "minimum": 0},
        "max_retries": {"type": "integer", "minimum": 0, "maximum": 20},
        "max_prompt_tokens": {"type": "integer", "minimum": 0}
      }
    },
    "container": {
      "type": "object",
      "properties": {
        "image": {"type": "string"},
        "memory_mb": {"type": "integer", "minimum": 0},
        "nano_cpus": {"type": "integer", "minimum": 0},
        "network": {"type": "string"},
        "tmpfs_size": {"type": "string"},
        "stop_timeout_seconds": {"type": "integer", "minimum": 0}
      }
    },
    "monitor": {
      "type": "object",
      "properties": {
        "interval_seconds": {"type": "integer", "minimum": 0}
      }
    },
    "janitor": {
      "type": "object",
      "properties": {
        "schedule": {"type": "string"}
      }
    },
    "operators": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "autonomy_level": {
            "enum": ["observer", "participant", "builder", "architect", "sovereign"]
          }
        },
        "required": ["id", "autonomy_level"]
      }
    },
    "telegram": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "token": {"type": "string"},
        "chat_id": {"type": "integer"}
      }
    },
    "otel": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"enum": ["otlp-http", "stdout", "none"]},
        "endpoint": {"type": "string"},
        "sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compileSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("config.json")
	})
	return compiledSchema, schemaErr
}

// validate checks the raw YAML document against the schema. Validating the
// document rather than the defaulted struct means only keys the user actually
// wrote are constrained.
func validate(data []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config for validation: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config for validation: %w", err)
	}
	jsonDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("reparse config for validation: %w", err)
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return err
	}
	return nil
}
