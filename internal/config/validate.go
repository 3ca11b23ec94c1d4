// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate compiles schema and checks instance against it. It returns an
// error instead of calling cclog.Fatal: a config reload (config.Load is on
// the same path) must not be able to kill the process.
func Validate(schema string, instance json.RawMessage) error {
	sch, err := jsonschema.CompileString("tailer-agent-config.json", schema)
	if err != nil {
		return fmt.Errorf("config: compiling schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		return fmt.Errorf("config: unmarshaling instance for validation: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config: schema validation failed: %w", err)
	}

	return nil
}

// SchemaJSON is the recognized per-input and global option set.
const SchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "global": { "type": "object" },
    "inputs": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["base_path"],
        "properties": {
          "base_path": { "type": "string" },
          "file_pattern": { "type": "string" },
          "log_type": { "type": "string" },
          "timeformat": { "type": "string" },
          "time_regex": { "type": "string" },
          "multiline_begin_regex": { "type": "string" },
          "keys": { "type": "array", "items": { "type": "string" } },
          "filter_regex": { "type": "object" },
          "topic_format": { "type": "string" },
          "group_by": { "type": "array", "items": { "type": "string" } },
          "project": { "type": "string" },
          "logstore": { "type": "string" },
          "region": { "type": "string" },
          "aliuid": { "type": "string" },
          "preserve": { "type": "boolean" },
          "preserve_depth": { "type": "integer" },
          "max_depth": { "type": "integer" },
          "dir_blacklist": { "type": "array", "items": { "type": "string" } },
          "filepath_blacklist": { "type": "array", "items": { "type": "string" } },
          "filename_blacklist": { "type": "array", "items": { "type": "string" } },
          "enable_root_path_collection": { "type": "boolean" },
          "merge_by_logstore": { "type": "boolean" },
          "advanced": { "type": "object" },
          "customized": { "type": "object" }
        }
      }
    }
  }
}`
