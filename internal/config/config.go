// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the agent's configuration: a set of
// named input configs plus global tunables, combining flag-parsed bootstrap
// options with a strict JSON config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// AdvancedConfig carries the per-input "advanced" option group.
type AdvancedConfig struct {
	ForceMultiConfig  bool          `json:"force_multiconfig"`
	Blacklist         []string      `json:"blacklist"`
	TailSize          int64         `json:"tail_size"`
	BatchSendInterval time.Duration `json:"batch_send_interval"`
}

// CustomizedConfig carries the per-input "customized" option group.
type CustomizedConfig struct {
	DataIntegrity bool `json:"data_integrity"`
	LineCount     bool `json:"line_count"`
	FuseMode      bool `json:"fuse_mode"`
}

// InputConfig is one named tailing configuration.
type InputConfig struct {
	Name string `json:"-"`

	BasePath    string `json:"base_path"`
	FilePattern string `json:"file_pattern"`
	LogType     string `json:"log_type"`

	TimeFormat string `json:"timeformat"`
	TimeRegex  string `json:"time_regex"`

	MultilineBeginRegex string            `json:"multiline_begin_regex"`
	Keys                []string          `json:"keys"`
	FilterRegex         map[string]string `json:"filter_regex"`
	TopicFormat         string            `json:"topic_format"`
	GroupBy             []string          `json:"group_by"`

	Project  string `json:"project"`
	Logstore string `json:"logstore"`
	Region   string `json:"region"`
	AliUID   string `json:"aliuid"`

	Preserve      bool `json:"preserve"`
	PreserveDepth int  `json:"preserve_depth"`
	MaxDepth      int  `json:"max_depth"`

	DirBlacklist      []string `json:"dir_blacklist"`
	FilepathBlacklist []string `json:"filepath_blacklist"`
	FilenameBlacklist []string `json:"filename_blacklist"`

	EnableRootPathCollection bool `json:"enable_root_path_collection"`

	MergeByLogstore bool `json:"merge_by_logstore"`

	Advanced   AdvancedConfig   `json:"advanced"`
	Customized CustomizedConfig `json:"customized"`
}

// GlobalConfig holds the process-wide tunables.
type GlobalConfig struct {
	Addr string `json:"addr"`

	User  string `json:"user"`
	Group string `json:"group"`

	DirFilePollInterval time.Duration `json:"dir_file_poll_interval"`
	ModifyPollInterval  time.Duration `json:"modify_poll_interval"`
	FirstWatchTimeout   time.Duration `json:"first_watch_timeout"`
	RepushInterval      time.Duration `json:"repush_interval"`
	IgnoreModifyTimeout time.Duration `json:"ignore_file_modify_timeout"`

	EventQueueCapacity int `json:"event_queue_capacity"`

	ReadFileTimeSliceMicros int64 `json:"read_file_time_slice_micros"`
	ReadBufferSize          int   `json:"read_buffer_size"`
	SignatureSize           int   `json:"signature_size"`
	MaxSendSize             int64 `json:"max_send_size"`

	BatchSendMetricSize int64         `json:"batch_send_metric_size"`
	MergeLogCountLimit  int           `json:"merge_log_count_limit"`
	BatchSendInterval   time.Duration `json:"batch_send_interval"`

	ByteRateCapPerSecond int64 `json:"byte_rate_cap_per_second"`
	RegionConcurrency    int   `json:"region_concurrency"`

	// Endpoints maps a region name to its candidate endpoint addresses;
	// addresses prefixed with "proxy:" are tried after direct ones.
	Endpoints map[string][]string `json:"endpoints"`

	SenderQueueCapacity  int `json:"sender_queue_capacity"`
	SenderQueueHighWater int `json:"sender_queue_high_water"`
	SenderQueueLowWater  int `json:"sender_queue_low_water"`
	ExactlyOnceSlotCount int `json:"exactly_once_slot_count"`

	ShipperWorkers    int           `json:"shipper_workers"`
	ShipperMaxRetries int           `json:"shipper_max_retries"`
	RequestTimeout    time.Duration `json:"request_timeout"`
	SigningService    string        `json:"signing_service"`
	AccessKey         string        `json:"access_key"`
	SecretKey         string        `json:"secret_key"`

	BufferFilePath     string `json:"buffer_file_path"`
	BufferFileMaxBytes int64  `json:"buffer_file_max_bytes"`

	CheckpointPath     string        `json:"checkpoint_path"`
	CheckpointInterval time.Duration `json:"checkpoint_interval"`
	CheckpointTimeout  time.Duration `json:"checkpoint_timeout"`
	CheckpointFormat   string        `json:"checkpoint_format"` // "json", "binary" or "avro"

	DiscardNoneUTF8 bool `json:"discard_none_utf8"`

	ContainerMountMeta map[string]string `json:"container_mount_meta"`
}

// ProgramConfig is the top-level configuration document: a flat struct of
// bootstrap options plus a map of named sub-configs.
type ProgramConfig struct {
	Global GlobalConfig            `json:"global"`
	Inputs map[string]*InputConfig `json:"inputs"`
}

// Defaults returns the documented default tunables.
func Defaults() ProgramConfig {
	return ProgramConfig{
		Global: GlobalConfig{
			Addr:                    ":8900",
			DirFilePollInterval:     5 * time.Second,
			ModifyPollInterval:      1 * time.Second,
			FirstWatchTimeout:       3 * time.Hour,
			RepushInterval:          10 * time.Second,
			IgnoreModifyTimeout:     180 * time.Second,
			EventQueueCapacity:      10000,
			ReadFileTimeSliceMicros: 50000,
			ReadBufferSize:          512 * 1024,
			SignatureSize:           1024,
			MaxSendSize:             3 * 1024 * 1024,
			BatchSendMetricSize:     2 * 1024 * 1024,
			MergeLogCountLimit:      4096,
			BatchSendInterval:       3 * time.Second,
			ByteRateCapPerSecond:    20 * 1024 * 1024,
			RegionConcurrency:       16,
			SenderQueueCapacity:     32,
			SenderQueueHighWater:    24,
			SenderQueueLowWater:     8,
			ExactlyOnceSlotCount:    8,
			ShipperWorkers:          4,
			ShipperMaxRetries:       5,
			RequestTimeout:          15 * time.Second,
			SigningService:          "log",
			BufferFilePath:          "./var/buffer",
			BufferFileMaxBytes:      1 << 30,
			CheckpointPath:          "./var/checkpoint.json",
			CheckpointInterval:      5 * time.Second,
			CheckpointTimeout:       24 * time.Hour,
			CheckpointFormat:        "json",
			DiscardNoneUTF8:         true,
		},
		Inputs: map[string]*InputConfig{},
	}
}

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*ProgramConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded, err := ExpandEnv(string(raw))
	if err != nil {
		return nil, fmt.Errorf("config: expanding %s: %w", path, err)
	}

	cfg := Defaults()
	dec := json.NewDecoder(strings.NewReader(expanded))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	for name, in := range cfg.Inputs {
		in.Name = name
	}

	if err := Validate(SchemaJSON, json.RawMessage(expanded)); err != nil {
		return nil, err
	}

	cclog.Infof("config: loaded %d input(s) from %s", len(cfg.Inputs), path)
	return &cfg, nil
}
