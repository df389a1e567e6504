package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"
)

// fileConfig mirrors the flag surface. Durations are strings so the file can
// use the same "30s" syntax as the flags.
type fileConfig struct {
	Query         string   `yaml:"query"`
	From          string   `yaml:"from"`
	To            string   `yaml:"to"`
	Subject       string   `yaml:"subject"`
	Labels        []string `yaml:"labels"`
	HasAttachment bool     `yaml:"has_attachment"`
	UnreadOnly    bool     `yaml:"unread_only"`
	Since         string   `yaml:"since"`

	Format             string   `yaml:"format"`
	Fields             []string `yaml:"fields"`
	IncludeBody        bool     `yaml:"include_body"`
	MaxBodyLength      int      `yaml:"max_body_length"`
	IncludeAttachments bool     `yaml:"include_attachments"`
	Pretty             bool     `yaml:"pretty"`

	Tail         bool   `yaml:"tail"`
	PollInterval string `yaml:"poll_interval"`
	BatchSize    int    `yaml:"batch_size"`
	MaxMessages  int    `yaml:"max_messages"`

	CheckpointFile     string `yaml:"checkpoint_file"`
	CheckpointInterval string `yaml:"checkpoint_interval"`

	Credentials string `yaml:"credentials"`
	TokenFile   string `yaml:"token_file"`
	AuthJSON    string `yaml:"auth_json"`
	AuthDir     string `yaml:"auth_dir"`

	CacheFile string `yaml:"cache_file"`

	RPS      *int `yaml:"rps"`
	RetryMax *int `yaml:"retry_max"`
}

// applyConfigFile fills cfg from the YAML file for every flag the user did
// not set explicitly on the command line.
func applyConfigFile(cfg *cliConfig, path string, set map[string]bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString := func(name string, dst *string, val string) {
		if !set[name] && val != "" {
			*dst = val
		}
	}
	setBool := func(name string, dst *bool, val bool) {
		if !set[name] && val {
			*dst = true
		}
	}
	setInt := func(name string, dst *int, val int) {
		if !set[name] && val != 0 {
			*dst = val
		}
	}
	setDuration := func(name string, dst *time.Duration, val string) error {
		if set[name] || val == "" {
			return nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("config %s: bad %s %q: %w", path, name, val, err)
		}
		*dst = d
		return nil
	}

	setString("query", &cfg.query, fc.Query)
	setString("from", &cfg.from, fc.From)
	setString("to", &cfg.to, fc.To)
	setString("subject", &cfg.subject, fc.Subject)
	if !set["labels"] && len(fc.Labels) > 0 {
		cfg.labels = strings.Join(fc.Labels, ",")
	}
	setBool("has-attachment", &cfg.hasAttachment, fc.HasAttachment)
	setBool("unread-only", &cfg.unreadOnly, fc.UnreadOnly)
	setString("since", &cfg.since, fc.Since)

	setString("format", &cfg.outFormat, fc.Format)
	if !set["fields"] && len(fc.Fields) > 0 {
		cfg.fields = strings.Join(fc.Fields, ",")
	}
	setBool("include-body", &cfg.includeBody, fc.IncludeBody)
	setInt("max-body-length", &cfg.maxBodyLength, fc.MaxBodyLength)
	setBool("include-attachments", &cfg.includeAttachments, fc.IncludeAttachments)
	setBool("pretty", &cfg.pretty, fc.Pretty)

	setBool("tail", &cfg.tailMode, fc.Tail)
	if err := setDuration("poll-interval", &cfg.pollInterval, fc.PollInterval); err != nil {
		return err
	}
	setInt("batch-size", &cfg.batchSize, fc.BatchSize)
	setInt("max-messages", &cfg.maxMessages, fc.MaxMessages)

	setString("checkpoint-file", &cfg.checkpointFile, fc.CheckpointFile)
	if err := setDuration("checkpoint-interval", &cfg.checkpointInterval, fc.CheckpointInterval); err != nil {
		return err
	}

	setString("credentials", &cfg.credentials, fc.Credentials)
	setString("token-file", &cfg.tokenFile, fc.TokenFile)
	setString("auth-json", &cfg.authJSON, fc.AuthJSON)
	setString("auth-dir", &cfg.authDir, fc.AuthDir)

	setString("cache-file", &cfg.cacheFile, fc.CacheFile)

	if !set["rps"] && fc.RPS != nil {
		cfg.rps = *fc.RPS
	}
	if !set["retry-max"] && fc.RetryMax != nil {
		cfg.retryMax = *fc.RetryMax
	}
	return nil
}
