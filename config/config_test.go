package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/estate-reconciler/matching"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reconciler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Estate.AutoProcess)
	assert.Equal(t, matching.DefaultConfig(), cfg.MatcherConfig())
	assert.True(t, cfg.DuplicatePolicy().CheckReference)
	assert.Equal(t, -1, cfg.DuplicatePolicy().AmountWindowDays)
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A YAML file and an env override for one of its keys
	path := writeYAML(t, `
server:
  port: 9090
estate:
  auto_process: false
matching:
  high_threshold: 0.9
mailbox:
  name: alerts@estate.test
  dir: /var/mail/alerts
scheduler:
  enabled: true
  interval: 5m
notify:
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
`)
	t.Setenv("RECONCILER_SERVER_PORT", "7070")
	t.Setenv("RECONCILER_DUPLICATES_AMOUNT_WINDOW_DAYS", "3")

	// WHEN
	cfg, err := Load(path)

	// THEN: env beats file, file beats defaults
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.False(t, cfg.EstateConfig().AutoProcessEnabled)
	assert.Equal(t, 0.9, cfg.Matching.HighThreshold)
	assert.Equal(t, 0.6, cfg.Matching.MediumThreshold)
	assert.Equal(t, 3, cfg.Duplicates.AmountWindowDays)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaConfig().Brokers)
	assert.Equal(t, "estate.payments", cfg.KafkaConfig().Topic)
}

func TestLoad_RejectsUnorderedThresholds(t *testing.T) {
	path := writeYAML(t, `
matching:
  medium_threshold: 0.95
`)

	_, err := Load(path)

	assert.ErrorContains(t, err, "matching")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Scheduler.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "mailbox.dir")

	cfg = Default()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Path = ""
	assert.Error(t, cfg.Validate())
}
