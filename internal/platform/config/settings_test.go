package config

import (
	"testing"

	kit "github.com/Juliovivas99/crybb/internal/platform/testkit"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BEARER_TOKEN", "bearer-abc")
	t.Setenv("CONSUMER_KEY", "ck")
	t.Setenv("CONSUMER_SECRET", "cs")
	t.Setenv("ACCESS_TOKEN", "at")
	t.Setenv("ACCESS_SECRET", "as")
	t.Setenv("BOT_HANDLE", "crybb")
	t.Setenv("STYLE_URL", "https://example.com/style.png")
}

func TestLoadDefaultsWhenOptionalUnset(t *testing.T) {
	setRequiredEnv(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ImagePipeline != "placeholder" {
		t.Fatalf("ImagePipeline default = %q", s.ImagePipeline)
	}
	if s.AwakeMinSecs != 180 || s.AwakeMaxSecs != 300 {
		t.Fatalf("awake defaults = %d..%d", s.AwakeMinSecs, s.AwakeMaxSecs)
	}
	if s.PerAuthorHourlyLimit != 12 || s.PerTargetHourlyLimit != 5 {
		t.Fatalf("limiter defaults = %d/%d", s.PerAuthorHourlyLimit, s.PerTargetHourlyLimit)
	}
	if s.AIMaxConcurrency != 2 || s.AIMaxAttempts != 2 {
		t.Fatalf("ai defaults = %d/%d", s.AIMaxConcurrency, s.AIMaxAttempts)
	}
}

func TestLoadMissingRequiredPanics(t *testing.T) {
	kit.MustPanic(t, func() { _, _ = Load() })
}

func TestLoadAIPipelineRequiresTransformSettings(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IMAGE_PIPELINE", "ai")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error when IMAGE_PIPELINE=ai without transform settings")
	}
}

func TestLoadAIPipelineWithTransformSettings(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IMAGE_PIPELINE", "ai")
	t.Setenv("TRANSFORM_TOKEN", "tok")
	t.Setenv("TRANSFORM_BASE_URL", "https://transform.example.com")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ImagePipeline != "ai" {
		t.Fatalf("ImagePipeline = %q", s.ImagePipeline)
	}
}

func TestLoadInvalidCadenceRangeFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AWAKE_MIN_SECS", "300")
	t.Setenv("AWAKE_MAX_SECS", "180")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error when AwakeMaxSecs < AwakeMinSecs")
	}
}

func TestLoadWhitelistHandlesCSV(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WHITELIST_HANDLES", "alice, bob ,carol")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.WhitelistHandles) != 3 || s.WhitelistHandles[1] != "bob" {
		t.Fatalf("WhitelistHandles = %#v", s.WhitelistHandles)
	}
}
