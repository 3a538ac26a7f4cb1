package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Settings is the fully-resolved, validated configuration for one crybb
// process, loaded once at startup in cmd/crybb, which hands the relevant
// fields to each component it wires (scheduler, reply pipeline, microblog
// credentials). No component re-reads the environment after Load returns.
type Settings struct {
	// Credentials. BearerToken authenticates read endpoints; the four
	// ConsumerKey/Secret/AccessToken/Secret fields sign write endpoints via
	// OAuth1 user-context.
	BearerToken    string `validate:"required"`
	ConsumerKey    string `validate:"required"`
	ConsumerSecret string `validate:"required"`
	AccessToken    string `validate:"required"`
	AccessSecret   string `validate:"required"`

	// BotHandle is the account's own @handle, used by the target extractor.
	BotHandle string `validate:"required"`

	// ImagePipeline selects the transform backend: "ai" talks to the real
	// external service; "placeholder" returns a fixed stub image so the
	// pipeline is runnable without it.
	ImagePipeline string `validate:"required,oneof=ai placeholder"`
	// TransformToken authenticates calls to the external transform service;
	// required only when ImagePipeline == "ai" (checked post-validation).
	TransformToken string
	// TransformBaseURL is the transform service's base URL; required only
	// when ImagePipeline == "ai".
	TransformBaseURL string
	// StyleURL is the fixed style-reference image used on every transform
	// call. Validated once at startup by an HTTP HEAD request.
	StyleURL string `validate:"required,url"`

	// OutboxDir holds the two ledger flat files.
	OutboxDir string `validate:"required"`

	// Cadence knobs (seconds): how long the scheduler sleeps between polls
	// when mentions were recently seen (awake) versus not (sleeper).
	AwakeMinSecs   int `validate:"gt=0"`
	AwakeMaxSecs   int `validate:"gtfield=AwakeMinSecs"`
	SleeperMinSecs int `validate:"gt=0"`
	SleeperMaxSecs int `validate:"gtfield=SleeperMinSecs"`

	// Rate limit capacities: sliding-window hourly caps per author (incoming)
	// and per target (outgoing), plus authors exempt from the incoming cap.
	PerAuthorHourlyLimit int `validate:"gt=0"`
	PerTargetHourlyLimit int `validate:"gt=0"`
	WhitelistHandles     []string

	// Reply pipeline knobs: concurrent transform slots, retry budget per
	// transform call, and the external service's own timeout/poll interval.
	AIMaxConcurrency int           `validate:"gt=0"`
	AIMaxAttempts    int           `validate:"gt=0"`
	AITimeout        time.Duration `validate:"gt=0"`
	AIPollInterval   time.Duration `validate:"gt=0"`

	// RTLikeThreshold gates the quiet-period activity task: only the bot's
	// own posts with at least this many likes are re-posted.
	RTLikeThreshold int `validate:"gte=0"`
}

// Load reads every Settings field from the environment (no prefix — this is
// a single-service process) and validates the result. It panics on a
// missing required value via Conf's Must* accessors (fail-fast at boot),
// and returns a wrapped validation error for anything Must* can't catch
// (cross-field and conditional rules).
func Load() (Settings, error) {
	c := New()

	s := Settings{
		BearerToken:    c.MustString("BEARER_TOKEN"),
		ConsumerKey:    c.MustString("CONSUMER_KEY"),
		ConsumerSecret: c.MustString("CONSUMER_SECRET"),
		AccessToken:    c.MustString("ACCESS_TOKEN"),
		AccessSecret:   c.MustString("ACCESS_SECRET"),
		BotHandle:      c.MustString("BOT_HANDLE"),

		ImagePipeline:    c.MayEnum("IMAGE_PIPELINE", "placeholder", "ai", "placeholder"),
		TransformToken:   c.MayString("TRANSFORM_TOKEN", ""),
		TransformBaseURL: c.MayString("TRANSFORM_BASE_URL", ""),
		StyleURL:         c.MustString("STYLE_URL"),

		OutboxDir: c.MayString("OUTBOX_DIR", "./outbox"),

		AwakeMinSecs:   c.MayInt("AWAKE_MIN_SECS", 180),
		AwakeMaxSecs:   c.MayInt("AWAKE_MAX_SECS", 300),
		SleeperMinSecs: c.MayInt("SLEEPER_MIN_SECS", 480),
		SleeperMaxSecs: c.MayInt("SLEEPER_MAX_SECS", 600),

		PerAuthorHourlyLimit: c.MayInt("PER_AUTHOR_HOURLY_LIMIT", 12),
		PerTargetHourlyLimit: c.MayInt("PER_TARGET_HOURLY_LIMIT", 5),
		WhitelistHandles:     c.MayCSV("WHITELIST_HANDLES", nil),

		AIMaxConcurrency: c.MayInt("AI_MAX_CONCURRENCY", 2),
		AIMaxAttempts:    c.MayInt("AI_MAX_ATTEMPTS", 2),
		AITimeout:        c.MayDuration("AI_TIMEOUT", 120*time.Second),
		AIPollInterval:   c.MayDuration("AI_POLL_INTERVAL", 2*time.Second),

		RTLikeThreshold: c.MayInt("RT_LIKE_THRESHOLD", 10),
	}

	if s.ImagePipeline == "ai" && (s.TransformToken == "" || s.TransformBaseURL == "") {
		return Settings{}, fmt.Errorf("config: IMAGE_PIPELINE=ai requires TRANSFORM_TOKEN and TRANSFORM_BASE_URL")
	}

	if err := validate.Struct(s); err != nil {
		return Settings{}, fmt.Errorf("config: invalid settings: %w", err)
	}
	return s, nil
}

var validate = validator.New()
