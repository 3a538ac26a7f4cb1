// Package scheduler runs the bot's main poll loop: fetch mentions, hand
// them to the reply pipeline, advance the ledger watermark, and sleep for
// an interval drawn from one of two cadences depending on recent activity.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Juliovivas99/crybb/internal/batchctx"
	"github.com/Juliovivas99/crybb/internal/ledger"
	"github.com/Juliovivas99/crybb/internal/mention"
	"github.com/Juliovivas99/crybb/internal/microblog"
	perr "github.com/Juliovivas99/crybb/internal/platform/errors"
	"github.com/Juliovivas99/crybb/internal/platform/logger"
	"github.com/Juliovivas99/crybb/internal/quietactivity"
	"github.com/Juliovivas99/crybb/internal/reply"
)

const maxMentionsPerPoll = 10

// Cadence is an inclusive [min, max] range of seconds to sleep between
// polls. Which one applies is chosen by whether the previous poll found
// any mentions.
type Cadence struct {
	MinSecs int
	MaxSecs int
}

func (c Cadence) sample(rng *rand.Rand) time.Duration {
	if c.MaxSecs <= c.MinSecs {
		return time.Duration(c.MinSecs) * time.Second
	}
	span := c.MaxSecs - c.MinSecs
	return time.Duration(c.MinSecs+rng.Intn(span+1)) * time.Second
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Client   *microblog.Client
	ReadCred microblog.Credential
	BotUserID string
	BotHandle string

	Ledger *ledger.Ledger
	TTL    *batchctx.TTLCache

	Reply *reply.Pipeline

	// QuietActivity is run, best-effort, whenever a poll finds no mentions
	// and the scheduler is about to settle into the sleeper cadence. Nil
	// disables it entirely.
	QuietActivity *quietactivity.Task

	Awake  Cadence
	Sleeper Cadence
}

// Scheduler owns the awake/quiet poll loop.
type Scheduler struct {
	deps Deps
	log  zerolog.Logger
	rng  *rand.Rand

	sleep func(context.Context, time.Duration) error
}

// New builds a Scheduler. seed makes the sleep jitter reproducible in
// tests; production callers pass a seed derived from the current time.
func New(deps Deps, log zerolog.Logger, seed int64) *Scheduler {
	return &Scheduler{
		deps:  deps,
		log:   log,
		rng:   rand.New(rand.NewSource(seed)),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls until ctx is cancelled. Cancellation is observed between
// iterations and at every internal sleep; an in-flight batch is allowed to
// finish before Run returns, so a reply pipeline never half-completes.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		foundMentions, err := s.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("poll iteration failed, continuing on the next cadence")
		}

		cadence := s.deps.Sleeper
		if foundMentions {
			cadence = s.deps.Awake
		} else if s.deps.QuietActivity != nil {
			s.deps.QuietActivity.Run(ctx)
		}
		d := cadence.sample(s.rng)
		s.log.Debug().Dur("sleep", d).Bool("found_mentions", foundMentions).Msg("sleeping until the next poll")
		if err := s.sleep(ctx, d); err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// poll runs one iteration: fetch a page of mentions, process it, and
// advance the watermark over however much of it completed. It returns
// whether any mentions were found, independent of how many it successfully
// processed.
func (s *Scheduler) poll(ctx context.Context) (bool, error) {
	reqID := uuid.NewString()
	ctx = logger.WithRequest(ctx, reqID, "")
	log := logger.C(ctx).With().Str("component", "scheduler").Logger()

	sinceID := s.deps.Ledger.SinceID()
	page, err := s.deps.Client.GetMentions(ctx, s.deps.ReadCred, s.deps.BotUserID, sinceID, maxMentionsPerPoll)
	if err != nil {
		return false, err
	}
	if len(page.Mentions) == 0 {
		return false, nil
	}

	log.Info().Int("count", len(page.Mentions)).Msg("fetched mentions")

	snapshot := mention.NewBatchSnapshot(page.Users)
	bc := batchctx.New(snapshot, s.deps.TTL, s.lookupUser)

	if err := s.deps.Reply.ProcessBatch(ctx, page.Mentions, bc); err != nil {
		return true, err
	}

	mention.SortByIDAscending(page.Mentions)
	ids := make([]string, len(page.Mentions))
	for i, m := range page.Mentions {
		ids[i] = m.ID
	}
	if err := s.deps.Ledger.AdvanceHighWatermark(ids); err != nil {
		return true, err
	}
	return true, nil
}

// lookupUser resolves a cold-miss username via the API, translating a
// not-found response into the perr-classified absent-target error
// batchctx.BatchContext.ResolveUser expects.
func (s *Scheduler) lookupUser(ctx context.Context, username string) (mention.User, error) {
	u, err := s.deps.Client.GetUserByUsername(ctx, s.deps.ReadCred, username)
	if err != nil {
		if ce, ok := err.(*microblog.ClientError); ok && ce.Status == 404 {
			return mention.User{}, perr.AbsentTargetf("user %q not found: %v", username, err)
		}
		return mention.User{}, err
	}
	return u, nil
}
