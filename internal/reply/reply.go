// Package reply implements the per-mention work unit: resolve a target,
// transform their profile picture, and post a threaded image reply, with
// the text-only and leave-unprocessed fallbacks a partial failure demands.
package reply

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Juliovivas99/crybb/internal/batchctx"
	"github.com/Juliovivas99/crybb/internal/imagenorm"
	"github.com/Juliovivas99/crybb/internal/imagetransform"
	"github.com/Juliovivas99/crybb/internal/ledger"
	"github.com/Juliovivas99/crybb/internal/mention"
	"github.com/Juliovivas99/crybb/internal/metrics"
	"github.com/Juliovivas99/crybb/internal/microblog"
	"github.com/Juliovivas99/crybb/internal/ratelimit"
	"github.com/Juliovivas99/crybb/internal/target"
)

const (
	replyTemplate = "Welcome to $CRYBB @%s 🍼\n\nNO CRYING IN THE CASINO."
	fallbackText  = "Sorry — I couldn't render that one. Try again in a bit! 💛"
	transformPrompt = "crybb casino welcome portrait"
)

// Deps bundles every collaborator the pipeline touches. All fields are
// shared across the whole batch (and across batches); none is owned by a
// single mention's processing.
type Deps struct {
	Client    *microblog.Client
	ReadCred  microblog.Credential
	WriteCred microblog.Credential

	Incoming *ratelimit.Incoming
	Outgoing *ratelimit.Outgoing
	Ledger   *ledger.Ledger

	Transform imagetransform.Client
	Metrics   *metrics.Counters

	BotHandle string
	StyleURL  string

	MaxConcurrency int
}

// Pipeline runs Deps.MaxConcurrency reply pipelines at a time over a batch.
type Pipeline struct {
	deps Deps
	log  zerolog.Logger
}

// New builds a Pipeline.
func New(deps Deps, log zerolog.Logger) *Pipeline {
	return &Pipeline{deps: deps, log: log}
}

// ProcessBatch dispatches every mention in ms to a bounded worker pool,
// sorted ascending by id. The only error ProcessBatch can return is a
// ledger write failure, which aborts the batch without advancing the
// high-watermark; every other failure mode is handled per-mention and
// never propagates.
func (p *Pipeline) ProcessBatch(ctx context.Context, ms []mention.Mention, bc *batchctx.BatchContext) error {
	sorted := make([]mention.Mention, len(ms))
	copy(sorted, ms)
	mention.SortByIDAscending(sorted)

	var g errgroup.Group
	g.SetLimit(p.deps.MaxConcurrency)

	for _, m := range sorted {
		m := m
		g.Go(func() error {
			return p.processOne(ctx, m, bc)
		})
	}
	return g.Wait()
}

func (p *Pipeline) processOne(ctx context.Context, m mention.Mention, bc *batchctx.BatchContext) error {
	if ctx.Err() != nil {
		return nil
	}
	log := p.log.With().Str("mention_id", m.ID).Str("author_id", m.AuthorID).Logger()

	if p.deps.Ledger.IsProcessed(m.ID) {
		log.Debug().Msg("mention already processed, skipping re-dispatch")
		return nil
	}

	authorHandle, _ := bc.AuthorHandle(m.AuthorID)

	if !p.deps.Incoming.Allow(m.AuthorID, mention.NormalizedUsername(authorHandle)) {
		p.deps.Metrics.RateLimitedIn.Inc()
		log.Debug().Msg("incoming limiter rejected author, deferring to a later poll")
		return nil
	}

	p.deps.Metrics.ObserveMentionTime(m.CreatedAt)

	targetHandle := target.Extract(m, p.deps.BotHandle, authorHandle)
	targetUser, found, err := bc.ResolveUser(ctx, targetHandle)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("target", targetHandle).Msg("target resolution failed, falling back to a text-only reply")
		return p.fallbackReply(ctx, m, log)
	case !found:
		if err := p.deps.Ledger.MarkProcessed(m.ID); err != nil {
			return err
		}
		p.deps.Metrics.SkipAbsentTarget.Inc()
		log.Info().Str("target", targetHandle).Msg("target user absent, skipping")
		return nil
	}

	if !p.deps.Outgoing.Allow(mention.NormalizedUsername(targetUser.Username)) {
		if err := p.deps.Ledger.MarkProcessed(m.ID); err != nil {
			return err
		}
		p.deps.Metrics.RateLimitedOut.Inc()
		log.Info().Str("target", targetUser.Username).Msg("outgoing limiter rejected target, marking processed")
		return nil
	}

	targetPFP := imagenorm.Normalize(targetUser.ProfileImageURL)
	img, err := p.deps.Transform.Transform(ctx, imagetransform.Request{
		StyleURL:  p.deps.StyleURL,
		TargetURL: targetPFP,
		Prompt:    transformPrompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Msg("image transform exhausted its attempt budget, falling back to a text-only reply")
		return p.fallbackReply(ctx, m, log)
	}

	mediaID, err := p.uploadWithRetry(ctx, m.ID, img)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.deps.Metrics.PostFail.Inc()
		log.Error().Err(err).Msg("media upload terminally failed, leaving mention unprocessed for a later poll")
		return nil
	}

	text := fmt.Sprintf(replyTemplate, targetUser.Username)
	if err := p.postReplyWithRetry(ctx, m.ID, text, mediaID); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.deps.Metrics.PostFail.Inc()
		log.Error().Err(err).Msg("reply post terminally failed, leaving mention unprocessed for a later poll")
		return nil
	}

	if err := p.deps.Ledger.MarkProcessed(m.ID); err != nil {
		return err
	}
	p.deps.Metrics.Processed.Inc()
	p.deps.Metrics.RepliesSent.Inc()
	log.Info().Str("target", targetUser.Username).Msg("reply posted")
	return nil
}

// fallbackReply posts the apology text with no media attached. A failure
// here is treated the same as any other terminal post failure: the mention
// is left unprocessed for a later poll rather than marked done twice-over.
func (p *Pipeline) fallbackReply(ctx context.Context, m mention.Mention, log zerolog.Logger) error {
	if err := p.postReplyWithRetry(ctx, m.ID, fallbackText, ""); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.deps.Metrics.PostFail.Inc()
		log.Error().Err(err).Msg("text-only fallback reply failed, leaving mention unprocessed")
		return nil
	}
	if err := p.deps.Ledger.MarkProcessed(m.ID); err != nil {
		return err
	}
	p.deps.Metrics.AIFail.Inc()
	return nil
}

// uploadWithRetry retries exactly once after a rate-limit outcome: the
// client has already blocked until the quota resets by the time it returns.
func (p *Pipeline) uploadWithRetry(ctx context.Context, mentionID string, img []byte) (string, error) {
	filename := mentionID + ".png"
	mediaID, err := p.deps.Client.UploadMedia(ctx, p.deps.WriteCred, filename, img)
	if err == nil {
		return mediaID, nil
	}
	if _, ok := err.(*microblog.RateLimitedError); ok {
		return p.deps.Client.UploadMedia(ctx, p.deps.WriteCred, filename, img)
	}
	return "", err
}

func (p *Pipeline) postReplyWithRetry(ctx context.Context, inReplyToID, text, mediaID string) error {
	_, err := p.deps.Client.PostReply(ctx, p.deps.WriteCred, inReplyToID, text, mediaID)
	if err == nil {
		return nil
	}
	if _, ok := err.(*microblog.RateLimitedError); ok {
		_, err = p.deps.Client.PostReply(ctx, p.deps.WriteCred, inReplyToID, text, mediaID)
	}
	return err
}
