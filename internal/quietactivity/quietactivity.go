// Package quietactivity implements the bot's optional secondary task:
// re-posting its own well-liked recent posts during quiet cadence. It is
// fire-and-forget — failures are logged and never affect mention
// processing.
package quietactivity

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Juliovivas99/crybb/internal/microblog"
)

// Deps bundles the task's collaborators.
type Deps struct {
	Client    *microblog.Client
	ReadCred  microblog.Credential
	WriteCred microblog.Credential
	BotUserID string

	LikeThreshold int
	MaxResults    int
}

// Task re-posts the bot's own posts that clear LikeThreshold likes, at
// most once per post id for the lifetime of the process.
type Task struct {
	deps Deps
	log  zerolog.Logger

	mu       sync.Mutex
	reposted map[string]struct{}
}

// New builds a Task with an empty already-reposted set.
func New(deps Deps, log zerolog.Logger) *Task {
	if deps.MaxResults <= 0 {
		deps.MaxResults = 10
	}
	return &Task{deps: deps, log: log, reposted: make(map[string]struct{})}
}

// Run fetches the bot's recent posts and re-posts every one at or above the
// like threshold not already re-posted this process's lifetime. It never
// returns an error: every failure is logged and the task moves on to the
// next candidate post.
func (task *Task) Run(ctx context.Context) {
	posts, err := task.deps.Client.GetUserTweets(ctx, task.deps.ReadCred, task.deps.BotUserID, task.deps.MaxResults)
	if err != nil {
		task.log.Warn().Err(err).Msg("quiet-period activity: failed to fetch recent posts")
		return
	}

	for _, p := range posts {
		if p.LikeCount < task.deps.LikeThreshold {
			continue
		}
		if task.alreadyReposted(p.ID) {
			continue
		}
		if err := task.deps.Client.Retweet(ctx, task.deps.WriteCred, task.deps.BotUserID, p.ID); err != nil {
			task.log.Warn().Err(err).Str("post_id", p.ID).Msg("quiet-period activity: re-post failed")
			continue
		}
		task.markReposted(p.ID)
		task.log.Info().Str("post_id", p.ID).Int("likes", p.LikeCount).Msg("quiet-period activity: re-posted")
	}
}

func (task *Task) alreadyReposted(id string) bool {
	task.mu.Lock()
	defer task.mu.Unlock()
	_, ok := task.reposted[id]
	return ok
}

func (task *Task) markReposted(id string) {
	task.mu.Lock()
	defer task.mu.Unlock()
	task.reposted[id] = struct{}{}
}
