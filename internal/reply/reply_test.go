package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Juliovivas99/crybb/internal/batchctx"
	"github.com/Juliovivas99/crybb/internal/imagetransform"
	"github.com/Juliovivas99/crybb/internal/ledger"
	"github.com/Juliovivas99/crybb/internal/mention"
	"github.com/Juliovivas99/crybb/internal/metrics"
	"github.com/Juliovivas99/crybb/internal/microblog"
	perr "github.com/Juliovivas99/crybb/internal/platform/errors"
	"github.com/Juliovivas99/crybb/internal/ratelimit"
)

// fakeServer stands in for the microblog platform's write endpoints: media
// upload and reply posting. It records every call it receives. The pipeline
// can post for several mentions at once, so its fields are guarded by mu.
type fakeServer struct {
	mu         sync.Mutex
	uploads    []string
	replies    []replyCall
	uploadFail int
	replyFail  int
}

type replyCall struct {
	inReplyTo string
	text      string
	mediaID   string
}

func newFakeServer(t *testing.T) (*httptest.Server, *fakeServer) {
	t.Helper()
	fs := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/2/media/upload", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if fs.uploadFail > 0 {
			fs.uploadFail--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fs.uploads = append(fs.uploads, "seen")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"id": "media-1"}})
	})
	mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if fs.replyFail > 0 {
			fs.replyFail--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body struct {
			Text  string `json:"text"`
			Reply struct {
				InReplyToTweetID string `json:"in_reply_to_tweet_id"`
			} `json:"reply"`
			Media struct {
				MediaIDs []string `json:"media_ids"`
			} `json:"media"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mediaID := ""
		if len(body.Media.MediaIDs) > 0 {
			mediaID = body.Media.MediaIDs[0]
		}
		fs.replies = append(fs.replies, replyCall{inReplyTo: body.Reply.InReplyToTweetID, text: body.Text, mediaID: mediaID})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"id": "reply-1"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, fs
}

// stubTransform returns a fixed image unless failAlways is set, in which
// case it always returns a terminal transform-failure error.
type stubTransform struct {
	failAlways bool
}

func (s stubTransform) Transform(_ context.Context, _ imagetransform.Request) ([]byte, error) {
	if s.failAlways {
		return nil, perr.TransformFailuref("stub: always fails")
	}
	return []byte{0xff}, nil
}

func newTestPipeline(t *testing.T, srv *httptest.Server, transform imagetransform.Client) (*Pipeline, *ledger.Ledger) {
	t.Helper()
	log := zerolog.Nop()
	client := microblog.NewClient(srv.URL, microblog.NewRegistry(), log)
	client.RetryBase = time.Millisecond

	led, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}

	counters := metrics.New(prometheus.NewRegistry())

	deps := Deps{
		Client:         client,
		ReadCred:       microblog.BearerCredential{Token: "bearer-token"},
		WriteCred:      microblog.UserContextCredential{ConsumerKey: "ck", ConsumerSecret: "cs", AccessToken: "at", AccessSecret: "as"},
		Incoming:       ratelimit.NewIncoming(1000, ratelimit.NewWhitelist(nil)),
		Outgoing:       ratelimit.NewOutgoing(1000),
		Ledger:         led,
		Transform:      transform,
		Metrics:        counters,
		BotHandle:      "crybb",
		StyleURL:       "https://example.test/style.png",
		MaxConcurrency: 2,
	}
	return New(deps, log), led
}

func mustBatchCtx(t *testing.T, users []mention.User) *batchctx.BatchContext {
	t.Helper()
	snap := mention.NewBatchSnapshot(users)
	cache := batchctx.NewTTLCache(5 * time.Minute)
	lookup := func(_ context.Context, username string) (mention.User, error) {
		return mention.User{}, perr.AbsentTargetf("no such user: %s", username)
	}
	return batchctx.New(snap, cache, lookup)
}

func TestProcessBatchHappyPathPostsImageReply(t *testing.T) {
	srv, fs := newFakeServer(t)
	pipeline, led := newTestPipeline(t, srv, stubTransform{})

	users := []mention.User{
		{ID: "author-1", Username: "alice", ProfileImageURL: "https://img.test/alice_normal.jpg"},
		{ID: "target-1", Username: "bob", ProfileImageURL: "https://img.test/bob_normal.jpg"},
	}
	m := mention.Mention{
		ID: "100", AuthorID: "author-1", CreatedAt: time.Now(), Text: "@crybb @bob",
		Mentions: []mention.EntityMention{{Username: "crybb", Start: 0, End: 6}, {Username: "bob", Start: 7, End: 11}},
	}
	bc := mustBatchCtx(t, users)

	if err := pipeline.ProcessBatch(context.Background(), []mention.Mention{m}, bc); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(fs.uploads) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(fs.uploads))
	}
	if len(fs.replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(fs.replies))
	}
	if fs.replies[0].mediaID != "media-1" {
		t.Fatalf("expected reply to carry media id, got %q", fs.replies[0].mediaID)
	}
	wantText := fmt.Sprintf(replyTemplate, "bob")
	if fs.replies[0].text != wantText {
		t.Fatalf("reply text = %q, want %q", fs.replies[0].text, wantText)
	}
	if !led.IsProcessed("100") {
		t.Fatalf("expected mention 100 to be marked processed")
	}
}

func TestProcessBatchAbsentTargetSkipsAndMarksProcessed(t *testing.T) {
	srv, fs := newFakeServer(t)
	pipeline, led := newTestPipeline(t, srv, stubTransform{})

	users := []mention.User{{ID: "author-1", Username: "alice"}}
	m := mention.Mention{
		ID: "200", AuthorID: "author-1", CreatedAt: time.Now(), Text: "@crybb @ghost",
		Mentions: []mention.EntityMention{{Username: "crybb"}, {Username: "ghost"}},
	}
	bc := mustBatchCtx(t, users)

	if err := pipeline.ProcessBatch(context.Background(), []mention.Mention{m}, bc); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(fs.uploads) != 0 || len(fs.replies) != 0 {
		t.Fatalf("expected no network calls for an absent target, got uploads=%d replies=%d", len(fs.uploads), len(fs.replies))
	}
	if !led.IsProcessed("200") {
		t.Fatalf("expected mention 200 to be marked processed despite absent target")
	}
}

func TestProcessBatchTransformFailureFallsBackToTextOnly(t *testing.T) {
	srv, fs := newFakeServer(t)
	pipeline, led := newTestPipeline(t, srv, stubTransform{failAlways: true})

	users := []mention.User{
		{ID: "author-1", Username: "alice"},
		{ID: "target-1", Username: "bob", ProfileImageURL: "https://img.test/bob_normal.jpg"},
	}
	m := mention.Mention{
		ID: "300", AuthorID: "author-1", CreatedAt: time.Now(), Text: "@crybb @bob",
		Mentions: []mention.EntityMention{{Username: "crybb"}, {Username: "bob"}},
	}
	bc := mustBatchCtx(t, users)

	if err := pipeline.ProcessBatch(context.Background(), []mention.Mention{m}, bc); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(fs.uploads) != 0 {
		t.Fatalf("expected no media upload on a transform failure, got %d", len(fs.uploads))
	}
	if len(fs.replies) != 1 || fs.replies[0].text != fallbackText {
		t.Fatalf("expected exactly one fallback reply, got %+v", fs.replies)
	}
	if !led.IsProcessed("300") {
		t.Fatalf("expected mention 300 to be marked processed after the fallback reply")
	}
}

func TestProcessBatchIncomingLimiterRejectionLeavesMentionUnprocessed(t *testing.T) {
	srv, fs := newFakeServer(t)
	pipeline, led := newTestPipeline(t, srv, stubTransform{})
	pipeline.deps.Incoming = ratelimit.NewIncoming(0, ratelimit.NewWhitelist(nil))

	users := []mention.User{{ID: "author-1", Username: "alice"}}
	m := mention.Mention{ID: "400", AuthorID: "author-1", CreatedAt: time.Now(), Text: "@crybb"}
	bc := mustBatchCtx(t, users)

	if err := pipeline.ProcessBatch(context.Background(), []mention.Mention{m}, bc); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(fs.uploads) != 0 || len(fs.replies) != 0 {
		t.Fatalf("expected no network calls when the incoming limiter rejects, got uploads=%d replies=%d", len(fs.uploads), len(fs.replies))
	}
	if led.IsProcessed("400") {
		t.Fatalf("expected mention 400 to remain unprocessed for a later poll")
	}
}

func TestProcessBatchOutgoingLimiterRejectionMarksProcessed(t *testing.T) {
	srv, fs := newFakeServer(t)
	pipeline, led := newTestPipeline(t, srv, stubTransform{})
	pipeline.deps.Outgoing = ratelimit.NewOutgoing(0)

	users := []mention.User{
		{ID: "author-1", Username: "alice"},
		{ID: "target-1", Username: "bob", ProfileImageURL: "https://img.test/bob_normal.jpg"},
	}
	m := mention.Mention{
		ID: "500", AuthorID: "author-1", CreatedAt: time.Now(), Text: "@crybb @bob",
		Mentions: []mention.EntityMention{{Username: "crybb"}, {Username: "bob"}},
	}
	bc := mustBatchCtx(t, users)

	if err := pipeline.ProcessBatch(context.Background(), []mention.Mention{m}, bc); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(fs.uploads) != 0 || len(fs.replies) != 0 {
		t.Fatalf("expected no network calls when the outgoing limiter rejects, got uploads=%d replies=%d", len(fs.uploads), len(fs.replies))
	}
	if !led.IsProcessed("500") {
		t.Fatalf("expected mention 500 to be marked processed even though the limiter rejected it")
	}
}

func TestProcessBatchTerminalPostFailureLeavesMentionUnprocessed(t *testing.T) {
	srv, fs := newFakeServer(t)
	fs.replyFail = 10 // exceeds the client's 1+3 attempts on a 5xx, so every attempt fails
	pipeline, led := newTestPipeline(t, srv, stubTransform{})

	users := []mention.User{
		{ID: "author-1", Username: "alice"},
		{ID: "target-1", Username: "bob", ProfileImageURL: "https://img.test/bob_normal.jpg"},
	}
	m := mention.Mention{
		ID: "600", AuthorID: "author-1", CreatedAt: time.Now(), Text: "@crybb @bob",
		Mentions: []mention.EntityMention{{Username: "crybb"}, {Username: "bob"}},
	}
	bc := mustBatchCtx(t, users)

	if err := pipeline.ProcessBatch(context.Background(), []mention.Mention{m}, bc); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if led.IsProcessed("600") {
		t.Fatalf("expected mention 600 to remain unprocessed after a terminal post failure")
	}
}

// TestProcessBatchSkipsAlreadyProcessedMention covers the re-fetch-after-a-gap
// scenario: a mention already marked processed from an earlier partial batch
// must never be dispatched again, even though the caller hands it back in.
func TestProcessBatchSkipsAlreadyProcessedMention(t *testing.T) {
	srv, fs := newFakeServer(t)
	pipeline, led := newTestPipeline(t, srv, stubTransform{})

	users := []mention.User{
		{ID: "author-1", Username: "alice"},
		{ID: "target-1", Username: "bob", ProfileImageURL: "https://img.test/bob_normal.jpg"},
	}
	m := mention.Mention{
		ID: "52", AuthorID: "author-1", CreatedAt: time.Now(), Text: "@crybb @bob",
		Mentions: []mention.EntityMention{{Username: "crybb"}, {Username: "bob"}},
	}
	bc := mustBatchCtx(t, users)

	if err := led.MarkProcessed("52"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	if err := pipeline.ProcessBatch(context.Background(), []mention.Mention{m}, bc); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(fs.uploads) != 0 || len(fs.replies) != 0 {
		t.Fatalf("expected no network calls for an already-processed mention, got uploads=%d replies=%d", len(fs.uploads), len(fs.replies))
	}
}

func TestProcessBatchMultipleMentionsAllComplete(t *testing.T) {
	srv, fs := newFakeServer(t)
	pipeline, led := newTestPipeline(t, srv, stubTransform{})

	users := []mention.User{
		{ID: "author-1", Username: "alice"},
		{ID: "author-2", Username: "carol"},
		{ID: "target-1", Username: "bob", ProfileImageURL: "https://img.test/bob_normal.jpg"},
	}
	ms := []mention.Mention{
		{ID: "701", AuthorID: "author-1", CreatedAt: time.Now(), Text: "@crybb @bob", Mentions: []mention.EntityMention{{Username: "crybb"}, {Username: "bob"}}},
		{ID: "700", AuthorID: "author-2", CreatedAt: time.Now(), Text: "@crybb @bob", Mentions: []mention.EntityMention{{Username: "crybb"}, {Username: "bob"}}},
	}
	bc := mustBatchCtx(t, users)

	if err := pipeline.ProcessBatch(context.Background(), ms, bc); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(fs.replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(fs.replies))
	}
	if !led.IsProcessed("700") || !led.IsProcessed("701") {
		t.Fatalf("expected both mentions marked processed")
	}
}
