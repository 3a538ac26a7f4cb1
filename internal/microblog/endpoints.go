package microblog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Juliovivas99/crybb/internal/mention"
)

// mentionsEnvelope mirrors the subset of the platform's mentions-timeline
// response shape this bot actually consumes: posts plus their "includes"
// side-table of users (authors and mentioned accounts).
type mentionsEnvelope struct {
	Data []struct {
		ID        string `json:"id"`
		AuthorID  string `json:"author_id"`
		Text      string `json:"text"`
		CreatedAt string `json:"created_at"`
		Entities  struct {
			Mentions []struct {
				Username string `json:"username"`
				Start    int    `json:"start"`
				End      int    `json:"end"`
			} `json:"mentions"`
		} `json:"entities"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID              string `json:"id"`
			Username        string `json:"username"`
			Name            string `json:"name"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"users"`
	} `json:"includes"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

// MentionsPage is one page of the mentions timeline plus the user-profile
// snapshot the platform inlined alongside it.
type MentionsPage struct {
	Mentions  []mention.Mention
	Users     []mention.User
	NextToken string
}

// GetMentions fetches up to maxResults mentions of the bot account newer
// than sinceID (sinceID == "" fetches the most recent page).
func (c *Client) GetMentions(ctx context.Context, cred Credential, botUserID, sinceID string, maxResults int) (MentionsPage, error) {
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("expansions", "author_id,entities.mentions.username")
	q.Set("tweet.fields", "created_at,entities")
	q.Set("user.fields", "id,username,name,profile_image_url")
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	path := fmt.Sprintf("/2/users/%s/mentions?%s", botUserID, q.Encode())

	resp, err := c.Call(ctx, http.MethodGet, path, EndpointMentions, cred, nil, "")
	if err != nil {
		return MentionsPage{}, err
	}
	defer resp.Body.Close()

	var env mentionsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return MentionsPage{}, fmt.Errorf("microblog: decode mentions: %w", err)
	}

	page := MentionsPage{NextToken: env.Meta.NextToken}
	for _, d := range env.Data {
		ms := make([]mention.EntityMention, 0, len(d.Entities.Mentions))
		for _, m := range d.Entities.Mentions {
			ms = append(ms, mention.EntityMention{Username: m.Username, Start: m.Start, End: m.End})
		}
		createdAt, _ := time.Parse(time.RFC3339, d.CreatedAt)
		page.Mentions = append(page.Mentions, mention.Mention{
			ID:        d.ID,
			AuthorID:  d.AuthorID,
			CreatedAt: createdAt,
			Text:      d.Text,
			Mentions:  ms,
		})
	}
	for _, u := range env.Includes.Users {
		page.Users = append(page.Users, mention.User{
			ID:              u.ID,
			Username:        u.Username,
			DisplayName:     u.Name,
			ProfileImageURL: u.ProfileImageURL,
		})
	}
	return page, nil
}

// GetUserByUsername resolves handle to a full user profile.
func (c *Client) GetUserByUsername(ctx context.Context, cred Credential, handle string) (mention.User, error) {
	path := fmt.Sprintf("/2/users/by/username/%s?user.fields=profile_image_url,name", url.PathEscape(handle))
	resp, err := c.Call(ctx, http.MethodGet, path, EndpointUserByUsername, cred, nil, "")
	if err != nil {
		return mention.User{}, err
	}
	defer resp.Body.Close()

	var env struct {
		Data struct {
			ID              string `json:"id"`
			Username        string `json:"username"`
			Name            string `json:"name"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return mention.User{}, fmt.Errorf("microblog: decode user lookup: %w", err)
	}
	return mention.User{
		ID:              env.Data.ID,
		Username:        env.Data.Username,
		DisplayName:     env.Data.Name,
		ProfileImageURL: env.Data.ProfileImageURL,
	}, nil
}

// GetMe resolves the authenticated bot account's own profile.
func (c *Client) GetMe(ctx context.Context, cred Credential) (mention.User, error) {
	resp, err := c.Call(ctx, http.MethodGet, "/2/users/me?user.fields=profile_image_url,name", EndpointMe, cred, nil, "")
	if err != nil {
		return mention.User{}, err
	}
	defer resp.Body.Close()

	var env struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			Name     string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return mention.User{}, fmt.Errorf("microblog: decode me: %w", err)
	}
	return mention.User{ID: env.Data.ID, Username: env.Data.Username, DisplayName: env.Data.Name}, nil
}

// PostReply posts text as a reply to inReplyToID, optionally attaching a
// previously uploaded mediaID.
func (c *Client) PostReply(ctx context.Context, cred Credential, inReplyToID, text, mediaID string) (string, error) {
	payload := map[string]any{
		"text": text,
		"reply": map[string]string{
			"in_reply_to_tweet_id": inReplyToID,
		},
	}
	if mediaID != "" {
		payload["media"] = map[string][]string{"media_ids": {mediaID}}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("microblog: marshal reply: %w", err)
	}

	resp, err := c.Call(ctx, http.MethodPost, "/2/tweets", EndpointReply, cred, bytes.NewReader(b), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var env struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("microblog: decode reply response: %w", err)
	}
	return env.Data.ID, nil
}

// UploadMedia uploads image bytes (already transformed) and returns a
// media id usable in PostReply.
func (c *Client) UploadMedia(ctx context.Context, cred Credential, filename string, contents []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("media", filename)
	if err != nil {
		return "", fmt.Errorf("microblog: build multipart: %w", err)
	}
	if _, err := part.Write(contents); err != nil {
		return "", fmt.Errorf("microblog: write multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("microblog: close multipart writer: %w", err)
	}

	resp, err := c.Call(ctx, http.MethodPost, "/2/media/upload", EndpointMediaUpload, cred, &buf, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var env struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("microblog: decode media upload response: %w", err)
	}
	return env.Data.ID, nil
}

// Retweet re-shares postID on behalf of the bot account botUserID.
func (c *Client) Retweet(ctx context.Context, cred Credential, botUserID, postID string) error {
	payload := map[string]string{"tweet_id": postID}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("microblog: marshal retweet: %w", err)
	}
	path := fmt.Sprintf("/2/users/%s/retweets", botUserID)
	resp, err := c.Call(ctx, http.MethodPost, path, EndpointRepost, cred, bytes.NewReader(b), "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// GetUserTweets lists a user's recent posts, used by the quiet-activity
// re-engagement task to find the bot's own posts worth resharing.
func (c *Client) GetUserTweets(ctx context.Context, cred Credential, userID string, maxResults int) ([]mention.Mention, error) {
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("tweet.fields", "created_at,public_metrics")
	path := fmt.Sprintf("/2/users/%s/tweets?%s", userID, q.Encode())

	resp, err := c.Call(ctx, http.MethodGet, path, EndpointUserPosts, cred, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env struct {
		Data []struct {
			ID            string `json:"id"`
			AuthorID      string `json:"author_id"`
			Text          string `json:"text"`
			CreatedAt     string `json:"created_at"`
			PublicMetrics struct {
				LikeCount int `json:"like_count"`
			} `json:"public_metrics"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("microblog: decode user posts: %w", err)
	}

	out := make([]mention.Mention, 0, len(env.Data))
	for _, d := range env.Data {
		createdAt, _ := time.Parse(time.RFC3339, d.CreatedAt)
		out = append(out, mention.Mention{
			ID: d.ID, AuthorID: d.AuthorID, CreatedAt: createdAt, Text: d.Text,
			LikeCount: d.PublicMetrics.LikeCount,
		})
	}
	return out, nil
}
