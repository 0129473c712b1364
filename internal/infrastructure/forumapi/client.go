package forumapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ForumScanner/internal/config"
	"ForumScanner/internal/domain"
	"ForumScanner/internal/ports"
	"ForumScanner/internal/quote"
)

const (
	actionFetchTopics = "fetch_topics"
	actionFetchPosts  = "fetch_posts_for_topic"
)

// Post keys stored in dedicated columns; everything else is metadata.
var columnKeys = map[string]struct{}{
	"post_id":        {},
	"topic_id":       {},
	"username":       {},
	"post_canonical": {},
	"post_time":      {},
	"post_number":    {},
	"post_rendered":  {},
}

// StatusError reports a non-200 answer from the forum.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("forum returned %s", e.Status)
}

// Client talks to the forum's ajax endpoint with form-encoded POSTs.
type Client struct {
	endpoint   string
	categoryID int64
	userID     int64
	sessionID  string
	cookie     string
	userAgent  string
	pageSize   int
	client     *http.Client
	logger     *slog.Logger
}

var _ ports.ForumSource = (*Client)(nil)

// NewClient wires an HTTP client; a nil client gets the configured timeout.
func NewClient(cfg config.ForumConfig, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		categoryID: cfg.CategoryID,
		userID:     cfg.UserID,
		sessionID:  cfg.SessionID,
		cookie:     cfg.Cookie,
		userAgent:  cfg.UserAgent,
		pageSize:   pageSize,
		client:     client,
		logger:     logger,
	}
}

type topicPayload struct {
	TopicID      flexInt `json:"topic_id"`
	Title        string  `json:"topic_title"`
	CategoryID   flexInt `json:"category_id"`
	CategoryName string  `json:"category_name"`
	LastPostTime flexInt `json:"last_post_time"`
	NumPosts     flexInt `json:"num_posts"`
}

type postPayload struct {
	PostID        flexInt `json:"post_id"`
	TopicID       flexInt `json:"topic_id"`
	Username      string  `json:"username"`
	PostCanonical string  `json:"post_canonical"`
	PostTime      flexInt `json:"post_time"`
	PostNumber    flexInt `json:"post_number"`
	PostRendered  string  `json:"post_rendered"`
}

// FetchThreads returns one listing page of threads last active before the
// cursor. Topics without id or title are dropped from Threads but still count
// towards Raw and Oldest.
func (c *Client) FetchThreads(ctx context.Context, before time.Time) (domain.ThreadPage, error) {
	form := c.baseForm(actionFetchTopics)
	form.Set("category_type", "forum")
	form.Set("log_visit", "0")
	form.Set("required_tag", "")
	form.Set("fetch_before", strconv.FormatInt(before.Unix(), 10))
	form.Set("user_id", "0")
	form.Set("fetch_archived", "0")
	form.Set("fetch_announcements", "0")
	form.Set("category_id", strconv.FormatInt(c.categoryID, 10))

	var payload struct {
		Topics []json.RawMessage `json:"topics"`
	}
	if err := c.post(ctx, form, &payload); err != nil {
		return domain.ThreadPage{}, fmt.Errorf("fetch threads before %d: %w", before.Unix(), err)
	}

	page := domain.ThreadPage{
		Threads: make([]domain.Thread, 0, len(payload.Topics)),
		Raw:     len(payload.Topics),
	}
	for _, raw := range payload.Topics {
		var t topicPayload
		if err := json.Unmarshal(raw, &t); err != nil {
			c.warn("skip undecodable topic", "err", err)
			continue
		}

		lastPost := unixTime(int64(t.LastPostTime))
		if !lastPost.IsZero() && (page.Oldest.IsZero() || lastPost.Before(page.Oldest)) {
			page.Oldest = lastPost
		}

		if t.TopicID == 0 || strings.TrimSpace(t.Title) == "" {
			c.debug("skip topic without id or title", "topic_id", int64(t.TopicID))
			continue
		}
		page.Threads = append(page.Threads, domain.Thread{
			ID:           int64(t.TopicID),
			Title:        t.Title,
			CategoryID:   int64(t.CategoryID),
			CategoryName: t.CategoryName,
			LastPostTime: lastPost,
			PostCount:    int(t.NumPosts),
		})
	}

	c.debug("threads page", "before", before.Unix(), "raw", page.Raw, "count", len(page.Threads))
	return page, nil
}

// FetchPosts returns up to pageSize posts starting at the 1-based post offset.
// A row that fails to decode is skipped and counted in Rejected.
func (c *Client) FetchPosts(ctx context.Context, threadID int64, offset int) (domain.PostPage, error) {
	if offset < 1 {
		offset = 1
	}

	form := c.baseForm(actionFetchPosts)
	form.Set("topic_id", strconv.FormatInt(threadID, 10))
	form.Set("direction", "forwards")
	form.Set("start_post_id", "-1")
	form.Set("start_post_num", strconv.Itoa(offset))
	form.Set("show_from_time", "-1")
	form.Set("num_to_fetch", strconv.Itoa(c.pageSize))

	var payload struct {
		Posts []json.RawMessage `json:"posts"`
	}
	if err := c.post(ctx, form, &payload); err != nil {
		return domain.PostPage{}, fmt.Errorf("fetch posts of thread %d at %d: %w", threadID, offset, err)
	}

	page := domain.PostPage{
		Posts: make([]domain.Post, 0, len(payload.Posts)),
		Raw:   len(payload.Posts),
	}
	for i, raw := range payload.Posts {
		post, err := decodePost(raw, threadID)
		if err == nil && post.ID == 0 {
			err = errors.New("post without id")
		}
		if err != nil {
			page.Rejected++
			c.warn("skip undecodable post", "thread_id", threadID, "offset", offset+i, "err", err)
			continue
		}
		page.Posts = append(page.Posts, post)
	}

	c.debug("posts page", "thread_id", threadID, "offset", offset, "raw", page.Raw, "count", len(page.Posts))
	return page, nil
}

func decodePost(raw json.RawMessage, threadID int64) (domain.Post, error) {
	var p postPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Post{}, fmt.Errorf("decode post: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.Post{}, fmt.Errorf("decode post fields: %w", err)
	}
	for key := range columnKeys {
		delete(fields, key)
	}
	metadata, err := json.Marshal(fields)
	if err != nil {
		return domain.Post{}, fmt.Errorf("encode metadata: %w", err)
	}

	if p.TopicID != 0 {
		threadID = int64(p.TopicID)
	}

	quotes, clean := quote.Parse(p.PostCanonical)

	return domain.Post{
		ID:           int64(p.PostID),
		ThreadID:     threadID,
		Number:       int64(p.PostNumber),
		Author:       p.Username,
		PostTime:     unixTime(int64(p.PostTime)),
		RawText:      p.PostCanonical,
		CleanText:    clean,
		RenderedText: renderedText(p.PostRendered),
		Quotes:       quotes,
		Metadata:     metadata,
	}, nil
}

// renderedText flattens the forum's rendered HTML into plain text.
func renderedText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func (c *Client) baseForm(action string) url.Values {
	form := url.Values{}
	form.Set("a", action)
	form.Set("aops_logged_in", "false")
	form.Set("aops_user_id", strconv.FormatInt(c.userID, 10))
	form.Set("aops_session_id", c.sessionID)
	return form
}

func (c *Client) post(ctx context.Context, form url.Values, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if len(envelope.Response) == 0 || string(envelope.Response) == "null" {
		return fmt.Errorf("%w: missing response key", domain.ErrMalformedResponse)
	}
	if err := json.Unmarshal(envelope.Response, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}

	return nil
}

func (c *Client) debug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

func (c *Client) warn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// flexInt accepts JSON numbers, numeric strings and null.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" || s == "false" {
		*f = 0
		return nil
	}
	if s == "true" {
		*f = 1
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	fl, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", s)
	}
	*f = flexInt(int64(fl))
	return nil
}
