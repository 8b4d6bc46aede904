// Package gateway talks to the two external dependencies: the esplora-style
// block indexing API (read-only) and the social feed posting API. Both are
// wrapped in bounded retry with backoff and capped by per-attempt timeouts
// and a response-size ceiling, because neither upstream is under our control.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"blockpool/internal/audit"
	"blockpool/internal/config"
	"blockpool/internal/errs"
	"blockpool/internal/logger"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// maxResponseBytes bounds how much of an upstream response is read.
	maxResponseBytes = 1 << 20
	// maxAnnouncementRunes is the social feed's payload ceiling.
	maxAnnouncementRunes = 320
	// rateWindow is the rolling window for the per-author post ceiling.
	rateWindow = time.Hour
	// rateCacheSize bounds the author counter cache. Eviction only loses
	// advisory counts, never correctness.
	rateCacheSize = 512
)

// BlockInfo is the resolved metadata for one mined block.
type BlockInfo struct {
	Height    int64  `json:"height"`
	Hash      string `json:"id"`
	TxCount   int64  `json:"tx_count"`
	Timestamp int64  `json:"timestamp"`
}

// PostResult reports the outcome of an announcement attempt. Announcements
// are cosmetic: exhausted retries produce Posted=false, not an error.
type PostResult struct {
	Posted bool
	PostID string
	Reason string
}

type Client struct {
	httpc        *http.Client
	explorerURL  string
	socialURL    string
	socialToken  string
	admins       map[string]struct{}
	attempts     int
	baseDelay    time.Duration
	timeout      time.Duration
	postsPerHour int
	posts        *lru.Cache[string, []time.Time]
	now          func() time.Time
	trail        *audit.Trail
	log          *logger.Logger
}

func New(cfg config.Config, trail *audit.Trail, log *logger.Logger) (*Client, error) {
	posts, err := lru.New[string, []time.Time](rateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("init rate cache: %w", err)
	}
	admins := make(map[string]struct{}, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = struct{}{}
	}
	return &Client{
		httpc:        &http.Client{Timeout: cfg.GatewayTimeout},
		explorerURL:  strings.TrimSuffix(cfg.ExplorerURL, "/"),
		socialURL:    strings.TrimSuffix(cfg.SocialURL, "/"),
		socialToken:  cfg.SocialToken,
		admins:       admins,
		attempts:     cfg.GatewayAttempts,
		baseDelay:    cfg.GatewayBaseDelay,
		timeout:      cfg.GatewayTimeout,
		postsPerHour: cfg.PostsPerHour,
		posts:        posts,
		now:          time.Now,
		trail:        trail,
		log:          log,
	}, nil
}

// ResolveBlock fetches the hash and transaction count of the block at the
// given height. Each attempt is individually bounded; after the retry budget
// is exhausted the last underlying error is surfaced as an upstream failure.
// A block that is not yet mined resolves the same way: the explorer answers
// 404 until the height exists.
func (c *Client) ResolveBlock(ctx context.Context, height int64) (BlockInfo, error) {
	var info BlockInfo
	err := c.retry(ctx, func() error {
		hashRaw, err := c.get(ctx, fmt.Sprintf("%s/block-height/%d", c.explorerURL, height))
		if err != nil {
			return err
		}
		hash := strings.TrimSpace(string(hashRaw))
		if hash == "" {
			return fmt.Errorf("empty block hash for height %d", height)
		}

		blockRaw, err := c.get(ctx, fmt.Sprintf("%s/block/%s", c.explorerURL, hash))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(blockRaw, &info); err != nil {
			return fmt.Errorf("decode block %s: %w", hash, err)
		}
		info.Hash = hash
		if info.Height == 0 {
			info.Height = height
		}
		return nil
	})
	if err != nil {
		return BlockInfo{}, errs.Upstream(err, "resolve block %d", height)
	}
	return info, nil
}

// BlockTransactionIDs fetches the first page of transaction ids for a block.
func (c *Client) BlockTransactionIDs(ctx context.Context, hash string) ([]string, error) {
	var ids []string
	err := c.retry(ctx, func() error {
		raw, err := c.get(ctx, fmt.Sprintf("%s/block/%s/txids", c.explorerURL, hash))
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &ids)
	})
	if err != nil {
		return nil, errs.Upstream(err, "list transactions of block %s", hash)
	}
	return ids, nil
}

// PostAnnouncement publishes a message to the social feed on behalf of an
// administrative author. Transient failures are retried; exhaustion never
// raises, because announcements must not block round operations.
func (c *Client) PostAnnouncement(ctx context.Context, authorID, message string) (PostResult, error) {
	if _, ok := c.admins[authorID]; !ok {
		return PostResult{}, errs.Unauthorized("principal %s may not post announcements", authorID)
	}
	if message == "" {
		return PostResult{}, errs.Validation("announcement message is empty")
	}
	if n := len([]rune(message)); n > maxAnnouncementRunes {
		return PostResult{}, errs.Validation("announcement is %d characters, limit is %d", n, maxAnnouncementRunes)
	}
	if c.socialURL == "" {
		return PostResult{Reason: "announcements disabled"}, nil
	}
	if !c.allowPost(authorID) {
		return PostResult{Reason: "rate ceiling reached"}, nil
	}

	body, _ := json.Marshal(map[string]string{"status": message})
	var postID string
	err := c.retry(ctx, func() error {
		id, err := c.post(ctx, c.socialURL+"/statuses", body)
		if err != nil {
			return err
		}
		postID = id
		return nil
	})
	if err != nil {
		c.log.Printf("gateway: announcement by %s failed: %v", authorID, err)
		c.trail.RecordError(ctx, "announcement_failed", err)
		return PostResult{Reason: err.Error()}, nil
	}
	c.recordPost(authorID)
	return PostResult{Posted: true, PostID: postID}, nil
}

// retry runs op up to the configured attempt budget with exponential backoff.
func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.MaxInterval = c.timeout
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.attempts-1)), ctx)
	return backoff.Retry(op, policy)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil, "")
}

func (c *Client) post(ctx context.Context, url string, body []byte) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, url, body, c.socialToken)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", fmt.Errorf("decode post response: %w", err)
	}
	return created.ID, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, token string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	return raw, nil
}

// allowPost checks the rolling-hour ceiling for an author. Counters are
// advisory: they live in a fixed-capacity cache and may be lost on restart.
func (c *Client) allowPost(authorID string) bool {
	times, _ := c.posts.Get(authorID)
	return len(c.pruneWindow(times)) < c.postsPerHour
}

func (c *Client) recordPost(authorID string) {
	times, _ := c.posts.Get(authorID)
	times = append(c.pruneWindow(times), c.now())
	c.posts.Add(authorID, times)
}

// pruneWindow returns the timestamps still inside the rolling window. The
// cached slice is shared across goroutines, so this never mutates it; the
// compacted copy only reaches the cache through recordPost's Add.
func (c *Client) pruneWindow(times []time.Time) []time.Time {
	cutoff := c.now().Add(-rateWindow)
	kept := make([]time.Time, 0, len(times))
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
