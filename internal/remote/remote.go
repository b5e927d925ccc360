// Package remote is a client for a Dropbox v2 style storage API. It provides
// the change feed and file content used by the mirror engine.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf16"

	"github.com/imroc/req/v3"
	"github.com/openmined/boxmirror/internal/mirror"
	"github.com/openmined/boxmirror/internal/version"
)

const (
	DefaultAPIURL     = "https://api.dropboxapi.com"
	DefaultContentURL = "https://content.dropboxapi.com"
	DefaultTimeout    = 5 * time.Minute

	defaultRetries       = 3
	defaultRetryInterval = 1 * time.Second

	listFolder         = "/2/files/list_folder"
	listFolderContinue = "/2/files/list_folder/continue"
	download           = "/2/files/download"

	headerAPIArg    = "Dropbox-API-Arg"
	headerAPIResult = "Dropbox-API-Result"
)

// Client implements mirror.Feed and mirror.ContentFetcher.
type Client struct {
	client     *req.Client
	apiURL     string
	contentURL string
	// timeout bounds a whole listing call, but only the silence between two
	// reads of a download.
	timeout time.Duration
	logger  *slog.Logger
}

var (
	_ mirror.Feed           = (*Client)(nil)
	_ mirror.ContentFetcher = (*Client)(nil)
)

type Option func(*options)

type options struct {
	apiURL        string
	contentURL    string
	timeout       time.Duration
	retries       int
	retryInterval time.Duration
	logger        *slog.Logger
}

func WithAPIURL(u string) Option {
	return func(o *options) { o.apiURL = u }
}

func WithContentURL(u string) Option {
	return func(o *options) { o.contentURL = u }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRetry sets how often a failed request is retried and the fixed wait in between.
func WithRetry(count int, interval time.Duration) Option {
	return func(o *options) {
		o.retries = count
		o.retryInterval = interval
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a client authenticated with token.
func New(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: access token missing", mirror.ErrConfigInvalid)
	}

	o := &options{
		apiURL:        DefaultAPIURL,
		contentURL:    DefaultContentURL,
		timeout:       DefaultTimeout,
		retries:       defaultRetries,
		retryInterval: defaultRetryInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}

	// no client-wide timeout: it would also bound reading a download body
	client := req.C().
		SetTLSHandshakeTimeout(o.timeout).
		SetCommonRetryCount(o.retries).
		SetCommonRetryFixedInterval(o.retryInterval).
		SetCommonRetryCondition(shouldRetry).
		SetCommonRetryHook(func(resp *req.Response, err error) {
			o.logger.Debug("remote", "op", "Retry", "url", resp.Request.RawURL, "status", statusOf(resp), "error", err)
		}).
		SetUserAgent(version.UserAgent()).
		SetCommonBearerAuthToken(token).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)
	client.GetTransport().SetResponseHeaderTimeout(o.timeout)

	return &Client{
		client:     client,
		apiURL:     strings.TrimSuffix(o.apiURL, "/"),
		contentURL: strings.TrimSuffix(o.contentURL, "/"),
		timeout:    o.timeout,
		logger:     o.logger,
	}, nil
}

// FetchChanges lists everything when cursor is empty, otherwise the changes
// since cursor. A cursor the server no longer accepts restarts the listing
// from scratch; such pages, like every cursorless listing, are flagged Reset.
func (c *Client) FetchChanges(ctx context.Context, cursor string) (*mirror.ChangePage, error) {
	if cursor == "" {
		return c.listFolder(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result listFolderResult
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(callCtx).
		SetBody(&listFolderContinueArg{Cursor: cursor}).
		SetSuccessResult(&result).
		SetErrorResult(&apiErr).
		Post(c.apiURL + listFolderContinue)

	if resp != nil && resp.GetStatusCode() == http.StatusConflict && apiErr.Detail.Tag == tagReset {
		c.logger.Warn("remote", "op", "ListFolder", "status", "Reset", "cursor", cursor)
		return c.listFolder(ctx)
	}
	if err := handleAPIError(resp, c.expired(ctx, err), &apiErr, "list folder continue"); err != nil {
		return nil, err
	}

	return toPage(&result, false)
}

func (c *Client) listFolder(ctx context.Context) (*mirror.ChangePage, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result listFolderResult
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(callCtx).
		SetBody(&listFolderArg{Path: "", Recursive: true}).
		SetSuccessResult(&result).
		SetErrorResult(&apiErr).
		Post(c.apiURL + listFolder)

	if err := handleAPIError(resp, c.expired(ctx, err), &apiErr, "list folder"); err != nil {
		return nil, err
	}

	return toPage(&result, true)
}

func toPage(result *listFolderResult, reset bool) (*mirror.ChangePage, error) {
	page := &mirror.ChangePage{
		Entries: make([]mirror.ChangeEntry, 0, len(result.Entries)),
		Cursor:  result.Cursor,
		HasMore: result.HasMore,
		Reset:   reset,
	}

	for _, m := range result.Entries {
		entry, err := toEntry(m)
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, entry)
	}
	return page, nil
}

func toEntry(m metadata) (mirror.ChangeEntry, error) {
	if m.PathLower == "" {
		return mirror.ChangeEntry{}, fmt.Errorf("%w: %s entry %q without path", mirror.ErrTransport, m.Tag, m.Name)
	}

	entry := mirror.ChangeEntry{RemoteID: m.PathLower}
	display := m.PathDisplay
	if display == "" {
		display = m.PathLower
	}

	switch m.Tag {
	case tagDeleted:
	case tagFolder:
		entry.Metadata = &mirror.EntryMetadata{Path: display, IsDir: true}
	case tagFile:
		entry.Metadata = &mirror.EntryMetadata{Path: display, Revision: m.Rev, Size: m.Size}
	default:
		return mirror.ChangeEntry{}, fmt.Errorf("%w: unknown entry type %q for %s", mirror.ErrTransport, m.Tag, m.PathLower)
	}
	return entry, nil
}

// FetchFileContent opens a download stream. The caller closes Body.
func (c *Client) FetchFileContent(ctx context.Context, remoteID string) (*mirror.Content, error) {
	arg, err := jsonMarshal(&downloadArg{Path: remoteID})
	if err != nil {
		return nil, fmt.Errorf("encode download arg: %w", err)
	}

	// the stream may take arbitrarily long, as long as it keeps moving
	dlCtx, cancel := context.WithCancel(ctx)
	body := &idleBody{cancel: cancel, idle: c.timeout}
	body.timer = time.AfterFunc(c.timeout, body.expire)

	url := c.contentURL + download
	resp, err := c.client.R().
		SetContext(dlCtx).
		SetHeader(headerAPIArg, headerSafe(string(arg))).
		DisableAutoReadResponse().
		Post(url)

	if err != nil {
		body.stop()
		if body.stalled.Load() && ctx.Err() == nil {
			err = fmt.Errorf("no response within %s", c.timeout)
		}
		return nil, handleAPIError(resp, err, nil, "download "+remoteID)
	}
	if resp.IsErrorState() {
		defer body.stop()
		defer resp.Body.Close()
		var apiErr apiError
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if len(body) > 0 {
			_ = jsonUnmarshal(body, &apiErr)
		}
		return nil, handleAPIError(resp, nil, &apiErr, "download "+remoteID)
	}

	size := resp.ContentLength
	if raw := resp.Header.Get(headerAPIResult); raw != "" {
		var meta metadata
		if err := jsonUnmarshal([]byte(raw), &meta); err == nil && meta.Size > 0 {
			size = meta.Size
		}
	}

	body.rc = resp.Body
	return &mirror.Content{Body: body, URL: url, Size: size}, nil
}

// expired turns the per-call deadline into a transport error. Cancellation by
// the caller is passed through as is.
func (c *Client) expired(ctx context.Context, err error) error {
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no response within %s", c.timeout)
	}
	return err
}

// idleBody cancels a download once no data arrived for idle.
type idleBody struct {
	rc      io.ReadCloser
	cancel  context.CancelFunc
	timer   *time.Timer
	idle    time.Duration
	stalled atomic.Bool
}

func (b *idleBody) expire() {
	b.stalled.Store(true)
	b.cancel()
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 && !b.stalled.Load() {
		b.timer.Reset(b.idle)
	}
	if err != nil && err != io.EOF && b.stalled.Load() {
		return n, fmt.Errorf("%w: download stalled, nothing received for %s", mirror.ErrTransport, b.idle)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.stop()
	return b.rc.Close()
}

func (b *idleBody) stop() {
	b.timer.Stop()
	b.cancel()
}

// handleAPIError maps a failed call onto the mirror error taxonomy. Bad
// credentials are fatal; everything else is a transport error.
func handleAPIError(resp *req.Response, requestErr error, apiErr *apiError, operation string) error {
	if requestErr != nil {
		if errors.Is(requestErr, context.Canceled) || errors.Is(requestErr, context.DeadlineExceeded) {
			return requestErr
		}
		return fmt.Errorf("%w: %s: %w", mirror.ErrTransport, operation, requestErr)
	}

	if !resp.IsErrorState() {
		return nil
	}

	detail := resp.Status
	if apiErr != nil && apiErr.Error() != "" {
		detail = apiErr.Error()
	}

	switch resp.GetStatusCode() {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s: %s", mirror.ErrConfigInvalid, operation, detail)
	default:
		return fmt.Errorf("%w: %s: %d %s", mirror.ErrTransport, operation, resp.GetStatusCode(), detail)
	}
}

func shouldRetry(resp *req.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	code := resp.GetStatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func statusOf(resp *req.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

// headerSafe escapes every non-ASCII rune as \uXXXX, since the API argument
// travels in an HTTP header.
func headerSafe(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x7f {
			b.WriteRune(r)
			continue
		}
		for _, u := range utf16.Encode([]rune{r}) {
			fmt.Fprintf(&b, `\u%04x`, u)
		}
	}
	return b.String()
}
