package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	opencode "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"
	"github.com/sst/opencode-sdk-go/packages/ssestream"

	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// maxReconnects bounds how often a dropped event stream is reopened.
const maxReconnects = 5

// SDKClient implements Client on top of the opencode Go SDK.
type SDKClient struct {
	api       *opencode.Client
	directory string
}

// NewSDKClient creates a client for the server at baseURL scoped to directory.
func NewSDKClient(baseURL, directory string, headers map[string]string, opts ...option.RequestOption) *SDKClient {
	all := []option.RequestOption{option.WithBaseURL(baseURL)}
	for k, v := range headers {
		all = append(all, option.WithHeader(k, v))
	}
	all = append(all, opts...)
	return &SDKClient{
		api:       opencode.NewClient(all...),
		directory: directory,
	}
}

func (c *SDKClient) Directory() string { return c.directory }

func (c *SDKClient) scope() option.RequestOption {
	return option.WithQuery("directory", c.directory)
}

func (c *SDKClient) get(ctx context.Context, op, path string, res any) error {
	return wrap(op, c.api.Get(ctx, path, nil, res, c.scope()))
}

func (c *SDKClient) post(ctx context.Context, op, path string, body, res any) error {
	return wrap(op, c.api.Post(ctx, path, body, res, c.scope()))
}

// Ping checks that the server answers for this directory.
func (c *SDKClient) Ping(ctx context.Context) error {
	var res json.RawMessage
	return c.get(ctx, "ping", "path", &res)
}

func (c *SDKClient) CreateSession(ctx context.Context, title string) (*types.Session, error) {
	var s types.Session
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	if err := c.post(ctx, "create session", "session", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *SDKClient) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var s types.Session
	if err := c.get(ctx, "get session", "session/"+url.PathEscape(sessionID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *SDKClient) Prompt(ctx context.Context, sessionID string, req PromptRequest) (*types.Message, error) {
	var res struct {
		Info types.Message `json:"info"`
	}
	path := fmt.Sprintf("session/%s/message", url.PathEscape(sessionID))
	if err := c.post(ctx, "prompt", path, req, &res); err != nil {
		return nil, err
	}
	return &res.Info, nil
}

func (c *SDKClient) Command(ctx context.Context, sessionID string, req CommandRequest) (*types.Message, error) {
	var res struct {
		Info types.Message `json:"info"`
	}
	path := fmt.Sprintf("session/%s/command", url.PathEscape(sessionID))
	if err := c.post(ctx, "command", path, req, &res); err != nil {
		return nil, err
	}
	return &res.Info, nil
}

func (c *SDKClient) Abort(ctx context.Context, sessionID string) error {
	var ok bool
	return c.post(ctx, "abort", fmt.Sprintf("session/%s/abort", url.PathEscape(sessionID)), nil, &ok)
}

func (c *SDKClient) Revert(ctx context.Context, sessionID, messageID string) error {
	var s types.Session
	body := map[string]string{"messageID": messageID}
	return c.post(ctx, "revert", fmt.Sprintf("session/%s/revert", url.PathEscape(sessionID)), body, &s)
}

func (c *SDKClient) Providers(ctx context.Context) (*types.ProviderList, error) {
	var list types.ProviderList
	if err := c.get(ctx, "list providers", "config/providers", &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *SDKClient) Messages(ctx context.Context, sessionID string) ([]MessageWithParts, error) {
	var msgs []MessageWithParts
	if err := c.get(ctx, "list messages", fmt.Sprintf("session/%s/message", url.PathEscape(sessionID)), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *SDKClient) ReplyPermission(ctx context.Context, sessionID, requestID string, reply types.PermissionReply) error {
	var ok bool
	path := fmt.Sprintf("session/%s/permissions/%s", url.PathEscape(sessionID), url.PathEscape(requestID))
	return c.post(ctx, "reply permission", path, map[string]string{"response": string(reply)}, &ok)
}

func (c *SDKClient) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error {
	var ok bool
	path := fmt.Sprintf("question/%s/reply", url.PathEscape(requestID))
	return c.post(ctx, "reply question", path, map[string]any{"answers": answers}, &ok)
}

// Subscribe opens the event stream synchronously, so an unreachable server is
// reported here, then keeps it open in the background. A stream dropped by
// the server is reopened with exponential backoff.
func (c *SDKClient) Subscribe(ctx context.Context) (*Subscription, error) {
	// The first stream must see the subscription's cancellation, so the
	// context is derived before it is opened.
	ctx, cancel := context.WithCancel(ctx)
	first, err := c.open(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	return startSubscription(ctx, cancel, func(ctx context.Context, emit func(event.Upstream) bool) error {
		stream := first
		for {
			if !c.pump(ctx, stream, emit) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}

			policy := backoff.WithContext(
				backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxReconnects), ctx)
			err := backoff.RetryNotify(func() error {
				s, err := c.open(ctx)
				if err != nil {
					return err
				}
				stream = s
				return nil
			}, policy, func(err error, d time.Duration) {
				log.Warn().Err(err).Str("directory", c.directory).Dur("retry_in", d).Msg("event stream reconnect failed")
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStreamClosed, err)
			}
			log.Info().Str("directory", c.directory).Msg("event stream reopened")
		}
	}), nil
}

func (c *SDKClient) open(ctx context.Context) (*ssestream.Stream[json.RawMessage], error) {
	var raw *http.Response
	err := c.api.Get(ctx, "event", nil, &raw, c.scope(), option.WithHeader("Accept", "text/event-stream"))
	if err != nil {
		return nil, wrap("subscribe", err)
	}
	return ssestream.NewStream[json.RawMessage](ssestream.NewDecoder(raw), nil), nil
}

// pump forwards one stream until it ends. It returns false when the
// subscriber has gone away.
func (c *SDKClient) pump(ctx context.Context, stream *ssestream.Stream[json.RawMessage], emit func(event.Upstream) bool) bool {
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()
	for stream.Next() {
		if ctx.Err() != nil {
			return false
		}
		ev, err := event.Decode(stream.Current())
		if err != nil {
			log.Warn().Err(err).Str("directory", c.directory).Msg("skipping undecodable event")
			continue
		}
		if ev.Kind == event.KindUnknown {
			continue
		}
		if !emit(ev) {
			return false
		}
	}
	if ctx.Err() != nil {
		return false
	}
	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Str("directory", c.directory).Msg("event stream ended")
	}
	return true
}

// wrap converts SDK errors into APIError or ErrUnavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *opencode.Error
	if errors.As(err, &apiErr) {
		return &APIError{Op: op, Status: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
