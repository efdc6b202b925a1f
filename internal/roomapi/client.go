// Package roomapi talks to the room service's HTTP API.
package roomapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/amoylab/polyroom/internal/protocol"
	"github.com/amoylab/polyroom/pkg/trace"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

const maxBodySize = 1 << 20

// Client is the room service API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	tracer     *trace.Builder
}

// New creates a new API client. timeout bounds each request.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tracer: trace.Tracer(cnst.TraceRoomAPI),
	}
}

// ListUsers fetches the authoritative roster of roomID. ok is false when the
// body has no well-formed users list; that is not an error.
func (c *Client) ListUsers(ctx context.Context, roomID string) (users []protocol.RoomUser, ok bool, err error) {
	scope := c.tracer.Start(ctx, cnst.SpanRosterFetch).WithAttrs(attribute.String("room.id", roomID))
	defer scope.End()

	body, err := c.get(scope.Ctx, fmt.Sprintf(cnst.RoomUsersPath, url.PathEscape(roomID)))
	if err != nil {
		scope.Fail(err)
		return nil, false, fmt.Errorf("roomapi.ListUsers: %w", err)
	}
	users, ok = protocol.ParseRoster(body)
	scope.WithAttrs(attribute.Bool("roster.well_formed", ok), attribute.Int("roster.size", len(users)))
	return users, ok, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if resp.StatusCode >= 300 {
		if err != nil {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", err)}
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// errorMessage prefers the service's {"detail"} or {"error"} field over the raw body
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, field := range []string{"detail", "error", "message"} {
			if v := gjson.GetBytes(body, field); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	return strings.TrimSpace(string(body))
}
