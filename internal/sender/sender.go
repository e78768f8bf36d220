// Package sender replays newline-delimited JSON tracking calls through an
// analytics client.
package sender

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/randalmurphal/analytics/pkg/analytics"
	"github.com/randalmurphal/analytics/pkg/analytics/event"
)

// maxLineBytes bounds a single NDJSON line.
const maxLineBytes = 1 << 20

// Call is one line of input.
type Call struct {
	Type       event.Type     `json:"type"`
	Event      string         `json:"event,omitempty"`
	Name       string         `json:"name,omitempty"`
	Category   string         `json:"category,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	GroupID    string         `json:"groupId,omitempty"`
	PreviousID string         `json:"previousId,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Traits     map[string]any `json:"traits,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// Client is the subset of *analytics.Analytics used to replay calls.
type Client interface {
	Track(ctx context.Context, name string, properties any, opts ...analytics.CallOption) (*event.Context, error)
	Identify(ctx context.Context, userID string, traits any, opts ...analytics.CallOption) (*event.Context, error)
	Page(ctx context.Context, category, name string, properties any, opts ...analytics.CallOption) (*event.Context, error)
	Screen(ctx context.Context, category, name string, properties any, opts ...analytics.CallOption) (*event.Context, error)
	Group(ctx context.Context, groupID string, traits any, opts ...analytics.CallOption) (*event.Context, error)
	Alias(ctx context.Context, to, from string, opts ...analytics.CallOption) (*event.Context, error)
}

var _ Client = (*analytics.Analytics)(nil)

// Summary counts replayed lines.
type Summary struct {
	Sent     int
	Rejected int
	Skipped  int
	Contexts []*event.Context
}

// Replay reads calls from r and sends each through client. Blank lines and
// lines starting with # are skipped. Malformed or invalid calls are logged
// and counted; only read failures and a cancelled ctx stop the replay.
func Replay(ctx context.Context, client Client, r io.Reader, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var sum Summary
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			sum.Skipped++
			continue
		}

		c, err := send(ctx, client, []byte(text))
		if err != nil {
			sum.Rejected++
			logger.Warn("call rejected", slog.Int("line", line), slog.String("error", err.Error()))
			continue
		}
		sum.Sent++
		sum.Contexts = append(sum.Contexts, c)
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("read input: %w", err)
	}
	return sum, nil
}

func send(ctx context.Context, client Client, line []byte) (*event.Context, error) {
	var call Call
	if err := json.Unmarshal(line, &call); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	opts, err := event.OptionsFromMap(call.Options)
	if err != nil {
		return nil, err
	}
	callOpts := []analytics.CallOption{analytics.WithOptions(opts)}

	switch call.Type {
	case event.TypeTrack:
		return client.Track(ctx, call.Event, call.Properties, callOpts...)
	case event.TypeIdentify:
		return client.Identify(ctx, call.UserID, call.Traits, callOpts...)
	case event.TypePage:
		return client.Page(ctx, call.Category, call.Name, call.Properties, callOpts...)
	case event.TypeScreen:
		return client.Screen(ctx, call.Category, call.Name, call.Properties, callOpts...)
	case event.TypeGroup:
		return client.Group(ctx, call.GroupID, call.Traits, callOpts...)
	case event.TypeAlias:
		return client.Alias(ctx, call.UserID, call.PreviousID, callOpts...)
	default:
		return nil, fmt.Errorf("unknown call type %q", call.Type)
	}
}
