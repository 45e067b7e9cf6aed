// Package social implements the social-relay provider contract over Matrix.
// Incoming events are buffered into a channel by the sync loop; Poll drains
// the buffer and returns the last-seen Matrix event ID as the next cursor,
// and Send posts a text message to the recipient's room.
package social

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/duskward/automaton/internal/automaton/providers"
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Rooms       []string
}

const inboxBufferSize = 256

// Provider implements providers.Social over one Matrix account.
type Provider struct {
	mxc    *mautrix.Client
	cfg    Config
	buffer chan providers.SocialMessage
	stopCh chan struct{}
}

// New creates a Matrix-backed Social provider but does not start syncing;
// call Start to join rooms and begin receiving.
func New(cfg Config) (*Provider, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("social: create matrix client: %w", err)
	}
	return &Provider{
		mxc:    mxc,
		cfg:    cfg,
		buffer: make(chan providers.SocialMessage, inboxBufferSize),
		stopCh: make(chan struct{}),
	}, nil
}

// Start joins the configured rooms and begins the sync loop, buffering every
// non-self text message for Poll to drain. The loop reconnects with
// exponential backoff on sync errors.
func (p *Provider) Start(ctx context.Context) error {
	slog.Warn("social: Matrix E2EE is not enabled; messages are in plaintext")

	syncer := p.mxc.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		if evt.Sender == id.UserID(p.cfg.UserID) {
			return
		}
		content := evt.Content.AsMessage()
		msg := providers.SocialMessage{
			ID:       evt.ID.String(),
			From:     evt.Sender.String(),
			To:       evt.RoomID.String(),
			Content:  content.Body,
			SignedAt: time.UnixMilli(evt.Timestamp).UTC().Format(time.RFC3339Nano),
		}
		select {
		case p.buffer <- msg:
		default:
			slog.Warn("social: inbox buffer full; dropping message", "id", msg.ID)
		}
	})

	for _, room := range p.cfg.Rooms {
		if _, err := p.mxc.JoinRoomByID(ctx, id.RoomID(room)); err != nil {
			slog.Warn("social: could not join room", "room", room, "err", err)
		}
	}

	go p.syncLoop()
	return nil
}

func (p *Provider) syncLoop() {
	const backoffMax = 5 * time.Minute
	backoff := 2 * time.Second
	for {
		if err := p.mxc.Sync(); err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			slog.Error("social: sync error; reconnecting", "err", err, "backoff", backoff)
			select {
			case <-p.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		select {
		case <-p.stopCh:
			return
		default:
			backoff = 2 * time.Second
		}
	}
}

// Stop halts the sync loop.
func (p *Provider) Stop() {
	close(p.stopCh)
	p.mxc.StopSync()
}

// Poll drains whatever messages have buffered since the last call. The
// cursor argument is accepted for interface symmetry but unused: ordering
// is enforced by the buffer itself, and the returned NextCursor is the ID
// of the last message drained (or the input cursor, if none arrived).
func (p *Provider) Poll(_ context.Context, cursor string) (providers.PollResult, error) {
	var out providers.PollResult
	out.NextCursor = cursor
	for {
		select {
		case msg := <-p.buffer:
			out.Messages = append(out.Messages, msg)
			out.NextCursor = msg.ID
		default:
			return out, nil
		}
	}
}

// Send posts a plain-text message to the given room and returns its event ID.
func (p *Provider) Send(ctx context.Context, to, content string) (string, error) {
	resp, err := p.mxc.SendText(ctx, id.RoomID(to), content)
	if err != nil {
		return "", fmt.Errorf("social: send: %w", err)
	}
	return resp.EventID.String(), nil
}
