package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"waveminer/internal/domain"
	storepkg "waveminer/internal/store"
)

// Command is the flat wire form of every store command. Only the fields
// relevant to Kind are set.
type Command struct {
	CommandID string                     `json:"command_id"`
	Kind      storepkg.CommandKind       `json:"kind"`
	SourceID  uint64                     `json:"source_id,omitempty"`
	SessionID uint64                     `json:"session_id,omitempty"`
	PacketID  uint64                     `json:"packet_id,omitempty"`
	Profile   []domain.FrequencyCount    `json:"profile,omitempty"`
	Requests  []domain.ExtractionRequest `json:"requests,omitempty"`
}

// Envelope frames one replicated change on the websocket stream.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client implements store.RemoteStore against a gateway exposing commands
// over HTTP and the replication stream over a websocket. Commands return as
// soon as the gateway acknowledges receipt; outcomes arrive on the stream.
type Client struct {
	log        *zap.Logger
	baseURL    string
	token      string
	httpClient *http.Client
	conn       *websocket.Conn
	notes      chan storepkg.Notification

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// Dial connects the notification stream and returns a ready client. The
// bearer token comes from the auth login handshake.
func Dial(ctx context.Context, log *zap.Logger, baseURL, token string) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	baseURL = strings.TrimRight(baseURL, "/")

	wsURL := baseURL + "/v1/stream"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	c := &Client{
		log:        log,
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		conn:       conn,
		notes:      make(chan storepkg.Notification, 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) StartSession(ctx context.Context, sourceID uint64, profile []domain.FrequencyCount) (string, error) {
	return c.send(ctx, Command{Kind: storepkg.CmdStartSession, SourceID: sourceID, Profile: profile})
}

func (c *Client) StopSession(ctx context.Context, sessionID uint64) (string, error) {
	return c.send(ctx, Command{Kind: storepkg.CmdStopSession, SessionID: sessionID})
}

func (c *Client) RequestExtraction(ctx context.Context, sessionID uint64, requests []domain.ExtractionRequest) (string, error) {
	return c.send(ctx, Command{Kind: storepkg.CmdRequestExtraction, SessionID: sessionID, Requests: requests})
}

func (c *Client) CaptureUnit(ctx context.Context, packetID uint64) (string, error) {
	return c.send(ctx, Command{Kind: storepkg.CmdCaptureUnit, PacketID: packetID})
}

func (c *Client) CleanupStaleSessions(ctx context.Context) (string, error) {
	return c.send(ctx, Command{Kind: storepkg.CmdCleanupStaleSessions})
}

func (c *Client) Notifications() <-chan storepkg.Notification {
	return c.notes
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Unblock readLoop first: if nobody is draining notes anymore,
		// it may be parked on the channel send and conn.Close alone
		// would never reach it.
		close(c.quit)
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) send(ctx context.Context, cmd Command) (string, error) {
	cmd.CommandID = uuid.NewString()
	body, err := json.Marshal(cmd)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/commands", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", cmd.Kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("send %s: gateway status %d", cmd.Kind, resp.StatusCode)
	}
	return cmd.CommandID, nil
}

// readLoop drains the websocket until it fails, decoding envelopes into
// notifications. A malformed message is logged and skipped; it never stops
// the stream. The notification channel closes when the stream ends, which
// the runtime treats as disconnect.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.notes)
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.log.Info("notification stream closed", zap.Error(err))
			return
		}
		n, err := decodeEnvelope(env)
		if err != nil {
			c.log.Warn("bad stream envelope", zap.String("type", env.Type), zap.Error(err))
			continue
		}
		select {
		case c.notes <- n:
		case <-c.quit:
			return
		}
	}
}

func decodeEnvelope(env Envelope) (storepkg.Notification, error) {
	n := storepkg.Notification{Type: storepkg.NotificationType(env.Type)}
	switch n.Type {
	case storepkg.NoteSessionInsert, storepkg.NoteSessionUpdate, storepkg.NoteSessionDelete:
		var s domain.MiningSession
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return n, err
		}
		n.Session = &s
	case storepkg.NoteExtractionInsert, storepkg.NoteExtractionDelete:
		var r domain.ExtractionRecord
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return n, err
		}
		n.Extraction = &r
	case storepkg.NoteSourceInsert, storepkg.NoteSourceUpdate, storepkg.NoteSourceDelete:
		var s domain.ResourceSource
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return n, err
		}
		n.Source = &s
	case storepkg.NoteCommandResult:
		var r storepkg.CommandResult
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return n, err
		}
		n.Result = &r
	default:
		return n, fmt.Errorf("unknown notification type %q", env.Type)
	}
	return n, nil
}
