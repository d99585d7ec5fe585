package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"quietfeed/internal/database"
	"quietfeed/internal/metrics"
)

// Consumer owns the long-lived Jetstream subscription: connect, resume
// from the persisted cursor, dispatch each message to the router,
// persist the cursor, and reconnect with capped exponential backoff.
// It loops until the context is cancelled; no connection error is fatal.
type Consumer struct {
	cfg    *Config
	store  database.Store
	router *Router

	// Zstd decoder for compressed frames
	zstdDecoder *zstd.Decoder

	// Latest-wins buffer for mid-stream filter updates. A fresh set
	// always displaces a pending older one.
	updates chan []string

	connected      atomic.Bool
	eventsReceived atomic.Int64
}

// NewConsumer creates a new Jetstream consumer.
func NewConsumer(cfg *Config, store database.Store, router *Router) *Consumer {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		log.Fatal().Err(err).Msg("firehose: failed to create zstd decoder")
	}

	return &Consumer{
		cfg:         cfg,
		store:       store,
		router:      router,
		zstdDecoder: decoder,
		updates:     make(chan []string, 1),
	}
}

// IsConnected returns true if currently connected to Jetstream.
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

// EventsReceived returns the number of messages decoded so far.
func (c *Consumer) EventsReceived() int64 {
	return c.eventsReceived.Load()
}

// UpdateFollows hands a refreshed follow set to the live connection,
// which forwards it as an options_update control message without
// reconnecting. With no live connection the set is dropped here; the
// next (re)connect reads the current set from the store anyway.
func (c *Consumer) UpdateFollows(dids []string) {
	for {
		select {
		case c.updates <- dids:
			return
		default:
			// Displace the stale pending update.
			select {
			case <-c.updates:
			default:
			}
		}
	}
}

// Run consumes the stream until ctx is cancelled. Connection errors are
// retried indefinitely: the backoff starts at InitialBackoff, doubles
// per failed attempt, caps at MaxBackoff, and resets after any
// successful connect. Before each redial the follow set is reloaded
// from the store rather than reusing the copy from the last connect;
// when the set cannot be loaded the dial is skipped for that round.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.zstdDecoder.Close()

	backoff := c.cfg.InitialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dids, err := c.store.FollowedDIDs(ctx)
		if err != nil {
			// Dialing with no wantedDids filter would subscribe to the
			// entire firehose; wait out the backoff and retry instead.
			metrics.FirehoseErrorsTotal.Inc()
			log.Warn().Err(err).Dur("backoff", backoff).Msg("firehose: failed to load follow set, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		dialed, err := c.connectAndConsume(ctx, dids)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dialed {
			backoff = c.cfg.InitialBackoff
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("firehose: connection lost, reconnecting")
		metrics.FirehoseReconnectsTotal.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// connectAndConsume dials one connection and reads it until failure.
// The returned bool reports whether the dial itself succeeded, which is
// what resets the backoff.
func (c *Consumer) connectAndConsume(ctx context.Context, dids []string) (bool, error) {
	wsURL, err := c.buildSubscribeURL(ctx, dids)
	if err != nil {
		return false, fmt.Errorf("build subscribe url: %w", err)
	}

	log.Info().Int("dids", len(dids)).Msg("firehose: connecting to jetstream")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial jetstream: %w", err)
	}
	defer conn.Close()

	// Unblock the pending read when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.connected.Store(true)
	metrics.FirehoseConnectionState.Set(1)
	defer func() {
		c.connected.Store(false)
		metrics.FirehoseConnectionState.Set(0)
	}()

	log.Info().Msg("firehose: connected")

	// The subscribe URL already carries the current set, so a filter
	// update queued while disconnected is stale now.
	select {
	case <-c.updates:
	default:
	}

	done := make(chan struct{})
	defer close(done)
	go c.writeUpdates(ctx, conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read message: %w", err)
		}
		c.processMessage(ctx, message)
	}
}

// writeUpdates forwards refreshed follow sets to the open connection as
// options_update control messages. One writer per connection; gorilla
// permits one concurrent reader and one concurrent writer.
func (c *Consumer) writeUpdates(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case dids := <-c.updates:
			msg := optionsUpdate{
				Type: "options_update",
				Payload: optionsUpdatePayload{
					WantedCollections: WantedCollections,
					WantedDIDs:        dids,
				},
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				log.Warn().Err(err).Msg("firehose: failed to send options_update")
				return
			}
			log.Info().Int("dids", len(dids)).Msg("firehose: sent options_update")
		}
	}
}

// buildSubscribeURL builds the websocket URL with repeated
// wantedCollections and wantedDids parameters plus the resume cursor
// from service state, if one is persisted.
func (c *Consumer) buildSubscribeURL(ctx context.Context, dids []string) (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", err
	}

	opts := subscribeOptions{
		WantedCollections: WantedCollections,
		WantedDIDs:        dids,
		Compress:          c.cfg.Compress,
	}

	cursor, err := c.store.GetState(ctx, database.StateKeyCursor)
	if err != nil {
		log.Warn().Err(err).Msg("firehose: failed to load resume cursor")
	} else if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			log.Warn().Str("cursor", cursor).Msg("firehose: ignoring malformed resume cursor")
		} else {
			opts.Cursor = n
		}
	}

	q, err := query.Values(opts)
	if err != nil {
		return "", err
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// processMessage decodes one inbound frame and routes it. Nothing here
// tears down the connection: a malformed message is logged and skipped,
// a storage failure abandons that event, and the next message is the
// retry boundary. The resume cursor is persisted after every message,
// so at most one message is replayed or lost across a crash.
func (c *Consumer) processMessage(ctx context.Context, data []byte) {
	data, err := c.decodeFrame(data)
	if err != nil {
		metrics.FirehoseErrorsTotal.Inc()
		log.Warn().Err(err).Msg("firehose: failed to decompress message")
		return
	}

	var event JetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		preview := data
		if len(preview) > 50 {
			preview = preview[:50]
		}
		metrics.FirehoseErrorsTotal.Inc()
		log.Warn().Err(err).Bytes("preview", preview).Msg("firehose: failed to unmarshal event")
		return
	}

	c.eventsReceived.Add(1)

	if err := c.router.HandleEvent(ctx, &event); err != nil {
		metrics.FirehoseErrorsTotal.Inc()
		log.Warn().Err(err).Str("did", event.DID).Msg("firehose: failed to process event")
	}

	if event.TimeUS > 0 {
		if err := c.store.SetState(ctx, database.StateKeyCursor, strconv.FormatInt(event.TimeUS, 10)); err != nil {
			log.Warn().Err(err).Msg("firehose: failed to persist cursor")
		}
	}
}

// decodeFrame returns the JSON payload of a frame, decompressing it
// when it carries the zstd magic number 0x28 0xB5 0x2F 0xFD.
func (c *Consumer) decodeFrame(data []byte) ([]byte, error) {
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD {
		return c.zstdDecoder.DecodeAll(data, nil)
	}
	return data, nil
}
