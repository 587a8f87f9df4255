package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentmesh/storage"
)

const (
	relayWriteTimeout = 5 * time.Second
	relayDialTimeout  = 10 * time.Second
	matchWaitTimeout  = 15 * time.Second
	advertCachePrefix = "overlay/advert/"
)

// ErrRelayClosed is returned for operations on a closed relay client.
var ErrRelayClosed = errors.New("overlay: relay connection closed")

// relayFrame is the JSON frame exchanged with the relay endpoint.
type relayFrame struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Target  string          `json:"target,omitempty"`
	Query   string          `json:"query,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Env     *Envelope       `json:"env,omitempty"`
	Matches []PeerMatch     `json:"matches,omitempty"`
	Error   string          `json:"error,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Relay frame operations.
const (
	opPublish = "publish"
	opDirect  = "direct"
	opMatch   = "match"
	opMatches = "matches"
	opDeliver = "deliver"
	opHello   = "hello"
)

// WSRelay is a Network implementation that reaches the overlay through a
// websocket relay endpoint. Nodes behind NAT use it instead of a full DHT
// stack; the relay performs capability matching and message forwarding.
type WSRelay struct {
	selfID string
	log    *slog.Logger
	cache  storage.Database

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	nextSeq     uint64
	matchWaits  map[uint64]chan []PeerMatch
	subscribers map[uint64]func(env *Envelope)
	nextSubID   uint64
}

// DialRelay connects to the relay endpoint and starts the read loop. The
// cache, when non-nil, persists capability adverts so match results survive a
// relay restart.
func DialRelay(ctx context.Context, endpoint, selfID string, cache storage.Database, log *slog.Logger) (*WSRelay, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("overlay: relay endpoint required")
	}
	if log == nil {
		log = slog.Default()
	}
	dialCtx, cancel := context.WithTimeout(ctx, relayDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("overlay: relay dial: %w", err)
	}
	r := &WSRelay{
		selfID:      selfID,
		log:         log,
		cache:       cache,
		conn:        conn,
		matchWaits:  make(map[uint64]chan []PeerMatch),
		subscribers: make(map[uint64]func(env *Envelope)),
	}
	if err := r.write(ctx, relayFrame{Op: opHello, Target: selfID}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, err
	}
	go r.readLoop()
	return r, nil
}

// SelfID implements Network.
func (r *WSRelay) SelfID() string { return r.selfID }

// FindMatches implements Network by asking the relay's capability index.
// Results are cached locally; on relay error the last cached advert set for
// the query is returned instead.
func (r *WSRelay) FindMatches(ctx context.Context, query string, limit int) ([]PeerMatch, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRelayClosed
	}
	r.nextSeq++
	seq := r.nextSeq
	wait := make(chan []PeerMatch, 1)
	r.matchWaits[seq] = wait
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.matchWaits, seq)
		r.mu.Unlock()
	}()

	if err := r.write(ctx, relayFrame{Op: opMatch, Query: query, Limit: limit, Seq: seq}); err != nil {
		return r.cachedMatches(query)
	}
	timer := time.NewTimer(matchWaitTimeout)
	defer timer.Stop()
	select {
	case matches, ok := <-wait:
		// A closed wait channel means the relay went away mid-request.
		if !ok {
			return nil, ErrRelayClosed
		}
		r.cacheMatches(query, matches)
		return matches, nil
	case <-timer.C:
		return r.cachedMatches(query)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish implements Network.
func (r *WSRelay) Publish(ctx context.Context, topic string, env *Envelope) error {
	return r.write(ctx, relayFrame{Op: opPublish, Topic: topic, Env: env})
}

// SendDirect implements Network.
func (r *WSRelay) SendDirect(ctx context.Context, peerID string, env *Envelope) error {
	return r.write(ctx, relayFrame{Op: opDirect, Target: peerID, Env: env})
}

// SubscribeDirect implements Network.
func (r *WSRelay) SubscribeDirect(handler func(env *Envelope)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRelayClosed
	}
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = handler
	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}, nil
}

// Close tears down the relay connection and fails outstanding match waits.
func (r *WSRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	for seq, wait := range r.matchWaits {
		close(wait)
		delete(r.matchWaits, seq)
	}
	r.mu.Unlock()
	return conn.Close(websocket.StatusNormalClosure, "shutdown")
}

func (r *WSRelay) write(ctx context.Context, frame relayFrame) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	conn := r.conn
	r.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, relayWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, frame)
}

func (r *WSRelay) readLoop() {
	ctx := context.Background()
	for {
		var frame relayFrame
		if err := wsjson.Read(ctx, r.conn, &frame); err != nil {
			r.mu.Lock()
			alreadyClosed := r.closed
			r.closed = true
			for seq, wait := range r.matchWaits {
				close(wait)
				delete(r.matchWaits, seq)
			}
			r.mu.Unlock()
			if !alreadyClosed {
				r.log.Warn("relay read loop terminated", slog.Any("error", err))
			}
			return
		}
		switch frame.Op {
		case opDeliver:
			if frame.Env == nil {
				continue
			}
			r.mu.Lock()
			handlers := make([]func(env *Envelope), 0, len(r.subscribers))
			for _, handler := range r.subscribers {
				handlers = append(handlers, handler)
			}
			r.mu.Unlock()
			for _, handler := range handlers {
				handler(frame.Env)
			}
		case opMatches:
			r.mu.Lock()
			wait, ok := r.matchWaits[frame.Seq]
			if ok {
				delete(r.matchWaits, frame.Seq)
			}
			r.mu.Unlock()
			if ok {
				select {
				case wait <- frame.Matches:
				default:
				}
			}
		default:
			r.log.Debug("ignoring relay frame", slog.String("op", frame.Op))
		}
	}
}

func (r *WSRelay) cacheMatches(query string, matches []PeerMatch) {
	if r.cache == nil || len(matches) == 0 {
		return
	}
	encoded, err := json.Marshal(matches)
	if err != nil {
		return
	}
	_ = r.cache.Put(advertKey(query), encoded)
}

func (r *WSRelay) cachedMatches(query string) ([]PeerMatch, error) {
	if r.cache == nil {
		return nil, fmt.Errorf("overlay: match request failed and no advert cache configured")
	}
	raw, err := r.cache.Get(advertKey(query))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("overlay: no matches for %q", query)
	}
	if err != nil {
		return nil, err
	}
	var matches []PeerMatch
	if err := json.Unmarshal(raw, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

func advertKey(query string) []byte {
	return []byte(advertCachePrefix + strings.ToLower(strings.TrimSpace(query)))
}
