package overlay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// startRelayStub runs a websocket endpoint whose behaviour after the hello
// frame is supplied by serve.
func startRelayStub(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		var hello relayFrame
		if err := wsjson.Read(r.Context(), conn, &hello); err != nil {
			return
		}
		serve(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFindMatchesReturnsRelayResults(t *testing.T) {
	endpoint := startRelayStub(t, func(ctx context.Context, conn *websocket.Conn) {
		var frame relayFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		reply := relayFrame{
			Op:      opMatches,
			Seq:     frame.Seq,
			Matches: []PeerMatch{{Peer: PeerInfo{ID: "amesh1worker"}, MatchScore: 0.9}},
		}
		_ = wsjson.Write(ctx, conn, reply)
	})

	relay, err := DialRelay(context.Background(), endpoint, "amesh1self", nil, nil)
	require.NoError(t, err)
	defer relay.Close()

	matches, err := relay.FindMatches(context.Background(), "inference", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "amesh1worker", matches[0].Peer.ID)
}

func TestFindMatchesFailsWhenRelayDropsMidRequest(t *testing.T) {
	endpoint := startRelayStub(t, func(ctx context.Context, conn *websocket.Conn) {
		var frame relayFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		// Drop the connection instead of answering the match request.
		_ = conn.Close(websocket.StatusGoingAway, "gone")
	})

	relay, err := DialRelay(context.Background(), endpoint, "amesh1self", nil, nil)
	require.NoError(t, err)
	defer relay.Close()

	_, err = relay.FindMatches(context.Background(), "inference", 5)
	require.ErrorIs(t, err, ErrRelayClosed)
}

func TestFindMatchesFailsWhenClientCloses(t *testing.T) {
	endpoint := startRelayStub(t, func(ctx context.Context, conn *websocket.Conn) {
		var frame relayFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		// Hold the connection open without answering until the client goes
		// away.
		var next relayFrame
		_ = wsjson.Read(ctx, conn, &next)
	})

	relay, err := DialRelay(context.Background(), endpoint, "amesh1self", nil, nil)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := relay.FindMatches(context.Background(), "inference", 5)
		result <- err
	}()

	// Give the request time to register its waiter before tearing down.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, relay.Close())

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrRelayClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("FindMatches did not return after relay close")
	}
}
