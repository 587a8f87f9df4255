package payment

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"agentmesh/ledger"
	"agentmesh/overlay"
	"agentmesh/wei"
)

func testStreamOptions() StreamOptions {
	return StreamOptions{
		JobID:        "job-1",
		Payer:        "amesh1payer",
		Recipient:    "0x00000000000000000000000000000000000000cc",
		ChainID:      31337,
		Token:        "ETH",
		RatePerToken: "0.000000001",
	}
}

func TestRecordTokensLazyCreate(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	channel, err := engine.RecordTokens(context.Background(), "chan-1", 100, testStreamOptions())
	require.NoError(t, err)
	require.Equal(t, ledger.StreamingStatusActive, channel.Status)
	require.Equal(t, "0.0000001", channel.AccumulatedAmount)

	rows, err := engine.store.StreamingAgreements()
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRecordTokensAccumulatesMonotonically(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	previous, err := wei.ToWei("0")
	require.NoError(t, err)
	for _, count := range []int64{10, 0, 250, 1, 0, 99} {
		channel, err := engine.RecordTokens(context.Background(), "chan-1", count, testStreamOptions())
		require.NoError(t, err)
		current, err := wei.ToWei(channel.AccumulatedAmount)
		require.NoError(t, err)
		require.GreaterOrEqual(t, current.Cmp(previous), 0)
		previous = current
	}
}

func TestRecordTokensRejectsNegative(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.RecordTokens(context.Background(), "chan-1", -1, testStreamOptions())
	require.Error(t, err)
}

func TestRecordTokensRequiresRateOnCreate(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	opts := testStreamOptions()
	opts.RatePerToken = "0"
	_, err := engine.RecordTokens(context.Background(), "chan-1", 1, opts)
	require.ErrorIs(t, err, wei.ErrInvalidAmount)
}

func TestTotalTokensRoundsToNearest(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	channel, err := engine.RecordTokens(context.Background(), "chan-1", 7, testStreamOptions())
	require.NoError(t, err)
	total, err := channel.TotalTokens()
	require.NoError(t, err)
	require.Equal(t, int64(7), total)
}

func TestCloseStreamingChannel(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.RecordTokens(context.Background(), "chan-1", 5, testStreamOptions())
	require.NoError(t, err)

	closed, err := engine.CloseStreamingChannel("chan-1")
	require.NoError(t, err)
	require.Equal(t, ledger.StreamingStatusClosed, closed.Status)
	require.NotZero(t, closed.ClosedAt)

	_, err = engine.Channel("chan-1")
	require.Error(t, err)
	_, err = engine.CloseStreamingChannel("chan-1")
	require.Error(t, err)

	entries, err := engine.store.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ledger.EntryStatusSettled, entries[0].Status)
	require.Equal(t, closed.AccumulatedAmount, entries[0].Amount)
}

func TestClosedChannelsDropFromEngineOnRestart(t *testing.T) {
	store, err := ledger.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	first, err := NewEngine(Config{Store: store})
	require.NoError(t, err)
	_, err = first.RecordTokens(context.Background(), "chan-open", 1, testStreamOptions())
	require.NoError(t, err)
	_, err = first.RecordTokens(context.Background(), "chan-done", 1, testStreamOptions())
	require.NoError(t, err)
	_, err = first.CloseStreamingChannel("chan-done")
	require.NoError(t, err)

	second, err := NewEngine(Config{Store: store})
	require.NoError(t, err)
	_, err = second.Channel("chan-open")
	require.NoError(t, err)
	_, err = second.Channel("chan-done")
	require.Error(t, err)
}

func TestStreamingTickMetersThroughHandler(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	opts := testStreamOptions()
	_, err := engine.RecordTokens(context.Background(), "chan-1", 10, opts)
	require.NoError(t, err)

	err = engine.HandlePaymentMessage(context.Background(), opts.Payer,
		overlay.StreamingTick{ChannelID: "chan-1", TokensGenerated: 90})
	require.NoError(t, err)

	channel, err := engine.Channel("chan-1")
	require.NoError(t, err)
	total, err := channel.TotalTokens()
	require.NoError(t, err)
	require.Equal(t, int64(100), total)
}

func TestChannelSnapshotDuringConcurrentTicks(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.RecordTokens(context.Background(), "chan-1", 1, testStreamOptions())
	require.NoError(t, err)

	const writers = 4
	const readers = 4
	const ticks = 50
	errCh := make(chan error, (writers+readers)*ticks)
	var wg sync.WaitGroup
	wg.Add(writers + readers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < ticks; j++ {
				if _, err := engine.RecordTokens(context.Background(), "chan-1", 1, testStreamOptions()); err != nil {
					errCh <- err
				}
			}
		}()
	}
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < ticks; j++ {
				snapshot, err := engine.Channel("chan-1")
				if err != nil {
					errCh <- err
					continue
				}
				if _, err := wei.ToWei(snapshot.AccumulatedAmount); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	channel, err := engine.Channel("chan-1")
	require.NoError(t, err)
	total, err := channel.TotalTokens()
	require.NoError(t, err)
	require.Equal(t, int64(writers*ticks+1), total)
}

func TestRecordTokensConcurrent(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	const workers = 8
	const ticks = 25
	errCh := make(chan error, workers*ticks)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < ticks; j++ {
				if _, err := engine.RecordTokens(context.Background(), "chan-1", 1, testStreamOptions()); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	channel, err := engine.Channel("chan-1")
	require.NoError(t, err)
	total, err := channel.TotalTokens()
	require.NoError(t, err)
	require.Equal(t, int64(workers*ticks), total)
}
