package broker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wealthlog/ledger/internal/application/service/recalc"
)

type recordedCall struct {
	accountID int64
	afterDate *time.Time
}

type fakeRecalculator struct {
	mu    sync.Mutex
	calls []recordedCall
	err   error
}

func (f *fakeRecalculator) Recalculate(ctx context.Context, accountID int64, opts recalc.Options) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{accountID: accountID, afterDate: opts.AfterDate})
	return 0, f.err
}

func (f *fakeRecalculator) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func timePtr(t time.Time) *time.Time { return &t }

func TestRequestMerge(t *testing.T) {
	t.Parallel()

	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)

	full := RecalculationRequest{AccountID: 1}
	partialEarly := RecalculationRequest{AccountID: 1, AfterDate: timePtr(early)}
	partialLate := RecalculationRequest{AccountID: 1, AfterDate: timePtr(late)}

	// A full replay absorbs any window.
	assert.Nil(t, full.merge(partialLate).AfterDate)
	assert.Nil(t, partialLate.merge(full).AfterDate)

	// Otherwise the earlier lower bound wins.
	merged := partialLate.merge(partialEarly)
	require.NotNil(t, merged.AfterDate)
	assert.True(t, merged.AfterDate.Equal(early))

	merged = partialEarly.merge(partialLate)
	require.NotNil(t, merged.AfterDate)
	assert.True(t, merged.AfterDate.Equal(early))
}

func TestCoalescerFlushesImmediatelyWithoutWindow(t *testing.T) {
	t.Parallel()

	svc := &fakeRecalculator{}
	c := NewCoalescer(CoalesceConfig{}, svc, testLogger())
	c.Run(context.Background())

	require.NoError(t, c.Add(RecalculationRequest{AccountID: 1}))
	require.NoError(t, c.Add(RecalculationRequest{AccountID: 2}))

	calls := svc.recorded()
	assert.Len(t, calls, 2)
}

func TestCoalescerDeduplicatesPerAccount(t *testing.T) {
	t.Parallel()

	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	svc := &fakeRecalculator{}
	c := NewCoalescer(CoalesceConfig{Window: time.Minute}, svc, testLogger())
	ctx := context.Background()
	c.Run(ctx)

	require.NoError(t, c.Add(RecalculationRequest{AccountID: 1, AfterDate: timePtr(late)}))
	require.NoError(t, c.Add(RecalculationRequest{AccountID: 1, AfterDate: timePtr(early)}))
	require.NoError(t, c.Add(RecalculationRequest{AccountID: 2}))

	// Nothing flushed inside the window yet.
	assert.Empty(t, svc.recorded())

	c.Stop(ctx)

	calls := svc.recorded()
	require.Len(t, calls, 2)

	byAccount := map[int64]recordedCall{}
	for _, call := range calls {
		byAccount[call.accountID] = call
	}
	require.Contains(t, byAccount, int64(1))
	require.Contains(t, byAccount, int64(2))
	require.NotNil(t, byAccount[1].afterDate)
	assert.True(t, byAccount[1].afterDate.Equal(early))
	assert.Nil(t, byAccount[2].afterDate)
}

func TestCoalescerRequiresRun(t *testing.T) {
	t.Parallel()

	c := NewCoalescer(CoalesceConfig{}, &fakeRecalculator{}, testLogger())
	assert.Error(t, c.Add(RecalculationRequest{AccountID: 1}))
}

func TestCoalescerStopsAfterContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoalescer(CoalesceConfig{}, &fakeRecalculator{}, testLogger())
	c.Run(ctx)
	cancel()

	assert.Error(t, c.Add(RecalculationRequest{AccountID: 1}))
}
