package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
)

func TestJournalRecordAndSettleOnce(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(NewMemoryStore())

	tx, err := j.Record(ctx, Transaction{
		TaskID: "t1", HoldID: "h1", From: "ceo", To: "a1",
		Amount: money.FromUSDC(5), Kind: KindRelease, Status: StatusPending,
	})
	require.NoError(t, err)
	require.NotEmpty(t, tx.ID)

	settled, err := j.Settle(ctx, tx.ID, StatusConfirmed, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, settled.Status)
	assert.Equal(t, "0xabc", settled.ExternalRef)

	_, err = j.Settle(ctx, tx.ID, StatusFailed, "")
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, CodeTransactionSettled))
}

func TestJournalRejectsInvalidTransactions(t *testing.T) {
	j := NewJournal(NewMemoryStore())
	_, err := j.Record(context.Background(), Transaction{TaskID: "t1", Kind: KindHold})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = j.Record(context.Background(), Transaction{TaskID: "t1", Kind: "BOGUS", Amount: 1})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestConcurrentAppendsKeepEveryEntry(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(task string) {
			defer wg.Done()
			_, err := j.Record(ctx, Transaction{TaskID: task, To: task, Amount: 1, Kind: KindAllocate})
			assert.NoError(t, err)
		}([]string{"a", "b"}[i%2])
	}
	wg.Wait()

	all, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 50)
	onlyA, err := j.List(ctx, Filter{TaskID: "a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 25)
}

func TestBalancesCountConfirmedReleases(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(NewMemoryStore())

	confirmed, err := j.Record(ctx, Transaction{TaskID: "t1", From: "ceo", To: "a1", Amount: money.FromUSDC(3), Kind: KindRelease, Status: StatusPending})
	require.NoError(t, err)
	_, err = j.Settle(ctx, confirmed.ID, StatusConfirmed, "ref")
	require.NoError(t, err)
	_, err = j.Record(ctx, Transaction{TaskID: "t1", From: "ceo", To: "a2", Amount: money.FromUSDC(4), Kind: KindRelease, Status: StatusPending})
	require.NoError(t, err)

	balances, err := j.Balances(ctx)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, Balance{Party: "a1", Received: money.FromUSDC(3)}, balances[0])
	assert.Equal(t, Balance{Party: "ceo", Paid: money.FromUSDC(3)}, balances[1])
}

func TestFileStoreReloadsAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	j := NewJournal(store)
	tx, err := j.Record(ctx, Transaction{TaskID: "t1", From: "ceo", To: "a1", Amount: 7, Kind: KindRelease, Status: StatusPending})
	require.NoError(t, err)
	_, err = j.Settle(ctx, tx.ID, StatusFailed, "")
	require.NoError(t, err)
	require.NoError(t, j.Transition(ctx, Transition{RequestID: "r1", TaskID: "t1", State: "DISCOVERING"}))
	require.NoError(t, j.Close())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	trs, err := reopened.Transitions(ctx, Filter{RequestID: "r1"})
	require.NoError(t, err)
	assert.Len(t, trs, 1)
}
