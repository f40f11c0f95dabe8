package engine

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/audit"
	"daytrader/internal/money"
)

func TestDispatchSerializesPerUser(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.engine, 256, zerolog.Nop())
	defer d.Stop()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(tx int64) {
			defer wg.Done()
			result := d.Dispatch(Command{
				TransactionNum: tx,
				Type:           audit.CommandAdd,
				UserID:         "alice",
				Amount:         "1.00",
			})
			assert.Equal(t, "success", result.Status, result.Message)
		}(int64(i + 1))
	}
	wg.Wait()

	// every increment landed exactly once
	assert.Equal(t, money.MustParse("50.00"), f.balance(t, "alice"))
}

func TestDispatchRunsUsersInParallel(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.engine, 16, zerolog.Nop())
	defer d.Stop()

	users := []string{"alice", "bob", "carol"}
	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				result := d.Dispatch(Command{
					TransactionNum: int64(i + 1),
					Type:           audit.CommandAdd,
					UserID:         user,
					Amount:         "2.00",
				})
				require.Equal(t, "success", result.Status, result.Message)
			}
		}(user)
	}
	wg.Wait()

	for _, user := range users {
		assert.Equal(t, money.MustParse("20.00"), f.balance(t, user))
	}
}

func TestDispatchAfterStopIsRejected(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.engine, 16, zerolog.Nop())
	d.Stop()

	result := d.Dispatch(Command{
		TransactionNum: 1,
		Type:           audit.CommandAdd,
		UserID:         "alice",
		Amount:         "1.00",
	})
	assert.Equal(t, "failure", result.Status)

	// stopping twice is safe
	d.Stop()
}

func TestDispatchConcurrentWithStop(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.engine, 16, zerolog.Nop())

	// Commands racing Stop either execute or get refused; a send must never
	// land on a closed queue.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(tx int64) {
			defer wg.Done()
			result := d.Dispatch(Command{
				TransactionNum: tx,
				Type:           audit.CommandAdd,
				UserID:         "alice",
				Amount:         "1.00",
			})
			assert.Contains(t, []string{"success", "failure"}, result.Status)
		}(int64(i + 1))
	}
	d.Stop()
	wg.Wait()
}

func TestDispatchValidationFailureBypassesStores(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.engine, 16, zerolog.Nop())
	defer d.Stop()

	result := d.Dispatch(Command{
		TransactionNum: 1,
		Type:           audit.CommandBuy,
		UserID:         "alice",
		Symbol:         "ABC",
		Amount:         "not-a-number",
	})
	assert.Equal(t, "failure", result.Status)

	exists, err := f.store.Exists("alice")
	require.NoError(t, err)
	assert.False(t, exists)
}
