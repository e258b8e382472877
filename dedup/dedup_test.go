package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lherrors "github.com/teranos/leakhunter/errors"
	lhtest "github.com/teranos/leakhunter/internal/testing"
	"github.com/teranos/leakhunter/internal/util"
)

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLStore(lhtest.CreateTestDB(t), nil),
	}
}

func TestAdmit(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			out, err := s.Admit(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, Admitted, out)

			out, err = s.Admit(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, Duplicate, out)

			out, err = s.Admit(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, Admitted, out)

			seen, err := s.Seen(ctx, "a")
			require.NoError(t, err)
			assert.True(t, seen)
			seen, err = s.Seen(ctx, "zzz")
			require.NoError(t, err)
			assert.False(t, seen)
		})
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Admit(ctx, "a")
			require.NoError(t, err)
			require.NoError(t, s.Release(ctx, "a"))

			out, err := s.Admit(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, Admitted, out)
		})
	}
}

func TestAdmit_ConcurrentSameIdentity(t *testing.T) {
	const n = 32
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var admitted, dup atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					out, err := s.Admit(ctx, "same")
					if err != nil {
						t.Error(err)
						return
					}
					if out == Admitted {
						admitted.Add(1)
					} else {
						dup.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.EqualValues(t, 1, admitted.Load())
			assert.EqualValues(t, n-1, dup.Load())
		})
	}
}

func TestSQLStore_AdmittedAt(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewSQLStore(lhtest.CreateTestDB(t), util.FixedClock(at))

	_, err := s.Admit(ctx, "a")
	require.NoError(t, err)

	got, err := s.AdmittedAt(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, at, got)

	_, err = s.AdmittedAt(ctx, "missing")
	assert.True(t, lherrors.IsNotFoundError(err))
}

func TestSQLStore_Errors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, nil)
	boom := errors.New("disk I/O error")

	mock.ExpectExec("INSERT INTO finding_identities").WillReturnError(boom)
	_, err = s.Admit(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admit a")

	mock.ExpectExec("DELETE FROM finding_identities").WillReturnError(boom)
	assert.Error(t, s.Release(context.Background(), "a"))

	mock.ExpectQuery("SELECT 1 FROM finding_identities").WillReturnError(boom)
	_, err = s.Seen(context.Background(), "a")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "admitted", Admitted.String())
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
