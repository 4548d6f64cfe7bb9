//go:build integration

package wallet

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/testutil"
)

func TestPostgresCreditDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	txn, duplicate, err := store.Credit(ctx, CreditRequest{
		UserID:    "pg-user-1",
		Kind:      KindMain,
		Amount:    money.MustParse("500.00"),
		Category:  CategoryFunding,
		Reference: "PS_20250101120000_pg000001",
	})
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if duplicate {
		t.Fatal("first credit reported as duplicate")
	}
	if !txn.BalanceAfter.Equal(money.MustParse("500.00")) {
		t.Errorf("balance after credit: got %s", money.Format(txn.BalanceAfter))
	}

	// Replaying the same reference must not double-credit.
	replay, duplicate, err := store.Credit(ctx, CreditRequest{
		UserID:    "pg-user-1",
		Kind:      KindMain,
		Amount:    money.MustParse("500.00"),
		Category:  CategoryFunding,
		Reference: "PS_20250101120000_pg000001",
	})
	if err != nil {
		t.Fatalf("replayed credit failed: %v", err)
	}
	if !duplicate || replay.ID != txn.ID {
		t.Errorf("expected duplicate of %s, got %s (duplicate=%v)", txn.ID, replay.ID, duplicate)
	}

	w, err := store.Wallet(ctx, "pg-user-1", KindMain)
	if err != nil {
		t.Fatalf("Wallet failed: %v", err)
	}
	if !w.Balance.Equal(money.MustParse("500.00")) {
		t.Errorf("expected balance 500.00, got %s", money.Format(w.Balance))
	}

	_, err = store.Debit(ctx, DebitRequest{
		UserID:   "pg-user-1",
		Kind:     KindMain,
		Amount:   money.MustParse("600.00"),
		Category: CategoryWithdrawal,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestPostgresConcurrentDebits(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, _, err := store.Credit(ctx, CreditRequest{
		UserID:   "pg-user-2",
		Kind:     KindMain,
		Amount:   money.MustParse("100.00"),
		Category: CategoryFunding,
	}); err != nil {
		t.Fatalf("setup credit failed: %v", err)
	}

	// Two concurrent 60.00 debits against a 100.00 balance: exactly one
	// must succeed once the row lock serializes them.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Debit(ctx, DebitRequest{
				UserID:   "pg-user-2",
				Kind:     KindMain,
				Amount:   money.MustParse("60.00"),
				Category: CategoryWithdrawal,
			})
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected exactly one success and one rejection, got %d/%d", succeeded, rejected)
	}

	w, _ := store.Wallet(ctx, "pg-user-2", KindMain)
	if !w.Balance.Equal(money.MustParse("40.00")) {
		t.Errorf("expected balance 40.00, got %s", money.Format(w.Balance))
	}
}

func TestPostgresTransferAtomic(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.Credit(ctx, CreditRequest{
		UserID:   "pg-user-3",
		Kind:     KindMain,
		Amount:   money.MustParse("50.00"),
		Category: CategoryFunding,
	})

	if _, err := store.Transfer(ctx, "pg-user-3", KindMain, KindTask, money.MustParse("20.00"), ""); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	total, err := store.SumBalances(ctx)
	if err != nil {
		t.Fatalf("SumBalances failed: %v", err)
	}
	if !total.Equal(money.MustParse("50.00")) {
		t.Errorf("internal transfer changed system total: %s", money.Format(total))
	}

	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallet_transactions WHERE user_id = $1 AND category = $2`,
		"pg-user-3", CategoryTaskWalletTopup,
	).Scan(&count); err != nil && err != sql.ErrNoRows {
		t.Fatalf("count transfer legs: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 transfer legs, got %d", count)
	}
}
