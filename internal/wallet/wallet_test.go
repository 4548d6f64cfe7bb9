package wallet

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/money"
)

func newTestService() *Service {
	return NewService(NewMemoryStore())
}

func TestCreditCreatesWalletAndTransaction(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	txn, duplicate, err := svc.Credit(ctx, CreditRequest{
		UserID:    "user-1",
		Amount:    money.MustParse("500.00"),
		Category:  CategoryFunding,
		Reference: "PS_20250101120000_abcd1234",
	})
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if duplicate {
		t.Fatal("first credit reported as duplicate")
	}
	if txn.Type != TxCredit || txn.Status != StatusSuccess {
		t.Errorf("unexpected transaction: type=%s status=%s", txn.Type, txn.Status)
	}
	if !txn.BalanceBefore.IsZero() || !txn.BalanceAfter.Equal(money.MustParse("500.00")) {
		t.Errorf("balance snapshot wrong: before=%s after=%s", txn.BalanceBefore, txn.BalanceAfter)
	}

	w, err := svc.Wallet(ctx, "user-1", KindMain)
	if err != nil {
		t.Fatalf("Wallet failed: %v", err)
	}
	if !w.Balance.Equal(money.MustParse("500.00")) {
		t.Errorf("expected balance 500.00, got %s", money.Format(w.Balance))
	}

	txns, err := svc.Transactions(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
	if txns[0].Category != CategoryFunding {
		t.Errorf("expected funding category, got %s", txns[0].Category)
	}
}

func TestCreditIdempotentByReference(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	req := CreditRequest{
		UserID:    "user-1",
		Amount:    money.MustParse("100.00"),
		Category:  CategoryFunding,
		Reference: "PS_20250101120000_dupe0001",
	}

	first, _, err := svc.Credit(ctx, req)
	if err != nil {
		t.Fatalf("first credit failed: %v", err)
	}

	second, duplicate, err := svc.Credit(ctx, req)
	if err != nil {
		t.Fatalf("replayed credit failed: %v", err)
	}
	if !duplicate {
		t.Error("replayed credit not reported as duplicate")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned a different transaction: %s vs %s", second.ID, first.ID)
	}

	w, _ := svc.Wallet(ctx, "user-1", KindMain)
	if !w.Balance.Equal(money.MustParse("100.00")) {
		t.Errorf("balance credited twice: %s", money.Format(w.Balance))
	}
}

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService()

	for _, amount := range []string{"0", "-10.00"} {
		_, _, err := svc.Credit(context.Background(), CreditRequest{
			UserID:   "user-1",
			Amount:   decimal.RequireFromString(amount),
			Category: CategoryFunding,
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, _, err := svc.Credit(ctx, CreditRequest{
		UserID:   "user-1",
		Amount:   money.MustParse("100.00"),
		Category: CategoryFunding,
	}); err != nil {
		t.Fatalf("setup credit failed: %v", err)
	}

	_, err := svc.Debit(ctx, DebitRequest{
		UserID:   "user-1",
		Amount:   money.MustParse("150.00"),
		Category: CategoryWithdrawal,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Balance untouched, no failed transaction row recorded.
	w, _ := svc.Wallet(ctx, "user-1", KindMain)
	if !w.Balance.Equal(money.MustParse("100.00")) {
		t.Errorf("balance changed on rejected debit: %s", money.Format(w.Balance))
	}
	txns, _ := svc.Transactions(ctx, "user-1", 10)
	if len(txns) != 1 {
		t.Errorf("expected only the funding transaction, got %d rows", len(txns))
	}
}

func TestDebitRecordsBalanceSnapshots(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	svc.Credit(ctx, CreditRequest{UserID: "user-1", Amount: money.MustParse("200.00"), Category: CategoryFunding})

	txn, err := svc.Debit(ctx, DebitRequest{
		UserID:   "user-1",
		Amount:   money.MustParse("50.00"),
		Category: CategorySubscriptionFee,
	})
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if !txn.BalanceBefore.Equal(money.MustParse("200.00")) || !txn.BalanceAfter.Equal(money.MustParse("150.00")) {
		t.Errorf("balance snapshot wrong: before=%s after=%s",
			money.Format(txn.BalanceBefore), money.Format(txn.BalanceAfter))
	}
}

type stubReservations struct {
	pending decimal.Decimal
}

func (s *stubReservations) PendingWithdrawals(_ context.Context, _ string) (decimal.Decimal, error) {
	return s.pending, nil
}

func TestAvailableBalanceSubtractsPendingWithdrawals(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store).WithReservations(&stubReservations{pending: money.MustParse("30.00")})
	ctx := context.Background()

	svc.Credit(ctx, CreditRequest{UserID: "user-1", Amount: money.MustParse("100.00"), Category: CategoryFunding})

	available, err := svc.AvailableBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("AvailableBalance failed: %v", err)
	}
	if !available.Equal(money.MustParse("70.00")) {
		t.Errorf("expected 70.00 available, got %s", money.Format(available))
	}

	// Debit beyond available must fail even though the raw balance covers it.
	_, err = svc.Debit(ctx, DebitRequest{
		UserID:   "user-1",
		Amount:   money.MustParse("80.00"),
		Category: CategoryWithdrawal,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds against reserved funds, got %v", err)
	}
}

func TestTransferToTaskWallet(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	svc.Credit(ctx, CreditRequest{UserID: "user-1", Amount: money.MustParse("100.00"), Category: CategoryFunding})

	txn, err := svc.TransferToTaskWallet(ctx, "user-1", money.MustParse("40.00"))
	if err != nil {
		t.Fatalf("TransferToTaskWallet failed: %v", err)
	}
	if txn.Category != CategoryTaskWalletTopup {
		t.Errorf("expected %s category, got %s", CategoryTaskWalletTopup, txn.Category)
	}

	main, _ := svc.Wallet(ctx, "user-1", KindMain)
	task, _ := svc.Wallet(ctx, "user-1", KindTask)
	if !main.Balance.Equal(money.MustParse("60.00")) {
		t.Errorf("main balance: expected 60.00, got %s", money.Format(main.Balance))
	}
	if !task.Balance.Equal(money.MustParse("40.00")) {
		t.Errorf("task balance: expected 40.00, got %s", money.Format(task.Balance))
	}
}

func TestSumBalancesCoversAllWallets(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	svc.Credit(ctx, CreditRequest{UserID: "a", Amount: money.MustParse("10.00"), Category: CategoryFunding})
	svc.Credit(ctx, CreditRequest{UserID: "b", Amount: money.MustParse("25.50"), Category: CategoryFunding})
	svc.TransferToTaskWallet(ctx, "a", money.MustParse("4.00"))

	total, err := store.SumBalances(ctx)
	if err != nil {
		t.Fatalf("SumBalances failed: %v", err)
	}
	// Internal transfers must not change the system total.
	if !total.Equal(money.MustParse("35.50")) {
		t.Errorf("expected total 35.50, got %s", money.Format(total))
	}
}

func TestSumByCategory(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	svc.Credit(ctx, CreditRequest{UserID: "a", Amount: money.MustParse("10.00"), Category: CategoryFunding, Reference: "PS_1"})
	svc.Credit(ctx, CreditRequest{UserID: "a", Amount: money.MustParse("15.00"), Category: CategoryFunding, Reference: "PS_2"})
	svc.Credit(ctx, CreditRequest{UserID: "a", Amount: money.MustParse("5.00"), Category: CategoryReferralBonus, Reference: "REFERRAL_1"})

	funded, err := store.SumByCategory(ctx, CategoryFunding, StatusSuccess)
	if err != nil {
		t.Fatalf("SumByCategory failed: %v", err)
	}
	if !funded.Equal(money.MustParse("25.00")) {
		t.Errorf("expected funding total 25.00, got %s", money.Format(funded))
	}
}

func TestTransactionsPage(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := svc.Credit(ctx, CreditRequest{
			UserID:    "user-1",
			Amount:    money.MustParse("10.00"),
			Category:  CategoryFunding,
			Reference: fmt.Sprintf("PS_page_%d", i),
		})
		if err != nil {
			t.Fatalf("Credit %d failed: %v", i, err)
		}
	}

	page1, cursor, err := svc.TransactionsPage(ctx, "user-1", 3, "")
	if err != nil {
		t.Fatalf("TransactionsPage failed: %v", err)
	}
	if len(page1) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(page1))
	}
	if cursor == "" {
		t.Fatal("expected a next cursor for remaining entries")
	}

	page2, cursor2, err := svc.TransactionsPage(ctx, "user-1", 3, cursor)
	if err != nil {
		t.Fatalf("TransactionsPage (page 2) failed: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("expected 2 entries on page 2, got %d", len(page2))
	}
	if cursor2 != "" {
		t.Errorf("expected no cursor on the final page, got %q", cursor2)
	}

	seen := make(map[string]bool)
	for _, txn := range append(page1, page2...) {
		if seen[txn.ID] {
			t.Errorf("transaction %s returned twice across pages", txn.ID)
		}
		seen[txn.ID] = true
	}

	if _, _, err := svc.TransactionsPage(ctx, "user-1", 3, "not a cursor"); err == nil {
		t.Error("expected error for malformed cursor")
	}
}
