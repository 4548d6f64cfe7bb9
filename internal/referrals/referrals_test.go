package referrals

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/wallet"
)

func newTestService(t *testing.T) (*Service, *wallet.MemoryStore) {
	t.Helper()
	wallets := wallet.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(NewMemoryStore(), wallet.NewService(wallets), logger), wallets
}

func mainBalance(t *testing.T, wallets *wallet.MemoryStore, userID string) string {
	t.Helper()
	w, err := wallets.Wallet(context.Background(), userID, wallet.KindMain)
	if err != nil {
		t.Fatalf("load wallet: %v", err)
	}
	return money.Format(w.Balance)
}

// linkChain registers grandparent -> parent -> child referrals.
func linkChain(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()

	gCode, err := svc.EnsureCode(ctx, "grandparent")
	if err != nil {
		t.Fatalf("grandparent code: %v", err)
	}
	if _, err := svc.LinkSignup(ctx, "parent", gCode.Code); err != nil {
		t.Fatalf("link parent: %v", err)
	}

	pCode, err := svc.EnsureCode(ctx, "parent")
	if err != nil {
		t.Fatalf("parent code: %v", err)
	}
	if _, err := svc.LinkSignup(ctx, "child", pCode.Code); err != nil {
		t.Fatalf("link child: %v", err)
	}
}

func TestGenerateCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := GenerateCode()
		if len(code) != 8 {
			t.Fatalf("code %q is not 8 characters", code)
		}
		for _, ch := range code {
			if !(ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9') {
				t.Fatalf("code %q has invalid character %q", code, ch)
			}
		}
		seen[code] = true
	}
	if len(seen) < 95 {
		t.Errorf("too many collisions in 100 codes: %d unique", len(seen))
	}
}

func TestEnsureCodeIsStable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.EnsureCode(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureCode failed: %v", err)
	}
	second, err := svc.EnsureCode(ctx, "user-1")
	if err != nil {
		t.Fatalf("second EnsureCode failed: %v", err)
	}
	if first.Code != second.Code {
		t.Errorf("code changed between calls: %s vs %s", first.Code, second.Code)
	}
}

func TestLinkSignupBuildsTwoLevels(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	linkChain(t, svc)

	edges, err := svc.store.ActiveReferralsTo(ctx, "child")
	if err != nil {
		t.Fatalf("ActiveReferralsTo failed: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges for child, got %d", len(edges))
	}
	if edges[0].Level != 1 || edges[0].ReferrerID != "parent" {
		t.Errorf("level-1 edge wrong: %+v", edges[0])
	}
	if edges[1].Level != 2 || edges[1].ReferrerID != "grandparent" {
		t.Errorf("level-2 edge wrong: %+v", edges[1])
	}
}

func TestLinkSignupRejectsSelfReferral(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	code, _ := svc.EnsureCode(ctx, "user-1")
	if _, err := svc.LinkSignup(ctx, "user-1", code.Code); !errors.Is(err, ErrSelfReferral) {
		t.Fatalf("expected ErrSelfReferral, got %v", err)
	}
}

func TestLinkSignupRejectsDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	code, _ := svc.EnsureCode(ctx, "referrer")
	if _, err := svc.LinkSignup(ctx, "referred", code.Code); err != nil {
		t.Fatalf("first link failed: %v", err)
	}
	if _, err := svc.LinkSignup(ctx, "referred", code.Code); !errors.Is(err, ErrDuplicateReferral) {
		t.Fatalf("expected ErrDuplicateReferral, got %v", err)
	}
}

func TestCascadeTwoLevels(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	linkChain(t, svc)

	svc.SetTier(ctx, &CommissionTier{Level: 1, EarningType: EarningTaskCompletion, Rate: money.MustParse("10"), Active: true})
	svc.SetTier(ctx, &CommissionTier{Level: 2, EarningType: EarningTaskCompletion, Rate: money.MustParse("5"), Active: true})

	// Child completes a 100.00 task; invoke the engine twice.
	for i := 0; i < 2; i++ {
		if _, err := svc.Cascade(ctx, "child", EarningTaskCompletion, money.MustParse("100.00")); err != nil {
			t.Fatalf("cascade %d failed: %v", i, err)
		}
	}

	if got := mainBalance(t, wallets, "parent"); got != "10.00" {
		t.Errorf("parent commission: got %s, want 10.00", got)
	}
	if got := mainBalance(t, wallets, "grandparent"); got != "5.00" {
		t.Errorf("grandparent commission: got %s, want 5.00", got)
	}

	// Exactly one earning per referrer despite the double invoke.
	for _, referrer := range []string{"parent", "grandparent"} {
		earnings, _ := svc.Earnings(ctx, referrer, 10)
		if len(earnings) != 1 {
			t.Errorf("%s: expected 1 earning, got %d", referrer, len(earnings))
		}
		if len(earnings) == 1 && earnings[0].Status != StatusPaid {
			t.Errorf("%s: earning not paid: %s", referrer, earnings[0].Status)
		}
	}
}

func TestCascadeSkipsUnconfiguredLevels(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	linkChain(t, svc)

	// Only level 1 configured; level 2 silently skipped.
	svc.SetTier(ctx, &CommissionTier{Level: 1, EarningType: EarningTaskCompletion, Rate: money.MustParse("10"), Active: true})

	paid, err := svc.Cascade(ctx, "child", EarningTaskCompletion, money.MustParse("100.00"))
	if err != nil {
		t.Fatalf("cascade failed: %v", err)
	}
	if len(paid) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(paid))
	}
	if got := mainBalance(t, wallets, "grandparent"); got != "0.00" {
		t.Errorf("grandparent should earn nothing: %s", got)
	}
}

func TestCascadeFlatAmountWins(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	code, _ := svc.EnsureCode(ctx, "referrer")
	svc.LinkSignup(ctx, "referred", code.Code)

	svc.SetTier(ctx, &CommissionTier{
		Level:       1,
		EarningType: EarningSignup,
		Rate:        money.MustParse("10"),
		FlatAmount:  money.MustParse("5.00"),
		Active:      true,
	})

	// Flat bonus overrides the rate regardless of base amount.
	if _, err := svc.Cascade(ctx, "referred", EarningSignup, money.MustParse("1000.00")); err != nil {
		t.Fatalf("cascade failed: %v", err)
	}
	if got := mainBalance(t, wallets, "referrer"); got != "5.00" {
		t.Errorf("flat signup bonus: got %s, want 5.00", got)
	}
}

func TestCascadeNoReferrersIsNoOp(t *testing.T) {
	svc, _ := newTestService(t)

	paid, err := svc.Cascade(context.Background(), "orphan", EarningTaskCompletion, money.MustParse("100.00"))
	if err != nil {
		t.Fatalf("cascade failed: %v", err)
	}
	if len(paid) != 0 {
		t.Errorf("expected no payouts, got %d", len(paid))
	}
}

func TestTotalEarned(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	code, _ := svc.EnsureCode(ctx, "referrer")
	svc.LinkSignup(ctx, "referred", code.Code)
	svc.SetTier(ctx, &CommissionTier{Level: 1, EarningType: EarningTaskCompletion, Rate: money.MustParse("10"), Active: true})
	svc.SetTier(ctx, &CommissionTier{Level: 1, EarningType: EarningSubscription, Rate: money.MustParse("20"), Active: true})

	svc.Cascade(ctx, "referred", EarningTaskCompletion, money.MustParse("100.00"))
	svc.Cascade(ctx, "referred", EarningSubscription, money.MustParse("50.00"))

	total, err := svc.TotalEarned(ctx, "referrer")
	if err != nil {
		t.Fatalf("TotalEarned failed: %v", err)
	}
	if money.Format(total) != "20.00" {
		t.Errorf("expected total 20.00 (10 + 10), got %s", money.Format(total))
	}
}
