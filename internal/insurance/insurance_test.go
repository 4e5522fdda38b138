package insurance

import (
	"errors"
	"math/rand"
	"testing"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

func n(v int64) fp.Int { return fp.New(v) }

func fundMarket() *model.SpotMarket {
	return &model.SpotMarket{
		Symbol:   "USDC",
		Decimals: 6,
		InsuranceFund: model.InsuranceFund{
			UnstakingPeriod: 100,
		},
	}
}

func stakeOf(t *testing.T, m *model.SpotMarket, stake *model.InsuranceFundStake, amount, vault int64) {
	t.Helper()
	if _, err := AddStake(n(amount), n(vault), stake, m, 0); err != nil {
		t.Fatalf("AddStake(%d, %d): %v", amount, vault, err)
	}
}

// --- Share conversion tests ---

func TestVaultAmountToIFShares(t *testing.T) {
	tests := []struct {
		name         string
		amount       int64
		total, vault int64
		want         int64
	}{
		{"empty vault mints one to one", 100, 0, 0, 100},
		{"share price of one half", 50, 1000, 500, 100},
		{"share price of two", 50, 1000, 2000, 25},
		{"rounds down", 1, 3, 2, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := VaultAmountToIFShares(n(tc.amount), n(tc.total), n(tc.vault))
			if err != nil {
				t.Fatalf("VaultAmountToIFShares: %v", err)
			}
			if !got.Eq(n(tc.want)) {
				t.Errorf("shares = %s, want %d", got, tc.want)
			}
		})
	}

	if _, err := VaultAmountToIFShares(n(10), n(5), fp.Zero); !errors.Is(err, ErrInvariant) {
		t.Errorf("shares against empty vault: err = %v, want ErrInvariant", err)
	}
}

func TestIFSharesToVaultAmount(t *testing.T) {
	got, err := IFSharesToVaultAmount(n(100), n(1000), n(500))
	if err != nil {
		t.Fatalf("IFSharesToVaultAmount: %v", err)
	}
	if !got.Eq(n(50)) {
		t.Errorf("amount = %s, want 50", got)
	}

	if got, err := IFSharesToVaultAmount(fp.Zero, fp.Zero, n(500)); err != nil || !got.IsZero() {
		t.Errorf("no shares = (%s, %v), want (0, nil)", got, err)
	}
	if _, err := IFSharesToVaultAmount(n(1001), n(1000), n(500)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("err = %v, want ErrInsufficientShares", err)
	}
}

func TestShareConversion_RoundTripNeverGains(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		amount := 1 + r.Int63n(1_000_000_000_000)
		total := r.Int63n(1_000_000_000_000_000)
		vault := 1 + r.Int63n(1_000_000_000_000_000)

		shares, err := VaultAmountToIFShares(n(amount), n(total), n(vault))
		if err != nil {
			t.Fatalf("VaultAmountToIFShares(%d, %d, %d): %v", amount, total, vault, err)
		}
		totalAfter, _ := fp.C(n(total)).Add(shares).Result()
		back, err := IFSharesToVaultAmount(shares, totalAfter, n(vault+amount))
		if err != nil {
			t.Fatalf("IFSharesToVaultAmount: %v", err)
		}
		if back.Gt(n(amount)) {
			t.Fatalf("amount %d, total %d, vault %d: %s shares redeem for %s", amount, total, vault, shares, back)
		}
		if shares.Lte(n(total)) {
			before, err := IFSharesToVaultAmount(shares, n(total), n(vault))
			if err != nil {
				t.Fatalf("IFSharesToVaultAmount: %v", err)
			}
			if before.Gt(n(amount)) {
				t.Fatalf("amount %d, total %d, vault %d: %s shares worth %s before the deposit", amount, total, vault, shares, before)
			}
		}
	}
}

func TestStakeThenUnstake_NeverPaysMoreThanDeposit(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	completed := 0
	for i := 0; i < 500; i++ {
		amount := 1 + r.Int63n(1_000_000_000_000)
		total := 1 + r.Int63n(1_000_000_000_000_000)
		vault := 1 + r.Int63n(1_000_000_000_000_000)

		m := fundMarket()
		m.InsuranceFund.TotalShares = n(total)
		m.InsuranceFund.UserShares = n(total)
		a := &model.InsuranceFundStake{}

		if _, err := AddStake(n(amount), n(vault), a, m, 0); errors.Is(err, ErrInvalidAmount) {
			continue
		} else if err != nil {
			t.Fatalf("AddStake(%d, %d) with %d shares: %v", amount, vault, total, err)
		}
		vaultAfter := n(vault + amount)
		worth, err := IFSharesToVaultAmount(a.IFShares, m.InsuranceFund.TotalShares, vaultAfter)
		if err != nil {
			t.Fatalf("IFSharesToVaultAmount: %v", err)
		}
		if _, err := RequestRemove(worth, vaultAfter, a, m, 0); errors.Is(err, ErrInvalidAmount) {
			continue
		} else if err != nil {
			t.Fatalf("RequestRemove(%s) after staking %d into %d: %v", worth, amount, vault, err)
		}
		paid, _, err := RemoveStake(vaultAfter, a, m, m.InsuranceFund.UnstakingPeriod)
		if err != nil {
			t.Fatalf("RemoveStake after staking %d into %d: %v", amount, vault, err)
		}
		if paid.Gt(n(amount)) {
			t.Fatalf("staked %d into vault %d with %d shares, unstaked %s", amount, vault, total, paid)
		}
		completed++
	}
	if completed == 0 {
		t.Fatal("no stake completed a round trip")
	}
}

// --- Rebase tests ---

func TestCalculateRebaseInfo(t *testing.T) {
	tests := []struct {
		total, vault int64
		expo         uint32
		divisor      int64
	}{
		{1_000_000_000_000, 100, 9, 1_000_000_000},
		{500_000, 1000, 1, 10},
		{5000, 1000, 0, 1},
	}
	for _, tc := range tests {
		expo, divisor, err := CalculateRebaseInfo(n(tc.total), n(tc.vault))
		if err != nil {
			t.Fatalf("CalculateRebaseInfo(%d, %d): %v", tc.total, tc.vault, err)
		}
		if expo != tc.expo || !divisor.Eq(n(tc.divisor)) {
			t.Errorf("CalculateRebaseInfo(%d, %d) = (%d, %s), want (%d, %d)",
				tc.total, tc.vault, expo, divisor, tc.expo, tc.divisor)
		}
	}
}

func TestAddStake_RebasesFundAndStake(t *testing.T) {
	m := fundMarket()
	m.InsuranceFund.TotalShares = n(1_000_000_000_000)
	m.InsuranceFund.UserShares = n(1_000_000_000_000)
	stake := &model.InsuranceFundStake{IFShares: n(1_000_000_000_000)}

	stakeOf(t, m, stake, 100, 100)

	if m.InsuranceFund.SharesBase != 9 || stake.IFBase != 9 {
		t.Errorf("bases = (%d, %d), want (9, 9)", m.InsuranceFund.SharesBase, stake.IFBase)
	}
	if !stake.IFShares.Eq(n(2000)) || !m.InsuranceFund.TotalShares.Eq(n(2000)) {
		t.Errorf("shares = (%s, %s), want (2000, 2000)", stake.IFShares, m.InsuranceFund.TotalShares)
	}
	if got, err := CheckedIFShares(stake, m); err != nil || !got.Eq(n(2000)) {
		t.Errorf("CheckedIFShares = (%s, %v), want (2000, nil)", got, err)
	}
}

func TestApplyRebaseToInsuranceFundStake_AheadOfFund(t *testing.T) {
	m := fundMarket()
	stake := &model.InsuranceFundStake{IFShares: n(10), IFBase: 2}
	if err := ApplyRebaseToInsuranceFundStake(stake, m); !errors.Is(err, ErrInvalidRebase) {
		t.Errorf("err = %v, want ErrInvalidRebase", err)
	}
	if _, err := CheckedIFShares(stake, m); !errors.Is(err, ErrInvalidRebase) {
		t.Errorf("CheckedIFShares err = %v, want ErrInvalidRebase", err)
	}
}

// --- Stake lifecycle tests ---

func TestStakeLifecycle_CancelForfeitsGains(t *testing.T) {
	m := fundMarket()
	a := &model.InsuranceFundStake{}
	b := &model.InsuranceFundStake{}

	stakeOf(t, m, a, 1000, 0)
	// Revenue doubles the vault before b joins.
	stakeOf(t, m, b, 500, 2000)
	if !b.IFShares.Eq(n(250)) || !m.InsuranceFund.TotalShares.Eq(n(1250)) {
		t.Fatalf("after b: shares = (%s, %s), want (250, 1250)", b.IFShares, m.InsuranceFund.TotalShares)
	}

	rec, err := RequestRemove(n(1000), n(2500), a, m, 10)
	if err != nil {
		t.Fatalf("RequestRemove: %v", err)
	}
	if !a.LastWithdrawRequestShares.Eq(n(500)) || !a.LastWithdrawRequestValue.Eq(n(1000)) {
		t.Errorf("request = (%s shares, %s value), want (500, 1000)",
			a.LastWithdrawRequestShares, a.LastWithdrawRequestValue)
	}
	if rec.Action != ActionUnstakeRequest || !rec.Amount.Eq(n(1000)) {
		t.Errorf("record = %+v", rec)
	}

	if _, err := AddStake(n(10), n(2500), a, m, 20); !errors.Is(err, ErrRequestInProgress) {
		t.Errorf("AddStake during request: err = %v, want ErrRequestInProgress", err)
	}
	if _, err := RequestRemove(n(10), n(2500), a, m, 20); !errors.Is(err, ErrRequestInProgress) {
		t.Errorf("second RequestRemove: err = %v, want ErrRequestInProgress", err)
	}
	if _, _, err := RemoveStake(n(2500), a, m, 50); !errors.Is(err, ErrUnstakingPeriod) {
		t.Errorf("early RemoveStake: err = %v, want ErrUnstakingPeriod", err)
	}

	// The vault grows to 3750 while the request is pending: the 500 shares
	// are now worth 1500 but only 1000 was requested.
	lost, err := CalculateIFSharesLost(a, m, n(3750))
	if err != nil {
		t.Fatalf("CalculateIFSharesLost: %v", err)
	}
	if !lost.Eq(n(228)) {
		t.Errorf("lost = %s, want 228", lost)
	}
	if _, err := CancelRequestRemove(n(3750), a, m, 60); err != nil {
		t.Fatalf("CancelRequestRemove: %v", err)
	}
	if !a.IFShares.Eq(n(772)) || !m.InsuranceFund.TotalShares.Eq(n(1022)) || !m.InsuranceFund.UserShares.Eq(n(1022)) {
		t.Errorf("after cancel: shares = (%s, %s, %s), want (772, 1022, 1022)",
			a.IFShares, m.InsuranceFund.TotalShares, m.InsuranceFund.UserShares)
	}
	if a.HasPendingRequest() || a.LastWithdrawRequestTS != 60 {
		t.Errorf("request not reset: %+v", a)
	}
	if _, err := CancelRequestRemove(n(3750), a, m, 70); !errors.Is(err, ErrNoRequest) {
		t.Errorf("second cancel: err = %v, want ErrNoRequest", err)
	}
}

func TestRemoveStake_PaysLesserOfWorthAndRequest(t *testing.T) {
	m := fundMarket()
	a := &model.InsuranceFundStake{}
	stakeOf(t, m, a, 1000, 0)

	if _, err := RequestRemove(n(400), n(1000), a, m, 0); err != nil {
		t.Fatalf("RequestRemove: %v", err)
	}
	// A loss drains the vault to 800 during the unstaking period.
	amount, rec, err := RemoveStake(n(800), a, m, 100)
	if err != nil {
		t.Fatalf("RemoveStake: %v", err)
	}
	if !amount.Eq(n(320)) {
		t.Errorf("amount = %s, want 320", amount)
	}
	if !a.IFShares.Eq(n(600)) || !m.InsuranceFund.TotalShares.Eq(n(600)) || !a.CostBasis.Eq(n(680)) {
		t.Errorf("after remove: shares %s, total %s, cost basis %s; want 600, 600, 680",
			a.IFShares, m.InsuranceFund.TotalShares, a.CostBasis)
	}
	if rec.Action != ActionUnstake || !rec.IFSharesBefore.Eq(n(1000)) || !rec.IFSharesAfter.Eq(n(600)) {
		t.Errorf("record = %+v", rec)
	}
	if a.HasPendingRequest() {
		t.Error("request still pending after removal")
	}
}

func TestRequestRemove_KeepsVaultPositive(t *testing.T) {
	m := fundMarket()
	a := &model.InsuranceFundStake{}
	stakeOf(t, m, a, 1000, 0)

	if _, err := RequestRemove(n(1000), n(1000), a, m, 0); err != nil {
		t.Fatalf("RequestRemove: %v", err)
	}
	if !a.LastWithdrawRequestValue.Eq(n(999)) {
		t.Errorf("request value = %s, want 999", a.LastWithdrawRequestValue)
	}
	amount, _, err := RemoveStake(n(1000), a, m, 100)
	if err != nil {
		t.Fatalf("RemoveStake: %v", err)
	}
	if !amount.Eq(n(999)) || !m.InsuranceFund.TotalShares.IsZero() {
		t.Errorf("remove = %s with %s shares left, want 999 with 0", amount, m.InsuranceFund.TotalShares)
	}
}

func TestAddStake_Validation(t *testing.T) {
	m := fundMarket()
	a := &model.InsuranceFundStake{}
	if _, err := AddStake(fp.Zero, fp.Zero, a, m, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero stake: err = %v, want ErrInvalidAmount", err)
	}
	m.InsuranceFund.TotalShares = n(10)
	if _, err := AddStake(n(10), fp.Zero, a, m, 0); !errors.Is(err, ErrInvariant) {
		t.Errorf("empty vault with shares: err = %v, want ErrInvariant", err)
	}
}
