package mirror_test

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"github.com/bitpredict/market-ledger/internal/amm"
	"github.com/bitpredict/market-ledger/internal/clock"
	"github.com/bitpredict/market-ledger/internal/ledger"
	"github.com/bitpredict/market-ledger/internal/mirror"
	"github.com/bitpredict/market-ledger/internal/model"
	"github.com/bitpredict/market-ledger/internal/store"
)

const admin = "0xAdmin"

var users = []string{admin, "0xA", "0xB", "0xC", ""}

// sameOutcome fails unless both calls failed with the same kind or both
// succeeded.
func sameOutcome(t *rapid.T, op string, ledgerErr, mirrorErr error) bool {
	if (ledgerErr == nil) != (mirrorErr == nil) {
		t.Fatalf("%s: ledger err=%v mirror err=%v", op, ledgerErr, mirrorErr)
	}
	if ledgerErr != nil {
		lk, mk := model.Kind(ledgerErr), model.Kind(mirrorErr)
		if lk == "" || lk != mk {
			t.Fatalf("%s: ledger kind %q (%v), mirror kind %q (%v)", op, lk, ledgerErr, mk, mirrorErr)
		}
		return false
	}
	return true
}

func drawAmount(t *rapid.T) uint64 {
	return rapid.OneOf(
		rapid.Uint64Range(0, 1_500),
		rapid.Uint64Range(1_000, 10_000_000),
		rapid.Uint64Range(1<<32, 1<<36), // shares * pool passes 2^64 at settlement
		rapid.Uint64Range(1<<40, 1<<56),
		rapid.Uint64Range(1<<62, 1<<64-1),
	).Draw(t, "amount")
}

// TestConformance replays random operation sequences through the ledger and
// an independently driven replica, and checks results, error kinds and
// market state after every step. A second replica follows the ledger's
// event stream and must never diverge.
func TestConformance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		params := amm.DefaultParams()
		mm, err := amm.NewMarketMaker(params)
		if err != nil {
			t.Fatalf("market maker: %v", err)
		}
		clk := clock.NewManual(1_000)

		follower := mirror.New(mirror.NewReplica(params))
		follower.Replica().SetAdministrator(admin)
		l := ledger.New(store.NewMemoryStore(), mm, clk, ledger.WithSinks(follower))
		if err := l.Bootstrap(ctx, admin); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		r := mirror.NewReplica(params)
		r.SetAdministrator(admin)

		var markets uint64
		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			now := clk.Now()
			switch rapid.IntRange(0, 6).Draw(t, "op") {
			case 0:
				caller := rapid.SampledFrom(users).Draw(t, "caller")
				end := now + rapid.Uint64Range(0, 300).Draw(t, "duration")
				lid, lerr := l.CreateMarket(ctx, caller, ledger.MarketSpec{EndTime: end})
				rid, rerr := r.CreateMarket(caller, end, now, nil)
				if sameOutcome(t, "create", lerr, rerr) {
					if lid != rid {
						t.Fatalf("create: ledger id %d, mirror id %d", lid, rid)
					}
					markets = lid
				}

			case 1, 2:
				caller := rapid.SampledFrom(users).Draw(t, "caller")
				id := rapid.Uint64Range(0, markets+1).Draw(t, "market")
				side := rapid.SampledFrom([]model.Side{model.SideYes, model.SideNo, model.SideUnknown}).Draw(t, "side")
				amount := drawAmount(t)
				var minOut uint64
				if rapid.Bool().Draw(t, "bounded") {
					minOut = rapid.Uint64Range(0, 20_000).Draw(t, "minOut")
				}
				ev, lerr := l.BuyShares(ctx, caller, ledger.BuyOrder{MarketID: id, Side: side, Amount: amount, MinSharesOut: minOut})
				q, rerr := r.Buy(caller, id, side, amount, minOut, now)
				if sameOutcome(t, "buy", lerr, rerr) {
					if ev.Shares != q.Shares || ev.Fee != q.Fee || ev.NetAmount != q.NetAmount || ev.PriceYesBps != q.PriceYesBps {
						t.Fatalf("buy: ledger %+v, mirror %+v", ev, q)
					}
				}

			case 3:
				clk.Advance(rapid.Uint64Range(0, 150).Draw(t, "advance"))

			case 4:
				caller := rapid.SampledFrom(users).Draw(t, "caller")
				id := rapid.Uint64Range(0, markets+1).Draw(t, "market")
				outcome := rapid.SampledFrom([]model.Side{model.SideYes, model.SideNo, model.SideUnknown}).Draw(t, "outcome")
				_, lerr := l.ResolveMarket(ctx, caller, id, outcome)
				rerr := r.Resolve(caller, id, outcome, now)
				sameOutcome(t, "resolve", lerr, rerr)

			case 5:
				user := rapid.SampledFrom(users).Draw(t, "user")
				id := rapid.Uint64Range(0, markets+1).Draw(t, "market")
				ev, lerr := l.ClaimPayout(ctx, user, id)
				payout, rerr := r.Claim(user, id)
				if sameOutcome(t, "claim", lerr, rerr) && ev.Payout != payout {
					t.Fatalf("claim: ledger payout %d, mirror payout %d", ev.Payout, payout)
				}

			case 6:
				caller := rapid.SampledFrom(users).Draw(t, "caller")
				next := rapid.SampledFrom(users).Draw(t, "next")
				_, lerr := l.RotateAdministrator(ctx, caller, next)
				rerr := r.Rotate(caller, next)
				sameOutcome(t, "rotate", lerr, rerr)
			}

			for id := uint64(1); id <= markets; id++ {
				m, err := l.GetMarket(ctx, id)
				if err != nil {
					t.Fatalf("ledger market %d: %v", id, err)
				}
				st, ok := r.Market(id)
				if !ok || st != mirror.StateOf(m) {
					t.Fatalf("market %d: ledger %+v, mirror %+v", id, mirror.StateOf(m), st)
				}
				for _, u := range users[:4] {
					lp, _ := l.GetPosition(ctx, id, u)
					if rp := r.Position(id, u); *lp != rp {
						t.Fatalf("position %d/%s: ledger %+v, mirror %+v", id, u, *lp, rp)
					}
				}
			}
		}

		if d := follower.Divergences(); d != 0 {
			t.Fatalf("event follower diverged %d times", d)
		}
	})
}
