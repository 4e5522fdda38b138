package events

import (
	"encoding/json"
	"testing"

	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

func TestMultiPublishesToEverySink(t *testing.T) {
	var a, b Recorder
	sink := Multi{&a, Discard{}, &b}

	sink.Publish(New(model.SettlePnlRecord{MarketIndex: 1, Pnl: fixedpoint.New(5)}))
	sink.Publish(New(model.CurveRecord{MarketIndex: 1}))

	for name, r := range map[string]*Recorder{"a": &a, "b": &b} {
		kinds := r.Kinds()
		if len(kinds) != 2 || kinds[0] != "settle_pnl" || kinds[1] != "curve" {
			t.Errorf("%s: kinds = %v", name, kinds)
		}
	}
}

func TestNewAssignsDistinctIDs(t *testing.T) {
	e1 := New(model.TradeRecord{})
	e2 := New(model.TradeRecord{})
	if e1.ID == e2.ID {
		t.Fatal("expected distinct event ids")
	}
	if e1.Kind != "trade" {
		t.Errorf("kind = %q, want trade", e1.Kind)
	}
}

func TestEventJSON(t *testing.T) {
	e := New(model.SettlePnlRecord{TS: 10, MarketIndex: 2, Pnl: fixedpoint.New(-30)})
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		Kind    string `json:"kind"`
		Payload struct {
			MarketIndex uint16         `json:"market_index"`
			Pnl         fixedpoint.Int `json:"pnl"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != "settle_pnl" || got.Payload.MarketIndex != 2 || !got.Payload.Pnl.Eq(fixedpoint.New(-30)) {
		t.Errorf("decoded %+v", got)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("funding_rate"); got != "perp.events.funding_rate" {
		t.Errorf("Subject = %q", got)
	}
}
