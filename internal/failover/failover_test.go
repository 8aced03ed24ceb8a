// Copyright 2026 fanjia1024
// Tests for the failover policy engine.

package failover

import (
	"testing"

	"saga-platform/internal/saga"
)

func TestDecideNoAvailabilitySuggestsAlternativeTime(t *testing.T) {
	e := NewEngine()
	d := e.Decide(Input{
		IntentType:    "reservation",
		FailureReason: saga.ReasonNoAvailability,
		Confidence:    0.9,
		PartySize:     2,
		TimeOfDay:     "14:00",
		DayOfWeek:     "tuesday",
	})

	if d.Policy != "no-availability-alt-time" {
		t.Fatalf("policy = %q, want no-availability-alt-time", d.Policy)
	}
	if d.Action != ActionSuggestAlternativeTime {
		t.Fatalf("action = %s, want %s", d.Action, ActionSuggestAlternativeTime)
	}

	wantTimes := []string{"13:00", "13:30", "14:30", "15:00"}
	var gotTimes []string
	for _, s := range d.Suggestions {
		if s.Action == ActionSuggestAlternativeTime {
			gotTimes = append(gotTimes, s.Params["time"].(string))
		}
	}
	if len(gotTimes) != len(wantTimes) {
		t.Fatalf("alternative times = %v, want %v", gotTimes, wantTimes)
	}
	for i, want := range wantTimes {
		if gotTimes[i] != want {
			t.Errorf("suggestion[%d] = %s, want %s", i, gotTimes[i], want)
		}
	}
}

func TestDecideLargePartyDowngrades(t *testing.T) {
	e := NewEngine()
	d := e.Decide(Input{
		IntentType:    "reservation",
		FailureReason: saga.ReasonNoAvailability,
		Confidence:    0.9,
		PartySize:     8,
		TimeOfDay:     "18:00",
		DayOfWeek:     "wednesday",
	})

	if d.Policy != "no-availability-large-party" {
		t.Fatalf("policy = %q, want no-availability-large-party", d.Policy)
	}
	if d.Action != ActionDowngradePartySize {
		t.Fatalf("action = %s, want %s", d.Action, ActionDowngradePartySize)
	}

	var sizes []int
	for _, s := range d.Suggestions {
		if s.Action == ActionDowngradePartySize {
			sizes = append(sizes, s.Params["guests"].(int))
		}
	}
	if len(sizes) != 2 || sizes[0] != 6 || sizes[1] != 4 {
		t.Fatalf("downgraded sizes = %v, want [6 4]", sizes)
	}
}

func TestDecidePrimeTimeWaitlist(t *testing.T) {
	e := NewEngine()
	d := e.Decide(Input{
		IntentType:    "reservation",
		FailureReason: saga.ReasonNoAvailability,
		Confidence:    0.8,
		PartySize:     2,
		TimeOfDay:     "20:00",
		DayOfWeek:     "friday",
	})

	if d.Policy != "prime-time-waitlist" {
		t.Fatalf("policy = %q, want prime-time-waitlist", d.Policy)
	}
	if d.Action != ActionTriggerWaitlist {
		t.Fatalf("action = %s, want %s", d.Action, ActionTriggerWaitlist)
	}
}

func TestDecideDeliveryFallbackOnTags(t *testing.T) {
	e := NewEngine()
	d := e.Decide(Input{
		IntentType:     "reservation",
		FailureReason:  saga.ReasonNoAvailability,
		Confidence:     0.9,
		PartySize:      2,
		TimeOfDay:      "12:00",
		DayOfWeek:      "tuesday",
		RestaurantTags: []string{"sichuan", "delivery"},
	})

	if d.Policy != "delivery-fallback" {
		t.Fatalf("policy = %q, want delivery-fallback", d.Policy)
	}
	if d.Action != ActionTriggerDelivery {
		t.Fatalf("action = %s, want %s", d.Action, ActionTriggerDelivery)
	}
	if d.Suggestions[0].Params["mode"] != "delivery" {
		t.Fatalf("suggestion params = %v, want mode=delivery", d.Suggestions[0].Params)
	}
}

func TestDecidePaymentRetryThenAbort(t *testing.T) {
	e := NewEngine()
	cases := []struct {
		attempt    int
		wantPolicy string
		wantAction Action
	}{
		{0, "payment-retry", ActionRetryWithBackoff},
		{1, "payment-retry", ActionRetryWithBackoff},
		{2, "payment-abort", ActionAbortAndRefund},
		{5, "payment-abort", ActionAbortAndRefund},
	}
	for _, tc := range cases {
		d := e.Decide(Input{
			FailureReason: saga.ReasonPaymentFailed,
			AttemptCount:  tc.attempt,
		})
		if d.Policy != tc.wantPolicy {
			t.Errorf("attempt %d: policy = %q, want %q", tc.attempt, d.Policy, tc.wantPolicy)
		}
		if d.Action != tc.wantAction {
			t.Errorf("attempt %d: action = %s, want %s", tc.attempt, d.Action, tc.wantAction)
		}
	}
}

func TestDecideRetrySuggestionCarriesBackoff(t *testing.T) {
	e := NewEngine()
	d := e.Decide(Input{FailureReason: saga.ReasonTimeout, AttemptCount: 1})

	if d.Action != ActionRetryWithBackoff {
		t.Fatalf("action = %s, want %s", d.Action, ActionRetryWithBackoff)
	}
	if got := d.Suggestions[0].Params["backoffMs"].(int64); got != 2000 {
		t.Fatalf("backoffMs = %d, want 2000", got)
	}
}

func TestDecideTransientRetryExhaustion(t *testing.T) {
	e := NewEngine()
	for _, reason := range []saga.FailureReason{saga.ReasonTimeout, saga.ReasonNetworkError, saga.ReasonRateLimited} {
		d := e.Decide(Input{FailureReason: reason, AttemptCount: 0})
		if d.Action != ActionRetryWithBackoff {
			t.Errorf("%s attempt 0: action = %s, want retry", reason, d.Action)
		}
		d = e.Decide(Input{FailureReason: reason, AttemptCount: 3})
		if d.Policy != "transient-exhausted" || d.Action != ActionEscalateToHuman {
			t.Errorf("%s attempt 3: got %q/%s, want transient-exhausted/escalate", reason, d.Policy, d.Action)
		}
	}
}

func TestDecideIntentGateExcludesForeignIntents(t *testing.T) {
	e := NewEngine()
	d := e.Decide(Input{
		IntentType:    "order_pizza",
		FailureReason: saga.ReasonNoAvailability,
		Confidence:    0.9,
	})

	if d.Policy != "default-escalate" {
		t.Fatalf("policy = %q, want default-escalate (reservation policies must be gated out)", d.Policy)
	}
	if d.Action != ActionEscalateToHuman {
		t.Fatalf("action = %s, want %s", d.Action, ActionEscalateToHuman)
	}
}

func TestDecideUnknownReasonFallsThrough(t *testing.T) {
	e := NewEngine()
	d := e.Decide(Input{FailureReason: saga.ReasonToolError})

	if d.Policy != "default-escalate" || d.Action != ActionEscalateToHuman {
		t.Fatalf("got %q/%s, want default-escalate/escalate", d.Policy, d.Action)
	}
}

func TestDecideNoMatchReturnsZeroDecision(t *testing.T) {
	e := NewEngine(Policy{
		Name:    "payments-only",
		When:    Condition{Reasons: []saga.FailureReason{saga.ReasonPaymentFailed}},
		Actions: []Action{ActionRetryWithBackoff},
	})
	d := e.Decide(Input{FailureReason: saga.ReasonTimeout})

	if d.Policy != "" || d.Score != 0 {
		t.Fatalf("decision = %+v, want empty policy with zero score", d)
	}
	if d.Action != ActionEscalateToHuman {
		t.Fatalf("fallback action = %s, want %s", d.Action, ActionEscalateToHuman)
	}
}

func TestBackoffMs(t *testing.T) {
	cases := []struct {
		attempt int
		want    int64
	}{
		{0, 1000},
		{1, 2000},
		{2, 4000},
		{4, 16000},
		{5, 30000},
		{20, 30000},
		{-1, 1000},
	}
	for _, tc := range cases {
		if got := BackoffMs(tc.attempt); got != tc.want {
			t.Errorf("BackoffMs(%d) = %d, want %d", tc.attempt, got, tc.want)
		}
	}
}

func TestDowngradeSizes(t *testing.T) {
	cases := []struct {
		n    int
		want []int
	}{
		{8, []int{6, 4}},
		{4, []int{2}},
		{3, []int{1}},
		{2, []int{1}},
		{1, nil},
		{0, nil},
	}
	for _, tc := range cases {
		got := downgradeSizes(tc.n)
		if len(got) != len(tc.want) {
			t.Errorf("downgradeSizes(%d) = %v, want %v", tc.n, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("downgradeSizes(%d) = %v, want %v", tc.n, got, tc.want)
				break
			}
		}
	}
}

func TestClockWithinWrapsMidnight(t *testing.T) {
	late := ClockRange{From: "22:00", To: "02:00"}
	cases := []struct {
		clock string
		want  bool
	}{
		{"23:30", true},
		{"01:00", true},
		{"12:00", false},
		{"22:00", true},
		{"02:00", true},
		{"bogus", false},
	}
	for _, tc := range cases {
		if got := clockWithin(tc.clock, late); got != tc.want {
			t.Errorf("clockWithin(%q) = %v, want %v", tc.clock, got, tc.want)
		}
	}
}

func TestOffsetClockDropsOutOfDay(t *testing.T) {
	if _, ok := offsetClock("00:15", -30); ok {
		t.Error("offset before midnight should be dropped")
	}
	if _, ok := offsetClock("23:45", 30); ok {
		t.Error("offset past midnight should be dropped")
	}
	if alt, ok := offsetClock("19:00", 30); !ok || alt != "19:30" {
		t.Errorf("offsetClock(19:00, +30) = %q/%v, want 19:30/true", alt, ok)
	}
}

func TestMaterializeWithoutTimeOfDay(t *testing.T) {
	sugs := materialize([]Action{ActionSuggestAlternativeTime, ActionSuggestAlternativeRestaurant}, Input{PartySize: 2})

	for _, s := range sugs {
		if s.Action == ActionSuggestAlternativeTime {
			t.Fatal("no time suggestions expected without a parseable time of day")
		}
	}
	if len(sugs) != 1 || sugs[0].Action != ActionSuggestAlternativeRestaurant {
		t.Fatalf("suggestions = %+v, want a single alternative-restaurant entry", sugs)
	}
}
