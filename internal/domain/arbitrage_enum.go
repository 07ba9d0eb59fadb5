package domain

import "fmt"

type FeedModeEnum int

const (
	Stream FeedModeEnum = iota
	Scheduled
)

func (e FeedModeEnum) String() string {
	return []string{"Stream", "Scheduled"}[e]
}

type TradeStatus int

const (
	Profit TradeStatus = iota
	Loss
	Failed
)

var tradeStatusNames = []string{"PROFIT", "LOSS", "FAILED"}

func (e TradeStatus) String() string {
	return tradeStatusNames[e]
}

func (e TradeStatus) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *TradeStatus) UnmarshalText(text []byte) error {
	for i, n := range tradeStatusNames {
		if n == string(text) {
			*e = TradeStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown trade status %q", text)
}

// RunState is a step of one orchestration run.
type RunState int

const (
	Idle RunState = iota
	Priced
	Validated
	Leg1Submitted
	Leg2Submitted
	Settled
	Aborted
	PartialFailure
)

func (e RunState) String() string {
	return []string{"IDLE", "PRICED", "VALIDATED", "LEG1_SUBMITTED", "LEG2_SUBMITTED", "SETTLED", "ABORTED", "PARTIAL_FAILURE"}[e]
}

func (e RunState) Terminal() bool {
	return e == Settled || e == Aborted || e == PartialFailure
}

// FailureKind qualifies a FAILED ledger entry.
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureLeg1    FailureKind = "LEG1_FAILED"
	FailurePartial FailureKind = "PARTIAL_FAILURE"
)
