package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest covers calls created in [From, To) for one org.
type CallsSummaryRequest struct {
	OrgID string    `json:"orgId"`
	Range TimeRange `json:"range"`
}

type CallsSummary struct {
	OrgID string    `json:"orgId"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`

	TotalCalls    int `json:"totalCalls"`
	RingingCalls  int `json:"ringingCalls"`
	ActiveCalls   int `json:"activeCalls"`
	EndedCalls    int `json:"endedCalls"`
	DeclinedCalls int `json:"declinedCalls"`
	CanceledCalls int `json:"canceledCalls"`
	MissedCalls   int `json:"missedCalls"`

	// AnsweredCalls counts calls a responder accepted, whether or not they ended yet.
	AnsweredCalls int     `json:"answeredCalls"`
	AnswerRate    float64 `json:"answerRate"`

	TotalTalkSeconds   int64 `json:"totalTalkSeconds"`
	AverageTalkSeconds int64 `json:"averageTalkSeconds"`
	AverageWaitSeconds int64 `json:"averageWaitSeconds"`

	// AnsweredByResponder maps responder id to answered calls.
	AnsweredByResponder map[string]int `json:"answeredByResponder,omitempty"`
}
