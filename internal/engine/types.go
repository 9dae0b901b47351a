package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/NodePath81/fbspeed/internal/rating"
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePing     Phase = "ping"
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
	PhaseComplete Phase = "complete"
)

// FailureMessage is what a user sees when a run faults.
const FailureMessage = "Speed test failed. Please try again."

var (
	ErrBusy      = errors.New("speed test already running")
	ErrCancelled = fmt.Errorf("speed test cancelled: %w", context.Canceled)
)

// FaultError reports a run that failed for a reason other than cancellation.
type FaultError struct {
	Phase Phase
	Err   error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// Result is the immutable record of a completed run.
type Result struct {
	RunID           string  `json:"runId"`
	Download        float64 `json:"download"`
	Upload          float64 `json:"upload"`
	Ping            float64 `json:"ping"`
	Jitter          float64 `json:"jitter"`
	IP              string  `json:"ip"`
	ISP             string  `json:"isp"`
	City            string  `json:"city"`
	Region          string  `json:"region"`
	Country         string  `json:"country"`
	CountryCode     string  `json:"countryCode"`
	Server          string  `json:"server"`
	Timestamp       string  `json:"timestamp"`
	CalculationTime float64 `json:"calculationTime"`
}

type Ratings struct {
	Download rating.Descriptor `json:"download"`
	Upload   rating.Descriptor `json:"upload"`
	Ping     rating.Descriptor `json:"ping"`
}

type Report struct {
	Result  Result  `json:"result"`
	Ratings Ratings `json:"ratings"`
}

// NewReport classifies r.
func NewReport(r Result) Report {
	return Report{
		Result: r,
		Ratings: Ratings{
			Download: rating.Speed(r.Download),
			Upload:   rating.Speed(r.Upload),
			Ping:     rating.Ping(r.Ping),
		},
	}
}

// Session is the observable state of the current run.
type Session struct {
	Phase        Phase   `json:"phase"`
	Progress     float64 `json:"progress"`
	CurrentSpeed float64 `json:"currentSpeed"`
	Result       *Result `json:"result,omitempty"`
	Error        string  `json:"error,omitempty"`
}

type Update struct {
	RunID        string  `json:"run_id"`
	Phase        Phase   `json:"phase"`
	Progress     float64 `json:"progress"`
	CurrentSpeed float64 `json:"current_speed"`
	Result       *Result `json:"result,omitempty"`
	Error        string  `json:"error,omitempty"`
}

type UpdateFunc func(Update)

func idleSession() Session {
	return Session{Phase: PhaseIdle}
}
