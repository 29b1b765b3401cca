package purchase

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
)

// Step is the purchase flow position. Steps only move forward within one
// flow; a new Begin starts again from Approving.
type Step int

const (
	Idle Step = iota
	Approving
	Approved
	Purchasing
	Done
	Failed
)

func (s Step) String() string {
	switch s {
	case Idle:
		return "idle"
	case Approving:
		return "approving"
	case Approved:
		return "approved"
	case Purchasing:
		return "purchasing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the step name in JSON.
func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a step name.
func (s *Step) UnmarshalText(b []byte) error {
	for st := Idle; st <= Failed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown purchase step %q", b)
}

// Progress is a snapshot of the single active purchase flow.
type Progress struct {
	FlowID       string         `json:"flow_id,omitempty"`
	Step         Step           `json:"step"`
	StepIndex    int            `json:"step_index"`
	ListingID    string         `json:"listing_id,omitempty"`
	ListingName  string         `json:"listing_name,omitempty"`
	Account      common.Address `json:"account"`
	ApproveHash  string         `json:"approve_tx_hash,omitempty"`
	PurchaseHash string         `json:"purchase_tx_hash,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	// Recheckable is set when the flow failed only because the confirmation
	// wait expired; the transaction may still confirm.
	Recheckable bool      `json:"recheckable,omitempty"`
	Visible     bool      `json:"visible"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`

	err error
}

// Err returns the failure cause of a Failed flow.
func (p Progress) Err() error { return p.err }

// InFlight reports whether a transaction phase is still running.
func (p Progress) InFlight() bool {
	return p.Step >= Approving && p.Step <= Purchasing
}

// Terminal reports Done or Failed.
func (p Progress) Terminal() bool {
	return p.Step == Done || p.Step == Failed
}

func (p *Progress) fail(err error) {
	p.Step = Failed
	p.err = err
	p.Error = errors.Reason(err)
	p.ErrorCode = errors.GetErrorCode(err)
	p.Recheckable = errors.Is(err, errors.ErrConfirmationTimeout)
}
