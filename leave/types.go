// Package leave implements the leave ledger: per-employee, per-leave-type
// accrual, pending and taken days, and the request lifecycle that moves days
// between them.
package leave

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
)

const (
	KindLeaveType generic.Kind = "leave_type"
	KindBalance   generic.Kind = "leave_balance"
	KindRequest   generic.Kind = "leave_request"
)

const (
	AuditRequestSubmitted generic.AuditAction = "leave.request_submitted"
	AuditRequestApproved  generic.AuditAction = "leave.request_approved"
	AuditRequestRejected  generic.AuditAction = "leave.request_rejected"
	AuditRequestCancelled generic.AuditAction = "leave.request_cancelled"
	AuditBalanceAdjusted  generic.AuditAction = "leave.balance_adjusted"
	AuditBalanceAccrued   generic.AuditAction = "leave.balance_accrued"
	AuditBalanceRolled    generic.AuditAction = "leave.balance_rolled_over"
	AuditCarryOverExpired generic.AuditAction = "leave.carry_over_expired"
	AuditBalanceClosed    generic.AuditAction = "leave.balance_closed"
)

// =============================================================================
// LEAVE TYPE - read-only catalog entry
// =============================================================================

type AccrualMethod string

const (
	AccrualMonthly AccrualMethod = "monthly"
	AccrualAnnual  AccrualMethod = "annual"
	AccrualNone    AccrualMethod = "none"
)

type LeaveType struct {
	generic.Versioned
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	AccrualMethod   AccrualMethod   `json:"accrual_method"`
	AccrualRate     decimal.Decimal `json:"accrual_rate"`
	CycleStartMonth time.Month      `json:"cycle_start_month"`

	// CarryOverLimit caps days carried into a new cycle; nil is unlimited.
	CarryOverLimit *decimal.Decimal `json:"carry_over_limit,omitempty"`
	// CarryOverExpiryMonths forfeits unused carried days this many months
	// into the new cycle; zero means they never expire.
	CarryOverExpiryMonths int `json:"carry_over_expiry_months"`

	AllowNegativeBalance bool `json:"allow_negative_balance"`
	RequiresAttachment   bool `json:"requires_attachment"`
	IsPaid               bool `json:"is_paid"`
}

func (t *LeaveType) AggregateID() string { return t.ID }

func (t *LeaveType) Validate() error {
	if t.ID == "" {
		return generic.NewValidationError("id", "is required")
	}
	switch t.AccrualMethod {
	case AccrualMonthly, AccrualAnnual, AccrualNone:
	default:
		return generic.NewValidationError("accrual_method", "unknown method %q", t.AccrualMethod)
	}
	if t.AccrualRate.IsNegative() {
		return generic.NewValidationError("accrual_rate", "must not be negative")
	}
	if t.CycleStartMonth < time.January || t.CycleStartMonth > time.December {
		return generic.NewValidationError("cycle_start_month", "must be 1-12")
	}
	if t.CarryOverLimit != nil && t.CarryOverLimit.IsNegative() {
		return generic.NewValidationError("carry_over_limit", "must not be negative")
	}
	return nil
}

// CycleStart returns the first day of the leave cycle containing d.
func (t *LeaveType) CycleStart(d generic.Date) generic.Date {
	year := d.Year()
	if d.Month() < t.CycleStartMonth {
		year--
	}
	return generic.NewDate(year, t.CycleStartMonth, 1)
}

// =============================================================================
// BALANCE - one row per (employee, leave type)
// =============================================================================

// Balance keeps available = accrued - taken - pending. Every change to it is
// mirrored by ledger transactions whose deltas sum to Available.
type Balance struct {
	generic.Versioned
	EmployeeID  string          `json:"employee_id"`
	LeaveTypeID string          `json:"leave_type_id"`
	Accrued     decimal.Decimal `json:"accrued"`
	Taken       decimal.Decimal `json:"taken"`
	Pending     decimal.Decimal `json:"pending"`

	CycleStart         generic.Date    `json:"cycle_start"`
	CarriedOver        decimal.Decimal `json:"carried_over"`
	TakenAtCycleStart  decimal.Decimal `json:"taken_at_cycle_start"`
	CarryOverExpiresOn generic.Date    `json:"carry_over_expires_on"`

	Locked   bool         `json:"locked"`
	ClosedOn generic.Date `json:"closed_on"`
}

func BalanceID(employeeID, leaveTypeID string) string {
	return employeeID + ":" + leaveTypeID
}

func (b *Balance) AggregateID() string { return BalanceID(b.EmployeeID, b.LeaveTypeID) }

func (b *Balance) Available() decimal.Decimal {
	return b.Accrued.Sub(b.Taken).Sub(b.Pending)
}

func (b *Balance) IsNegative() bool { return b.Available().IsNegative() }

func (b *Balance) entity() generic.EntityID   { return generic.EntityID(b.EmployeeID) }
func (b *Balance) account() generic.AccountID { return generic.AccountID(b.LeaveTypeID) }

// =============================================================================
// REQUEST
// =============================================================================

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusCancelled},
}

// CanTransition is the single legality check for request status changes.
// Cancelling an approved request additionally requires the leave to start
// in the future; the service checks that.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range requestTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Request struct {
	generic.Versioned
	ID            string          `json:"id"`
	EmployeeID    string          `json:"employee_id"`
	LeaveTypeID   string          `json:"leave_type_id"`
	StartDate     generic.Date    `json:"start_date"`
	EndDate       generic.Date    `json:"end_date"`
	Days          decimal.Decimal `json:"days"`
	Reason        string          `json:"reason,omitempty"`
	AttachmentRef string          `json:"attachment_ref,omitempty"`
	IsPaid        bool            `json:"is_paid"`
	Status        RequestStatus   `json:"status"`

	DecidedBy       string     `json:"decided_by,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (r *Request) AggregateID() string { return r.ID }

func (r *Request) transition(to RequestStatus, op string) error {
	if !CanTransition(r.Status, to) {
		return &generic.InvalidStateError{Entity: "leave request", ID: r.ID, Current: string(r.Status), Operation: op}
	}
	r.Status = to
	return nil
}
