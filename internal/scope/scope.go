// Package scope models the tenant boundary every usage event, credit
// transaction and entitlement lookup is recorded under. A scope is either a
// whole agency or one sub-account inside it; it is passed explicitly through
// every call rather than held as ambient state.
package scope

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindAgency     Kind = "AGENCY"
	KindSubAccount Kind = "SUBACCOUNT"
)

var ErrInvalidScope = errors.New("invalid_scope")

// Scope is a closed variant: agency-level or sub-account level.
// The zero value is invalid.
type Scope struct {
	kind         Kind
	agencyID     snowflake.ID
	subAccountID snowflake.ID
}

// ForAgency returns an agency-level scope.
func ForAgency(agencyID snowflake.ID) Scope {
	return Scope{kind: KindAgency, agencyID: agencyID}
}

// ForSubAccount returns a sub-account scope inside the given agency.
func ForSubAccount(agencyID, subAccountID snowflake.ID) Scope {
	return Scope{kind: KindSubAccount, agencyID: agencyID, subAccountID: subAccountID}
}

func (s Scope) Kind() Kind { return s.kind }

func (s Scope) AgencyID() snowflake.ID { return s.agencyID }

// SubAccountID returns the sub-account identifier and whether the scope has one.
func (s Scope) SubAccountID() (snowflake.ID, bool) {
	if s.kind != KindSubAccount {
		return 0, false
	}
	return s.subAccountID, true
}

// Agency collapses a sub-account scope to its parent agency scope.
func (s Scope) Agency() Scope {
	return ForAgency(s.agencyID)
}

func (s Scope) IsZero() bool {
	return s.agencyID == 0
}

// Validate rejects zero identifiers for the declared kind.
func (s Scope) Validate() error {
	switch s.kind {
	case KindAgency:
		if s.agencyID == 0 {
			return ErrInvalidScope
		}
	case KindSubAccount:
		if s.agencyID == 0 || s.subAccountID == 0 {
			return ErrInvalidScope
		}
	default:
		return ErrInvalidScope
	}
	return nil
}

func (s Scope) String() string {
	if s.kind == KindSubAccount {
		return fmt.Sprintf("subaccount:%s:%s", s.agencyID, s.subAccountID)
	}
	return fmt.Sprintf("agency:%s", s.agencyID)
}

// Columns returns the persisted (agency_id, sub_account_id) pair. Agency-level
// rows store a zero sub_account_id so the pair stays non-null and indexable.
func (s Scope) Columns() (snowflake.ID, snowflake.ID) {
	return s.agencyID, s.subAccountID
}
