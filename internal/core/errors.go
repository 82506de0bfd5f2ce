package core

import "errors"

var (
	ErrNotOwner           = errors.New("caller does not own order")
	ErrAlreadyTerminal    = errors.New("order already terminal")
	ErrInsufficientEscrow = errors.New("insufficient escrow")
	ErrQuantityBelowHeld  = errors.New("new quantity below filled plus reserved")

	// ErrCoreHalted is returned by every command once a fatal
	// condition tripped the sticky halt flag. Cleared only by
	// ResetAfterDesync.
	ErrCoreHalted = errors.New("core halted")

	ErrEscrowDesync         = errors.New("escrow desync with ledger")
	ErrDuplicateLedgerEvent = errors.New("conflicting ledger event at applied sequence")
	ErrSequenceGap          = errors.New("ledger sequence gap")
)
