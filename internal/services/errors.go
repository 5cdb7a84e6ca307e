package services

// LedgerError is a business failure reported to callers by kind.
type LedgerError string

func (e LedgerError) Error() string { return string(e) }

const (
	ErrInvalidInput        LedgerError = "invalid input"
	ErrInvalidFormat       LedgerError = "invalid format"
	ErrNotFound            LedgerError = "not found"
	ErrSlotUnavailable     LedgerError = "slot unavailable"
	ErrCodeTaken           LedgerError = "referral code taken"
	ErrAlreadyReferred     LedgerError = "client already referred"
	ErrSelfReferral        LedgerError = "cannot apply own referral code"
	ErrCodeNotFound        LedgerError = "referral code not found"
	ErrInsufficientBalance LedgerError = "insufficient balance"
	ErrInsufficientPoints  LedgerError = "insufficient points"
	ErrPackageExhausted    LedgerError = "package exhausted"
	ErrPackageNotActive    LedgerError = "package not active"
	ErrOutOfStock          LedgerError = "reward out of stock"
	ErrNotCancellable      LedgerError = "appointment not cancellable"
	ErrInvalidTransition   LedgerError = "invalid status transition"
	ErrAlreadyReviewed     LedgerError = "appointment already reviewed"
	ErrAlreadyRegistered   LedgerError = "client already registered"
	ErrNotNewClient        LedgerError = "referral codes are for new clients"
	ErrIntegrity           LedgerError = "ledger integrity violation"
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindExhausted  ErrorKind = "exhausted"
	KindState      ErrorKind = "state"
	KindIntegrity  ErrorKind = "integrity"
)

// Kind classifies the error for the calling surface.
func (e LedgerError) Kind() ErrorKind {
	switch e {
	case ErrInvalidInput, ErrInvalidFormat, ErrSelfReferral:
		return KindValidation
	case ErrNotFound, ErrCodeNotFound:
		return KindNotFound
	case ErrSlotUnavailable, ErrCodeTaken, ErrAlreadyReferred, ErrAlreadyReviewed, ErrAlreadyRegistered:
		return KindConflict
	case ErrInsufficientBalance, ErrInsufficientPoints, ErrPackageExhausted, ErrOutOfStock:
		return KindExhausted
	case ErrNotCancellable, ErrInvalidTransition, ErrPackageNotActive, ErrNotNewClient:
		return KindState
	default:
		return KindIntegrity
	}
}

// Code is the stable machine-readable name of the error.
func (e LedgerError) Code() string {
	switch e {
	case ErrInvalidInput:
		return "INVALID_INPUT"
	case ErrInvalidFormat:
		return "INVALID_FORMAT"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrSlotUnavailable:
		return "SLOT_UNAVAILABLE"
	case ErrCodeTaken:
		return "CODE_TAKEN"
	case ErrAlreadyReferred:
		return "ALREADY_REFERRED"
	case ErrSelfReferral:
		return "SELF_REFERRAL"
	case ErrCodeNotFound:
		return "CODE_NOT_FOUND"
	case ErrInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case ErrInsufficientPoints:
		return "INSUFFICIENT_POINTS"
	case ErrPackageExhausted:
		return "PACKAGE_EXHAUSTED"
	case ErrPackageNotActive:
		return "PACKAGE_NOT_ACTIVE"
	case ErrOutOfStock:
		return "OUT_OF_STOCK"
	case ErrNotCancellable:
		return "NOT_CANCELLABLE"
	case ErrInvalidTransition:
		return "INVALID_TRANSITION"
	case ErrAlreadyReviewed:
		return "ALREADY_REVIEWED"
	case ErrAlreadyRegistered:
		return "ALREADY_REGISTERED"
	case ErrNotNewClient:
		return "NOT_NEW_CLIENT"
	default:
		return "INTEGRITY"
	}
}
