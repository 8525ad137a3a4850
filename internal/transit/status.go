package transit

// TransferStatus is what the sender knows about one (file, recipient) pair.
type TransferStatus string

const (
	StatusCreated               TransferStatus = "created"
	StatusEnqueued              TransferStatus = "enqueued"
	StatusDelivered             TransferStatus = "delivered"
	StatusRecipientAccessDenied TransferStatus = "recipient_access_denied"
	StatusRecipientBadRequest   TransferStatus = "recipient_bad_request"
	StatusRecipientServerError  TransferStatus = "recipient_server_error"
	StatusPermanentlyFailed     TransferStatus = "permanently_failed"
	// StatusRecipientUnreachable is recorded while a connection failure is
	// being retried. It is not terminal.
	StatusRecipientUnreachable TransferStatus = "recipient_unreachable"
)

// Terminal reports whether no further delivery attempt follows this status.
// A deferred acceptance is terminal for the outbox: the recipient owns the
// item from then on.
func (s TransferStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusEnqueued, StatusRecipientAccessDenied,
		StatusRecipientBadRequest, StatusRecipientServerError, StatusPermanentlyFailed:
		return true
	}
	return false
}

// Outcome is the machine-readable verdict a receiving host returns.
type Outcome string

const (
	OutcomeAcceptedDirect       Outcome = "accepted_direct"
	OutcomeAcceptedDeferred     Outcome = "accepted_deferred"
	OutcomeRejectedAccessDenied Outcome = "rejected_access_denied"
	OutcomeRejectedBadRequest   Outcome = "rejected_bad_request"
	OutcomeFailedServerError    Outcome = "failed_server_error"
)

var outcomeStatus = map[Outcome]TransferStatus{
	OutcomeAcceptedDirect:       StatusDelivered,
	OutcomeAcceptedDeferred:     StatusEnqueued,
	OutcomeRejectedAccessDenied: StatusRecipientAccessDenied,
	OutcomeRejectedBadRequest:   StatusRecipientBadRequest,
	OutcomeFailedServerError:    StatusRecipientServerError,
}

// Status maps the outcome onto the sender's status. ok is false for a value
// this host does not know.
func (o Outcome) Status() (TransferStatus, bool) {
	s, ok := outcomeStatus[o]
	return s, ok
}

// Accepted reports whether the receiving host took ownership of the file.
func (o Outcome) Accepted() bool {
	return o == OutcomeAcceptedDirect || o == OutcomeAcceptedDeferred
}
