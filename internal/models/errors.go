package models

import "errors"

var (
	// ErrAuth is returned when a request needs a credential that is missing or rejected.
	ErrAuth = errors.New("missing or invalid API key")
	// ErrTransport is returned for network failures and non-success responses of the completion API.
	ErrTransport = errors.New("completion request failed")
	// ErrParse marks a stream record that could not be decoded. It is never fatal.
	ErrParse = errors.New("malformed stream record")
	// ErrBudgetExceeded is returned when the newest message alone does not fit the token budget.
	ErrBudgetExceeded = errors.New("message exceeds max token")
	// ErrMaxTokens is returned when a conversation's max tokens leave no room for a reply or exceed
	// the model's context window.
	ErrMaxTokens = errors.New("max tokens do not fit the model")
	// ErrLedger is returned when the consumed token count could not be written.
	ErrLedger = errors.New("ledger update failed")
	// ErrUnknownModel is returned for model identifiers without a pricing entry.
	ErrUnknownModel = errors.New("unknown model")
	// ErrUserNotFound is returned by ledgers when the user has no row.
	ErrUserNotFound = errors.New("user not found")
	// ErrChatNotFound is returned when a conversation no longer exists in the store.
	ErrChatNotFound = errors.New("chat not found")
)
