package pipeline

import "errors"

// Validation errors. A submission rejected with one of these had no effect on the store.
var (
	ErrBalanceExhausted = errors.New("token balance exhausted")
	ErrGenerating       = errors.New("a reply is already being generated")
	ErrNoChats          = errors.New("there are no chats")
	ErrChatIndex        = errors.New("chat index out of range")
	ErrNoMessages       = errors.New("chat has no messages")
)
