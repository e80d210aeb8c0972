package net

import (
	"errors"
)

// ErrFiltered is returned by filters that swallow a message on purpose.
var ErrFiltered = errors.New("message filtered")

// MessageHandler consumes one inbound message at the end of a filter chain.
type MessageHandler func(msg *Message) error

// MessageFilter intercepts a message before it reaches the listener. A filter either
// calls next to continue or returns without calling it to stop the chain. Typical uses
// are authentication, per-key drops or logging.
type MessageFilter func(msg *Message, next MessageHandler) error

// FilterChain runs filters in order, then the final handler.
type FilterChain []MessageFilter

// Handle passes msg through the chain and on to f.
func (fc FilterChain) Handle(msg *Message, f MessageHandler) error {
	if len(fc) == 0 {
		return f(msg)
	}
	return fc[0](msg, func(msg *Message) error {
		return fc[1:].Handle(msg, f)
	})
}

// DropTypes swallows messages of the given types.
func DropTypes(types ...MsgType) MessageFilter {
	drop := make(map[MsgType]struct{}, len(types))
	for _, t := range types {
		drop[t] = struct{}{}
	}
	return func(msg *Message, next MessageHandler) error {
		if _, ok := drop[msg.Type]; ok {
			return ErrFiltered
		}
		return next(msg)
	}
}

// DropKeys swallows messages whose key is listed.
func DropKeys(keys ...string) MessageFilter {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	return func(msg *Message, next MessageHandler) error {
		if _, ok := drop[msg.Key]; ok {
			return ErrFiltered
		}
		return next(msg)
	}
}
