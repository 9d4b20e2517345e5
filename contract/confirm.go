package contract

import "errors"

// ErrNotConfirmed is returned by destructive operations the user did not confirm.
var ErrNotConfirmed = errors.New("action not confirmed")

// Confirmer asks the user to approve a destructive action.
type Confirmer interface {
	Confirm(prompt string) bool
}

type ConfirmFunc func(prompt string) bool

func (f ConfirmFunc) Confirm(prompt string) bool { return f(prompt) }

// Confirmed approves every prompt. Used when the approval already happened on the client.
var Confirmed Confirmer = ConfirmFunc(func(string) bool { return true })

// Ask returns ErrNotConfirmed unless c approves prompt. A nil Confirmer never approves.
func Ask(c Confirmer, prompt string) error {
	if c == nil || !c.Confirm(prompt) {
		return ErrNotConfirmed
	}
	return nil
}
