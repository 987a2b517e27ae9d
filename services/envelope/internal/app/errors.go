package app

import "errors"

var (
	// ErrForbidden indicates the envelope belongs to another owner.
	ErrForbidden = errors.New("forbidden")
	// ErrReminderThrottled indicates the per-envelope reminder budget is
	// exhausted for the current window.
	ErrReminderThrottled = errors.New("reminder limit reached, try again later")
)
