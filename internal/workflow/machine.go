package workflow

import (
	"github.com/iago/leave-bot/internal/apperror"
	"github.com/iago/leave-bot/internal/domain"
)

// Input is the routed inbound message as seen by the state machine.
type Input struct {
	Selection Selection
	FromOwner bool
}

type transition func(in Input) (domain.TaskType, error)

// leaveTransitions maps the last non-failed task of a LEAVE job to the rule
// picking the next one.
var leaveTransitions = map[domain.TaskType]transition{
	domain.TaskTypeNone:                fromNone,
	domain.TaskTypeExtractDates:        fromExtractDates,
	domain.TaskTypeRequestConfirmation: fromRequestConfirmation,
	domain.TaskTypeConfirm:             fromConfirm,
	domain.TaskTypeCancel:              fromCancel,
	domain.TaskTypeApprove:             fromApprove,
	domain.TaskTypeReject:              fromReject,
}

// NextTaskType returns the task to run for in given the job's last task.
// It never advances on error; the caller keeps the current state.
func NextTaskType(jobType domain.JobType, last domain.TaskType, in Input) (domain.TaskType, error) {
	if jobType != domain.JobTypeLeave {
		return domain.TaskTypeNone, unknownIntent()
	}
	next, ok := leaveTransitions[last]
	if !ok {
		return domain.TaskTypeNone, invalidInput()
	}
	return next(in)
}

// AutoNext returns the task the system chains after last without waiting
// for the user.
func AutoNext(last domain.TaskType) (domain.TaskType, bool) {
	if last == domain.TaskTypeExtractDates {
		return domain.TaskTypeRequestConfirmation, true
	}
	return domain.TaskTypeNone, false
}

func fromNone(in Input) (domain.TaskType, error) {
	if !in.FromOwner {
		return domain.TaskTypeNone, invalidInput()
	}
	return domain.TaskTypeExtractDates, nil
}

func fromExtractDates(in Input) (domain.TaskType, error) {
	if !in.FromOwner {
		return domain.TaskTypeNone, invalidInput()
	}
	return domain.TaskTypeRequestConfirmation, nil
}

func fromRequestConfirmation(in Input) (domain.TaskType, error) {
	if !in.FromOwner {
		return domain.TaskTypeNone, invalidInput()
	}
	switch in.Selection.Kind {
	case SelectionLeaveType:
		return domain.TaskTypeConfirm, nil
	case SelectionDecision:
		return domain.TaskTypeNone, invalidInput()
	default:
		return domain.TaskTypeNone, unknownIntent()
	}
}

func fromConfirm(in Input) (domain.TaskType, error) {
	if !in.FromOwner {
		if in.Selection.Kind == SelectionDecision {
			switch in.Selection.Decision {
			case DecisionApprove:
				return domain.TaskTypeApprove, nil
			case DecisionReject:
				return domain.TaskTypeReject, nil
			}
		}
		return domain.TaskTypeNone, invalidInput()
	}
	if isCancel(in) {
		return domain.TaskTypeCancel, nil
	}
	return domain.TaskTypeNone, alreadyConfirmed()
}

func fromCancel(Input) (domain.TaskType, error) {
	return domain.TaskTypeNone, alreadyCancelled()
}

func fromApprove(in Input) (domain.TaskType, error) {
	if !in.FromOwner {
		return domain.TaskTypeNone, alreadyDecided()
	}
	if isCancel(in) {
		return domain.TaskTypeCancel, nil
	}
	return domain.TaskTypeNone, alreadyConfirmed()
}

func fromReject(Input) (domain.TaskType, error) {
	return domain.TaskTypeNone, alreadyDecided()
}

func isCancel(in Input) bool {
	return in.Selection.Kind == SelectionDecision && in.Selection.Decision == DecisionCancel
}

func unknownIntent() error {
	return apperror.UserInput("unknown_intent", "Sorry, I did not understand that. Please reply with one of the listed options.", apperror.ErrUnknownIntent)
}

func invalidInput() error {
	return apperror.UserInput("invalid_input", "That option is not available at this step.", apperror.ErrInvalidInput)
}

func alreadyConfirmed() error {
	return apperror.UserInput("already_confirmed", "This request is already confirmed. Reply CANCEL if you want to withdraw it.", apperror.ErrAlreadyConfirmed)
}

func alreadyCancelled() error {
	return apperror.UserInput("already_cancelled", "This request was already cancelled. Send a new message to apply again.", apperror.ErrAlreadyCancelled)
}

func alreadyDecided() error {
	return apperror.UserInput("already_decided", "A decision has already been recorded for this request.", apperror.ErrAlreadyDecided)
}
