package workflow

import (
	"strconv"
	"strings"

	"github.com/iago/leave-bot/internal/domain"
)

type SelectionKind int

const (
	SelectionNone SelectionKind = iota
	SelectionLeaveType
	SelectionDecision
	SelectionFreeText
)

type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionCancel  Decision = "cancel"
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Selection is the structured reading of an inbound reply.
type Selection struct {
	Kind      SelectionKind
	LeaveType domain.LeaveType
	Decision  Decision
	Text      string
}

// Structured reports whether the reply is a menu answer rather than free text.
func (s Selection) Structured() bool {
	return s.Kind == SelectionLeaveType || s.Kind == SelectionDecision
}

var decisionAliases = map[string]Decision{
	"confirm":      DecisionConfirm,
	"yes":          DecisionConfirm,
	"ok":           DecisionConfirm,
	"cancel":       DecisionCancel,
	"cancel leave": DecisionCancel,
	"withdraw":     DecisionCancel,
	"approve":      DecisionApprove,
	"approved":     DecisionApprove,
	"reject":       DecisionReject,
	"rejected":     DecisionReject,
	"decline":      DecisionReject,
}

// ParseSelection reads a leave type (by name, alias or menu number) or a
// decision keyword. Anything else is free text.
func ParseSelection(body string) Selection {
	text := strings.TrimSpace(body)
	normalized := strings.ToLower(strings.Trim(text, " .!"))
	if normalized == "" {
		return Selection{Kind: SelectionNone}
	}

	if decision, ok := decisionAliases[normalized]; ok {
		return Selection{Kind: SelectionDecision, Decision: decision, Text: text}
	}
	if leaveType, ok := domain.ParseLeaveType(normalized); ok {
		return Selection{Kind: SelectionLeaveType, LeaveType: leaveType, Text: text}
	}
	if index, err := strconv.Atoi(normalized); err == nil {
		types := domain.LeaveTypes()
		if index >= 1 && index <= len(types) {
			return Selection{Kind: SelectionLeaveType, LeaveType: types[index-1], Text: text}
		}
	}
	return Selection{Kind: SelectionFreeText, Text: text}
}
