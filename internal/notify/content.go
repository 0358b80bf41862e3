package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/transport"
)

const (
	TemplateRequestForward = "leave_request_forward"
	TemplateCancelForward  = "leave_cancel_forward"
	TemplateBatchSummary   = "leave_forward_summary"
)

const displayLayout = "Mon 02 Jan 2006"

func FormatDates(dates []time.Time) string {
	parts := make([]string, 0, len(dates))
	for _, date := range dates {
		parts = append(parts, date.Format(displayLayout))
	}
	return strings.Join(parts, ", ")
}

func leaveTypeMenu() string {
	var b strings.Builder
	for i, leaveType := range domain.LeaveTypes() {
		fmt.Fprintf(&b, "\n%d. %s", i+1, leaveType)
	}
	return b.String()
}

// LeaveTypePrompt asks the user to pick a leave type for the extracted dates.
func LeaveTypePrompt(dates, duplicates []time.Time, suggested domain.LeaveType) transport.Content {
	var b strings.Builder
	fmt.Fprintf(&b, "You are applying for %d day(s) of leave: %s.", len(dates), FormatDates(dates))
	if len(duplicates) > 0 {
		fmt.Fprintf(&b, "\nAlready on leave, skipped: %s.", FormatDates(duplicates))
	}
	if suggested != "" {
		fmt.Fprintf(&b, "\nIt looks like %s leave.", suggested)
	}
	b.WriteString("\nReply with the leave type:")
	b.WriteString(leaveTypeMenu())
	return transport.Text(b.String())
}

func Confirmed(dates []time.Time, leaveType domain.LeaveType, approvers []domain.User) transport.Content {
	var b strings.Builder
	fmt.Fprintf(&b, "Your %s leave on %s is recorded.", leaveType, FormatDates(dates))
	if len(approvers) > 0 {
		fmt.Fprintf(&b, "\nForwarded to %s.", joinNames(approvers))
	}
	b.WriteString("\nReply CANCEL to withdraw it.")
	return transport.Text(b.String())
}

func Cancelled(dates []time.Time) transport.Content {
	if len(dates) == 0 {
		return transport.Text("Your leave request is cancelled.")
	}
	return transport.Text(fmt.Sprintf("Your leave on %s is cancelled.", FormatDates(dates)))
}

// Forward is what an approver receives about another user's leave.
func Forward(template string, owner domain.User, dates []time.Time, leaveType domain.LeaveType) transport.Content {
	action := "applied for"
	if template == TemplateCancelForward {
		action = "cancelled"
	}
	return transport.Content{
		TemplateID: template,
		Variables: map[string]string{
			"name":       owner.DisplayName(),
			"dates":      FormatDates(dates),
			"leave_type": string(leaveType),
			"action":     action,
		},
		Body: fmt.Sprintf("%s has %s %s leave on %s. Reply APPROVE or REJECT to this message.",
			owner.DisplayName(), action, leaveType, FormatDates(dates)),
	}
}

func DecisionRecorded(decision string, owner domain.User) transport.Content {
	return transport.Text(fmt.Sprintf("Recorded: %s for %s.", decision, owner.DisplayName()))
}

func DecisionNotice(decision string, approver domain.User, dates []time.Time) transport.Content {
	return transport.Text(fmt.Sprintf("Your leave on %s was %s by %s.", FormatDates(dates), decision, approver.DisplayName()))
}

func Summary(summary domain.BatchSummary) transport.Content {
	var b strings.Builder
	b.WriteString("Notification status:")
	if len(summary.Succeeded) > 0 {
		fmt.Fprintf(&b, "\nDelivered to %s.", strings.Join(summary.Succeeded, ", "))
	}
	if len(summary.Failed) > 0 {
		fmt.Fprintf(&b, "\nCould not reach %s.", strings.Join(summary.Failed, ", "))
	}
	if len(summary.Pending) > 0 {
		fmt.Fprintf(&b, "\nStill waiting on %s.", strings.Join(summary.Pending, ", "))
	}
	return transport.Content{
		TemplateID: TemplateBatchSummary,
		Variables: map[string]string{
			"succeeded": strings.Join(summary.Succeeded, ", "),
			"failed":    strings.Join(summary.Failed, ", "),
			"pending":   strings.Join(summary.Pending, ", "),
		},
		Body: b.String(),
	}
}

func UnknownSender() transport.Content {
	return transport.Text("Sorry, this number is not registered. Please contact your administrator.")
}

// RequestClosed answers a selection sent to a job that failed or expired.
func RequestClosed(status domain.JobStatus) transport.Content {
	if status == domain.JobStatusExpired {
		return transport.Text("This request has expired. Please send your leave request again.")
	}
	return transport.Text("This request could not be completed. Please send your leave request again or contact support.")
}

// Busy asks the sender to resend a message that could not be processed.
func Busy() transport.Content {
	return transport.Text("Sorry, I am still working on your previous message. Please send that again in a minute.")
}

func Help() transport.Content {
	return transport.Text("To apply for leave, send a message like \"on leave from 10/5 to 12/5\" or \"MC tomorrow\".")
}

func joinNames(users []domain.User) string {
	names := make([]string, 0, len(users))
	for _, user := range users {
		names = append(names, user.DisplayName())
	}
	return strings.Join(names, ", ")
}
