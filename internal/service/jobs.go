package service

import (
	"context"
	"fmt"

	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/repository"
)

// JobView is everything recorded about one job.
type JobView struct {
	Job      domain.Job
	Tasks    []domain.Task
	Records  []domain.LeaveRecord
	Messages []domain.OutgoingMessage
}

type JobsService struct {
	store repository.Store
}

func NewJobsService(store repository.Store) *JobsService {
	return &JobsService{store: store}
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	records, err := s.store.ListLeaveRecords(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list leave records: %w", err)
	}
	messages, err := s.store.ListMessages(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &JobView{Job: *job, Tasks: tasks, Records: records, Messages: messages}, nil
}
