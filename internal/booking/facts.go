package booking

import (
	"context"
	"errors"

	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
)

// StoreFacts answers condition lookups from the repositories.
type StoreFacts struct {
	Users       *repository.UserRepo
	Enrollments *repository.EnrollmentRepo
	Answers     *repository.AnswerRepo
}

func (f StoreFacts) IsBanned(ctx context.Context, userID uint64) (bool, error) {
	return f.Users.IsBanned(ctx, userID)
}

func (f StoreFacts) IsEnrolled(ctx context.Context, userID, contextID uint64) (bool, error) {
	return f.Enrollments.IsEnrolled(ctx, userID, contextID)
}

func (f StoreFacts) Answer(ctx context.Context, optionID, userID uint64) (*model.Answer, error) {
	a, err := f.Answers.Get(ctx, optionID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (f StoreFacts) Counts(ctx context.Context, optionID uint64) (int, int, error) {
	booked, err := f.Answers.CountByState(ctx, optionID, model.StateBooked)
	if err != nil {
		return 0, 0, err
	}
	waitlisted, err := f.Answers.CountByState(ctx, optionID, model.StateWaitlisted)
	if err != nil {
		return 0, 0, err
	}
	return booked, waitlisted, nil
}
