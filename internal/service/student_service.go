package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tatamihq/dojo-api/internal/models"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
)

type studentRepository interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
	Create(ctx context.Context, student *models.Student) error
	Update(ctx context.Context, student *models.Student) error
	Deactivate(ctx context.Context, id string) error
}

type studentUserStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
}

type studentAttendanceCounter interface {
	CountForStudent(ctx context.Context, studentID string, from, to time.Time) (int, error)
}

// CreateStudentRequest enrolls a member directly, without going through the
// lead pipeline (walk-ins, imports).
type CreateStudentRequest struct {
	FullName         string                 `json:"full_name" validate:"required,min=2,max=120"`
	Email            string                 `json:"email" validate:"required,email"`
	Phone            string                 `json:"phone" validate:"required,min=8,max=20"`
	Password         string                 `json:"password" validate:"required,min=8"`
	Category         models.StudentCategory `json:"category" validate:"required,oneof=ADULT CHILD"`
	BirthDate        *time.Time             `json:"birth_date"`
	EmergencyContact *string                `json:"emergency_contact"`
}

// UpdateStudentRequest applies partial changes to a student and its linked
// user profile.
type UpdateStudentRequest struct {
	FullName         *string                 `json:"full_name" validate:"omitempty,min=2,max=120"`
	Phone            *string                 `json:"phone" validate:"omitempty,min=8,max=20"`
	Category         *models.StudentCategory `json:"category" validate:"omitempty,oneof=ADULT CHILD"`
	BirthDate        *time.Time              `json:"birth_date"`
	EmergencyContact *string                 `json:"emergency_contact"`
}

// StudentFrequency summarises a student's attendance inside a window.
type StudentFrequency struct {
	StudentID string    `json:"student_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Attended  int       `json:"attended"`
}

// StudentService manages enrolled members and their linked user accounts.
type StudentService struct {
	repo       studentRepository
	users      studentUserStore
	attendance studentAttendanceCounter
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewStudentService constructs the student service.
func NewStudentService(repo studentRepository, users studentUserStore, attendance studentAttendanceCounter, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{repo: repo, users: users, attendance: attendance, validator: validate, logger: logger}
}

// List returns students and pagination metadata.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, *models.Pagination, error) {
	students, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return students, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a student with its user profile.
func (s *StudentService) Get(ctx context.Context, id string) (*models.StudentDetail, error) {
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// Create enrolls a member directly, creating a STUDENT user account
// alongside the student record.
func (s *StudentService) Create(ctx context.Context, organizationID string, req CreateStudentRequest) (*models.StudentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if existing, err := s.users.FindByEmail(ctx, email); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	} else if existing != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Email:          email,
		PasswordHash:   string(hash),
		FullName:       req.FullName,
		Phone:          req.Phone,
		Role:           models.RoleStudent,
		Active:         true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user account")
	}

	student := &models.Student{
		ID:               uuid.NewString(),
		OrganizationID:   organizationID,
		UserID:           user.ID,
		Category:         req.Category,
		EnrollmentDate:   time.Now().UTC(),
		EmergencyContact: req.EmergencyContact,
		BirthDate:        req.BirthDate,
		Active:           true,
	}
	if err := s.repo.Create(ctx, student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student")
	}

	detail := &models.StudentDetail{Student: *student, FullName: user.FullName, Email: user.Email, Phone: user.Phone}
	return detail, nil
}

// Update applies partial changes, touching the user profile only when a
// profile field changed.
func (s *StudentService) Update(ctx context.Context, id string, req UpdateStudentRequest) (*models.StudentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	detail, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Category != nil {
		detail.Category = *req.Category
	}
	if req.BirthDate != nil {
		detail.BirthDate = req.BirthDate
	}
	if req.EmergencyContact != nil {
		detail.EmergencyContact = req.EmergencyContact
	}
	if err := s.repo.Update(ctx, &detail.Student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student")
	}

	if req.FullName != nil || req.Phone != nil {
		user, err := s.users.FindByID(ctx, detail.UserID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user profile")
		}
		if req.FullName != nil {
			user.FullName = *req.FullName
			detail.FullName = *req.FullName
		}
		if req.Phone != nil {
			user.Phone = *req.Phone
			detail.Phone = *req.Phone
		}
		if err := s.users.Update(ctx, user); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user profile")
		}
	}
	return detail, nil
}

// Deactivate marks a student inactive. Their subscriptions are handled
// separately.
func (s *StudentService) Deactivate(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate student")
	}
	return nil
}

// Frequency returns how many sessions the student attended inside the
// window, defaulting to the last 30 days.
func (s *StudentService) Frequency(ctx context.Context, id string, from, to *time.Time) (*StudentFrequency, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	end := time.Now().UTC()
	if to != nil {
		end = *to
	}
	start := end.AddDate(0, 0, -30)
	if from != nil {
		start = *from
	}
	if start.After(end) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "from must be before to")
	}
	count, err := s.attendance.CountForStudent(ctx, id, start, end)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count attendance")
	}
	return &StudentFrequency{StudentID: id, From: start, To: end, Attended: count}, nil
}
