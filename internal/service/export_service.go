package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tatamihq/dojo-api/internal/models"
	"github.com/tatamihq/dojo-api/pkg/export"
	"github.com/tatamihq/dojo-api/pkg/storage"
)

type exportAttendanceSource interface {
	List(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceDetail, int, error)
}

type exportRevenueSource interface {
	PaidBetween(ctx context.Context, organizationID string, from, to time.Time) ([]models.Payment, error)
}

type exportFunnelSource interface {
	FunnelCounts(ctx context.Context, organizationID string) (map[models.LeadStage]int, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig governs export rendering and result lifetime.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult aggregates the stored export metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService renders report datasets into CSV or PDF files on local
// storage and signs download tokens for them.
type ExportService struct {
	attendance exportAttendanceSource
	payments   exportRevenueSource
	leads      exportFunnelSource
	storage    fileStorage
	csv        csvRenderer
	pdf        pdfRenderer
	signer     *storage.SignedURLSigner
	logger     *zap.Logger
	cfg        ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(attendance exportAttendanceSource, payments exportRevenueSource, leads exportFunnelSource, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		attendance: attendance,
		payments:   payments,
		leads:      leads,
		storage:    store,
		csv:        csv,
		pdf:        pdf,
		signer:     signer,
		logger:     logger,
		cfg:        cfg,
	}
}

// Generate builds the dataset for the job and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/reports/download/%s", prefix, token),
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl, defaulting to the configured
// ResultTTL when ttl <= 0.
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("%s_%s.%s", strings.ToLower(string(job.Type)), timestamp, job.Params.Format)
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ReportTypeAttendance:
		return s.buildAttendanceDataset(ctx, job.OrganizationID, job.Params)
	case models.ReportTypeRevenue:
		return s.buildRevenueDataset(ctx, job.OrganizationID, job.Params)
	case models.ReportTypeFunnel:
		return s.buildFunnelDataset(ctx, job.OrganizationID)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

func (s *ExportService) buildAttendanceDataset(ctx context.Context, organizationID string, params models.ReportJobParams) (export.Dataset, string, error) {
	filter := models.AttendanceFilter{
		OrganizationID: organizationID,
		PageSize:       10000,
	}
	if params.TurmaID != nil {
		filter.TurmaID = *params.TurmaID
	}
	from, to, err := parseReportWindow(params)
	if err != nil {
		return export.Dataset{}, "", err
	}
	filter.DateFrom = from
	filter.DateTo = to

	rows, _, err := s.attendance.List(ctx, filter)
	if err != nil {
		return export.Dataset{}, "", err
	}

	dataset := export.Dataset{
		Headers: []string{"Date", "Turma", "Attendee", "Status", "Method", "Check-in Time"},
	}
	for _, row := range rows {
		checkIn := ""
		if row.CheckInTime != nil {
			checkIn = row.CheckInTime.UTC().Format(time.RFC3339)
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Date":          row.LessonDate.Format("2006-01-02"),
			"Turma":         row.TurmaName,
			"Attendee":      row.AttendeeName,
			"Status":        string(row.Status),
			"Method":        string(row.Method),
			"Check-in Time": checkIn,
		})
	}
	return dataset, "Attendance Report", nil
}

func (s *ExportService) buildRevenueDataset(ctx context.Context, organizationID string, params models.ReportJobParams) (export.Dataset, string, error) {
	from, to, err := parseReportWindow(params)
	if err != nil {
		return export.Dataset{}, "", err
	}
	start := time.Now().UTC().AddDate(0, -1, 0)
	end := time.Now().UTC()
	if from != nil {
		start = *from
	}
	if to != nil {
		end = *to
	}

	payments, err := s.payments.PaidBetween(ctx, organizationID, start, end)
	if err != nil {
		return export.Dataset{}, "", err
	}

	dataset := export.Dataset{
		Headers: []string{"Paid At", "Subscription", "Method", "Amount"},
	}
	var total float64
	for _, p := range payments {
		paidAt := ""
		if p.PaidAt != nil {
			paidAt = p.PaidAt.UTC().Format("2006-01-02 15:04")
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Paid At":      paidAt,
			"Subscription": p.SubscriptionID,
			"Method":       string(p.Method),
			"Amount":       fmt.Sprintf("%.2f", p.Amount),
		})
		total += p.Amount
	}
	dataset.Rows = append(dataset.Rows, map[string]string{
		"Paid At":      "",
		"Subscription": "",
		"Method":       "TOTAL",
		"Amount":       fmt.Sprintf("%.2f", total),
	})
	return dataset, "Revenue Report", nil
}

func (s *ExportService) buildFunnelDataset(ctx context.Context, organizationID string) (export.Dataset, string, error) {
	counts, err := s.leads.FunnelCounts(ctx, organizationID)
	if err != nil {
		return export.Dataset{}, "", err
	}

	stages := append(models.PipelineStages(), models.LeadStageLost)

	total := 0
	for _, n := range counts {
		total += n
	}

	dataset := export.Dataset{
		Headers: []string{"Stage", "Leads", "Share"},
	}
	for _, stage := range stages {
		share := 0.0
		if total > 0 {
			share = float64(counts[stage]) / float64(total) * 100
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Stage": string(stage),
			"Leads": fmt.Sprintf("%d", counts[stage]),
			"Share": fmt.Sprintf("%.1f%%", share),
		})
	}
	return dataset, "Lead Funnel Report", nil
}

func parseReportWindow(params models.ReportJobParams) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if params.DateFrom != "" {
		t, err := time.Parse("2006-01-02", params.DateFrom)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid dateFrom: %w", err)
		}
		from = &t
	}
	if params.DateTo != "" {
		t, err := time.Parse("2006-01-02", params.DateTo)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid dateTo: %w", err)
		}
		// Inclusive end of day.
		t = t.Add(24*time.Hour - time.Nanosecond)
		to = &t
	}
	return from, to, nil
}
