package backend

import (
	"strings"
	"time"

	"codeberg.org/mutker/gaitmon/internal/errors"
	"github.com/relvacode/iso8601"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	dateLayout = "2006-01-02"
)

// Ack is the backend's reply to start/stop commands.
type Ack struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

// ExportFormat selects the artifact the backend renders.
type ExportFormat string

const (
	FormatCSV ExportFormat = "csv"
	FormatPDF ExportFormat = "pdf"
)

// ParseExportFormat accepts csv or pdf in any case.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(s)) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", errors.New().WithData(ErrInvalidRequest, "format "+s)
	}
}

// ExportRequest is the body of POST /api/export_data. Empty fields are
// omitted on the wire.
type ExportRequest struct {
	Format     ExportFormat `json:"format"`
	SessionID  string       `json:"sessionId,omitempty"`
	StartDate  string       `json:"startDate,omitempty"`
	EndDate    string       `json:"endDate,omitempty"`
	ReportType string       `json:"reportType,omitempty"`
}

// Normalize validates the request and rewrites dates as YYYY-MM-DD.
func (r ExportRequest) Normalize() (ExportRequest, error) {
	errFactory := errors.New()

	if r.Format == "" {
		r.Format = FormatCSV
	}
	format, err := ParseExportFormat(string(r.Format))
	if err != nil {
		return r, err
	}
	r.Format = format

	start, err := normalizeDate(r.StartDate)
	if err != nil {
		return r, err
	}
	end, err := normalizeDate(r.EndDate)
	if err != nil {
		return r, err
	}

	if start != "" && end != "" && end < start {
		return r, errFactory.WithData(ErrInvalidRequest, "endDate before startDate")
	}

	r.StartDate, r.EndDate = start, end

	return r, nil
}

// ExportResult is the backend's reply to an export request.
type ExportResult struct {
	Status  string `json:"status"`
	FileURL string `json:"file_url,omitempty"`
	Message string `json:"message,omitempty"`
}

// HistoryStats aggregates the sessions in a history query.
type HistoryStats struct {
	TotalSessions int     `json:"total_sessions"`
	TotalDuration string  `json:"total_duration"`
	AvgScore      float64 `json:"avg_score"`
	AvgCadence    float64 `json:"avg_cadence"`
}

// HistorySession is one past collection session.
type HistorySession struct {
	Date         string  `json:"date"`
	Duration     string  `json:"duration"`
	Steps        int     `json:"steps"`
	AvgCadence   float64 `json:"avg_cadence"`
	PostureScore float64 `json:"posture_score"`
}

// HistoryReport is the reply of GET /api/history.
type HistoryReport struct {
	Stats    HistoryStats     `json:"stats"`
	Sessions []HistorySession `json:"sessions"`
}

// ParseDate parses an ISO-8601 calendar date or date-time.
func ParseDate(s string) (time.Time, error) {
	if !strings.ContainsAny(s, "tT") {
		s += "T00:00:00Z"
	}

	t, err := iso8601.ParseString(s)
	if err != nil {
		return time.Time{}, errors.New().Wrap(ErrInvalidRequest, err)
	}

	return t, nil
}

func normalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}

	t, err := ParseDate(s)
	if err != nil {
		return "", err
	}

	return t.Format(dateLayout), nil
}
