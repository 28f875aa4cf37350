package export

import (
	"fmt"
)

// Service turns analysis reports into downloadable documents.
type Service struct{}

// NewService creates the export service.
func NewService() *Service {
	return &Service{}
}

// Export renders the report and converts it to the requested format.
func (s *Service) Export(data ReportData, format Format) (*Result, error) {
	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	title := fmt.Sprintf("%s analysis %s", data.RepositoryName, data.AnalysisID)
	switch format {
	case FormatPDF:
		return exportPDF(html, title)
	case FormatDOCX:
		return exportDOCX(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
