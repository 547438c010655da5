package invoice

import (
	"fmt"
	"os"
	"strings"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"
)

// TextSource returns the text of every page of a document, in page order
type TextSource interface {
	ExtractText(path string) (string, error)
}

// PDFTextSource reads PDF text with mupdf
type PDFTextSource struct {
	logger *zap.Logger
}

// NewPDFTextSource creates a new mupdf-backed text source
func NewPDFTextSource(logger *zap.Logger) *PDFTextSource {
	return &PDFTextSource{logger: logger}
}

// ExtractText concatenates the text of all pages, one page per block
func (s *PDFTextSource) ExtractText(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", models.NewIOError("stat pdf", path, err)
	}

	doc, err := fitz.New(path)
	if err != nil {
		return "", models.NewIOError("open pdf", path, err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	s.logger.Debug("Extracting PDF text", zap.String("path", path), zap.Int("total_pages", pageCount))

	var sb strings.Builder
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		text, err := doc.Text(pageNum)
		if err != nil {
			return "", models.NewIOError(fmt.Sprintf("read page %d", pageNum+1), path, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	return sb.String(), nil
}
