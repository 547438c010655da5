// Package qr renders fiscal seal URLs as QR code images.
package qr

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// DefaultModulePixels is the size of one QR module in pixels
const DefaultModulePixels = 4

// FileWriter persists generated images
type FileWriter interface {
	WriteFile(path string, data []byte) error
}

// Config holds QR generator configuration
type Config struct {
	Dir          string
	ModulePixels int
}

// Generator encodes seals with error correction level Q (25% recovery)
type Generator struct {
	dir          string
	modulePixels int
	writer       FileWriter
	logger       *zap.Logger
}

// NewGenerator creates a new QR generator
func NewGenerator(cfg Config, writer FileWriter, logger *zap.Logger) *Generator {
	pixels := cfg.ModulePixels
	if pixels <= 0 {
		pixels = DefaultModulePixels
	}
	return &Generator{
		dir:          cfg.Dir,
		modulePixels: pixels,
		writer:       writer,
		logger:       logger,
	}
}

// Generate returns a PNG of the seal. The image size follows the symbol
// version, modulePixels per module plus the quiet zone.
func (g *Generator) Generate(seal string) ([]byte, error) {
	code, err := qrcode.New(seal, qrcode.High)
	if err != nil {
		return nil, &models.EncodingError{Content: seal, Cause: err}
	}

	png, err := code.PNG(-g.modulePixels)
	if err != nil {
		return nil, &models.EncodingError{Content: seal, Cause: err}
	}
	return png, nil
}

// Path returns the QR image path for an invoice
func (g *Generator) Path(invoiceNumber string) string {
	return filepath.Join(g.dir, invoiceNumber+".png")
}

// WriteForInvoice generates the seal image and stores it as <dir>/<invoice>.png
func (g *Generator) WriteForInvoice(invoiceNumber, seal string) (string, error) {
	png, err := g.Generate(seal)
	if err != nil {
		return "", err
	}

	path := g.Path(invoiceNumber)
	if err := g.writer.WriteFile(path, png); err != nil {
		return "", err
	}

	g.logger.Info("QR code written",
		zap.String("invoice_number", invoiceNumber),
		zap.String("path", path),
		zap.Int("size", len(png)))

	return path, nil
}

// FindExisting returns a previously generated image for the invoice:
// <invoice>.png first, then the newest legacy QR_<invoice>_<timestamp>.png
func (g *Generator) FindExisting(invoiceNumber string) (string, bool) {
	path := g.Path(invoiceNumber)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path, true
	}

	matches, err := filepath.Glob(filepath.Join(g.dir, "QR_"+invoiceNumber+"_*.png"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches[0], true
}
