// Package stamper places the fiscal QR code and footer on invoice PDFs.
package stamper

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/storage"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
)

// Strategy names the stamping attempt that produced an output
type Strategy string

const (
	StrategyLastPage     Strategy = "last_page"
	StrategyCoverPage    Strategy = "cover_page"
	StrategyTextArtifact Strategy = "text_artifact"
)

// Config holds stamp geometry and output locations.
// Coordinates are PDF points from the bottom-left corner of the page.
type Config struct {
	OutputDir    string
	WorkDir      string
	QRSizePoints float64
	QRX, QRY     float64
	TextX, TextY float64
	FontSize     int
}

// Request is one invoice to stamp
type Request struct {
	InvoiceNumber string
	SourcePDF     string
	QRImage       string
	Footer        string
}

// Result reports the output of the first strategy that succeeded
type Result struct {
	Strategy   Strategy
	OutputPath string
	Failures   map[Strategy]error
}

// Degraded is true when the stamp could not be placed on the invoice itself
func (r *Result) Degraded() bool {
	return r.Strategy != StrategyLastPage
}

type attempt struct {
	strategy Strategy
	run      func(ctx context.Context, req Request, stamp string) (string, error)
}

// Stamper tries each strategy in order until one produces an output
type Stamper struct {
	cfg      Config
	files    storage.FileStorage
	logger   *zap.Logger
	now      func() time.Time
	attempts []attempt
}

// NewStamper creates a new stamper
func NewStamper(cfg Config, files storage.FileStorage, logger *zap.Logger) *Stamper {
	if cfg.QRSizePoints <= 0 {
		cfg.QRSizePoints = 50
	}
	if cfg.FontSize <= 0 {
		cfg.FontSize = 6
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}

	s := &Stamper{
		cfg:    cfg,
		files:  files,
		logger: logger,
		now:    time.Now,
	}
	s.attempts = []attempt{
		{StrategyLastPage, s.stampLastPage},
		{StrategyCoverPage, s.stampCoverPage},
		{StrategyTextArtifact, s.writeTextArtifact},
	}
	return s
}

// Stamp produces the fiscalized output for req. Only when every strategy fails,
// the text artifact included, is an error returned.
func (s *Stamper) Stamp(ctx context.Context, req Request) (*Result, error) {
	stamp := s.now().Format("20060102150405")
	failures := make(map[Strategy]error)

	for _, a := range s.attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := safeRun(func() (string, error) { return a.run(ctx, req, stamp) })
		if err == nil {
			s.logger.Info("Invoice stamped",
				zap.String("invoice_number", req.InvoiceNumber),
				zap.String("strategy", string(a.strategy)),
				zap.String("output", out))
			return &Result{Strategy: a.strategy, OutputPath: out, Failures: failures}, nil
		}

		failures[a.strategy] = err
		s.logger.Warn("Stamping strategy failed",
			zap.String("invoice_number", req.InvoiceNumber),
			zap.String("strategy", string(a.strategy)),
			zap.Error(err))
	}

	errs := make([]error, 0, len(failures))
	for _, a := range s.attempts {
		errs = append(errs, fmt.Errorf("%s: %w", a.strategy, failures[a.strategy]))
	}
	return nil, fmt.Errorf("all stamping strategies failed for %s: %w", req.InvoiceNumber, errors.Join(errs...))
}

// safeRun turns a pdfcpu panic on a malformed document into an error
func safeRun(fn func() (string, error)) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = "", fmt.Errorf("panic while stamping: %v", r)
		}
	}()
	return fn()
}

// stampLastPage copies the source to a working file, stamps its last page and
// moves the result to Modified_<invoice>_<timestamp>.pdf
func (s *Stamper) stampLastPage(ctx context.Context, req Request, stamp string) (string, error) {
	work := filepath.Join(s.cfg.WorkDir, fmt.Sprintf("Temp_%s_%d.pdf", req.InvoiceNumber, s.now().UnixNano()))
	if err := s.files.CopyFile(ctx, req.SourcePDF, work); err != nil {
		return "", err
	}
	defer os.Remove(work)

	conf := newConfiguration()
	pages, err := api.PageCountFile(work)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	s.logger.Debug("Stamping last page", zap.String("invoice_number", req.InvoiceNumber), zap.Int("pages", pages))

	imageDesc, err := s.imageDescription(req.QRImage)
	if err != nil {
		return "", err
	}
	if err := api.AddImageWatermarksFile(work, "", []string{"l"}, true, req.QRImage, imageDesc, conf); err != nil {
		return "", fmt.Errorf("add qr image: %w", err)
	}
	if err := api.AddTextWatermarksFile(work, "", []string{"l"}, true, stampText(req), s.textDescription(), conf); err != nil {
		return "", fmt.Errorf("add footer text: %w", err)
	}

	out := filepath.Join(s.cfg.OutputDir, fmt.Sprintf("Modified_%s_%s.pdf", req.InvoiceNumber, stamp))
	if err := s.files.CopyFile(ctx, work, out); err != nil {
		return "", err
	}
	return out, nil
}

// stampCoverPage builds a standalone one-page PDF from the QR image with the footer under it
func (s *Stamper) stampCoverPage(ctx context.Context, req Request, stamp string) (string, error) {
	work := filepath.Join(s.cfg.WorkDir, fmt.Sprintf("Cover_%s_%d.pdf", req.InvoiceNumber, s.now().UnixNano()))
	defer os.Remove(work)

	conf := newConfiguration()
	if err := api.ImportImagesFile([]string{req.QRImage}, work, nil, conf); err != nil {
		return "", fmt.Errorf("import qr image: %w", err)
	}
	desc := fmt.Sprintf("pos:bl, off:10 10, points:%d, scale:1 abs, rot:0, fillcolor:#000000", s.cfg.FontSize)
	if err := api.AddTextWatermarksFile(work, "", []string{"1"}, true, stampText(req), desc, conf); err != nil {
		return "", fmt.Errorf("add footer text: %w", err)
	}

	out := filepath.Join(s.cfg.OutputDir, fmt.Sprintf("Fiscal_%s_%s.pdf", req.InvoiceNumber, stamp))
	if err := s.files.CopyFile(ctx, work, out); err != nil {
		return "", err
	}
	return out, nil
}

// writeTextArtifact records the fiscal data as plain text next to the outputs
func (s *Stamper) writeTextArtifact(ctx context.Context, req Request, stamp string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Invoice: %s\n", req.InvoiceNumber)
	fmt.Fprintf(&sb, "Source: %s\n", req.SourcePDF)
	fmt.Fprintf(&sb, "QR: %s\n", req.QRImage)
	if req.Footer != "" {
		sb.WriteString(req.Footer)
		sb.WriteString("\n")
	}

	out := filepath.Join(s.cfg.OutputDir, fmt.Sprintf("Fiscal_%s_%s.txt", req.InvoiceNumber, stamp))
	if err := s.files.SaveFile(ctx, out, []byte(sb.String())); err != nil {
		return "", err
	}
	return out, nil
}

// imageDescription scales the QR image to QRSizePoints and anchors it bottom-left
func (s *Stamper) imageDescription(qrPath string) (string, error) {
	f, err := os.Open(qrPath)
	if err != nil {
		return "", fmt.Errorf("open qr image: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return "", fmt.Errorf("decode qr image: %w", err)
	}
	if cfg.Width == 0 {
		return "", fmt.Errorf("qr image %s is empty", qrPath)
	}

	scale := s.cfg.QRSizePoints / float64(cfg.Width)
	return fmt.Sprintf("pos:bl, off:%.0f %.0f, scale:%.4f abs, rot:0", s.cfg.QRX, s.cfg.QRY, scale), nil
}

func (s *Stamper) textDescription() string {
	return fmt.Sprintf("pos:bl, off:%.0f %.0f, fontname:Helvetica-Bold, points:%d, scale:1 abs, rot:0, fillcolor:#000000",
		s.cfg.TextX, s.cfg.TextY, s.cfg.FontSize)
}

func stampText(req Request) string {
	text := "Invoice: " + req.InvoiceNumber
	if req.Footer != "" {
		text += "\n" + req.Footer
	}
	return text
}

func newConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}
