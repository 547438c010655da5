package qr

import (
	"bytes"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type osWriter struct{}

func (osWriter) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}

const seal = "https://itax.kra.go.ke/KRA-Portal/invoiceChk.htm?actionCode=loadPage&invoiceNo=0100012345"

func TestGenerator_Generate(t *testing.T) {
	g := NewGenerator(Config{Dir: t.TempDir()}, osWriter{}, zap.NewNop())

	first, err := g.Generate(seal)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(first))
	require.NoError(t, err)
	bounds := img.Bounds()
	assert.Equal(t, bounds.Dx(), bounds.Dy())
	assert.Zero(t, bounds.Dx()%DefaultModulePixels)

	second, err := g.Generate(seal)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGenerator_ModulePixelsScalesImage(t *testing.T) {
	small := NewGenerator(Config{ModulePixels: 2}, osWriter{}, zap.NewNop())
	large := NewGenerator(Config{ModulePixels: 6}, osWriter{}, zap.NewNop())

	a, err := small.Generate(seal)
	require.NoError(t, err)
	b, err := large.Generate(seal)
	require.NoError(t, err)

	imgA, err := png.Decode(bytes.NewReader(a))
	require.NoError(t, err)
	imgB, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, imgA.Bounds().Dx()*3, imgB.Bounds().Dx())
}

func TestGenerator_OverCapacity(t *testing.T) {
	g := NewGenerator(Config{}, osWriter{}, zap.NewNop())

	_, err := g.Generate(strings.Repeat("https://x", 1000))

	var encErr *models.EncodingError
	require.True(t, errors.As(err, &encErr))
}

func TestGenerator_WriteForInvoice(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(Config{Dir: dir}, osWriter{}, zap.NewNop())

	path, err := g.WriteForInvoice("KE00001017", seal)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "KE00001017.png"), path)
	assert.FileExists(t, path)

	found, ok := g.FindExisting("KE00001017")
	assert.True(t, ok)
	assert.Equal(t, path, found)
}

func TestGenerator_FindExistingLegacy(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(Config{Dir: dir}, osWriter{}, zap.NewNop())

	for _, name := range []string{
		"QR_KE00001017_20250520171712.png",
		"QR_KE00001017_20250521080000.png",
		"QR_KE00009999_20250601000000.png",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("png"), 0644))
	}

	found, ok := g.FindExisting("KE00001017")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "QR_KE00001017_20250521080000.png"), found)

	_, ok = g.FindExisting("KE00000000")
	assert.False(t, ok)
}
