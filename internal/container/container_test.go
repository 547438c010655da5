package container

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/garyjia/kra-fiscalizer/internal/config"
	"github.com/garyjia/kra-fiscalizer/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	root := t.TempDir()
	cfg.Folders = config.FoldersConfig{
		Input:   filepath.Join(root, "input"),
		Output:  filepath.Join(root, "output"),
		Posting: filepath.Join(root, "posting"),
		Sent:    filepath.Join(root, "sent"),
		Fail:    filepath.Join(root, "fail"),
		QR:      filepath.Join(root, "qr"),
		Work:    filepath.Join(root, "work"),
	}
	cfg.Database.Path = filepath.Join(root, "db", "fiscalizer.db")
	cfg.Tariff.ReferencePath = filepath.Join(root, "missing.xlsx")
	return cfg
}

func TestNewContainer_Validation(t *testing.T) {
	_, err := NewContainer(nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewContainer(testConfig(t), nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Fiscal.PostingPrefix = ""
	_, err = NewContainer(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestContainer_Lifecycle(t *testing.T) {
	c, err := NewContainer(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Ready())
	assert.Error(t, c.Start(context.Background()))

	assert.NotNil(t, c.Processor())
	assert.NotNil(t, c.Repositories().Receipts)
	assert.Zero(t, c.Session().Materials())

	health := c.Health()
	assert.True(t, health.Overall)
	assert.True(t, health.Components["database"].Healthy)
	assert.True(t, health.Components["folders"].Healthy)
	assert.False(t, health.Components["tariff"].Healthy)

	require.NoError(t, c.StartWorkers())
	_, err = c.BatchWorker().Submit(nil)
	assert.ErrorIs(t, err, worker.ErrNoInputFiles)

	require.NoError(t, c.Close())
	assert.False(t, c.Ready())
	assert.Error(t, c.Close())
	assert.Error(t, c.Start(context.Background()))
}

func TestContainer_StartWorkersRequiresStart(t *testing.T) {
	c, err := NewContainer(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	assert.Error(t, c.StartWorkers())
}
