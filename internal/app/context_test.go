package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buyrs/BM-sub005/internal/engine"
)

func TestOpenWiresEngine(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	cfgPath := filepath.Join(workspace, "bailmobilite.yml")
	archiveDir := filepath.Join(workspace, "archive")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  driver: local\n  local_dir: "+archiveDir+"\n"), 0o644))

	a, err := Open(ctx, Options{Workspace: workspace})
	require.NoError(t, err)
	defer a.Close()

	require.NotEmpty(t, a.Migrations)
	require.NotNil(t, a.Engine.Bus)
	require.NotNil(t, a.Engine.Dispatcher)
	require.NotNil(t, a.Engine.Archive)

	bm, err := a.Engine.CreateBailMobilite(ctx, engine.BailCreateOptions{
		StartDate:  "2025-02-01",
		EndDate:    "2025-02-28",
		TenantName: "Jeanne Martin",
		ActorID:    "ops-1",
	})
	require.NoError(t, err)
	require.Equal(t, "ops-1", bm.OpsUserID)

	again, err := Open(ctx, Options{Workspace: workspace})
	require.NoError(t, err)
	defer again.Close()
	require.Empty(t, again.Migrations)
	got, err := again.Engine.GetBailMobilite(ctx, bm.ID)
	require.NoError(t, err)
	require.Equal(t, bm.TenantName, got.TenantName)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	workspace := t.TempDir()
	cfgPath := filepath.Join(workspace, "custom.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  driver: floppy\n"), 0o644))

	_, err := Open(context.Background(), Options{Workspace: workspace, ConfigPath: cfgPath})
	require.Error(t, err)
}
