package cachectl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-multiread/internal/logging"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeDrop, false},
		{"drop", ModeDrop, false},
		{"FADVISE", ModeFadvise, false},
		{"none", ModeNone, false},
		{"purge", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseMode(%q)", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestDropHostWritesThree(t *testing.T) {
	ctlPath := filepath.Join(t.TempDir(), "drop_caches")
	require.NoError(t, os.WriteFile(ctlPath, nil, 0o644))

	synced := 0
	c := &Controller{
		Mode:           ModeDrop,
		DropCachesPath: ctlPath,
		Sync:           func() { synced++ },
		Logger:         logging.Nop(),
	}
	require.NoError(t, c.DropCaches(nil))

	got, err := os.ReadFile(ctlPath)
	require.NoError(t, err)
	assert.Equal(t, "3", string(got))
	assert.Equal(t, 1, synced, "dirty pages are flushed before the drop")
}

func TestDropHostMissingControlFile(t *testing.T) {
	c := &Controller{
		Mode:           ModeDrop,
		DropCachesPath: filepath.Join(t.TempDir(), "absent"),
		Logger:         logging.Nop(),
	}
	err := c.DropCaches(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDropHostPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	ctlPath := filepath.Join(t.TempDir(), "drop_caches")
	require.NoError(t, os.WriteFile(ctlPath, nil, 0o444))

	c := &Controller{Mode: ModeDrop, DropCachesPath: ctlPath, Logger: logging.Nop()}
	err := c.DropCaches(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestDropFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, make([]byte, 64*1024), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	c := &Controller{Mode: ModeFadvise, Logger: logging.Nop()}
	require.NoError(t, c.DropCaches(f))

	require.Error(t, c.DropCaches(nil), "fadvise needs the target file")
}

func TestDropNone(t *testing.T) {
	c := &Controller{Mode: ModeNone, DropCachesPath: "/nonexistent", Logger: logging.Nop()}
	assert.NoError(t, c.DropCaches(nil))
}

func TestUnknownMode(t *testing.T) {
	c := &Controller{Mode: "purge", Logger: logging.Nop()}
	assert.Error(t, c.DropCaches(nil))
}

func TestNewDefaults(t *testing.T) {
	c := New(ModeDrop)
	assert.Equal(t, "/proc/sys/vm/drop_caches", c.DropCachesPath)
	assert.NotNil(t, c.Sync)
}
