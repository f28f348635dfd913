package clear

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/docmirror/cmd/util"
	"github.com/sidkik/docmirror/pkg/errors"
	"github.com/sidkik/docmirror/pkg/mirror"
	"github.com/sidkik/docmirror/pkg/remote"
	"github.com/sidkik/docmirror/pkg/remote/mocks"
	"github.com/sidkik/docmirror/pkg/sync"
)

func TestRun(t *testing.T) {
	var out bytes.Buffer
	stdout = &out

	fs := afero.NewOsFs()
	m := mirror.New(fs, t.TempDir())
	require.NoError(t, m.PrepareStaging())
	require.NoError(t, afero.WriteFile(fs, filepath.Join(m.StagingExtractDir(), "README.md"), []byte("# Docs"), 0644))
	require.NoError(t, m.Replace(m.StagingExtractDir()))

	timestamps := &sync.MemoryTimestampStore{}
	require.NoError(t, timestamps.Save(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))

	coordinator, err := sync.New(m, new(mocks.Client), remote.Descriptor{Owner: "org", Name: "docs"},
		timestamps, sync.Options{})
	require.NoError(t, err)

	require.NoError(t, run(context.Background(), coordinator))
	assert.Equal(t, "Cleared the mirror of org/docs.\n", out.String())
	assert.False(t, m.Exists())
	assert.Equal(t, sync.StateEmpty, coordinator.State())

	_, ok, err := timestamps.Load()
	assert.NoError(t, err)
	assert.False(t, ok)

	// Clearing an empty mirror is fine.
	assert.NoError(t, run(context.Background(), coordinator))
}

func TestMainRequiresDataDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docmirror.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("repository: org/docs\n"), 0644))

	err := main(context.Background(), util.Overrides{ConfigPath: path})
	msg, ok := errors.GetFriendlyMessage(err)
	require.True(t, ok)
	assert.Contains(t, msg, "dataDir")
}
