package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilePersister_SaveAndReload(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenFilePersister(dir)
	require.NoError(t, err)
	require.Empty(t, p.Instances())

	inst := Instance{ID: "job-1", Status: StatusCompleted}
	require.NoError(t, p.SaveJob(inst))

	reopened, err := OpenFilePersister(dir)
	require.NoError(t, err)
	instances := reopened.Instances()
	require.Len(t, instances, 1)
	require.Equal(t, inst, instances[0])
}

func TestFilePersister_MissingFileIsNotError(t *testing.T) {
	p, err := OpenFilePersister(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, p.Instances())
}
