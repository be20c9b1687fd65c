package tools

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

func TestCreateZipSortsEntries(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for _, name := range []string{"part-02.pdf", "part-01.pdf", "part-10.pdf"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o640))
		files = append(files, p)
	}

	out := filepath.Join(dir, "split.zip")
	require.NoError(t, CreateZip(out, files))

	r, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"part-01.pdf", "part-02.pdf", "part-10.pdf"}, names)
	assert.Equal(t, "part-02.pdf", filepath.Base(files[0]), "input slice is not reordered")
}

func TestManifestRoundTrip(t *testing.T) {
	st, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	dir, err := st.Allocate("6f1c2f7e-5b1a-4c1e-9a55-0d7a9f3c2b11")
	require.NoError(t, err)

	type params struct {
		Order []int `json:"order"`
	}
	m, err := NewManifest(dir, jobs.ToolMergePDF, []ManifestFile{{StoredName: "01.pdf", OriginalName: "a.pdf", Pages: 3}}, params{Order: []int{1, 0}})
	require.NoError(t, err)
	require.NoError(t, WriteManifest(dir, m))

	loaded, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, jobs.ToolMergePDF, loaded.Tool)
	assert.Equal(t, dir.JobID, loaded.JobID)
	var p params
	require.NoError(t, loaded.DecodeParams(&p))
	assert.Equal(t, []int{1, 0}, p.Order)
	assert.Equal(t, 3, loaded.Files[0].Source().Pages)

	_, err = loaded.File(1)
	assert.Error(t, err)
}

func TestRegistryResolveUnknownTool(t *testing.T) {
	st, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	r := NewRegistry(st)
	_, err = r.Resolve(t.Context(), &jobs.Job{ID: "6f1c2f7e-5b1a-4c1e-9a55-0d7a9f3c2b11", Tool: jobs.ToolSplitPDF})
	assert.Error(t, err)
	assert.Equal(t, "pdf-to-images", Slug(jobs.ToolPDFToImages))
}
