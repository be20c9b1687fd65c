package pdf

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

// testPDF は pages ページの空白ページだけを持つPDFを返します。
func testPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func memUpload(name string, data []byte) tools.Upload {
	return tools.Upload{
		Filename: name,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

type fixture struct {
	env tools.Env
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return &fixture{env: tools.Env{
		Storage:     st,
		Limits:      tools.Limits{MaxFileSize: 10 << 20, MaxPages: 50},
		Ghostscript: tools.NewGhostscript("/nonexistent/gs"),
	}}
}

func (f *fixture) withGhostscript(t *testing.T) {
	t.Helper()
	gs := tools.NewGhostscript("")
	if !gs.Available() {
		t.Skip("ghostscript is not installed")
	}
	f.env.Ghostscript = gs
}

// prepare はジョブディレクトリを割り当てて Prepare を呼びます。
func (f *fixture) prepare(t *testing.T, tool tools.Tool, req *tools.PrepareRequest) (*jobs.Job, storage.Dir, *tools.Prepared, error) {
	t.Helper()
	id := uuid.NewString()
	dir, err := f.env.Storage.Allocate(id, tool.Subdirs()...)
	require.NoError(t, err)
	prepared, err := tool.Prepare(context.Background(), dir, req)
	job := &jobs.Job{ID: id, Tool: tool.Name(), Status: jobs.StatusProcessing}
	if prepared != nil {
		job.TotalUnits = prepared.TotalUnits
		job.Metadata = prepared.Metadata
	}
	return job, dir, prepared, err
}

type progress struct {
	calls [][2]int
}

func (p *progress) report(current, total int) {
	p.calls = append(p.calls, [2]int{current, total})
}

func run(t *testing.T, tool tools.Tool, job *jobs.Job, dir storage.Dir) (*jobs.Output, *progress) {
	t.Helper()
	work, err := tool.Work(context.Background(), job, dir)
	require.NoError(t, err)
	p := &progress{}
	out, err := work(context.Background(), p.report)
	require.NoError(t, err)
	return out, p
}

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}

func TestParsePageRanges(t *testing.T) {
	cases := []struct {
		expr    string
		pages   int
		want    []jobs.PageRange
		wantErr bool
	}{
		{expr: "1-3,4,5-", pages: 8, want: []jobs.PageRange{{Start: 1, End: 3}, {Start: 4, End: 4}, {Start: 5, End: 8}}},
		{expr: " 2 , 4-6 ", pages: 6, want: []jobs.PageRange{{Start: 2, End: 2}, {Start: 4, End: 6}}},
		{expr: "3-1", pages: 5, wantErr: true},
		{expr: "1-3,2-4", pages: 5, wantErr: true},
		{expr: "4,2", pages: 5, wantErr: true},
		{expr: "1-,2", pages: 5, wantErr: true},
		{expr: "0", pages: 5, wantErr: true},
		{expr: "6", pages: 5, wantErr: true},
		{expr: "1,,2", pages: 5, wantErr: true},
		{expr: "a-b", pages: 5, wantErr: true},
		{expr: "", pages: 5, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := parsePageRanges(tc.expr, tc.pages)
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, "INVALID_INPUT", jobs.AsError(err).Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidateOrder(t *testing.T) {
	assert.NoError(t, validateOrder("pageOrder", []int{2, 0, 1}, 3))
	assert.Error(t, validateOrder("pageOrder", []int{0, 1}, 3))
	assert.Error(t, validateOrder("pageOrder", []int{0, 0, 1}, 3))
	assert.Error(t, validateOrder("pageOrder", []int{0, 1, 3}, 3))
	assert.Equal(t, []string{"3", "1", "2"}, pageSelection([]int{2, 0, 1}))
}

func TestSplitProducesZipOfParts(t *testing.T) {
	f := newFixture(t)
	tool := NewSplit(f.env)

	job, dir, prepared, err := f.prepare(t, tool, &tools.PrepareRequest{
		Files:  []tools.Upload{memUpload("report.pdf", testPDF(5))},
		Params: map[string][]string{"ranges": {"1-2,3,4-"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, prepared.TotalUnits)
	assert.Equal(t, "in/source.pdf", prepared.InputRef)

	out, p := run(t, tool, job, dir)
	assert.Equal(t, "out/split.zip", out.Ref)
	assert.Equal(t, []string{"part-01.pdf", "part-02.pdf", "part-03.pdf"}, zipEntries(t, dir.Join(out.Ref)))
	assert.Equal(t, [2]int{4, 4}, p.calls[len(p.calls)-1])

	meta, ok := out.Metadata.(*jobs.SplitMeta)
	require.True(t, ok)
	require.Len(t, meta.Parts, 3)
	assert.Equal(t, 2, meta.Parts[0].Pages)
	assert.Equal(t, 5, meta.Source.Pages)

	n, err := pageCount(dir.Join(storage.OutDir, splitPartsDir, "part-03.pdf"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job.Metadata = out.Metadata
	assert.Equal(t, "report_split.zip", tool.Artifact(job).Filename)
}

func TestSplitRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	tool := NewSplit(f.env)

	_, _, _, err := f.prepare(t, tool, &tools.PrepareRequest{
		Files: []tools.Upload{memUpload("a.pdf", testPDF(2))},
	})
	require.Error(t, err)
	assert.Equal(t, "INVALID_INPUT", jobs.AsError(err).Code)

	_, _, _, err = f.prepare(t, tool, &tools.PrepareRequest{
		Files:  []tools.Upload{memUpload("notes.pdf", []byte("plain text, not a pdf"))},
		Params: map[string][]string{"ranges": {"1"}},
	})
	require.Error(t, err)
	assert.Equal(t, "UNSUPPORTED_FORMAT", jobs.AsError(err).Code)
}

func TestSplitRejectsTooManyPages(t *testing.T) {
	f := newFixture(t)
	f.env.Limits.MaxPages = 3
	_, _, _, err := f.prepare(t, NewSplit(f.env), &tools.PrepareRequest{
		Files:  []tools.Upload{memUpload("big.pdf", testPDF(4))},
		Params: map[string][]string{"ranges": {"1"}},
	})
	require.Error(t, err)
	assert.Equal(t, "LIMIT_EXCEEDED", jobs.AsError(err).Code)
}

func TestMergeFollowsConfirmedOrder(t *testing.T) {
	f := newFixture(t)
	tool := NewMerge(f.env)

	job, dir, prepared, err := f.prepare(t, tool, &tools.PrepareRequest{
		Files: []tools.Upload{
			memUpload("first.pdf", testPDF(2)),
			memUpload("second.pdf", testPDF(3)),
			memUpload("third.pdf", testPDF(1)),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, prepared.TotalUnits)
	meta := prepared.Metadata.(*jobs.MergeMeta)
	assert.Equal(t, 6, meta.TotalPages)

	err = tool.Confirm(context.Background(), job, dir, []byte(`{"fileOrder":[0,0,1]}`))
	require.Error(t, err)
	require.NoError(t, tool.Confirm(context.Background(), job, dir, []byte(`{"fileOrder":[2,0,1]}`)))

	out, p := run(t, tool, job, dir)
	assert.Equal(t, "out/merged.pdf", out.Ref)
	n, err := pageCount(dir.Join(out.Ref))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	result := out.Metadata.(*jobs.MergeMeta)
	assert.Equal(t, []int{2, 0, 1}, result.FileOrder)
	assert.Positive(t, result.OutputSize)
	assert.Equal(t, [][2]int{{2, 3}, {3, 3}}, p.calls)
}

func TestMergeEmptyConfirmKeepsUploadOrder(t *testing.T) {
	f := newFixture(t)
	tool := NewMerge(f.env)
	job, dir, _, err := f.prepare(t, tool, &tools.PrepareRequest{
		Files: []tools.Upload{memUpload("a.pdf", testPDF(1)), memUpload("b.pdf", testPDF(1))},
	})
	require.NoError(t, err)
	require.NoError(t, tool.Confirm(context.Background(), job, dir, nil))

	out, _ := run(t, tool, job, dir)
	assert.Equal(t, []int{0, 1}, out.Metadata.(*jobs.MergeMeta).FileOrder)
}

func TestMergeFileCountLimits(t *testing.T) {
	f := newFixture(t)
	tool := NewMerge(f.env)

	_, _, _, err := f.prepare(t, tool, &tools.PrepareRequest{Files: []tools.Upload{memUpload("a.pdf", testPDF(1))}})
	require.Error(t, err)
	assert.Equal(t, "INVALID_INPUT", jobs.AsError(err).Code)

	many := make([]tools.Upload, mergeMaxFiles+1)
	for i := range many {
		many[i] = memUpload(fmt.Sprintf("%d.pdf", i), testPDF(1))
	}
	_, _, _, err = f.prepare(t, tool, &tools.PrepareRequest{Files: many})
	require.Error(t, err)
	assert.Equal(t, "LIMIT_EXCEEDED", jobs.AsError(err).Code)
}

func TestOrganizeRequiresFullPageOrder(t *testing.T) {
	f := newFixture(t)
	tool := NewOrganize(f.env)

	job, dir, prepared, err := f.prepare(t, tool, &tools.PrepareRequest{
		Files: []tools.Upload{memUpload("deck.pdf", testPDF(3))},
	})
	require.NoError(t, err)
	meta := prepared.Metadata.(*jobs.OrganizeMeta)
	assert.Empty(t, meta.Thumbnails, "thumbnails are skipped without ghostscript")

	ctx := context.Background()
	assert.Error(t, tool.Confirm(ctx, job, dir, nil))
	assert.Error(t, tool.Confirm(ctx, job, dir, []byte(`{"pageOrder":[0,1]}`)))
	assert.Error(t, tool.Confirm(ctx, job, dir, []byte(`not json`)))
	require.NoError(t, tool.Confirm(ctx, job, dir, []byte(`{"pageOrder":[2,1,0]}`)))

	out, _ := run(t, tool, job, dir)
	n, err := pageCount(dir.Join(out.Ref))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{2, 1, 0}, out.Metadata.(*jobs.OrganizeMeta).PageOrder)

	job.Metadata = out.Metadata
	assert.Equal(t, "deck_organized.pdf", tool.Artifact(job).Filename)
}

func TestOrganizeRendersThumbnails(t *testing.T) {
	f := newFixture(t)
	f.withGhostscript(t)

	_, _, prepared, err := f.prepare(t, NewOrganize(f.env), &tools.PrepareRequest{
		Files: []tools.Upload{memUpload("deck.pdf", testPDF(2))},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"page-001.png", "page-002.png"}, prepared.Metadata.(*jobs.OrganizeMeta).Thumbnails)
}

func TestResolveCompressParams(t *testing.T) {
	pct := func(v float64) *float64 { return &v }

	p, err := resolveCompressParams(compressRequest{}, 1000)
	require.NoError(t, err)
	assert.Equal(t, compressParams{Preset: "medium", DPI: 150, Quality: 75}, p)

	p, err = resolveCompressParams(compressRequest{Preset: "LOW"}, 1000)
	require.NoError(t, err)
	assert.Equal(t, 72, p.DPI)
	assert.Equal(t, 50, p.Quality)

	p, err = resolveCompressParams(compressRequest{CompressByPercent: pct(40)}, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(600), p.TargetSize)

	p, err = resolveCompressParams(compressRequest{MaxFileSizeMb: pct(2)}, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(2*1024*1024), p.TargetSize)

	_, err = resolveCompressParams(compressRequest{CompressByPercent: pct(100)}, 1000)
	assert.Error(t, err)
	_, err = resolveCompressParams(compressRequest{Preset: "ultra"}, 1000)
	assert.Error(t, err)
	_, err = resolveCompressParams(compressRequest{Preset: "low", MaxFileSizeMb: pct(1)}, 1000)
	assert.Error(t, err)
}

func TestCompressArgs(t *testing.T) {
	args := compressArgs(compressPresets["high"], "/out.pdf", "/in.pdf")
	assert.Contains(t, args, "-sDEVICE=pdfwrite")
	assert.Contains(t, args, "-dColorImageResolution=300")
	assert.Contains(t, args, "-dJPEGQ=85")
	assert.Equal(t, "/in.pdf", args[len(args)-1])
	assert.Equal(t, "-sOutputFile=/out.pdf", args[len(args)-2])
}

func TestGhostscriptToolsNeedBinary(t *testing.T) {
	f := newFixture(t)
	for _, tool := range []tools.Tool{NewCompress(f.env), NewRender(f.env)} {
		_, _, _, err := f.prepare(t, tool, &tools.PrepareRequest{
			Files: []tools.Upload{memUpload("a.pdf", testPDF(1))},
		})
		require.Error(t, err)
		assert.Equal(t, "GHOSTSCRIPT_UNAVAILABLE", jobs.AsError(err).Code)
	}
}

func TestParseRenderParams(t *testing.T) {
	p, err := parseRenderParams(&tools.PrepareRequest{})
	require.NoError(t, err)
	assert.Equal(t, renderParams{DPI: 200, Format: "png"}, p)

	p, err = parseRenderParams(&tools.PrepareRequest{Params: map[string][]string{"dpi": {"300"}, "format": {"JPG"}}})
	require.NoError(t, err)
	assert.Equal(t, renderParams{DPI: 300, Format: "jpeg"}, p)

	_, err = parseRenderParams(&tools.PrepareRequest{Params: map[string][]string{"dpi": {"50"}}})
	assert.Error(t, err)
	_, err = parseRenderParams(&tools.PrepareRequest{Params: map[string][]string{"format": {"gif"}}})
	assert.Error(t, err)
}

func TestRenderProducesImagePerPage(t *testing.T) {
	f := newFixture(t)
	f.withGhostscript(t)
	tool := NewRender(f.env)

	job, dir, _, err := f.prepare(t, tool, &tools.PrepareRequest{
		Files:  []tools.Upload{memUpload("slides.pdf", testPDF(2))},
		Params: map[string][]string{"dpi": {"72"}},
	})
	require.NoError(t, err)

	out, _ := run(t, tool, job, dir)
	assert.Equal(t, []string{"slides_page-001.png", "slides_page-002.png"}, zipEntries(t, dir.Join(out.Ref)))
}

func TestCompressWithTargetSize(t *testing.T) {
	f := newFixture(t)
	f.withGhostscript(t)
	tool := NewCompress(f.env)

	job, dir, _, err := f.prepare(t, tool, &tools.PrepareRequest{
		Files: []tools.Upload{memUpload("scan.pdf", testPDF(2))},
	})
	require.NoError(t, err)
	require.NoError(t, tool.Confirm(context.Background(), job, dir, []byte(`{"maxFileSizeMb":5}`)))

	out, _ := run(t, tool, job, dir)
	meta := out.Metadata.(*jobs.CompressMeta)
	assert.True(t, meta.TargetMet)
	assert.Positive(t, meta.CompressedSize)
	assert.NoDirExists(t, dir.Join(storage.OutDir, compressTrialsDir))
}
