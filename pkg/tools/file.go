package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// maxFileBytes caps how much of a file the read tool returns.
const maxFileBytes = 256 * 1024

// FileTool provides sandboxed filesystem access: read (with document text
// extraction for PDF, DOCX and XLSX), write, and directory listing.
type FileTool struct{}

// NewFileTool creates the sandboxed file tool.
func NewFileTool() *FileTool { return &FileTool{} }

func (t *FileTool) Definition() Definition {
	return Definition{
		Name: "file",
		Description: "Read, write, or list files inside the working directory. Reading a PDF, " +
			"DOCX, or XLSX file extracts its text.",
		Parameters: ObjectSchema(map[string]any{
			"action":  Prop("string", "One of: read, write, list"),
			"path":    Prop("string", "Path relative to the working directory"),
			"content": Prop("string", "Content to write (write action only)"),
		}, "action", "path"),
		Scope: ScopeSandboxed,
	}
}

func (t *FileTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	return Fail("file tool requires a sandbox"), nil
}

// ExecuteIn dispatches the requested action inside the sandbox.
func (t *FileTool) ExecuteIn(ctx context.Context, sb *Sandbox, args map[string]any) (Result, error) {
	path, err := sb.Resolve(StringArg(args, "path"))
	if err != nil {
		return Violation("%v", err), nil
	}

	switch action := StringArg(args, "action"); action {
	case "read":
		if !sb.Allowed(OpRead) {
			return Violation("read is not permitted in this sandbox"), nil
		}
		return t.read(ctx, path)
	case "write":
		if !sb.Allowed(OpWrite) {
			return Violation("write is not permitted in this sandbox"), nil
		}
		return t.write(path, StringArg(args, "content"))
	case "list":
		if !sb.Allowed(OpList) {
			return Violation("list is not permitted in this sandbox"), nil
		}
		return t.list(path)
	default:
		return Fail("unknown action %q: use read, write, or list", action), nil
	}
}

func (t *FileTool) read(ctx context.Context, path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fail("reading %s: %v", filepath.Base(path), err), nil
	}
	if info.IsDir() {
		return Fail("%s is a directory: use the list action", filepath.Base(path)), nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return t.readPDF(ctx, path, info.Size())
	case ".docx":
		return t.readDocx(path)
	case ".xlsx":
		return t.readXlsx(ctx, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Fail("reading %s: %v", filepath.Base(path), err), nil
	}
	if len(data) > maxFileBytes {
		data = data[:maxFileBytes]
		return Text(string(data) + "\n... (truncated)"), nil
	}
	return Text(string(data)), nil
}

func (t *FileTool) write(path, content string) (Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Fail("creating parent directory: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Fail("writing %s: %v", filepath.Base(path), err), nil
	}
	return Text(fmt.Sprintf("wrote %d bytes to %s", len(content), filepath.Base(path))), nil
}

func (t *FileTool) list(path string) (Result, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return Fail("listing %s: %v", filepath.Base(path), err), nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(&b, "%s\n", e.Name())
			continue
		}
		fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), info.Size())
	}
	if b.Len() == 0 {
		return Text("directory is empty"), nil
	}
	return Text(strings.TrimSpace(b.String())), nil
}

func (t *FileTool) readPDF(ctx context.Context, path string, size int64) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fail("opening PDF: %v", err), nil
	}
	defer f.Close()

	reader, err := pdf.NewReader(f, size)
	if err != nil {
		return Fail("parsing PDF: %v", err), nil
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		select {
		case <-ctx.Done():
			return Fail("PDF extraction cancelled"), nil
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}
	if len(parts) == 0 {
		return Text("PDF contains no extractable text"), nil
	}
	return Text(strings.Join(parts, "\n\n")), nil
}

func (t *FileTool) readDocx(path string) (Result, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return Fail("parsing DOCX: %v", err), nil
	}
	defer doc.Close()
	return Text(doc.Editable().GetContent()), nil
}

func (t *FileTool) readXlsx(ctx context.Context, path string) (Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Fail("parsing XLSX: %v", err), nil
	}
	defer f.Close()

	const maxCells = 1000

	var parts []string
	for _, sheet := range f.GetSheetList() {
		select {
		case <-ctx.Done():
			return Fail("XLSX extraction cancelled"), nil
		default:
		}

		var b strings.Builder
		fmt.Fprintf(&b, "--- Sheet: %s ---\n", sheet)

		rows, err := f.GetRows(sheet)
		if err != nil {
			fmt.Fprintf(&b, "error reading sheet: %v\n", err)
			parts = append(parts, strings.TrimSpace(b.String()))
			continue
		}

		cells := 0
	sheetLoop:
		for ri, row := range rows {
			for ci, cell := range row {
				if cells >= maxCells {
					b.WriteString("... (truncated)\n")
					break sheetLoop
				}
				if text := strings.TrimSpace(cell); text != "" {
					fmt.Fprintf(&b, "%s%d: %s\n", columnLetter(ci), ri+1, text)
					cells++
				}
			}
		}
		parts = append(parts, strings.TrimSpace(b.String()))
	}
	return Text(strings.Join(parts, "\n\n")), nil
}

// columnLetter converts a 0-based column index to a spreadsheet column label.
func columnLetter(index int) string {
	result := ""
	for {
		result = string(rune('A'+index%26)) + result
		index = index/26 - 1
		if index < 0 {
			break
		}
	}
	return result
}
