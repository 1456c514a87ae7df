package runner

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

const maxFileBytes = 1 << 20

// PathError reports a job path that may not be used.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q %s", e.Path, e.Reason)
}

// workspace confines job file access to a root directory.
type workspace struct {
	dir string
}

func (w workspace) open() (*os.Root, error) {
	if w.dir == "" {
		return nil, fmt.Errorf("no workspace directory configured")
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return os.OpenRoot(w.dir)
}

func checkPath(rel string) (string, error) {
	if rel == "" {
		return "", &PathError{Path: rel, Reason: "is empty"}
	}
	if filepath.IsAbs(rel) {
		return "", &PathError{Path: rel, Reason: "must be relative to the workspace"}
	}
	if !filepath.IsLocal(rel) {
		return "", &PathError{Path: rel, Reason: "escapes the workspace"}
	}
	return filepath.Clean(rel), nil
}

// write stores content at rel inside the workspace, creating parent directories.
func (w workspace) write(rel, content string) (string, error) {
	clean, err := checkPath(rel)
	if err != nil {
		return "", err
	}
	root, err := w.open()
	if err != nil {
		return "", err
	}
	defer root.Close()

	if dir := filepath.Dir(clean); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := root.WriteFile(clean, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", clean, err)
	}
	return clean, nil
}

// read returns the text of rel. PDFs are converted to plain text; other
// files are read as is, up to maxFileBytes.
func (w workspace) read(rel string) (string, error) {
	clean, err := checkPath(rel)
	if err != nil {
		return "", err
	}
	root, err := w.open()
	if err != nil {
		return "", err
	}
	defer root.Close()

	f, err := root.Open(clean)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", clean, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(clean), ".pdf") {
		info, err := f.Stat()
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", clean, err)
		}
		return pdfText(f, info.Size())
	}

	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", clean, err)
	}
	return string(data), nil
}

func pdfText(r io.ReaderAt, size int64) (string, error) {
	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, maxFileBytes)); err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	return buf.String(), nil
}

// splitFilePrompt splits "path instruction..." into its parts.
func splitFilePrompt(prompt string) (string, string) {
	prompt = strings.TrimSpace(prompt)
	fields := strings.Fields(prompt)
	if len(fields) == 0 {
		return "", ""
	}
	path := fields[0]
	instruction := strings.TrimSpace(strings.TrimPrefix(prompt, path))
	if instruction == "" {
		instruction = "Summarize this file."
	}
	return path, instruction
}
