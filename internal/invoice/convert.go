package invoice

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// OutputFile is one conversion artifact.
type OutputFile struct {
	Name     string
	Data     []byte
	MIMEType string
}

// Converter turns a standalone invoice XML into output artifacts. The
// conversion algorithm itself (pricing, spreadsheet layout) lives outside
// this service.
type Converter interface {
	Convert(ctx context.Context, invoiceXML []byte) ([]OutputFile, error)
}

// CommandConverter invokes an external converter binary: the invoice XML is
// written to stdin and every file the command leaves in a scratch output
// directory (passed as its single argument) is collected.
type CommandConverter struct {
	// Command is the converter executable, optionally with leading
	// arguments, e.g. "facturador-convert --sheet Productos".
	Command string
	// WorkDir hosts the per-invocation scratch directories.
	WorkDir string
}

func (c *CommandConverter) Convert(ctx context.Context, invoiceXML []byte) ([]OutputFile, error) {
	parts := strings.Fields(c.Command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("converter command not configured")
	}

	outDir, err := os.MkdirTemp(c.WorkDir, "convert-")
	if err != nil {
		return nil, fmt.Errorf("create conversion scratch dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	args := append(parts[1:], outDir)
	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Stdin = bytes.NewReader(invoiceXML)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("converter failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("read conversion output: %w", err)
	}

	var files []OutputFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read conversion artifact %s: %w", entry.Name(), err)
		}
		files = append(files, OutputFile{Name: entry.Name(), Data: data, MIMEType: mimeTypeFor(entry.Name())})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("converter produced no output files")
	}
	return files, nil
}

func mimeTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
