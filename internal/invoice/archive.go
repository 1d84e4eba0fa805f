// Package invoice inspects invoice archives and defines the conversion
// collaborator boundary.
//
// Colombian electronic invoices arrive as zip attachments holding a UBL
// AttachedDocument XML (the actual <Invoice> embedded as an escaped payload
// inside cbc:Description) plus, usually, a rendered PDF.
package invoice

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNoInvoice means the archive contained no XML entry yielding a parseable
// Invoice document. The message stays unlabeled so future full syncs keep
// surfacing it for manual inspection.
var ErrNoInvoice = errors.New("no invoice document found in archive")

// Document is the extraction result for one archive.
type Document struct {
	// InvoiceXML is the standalone <Invoice> document.
	InvoiceXML []byte
	// Reference is the sanitized invoice id, used as the deterministic
	// destination folder name. Falls back to the XML filename stem.
	Reference string
	// PDFName and PDF carry the first PDF entry of the archive, if any.
	PDFName string
	PDF     []byte
}

// ExtractArchive scans a zip archive for invoice XML. The first entry that
// yields a parseable Invoice wins; later entries are ignored.
func ExtractArchive(data []byte) (*Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip archive: %w", err)
	}

	var pdfEntry *zip.File
	var lastErr error
	doc := (*Document)(nil)

	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		lower := strings.ToLower(entry.Name)
		switch {
		case strings.HasSuffix(lower, ".pdf"):
			if pdfEntry == nil {
				pdfEntry = entry
			}
		case strings.HasSuffix(lower, ".xml"):
			if doc != nil {
				continue
			}
			raw, err := readEntry(entry)
			if err != nil {
				lastErr = err
				continue
			}
			invoiceXML, id, err := extractInvoice(raw)
			if err != nil {
				lastErr = err
				continue
			}
			ref := SafeName(id)
			if id == "" {
				ref = SafeName(strings.TrimSuffix(path.Base(entry.Name), path.Ext(entry.Name)))
			}
			doc = &Document{InvoiceXML: invoiceXML, Reference: ref}
		}
	}

	if doc == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: last error: %v", ErrNoInvoice, lastErr)
		}
		return nil, ErrNoInvoice
	}

	if pdfEntry != nil {
		raw, err := readEntry(pdfEntry)
		if err == nil {
			doc.PDFName = SafeName(path.Base(pdfEntry.Name))
			doc.PDF = raw
		}
	}
	return doc, nil
}

func readEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// extractInvoice returns the standalone Invoice document contained in data:
// either data itself, or the first parseable <Invoice> payload embedded in an
// AttachedDocument's cbc:Description.
func extractInvoice(data []byte) ([]byte, string, error) {
	root, err := rootLocalName(data)
	if err != nil {
		return nil, "", err
	}
	if root == "Invoice" {
		return data, invoiceID(data), nil
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("parse attached document: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "Description" {
			continue
		}

		var payload string
		if err := dec.DecodeElement(&payload, &se); err != nil {
			continue
		}
		if !strings.Contains(payload, "<Invoice") {
			continue
		}
		inner := []byte(strings.TrimSpace(payload))
		if name, err := rootLocalName(inner); err == nil && name == "Invoice" {
			return inner, invoiceID(inner), nil
		}
	}
	return nil, "", fmt.Errorf("no embedded invoice payload in %s document", root)
}

// rootLocalName returns the local name of the document's root element.
func rootLocalName(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("parse xml root: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

// invoiceID returns the text of the first depth-2 ID element (cbc:ID directly
// under the Invoice root), which carries the invoice number in UBL.
func invoiceID(data []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && t.Name.Local == "ID" {
				var s string
				if err := dec.DecodeElement(&s, &t); err != nil {
					return ""
				}
				return strings.TrimSpace(s)
			}
		case xml.EndElement:
			depth--
		}
	}
}

// SafeName strips characters that are invalid in file and folder names.
func SafeName(value string) string {
	var b strings.Builder
	for _, ch := range value {
		if ch < 32 || strings.ContainsRune(`<>:"/\|?*`, ch) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(ch)
	}
	cleaned := strings.Trim(strings.TrimSpace(b.String()), ".")
	if cleaned == "" {
		return "Factura"
	}
	return cleaned
}
