package invoice

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func makeZip(t *testing.T, entries [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e[0])
		if err != nil {
			t.Fatalf("create entry %s: %v", e[0], err)
		}
		if _, err := w.Write([]byte(e[1])); err != nil {
			t.Fatalf("write entry %s: %v", e[0], err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func standaloneInvoice(id string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Invoice xmlns="urn:oasis:names:specification:ubl:schema:xsd:Invoice-2" xmlns:cbc="urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2">
  <cbc:UBLVersionID>UBL 2.1</cbc:UBLVersionID>
  <cbc:ID>%s</cbc:ID>
</Invoice>`, id)
}

func attachedDocument(id string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<AttachedDocument xmlns:cac="urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2" xmlns:cbc="urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2">
  <cbc:ID>AD-1</cbc:ID>
  <cac:Attachment>
    <cac:ExternalReference>
      <cbc:Description><![CDATA[%s]]></cbc:Description>
    </cac:ExternalReference>
  </cac:Attachment>
</AttachedDocument>`, standaloneInvoice(id))
}

func TestExtractArchiveStandaloneInvoice(t *testing.T) {
	data := makeZip(t, [][2]string{{"fv12345.xml", standaloneInvoice("FV-12345")}})

	doc, err := ExtractArchive(data)
	if err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if doc.Reference != "FV-12345" {
		t.Fatalf("reference = %q, want FV-12345", doc.Reference)
	}
	if !bytes.Contains(doc.InvoiceXML, []byte("<cbc:ID>FV-12345</cbc:ID>")) {
		t.Fatal("invoice xml not carried through")
	}
	if doc.PDFName != "" || doc.PDF != nil {
		t.Fatal("unexpected pdf in archive without one")
	}
}

func TestExtractArchiveEmbeddedInvoice(t *testing.T) {
	data := makeZip(t, [][2]string{
		{"ad12345.xml", attachedDocument("FV-900")},
		{"ad12345.pdf", "%PDF-1.4 rendered"},
	})

	doc, err := ExtractArchive(data)
	if err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if doc.Reference != "FV-900" {
		t.Fatalf("reference = %q, want FV-900", doc.Reference)
	}
	// The extracted document is the inner Invoice, not the wrapper.
	root, err := rootLocalName(doc.InvoiceXML)
	if err != nil {
		t.Fatalf("parse extracted xml: %v", err)
	}
	if root != "Invoice" {
		t.Fatalf("extracted root = %q, want Invoice", root)
	}
	if doc.PDFName != "ad12345.pdf" {
		t.Fatalf("pdf name = %q, want ad12345.pdf", doc.PDFName)
	}
	if string(doc.PDF) != "%PDF-1.4 rendered" {
		t.Fatal("pdf bytes not carried through")
	}
}

func TestExtractArchiveFirstParseableWins(t *testing.T) {
	data := makeZip(t, [][2]string{
		{"a_first.xml", standaloneInvoice("FV-1")},
		{"b_second.xml", standaloneInvoice("FV-2")},
	})

	doc, err := ExtractArchive(data)
	if err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if doc.Reference != "FV-1" {
		t.Fatalf("reference = %q, want the first entry's FV-1", doc.Reference)
	}
}

func TestExtractArchiveSkipsUnparseableEntries(t *testing.T) {
	data := makeZip(t, [][2]string{
		{"broken.xml", "<<<not xml"},
		{"signature.xml", `<?xml version="1.0"?><Signature/>`},
		{"good.xml", standaloneInvoice("FV-7")},
	})

	doc, err := ExtractArchive(data)
	if err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if doc.Reference != "FV-7" {
		t.Fatalf("reference = %q, want FV-7", doc.Reference)
	}
}

func TestExtractArchiveNoInvoice(t *testing.T) {
	cases := []struct {
		name    string
		entries [][2]string
	}{
		{"no xml at all", [][2]string{{"readme.txt", "hola"}}},
		{"xml without invoice", [][2]string{{"sig.xml", `<?xml version="1.0"?><Signature/>`}}},
		{"wrapper without payload", [][2]string{{"ad.xml", `<?xml version="1.0"?><AttachedDocument><Description>plain text</Description></AttachedDocument>`}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExtractArchive(makeZip(t, tc.entries))
			if !errors.Is(err, ErrNoInvoice) {
				t.Fatalf("err = %v, want ErrNoInvoice", err)
			}
		})
	}
}

func TestExtractArchiveNotAZip(t *testing.T) {
	if _, err := ExtractArchive([]byte("definitely not a zip")); err == nil {
		t.Fatal("expected error for non-zip data")
	}
}

func TestExtractArchiveFilenameFallback(t *testing.T) {
	noID := `<?xml version="1.0"?><Invoice xmlns="urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"><Note>sin id</Note></Invoice>`
	data := makeZip(t, [][2]string{{"carpeta/FacturaMarzo.xml", noID}})

	doc, err := ExtractArchive(data)
	if err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if doc.Reference != "FacturaMarzo" {
		t.Fatalf("reference = %q, want filename stem FacturaMarzo", doc.Reference)
	}
}

func TestInvoiceIDIgnoresNestedIDs(t *testing.T) {
	// Party blocks carry their own cbc:ID deeper in the tree; only the
	// depth-2 one is the invoice number.
	xml := `<?xml version="1.0"?>
<Invoice xmlns:cac="urn:cac" xmlns:cbc="urn:cbc">
  <cac:AccountingSupplierParty>
    <cbc:ID>900123456</cbc:ID>
  </cac:AccountingSupplierParty>
  <cbc:ID> FV-55 </cbc:ID>
</Invoice>`
	data := makeZip(t, [][2]string{{"f.xml", xml}})

	doc, err := ExtractArchive(data)
	if err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if doc.Reference != "FV-55" {
		t.Fatalf("reference = %q, want trimmed depth-2 FV-55", doc.Reference)
	}
}

func TestSafeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"FV-12345", "FV-12345"},
		{`FE/2024\01`, "FE_2024_01"},
		{"factura: enero?", "factura_ enero_"},
		{"  trailing.  ", "trailing"},
		{"", "Factura"},
		{"...", "Factura"},
		{"a<b>c", "a_b_c"},
	}
	for _, tc := range cases {
		if got := SafeName(tc.in); got != tc.want {
			t.Errorf("SafeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractArchiveKeepsFirstPDF(t *testing.T) {
	data := makeZip(t, [][2]string{
		{"zz.xml", standaloneInvoice("FV-3")},
		{"first.pdf", "uno"},
		{"second.pdf", "dos"},
	})

	doc, err := ExtractArchive(data)
	if err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if doc.PDFName != "first.pdf" || string(doc.PDF) != "uno" {
		t.Fatalf("pdf = %q/%q, want first.pdf/uno", doc.PDFName, doc.PDF)
	}
}
