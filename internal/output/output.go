// Package output implements the Output Assembler (C8): driving JSON, TXT,
// and DOCX format writers from one sealed MergedTimeline. Every writer
// durably persists its artifact with the same temp-file-same-dir +
// rename protocol the Chunk Store uses (internal/store), so a reader of
// runs/<runId>/output/ never observes a half-written file. The DOCX
// writer builds a minimal OOXML package directly with the standard
// library's archive/zip and encoding/xml: no Go library in the examples
// pack (or the wider ecosystem survey behind it) produces Word documents,
// only PDF (gofpdf) and Markdown (blackfriday) writers, so this is the
// one component with no third-party library to adopt.
package output

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/galak06/ivrit-transcribe/internal/lang"
	"github.com/galak06/ivrit-transcribe/internal/model"
)

// Format identifies one of the configured output formats.
type Format string

const (
	FormatJSON Format = "json"
	FormatTXT  Format = "txt"
	FormatDOCX Format = "docx"
)

// Request bundles everything a writer needs to produce its artifact.
type Request struct {
	RunID          string
	Source         model.AudioSource
	ConfigSnapshot map[string]any
	Timeline       model.MergedTimeline
	Language       lang.Language
}

// Writer produces one output artifact from a Request into dir, returning
// the path it wrote.
type Writer interface {
	Write(dir string, req Request) (path string, err error)
}

// Assembler drives a fixed set of writers against the same sealed
// Request, guaranteeing every writer observes identical input.
type Assembler struct {
	writers map[Format]Writer
}

// NewAssembler returns an Assembler with the standard JSON/TXT/DOCX
// writers registered.
func NewAssembler() *Assembler {
	return &Assembler{
		writers: map[Format]Writer{
			FormatJSON: JSONWriter{},
			FormatTXT:  TXTWriter{},
			FormatDOCX: DOCXWriter{},
		},
	}
}

// Assemble writes every format in formats to dir (typically
// runs/<runId>/output/), returning the paths written, in the order
// given. An unknown format is a programmer error and returns an error
// immediately without writing partial output.
func (a *Assembler) Assemble(dir string, formats []Format, req Request) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	paths := make([]string, 0, len(formats))
	for _, f := range formats {
		w, ok := a.writers[f]
		if !ok {
			return nil, fmt.Errorf("unrecognized output format %q", f)
		}
		path, err := w.Write(dir, req)
		if err != nil {
			return nil, fmt.Errorf("writing %s output: %w", f, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// writeAtomic writes data to filepath.Join(dir, name) via a temp file in
// the same directory, fsync, then rename — the same durability protocol
// internal/store uses for chunk results.
func writeAtomic(dir, name string, data []byte) (string, error) {
	dest := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	writeErr := func() error {
		if _, err := tmp.Write(data); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		if err := tmp.Sync(); err != nil {
			return fmt.Errorf("fsyncing %s: %w", name, err)
		}
		return tmp.Close()
	}()
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return "", writeErr
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("renaming %s into place: %w", name, err)
	}
	return dest, nil
}

// --- JSON writer --------------------------------------------------------

type jsonWord struct {
	StartSec    float64 `json:"start_sec"`
	EndSec      float64 `json:"end_sec"`
	Word        string  `json:"word"`
	Probability float64 `json:"probability"`
}

type jsonSegment struct {
	StartSec float64    `json:"start_sec"`
	EndSec   float64    `json:"end_sec"`
	Text     string     `json:"text"`
	Words    []jsonWord `json:"words,omitempty"`
	Speaker  string     `json:"speaker,omitempty"`
}

type jsonSpeakerBlock struct {
	Speaker  string  `json:"speaker"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Text     string  `json:"text"`
}

type jsonSource struct {
	Path        string  `json:"path"`
	DurationSec float64 `json:"duration_sec"`
}

type jsonTotals struct {
	Words       int     `json:"words"`
	Chars       int     `json:"chars"`
	DurationSec float64 `json:"duration_sec"`
}

type jsonDocument struct {
	RunID          string             `json:"run_id"`
	Source         jsonSource         `json:"source"`
	ConfigSnapshot map[string]any     `json:"config_snapshot"`
	Segments       []jsonSegment      `json:"segments"`
	SpeakerBlocks  []jsonSpeakerBlock `json:"speaker_blocks,omitempty"`
	FullText       string             `json:"full_text"`
	Totals         jsonTotals         `json:"totals"`
}

// JSONWriter writes the final merged transcript as transcript.json per
// the canonical schema (spec §6).
type JSONWriter struct{}

func (JSONWriter) Write(dir string, req Request) (string, error) {
	doc := jsonDocument{
		RunID:          req.RunID,
		Source:         jsonSource{Path: req.Source.Path, DurationSec: req.Source.DurationSeconds},
		ConfigSnapshot: req.ConfigSnapshot,
		FullText:       req.Timeline.FullText,
		Totals: jsonTotals{
			Words:       req.Timeline.Totals.Words,
			Chars:       req.Timeline.Totals.Chars,
			DurationSec: req.Timeline.Totals.DurationSec,
		},
	}

	for _, s := range req.Timeline.Segments {
		seg := jsonSegment{StartSec: s.StartSec, EndSec: s.EndSec, Text: s.Text, Speaker: s.Speaker}
		for _, w := range s.WordTimings {
			seg.Words = append(seg.Words, jsonWord{
				StartSec: w.StartSec, EndSec: w.EndSec, Word: w.Word, Probability: w.Probability,
			})
		}
		doc.Segments = append(doc.Segments, seg)
	}
	for _, b := range req.Timeline.SpeakerBlocks {
		doc.SpeakerBlocks = append(doc.SpeakerBlocks, jsonSpeakerBlock{
			Speaker: b.Speaker, StartSec: b.StartSec, EndSec: b.EndSec, Text: b.Text,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling transcript: %w", err)
	}
	return writeAtomic(dir, "transcript.json", data)
}

// --- TXT writer ----------------------------------------------------------

// TXTWriter writes the plain-text transcript. When speaker blocks are
// present, it labels each block; otherwise it writes the full text.
type TXTWriter struct{}

func (TXTWriter) Write(dir string, req Request) (string, error) {
	var b strings.Builder
	if len(req.Timeline.SpeakerBlocks) > 0 {
		for _, block := range req.Timeline.SpeakerBlocks {
			fmt.Fprintf(&b, "[%s] %s\n\n", block.Speaker, strings.TrimSpace(block.Text))
		}
	} else {
		b.WriteString(req.Timeline.FullText)
		b.WriteString("\n")
	}
	return writeAtomic(dir, "transcript.txt", []byte(b.String()))
}

// --- DOCX writer ---------------------------------------------------------

// DOCXWriter produces a minimal but valid OOXML WordprocessingML document,
// with right-to-left paragraph direction when req.Language is RTL.
type DOCXWriter struct{}

func (DOCXWriter) Write(dir string, req Request) (string, error) {
	paragraphs := docxParagraphs(req.Timeline)
	documentXML := buildDocumentXML(paragraphs, req.Language.IsRTL())

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	files := []struct {
		name string
		data string
	}{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", relsXML},
		{"word/document.xml", documentXML},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return "", fmt.Errorf("creating %s in docx archive: %w", f.name, err)
		}
		if _, err := w.Write([]byte(f.data)); err != nil {
			return "", fmt.Errorf("writing %s in docx archive: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("closing docx archive: %w", err)
	}

	return writeAtomic(dir, "transcript.docx", buf.Bytes())
}

func docxParagraphs(timeline model.MergedTimeline) []string {
	if len(timeline.SpeakerBlocks) > 0 {
		paras := make([]string, len(timeline.SpeakerBlocks))
		for i, b := range timeline.SpeakerBlocks {
			paras[i] = fmt.Sprintf("[%s] %s", b.Speaker, strings.TrimSpace(b.Text))
		}
		return paras
	}
	if timeline.FullText == "" {
		return nil
	}
	return []string{timeline.FullText}
}

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
  <Default Extension="xml" ContentType="application/xml"/>
  <Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

// buildDocumentXML renders paragraphs into WordprocessingML. When rtl is
// true, each paragraph carries <w:bidi/> and right justification so
// readers render Hebrew/Arabic text in its natural direction.
func buildDocumentXML(paragraphs []string, rtl bool) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)

	for _, p := range paragraphs {
		b.WriteString("<w:p>")
		if rtl {
			b.WriteString(`<w:pPr><w:bidi/><w:jc w:val="right"/></w:pPr>`)
		}
		b.WriteString("<w:r>")
		if rtl {
			b.WriteString(`<w:rPr><w:rtl/></w:rPr>`)
		}
		b.WriteString("<w:t xml:space=\"preserve\">")
		xml.EscapeText(&b, []byte(p))
		b.WriteString("</w:t></w:r></w:p>")
	}

	b.WriteString(`</w:body></w:document>`)
	return b.String()
}
