// Package contextstore ingests uploaded documents into chunked, embedded
// context entries and serves cosine-similarity retrieval over them.
package contextstore

import (
	"archive/zip"
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/promptgate/promptgate/internal/llm"
)

// minExtractedLen rejects uploads whose extracted text is too short to be a
// useful context.
const minExtractedLen = 20

// minCaptionLen rejects vision captions too short to describe the image.
const minCaptionLen = 10

// maxInflatedStream caps the inflated size of a single PDF content stream
// or office XML part.
const maxInflatedStream = 4 << 20

// Captioner produces a textual description of an image; a vision-capable
// provider client backs it.
type Captioner interface {
	GetResponse(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (string, llm.ProviderID, error)
}

// FileType labels the upload formats the extractor dispatches on.
type FileType string

const (
	FilePDF   FileType = "pdf"
	FileDocx  FileType = "docx"
	FilePptx  FileType = "pptx"
	FileText  FileType = "txt"
	FileImage FileType = "image"
)

// DetectFileType maps a filename extension onto a FileType.
func DetectFileType(filename string) (FileType, error) {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return FilePDF, nil
	case strings.HasSuffix(lower, ".docx"), strings.HasSuffix(lower, ".doc"):
		return FileDocx, nil
	case strings.HasSuffix(lower, ".pptx"), strings.HasSuffix(lower, ".ppt"):
		return FilePptx, nil
	case strings.HasSuffix(lower, ".txt"), strings.HasSuffix(lower, ".md"), strings.HasSuffix(lower, ".text"):
		return FileText, nil
	case strings.HasSuffix(lower, ".png"), strings.HasSuffix(lower, ".jpg"),
		strings.HasSuffix(lower, ".jpeg"), strings.HasSuffix(lower, ".gif"):
		return FileImage, nil
	default:
		return "", fmt.Errorf("unsupported file type: %s", filename)
	}
}

// ExtractText dispatches on file type and returns the extracted text.
// Documents below the minimum length are rejected.
func ExtractText(ctx context.Context, fileType FileType, data []byte, captioner Captioner) (string, error) {
	var text string
	var err error

	switch fileType {
	case FilePDF:
		text, err = extractPDF(data)
	case FileDocx, FilePptx:
		text, err = extractOfficeXML(fileType, data)
	case FileText:
		text = string(data)
	case FileImage:
		return captionImage(ctx, data, captioner)
	default:
		return "", fmt.Errorf("no extractor for file type %q", fileType)
	}
	if err != nil {
		return "", err
	}

	text = normalizeWhitespace(text)
	if len(text) < minExtractedLen {
		return "", fmt.Errorf("extracted text too short (%d chars, need %d)", len(text), minExtractedLen)
	}
	return text, nil
}

// pdfTextRe pulls text runs out of PDF content streams: parenthesized
// strings inside Tj/TJ operators.
var pdfTextRe = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*T[jJ]`)

// extractPDF scans content streams for text operators. Flate-compressed
// streams are inflated first; other filters (DCT, LZW) yield nothing and
// fall through to the length reject.
func extractPDF(data []byte) (string, error) {
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return "", fmt.Errorf("not a PDF document")
	}
	var b strings.Builder
	collect := func(src []byte) {
		for _, m := range pdfTextRe.FindAllSubmatch(src, -1) {
			b.Write(unescapePDFString(m[1]))
			b.WriteByte(' ')
		}
	}
	collect(data)
	for _, seg := range pdfStreamSegments(data) {
		if inflated, ok := inflatePDFStream(seg); ok {
			collect(inflated)
		}
	}
	return b.String(), nil
}

// pdfStreamSegments returns the raw bytes between each stream/endstream
// keyword pair.
func pdfStreamSegments(data []byte) [][]byte {
	var segments [][]byte
	rest := data
	for {
		i := bytes.Index(rest, []byte("stream"))
		if i < 0 {
			break
		}
		seg := rest[i+len("stream"):]
		// The stream keyword is followed by an EOL before the data.
		seg = bytes.TrimPrefix(seg, []byte("\r\n"))
		seg = bytes.TrimPrefix(seg, []byte("\n"))
		j := bytes.Index(seg, []byte("endstream"))
		if j < 0 {
			break
		}
		segments = append(segments, seg[:j])
		rest = seg[j+len("endstream"):]
	}
	return segments
}

// inflatePDFStream attempts zlib inflation of a stream body. Non-Flate
// streams fail the header check and are skipped.
func inflatePDFStream(seg []byte) ([]byte, bool) {
	zr, err := zlib.NewReader(bytes.NewReader(seg))
	if err != nil {
		return nil, false
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedStream))
	if err != nil && len(out) == 0 {
		return nil, false
	}
	return out, true
}

func unescapePDFString(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				out = append(out, '\n')
			case 't':
				out = append(out, '\t')
			default:
				out = append(out, s[i])
			}
			continue
		}
		out = append(out, s[i])
	}
	return out
}

// xmlTagRe strips markup; office formats carry their text inside XML parts.
var xmlTagRe = regexp.MustCompile(`<[^>]*>`)

// extractOfficeXML opens a docx/pptx upload as the ZIP archive it is, reads
// the text-bearing XML parts, and strips the markup. An archive without any
// such part is rejected rather than indexed as ZIP garbage.
func extractOfficeXML(fileType FileType, data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("not an office document: %w", err)
	}

	var names []string
	for _, f := range zr.File {
		if officeTextPart(fileType, f.Name) {
			names = append(names, f.Name)
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no readable XML part in %s archive", fileType)
	}
	// Archive member order is arbitrary; sort for stable slide order.
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		part, err := readZipPart(zr, name)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		b.WriteString(xmlTagRe.ReplaceAllString(string(part), " "))
		b.WriteByte(' ')
	}
	return b.String(), nil
}

// officeTextPart reports whether an archive member carries document text:
// word/document.xml for docx, ppt/slides/slide*.xml for pptx.
func officeTextPart(fileType FileType, name string) bool {
	switch fileType {
	case FileDocx:
		return name == "word/document.xml"
	case FilePptx:
		return strings.HasPrefix(name, "ppt/slides/slide") && strings.HasSuffix(name, ".xml")
	default:
		return false
	}
}

func readZipPart(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(io.LimitReader(rc, maxInflatedStream))
	}
	return nil, fmt.Errorf("part not found")
}

const captionSystemPrompt = "Describe the image factually in two or three sentences. Name visible objects, text, and layout. No speculation."

func captionImage(ctx context.Context, data []byte, captioner Captioner) (string, error) {
	// Integrity check: the image must decode.
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("invalid image: %w", err)
	}
	if captioner == nil {
		return "", fmt.Errorf("no vision captioner configured")
	}

	caption, _, err := captioner.GetResponse(ctx,
		[]llm.Message{{
			Role:      "user",
			Content:   "Caption the attached image for retrieval indexing.",
			ImageData: data,
			MediaType: http.DetectContentType(data),
		}},
		captionSystemPrompt, llm.Params{MaxTokens: 256})
	if err != nil {
		return "", fmt.Errorf("caption image: %w", err)
	}
	caption = normalizeWhitespace(caption)
	if len(caption) < minCaptionLen {
		return "", fmt.Errorf("caption too short (%d chars)", len(caption))
	}
	return caption, nil
}

var spaceRe = regexp.MustCompile(`\s+`)

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
