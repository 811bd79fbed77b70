// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package registration

import (
	"bytes"
	"encoding/base64"
	"strings"
)

// Allowed content types per slot kind.
var (
	documentTypes = []string{
		"image/jpeg", "image/png", "image/gif", "image/webp", "image/jxl",
		"application/pdf",
	}
	photoTypes = []string{"image/jpeg", "image/png"}
	pdfOnly    = []string{"application/pdf"}
)

// decodeArtifact decodes a data-URI or bare base64 artifact value, enforces
// the size cap and checks that the declared content type, the magic bytes
// and the slot's allowed types all agree.
func decodeArtifact(field, value string, maxBytes int64, allowed []string) (data []byte, contentType string, err error) {
	declared, payload, err := splitDataURI(field, value)
	if err != nil {
		return nil, "", err
	}

	payload = strings.Map(dropSpace, payload)

	// Reject before decoding when even the encoded form cannot fit.
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > maxBytes+3 {
		return nil, "", fieldErr(field, "too_large",
			"file exceeds the maximum size of %d bytes", maxBytes)
	}

	data, decodeErr := base64.StdEncoding.DecodeString(payload)
	if decodeErr != nil {
		data, decodeErr = base64.RawStdEncoding.DecodeString(payload)
	}
	if decodeErr != nil {
		return nil, "", fieldErr(field, "bad_base64", "file content is not valid base64")
	}
	if int64(len(data)) > maxBytes {
		return nil, "", fieldErr(field, "too_large",
			"file exceeds the maximum size of %d bytes", maxBytes)
	}
	if len(data) == 0 {
		return nil, "", fieldErr(field, "empty_file", "file content is empty")
	}

	detected := sniffContentType(data)
	if detected == "" {
		return nil, "", fieldErr(field, "bad_mime", "file type could not be recognized")
	}
	if declared != "" && !strings.EqualFold(declared, detected) {
		return nil, "", fieldErr(field, "mime_mismatch",
			"declared type %s does not match file content (%s)", declared, detected)
	}
	for _, ct := range allowed {
		if ct == detected {
			return data, detected, nil
		}
	}
	return nil, "", fieldErr(field, "bad_mime", "file type %s is not allowed for this field", detected)
}

// splitDataURI splits "data:<mime>;base64,<payload>" into its parts; a bare
// base64 string yields an empty declared type.
func splitDataURI(field, value string) (declared, payload string, err error) {
	if !strings.HasPrefix(value, "data:") {
		return "", value, nil
	}
	rest := value[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", "", fieldErr(field, "bad_data_uri", "malformed data URI")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", fieldErr(field, "bad_data_uri", "data URI must be base64 encoded")
	}
	declared = strings.TrimSuffix(meta, ";base64")
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = declared[:i]
	}
	return strings.TrimSpace(declared), payload, nil
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\t', '\r', '\n':
		return -1
	}
	return r
}

var (
	magicPNG  = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	magicJPEG = []byte{0xff, 0xd8, 0xff}
	magicGIF7 = []byte("GIF87a")
	magicGIF9 = []byte("GIF89a")
	magicPDF  = []byte("%PDF-")
	magicJXLc = []byte{0xff, 0x0a}
	magicJXLb = []byte{0x00, 0x00, 0x00, 0x0c, 'J', 'X', 'L', ' ', 0x0d, 0x0a, 0x87, 0x0a}
)

// sniffContentType identifies the artifact types the tournament accepts by
// their magic bytes. Unknown content yields "".
func sniffContentType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, magicPNG):
		return "image/png"
	case bytes.HasPrefix(data, magicJPEG):
		return "image/jpeg"
	case bytes.HasPrefix(data, magicGIF7), bytes.HasPrefix(data, magicGIF9):
		return "image/gif"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	case bytes.HasPrefix(data, magicPDF):
		return "application/pdf"
	case bytes.HasPrefix(data, magicJXLb), bytes.HasPrefix(data, magicJXLc):
		return "image/jxl"
	}
	return ""
}
