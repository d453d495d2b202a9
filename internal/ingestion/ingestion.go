// Package ingestion normalizes the three accepted intake shapes
// (multipart form, raw zip bytes, JSON-stream message) into a
// canonical Project (spec §4.8). Path validation follows the pack's
// zip-sanitization convention: relative, forward-slash, no ".."
// traversal. Size and zip-bomb caps are enforced uniformly across all
// three shapes.
package ingestion

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/tachyontex/service/internal/apperr"
	"github.com/tachyontex/service/internal/models"
)

// Limits bounds the ingestion process (spec §4.8: default 32 MiB of
// decoded source, 10x zip-bomb expansion cap).
type Limits struct {
	MaxProjectBytes int64
	MaxZipExpansion int64
}

// DefaultLimits matches spec §4.8's defaults.
func DefaultLimits() Limits {
	return Limits{MaxProjectBytes: 32 << 20, MaxZipExpansion: 10}
}

// ValidatePath normalizes a submitted filename to forward slashes and
// rejects absolute paths or any ".." segment (spec §4.8 invariant).
func ValidatePath(name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if clean == "." || clean == "" {
		return "", apperr.New(apperr.KindInvalidPath, "empty path")
	}
	if strings.HasPrefix(clean, "/") {
		return "", apperr.New(apperr.KindInvalidPath, "absolute path not allowed: "+name)
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", apperr.New(apperr.KindInvalidPath, "parent traversal not allowed: "+name)
		}
	}
	return clean, nil
}

// looksLikeText applies the conservative heuristic spec §4.8 calls
// for: UTF-8 validity and no NUL byte in the first 4 KiB.
func looksLikeText(b []byte) bool {
	probe := b
	if len(probe) > 4096 {
		probe = probe[:4096]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return false
	}
	return utf8.Valid(probe)
}

// FromMultipart normalizes a multipart form into a Project. A part
// named "file" whose filename ends in ".zip" triggers in-memory
// extraction; every other named part contributes one file directly
// (spec §4.8.1).
func FromMultipart(form *multipart.Form, limits Limits) (*models.Project, error) {
	p := models.NewProject()
	var total int64

	for field, files := range form.File {
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("ingestion: open part %s: %w", field, err)
			}
			data, err := io.ReadAll(io.LimitReader(f, limits.MaxProjectBytes+1))
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("ingestion: read part %s: %w", field, err)
			}

			total += int64(len(data))
			if total > limits.MaxProjectBytes {
				return nil, apperr.New(apperr.KindProjectTooLarge, "decoded project exceeds size cap")
			}

			if field == "file" && strings.HasSuffix(strings.ToLower(fh.Filename), ".zip") {
				if err := extractZipInto(p, data, limits, &total); err != nil {
					return nil, err
				}
				continue
			}

			name, err := ValidatePath(fh.Filename)
			if err != nil {
				return nil, err
			}
			p.Files[name] = contentForBytes(data)
		}
	}

	if v := form.Value["main"]; len(v) > 0 {
		if name, err := ValidatePath(v[0]); err == nil {
			p.RootName = name
		}
	}

	if !p.HasTextFile() {
		return nil, apperr.New(apperr.KindNoFiles, "project contains no text file")
	}
	return p, nil
}

// FromZip extracts raw zip bytes into a Project (spec §4.8.2).
func FromZip(data []byte, limits Limits) (*models.Project, error) {
	p := models.NewProject()
	var total int64
	if err := extractZipInto(p, data, limits, &total); err != nil {
		return nil, err
	}
	if !p.HasTextFile() {
		return nil, apperr.New(apperr.KindNoFiles, "project contains no text file")
	}
	return p, nil
}

func extractZipInto(p *models.Project, data []byte, limits Limits, total *int64) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return apperr.Wrap(apperr.KindValidationFailed, "not a valid zip archive", err)
	}

	compressedSize := int64(len(data))
	maxExpanded := compressedSize * limits.MaxZipExpansion
	if limits.MaxZipExpansion <= 0 {
		maxExpanded = limits.MaxProjectBytes
	}

	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name, err := ValidatePath(entry.Name)
		if err != nil {
			return err
		}

		r, err := entry.Open()
		if err != nil {
			return fmt.Errorf("ingestion: open zip entry %s: %w", name, err)
		}
		content, err := io.ReadAll(io.LimitReader(r, limits.MaxProjectBytes+1))
		r.Close()
		if err != nil {
			return fmt.Errorf("ingestion: read zip entry %s: %w", name, err)
		}

		*total += int64(len(content))
		if *total > limits.MaxProjectBytes {
			return apperr.New(apperr.KindProjectTooLarge, "decoded project exceeds size cap")
		}
		if maxExpanded > 0 && *total > maxExpanded {
			return apperr.New(apperr.KindProjectTooLarge, "zip expansion ratio exceeds cap")
		}

		p.Files[name] = contentForBytes(content)
	}
	return nil
}

func contentForBytes(b []byte) models.FileContent {
	if looksLikeText(b) {
		return models.TextContent(b)
	}
	return models.BinaryContent(b)
}

// streamMessage is the wire shape of a JSON-stream ingestion message
// (spec §4.8.3).
type streamMessage struct {
	Main  string                     `json:"main,omitempty"`
	Files map[string]json.RawMessage `json:"files"`
}

type hashRefValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type base64Value struct {
	Base64 string `json:"base64"`
}

// FromJSONStream normalizes a JSON-stream ingestion message into a
// Project. File values may be a plain string (Text), {"base64": ...}
// (Binary), or {"type": "hash", "value": hex} (HashRef) (spec §4.8.3).
// HashRef entries are accepted only when allowHashRef is true; with
// false they fail with ValidationFailed, since HashRef entries are only
// valid within a streaming session.
func FromJSONStream(raw []byte, limits Limits, allowHashRef bool) (*models.Project, error) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, apperr.Wrap(apperr.KindValidationFailed, "malformed JSON stream message", err)
	}

	p := models.NewProject()
	var total int64

	for rawName, rawVal := range msg.Files {
		name, err := ValidatePath(rawName)
		if err != nil {
			return nil, err
		}

		content, size, err := decodeStreamValue(rawVal, allowHashRef)
		if err != nil {
			return nil, err
		}

		total += int64(size)
		if total > limits.MaxProjectBytes {
			return nil, apperr.New(apperr.KindProjectTooLarge, "decoded project exceeds size cap")
		}

		p.Files[name] = content
	}

	if msg.Main != "" {
		if name, err := ValidatePath(msg.Main); err == nil {
			p.RootName = name
		}
	}

	return p, nil
}

func decodeStreamValue(raw json.RawMessage, allowHashRef bool) (models.FileContent, int, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return models.TextContent([]byte(asString)), len(asString), nil
	}

	var hashVal hashRefValue
	if err := json.Unmarshal(raw, &hashVal); err == nil && hashVal.Type == "hash" {
		if !allowHashRef {
			return models.FileContent{}, 0, apperr.New(apperr.KindValidationFailed, "hash refs are only valid within a streaming session")
		}
		return models.HashRefContent(hashVal.Value), 0, nil
	}

	var b64Val base64Value
	if err := json.Unmarshal(raw, &b64Val); err == nil && b64Val.Base64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(b64Val.Base64)
		if err != nil {
			return models.FileContent{}, 0, apperr.Wrap(apperr.KindValidationFailed, "invalid base64 file content", err)
		}
		return models.BinaryContent(decoded), len(decoded), nil
	}

	return models.FileContent{}, 0, apperr.New(apperr.KindValidationFailed, "unrecognized file value shape")
}
