package oracle

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidResponse marks a response that remains unusable after every
// repair. Callers map it to the model_output_invalid failure type.
var ErrInvalidResponse = errors.New("oracle: invalid model response")

// pairEntry is the preferred response element.
type pairEntry struct {
	Path       string `json:"path"`
	ContentB64 string `json:"content_b64"`
}

// ParseResponse turns a raw model response into a file set. Three repairs
// run in order, each logged: strip markdown code fences, strip whitespace
// inside base64 values (paths are never touched), salvage complete pairs
// from a truncated tail. Path-set validation is a separate step
// (ValidatePathSet) so that out-of-scope paths surface as policy
// violations, not parse failures.
func ParseResponse(raw []byte, logger *zap.Logger) ([]FileEntry, error) {
	text := strings.TrimSpace(string(raw))
	if stripped, ok := stripFences(text); ok {
		logger.Debug("model response repair: stripped code fences")
		text = stripped
	}

	entries, err := decodePairs([]byte(text))
	if err != nil {
		if legacy, lerr := decodeLegacy([]byte(text)); lerr == nil {
			entries = legacy
		} else if salvaged := salvagePairs(text); len(salvaged) > 0 {
			logger.Debug("model response repair: salvaged complete pairs from truncated tail",
				zap.Int("pairs", len(salvaged)))
			entries = salvaged
		} else {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}

	files := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.Path == "" {
			return nil, fmt.Errorf("%w: entry with empty path", ErrInvalidResponse)
		}
		content, err := decodeContent(e.ContentB64)
		if err != nil {
			return nil, fmt.Errorf("%w: decode content for %s: %v", ErrInvalidResponse, e.Path, err)
		}
		files = append(files, FileEntry{Path: e.Path, Content: content})
	}
	return files, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return s, false
	}
	body := s
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = strings.TrimPrefix(body, "```")
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body), true
}

func decodePairs(data []byte) ([]pairEntry, error) {
	var entries []pairEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// decodeLegacy accepts the older mapping shape: path to raw content string.
func decodeLegacy(data []byte) ([]pairEntry, error) {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, errors.New("empty mapping")
	}
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	entries := make([]pairEntry, 0, len(m))
	for _, p := range paths {
		entries = append(entries, pairEntry{
			Path:       p,
			ContentB64: base64.StdEncoding.EncodeToString([]byte(m[p])),
		})
	}
	return entries, nil
}

// pairRe matches one complete {path, content_b64} object. Escapes are
// allowed in the path; base64 values may contain whitespace.
var pairRe = regexp.MustCompile(`\{\s*"path"\s*:\s*"((?:[^"\\]|\\.)+)"\s*,\s*"content_b64"\s*:\s*"([A-Za-z0-9+/=\s]*)"\s*\}`)

// salvagePairs extracts every complete pair from a response whose tail was
// truncated mid-stream, discarding the incomplete remainder.
func salvagePairs(text string) []pairEntry {
	matches := pairRe.FindAllStringSubmatch(text, -1)
	entries := make([]pairEntry, 0, len(matches))
	for _, m := range matches {
		var path string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &path); err != nil {
			continue
		}
		entries = append(entries, pairEntry{Path: path, ContentB64: m[2]})
	}
	return entries
}

// decodeContent strips whitespace from a base64 value and decodes it,
// tolerating missing padding.
func decodeContent(b64 string) ([]byte, error) {
	clean := strings.Join(strings.Fields(b64), "")
	if data, err := base64.StdEncoding.DecodeString(clean); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(clean, "="))
}

// ValidatePathSet enforces path-set equality between the response and the
// task's allowed paths. Concrete allowed paths must each appear exactly
// once; prefix-style entries (trailing slash or wildcard) must be covered
// by at least one returned path beneath them. Paths outside the allowed
// set are the caller's policy check, not this one.
func ValidatePathSet(files []FileEntry, allowedPaths []string) error {
	got := make(map[string]bool, len(files))
	for _, f := range files {
		if got[f.Path] {
			return fmt.Errorf("%w: duplicate path %q", ErrInvalidResponse, f.Path)
		}
		got[f.Path] = true
	}
	for _, p := range allowedPaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") || strings.HasSuffix(p, "*") {
			prefix := strings.TrimSuffix(p, "*")
			covered := false
			for path := range got {
				if strings.HasPrefix(path, prefix) {
					covered = true
					break
				}
			}
			if !covered {
				return fmt.Errorf("%w: no file under allowed prefix %q", ErrInvalidResponse, p)
			}
			continue
		}
		if !got[p] {
			return fmt.Errorf("%w: missing path %q", ErrInvalidResponse, p)
		}
	}
	return nil
}
