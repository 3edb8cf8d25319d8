// Package chromeflags assembles the Chrome command line for a relay-managed
// browser. The launcher injects the flags the relay needs (debugging port,
// the devbrowser extension) on top of whatever the user already passes, and
// extension flags cannot simply be concatenated: --load-extension and
// --disable-extensions-except are comma-joined lists, and --disable-extensions
// overrides both.
package chromeflags

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// OverlayFile is the JSON overlay format, e.g. {"flags": ["--foo", "--bar=1"]}.
type OverlayFile struct {
	Flags []string `json:"flags"`
}

// Split tokenizes a space-delimited flag string. Quoting is not supported;
// values with spaces must come through the overlay file instead.
func Split(input string) []string {
	return strings.Fields(strings.TrimSpace(input))
}

// ReadOverlay loads the overlay file at path. A missing file is an empty
// overlay, not an error.
func ReadOverlay(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, nil
	}
	var of OverlayFile
	if err := json.Unmarshal(content, &of); err != nil {
		return nil, err
	}
	if of.Flags == nil {
		return nil, errors.New("overlay missing 'flags' array")
	}
	out := make([]string, 0, len(of.Flags))
	for _, tok := range of.Flags {
		if t := strings.TrimSpace(tok); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// WriteOverlay writes tokens to path in the overlay format.
func WriteOverlay(path string, tokens []string) error {
	normalized := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if s := strings.TrimSpace(t); s != "" {
			normalized = append(normalized, s)
		}
	}
	data, err := json.Marshal(OverlayFile{Flags: normalized})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

// extensionBuckets separates the extension-related flags out of a token
// stream so they can be merged list-wise.
type extensionBuckets struct {
	load       []string
	except     []string
	disableAll bool
}

func splitExtensionFlags(tokens []string, b *extensionBuckets) (rest []string) {
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "--load-extension="):
			appendCSV(&b.load, strings.TrimPrefix(tok, "--load-extension="))
		case strings.HasPrefix(tok, "--disable-extensions-except="):
			appendCSV(&b.except, strings.TrimPrefix(tok, "--disable-extensions-except="))
		case tok == "--disable-extensions":
			b.disableAll = true
		default:
			rest = append(rest, tok)
		}
	}
	return rest
}

func appendCSV(dst *[]string, csv string) {
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			*dst = append(*dst, p)
		}
	}
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Merge combines the user's flags with the overlay's, overlay winning on
// extension semantics:
//   - an overlay --disable-extensions suppresses every extension flag
//   - a user --disable-extensions holds unless the overlay loads an extension
//   - otherwise --load-extension and --disable-extensions-except lists from
//     both sides are unioned
//
// Non-extension flags combine with first occurrence preserved.
func Merge(userTokens, overlayTokens []string) []string {
	var user, overlay extensionBuckets
	userRest := splitExtensionFlags(userTokens, &user)
	overlayRest := splitExtensionFlags(overlayTokens, &overlay)

	load := dedupe(append(append([]string{}, user.load...), overlay.load...))
	except := dedupe(append(append([]string{}, user.except...), overlay.except...))

	var ext []string
	switch {
	case overlay.disableAll:
		ext = []string{"--disable-extensions"}
	case user.disableAll && len(overlay.load) == 0:
		ext = []string{"--disable-extensions"}
	default:
		if len(load) > 0 {
			ext = append(ext, "--load-extension="+strings.Join(load, ","))
		}
		if len(except) > 0 {
			ext = append(ext, "--disable-extensions-except="+strings.Join(except, ","))
		}
	}

	combined := append(append([]string{}, userRest...), overlayRest...)
	return dedupe(append(combined, ext...))
}

// MergeWithBase merges a space-delimited base flag string (typically from an
// environment variable) with overlay tokens.
func MergeWithBase(base string, overlayTokens []string) []string {
	return Merge(Split(base), overlayTokens)
}
