package classification

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"firestige.xyz/captool/internal/crypt"
)

// systemIDPattern pulls the SYSTEM identifier out of a DOCTYPE directive's
// raw bytes. encoding/xml never parses a DOCTYPE's internal structure — it
// only hands the directive back as an opaque xml.Directive — so there is no
// structured field to read this out of.
var systemIDPattern = regexp.MustCompile(`SYSTEM\s+"([^"]+)"`)

// extractSystemID scans data's first DOCTYPE directive for a SYSTEM
// identifier.
func extractSystemID(data []byte) (string, bool) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		dir, ok := tok.(xml.Directive)
		if !ok {
			continue
		}
		if m := systemIDPattern.FindSubmatch(dir); m != nil {
			return string(m[1]), true
		}
	}
}

// LoadFromFile loads a catalog from path. If key is non-empty, the file is
// first decrypted with it; per spec.md §6, an encrypted catalog is then
// checked against the DTD referenced by its own internal subset, resolved
// relative to path's directory, before the catalog body is parsed — a
// missing DTD there is "Encrypted-catalog DTD lookup failure", fatal at
// load (spec.md §7). This only confirms the referenced DTD file exists; it
// does not perform full schema validation against it, since nothing in the
// available Go ecosystem validates a document against an external DTD the
// way the original's libxml binding did (see DESIGN.md).
func LoadFromFile(path string, key string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classification: read %s: %w", path, err)
	}

	if key != "" {
		var buf bytes.Buffer
		if _, err := crypt.Decrypt(&buf, bytes.NewReader(raw), key); err != nil {
			return nil, fmt.Errorf("classification: decrypt %s: %w", path, err)
		}
		raw = buf.Bytes()

		systemID, ok := extractSystemID(raw)
		if !ok {
			return nil, fmt.Errorf("classification: DTD lookup failure: %s has no DOCTYPE SYSTEM id after decryption", path)
		}
		dtdPath := filepath.Join(filepath.Dir(path), systemID)
		if _, err := os.Stat(dtdPath); err != nil {
			return nil, fmt.Errorf("classification: DTD lookup failure: %s resolved to %s: %w", path, dtdPath, err)
		}
	}

	return Load(bytes.NewReader(raw))
}
