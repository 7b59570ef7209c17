package dedup

import (
	"encoding/hex"
	"net/url"
	"path"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	hashPrefixLen = 2
	hashNameLen   = 16
	nameTagBytes  = 4
	unknownAuthor = "unknown"
)

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ö", "o", "ő", "o", "ú", "u", "ü", "u", "ű", "u",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ö", "o", "Ő", "o", "Ú", "u", "Ü", "u", "Ű", "u",
)

// ObjectKey returns "<author_dir>/<hash[:2]>/<hash[:16]>_<filename>" for an
// image. The hash prefix in the file name keeps distinct contents with the
// same upstream name apart.
func ObjectKey(author, hash, sourceURL string) string {
	prefix := hash
	if len(prefix) > hashPrefixLen {
		prefix = prefix[:hashPrefixLen]
	}
	name := hash
	if len(name) > hashNameLen {
		name = name[:hashNameLen]
	}
	return path.Join(authorDirName(author), prefix, name+"_"+FileName(sourceURL))
}

// AuthorDir is the key prefix holding every file of author and nobody else:
// "<slug>-<tag>/", where tag is derived from the exact author name so names
// that fold to the same slug still get separate directories.
func AuthorDir(author string) string {
	return authorDirName(author) + "/"
}

func authorDirName(author string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(author)))
	return AuthorSlug(author) + "-" + hex.EncodeToString(sum[:nameTagBytes])
}

// AuthorSlug lowercases author and keeps only [a-z0-9_-].
func AuthorSlug(author string) string {
	folded := strings.ToLower(accentFolder.Replace(strings.TrimSpace(author)))
	var b strings.Builder
	dash := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return unknownAuthor
	}
	return slug
}

// FileName returns a safe base name for the image URL, defaulting to image.jpg.
func FileName(sourceURL string) string {
	base := ""
	if u, err := url.Parse(sourceURL); err == nil {
		base = path.Base(u.Path)
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		return "image.jpg"
	}
	return name
}
