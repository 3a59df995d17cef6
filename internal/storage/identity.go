package storage

import (
	"mime"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// containerPattern splits "/bucket/key/path" into bucket and remainder.
// Up to two leading slashes are tolerated.
var containerPattern = regexp.MustCompile(`^/?/?([^/]+)(.*)`)

// multiSlash matches runs of slashes in object keys.
var multiSlash = regexp.MustCompile(`/{2,}`)

// SplitContainer splits an object-store logical path into its container
// (bucket) and object key. The key has runs of slashes collapsed and its
// leading slash removed.
func SplitContainer(p string) (container, key string) {
	m := containerPattern.FindStringSubmatch(p)
	if m == nil {
		return "", ""
	}
	key = multiSlash.ReplaceAllString(m[2], "/")
	key = strings.TrimPrefix(key, "/")
	return m[1], key
}

// ParsePath splits a slash-separated path into its components.
func ParsePath(p string) ParsedPath {
	base := path.Base(p)
	if p == "" || base == "." || base == "/" {
		base = ""
	}
	ext := path.Ext(base)
	return ParsedPath{
		Dir:  path.Dir(p),
		Base: base,
		Ext:  ext,
		Name: strings.TrimSuffix(base, ext),
	}
}

// parseFilePath is ParsePath using the host's path separator.
func parseFilePath(p string) ParsedPath {
	base := filepath.Base(p)
	ext := filepath.Ext(base)
	return ParsedPath{
		Dir:  filepath.Dir(p),
		Base: base,
		Ext:  ext,
		Name: strings.TrimSuffix(base, ext),
	}
}

// commonMimeTypes pins the types of everyday extensions so they do not vary
// with the host's mime tables.
var commonMimeTypes = map[string]string{
	".css":  "text/css",
	".csv":  "text/csv",
	".gif":  "image/gif",
	".htm":  "text/html",
	".html": "text/html",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".js":   "text/javascript",
	".json": "application/json",
	".md":   "text/markdown",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".svg":  "image/svg+xml",
	".txt":  "text/plain",
	".xml":  "text/xml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".zip":  "application/zip",
}

// InferMimeType returns the media type registered for name's extension,
// without parameters. Unknown extensions yield "". Extensions outside
// commonMimeTypes are looked up in the mime package, which merges the host's
// mime.types files, so their result depends on the host.
func InferMimeType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return ""
	}
	if t, ok := commonMimeTypes[ext]; ok {
		return t
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return strings.TrimSpace(strings.SplitN(t, ";", 2)[0])
	}
	return mediaType
}
