package mcp

import (
	"path/filepath"
	"strings"
)

// mimeTypes is the fixed extension map used by send_file. Lookup is
// case-insensitive on the extension.
var mimeTypes = map[string]string{
	".jpg":      "image/jpeg",
	".jpeg":     "image/jpeg",
	".png":      "image/png",
	".gif":      "image/gif",
	".webp":     "image/webp",
	".svg":      "image/svg+xml",
	".bmp":      "image/bmp",
	".ico":      "image/x-icon",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
	".log":      "text/plain",
	".csv":      "text/csv",
	".json":     "application/json",
	".xml":      "text/xml",
	".yaml":     "text/yaml",
	".yml":      "text/yaml",
	".html":     "text/html",
	".css":      "text/css",
	".js":       "text/javascript",
	".ts":       "text/typescript",
	".dart":     "text/x-dart",
	".py":       "text/x-python",
	".java":     "text/x-java",
	".c":        "text/x-c",
	".h":        "text/x-c",
	".cpp":      "text/x-c++",
	".go":       "text/x-go",
	".rs":       "text/x-rust",
	".sh":       "text/x-shellscript",
	".bat":      "text/x-batch",
	".ps1":      "text/x-powershell",
}

// MimeTypeFor returns the MIME type for a file path by extension.
// Unknown extensions map to application/octet-stream.
func MimeTypeFor(path string) string {
	if mime, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return mime
	}
	return "application/octet-stream"
}

// FileTypeFor maps a MIME type to the coarse category clients use to pick a
// renderer for an attachment.
func FileTypeFor(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "text/"), mime == "application/json":
		return "text"
	default:
		return "binary"
	}
}
