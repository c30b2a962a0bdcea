package attachment

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"walletchat/models"
)

// Kind groups media types by how a viewer renders them.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindPDF   Kind = "pdf"
	KindText  Kind = "text"
	KindFile  Kind = "file"
)

// Preview describes how an attachment can be shown without decoding it.
type Preview struct {
	Kind      Kind
	Inline    bool
	HumanSize string
	Extension string
}

// PreviewOf derives preview affordances from attachment metadata.
func PreviewOf(a models.Attachment) Preview {
	mediaType := strings.ToLower(strings.TrimSpace(a.MediaType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}

	kind := KindFile
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		kind = KindImage
	case strings.HasPrefix(mediaType, "video/"):
		kind = KindVideo
	case strings.HasPrefix(mediaType, "audio/"):
		kind = KindAudio
	case mediaType == "application/pdf":
		kind = KindPDF
	case strings.HasPrefix(mediaType, "text/"):
		kind = KindText
	}

	ext := strings.ToLower(filepath.Ext(a.Name))
	if ext == "" {
		if mt := mimetype.Lookup(mediaType); mt != nil {
			ext = mt.Extension()
		}
	}

	return Preview{
		Kind:      kind,
		Inline:    kind == KindImage || kind == KindPDF,
		HumanSize: HumanSize(a.SizeBytes),
		Extension: ext,
	}
}

// HumanSize formats a byte count with binary units.
func HumanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
