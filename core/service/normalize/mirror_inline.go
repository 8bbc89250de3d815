package normalize

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/pkg/logger"
)

const maxInlineImageSize = 5 << 20

// inlineImageTypes lists the image types that may be embedded as data URIs.
var inlineImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
}

var cidRef = regexp.MustCompile(`cid:([^"'\s)>]+)`)

// isInline reports whether a leaf is a candidate for embedding into the HTML body.
// Inline disposition always counts; a missing disposition counts when a Content-ID is present.
func isInline(h domain.PartHeader) bool {
	switch h.Disposition() {
	case "inline":
		return true
	case "":
		return h.ContentID() != ""
	default:
		return false
	}
}

// collectInlineImages builds a cid -> data URI map for every embeddable inline image.
// Parts that are too large, of another type, or fail to fetch are skipped.
func collectInlineImages(ctx context.Context, root domain.MimePart, messageID string, fetcher out.AttachmentFetcher) map[string]string {
	images := make(map[string]string)
	domain.WalkParts(root, func(leaf *domain.LeafPart) {
		cid := leaf.ContentID()
		if cid == "" || !isInline(leaf.PartHeader) {
			return
		}
		mimeType := strings.ToLower(leaf.MimeType)
		if !inlineImageTypes[mimeType] {
			return
		}
		if leaf.Size > maxInlineImageSize {
			return
		}

		data := leaf.Data
		if len(data) == 0 && leaf.AttachmentID != "" && fetcher != nil {
			fetched, err := fetcher.GetAttachment(ctx, messageID, leaf.AttachmentID)
			if err != nil {
				logger.WithError(err).Debug("[Normalizer.inlineImages] skip cid=%s message=%s", cid, messageID)
				return
			}
			data = fetched
		}
		if len(data) == 0 || len(data) > maxInlineImageSize {
			return
		}

		if mimeType == "image/jpg" {
			mimeType = "image/jpeg"
		}
		images[strings.ToLower(cid)] = "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	})
	return images
}

// rewriteCIDs replaces cid: references with the collected data URIs. Unknown references stay.
func rewriteCIDs(html string, images map[string]string) string {
	if len(images) == 0 || !strings.Contains(html, "cid:") {
		return html
	}
	return cidRef.ReplaceAllStringFunc(html, func(ref string) string {
		if uri, ok := images[strings.ToLower(strings.TrimPrefix(ref, "cid:"))]; ok {
			return uri
		}
		return ref
	})
}
