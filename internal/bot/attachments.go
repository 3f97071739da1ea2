package bot

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	engram "github.com/sorane/engram"
	"github.com/sorane/engram/ingest/pdf"
)

// maxAttachmentBytes caps a single attachment download.
const maxAttachmentBytes = 8 << 20

// AttachmentFetcher downloads an attachment body. Implemented by the chat
// frontend client.
type AttachmentFetcher interface {
	DownloadAttachment(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// flattened is the planner-ready form of a message's attachments:
//   - images → base64 media parts for multimodal prompts.
//   - PDFs → extracted text appended to the prompt.
//   - text files → decoded content appended to the prompt.
//
// Other types are skipped. Download and extraction failures cost the
// attachment, never the reply.
type flattened struct {
	media []engram.ImageData
	text  string
}

func (h *Handler) flatten(ctx context.Context, msg engram.IncomingMessage) flattened {
	var out flattened
	if len(msg.Attachments) == 0 {
		return out
	}
	extractor := pdf.NewExtractor()

	for _, att := range msg.Attachments {
		data := att.Data
		if data == nil {
			if h.fetcher == nil || att.URL == "" {
				continue
			}
			var err error
			data, err = h.fetcher.DownloadAttachment(ctx, att.URL, maxAttachmentBytes)
			if err != nil {
				h.logger.Warn("attachment download failed",
					"filename", att.Filename, "error", err)
				continue
			}
		}

		mime := att.ContentType
		if mime == "" {
			mime = http.DetectContentType(data)
		}

		switch {
		case strings.HasPrefix(mime, "image/"):
			out.media = append(out.media, engram.ImageData{
				MimeType: mime,
				Base64:   base64.StdEncoding.EncodeToString(data),
			})
		case mime == "application/pdf":
			text, err := extractor.Extract(data)
			if err != nil {
				h.logger.Warn("pdf extraction failed",
					"filename", att.Filename, "error", err)
				continue
			}
			out.text = appendFileBlock(out.text, att.Filename, text)
		case strings.HasPrefix(mime, "text/") || mime == "application/json":
			out.text = appendFileBlock(out.text, att.Filename, string(data))
		default:
			h.logger.Debug("skipping attachment",
				"filename", att.Filename, "mime", mime)
		}
	}
	return out
}

func appendFileBlock(existing, name, content string) string {
	if name == "" {
		name = "file"
	}
	block := fmt.Sprintf("[File: %s]\n%s", name, content)
	if existing == "" {
		return block
	}
	return existing + "\n\n" + block
}
