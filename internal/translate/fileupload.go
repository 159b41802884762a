package translate

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/rakunlabs/arenabridge/internal/bridge"
)

// uploadInlineImages walks every attachment across all messages and
// replaces any inline base64 (`data:` URI) occurrence with the file-bed's
// hosted URL. By this point in the pipeline, markdown image links and
// list-shaped image_url parts have already been normalised into
// attachments, so this is the single place base64 payloads are found.
func uploadInlineImages(ctx context.Context, msgs []workMessage, uploader FileBedUploader) error {
	for i := range msgs {
		if err := uploadAttachmentSet(ctx, msgs[i].Attachments, uploader); err != nil {
			return err
		}
		if err := uploadAttachmentSet(ctx, msgs[i].ExperimentalAttachments, uploader); err != nil {
			return err
		}
	}
	return nil
}

func uploadAttachmentSet(ctx context.Context, atts []bridge.UpstreamAttachment, uploader FileBedUploader) error {
	for i := range atts {
		if !strings.HasPrefix(atts[i].URL, "data:") {
			continue
		}

		data, contentType, err := decodeDataURL(atts[i].URL)
		if err != nil {
			return bridge.Wrap(bridge.KindAttachmentProcessing, "invalid inline image data", err)
		}

		sum := sha256.Sum256(data)
		url, err := uploader.Upload(ctx, hex.EncodeToString(sum[:]), data, contentType)
		if err != nil {
			return bridge.Wrap(bridge.KindAttachmentProcessing, "file-bed upload failed", err)
		}

		atts[i].URL = url
		if contentType != "" {
			atts[i].ContentType = contentType
		}
	}
	return nil
}

// decodeDataURL splits a `data:<mime>;base64,<payload>` URI into its
// decoded bytes and MIME type.
func decodeDataURL(url string) ([]byte, string, error) {
	rest := strings.TrimPrefix(url, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, "", errInvalidDataURL
	}

	meta := rest[:comma]
	payload := rest[comma+1:]

	mime := strings.TrimSuffix(meta, ";base64")

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", err
	}

	return data, mime, nil
}

var errInvalidDataURL = bridge.New(bridge.KindAttachmentProcessing, "malformed data url")
