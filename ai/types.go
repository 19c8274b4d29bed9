package ai

import "github.com/poiesic/idp/core"

// EnhanceRequest is the input to a single enhancement call.
type EnhanceRequest struct {
	// Text is the merged parser and OCR text.
	Text string

	// Image holds the raw page image for image inputs. Empty for PDFs.
	Image []byte

	// ImageMIME is the media type of Image, e.g. "image/png".
	ImageMIME string

	// Format selects the output shape the model is asked to produce.
	Format core.OutputFormat
}

// HasImage reports whether an image accompanies the text.
func (r EnhanceRequest) HasImage() bool {
	return len(r.Image) > 0
}

// Enhancement is the model output.
type Enhancement struct {
	Content string
	Model   string
}
