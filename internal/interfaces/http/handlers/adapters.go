package handlers

import (
	"context"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/imagepipeline"
)

// imageHandlerAdapter adapts imagepipeline.Pipeline's ProcessImage (which
// needs the originating role and a per-binding compression override) to
// the narrower streamparser.ImageHandler interface the parser calls with
// just a url, by closing over the role and binding for one request.
type imageHandlerAdapter struct {
	pipeline *imagepipeline.Pipeline
	role     string
	imageCfg *entity.ImageCompressionConfig
}

func (a *imageHandlerAdapter) HandleImage(ctx context.Context, url string) (string, error) {
	return a.pipeline.ProcessImage(ctx, url, a.role, a.imageCfg)
}
