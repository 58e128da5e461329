package services

// PreviewRenderer rasterizes a PDF's pages into an output directory for
// on-screen preview. The rasterization pipeline is external; the workflow
// only decides when previews are stale and asks for fresh ones.
type PreviewRenderer interface {
	RenderPages(pdfRef, outDir string) error
}

// NoopPreviews is wired when no preview pipeline is configured.
type NoopPreviews struct{}

func (NoopPreviews) RenderPages(string, string) error { return nil }
