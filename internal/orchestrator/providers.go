package orchestrator

import "stockflux/internal/models"

// ProviderSpec bounds how the orchestrator pages through one provider. The
// ceilings cap total API calls against a single query: MaxPages stops
// fetching past a page number, MaxItems stops once the provider has yielded
// that many downloads. Zero means unbounded.
type ProviderSpec struct {
	Name          string
	Images        bool
	Videos        bool
	ImagesPerPage int
	VideosPerPage int
	MaxPages      int
	MaxItems      int
}

// Supports reports whether the provider serves the media type.
func (s ProviderSpec) Supports(media models.MediaType) bool {
	if media == models.MediaVideos {
		return s.Videos
	}
	return s.Images
}

// PerPage returns the page size to request for the media type.
func (s ProviderSpec) PerPage(media models.MediaType) int {
	if media == models.MediaVideos {
		return s.VideosPerPage
	}
	return s.ImagesPerPage
}

// DefaultSpecs returns the rotation in its fixed order with the page sizes
// and ceilings each upstream API tolerates.
func DefaultSpecs() []ProviderSpec {
	return []ProviderSpec{
		{Name: "pexels", Images: true, Videos: true, ImagesPerPage: 80, VideosPerPage: 30},
		{Name: "unsplash", Images: true, ImagesPerPage: 30, MaxPages: 125},
		{Name: "pixabay", Images: true, Videos: true, ImagesPerPage: 80, VideosPerPage: 50, MaxItems: 500},
	}
}
