package resilience

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/adforge/api/internal/model"
)

// PlaceholderImageURL is served whenever image generation is unavailable
const PlaceholderImageURL = "/img/placeholder.png"

const (
	fallbackDescription = "Professional description for your product or service."
	fallbackPrimaryText = "Discover amazing features and benefits. " +
		"Join thousands of satisfied customers who trust our quality and service. " +
		"Limited time offer - don't miss out!"
)

// FallbackContent returns count filler variations, none for a non-positive
// count. Everything except the ids is deterministic.
func FallbackContent(count int, callToAction string) []model.AdContent {
	count = max(count, 0)
	contents := make([]model.AdContent, 0, count)
	for i := 0; i < count; i++ {
		contents = append(contents, model.AdContent{
			ID:           uuid.New().String(),
			Headline:     fmt.Sprintf("Fallback: Creative Headline #%d", i+1),
			Description:  fallbackDescription,
			PrimaryText:  fallbackPrimaryText,
			CallToAction: callToAction,
			ImageURL:     PlaceholderImageURL,
			Provider:     model.ProviderFallback,
			PreviewOrder: i,
		})
	}
	return contents
}
