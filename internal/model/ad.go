package model

// Provider identifies where a piece of generated content came from
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderGemini      Provider = "gemini"
	ProviderAnthropic   Provider = "anthropic"
	ProviderHuggingFace Provider = "huggingface"
	ProviderFalAI       Provider = "fal-ai"
	ProviderFallback    Provider = "FALLBACK"
)

// AdType is the kind of ad being generated
type AdType string

const (
	AdTypePagePost          AdType = "PAGE_POST_AD"
	AdTypeWebsiteConversion AdType = "WEBSITE_CONVERSION_AD"
	AdTypeLeadForm          AdType = "LEAD_FORM_AD"
)

// AdGenerationRequest represents the request to start an async content generation
type AdGenerationRequest struct {
	CampaignID         int64    `json:"campaignId" validate:"required,gt=0"`
	AdType             AdType   `json:"adType" validate:"required,oneof=PAGE_POST_AD WEBSITE_CONVERSION_AD LEAD_FORM_AD"`
	Name               string   `json:"name" validate:"omitempty,min=3,max=255"`
	Prompt             string   `json:"prompt" validate:"required_without=CustomPrompt,max=5000"`
	CustomPrompt       string   `json:"customPrompt" validate:"max=2000"`
	PromptStyle        string   `json:"promptStyle" validate:"max=100"`
	TextProvider       Provider `json:"textProvider" validate:"required,oneof=openai gemini anthropic huggingface"`
	ImageProvider      Provider `json:"imageProvider" validate:"omitempty,oneof=openai huggingface stable-diffusion fal-ai"`
	NumberOfVariations int      `json:"numberOfVariations" validate:"required,min=1,max=10"`
	Language           string   `json:"language" validate:"omitempty,oneof=en vi es fr de it pt ru ja ko zh"`
	CallToAction       string   `json:"callToAction" validate:"omitempty,max=50"`
	MediaFileURL       string   `json:"mediaFileUrl" validate:"omitempty,url"`
	WebsiteURL         string   `json:"websiteUrl" validate:"omitempty,url"`
	AdLinks            []string `json:"adLinks" validate:"omitempty,max=10,dive,url"`
}

// ImageGenerationRequest represents the request to start an async image generation
type ImageGenerationRequest struct {
	Prompt        string   `json:"prompt" validate:"required,min=3,max=2000"`
	ImageProvider Provider `json:"imageProvider" validate:"omitempty,oneof=openai huggingface stable-diffusion fal-ai"`
	Count         int      `json:"count" validate:"omitempty,min=1,max=4"`
}

// AdContent is one generated ad variation
type AdContent struct {
	ID           string   `json:"id" validate:"required"`
	Headline     string   `json:"headline" validate:"required,max=255"`
	PrimaryText  string   `json:"primaryText" validate:"required,max=5000"`
	Description  string   `json:"description" validate:"max=1000"`
	CallToAction string   `json:"callToAction,omitempty"`
	ImageURL     string   `json:"imageUrl,omitempty"`
	Provider     Provider `json:"provider" validate:"required"`
	PreviewOrder int      `json:"previewOrder"`
}

// ContentResult is the payload stored on a completed content generation job
type ContentResult struct {
	Contents []AdContent `json:"contents"`
	Fallback bool        `json:"fallback"`
}

// Ephemeral reports whether the result is degraded filler that must not be cached
func (r *ContentResult) Ephemeral() bool {
	return r.Fallback
}

// ImageResult is the payload stored on a completed image generation job
type ImageResult struct {
	ImageURLs []string `json:"imageUrls"`
	Provider  Provider `json:"provider"`
	Fallback  bool     `json:"fallback"`
}

// Ephemeral reports whether the result is the placeholder image
func (r *ImageResult) Ephemeral() bool {
	return r.Fallback
}
