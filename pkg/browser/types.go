package browser

// Viewport defines the browser viewport size.
type Viewport struct {
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor,omitempty"`
}

// ImageFormat identifies the screenshot encoding.
type ImageFormat string

const (
	ImageFormatPNG  ImageFormat = "png"
	ImageFormatJPEG ImageFormat = "jpeg"
)

// Extension returns the file extension for the format, including the dot.
func (f ImageFormat) Extension() string {
	if f == ImageFormatJPEG {
		return ".jpg"
	}
	return ".png"
}

// MIMEType returns the content type for the format.
func (f ImageFormat) MIMEType() string {
	if f == ImageFormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// ScreenshotOptions selects the encoding of a page capture. Quality only
// applies to JPEG.
type ScreenshotOptions struct {
	Format  ImageFormat `json:"format"`
	Quality int         `json:"quality,omitempty"`
}

// ContextConfig configures an isolated browsing context.
type ContextConfig struct {
	Viewport Viewport `json:"viewport"`
	Locale   string   `json:"locale,omitempty"`
	Timezone string   `json:"timezone,omitempty"`
}

// DefaultContextConfig returns the recommended context defaults.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		Viewport: Viewport{Width: 1920, Height: 1200, DeviceScaleFactor: 1.0},
	}
}
