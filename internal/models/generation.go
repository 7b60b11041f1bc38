package models

import "fmt"

// Kind separates text results from image results in the cache and the ledger.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

func (k Kind) Valid() bool {
	return k == KindText || k == KindImage
}

// Resolution is the image quality tier. Each tier has its own unit price.
type Resolution string

const (
	ResolutionPreview  Resolution = "preview"
	ResolutionStandard Resolution = "standard"
	ResolutionHigh     Resolution = "high"
)

// ParseResolution accepts the three tier names and defaults the empty string to standard.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case "":
		return ResolutionStandard, nil
	case ResolutionPreview, ResolutionStandard, ResolutionHigh:
		return Resolution(s), nil
	default:
		return "", fmt.Errorf("unknown resolution %q", s)
	}
}

// Purpose describes what a generated image is for.
type Purpose string

const (
	PurposePreview Purpose = "preview"
	PurposeEdit    Purpose = "edit"
	PurposeFinal   Purpose = "final"
)
